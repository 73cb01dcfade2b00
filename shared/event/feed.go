// Package event implements a simple event feed used to fan out
// state-change notifications to subscribed consumers.
package event

import (
	"sync"
)

// Subscription represents a stream of events. The carrier of the events
// is typically a channel, but isn't part of the interface.
type Subscription interface {
	// Err returns the error channel. It is closed on Unsubscribe.
	Err() <-chan error
	// Unsubscribe cancels the sending of events.
	Unsubscribe()
}

// Feed implements one-to-many subscriptions where the carrier of events
// is a channel. Values sent to a Feed are delivered to all subscribed
// channels. A zero value Feed is ready to use.
type Feed struct {
	mu   sync.Mutex
	subs map[*feedSub]struct{}
}

type feedSub struct {
	feed *Feed
	ch   chan<- interface{}
	err  chan error
	once sync.Once
}

func (s *feedSub) Err() <-chan error { return s.err }

func (s *feedSub) Unsubscribe() {
	s.once.Do(func() {
		s.feed.mu.Lock()
		delete(s.feed.subs, s)
		s.feed.mu.Unlock()
		close(s.err)
	})
}

// Subscribe adds a channel to the feed. Future calls to Send will
// deliver the value to ch until the subscription is canceled.
func (f *Feed) Subscribe(ch chan<- interface{}) Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[*feedSub]struct{})
	}
	sub := &feedSub{feed: f, ch: ch, err: make(chan error, 1)}
	f.subs[sub] = struct{}{}
	return sub
}

// Send delivers value to all subscribed channels and returns the number
// of subscribers the value was delivered to. Slow subscribers are
// skipped rather than blocking the sender.
func (f *Feed) Send(value interface{}) int {
	f.mu.Lock()
	subs := make([]*feedSub, 0, len(f.subs))
	for s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	n := 0
	for _, s := range subs {
		select {
		case s.ch <- value:
			n++
		default:
		}
	}
	return n
}
