package event

import "testing"

func TestFeedDeliversToAllSubscribers(t *testing.T) {
	var feed Feed
	ch1 := make(chan interface{}, 1)
	ch2 := make(chan interface{}, 1)
	sub1 := feed.Subscribe(ch1)
	sub2 := feed.Subscribe(ch2)
	defer sub1.Unsubscribe()
	defer sub2.Unsubscribe()

	if n := feed.Send("hello"); n != 2 {
		t.Fatalf("delivered to %d subscribers, want 2", n)
	}
	if got := <-ch1; got != "hello" {
		t.Errorf("ch1 got %v", got)
	}
	if got := <-ch2; got != "hello" {
		t.Errorf("ch2 got %v", got)
	}
}

func TestFeedSkipsSlowSubscribers(t *testing.T) {
	var feed Feed
	full := make(chan interface{}) // no buffer, nobody reading
	sub := feed.Subscribe(full)
	defer sub.Unsubscribe()

	if n := feed.Send(1); n != 0 {
		t.Fatalf("blocked subscriber must be skipped, delivered %d", n)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	var feed Feed
	ch := make(chan interface{}, 4)
	sub := feed.Subscribe(ch)
	sub.Unsubscribe()

	if n := feed.Send(1); n != 0 {
		t.Fatalf("delivered to %d subscribers after unsubscribe", n)
	}
	select {
	case <-sub.Err():
	default:
		t.Fatal("err channel must close on unsubscribe")
	}
	// Double unsubscribe is safe.
	sub.Unsubscribe()
}
