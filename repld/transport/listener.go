// Package transport establishes the two TCP streams of a replication
// connection: shared listeners keyed by bind address, the symmetric
// connect dance that pairs a data and a meta socket with the right
// peer, the protocol feature exchange and the optional shared-secret
// authentication.
package transport

import (
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "transport")

// Registry shares one TCP listener per local bind address among all
// connections of a resource. Incoming sockets are routed to whichever
// waiter expects the remote address, or rejected.
type Registry struct {
	mu        sync.Mutex
	listeners map[string]*sharedListener
}

// NewRegistry creates an empty listener registry.
func NewRegistry() *Registry {
	return &Registry{listeners: make(map[string]*sharedListener)}
}

type sharedListener struct {
	registry *Registry
	bindAddr string
	ln       net.Listener

	mu      sync.Mutex
	refs    int
	waiters map[string]chan net.Conn // keyed by expected peer host
	closed  bool
}

// Waiter is one connection's claim on incoming sockets from its peer
// address.
type Waiter struct {
	listener *sharedListener
	peerHost string
	incoming chan net.Conn
}

// Incoming delivers accepted sockets whose remote address matches the
// waiter's peer.
func (w *Waiter) Incoming() <-chan net.Conn { return w.incoming }

// Register obtains a waiter on bindAddr for sockets from peerAddr,
// starting a listener if the address has none yet.
func (r *Registry) Register(bindAddr, peerAddr string) (*Waiter, error) {
	peerHost, _, err := net.SplitHostPort(peerAddr)
	if err != nil {
		return nil, errors.Wrap(err, "invalid peer address")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	sl, ok := r.listeners[bindAddr]
	if !ok {
		ln, err := net.Listen("tcp", bindAddr)
		if err != nil {
			return nil, errors.Wrap(err, "could not bind listener")
		}
		sl = &sharedListener{
			registry: r,
			bindAddr: bindAddr,
			ln:       ln,
			waiters:  make(map[string]chan net.Conn),
		}
		r.listeners[bindAddr] = sl
		go sl.acceptLoop()
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()
	if _, exists := sl.waiters[peerHost]; exists {
		return nil, errors.Errorf("peer %s already has a waiter on %s", peerHost, bindAddr)
	}
	ch := make(chan net.Conn, 2)
	sl.waiters[peerHost] = ch
	sl.refs++
	return &Waiter{listener: sl, peerHost: peerHost, incoming: ch}, nil
}

// Unregister releases the waiter; the listener closes with its last
// waiter. Sockets still queued are closed.
func (w *Waiter) Unregister() {
	sl := w.listener
	sl.mu.Lock()
	delete(sl.waiters, w.peerHost)
	sl.refs--
	last := sl.refs == 0
	if last {
		sl.closed = true
	}
	sl.mu.Unlock()

	for {
		select {
		case c := <-w.incoming:
			c.Close()
		default:
			if last {
				sl.ln.Close()
				sl.registry.mu.Lock()
				delete(sl.registry.listeners, sl.bindAddr)
				sl.registry.mu.Unlock()
			}
			return
		}
	}
}

func (sl *sharedListener) acceptLoop() {
	for {
		conn, err := sl.ln.Accept()
		if err != nil {
			sl.mu.Lock()
			closed := sl.closed
			sl.mu.Unlock()
			if closed {
				return
			}
			log.WithError(err).Debug("Accept failed")
			continue
		}
		host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
		if err != nil {
			conn.Close()
			continue
		}
		sl.mu.Lock()
		ch, ok := sl.waiters[host]
		sl.mu.Unlock()
		if !ok {
			log.WithField("remote", conn.RemoteAddr().String()).Warn("Closing unexpected connection attempt")
			conn.Close()
			continue
		}
		select {
		case ch <- conn:
		default:
			// The waiter already has a backlog; the peer will retry.
			conn.Close()
		}
	}
}
