package transport

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestRegistryRoutesByPeerHost(t *testing.T) {
	reg := NewRegistry()
	port := freePort(t)
	bind := fmt.Sprintf("127.0.0.1:%d", port)

	w, err := reg.Register(bind, "127.0.0.1:9999")
	require.NoError(t, err)
	defer w.Unregister()

	conn, err := net.Dial("tcp", bind)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case got := <-w.Incoming():
		got.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("incoming connection was not routed to the waiter")
	}
}

func TestRegistrySharesOneListener(t *testing.T) {
	reg := NewRegistry()
	port := freePort(t)
	bind := fmt.Sprintf("127.0.0.1:%d", port)

	w1, err := reg.Register(bind, "10.0.0.1:7788")
	require.NoError(t, err)
	w2, err := reg.Register(bind, "10.0.0.2:7788")
	require.NoError(t, err)

	reg.mu.Lock()
	assert.Len(t, reg.listeners, 1, "same bind address must share a listener")
	reg.mu.Unlock()

	// Duplicate waiter for the same peer is refused.
	_, err = reg.Register(bind, "10.0.0.1:7788")
	assert.Error(t, err)

	w1.Unregister()
	w2.Unregister()

	// The last unregister closes the listener; the port is free again.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ln, err := net.Listen("tcp", bind)
		if err == nil {
			ln.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("listener still bound after last unregister")
}

func TestAuthResponseSalting(t *testing.T) {
	secret := []byte("sesame")
	challenge := []byte("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")

	// Pre-110 responses ignore the node id.
	legacyA := authResponse(secret, challenge, 0, false)
	legacyB := authResponse(secret, challenge, 1, false)
	assert.Equal(t, legacyA, legacyB)

	// Salted responses bind the responder's identity, so a transcript
	// between one node pair cannot answer for another.
	saltedA := authResponse(secret, challenge, 0, true)
	saltedB := authResponse(secret, challenge, 1, true)
	assert.NotEqual(t, saltedA, saltedB)
	assert.NotEqual(t, legacyA, saltedA)

	// Deterministic per responder.
	assert.Equal(t, saltedA, authResponse(secret, challenge, 0, true))
}
