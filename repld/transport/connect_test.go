package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mirrorlabs/blockrepl/shared/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nodeConfig(nodeID, peerID, localPort, peerPort int, secret string) *Config {
	nc := params.DefaultNetConfig()
	nc.PeerNodeID = peerID
	nc.BindAddress = fmt.Sprintf("127.0.0.1:%d", localPort)
	nc.PeerAddress = fmt.Sprintf("127.0.0.1:%d", peerPort)
	nc.ConnectInterval = 500 * time.Millisecond
	nc.PingTimeout = 100 * time.Millisecond
	if secret != "" {
		nc.CramHMACAlg = "sha256"
		nc.SharedSecret = secret
	}
	return &Config{NodeID: nodeID, NetConfig: nc, Registry: NewRegistry()}
}

func establishPair(t *testing.T, secretA, secretB string) (*Pair, *Pair, error) {
	t.Helper()
	portA := freePort(t)
	portB := freePort(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var (
		wg    sync.WaitGroup
		pairA *Pair
		pairB *Pair
		errA  error
		errB  error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		pairA, errA = NewConnector(nodeConfig(0, 1, portA, portB, secretA)).Establish(ctx)
	}()
	go func() {
		defer wg.Done()
		pairB, errB = NewConnector(nodeConfig(1, 0, portB, portA, secretB)).Establish(ctx)
	}()
	wg.Wait()

	if errA != nil {
		return nil, nil, errA
	}
	return pairA, pairB, errB
}

func TestEstablishNegotiatesPair(t *testing.T) {
	pairA, pairB, err := establishPair(t, "", "")
	require.NoError(t, err)
	defer pairA.Close()
	defer pairB.Close()

	cfg := params.ReplConfig()
	assert.Equal(t, cfg.ProtocolVersionMax, pairA.AgreedProVersion)
	assert.Equal(t, pairA.AgreedProVersion, pairB.AgreedProVersion)

	// Exactly one side holds the conflict tie break.
	assert.NotEqual(t, pairA.ResolveConflicts, pairB.ResolveConflicts,
		"the resolve-conflicts flag must land on exactly one side")
}

func TestEstablishAuthenticated(t *testing.T) {
	pairA, pairB, err := establishPair(t, "sesame", "sesame")
	require.NoError(t, err)
	pairA.Close()
	pairB.Close()
}

func TestEstablishAuthFailure(t *testing.T) {
	pairA, pairB, err := establishPair(t, "sesame", "changeme")
	if err == nil {
		pairA.Close()
		pairB.Close()
		t.Fatal("mismatched secrets must not authenticate")
	}
}

func TestSocketLivenessProbe(t *testing.T) {
	port := freePort(t)
	bind := fmt.Sprintf("127.0.0.1:%d", port)
	reg := NewRegistry()
	w, err := reg.Register(bind, "127.0.0.1:1")
	require.NoError(t, err)
	defer w.Unregister()

	client, err := net.Dial("tcp", bind)
	require.NoError(t, err)

	var server *Socket
	select {
	case c := <-w.Incoming():
		server = newSocket(c)
	case <-time.After(2 * time.Second):
		t.Fatal("no incoming socket")
	}
	defer server.Close()

	// A healthy idle socket probes alive; a closed one does not.
	assert.True(t, server.okay())
	require.NoError(t, client.Close())
	// Give the close a moment to propagate.
	time.Sleep(50 * time.Millisecond)
	assert.False(t, server.okay())
}
