package receiver

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/mirrorlabs/blockrepl/repld/backend"
	"github.com/mirrorlabs/blockrepl/repld/metadata"
	"github.com/mirrorlabs/blockrepl/repld/pagepool"
	"github.com/mirrorlabs/blockrepl/repld/protocol"
	"github.com/mirrorlabs/blockrepl/repld/transport"
	"github.com/mirrorlabs/blockrepl/shared/params"
	"github.com/stretchr/testify/require"
)

func newTestResource(t *testing.T) *Resource {
	t.Helper()
	store, err := metadata.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	r := NewResource(&ResourceConfig{
		Name:     "r0",
		NodeID:   0,
		Pool:     pagepool.NewPool(256, 4096),
		Metadata: store,
	})
	_, err = r.AddDevice(0, backend.NewMemBackend(1<<22))
	require.NoError(t, err)
	return r
}

// testWire is the far end of a connection under test.
type testWire struct {
	data net.Conn
	meta net.Conn
}

func newTestConnection(t *testing.T, r *Resource, nc *params.NetConfig) (*Connection, *testWire) {
	t.Helper()
	if nc == nil {
		nc = params.DefaultNetConfig()
		nc.PeerNodeID = 1
	}
	c := newConnection(r, nc)
	dataLocal, dataPeer := net.Pipe()
	metaLocal, metaPeer := net.Pipe()
	c.pair = &transport.Pair{
		Data:             &transport.Socket{Conn: dataLocal, R: bufio.NewReaderSize(dataLocal, 1<<16)},
		Meta:             &transport.Socket{Conn: metaLocal, R: bufio.NewReaderSize(metaLocal, 1<<16)},
		AgreedProVersion: 100,
		ID:               "test",
	}
	c.version = 100
	c.connID = "test"
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.touchLastReceived()

	t.Cleanup(func() {
		c.cancel()
		dataPeer.Close()
		metaPeer.Close()
		dataLocal.Close()
		metaLocal.Close()
	})
	return c, &testWire{data: dataPeer, meta: metaPeer}
}

type metaPacket struct {
	info protocol.Info
	sub  []byte
}

// collectMeta reads meta-channel packets from the far end into a
// channel until the pipe closes.
func collectMeta(t *testing.T, w *testWire, version int) <-chan metaPacket {
	t.Helper()
	out := make(chan metaPacket, 64)
	r := bufio.NewReader(w.meta)
	go func() {
		defer close(out)
		for {
			pi, err := protocol.ReadHeader(r, version)
			if err != nil {
				return
			}
			sub := make([]byte, pi.Size)
			if _, err := io.ReadFull(r, sub); err != nil {
				return
			}
			out <- metaPacket{info: pi, sub: sub}
		}
	}()
	return out
}

// drainData discards everything the connection writes on its data
// socket.
func drainData(w *testWire) {
	go io.Copy(io.Discard, w.data)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func nextMeta(t *testing.T, ch <-chan metaPacket, timeout time.Duration) metaPacket {
	t.Helper()
	select {
	case p, ok := <-ch:
		if !ok {
			t.Fatal("meta channel closed")
		}
		return p
	case <-time.After(timeout):
		t.Fatal("timed out waiting for meta packet")
	}
	return metaPacket{}
}
