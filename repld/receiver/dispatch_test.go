package receiver

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mirrorlabs/blockrepl/repld/protocol"
	"github.com/mirrorlabs/blockrepl/repld/statemachine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeDataPacket frames one mirrored write the way a peer would.
func writeDataPacket(t *testing.T, w *testWire, version int, hdr *protocol.DataHeader, payload []byte) {
	t.Helper()
	sub := hdr.Marshal()
	body := append(sub, payload...)
	require.NoError(t, protocol.WritePacket(w.data, version, 0, protocol.CmdData, body))
}

func TestDispatchAppliesMirroredWrite(t *testing.T) {
	r := newTestResource(t)
	r.BumpWriteOrdering(OrderingNone)
	c, w := newTestConnection(t, r, nil)
	atomic.StoreInt32(&c.cstate, int32(statemachine.Connected))
	meta := collectMeta(t, w, 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.dispatchLoop(ctx)

	payload := bytes.Repeat([]byte{0xa5}, 4096)
	writeDataPacket(t, w, 100, &protocol.DataHeader{Sector: 8, BlockID: 99, Seq: 1}, payload)

	waitFor(t, 2*time.Second, func() bool { return doneLen(c) == 1 }, "write never reached the done queue")
	require.NoError(t, c.finishPeerRequests())

	// Protocol C: the ack arrives after the write is durable.
	p := nextMeta(t, meta, time.Second)
	require.Equal(t, protocol.CmdWriteAck, p.info.Cmd)
	var ack protocol.BlockAck
	require.NoError(t, ack.Unmarshal(p.sub))
	assert.Equal(t, uint64(99), ack.BlockID)
	assert.Equal(t, uint64(8), ack.Sector)

	// The payload landed at the right offset.
	mem := r.Device(0).backend.(interface{ Bytes() []byte })
	data := mem.Bytes()
	assert.Equal(t, payload, data[8*512:8*512+4096])
	assert.Zero(t, data[8*512-1], "bytes before the write stay untouched")
}

func TestDispatchRejectsUnknownCommand(t *testing.T) {
	r := newTestResource(t)
	c, w := newTestConnection(t, r, nil)
	atomic.StoreInt32(&c.cstate, int32(statemachine.Connected))
	collectMeta(t, w, 100)

	done := make(chan struct{})
	go func() {
		c.dispatchLoop(context.Background())
		close(done)
	}()

	// Command 0xee is not in the data-channel table.
	require.NoError(t, protocol.WritePacket(w.data, 100, 0, protocol.Command(0xee), nil))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch loop must stop on an unknown command")
	}
	assert.Equal(t, statemachine.ProtocolError, c.CState())
}

func TestDispatchShortReadBecomesBrokenPipe(t *testing.T) {
	r := newTestResource(t)
	c, w := newTestConnection(t, r, nil)
	atomic.StoreInt32(&c.cstate, int32(statemachine.Connected))
	collectMeta(t, w, 100)

	done := make(chan struct{})
	go func() {
		c.dispatchLoop(context.Background())
		close(done)
	}()

	// The peer dies mid-stream without an expected disconnect.
	w.data.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch loop must stop on a dead socket")
	}
	assert.Equal(t, statemachine.BrokenPipe, c.CState())
}

func TestDispatchExpectedDisconnect(t *testing.T) {
	r := newTestResource(t)
	c, w := newTestConnection(t, r, nil)
	atomic.StoreInt32(&c.cstate, int32(statemachine.Connected))
	atomic.StoreInt32(&c.discExpected, 1)
	collectMeta(t, w, 100)

	done := make(chan struct{})
	go func() {
		c.dispatchLoop(context.Background())
		close(done)
	}()
	w.data.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch loop must stop")
	}
	assert.Equal(t, statemachine.Disconnecting, c.CState())
}

func TestDispatchDrainsSkippedPayload(t *testing.T) {
	r := newTestResource(t)
	c, w := newTestConnection(t, r, nil)
	atomic.StoreInt32(&c.cstate, int32(statemachine.Connected))
	r.BumpWriteOrdering(OrderingNone)
	meta := collectMeta(t, w, 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.dispatchLoop(ctx)

	// A compressed bitmap is drained to preserve framing...
	require.NoError(t, protocol.WritePacket(w.data, 100, 0, protocol.CmdCompressedBitmap, bytes.Repeat([]byte{1}, 333)))
	// ...and the stream keeps working afterwards.
	payload := bytes.Repeat([]byte{0x5a}, 4096)
	writeDataPacket(t, w, 100, &protocol.DataHeader{Sector: 0, BlockID: 7, Seq: 1}, payload)

	waitFor(t, 2*time.Second, func() bool { return doneLen(c) == 1 }, "framing lost after skipped packet")
	require.NoError(t, c.finishPeerRequests())
	p := nextMeta(t, meta, time.Second)
	assert.Equal(t, protocol.CmdWriteAck, p.info.Cmd)
}

func TestDispatchDigestMismatchIsProtocolError(t *testing.T) {
	r := newTestResource(t)
	nc := twoPrimaryConfig()
	nc.TwoPrimaries = false
	nc.IntegrityAlg = "crc32c"
	c, w := newTestConnection(t, r, nc)
	c.integritySize = 4
	atomic.StoreInt32(&c.cstate, int32(statemachine.Connected))
	collectMeta(t, w, 100)

	done := make(chan struct{})
	go func() {
		c.dispatchLoop(context.Background())
		close(done)
	}()

	payload := bytes.Repeat([]byte{9}, 4096)
	hdr := &protocol.DataHeader{Sector: 0, BlockID: 1, Seq: 1}
	body := append(hdr.Marshal(), []byte{0xde, 0xad, 0xbe, 0xef}...) // bogus digest
	body = append(body, payload...)
	require.NoError(t, protocol.WritePacket(w.data, 100, 0, protocol.CmdData, body))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch loop must stop on digest mismatch")
	}
	assert.Equal(t, statemachine.ProtocolError, c.CState())
}
