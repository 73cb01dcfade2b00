package receiver

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/mirrorlabs/blockrepl/repld/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// admitTestWrite pushes one synthetic peer write through allocation,
// epoch admission and submission, the way the data handler does.
func admitTestWrite(t *testing.T, c *Connection, sector uint64, blockID uint64) *PeerRequest {
	t.Helper()
	pd := c.PeerDevice(0)
	require.NotNil(t, pd)
	hdr := &protocol.DataHeader{Sector: sector, BlockID: blockID}
	pr, err := c.newPeerRequest(pd, hdr, 4096, true)
	require.NoError(t, err)
	pr.chain.Fill(make([]byte, 4096))
	pr.setFlag(prSendWriteAck)
	c.admitIntoEpoch(pr)

	r := c.resource
	r.reqMu.Lock()
	pr.moveTo(pd.device.activeEE)
	pr.recvElem = c.peerRequests.PushBack(pr)
	r.reqMu.Unlock()

	require.NoError(t, pr.submit())
	return pr
}

func doneLen(c *Connection) int {
	r := c.resource
	r.reqMu.Lock()
	defer r.reqMu.Unlock()
	return c.resource.Device(0).doneEE.Len()
}

func TestBarrierFlow(t *testing.T) {
	r := newTestResource(t)
	r.BumpWriteOrdering(OrderingFlush)
	c, w := newTestConnection(t, r, nil)
	drainData(w)
	meta := collectMeta(t, w, 100)

	// Two writes land in the first epoch.
	admitTestWrite(t, c, 0, 1)
	admitTestWrite(t, c, 8, 2)
	waitFor(t, 2*time.Second, func() bool { return doneLen(c) == 2 }, "writes never became durable")

	e0 := c.epochWithBarrier()
	assert.Equal(t, 2, e0.Size())
	assert.Equal(t, 2, e0.Active())

	// The barrier stamps the epoch and a fresh epoch is installed.
	bh := &protocol.BarrierHeader{Barrier: 7}
	require.NoError(t, c.receiveBarrier(&protocol.Info{Cmd: protocol.CmdBarrier}, bh.Marshal()))

	c.epochMu.Lock()
	epochCount := len(c.epochs)
	c.epochMu.Unlock()
	assert.Equal(t, 2, epochCount, "a fresh epoch must take subsequent writes")

	// A later write belongs to the new epoch.
	pr3 := admitTestWrite(t, c, 16, 3)
	assert.NotEqual(t, e0, pr3.epoch)
	assert.Equal(t, 1, pr3.epoch.Size())

	// The asender retires the epoch writes; exactly one barrier ack
	// follows the two write acks.
	require.NoError(t, c.finishPeerRequests())

	first := nextMeta(t, meta, time.Second)
	assert.Equal(t, protocol.CmdWriteAck, first.info.Cmd)
	second := nextMeta(t, meta, time.Second)
	assert.Equal(t, protocol.CmdWriteAck, second.info.Cmd)
	third := nextMeta(t, meta, time.Second)
	require.Equal(t, protocol.CmdBarrierAck, third.info.Cmd)

	var ack protocol.BarrierAck
	require.NoError(t, ack.Unmarshal(third.sub))
	assert.Equal(t, uint32(7), ack.Barrier)
	assert.Equal(t, uint32(2), ack.SetSize)
}

func TestBarrierOnEmptyEpochRecycles(t *testing.T) {
	r := newTestResource(t)
	r.BumpWriteOrdering(OrderingNone)
	c, w := newTestConnection(t, r, nil)
	drainData(w)
	collectMeta(t, w, 100)

	for i := uint32(1); i <= 3; i++ {
		bh := &protocol.BarrierHeader{Barrier: i}
		require.NoError(t, c.receiveBarrier(&protocol.Info{Cmd: protocol.CmdBarrier}, bh.Marshal()))
	}
	// Back-to-back barriers with no writes must not grow the epoch
	// list.
	c.epochMu.Lock()
	defer c.epochMu.Unlock()
	assert.Equal(t, 1, len(c.epochs))
}

func TestEpochAccounting(t *testing.T) {
	r := newTestResource(t)
	r.BumpWriteOrdering(OrderingNone)
	c, w := newTestConnection(t, r, nil)
	drainData(w)
	meta := collectMeta(t, w, 100)

	const writes = 5
	for i := 0; i < writes; i++ {
		admitTestWrite(t, c, uint64(i*8), uint64(i+10))
	}
	e := c.epochWithBarrier()
	assert.Equal(t, writes, e.Size())

	waitFor(t, 2*time.Second, func() bool { return doneLen(c) == writes }, "writes never became durable")

	bh := &protocol.BarrierHeader{Barrier: 1}
	require.NoError(t, c.receiveBarrier(&protocol.Info{Cmd: protocol.CmdBarrier}, bh.Marshal()))
	require.NoError(t, c.finishPeerRequests())

	// All write acks, then the barrier ack with the exact epoch size.
	var barrier *protocol.BarrierAck
	for i := 0; i < writes+1; i++ {
		p := nextMeta(t, meta, time.Second)
		if p.info.Cmd == protocol.CmdBarrierAck {
			var ack protocol.BarrierAck
			require.NoError(t, ack.Unmarshal(p.sub))
			barrier = &ack
		}
	}
	require.NotNil(t, barrier)
	assert.Equal(t, uint32(writes), barrier.SetSize)
	assert.Equal(t, 0, e.Active(), "epoch must drain to zero active writes")
}

func TestWriteOrderingOnlyDegrades(t *testing.T) {
	r := newTestResource(t)
	assert.Equal(t, OrderingBarrier, r.WriteOrderingMode())
	r.BumpWriteOrdering(OrderingDrain)
	assert.Equal(t, OrderingDrain, r.WriteOrderingMode())
	// Upgrades are ignored.
	r.BumpWriteOrdering(OrderingBarrier)
	assert.Equal(t, OrderingDrain, r.WriteOrderingMode())
}

func TestFlushDegradesWhenUnsupported(t *testing.T) {
	r := newTestResource(t)
	r.BumpWriteOrdering(OrderingFlush)
	c, w := newTestConnection(t, r, nil)
	drainData(w)
	collectMeta(t, w, 100)

	d := r.Device(0)
	mem := d.backend.(interface{ SetFlushUnsupported() })
	mem.SetFlushUnsupported()

	c.flushAfterEpoch(c.epochWithBarrier())
	assert.Equal(t, OrderingDrain, r.WriteOrderingMode())
}

func TestEpochPutIsIdempotentPerRequest(t *testing.T) {
	r := newTestResource(t)
	r.BumpWriteOrdering(OrderingNone)
	c, w := newTestConnection(t, r, nil)
	drainData(w)
	collectMeta(t, w, 100)

	pr := admitTestWrite(t, c, 0, 1)
	waitFor(t, 2*time.Second, func() bool { return doneLen(c) == 1 }, "write never became durable")

	e := pr.epoch
	require.NoError(t, c.finishPeerRequests())
	activeAfter := e.Active()
	// A second cleanup on the same request must not decrement again.
	pr.cleanup()
	assert.Equal(t, activeAfter, e.Active())
	assert.Equal(t, int32(0), atomic.LoadInt32(&e.active))
}
