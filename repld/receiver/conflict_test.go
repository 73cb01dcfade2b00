package receiver

import (
	"testing"
	"time"

	"github.com/mirrorlabs/blockrepl/repld/protocol"
	"github.com/mirrorlabs/blockrepl/shared/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoPrimaryConfig() *params.NetConfig {
	nc := params.DefaultNetConfig()
	nc.PeerNodeID = 1
	nc.TwoPrimaries = true
	return nc
}

// insertLocalWrite plants a local request interval the way the
// submission path does.
func insertLocalWrite(r *Resource, sector uint64, size uint32, state uint32) *Request {
	d := r.Device(0)
	req := &Request{
		device: d,
		sector: sector,
		size:   size,
		done:   make(chan error, 1),
	}
	req.interval.Sector = sector
	req.interval.Size = size
	req.interval.Local = true
	req.interval.Owner = req
	req.setState(state)
	r.reqMu.Lock()
	d.writeRequests.Insert(&req.interval)
	r.reqMu.Unlock()
	return req
}

func newConflictRequest(t *testing.T, c *Connection, sector uint64, size uint32) *PeerRequest {
	t.Helper()
	pd := c.PeerDevice(0)
	hdr := &protocol.DataHeader{Sector: sector, BlockID: sector}
	pr, err := c.newPeerRequest(pd, hdr, size, true)
	require.NoError(t, err)
	pr.chain.Fill(make([]byte, size))
	c.admitIntoEpoch(pr)
	return pr
}

func TestConflictSupersededWhenFullyContained(t *testing.T) {
	// Both sides wrote the same range; this side holds the tie break
	// and answers superseded without submitting the peer's version.
	r := newTestResource(t)
	c, w := newTestConnection(t, r, twoPrimaryConfig())
	c.resolveConflicts = true
	drainData(w)
	meta := collectMeta(t, w, 100)

	insertLocalWrite(r, 100, 10*512, rqLocalPending)
	pr := newConflictRequest(t, c, 100, 10*512)

	err := pr.handleWriteConflicts()
	require.Equal(t, errConflictSettled, err)
	assert.Equal(t, protocol.CmdSuperseded, pr.ackCmd)
	assert.False(t, pr.hasFlag(prInIntervalTree), "settled request must leave the tree")

	// The ack is owed through the asender path.
	require.NoError(t, c.finishPeerRequests())
	p := nextMeta(t, meta, time.Second)
	assert.Equal(t, protocol.CmdSuperseded, p.info.Cmd)
	var ack protocol.BlockAck
	require.NoError(t, ack.Unmarshal(p.sub))
	assert.Equal(t, uint64(100), ack.Sector)
}

func TestConflictRetryWhenPartialOverlap(t *testing.T) {
	r := newTestResource(t)
	c, w := newTestConnection(t, r, twoPrimaryConfig())
	c.resolveConflicts = true
	drainData(w)
	meta := collectMeta(t, w, 100)

	// Local write covers [100,110); the peer write sticks out, so it
	// cannot be discarded and is told to retry.
	insertLocalWrite(r, 100, 10*512, rqLocalPending)
	pr := newConflictRequest(t, c, 104, 10*512)

	err := pr.handleWriteConflicts()
	require.Equal(t, errConflictSettled, err)
	assert.Equal(t, protocol.CmdRetryWrite, pr.ackCmd)

	require.NoError(t, c.finishPeerRequests())
	p := nextMeta(t, meta, time.Second)
	assert.Equal(t, protocol.CmdRetryWrite, p.info.Cmd)
}

func TestConflictOldPeersOnlyGetSuperseded(t *testing.T) {
	r := newTestResource(t)
	c, w := newTestConnection(t, r, twoPrimaryConfig())
	c.resolveConflicts = true
	c.version = 95
	drainData(w)
	collectMeta(t, w, 95)

	insertLocalWrite(r, 100, 10*512, rqLocalPending)
	pr := newConflictRequest(t, c, 104, 10*512)

	require.Equal(t, errConflictSettled, pr.handleWriteConflicts())
	assert.Equal(t, protocol.CmdSuperseded, pr.ackCmd, "protocol < 100 has no retry-write")
}

func TestConflictRestartAfterPostponedLocal(t *testing.T) {
	// The peer holds the tie break; our local request lost and was
	// postponed. The peer write marks itself to restart our locals
	// after it completes.
	r := newTestResource(t)
	c, w := newTestConnection(t, r, twoPrimaryConfig())
	c.resolveConflicts = false
	drainData(w)
	collectMeta(t, w, 100)

	insertLocalWrite(r, 100, 10*512, rqPostponed)
	pr := newConflictRequest(t, c, 100, 10*512)

	require.NoError(t, pr.handleWriteConflicts())
	assert.True(t, pr.hasFlag(prRestartRequests))
	assert.True(t, pr.hasFlag(prInIntervalTree), "winning peer write stays in the tree for submission")
}

func TestNoConflictNoOverlap(t *testing.T) {
	r := newTestResource(t)
	c, w := newTestConnection(t, r, twoPrimaryConfig())
	c.resolveConflicts = true
	drainData(w)
	collectMeta(t, w, 100)

	insertLocalWrite(r, 0, 4096, rqLocalPending)
	pr := newConflictRequest(t, c, 1000, 4096)

	require.NoError(t, pr.handleWriteConflicts())
	assert.True(t, pr.hasFlag(prInIntervalTree))
	assert.Equal(t, protocol.Command(0), pr.ackCmd)

	// P2: interval membership matches the flag.
	r.reqMu.Lock()
	in := pr.interval.InTree()
	r.reqMu.Unlock()
	assert.True(t, in)
}

func TestPeerSeqWrapAroundComparison(t *testing.T) {
	if !seqGreater(1, 0xffffffff) {
		t.Fatal("sequence comparison must survive 32-bit wrap")
	}
	if seqGreater(0xffffffff, 1) {
		t.Fatal("wrapped comparison inverted")
	}
	if seqGreater(5, 5) {
		t.Fatal("equal sequences are not greater")
	}
}
