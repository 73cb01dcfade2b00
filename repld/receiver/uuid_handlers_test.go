package receiver

import (
	"bufio"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mirrorlabs/blockrepl/repld/protocol"
	"github.com/mirrorlabs/blockrepl/repld/statemachine"
	"github.com/mirrorlabs/blockrepl/repld/uuids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collectData reads data-channel packets from the far end.
func collectData(t *testing.T, w *testWire, version int) <-chan metaPacket {
	t.Helper()
	out := make(chan metaPacket, 16)
	r := bufio.NewReader(w.data)
	go func() {
		defer close(out)
		for {
			pi, err := protocol.ReadHeader(r, version)
			if err != nil {
				return
			}
			body := make([]byte, pi.Size)
			if _, err := io.ReadFull(r, body); err != nil {
				return
			}
			out <- metaPacket{info: pi, sub: body}
		}
	}()
	return out
}

func stateWord(role statemachine.Role, disk statemachine.DiskState) []byte {
	p := &protocol.State{State: uint32(statemachine.PackState(role, statemachine.Connected, disk, statemachine.ReplOff))}
	return p.Marshal()
}

func TestHandshakeBecomesSourceAndSendsBitmap(t *testing.T) {
	// The peer crashed and came back with an old generation that
	// matches our bitmap slot: we become source and open the bitmap
	// exchange.
	r := newTestResource(t)
	c, w := newTestConnection(t, r, nil)
	atomic.StoreInt32(&c.cstate, int32(statemachine.Connected))
	collectMeta(t, w, 100)
	data := collectData(t, w, 100)

	d := r.Device(0)
	pd := c.PeerDevice(0)

	r.reqMu.Lock()
	d.gen.Current = 0xbbbbbbbbbbbbbbb0
	d.gen.Bitmap[pd.bitmapIndex] = 0xaaaaaaaaaaaaaaa0
	r.reqMu.Unlock()

	// The peer reports the old generation as current.
	peer := &protocol.UUIDs110{
		Current:         0xaaaaaaaaaaaaaaa0,
		BitmapUUIDsMask: 0,
	}
	raw := peer.Marshal()
	go func() {
		// The handler pulls the variable part off the socket.
		w.data.Write(raw[protocol.UUIDs110FixedSize:])
	}()
	pi := &protocol.Info{Cmd: protocol.CmdUUIDs110, Volume: 0, Size: uint32(len(raw) - protocol.UUIDs110FixedSize)}
	require.NoError(t, c.receiveUUIDs110(pi, raw[:protocol.UUIDs110FixedSize]))

	require.NoError(t, c.receiveState(c.ctx, &protocol.Info{Cmd: protocol.CmdState, Volume: 0},
		stateWord(statemachine.RoleSecondary, statemachine.DiskUpToDate)))

	assert.Equal(t, statemachine.ReplWFBitmapS, pd.ReplState())

	// The source opens the bitmap exchange on the data channel.
	select {
	case p := <-data:
		assert.Equal(t, protocol.CmdBitmap, p.info.Cmd)
	case <-time.After(2 * time.Second):
		t.Fatal("no bitmap packet after handshake")
	}
}

func TestHandshakeUnrelatedGoesStandalone(t *testing.T) {
	r := newTestResource(t)
	c, w := newTestConnection(t, r, nil)
	atomic.StoreInt32(&c.cstate, int32(statemachine.Connected))
	collectMeta(t, w, 100)
	drainData(w)

	d := r.Device(0)
	pd := c.PeerDevice(0)
	r.reqMu.Lock()
	d.gen.Current = 0x1111111111111110
	d.gen.History[0] = 0x3333333333333330
	r.reqMu.Unlock()

	pd.SetPeerView(&uuids.PeerView{
		Current:     0x2222222222222220,
		BitmapUUIDs: map[int]uint64{},
		History:     []uint64{0x4444444444444440},
	})
	pd.stateReceived = true

	err := c.runSyncHandshake(pd)
	assert.Equal(t, errTeardown, err)
	assert.Equal(t, statemachine.StandAlone, c.CState())
}

func TestHandshakeInSyncEstablishes(t *testing.T) {
	// Scenario: first connect of two freshly created volumes; one
	// ping interval later both sides consider the pair established.
	r := newTestResource(t)
	c, w := newTestConnection(t, r, nil)
	atomic.StoreInt32(&c.cstate, int32(statemachine.Connected))
	collectMeta(t, w, 100)
	drainData(w)

	pd := c.PeerDevice(0)
	pd.SetPeerView(&uuids.PeerView{
		Current:     uuids.JustCreated,
		BitmapUUIDs: map[int]uint64{},
	})
	pd.stateReceived = true

	require.NoError(t, c.runSyncHandshake(pd))
	assert.Equal(t, statemachine.ReplEstablished, pd.ReplState())
}

func TestSyncUUIDAdoptedByTarget(t *testing.T) {
	r := newTestResource(t)
	c, w := newTestConnection(t, r, nil)
	collectMeta(t, w, 100)
	drainData(w)

	d := r.Device(0)
	pd := c.PeerDevice(0)
	pd.SetReplState(statemachine.ReplWFSyncUUID)

	r.reqMu.Lock()
	before := d.gen.Current
	r.reqMu.Unlock()

	p := &protocol.UUID{UUID: 0x9999999999999990}
	require.NoError(t, c.receiveSyncUUID(&protocol.Info{Cmd: protocol.CmdSyncUUID, Volume: 0}, p.Marshal()))

	r.reqMu.Lock()
	current := d.gen.Current
	hist := d.gen.History[0]
	r.reqMu.Unlock()
	assert.Equal(t, uint64(0x9999999999999990), current)
	assert.Equal(t, before, hist, "prior generation must retire into history")
	assert.Equal(t, statemachine.ReplSyncTarget, pd.ReplState())
}
