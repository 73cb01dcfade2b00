package receiver

import (
	"sync"
	"sync/atomic"

	"github.com/mirrorlabs/blockrepl/repld/statemachine"
	"github.com/mirrorlabs/blockrepl/repld/uuids"
)

// PeerDevice is the intersection of one connection and one device: the
// peer's view of the volume, the replication substate and the peer
// sequence counter used to order writes across the two sockets.
type PeerDevice struct {
	connection *Connection
	device     *Device

	repl     int32 // statemachine.ReplState
	peerDisk int32 // statemachine.DiskState
	peerRole int32 // statemachine.Role

	// bitmapIndex is the local bitmap slot tracking this peer;
	// slotOwners maps every local slot to the node id it tracks.
	bitmapIndex int
	slotOwners  map[int]int

	// peerSeq orders cross-socket processing under two-primary mode.
	seqMu   sync.Mutex
	seqWait *sync.Cond
	peerSeq uint32

	// Latest generation identifiers reported by the peer.
	uuidMu   sync.Mutex
	peerView *uuids.PeerView

	resyncDirty uint64 // blocks still to sync, snapshot
	unacked     int32

	// stateReceived flips when the first state report of a fresh
	// connection arrives; together with the identifiers it gates the
	// sync handshake.
	stateReceived bool
	maxBioSize    uint32
}

func newPeerDevice(c *Connection, d *Device) *PeerDevice {
	pd := &PeerDevice{
		connection: c,
		device:     d,
		repl:       int32(statemachine.ReplOff),
		peerDisk:   int32(statemachine.DiskUnknown),
		peerRole:   int32(statemachine.RoleUnknown),
		slotOwners: map[int]int{},
	}
	pd.seqWait = sync.NewCond(&pd.seqMu)

	// Assign (or recover) the bitmap slot for this peer.
	slot, err := d.resource.meta.PeerSlot(int(d.vol), c.peerNodeID)
	if err != nil || slot < 0 {
		slot = nextFreeSlot(d)
		if err := d.resource.meta.SetPeerSlot(int(d.vol), c.peerNodeID, slot); err != nil {
			log.WithError(err).Error("Could not persist bitmap slot assignment")
		}
	}
	pd.bitmapIndex = slot
	pd.slotOwners[slot] = c.peerNodeID
	return pd
}

func nextFreeSlot(d *Device) int {
	used := map[int]bool{}
	for _, c := range d.resource.Connections() {
		if pd := c.PeerDevice(d.vol); pd != nil {
			used[pd.bitmapIndex] = true
		}
	}
	for i := 0; ; i++ {
		if !used[i] {
			return i
		}
	}
}

// Device returns the local volume.
func (pd *PeerDevice) Device() *Device { return pd.device }

// Connection returns the owning connection.
func (pd *PeerDevice) Connection() *Connection { return pd.connection }

// BitmapIndex returns the local bitmap slot tracking this peer.
func (pd *PeerDevice) BitmapIndex() int { return pd.bitmapIndex }

// ReplState returns the replication substate.
func (pd *PeerDevice) ReplState() statemachine.ReplState {
	return statemachine.ReplState(atomic.LoadInt32(&pd.repl))
}

// SetReplState moves the replication substate.
func (pd *PeerDevice) SetReplState(rs statemachine.ReplState) {
	os := statemachine.ReplState(atomic.SwapInt32(&pd.repl, int32(rs)))
	if os != rs {
		log.WithField("vol", pd.device.vol).Infof("Replication state change: %s -> %s", os, rs)
		replStateGauge.WithLabelValues(pd.device.resource.Name).Set(float64(rs))
	}
}

// PeerRole returns the peer's last reported role.
func (pd *PeerDevice) PeerRole() statemachine.Role {
	return statemachine.Role(atomic.LoadInt32(&pd.peerRole))
}

// SetPeerRole records the peer's reported role.
func (pd *PeerDevice) SetPeerRole(role statemachine.Role) {
	atomic.StoreInt32(&pd.peerRole, int32(role))
}

// PeerDiskState returns the peer's last reported disk state.
func (pd *PeerDevice) PeerDiskState() statemachine.DiskState {
	return statemachine.DiskState(atomic.LoadInt32(&pd.peerDisk))
}

// SetPeerDiskState records the peer's reported disk state.
func (pd *PeerDevice) SetPeerDiskState(ds statemachine.DiskState) {
	atomic.StoreInt32(&pd.peerDisk, int32(ds))
}

// PeerView returns the peer's generation identifiers as last reported.
func (pd *PeerDevice) PeerView() *uuids.PeerView {
	pd.uuidMu.Lock()
	defer pd.uuidMu.Unlock()
	return pd.peerView
}

// SetPeerView stores freshly received generation identifiers.
func (pd *PeerDevice) SetPeerView(v *uuids.PeerView) {
	pd.uuidMu.Lock()
	pd.peerView = v
	pd.uuidMu.Unlock()
}

// seqGreater compares sequence numbers modulo 32-bit wrap.
func seqGreater(a, b uint32) bool {
	return int32(a-b) > 0
}

func seqMax(a, b uint32) uint32 {
	if seqGreater(a, b) {
		return a
	}
	return b
}

// UpdatePeerSeq folds a newly observed peer sequence number into the
// counter and wakes waiters. Only meaningful with two primaries.
func (pd *PeerDevice) UpdatePeerSeq(peerSeq uint32) {
	if !pd.connection.nc.TwoPrimaries {
		return
	}
	pd.seqMu.Lock()
	newest := seqMax(pd.peerSeq, peerSeq)
	pd.peerSeq = newest
	pd.seqMu.Unlock()
	if newest == peerSeq {
		pd.seqWait.Broadcast()
	}
}

// WaitPeerSeq blocks until every ack with a lower sequence number has
// been processed by the asender, keeping cross-socket ordering under
// two-primary mode. Returns false when the connection dropped while
// waiting.
func (pd *PeerDevice) WaitPeerSeq(peerSeq uint32) bool {
	if !pd.connection.nc.TwoPrimaries {
		return true
	}
	pd.seqMu.Lock()
	defer pd.seqMu.Unlock()
	for {
		if !seqGreater(peerSeq, pd.peerSeq+1) {
			pd.peerSeq = seqMax(pd.peerSeq, peerSeq)
			return true
		}
		if pd.connection.CState() < statemachine.Connected {
			return false
		}
		seqWaits.Inc()
		pd.seqWait.Wait()
	}
}
