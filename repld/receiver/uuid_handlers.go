package receiver

import (
	"context"

	"github.com/mirrorlabs/blockrepl/repld/protocol"
	"github.com/mirrorlabs/blockrepl/repld/statemachine"
	"github.com/mirrorlabs/blockrepl/repld/uuids"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// receiveUUIDs handles the legacy generation-identifier exchange.
func (c *Connection) receiveUUIDs(pi *protocol.Info, sub []byte) error {
	var p protocol.UUIDs
	if err := p.Unmarshal(sub); err != nil {
		return err
	}
	pd := c.PeerDevice(pi.Volume)
	if pd == nil {
		return errors.Wrapf(errUnknownVolume, "vol %d", pi.Volume)
	}
	view := &uuids.PeerView{
		Current:     p.Current,
		BitmapUUIDs: map[int]uint64{c.resource.NodeID: p.Bitmap},
		History:     []uint64{p.History[0], p.History[1]},
		Flags:       p.Flags,
	}
	pd.SetPeerView(view)
	return c.maybeRunHandshake(pd)
}

// receiveUUIDs110 handles the multi-peer generation-identifier
// exchange.
func (c *Connection) receiveUUIDs110(pi *protocol.Info, sub []byte) error {
	rest := make([]byte, pi.Size)
	if err := c.recvAll(rest); err != nil {
		return err
	}
	var p protocol.UUIDs110
	if err := p.Unmarshal(append(sub, rest...)); err != nil {
		return err
	}
	pd := c.PeerDevice(pi.Volume)
	if pd == nil {
		return errors.Wrapf(errUnknownVolume, "vol %d", pi.Volume)
	}

	bm := make(map[int]uint64, len(p.BitmapUUIDs))
	idx := 0
	for node := 0; node < 64 && idx < len(p.BitmapUUIDs); node++ {
		if p.BitmapUUIDsMask&statemachine.NodeMask(node) != 0 {
			bm[node] = p.BitmapUUIDs[idx]
			idx++
		}
	}
	view := &uuids.PeerView{
		Current:     p.Current,
		BitmapUUIDs: bm,
		History:     p.History,
		Flags:       p.Flags,
	}
	pd.SetPeerView(view)
	return c.maybeRunHandshake(pd)
}

// receiveSyncUUID adopts the sync identifier the source generated at
// resync start.
func (c *Connection) receiveSyncUUID(pi *protocol.Info, sub []byte) error {
	var p protocol.UUID
	if err := p.Unmarshal(sub); err != nil {
		return err
	}
	pd := c.PeerDevice(pi.Volume)
	if pd == nil {
		return errors.Wrapf(errUnknownVolume, "vol %d", pi.Volume)
	}
	d := pd.device

	if pd.ReplState() != statemachine.ReplWFSyncUUID {
		log.Warn("Unexpected sync uuid packet")
		return nil
	}
	d.resource.reqMu.Lock()
	// Retire the current identifier into history and adopt the sync id.
	if len(d.gen.History) > 0 {
		copy(d.gen.History[1:], d.gen.History[:len(d.gen.History)-1])
		d.gen.History[0] = d.gen.Current
	}
	d.gen.Current = p.UUID
	d.resource.reqMu.Unlock()
	if err := d.SyncMetadata(); err != nil {
		return err
	}

	pd.SetReplState(statemachine.ReplSyncTarget)
	c.resource.stateFeed.Send(&ResyncStartEvent{
		Resource: c.resource.Name,
		Peer:     c.peerNodeID,
		Vol:      d.vol,
		Source:   false,
	})
	return nil
}

// receiveCurrentUUID tracks the peer's rolling current identifier.
func (c *Connection) receiveCurrentUUID(pi *protocol.Info, sub []byte) error {
	var p protocol.UUID
	if err := p.Unmarshal(sub); err != nil {
		return err
	}
	pd := c.PeerDevice(pi.Volume)
	if pd == nil {
		return errors.Wrapf(errUnknownVolume, "vol %d", pi.Volume)
	}
	pd.uuidMu.Lock()
	if pd.peerView != nil {
		pd.peerView.Current = p.UUID
	} else {
		pd.peerView = &uuids.PeerView{Current: p.UUID, BitmapUUIDs: map[int]uint64{}}
	}
	pd.uuidMu.Unlock()
	return nil
}

// receiveSizes verifies the peer's device is compatible with ours.
func (c *Connection) receiveSizes(pi *protocol.Info, sub []byte) error {
	var p protocol.Sizes
	if err := p.Unmarshal(sub); err != nil {
		return err
	}
	pd := c.PeerDevice(pi.Volume)
	if pd == nil {
		return errors.Wrapf(errUnknownVolume, "vol %d", pi.Volume)
	}
	d := pd.device

	if p.DiskSize != 0 && d.capSectors != 0 {
		ratio := float64(p.DiskSize) / float64(d.capSectors)
		if ratio < 0.9 || ratio > 1.1 {
			log.WithFields(logrus.Fields{
				"vol":   d.vol,
				"ours":  d.capSectors,
				"peers": p.DiskSize,
			}).Warn("The peer device has a size considerably different from ours")
		}
		if p.DiskSize < d.capSectors {
			// The local capacity is left unchanged.
			log.WithField("sectors", p.DiskSize).Info("The peer device is smaller than ours")
		}
	}
	pd.maxBioSize = p.MaxBioSize
	return nil
}

// receiveState folds a reported peer state word in; the first state
// report after the identifier exchange triggers the sync handshake.
func (c *Connection) receiveState(ctx context.Context, pi *protocol.Info, sub []byte) error {
	var p protocol.State
	if err := p.Unmarshal(sub); err != nil {
		return err
	}
	pd := c.PeerDevice(pi.Volume)
	if pd == nil {
		return errors.Wrapf(errUnknownVolume, "vol %d", pi.Volume)
	}
	word := statemachine.StateWord(p.State)
	pd.SetPeerRole(word.Role())
	pd.SetPeerDiskState(word.Disk())
	pd.stateReceived = true
	return c.maybeRunHandshake(pd)
}

// maybeRunHandshake runs the sync handshake once both the identifiers
// and the peer state have arrived on a fresh connection.
func (c *Connection) maybeRunHandshake(pd *PeerDevice) error {
	if pd.PeerView() == nil || !pd.stateReceived {
		return nil
	}
	if pd.ReplState() != statemachine.ReplOff {
		// Established connections exchange identifiers without
		// renegotiating.
		return nil
	}
	return c.runSyncHandshake(pd)
}

// runSyncHandshake compares generation identifiers, applies the bitmap
// action the verdict demands, and moves the pair into its replication
// substate.
func (c *Connection) runSyncHandshake(pd *PeerDevice) error {
	d := pd.device
	r := c.resource

	r.reqMu.Lock()
	local := &uuids.LocalView{
		NodeID:         r.NodeID,
		BitmapIndex:    pd.bitmapIndex,
		Current:        d.gen.Current,
		History:        append([]uint64(nil), d.gen.History...),
		CrashedPrimary: d.crashedPrimary,
	}
	for slot, u := range d.gen.Bitmap {
		owner := -1
		if o, ok := pd.slotOwners[slot]; ok {
			owner = o
		}
		local.Slots = append(local.Slots, uuids.PeerSlot{NodeID: owner, BitmapUUID: u})
	}
	localRole := r.role
	r.reqMu.Unlock()

	in := &uuids.HandshakeInput{
		Local:            local,
		Peer:             pd.PeerView(),
		AgreedProVersion: c.version,
		ResolveConflicts: c.resolveConflicts,
		LocalRole:        localRole,
		PeerRole:         pd.PeerRole(),
		LocalDisk:        d.DiskState(),
		PeerDisk:         pd.PeerDiskState(),
		DiscardMyData:    c.nc.DiscardMyData,
		LocalDirty:       d.bitmap.Weight(pd.bitmapIndex),
		NetConfig:        c.nc,
	}

	dec, err := uuids.Handshake(in)
	// DiscardMyData is a single-shot modifier; whatever happened, it
	// was consumed.
	c.nc.DiscardMyData = false
	if err != nil {
		switch errors.Cause(err) {
		case uuids.ErrUnrelatedData:
			log.Error("Unrelated data, aborting")
			c.changeCState(statemachine.StandAlone)
			return errTeardown
		case uuids.ErrSplitBrainDetected:
			log.Error("Split brain detected but unresolved, dropping connection")
			r.stateFeed.Send(&SplitBrainEvent{Resource: r.Name, Peer: c.peerNodeID, Vol: d.vol})
			c.changeCState(statemachine.Disconnecting)
			return errTeardown
		case uuids.ErrDryRun:
			c.changeCState(statemachine.Disconnecting)
			return errTeardown
		default:
			log.WithError(err).Error("Sync handshake failed")
			c.changeCState(statemachine.Disconnecting)
			return errTeardown
		}
	}

	// Write the fixups the comparison may have made back to stable
	// storage before acting on the verdict.
	r.reqMu.Lock()
	for i, slot := range local.Slots {
		d.gen.Bitmap[i] = slot.BitmapUUID
	}
	copy(d.gen.History, local.History)
	r.reqMu.Unlock()

	switch dec.Bitmap {
	case uuids.BitmapCopySlot:
		srcSlot := -1
		for slot, owner := range pd.slotOwners {
			if owner == dec.PeerNodeID {
				srcSlot = slot
			}
		}
		if srcSlot >= 0 {
			log.WithField("node", dec.PeerNodeID).Info("Peer synced up with node, copying bitmap")
			if err := d.bitmap.CopySlot(srcSlot, pd.bitmapIndex); err != nil {
				return err
			}
		}
	case uuids.BitmapClearAll:
		log.WithField("node", dec.PeerNodeID).Info("Synced up with node in the mean time")
		if err := d.bitmap.ClearAll(pd.bitmapIndex); err != nil {
			return err
		}
	case uuids.BitmapFullSet:
		log.Info("Writing the whole bitmap, full sync required after sync handshake")
		if err := d.bitmap.SetAll(pd.bitmapIndex); err != nil {
			return err
		}
	}
	if err := d.SyncMetadata(); err != nil {
		return err
	}

	pd.SetReplState(dec.ReplState)
	handshakeVerdicts.WithLabelValues(verdictLabel(dec.Verdict)).Inc()

	if dec.ReplState == statemachine.ReplEstablished {
		r.reqMu.Lock()
		bitmapUUID := d.gen.Bitmap[pd.bitmapIndex]
		r.reqMu.Unlock()
		if bitmapUUID != 0 {
			log.WithField("bits", d.bitmap.Weight(pd.bitmapIndex)).Info("Clearing bitmap UUID and bitmap content")
			r.reqMu.Lock()
			d.gen.Bitmap[pd.bitmapIndex] = 0
			r.reqMu.Unlock()
			if err := d.bitmap.ClearAll(pd.bitmapIndex); err != nil {
				return err
			}
			if err := d.SyncMetadata(); err != nil {
				return err
			}
		} else if w := d.bitmap.Weight(pd.bitmapIndex); w > 0 {
			log.WithField("bits", w).Info("No resync, but bits in bitmap")
		}
	} else if dec.ReplState == statemachine.ReplWFBitmapS {
		// The source opens the bitmap exchange.
		if err := c.sendBitmap(d, pd); err != nil {
			return err
		}
	}
	return nil
}

func verdictLabel(v uuids.Verdict) string {
	switch {
	case v == 0:
		return "in_sync"
	case v > 0 && v <= 3:
		return "source"
	case v < 0 && v >= -3:
		return "target"
	default:
		return "split_brain"
	}
}

// SplitBrainEvent notifies the operator channel about an unresolved
// split brain.
type SplitBrainEvent struct {
	Resource string
	Peer     int
	Vol      int16
}
