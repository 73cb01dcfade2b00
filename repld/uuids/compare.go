// Package uuids implements the generation-identifier handshake: the
// deterministic comparison of the two nodes' UUID sets, the fixups for
// older peers that missed resync boundary packets, and the split-brain
// recovery policies that turn an ambiguous verdict into a direction.
package uuids

// JustCreated is the generation identifier of a device that has never
// held data.
const JustCreated uint64 = 4

// NewBitmapOffset is the distance between a generation identifier and
// the bitmap identifier derived from it when a resync starts.
const NewBitmapOffset uint64 = 0x0001000000000000

// primaryBit is the mask that clears the low bit of an identifier; that
// bit is set while the node was primary when the identifier was created,
// and comparisons AND with this mask to ignore it.
const primaryBit = ^uint64(1)

// Verdict is the outcome of comparing two generation identifier sets.
// Positive means this node becomes sync source, negative sync target;
// the magnitude selects the bitmap handling.
type Verdict int

// Verdicts, from refusal through split brain to the sync directions.
const (
	VerdictUnrelated      Verdict = -1000
	VerdictNeedsProto91   Verdict = -1091
	VerdictSplitBrain     Verdict = -100 // unresolved, disconnect
	VerdictTargetClear    Verdict = -3   // sync target, clear bitmap
	VerdictTargetFull     Verdict = -2   // sync target, full bitmap
	VerdictTargetBitmap   Verdict = -1   // sync target, use bitmap
	VerdictNoSync         Verdict = 0
	VerdictSourceBitmap   Verdict = 1   // sync source, use bitmap
	VerdictSourceFull     Verdict = 2   // sync source, full bitmap
	VerdictSourceCopy     Verdict = 3   // sync source, copy peer's slot
	VerdictSplitBrainAuto Verdict = 100 // try automatic recovery
)

// notApplicable marks a fixup that did not match; distinct from every
// valid verdict.
const notApplicable Verdict = -2000

// PeerSlot binds a bitmap slot of the local device to the peer node it
// tracks.
type PeerSlot struct {
	NodeID     int
	BitmapUUID uint64
}

// LocalView is this node's generation identifier set as the comparison
// needs it.
type LocalView struct {
	NodeID         int
	BitmapIndex    int // slot tracking the peer we are talking to
	Current        uint64
	Slots          []PeerSlot
	History        []uint64
	CrashedPrimary bool
}

// BitmapFor returns the bitmap identifier of the slot tracking the
// handshake peer.
func (l *LocalView) BitmapFor() uint64 {
	if l.BitmapIndex < 0 || l.BitmapIndex >= len(l.Slots) {
		return 0
	}
	return l.Slots[l.BitmapIndex].BitmapUUID
}

func (l *LocalView) history(i int) uint64 {
	if i < 0 || i >= len(l.History) {
		return 0
	}
	return l.History[i]
}

func (l *LocalView) pushHistory(u uint64) {
	if len(l.History) == 0 {
		l.History = []uint64{u}
		return
	}
	copy(l.History[1:], l.History[:len(l.History)-1])
	l.History[0] = u
}

func (l *LocalView) pullHistory() uint64 {
	if len(l.History) == 0 {
		return 0
	}
	u := l.History[0]
	copy(l.History, l.History[1:])
	l.History[len(l.History)-1] = 0
	return u
}

// PeerView is the peer's generation identifier set as reported on the
// wire.
type PeerView struct {
	Current     uint64
	BitmapUUIDs map[int]uint64 // keyed by the node id each slot tracks
	History     []uint64
	Flags       uint64 // wire UUID flag bits
	DirtyBits   uint64
}

func (p *PeerView) bitmapFor(nodeID int) uint64 {
	return p.BitmapUUIDs[nodeID]
}

func (p *PeerView) history(i int) uint64 {
	if i < 0 || i >= len(p.History) {
		return 0
	}
	return p.History[i]
}

// Result carries the comparison verdict plus the rule that produced it,
// for the handshake log line and the tests.
type Result struct {
	Verdict    Verdict
	RuleNr     int
	PeerNodeID int // slot owner for the copy/clear verdicts
}

// Compare runs the generation identifier decision table. Both sides
// run it on the same exchanged data; the construction guarantees that
// the verdicts are antisymmetric outside the split-brain rows. The
// fixups for peers older than protocol 110 may rewrite the views to
// repair a missed resync boundary.
func Compare(local *LocalView, peer *PeerView, agreedProVersion int, crashedPrimaryPeer, resolveConflicts bool) Result {
	self := local.Current & primaryBit
	peerCur := peer.Current & primaryBit

	if self == JustCreated&primaryBit && peerCur == JustCreated&primaryBit {
		return Result{VerdictNoSync, 10, -1}
	}
	if (self == JustCreated&primaryBit || self == 0) && peerCur != JustCreated&primaryBit {
		return Result{VerdictTargetFull, 20, -1}
	}
	if self != JustCreated&primaryBit && (peerCur == JustCreated&primaryBit || peerCur == 0) {
		return Result{VerdictSourceFull, 30, -1}
	}

	if self == peerCur {
		if agreedProVersion < 110 {
			if r, ok := fixupResyncEnd(local, peer, agreedProVersion); ok {
				return r
			}
		}
		// Common power failure: rank by who was primary at crash time.
		rct := 0
		if local.CrashedPrimary {
			rct++
		}
		if crashedPrimaryPeer {
			rct += 2
		}
		switch rct {
		case 0:
			return Result{VerdictNoSync, 40, -1}
		case 1:
			return Result{VerdictSourceBitmap, 40, -1}
		case 2:
			return Result{VerdictTargetBitmap, 40, -1}
		default:
			if resolveConflicts {
				return Result{VerdictTargetBitmap, 40, -1}
			}
			return Result{VerdictSourceBitmap, 40, -1}
		}
	}

	if self == peer.bitmapFor(local.NodeID)&primaryBit {
		return Result{VerdictTargetBitmap, 50, -1}
	}
	for nodeID, u := range peer.BitmapUUIDs {
		if nodeID == local.NodeID {
			continue
		}
		if self == u&primaryBit {
			return Result{VerdictTargetClear, 52, nodeID}
		}
	}

	if agreedProVersion < 110 {
		if r, ok := fixupResyncStart1(local, peer, agreedProVersion); ok {
			return r
		}
	}

	for i := range peer.History {
		if self == peer.history(i)&primaryBit {
			return Result{VerdictTargetFull, 60, -1}
		}
	}

	if local.BitmapFor()&primaryBit == peerCur {
		return Result{VerdictSourceBitmap, 70, -1}
	}
	for i, slot := range local.Slots {
		if i == local.BitmapIndex {
			continue
		}
		if slot.BitmapUUID&primaryBit == peerCur {
			return Result{VerdictSourceCopy, 72, slot.NodeID}
		}
	}

	if agreedProVersion < 110 {
		if r, ok := fixupResyncStart2(local, peer, agreedProVersion); ok {
			return r
		}
	}

	for i := range local.History {
		if local.history(i)&primaryBit == peerCur {
			return Result{VerdictSourceFull, 80, -1}
		}
	}

	selfBM := local.BitmapFor() & primaryBit
	peerBM := peer.bitmapFor(local.NodeID) & primaryBit
	if selfBM == peerBM && selfBM != 0 {
		return Result{VerdictSplitBrainAuto, 90, -1}
	}

	for i := range local.History {
		for j := range peer.History {
			if local.history(i)&primaryBit == peer.history(j)&primaryBit {
				return Result{VerdictSplitBrain, 100, -1}
			}
		}
	}

	return Result{VerdictUnrelated, 100, -1}
}

// fixupResyncEnd repairs the state of a pair where one side missed the
// resync-finished event, for peers that cannot negotiate it themselves.
func fixupResyncEnd(local *LocalView, peer *PeerView, agreedProVersion int) (Result, bool) {
	selfBM := local.BitmapFor()
	peerBMForMe := peer.bitmapFor(local.NodeID)

	if peerBMForMe == 0 && selfBM != 0 {
		if agreedProVersion < 91 {
			return Result{VerdictNeedsProto91, 0, -1}, true
		}
		if selfBM&primaryBit == peer.history(0)&primaryBit &&
			local.history(0)&primaryBit == peer.history(0)&primaryBit {
			// We were sync source and missed the finished event.
			local.pushHistory(selfBM)
			local.Slots[local.BitmapIndex].BitmapUUID = 0
			return Result{VerdictSourceBitmap, 34, -1}, true
		}
		return Result{VerdictSourceBitmap, 36, -1}, true
	}

	if selfBM == 0 && peerBMForMe != 0 {
		if agreedProVersion < 91 {
			return Result{VerdictNeedsProto91, 0, -1}, true
		}
		if local.history(0)&primaryBit == peerBMForMe&primaryBit &&
			local.history(1)&primaryBit == peer.history(0)&primaryBit {
			// We were sync target; correct the peer's view.
			if len(peer.History) == 0 {
				peer.History = []uint64{peerBMForMe}
			} else {
				copy(peer.History[1:], peer.History[:len(peer.History)-1])
				peer.History[0] = peerBMForMe
			}
			peer.BitmapUUIDs[local.NodeID] = 0
			return Result{VerdictTargetBitmap, 35, -1}, true
		}
		return Result{VerdictTargetBitmap, 37, -1}, true
	}

	return Result{notApplicable, 0, -1}, false
}

// fixupResyncStart1 undoes the peer-side identifier rotation of a
// resync start whose sync-uuid packet was lost.
func fixupResyncStart1(local *LocalView, peer *PeerView, agreedProVersion int) (Result, bool) {
	self := local.Current & primaryBit
	peerHist := peer.history(0) & primaryBit
	if self != peerHist {
		return Result{notApplicable, 0, -1}, false
	}
	matched := false
	if agreedProVersion < 96 {
		matched = local.history(0)&primaryBit == peer.history(1)&primaryBit
	} else {
		matched = peerHist+NewBitmapOffset == peer.bitmapFor(local.NodeID)&primaryBit
	}
	if !matched {
		return Result{notApplicable, 0, -1}, false
	}
	if agreedProVersion < 91 {
		return Result{VerdictNeedsProto91, 0, -1}, true
	}
	peer.BitmapUUIDs[local.NodeID] = peer.history(0)
	if len(peer.History) > 0 {
		copy(peer.History, peer.History[1:])
		peer.History[len(peer.History)-1] = 0
	}
	return Result{VerdictTargetBitmap, 51, -1}, true
}

// fixupResyncStart2 undoes the local identifier rotation of a resync
// start whose sync-uuid packet was lost.
func fixupResyncStart2(local *LocalView, peer *PeerView, agreedProVersion int) (Result, bool) {
	self := local.history(0) & primaryBit
	peerCur := peer.Current & primaryBit
	if self != peerCur {
		return Result{notApplicable, 0, -1}, false
	}
	matched := false
	if agreedProVersion < 96 {
		matched = local.history(1)&primaryBit == peer.history(0)&primaryBit
	} else {
		matched = self+NewBitmapOffset == local.BitmapFor()&primaryBit
	}
	if !matched {
		return Result{notApplicable, 0, -1}, false
	}
	if agreedProVersion < 91 {
		return Result{VerdictNeedsProto91, 0, -1}, true
	}
	local.Slots[local.BitmapIndex].BitmapUUID = local.pullHistory()
	return Result{VerdictSourceBitmap, 71, -1}, true
}
