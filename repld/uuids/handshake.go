package uuids

import (
	"github.com/mirrorlabs/blockrepl/repld/protocol"
	"github.com/mirrorlabs/blockrepl/repld/statemachine"
	"github.com/mirrorlabs/blockrepl/shared/params"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "uuids")

// Errors terminating a handshake. All of them drop the connection; the
// unrelated-data case refuses reconnection outright.
var (
	ErrUnrelatedData      = errors.New("unrelated data, refusing to connect")
	ErrSplitBrainDetected = errors.New("split brain detected but unresolved")
	ErrNeedsNewerProtocol = errors.New("peer protocol too old to resolve generation ids")
	ErrInconsistentSource = errors.New("would become sync source, but local disk is inconsistent")
	ErrPrimarySyncTarget  = errors.New("would become sync target, but this node is primary")
	ErrDryRun             = errors.New("dry-run connect requested, disconnecting")
)

// BitmapOp tells the caller which bitmap mutation the verdict requires
// before replication continues.
type BitmapOp int

// Bitmap mutations.
const (
	BitmapNone BitmapOp = iota
	BitmapCopySlot
	BitmapClearAll
	BitmapFullSet
)

// Decision is the outcome of a completed sync handshake.
type Decision struct {
	ReplState  statemachine.ReplState
	Bitmap     BitmapOp
	PeerNodeID int // source slot for BitmapCopySlot
	RuleNr     int
	Verdict    Verdict
}

// HandshakeInput gathers everything the verdict depends on.
type HandshakeInput struct {
	Local *LocalView
	Peer  *PeerView

	AgreedProVersion int
	ResolveConflicts bool

	LocalRole statemachine.Role
	PeerRole  statemachine.Role
	LocalDisk statemachine.DiskState
	PeerDisk  statemachine.DiskState

	DiscardMyData bool // local single-shot modifier
	LocalDirty    uint64
	NetConfig     *params.NetConfig
}

// Handshake turns the raw comparison verdict into a replication
// substate and a bitmap action, applying the disk-state escalation, the
// split-brain policies and the role conflict rules.
func Handshake(in *HandshakeInput) (*Decision, error) {
	res := Compare(in.Local, in.Peer, in.AgreedProVersion,
		in.Peer.Flags&protocol.UUIDFlagCrashedPrimary != 0, in.ResolveConflicts)
	hg := res.Verdict

	log.WithFields(logrus.Fields{
		"verdict": int(hg),
		"rule":    res.RuleNr,
	}).Info("Generation identifier comparison done")

	if hg == VerdictUnrelated {
		return nil, ErrUnrelatedData
	}
	if hg < VerdictUnrelated {
		return nil, errors.Wrapf(ErrNeedsNewerProtocol, "requires protocol %d", -int(hg)-1000)
	}

	// An inconsistent disk on either side forces the direction no
	// matter what the identifiers say; ambiguity escalates to a full
	// bitmap.
	if (in.LocalDisk == statemachine.DiskInconsistent && in.PeerDisk > statemachine.DiskInconsistent) ||
		(in.PeerDisk == statemachine.DiskInconsistent && in.LocalDisk > statemachine.DiskInconsistent) {
		forced := hg == VerdictSplitBrain || hg == VerdictTargetFull || hg == VerdictSourceFull
		if in.LocalDisk > statemachine.DiskInconsistent {
			hg = VerdictSourceBitmap
		} else {
			hg = VerdictTargetBitmap
		}
		if forced {
			hg *= 2
		}
		log.WithField("direction", direction(hg)).Info("Becoming sync node due to disk states")
	}

	if hg == VerdictSplitBrainAuto || hg == VerdictSplitBrain {
		log.Warn("Split brain detected")
	}

	if hg == VerdictSplitBrainAuto || (hg == VerdictSplitBrain && in.NetConfig.AlwaysASBP) {
		pcount := 0
		if in.LocalRole == statemachine.RolePrimary {
			pcount++
		}
		if in.PeerRole == statemachine.RolePrimary {
			pcount++
		}
		forced := hg == VerdictSplitBrain
		switch pcount {
		case 0:
			hg = recoverZeroPrimaries(in)
		case 1:
			hg = recoverOnePrimary(in)
		default:
			hg = recoverTwoPrimaries(in)
		}
		if abs(hg) < 100 {
			log.WithFields(logrus.Fields{
				"primaries": pcount,
				"syncFrom":  direction(hg),
			}).Warn("Split brain automatically solved")
			if forced {
				log.Warn("Doing a full sync, since the generation identifiers where ambiguous")
				hg *= 2
			}
		}
	}

	if hg == VerdictSplitBrain {
		// Single-shot manual override.
		peerDiscards := in.Peer.Flags&protocol.UUIDFlagDiscardMyData != 0
		if in.DiscardMyData && !peerDiscards {
			hg = VerdictTargetBitmap
		}
		if !in.DiscardMyData && peerDiscards {
			hg = VerdictSourceBitmap
		}
		if abs(hg) < 100 {
			log.WithField("syncFrom", direction(hg)).Warn("Split brain manually solved")
		}
	}

	if hg == VerdictSplitBrain {
		return nil, ErrSplitBrainDetected
	}

	if hg > 0 && in.LocalDisk <= statemachine.DiskInconsistent {
		return nil, ErrInconsistentSource
	}

	if hg < 0 && in.LocalRole == statemachine.RolePrimary && in.LocalDisk >= statemachine.DiskConsistent {
		switch in.NetConfig.RRConflict {
		case params.RRCallHelper:
			log.Warn("Helper requested: this primary is about to lose its data")
			fallthrough
		case params.RRDisconnect:
			return nil, ErrPrimarySyncTarget
		case params.RRViolently:
			log.Warn("Becoming sync target, violating the stable-data assumption")
		}
	}

	if in.NetConfig.Tentative {
		logDryRun(hg)
		return nil, ErrDryRun
	}

	dec := &Decision{RuleNr: res.RuleNr, Verdict: hg, PeerNodeID: res.PeerNodeID}
	switch {
	case hg == VerdictSourceCopy:
		dec.Bitmap = BitmapCopySlot
	case hg == VerdictTargetClear:
		dec.Bitmap = BitmapClearAll
	case abs(hg) >= 2:
		dec.Bitmap = BitmapFullSet
	}

	switch {
	case hg > 0:
		dec.ReplState = statemachine.ReplWFBitmapS
	case hg < 0:
		dec.ReplState = statemachine.ReplWFBitmapT
	default:
		dec.ReplState = statemachine.ReplEstablished
	}
	return dec, nil
}

func logDryRun(hg Verdict) {
	if hg == 0 {
		log.Info("Dry-run connect: no resync, would become established immediately")
		return
	}
	kind := "bit-map based"
	if abs(hg) >= 2 {
		kind = "full"
	}
	log.WithFields(logrus.Fields{
		"wouldBecome": direction(hg),
		"resync":      kind,
	}).Info("Dry-run connect")
}

func abs(v Verdict) int {
	if v < 0 {
		return int(-v)
	}
	return int(v)
}

func direction(hg Verdict) string {
	if hg < 0 {
		return "peer"
	}
	return "this"
}

// recoverZeroPrimaries applies the after-split-brain policy for a pair
// where neither side stayed primary.
func recoverZeroPrimaries(in *HandshakeInput) Verdict {
	selfWasPrimary := in.Local.BitmapFor()&1 != 0
	peerWasPrimary := in.Peer.bitmapFor(in.Local.NodeID)&1 != 0
	chSelf := in.LocalDirty
	chPeer := in.Peer.DirtyBits

	rv := VerdictSplitBrain
	policy := in.NetConfig.AfterSB0p
	switch policy {
	case params.SBConsensus, params.SBDiscardSecondary, params.SBCallHelper, params.SBViolently:
		log.Error("Configuration error: policy not valid with zero primaries")
	case params.SBDisconnect:
	case params.SBDiscardYoungerPrimary:
		if !selfWasPrimary && peerWasPrimary {
			return VerdictTargetBitmap
		}
		if selfWasPrimary && !peerWasPrimary {
			return VerdictSourceBitmap
		}
		fallthrough
	case params.SBDiscardOlderPrimary:
		if policy == params.SBDiscardOlderPrimary {
			if !selfWasPrimary && peerWasPrimary {
				return VerdictSourceBitmap
			}
			if selfWasPrimary && !peerWasPrimary {
				return VerdictTargetBitmap
			}
		}
		log.Warn("Discard younger/older primary did not find a decision, using discard-least-changes instead")
		fallthrough
	case params.SBDiscardZeroChanges:
		if chPeer == 0 && chSelf == 0 {
			if in.ResolveConflicts {
				return VerdictTargetBitmap
			}
			return VerdictSourceBitmap
		}
		if chPeer == 0 {
			return VerdictSourceBitmap
		}
		if chSelf == 0 {
			return VerdictTargetBitmap
		}
		if policy == params.SBDiscardZeroChanges {
			return VerdictSplitBrain
		}
		fallthrough
	case params.SBDiscardLeastChanges:
		if chSelf < chPeer {
			return VerdictTargetBitmap
		}
		if chSelf > chPeer {
			return VerdictSourceBitmap
		}
		if in.ResolveConflicts {
			return VerdictTargetBitmap
		}
		return VerdictSourceBitmap
	case params.SBDiscardLocal:
		return VerdictTargetBitmap
	case params.SBDiscardRemote:
		return VerdictSourceBitmap
	}
	return rv
}

// recoverOnePrimary applies the after-split-brain policy for a pair
// with exactly one remaining primary.
func recoverOnePrimary(in *HandshakeInput) Verdict {
	rv := VerdictSplitBrain
	switch in.NetConfig.AfterSB1p {
	case params.SBDiscardYoungerPrimary, params.SBDiscardOlderPrimary,
		params.SBDiscardLeastChanges, params.SBDiscardLocal,
		params.SBDiscardRemote, params.SBDiscardZeroChanges:
		log.Error("Configuration error: policy not valid with one primary")
	case params.SBDisconnect:
	case params.SBConsensus:
		hg := recoverZeroPrimaries(in)
		if hg == VerdictTargetBitmap && in.LocalRole == statemachine.RoleSecondary {
			rv = hg
		}
		if hg == VerdictSourceBitmap && in.LocalRole == statemachine.RolePrimary {
			rv = hg
		}
	case params.SBViolently:
		rv = recoverZeroPrimaries(in)
	case params.SBDiscardSecondary:
		if in.LocalRole == statemachine.RolePrimary {
			return VerdictSourceBitmap
		}
		return VerdictTargetBitmap
	case params.SBCallHelper:
		hg := recoverZeroPrimaries(in)
		if hg == VerdictTargetBitmap && in.LocalRole == statemachine.RolePrimary {
			// The resolution asks this primary to give way; without a
			// demotion step it keeps the split brain unresolved.
			log.Warn("Helper requested: primary would have to give up its role")
		} else {
			rv = hg
		}
	}
	return rv
}

// recoverTwoPrimaries applies the after-split-brain policy for a pair
// where both sides are still primary.
func recoverTwoPrimaries(in *HandshakeInput) Verdict {
	rv := VerdictSplitBrain
	switch in.NetConfig.AfterSB2p {
	case params.SBDisconnect:
	case params.SBViolently:
		rv = recoverZeroPrimaries(in)
	case params.SBCallHelper:
		hg := recoverZeroPrimaries(in)
		if hg == VerdictTargetBitmap {
			log.Warn("Helper requested: this primary is on the losing side")
		} else {
			rv = hg
		}
	default:
		log.Error("Configuration error: policy not valid with two primaries")
	}
	return rv
}
