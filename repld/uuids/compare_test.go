package uuids

import (
	"testing"
)

const (
	genA = uint64(0x1111111111111110)
	genB = uint64(0x2222222222222220)
	genC = uint64(0x3333333333333330)
	genD = uint64(0x4444444444444440)
)

func localView(current uint64, bitmapForPeer uint64, history ...uint64) *LocalView {
	return &LocalView{
		NodeID:      0,
		BitmapIndex: 0,
		Current:     current,
		Slots:       []PeerSlot{{NodeID: 1, BitmapUUID: bitmapForPeer}},
		History:     append([]uint64{}, history...),
	}
}

func peerView(current uint64, bitmapForMe uint64, history ...uint64) *PeerView {
	return &PeerView{
		Current:     current,
		BitmapUUIDs: map[int]uint64{0: bitmapForMe},
		History:     append([]uint64{}, history...),
	}
}

func TestCompareBothJustCreated(t *testing.T) {
	// First connect of two empty volumes: in sync, no resync.
	res := Compare(localView(JustCreated, 0), peerView(JustCreated, 0), 117, false, false)
	if res.Verdict != VerdictNoSync || res.RuleNr != 10 {
		t.Fatalf("got %d by rule %d, want 0 by rule 10", res.Verdict, res.RuleNr)
	}
}

func TestCompareFreshLocalAgainstUsedPeer(t *testing.T) {
	res := Compare(localView(JustCreated, 0), peerView(genA, 0), 117, false, false)
	if res.Verdict != VerdictTargetFull || res.RuleNr != 20 {
		t.Fatalf("got %d by rule %d, want -2 by rule 20", res.Verdict, res.RuleNr)
	}
}

func TestCompareUsedLocalAgainstFreshPeer(t *testing.T) {
	res := Compare(localView(genA, 0), peerView(JustCreated, 0), 117, false, false)
	if res.Verdict != VerdictSourceFull || res.RuleNr != 30 {
		t.Fatalf("got %d by rule %d, want 2 by rule 30", res.Verdict, res.RuleNr)
	}
}

func TestCompareEqualCurrentCrashRanking(t *testing.T) {
	tests := []struct {
		name         string
		selfCrashed  bool
		peerCrashed  bool
		resolveConfl bool
		want         Verdict
	}{
		{name: "neither crashed", want: VerdictNoSync},
		{name: "self crashed primary", selfCrashed: true, want: VerdictSourceBitmap},
		{name: "peer crashed primary", peerCrashed: true, want: VerdictTargetBitmap},
		{name: "both crashed, tie break loses", selfCrashed: true, peerCrashed: true, resolveConfl: true, want: VerdictTargetBitmap},
		{name: "both crashed, tie break wins", selfCrashed: true, peerCrashed: true, resolveConfl: false, want: VerdictSourceBitmap},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := localView(genA, 0)
			local.CrashedPrimary = tt.selfCrashed
			res := Compare(local, peerView(genA, 0), 117, tt.peerCrashed, tt.resolveConfl)
			if res.Verdict != tt.want || res.RuleNr != 40 {
				t.Fatalf("got %d by rule %d, want %d by rule 40", res.Verdict, res.RuleNr, tt.want)
			}
		})
	}
}

func TestCompareTargetAfterOurCrash(t *testing.T) {
	// The peer kept a bitmap against us since our current generation:
	// we missed writes and become target on that bitmap.
	res := Compare(localView(genA, 0), peerView(genB, genA), 117, false, false)
	if res.Verdict != VerdictTargetBitmap || res.RuleNr != 50 {
		t.Fatalf("got %d by rule %d, want -1 by rule 50", res.Verdict, res.RuleNr)
	}
}

func TestCompareThirdNodeSyncedForUs(t *testing.T) {
	// The peer's bitmap for node 2 matches our current: node 2 synced
	// up in the mean time, clear our bitmap and become target.
	peer := &PeerView{
		Current:     genB,
		BitmapUUIDs: map[int]uint64{0: genC, 2: genA},
	}
	res := Compare(localView(genA, 0), peer, 117, false, false)
	if res.Verdict != VerdictTargetClear || res.RuleNr != 52 {
		t.Fatalf("got %d by rule %d, want -3 by rule 52", res.Verdict, res.RuleNr)
	}
	if res.PeerNodeID != 2 {
		t.Fatalf("peer node id = %d, want 2", res.PeerNodeID)
	}
}

func TestCompareCurrentInPeerHistory(t *testing.T) {
	res := Compare(localView(genA, 0), peerView(genB, 0, genA), 117, false, false)
	if res.Verdict != VerdictTargetFull || res.RuleNr != 60 {
		t.Fatalf("got %d by rule %d, want -2 by rule 60", res.Verdict, res.RuleNr)
	}
}

func TestCompareSourceAfterPeerCrash(t *testing.T) {
	// Our bitmap against the peer matches its current generation: the
	// peer missed writes, we source from the existing bitmap.
	res := Compare(localView(genB, genA), peerView(genA, 0), 117, false, false)
	if res.Verdict != VerdictSourceBitmap || res.RuleNr != 70 {
		t.Fatalf("got %d by rule %d, want 1 by rule 70", res.Verdict, res.RuleNr)
	}
}

func TestComparePeerCurrentInOurHistory(t *testing.T) {
	res := Compare(localView(genB, 0, genA), peerView(genA, 0), 117, false, false)
	if res.Verdict != VerdictSourceFull || res.RuleNr != 80 {
		t.Fatalf("got %d by rule %d, want 2 by rule 80", res.Verdict, res.RuleNr)
	}
}

func TestCompareSplitBrainMatchingBitmaps(t *testing.T) {
	// Both sides hold the same non-zero bitmap generation against each
	// other: diverged from a common ancestor, auto recovery possible.
	res := Compare(localView(genA, genC), peerView(genB, genC), 117, false, false)
	if res.Verdict != VerdictSplitBrainAuto || res.RuleNr != 90 {
		t.Fatalf("got %d by rule %d, want 100 by rule 90", res.Verdict, res.RuleNr)
	}
}

func TestCompareSplitBrainCommonHistory(t *testing.T) {
	res := Compare(localView(genA, 0, genC), peerView(genB, 0, genC), 117, false, false)
	if res.Verdict != VerdictSplitBrain || res.RuleNr != 100 {
		t.Fatalf("got %d by rule %d, want -100 by rule 100", res.Verdict, res.RuleNr)
	}
}

func TestCompareUnrelated(t *testing.T) {
	res := Compare(localView(genA, 0, genC), peerView(genB, 0, genD), 117, false, false)
	if res.Verdict != VerdictUnrelated {
		t.Fatalf("got %d, want -1000", res.Verdict)
	}
}

func TestComparePrimaryBitMasked(t *testing.T) {
	// The low bit records the role at generation time and must not
	// break equality.
	res := Compare(localView(genA|1, 0), peerView(genA, 0), 117, false, false)
	if res.RuleNr != 40 {
		t.Fatalf("primary bit broke equality: rule %d", res.RuleNr)
	}
}

// TestCompareAntisymmetric runs both perspectives of the same scenario
// and expects mirrored verdicts outside the split-brain rows.
func TestCompareAntisymmetric(t *testing.T) {
	scenarios := []struct {
		name  string
		local *LocalView
		peer  *PeerView
	}{
		{"fresh vs used", localView(JustCreated, 0), peerView(genA, 0)},
		{"bitmap source", localView(genB, genA), peerView(genA, 0)},
		{"history full sync", localView(genB, 0, genA), peerView(genA, 0)},
		{"in sync", localView(genA, 0), peerView(genA, 0)},
	}
	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) {
			forward := Compare(sc.local, sc.peer, 117, false, false)

			// Flip the viewpoint.
			flippedLocal := &LocalView{
				NodeID:      1,
				BitmapIndex: 0,
				Current:     sc.peer.Current,
				Slots:       []PeerSlot{{NodeID: 0, BitmapUUID: sc.peer.BitmapUUIDs[0]}},
				History:     append([]uint64{}, sc.peer.History...),
			}
			flippedPeer := &PeerView{
				Current:     sc.local.Current,
				BitmapUUIDs: map[int]uint64{1: sc.local.Slots[0].BitmapUUID},
				History:     append([]uint64{}, sc.local.History...),
			}
			backward := Compare(flippedLocal, flippedPeer, 117, false, false)

			if forward.Verdict != -backward.Verdict {
				t.Fatalf("not antisymmetric: %d vs %d", forward.Verdict, backward.Verdict)
			}
		})
	}
}

func TestFixupResyncEndNeedsProto91(t *testing.T) {
	// Equal current generations with a stale bitmap on one side: the
	// fixup applies, but only protocol 91 peers can be repaired.
	res := Compare(localView(genA, genB), peerView(genA, 0), 90, false, false)
	if res.Verdict != VerdictNeedsProto91 {
		t.Fatalf("got %d, want -1091", res.Verdict)
	}
}

func TestFixupResyncEndCorrectsSelf(t *testing.T) {
	// We were sync source and missed the resync-finished event; the
	// comparison repairs our bitmap slot and reports source.
	local := localView(genA, genB, genB, 0)
	res := Compare(local, peerView(genA, 0, genB), 100, false, false)
	if res.Verdict != VerdictSourceBitmap || res.RuleNr != 34 {
		t.Fatalf("got %d by rule %d, want 1 by rule 34", res.Verdict, res.RuleNr)
	}
	if local.BitmapFor() != 0 {
		t.Fatal("bitmap slot must be retired into history")
	}
	if local.History[0] != genB {
		t.Fatal("history must receive the retired bitmap generation")
	}
}
