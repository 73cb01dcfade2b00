package uuids

import (
	"testing"

	"github.com/mirrorlabs/blockrepl/repld/protocol"
	"github.com/mirrorlabs/blockrepl/repld/statemachine"
	"github.com/mirrorlabs/blockrepl/shared/params"
	"github.com/pkg/errors"
)

func handshakeInput(local *LocalView, peer *PeerView) *HandshakeInput {
	return &HandshakeInput{
		Local:            local,
		Peer:             peer,
		AgreedProVersion: 117,
		LocalRole:        statemachine.RoleSecondary,
		PeerRole:         statemachine.RoleSecondary,
		LocalDisk:        statemachine.DiskUpToDate,
		PeerDisk:         statemachine.DiskUpToDate,
		NetConfig:        params.DefaultNetConfig(),
	}
}

func TestHandshakeInSync(t *testing.T) {
	// Scenario: first connect of two freshly created volumes.
	in := handshakeInput(localView(JustCreated, 0), peerView(JustCreated, 0))
	dec, err := Handshake(in)
	if err != nil {
		t.Fatal(err)
	}
	if dec.ReplState != statemachine.ReplEstablished {
		t.Fatalf("repl state = %s, want Established", dec.ReplState)
	}
	if dec.Bitmap != BitmapNone {
		t.Fatalf("bitmap op = %d, want none", dec.Bitmap)
	}
}

func TestHandshakeSourceAfterTargetCrash(t *testing.T) {
	// Scenario: the peer lost its disk; our bitmap against it matches
	// its current generation, so we source from the existing bitmap.
	in := handshakeInput(localView(genB|1, genA), peerView(genA, 0))
	dec, err := Handshake(in)
	if err != nil {
		t.Fatal(err)
	}
	if dec.ReplState != statemachine.ReplWFBitmapS {
		t.Fatalf("repl state = %s, want WFBitMapS", dec.ReplState)
	}
	if dec.Bitmap != BitmapNone {
		t.Fatalf("bitmap op = %d, want unchanged", dec.Bitmap)
	}
	if dec.RuleNr != 70 {
		t.Fatalf("rule = %d, want 70", dec.RuleNr)
	}
}

func TestHandshakeFullSyncSetsBitmap(t *testing.T) {
	in := handshakeInput(localView(genB, 0, genA), peerView(genA, 0))
	dec, err := Handshake(in)
	if err != nil {
		t.Fatal(err)
	}
	if dec.ReplState != statemachine.ReplWFBitmapS || dec.Bitmap != BitmapFullSet {
		t.Fatalf("got %s/%d, want WFBitMapS/full-set", dec.ReplState, dec.Bitmap)
	}
}

func TestHandshakeUnrelatedRefuses(t *testing.T) {
	in := handshakeInput(localView(genA, 0, genC), peerView(genB, 0, genD))
	_, err := Handshake(in)
	if errors.Cause(err) != ErrUnrelatedData {
		t.Fatalf("err = %v, want unrelated data", err)
	}
}

func TestHandshakeSplitBrainDisconnectByDefault(t *testing.T) {
	in := handshakeInput(localView(genA, genC), peerView(genB, genC))
	_, err := Handshake(in)
	if errors.Cause(err) != ErrSplitBrainDetected {
		t.Fatalf("err = %v, want split brain", err)
	}
}

func TestHandshakeSplitBrainDiscardSecondary(t *testing.T) {
	// Scenario: split brain with one primary; policy discard-secondary
	// keeps the primary's data.
	in := handshakeInput(localView(genA, genC), peerView(genB, genC))
	in.LocalRole = statemachine.RolePrimary
	in.NetConfig.AfterSB1p = params.SBDiscardSecondary
	dec, err := Handshake(in)
	if err != nil {
		t.Fatal(err)
	}
	if dec.ReplState != statemachine.ReplWFBitmapS {
		t.Fatalf("repl state = %s, want WFBitMapS", dec.ReplState)
	}
}

func TestHandshakeSplitBrainDiscardYoungerPrimary(t *testing.T) {
	// Zero primaries left; the primary bits on the bitmap generations
	// decide the direction.
	local := localView(genA, genC|1)
	peer := peerView(genB, genC)
	in := handshakeInput(local, peer)
	in.NetConfig.AfterSB0p = params.SBDiscardYoungerPrimary
	dec, err := Handshake(in)
	if err != nil {
		t.Fatal(err)
	}
	if dec.ReplState != statemachine.ReplWFBitmapS {
		t.Fatalf("repl state = %s, want WFBitMapS", dec.ReplState)
	}
}

func TestHandshakeSplitBrainLeastChanges(t *testing.T) {
	local := localView(genA, genC)
	peer := peerView(genB, genC)
	peer.DirtyBits = 100
	in := handshakeInput(local, peer)
	in.LocalDirty = 10
	in.NetConfig.AfterSB0p = params.SBDiscardLeastChanges
	dec, err := Handshake(in)
	if err != nil {
		t.Fatal(err)
	}
	// We changed less, we lose.
	if dec.ReplState != statemachine.ReplWFBitmapT {
		t.Fatalf("repl state = %s, want WFBitMapT", dec.ReplState)
	}
}

func TestHandshakeDiscardMyData(t *testing.T) {
	// Unresolved split brain plus the single-shot manual override.
	in := handshakeInput(localView(genA, 0, genC), peerView(genB, 0, genC))
	in.DiscardMyData = true
	dec, err := Handshake(in)
	if err != nil {
		t.Fatal(err)
	}
	if dec.ReplState != statemachine.ReplWFBitmapT {
		t.Fatalf("repl state = %s, want WFBitMapT", dec.ReplState)
	}
}

func TestHandshakePrimaryRefusesTargetRole(t *testing.T) {
	// A consistent primary must not silently become sync target.
	in := handshakeInput(localView(genA, 0), peerView(genB, genA))
	in.LocalRole = statemachine.RolePrimary
	_, err := Handshake(in)
	if errors.Cause(err) != ErrPrimarySyncTarget {
		t.Fatalf("err = %v, want primary/sync-target refusal", err)
	}
}

func TestHandshakePrimaryViolently(t *testing.T) {
	in := handshakeInput(localView(genA, 0), peerView(genB, genA))
	in.LocalRole = statemachine.RolePrimary
	in.NetConfig.RRConflict = params.RRViolently
	dec, err := Handshake(in)
	if err != nil {
		t.Fatal(err)
	}
	if dec.ReplState != statemachine.ReplWFBitmapT {
		t.Fatalf("repl state = %s, want WFBitMapT", dec.ReplState)
	}
}

func TestHandshakeInconsistentDiskForcesDirection(t *testing.T) {
	// Whatever the identifiers say, an inconsistent peer disk makes us
	// the source.
	in := handshakeInput(localView(genA, 0), peerView(genA, 0))
	in.PeerDisk = statemachine.DiskInconsistent
	dec, err := Handshake(in)
	if err != nil {
		t.Fatal(err)
	}
	if dec.ReplState != statemachine.ReplWFBitmapS {
		t.Fatalf("repl state = %s, want WFBitMapS", dec.ReplState)
	}
}

func TestHandshakeInconsistentSourceRefused(t *testing.T) {
	// Both disks inconsistent: the disk states cannot pick a
	// direction, and an inconsistent node must not source.
	in := handshakeInput(localView(genB, genA), peerView(genA, 0))
	in.LocalDisk = statemachine.DiskInconsistent
	in.PeerDisk = statemachine.DiskInconsistent
	_, err := Handshake(in)
	if errors.Cause(err) != ErrInconsistentSource {
		t.Fatalf("err = %v, want inconsistent-source refusal", err)
	}
}

func TestHandshakeDryRun(t *testing.T) {
	in := handshakeInput(localView(genB, genA), peerView(genA, 0))
	in.NetConfig.Tentative = true
	_, err := Handshake(in)
	if errors.Cause(err) != ErrDryRun {
		t.Fatalf("err = %v, want dry run", err)
	}
}

func TestHandshakeTargetClearVerdict(t *testing.T) {
	peer := &PeerView{
		Current:     genB,
		BitmapUUIDs: map[int]uint64{0: genC, 2: genA},
	}
	in := handshakeInput(localView(genA, 0), peer)
	dec, err := Handshake(in)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Bitmap != BitmapClearAll || dec.ReplState != statemachine.ReplWFBitmapT {
		t.Fatalf("got %d/%s, want clear-all target", dec.Bitmap, dec.ReplState)
	}
}

func TestHandshakePeerDiscardsTheirData(t *testing.T) {
	in := handshakeInput(localView(genA, 0, genC), peerView(genB, 0, genC))
	in.Peer.Flags = protocol.UUIDFlagDiscardMyData
	dec, err := Handshake(in)
	if err != nil {
		t.Fatal(err)
	}
	if dec.ReplState != statemachine.ReplWFBitmapS {
		t.Fatalf("repl state = %s, want WFBitMapS", dec.ReplState)
	}
}
