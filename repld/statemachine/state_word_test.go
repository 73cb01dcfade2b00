package statemachine

import "testing"

func TestStateWordRoundTrip(t *testing.T) {
	w := PackState(RolePrimary, Connected, DiskUpToDate, ReplSyncSource)
	if w.Role() != RolePrimary {
		t.Errorf("role = %s", w.Role())
	}
	if w.Conn() != Connected {
		t.Errorf("conn = %s", w.Conn())
	}
	if w.Disk() != DiskUpToDate {
		t.Errorf("disk = %s", w.Disk())
	}
	if w.Repl() != ReplSyncSource {
		t.Errorf("repl = %s", w.Repl())
	}
}

func TestStateWordApplyMasked(t *testing.T) {
	w := PackState(RoleSecondary, Connected, DiskUpToDate, ReplEstablished)
	val := PackState(RolePrimary, 0, 0, 0)
	next := w.Apply(MaskRole, val)
	if next.Role() != RolePrimary {
		t.Errorf("role = %s, want Primary", next.Role())
	}
	if next.Conn() != Connected || next.Disk() != DiskUpToDate || next.Repl() != ReplEstablished {
		t.Error("unmasked fields must not change")
	}
}

func TestNodeMask(t *testing.T) {
	if NodeMask(0) != 1 || NodeMask(3) != 8 {
		t.Fatal("node mask layout wrong")
	}
}
