package intervals

import (
	"math/rand"
	"testing"
)

func collectOverlaps(tr *Tree, sector uint64, size uint32) []*Interval {
	var out []*Interval
	tr.ForEachOverlap(sector, size, func(i *Interval) bool {
		out = append(out, i)
		return true
	})
	return out
}

func TestInsertRemove(t *testing.T) {
	tr := NewTree()
	a := &Interval{Sector: 0, Size: 4096}
	b := &Interval{Sector: 8, Size: 4096}
	tr.Insert(a)
	tr.Insert(b)
	if tr.Len() != 2 {
		t.Fatalf("len = %d, want 2", tr.Len())
	}
	if !a.InTree() || !b.InTree() {
		t.Fatal("intervals must report tree membership")
	}
	tr.Remove(a)
	if a.InTree() {
		t.Fatal("removed interval still reports membership")
	}
	if tr.Len() != 1 {
		t.Fatalf("len = %d, want 1", tr.Len())
	}
	// Double remove is a no-op.
	tr.Remove(a)
	if tr.Len() != 1 {
		t.Fatal("double remove changed the tree")
	}
}

func TestOverlapBoundaries(t *testing.T) {
	tr := NewTree()
	i := &Interval{Sector: 100, Size: 10 * 512} // sectors [100, 110)
	tr.Insert(i)

	if got := collectOverlaps(tr, 90, 10*512); len(got) != 0 {
		t.Errorf("[90,100) must not overlap, got %d", len(got))
	}
	if got := collectOverlaps(tr, 110, 10*512); len(got) != 0 {
		t.Errorf("[110,120) must not overlap, got %d", len(got))
	}
	if got := collectOverlaps(tr, 109, 512); len(got) != 1 {
		t.Errorf("[109,110) must overlap, got %d", len(got))
	}
	if got := collectOverlaps(tr, 95, 6*512); len(got) != 1 {
		t.Errorf("[95,101) must overlap, got %d", len(got))
	}
}

func TestEqualRangesCoexist(t *testing.T) {
	tr := NewTree()
	a := &Interval{Sector: 5, Size: 4096}
	b := &Interval{Sector: 5, Size: 4096}
	tr.Insert(a)
	tr.Insert(b)
	if got := collectOverlaps(tr, 5, 4096); len(got) != 2 {
		t.Fatalf("want both equal ranges, got %d", len(got))
	}
	tr.Remove(a)
	got := collectOverlaps(tr, 5, 4096)
	if len(got) != 1 || got[0] != b {
		t.Fatal("wrong interval removed")
	}
}

func TestRandomizedAgainstBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	tr := NewTree()
	live := map[*Interval]bool{}

	for step := 0; step < 2000; step++ {
		switch {
		case len(live) == 0 || rng.Intn(3) != 0:
			iv := &Interval{
				Sector: uint64(rng.Intn(1000)),
				Size:   uint32(1+rng.Intn(16)) * 512,
			}
			tr.Insert(iv)
			live[iv] = true
		default:
			for iv := range live {
				tr.Remove(iv)
				delete(live, iv)
				break
			}
		}

		sector := uint64(rng.Intn(1000))
		size := uint32(1+rng.Intn(16)) * 512
		want := 0
		end := sector + uint64(size>>9)
		for iv := range live {
			if iv.Sector < end && sector < iv.End() {
				want++
			}
		}
		if got := len(collectOverlaps(tr, sector, size)); got != want {
			t.Fatalf("step %d: overlaps(%d,%d) = %d, want %d", step, sector, size, got, want)
		}
		if tr.Len() != len(live) {
			t.Fatalf("step %d: len = %d, want %d", step, tr.Len(), len(live))
		}
	}
}

func TestOverlapOrdering(t *testing.T) {
	tr := NewTree()
	for _, s := range []uint64{40, 10, 30, 20} {
		tr.Insert(&Interval{Sector: s, Size: 512})
	}
	got := collectOverlaps(tr, 0, 100*512)
	for i := 1; i < len(got); i++ {
		if got[i-1].Sector > got[i].Sector {
			t.Fatalf("overlaps not in start order: %d before %d", got[i-1].Sector, got[i].Sector)
		}
	}
}
