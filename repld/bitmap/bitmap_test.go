package bitmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetClearWeight(t *testing.T) {
	bm := New(1<<20, 4) // 512 MiB worth of sectors, 4 peers

	require.NoError(t, bm.SetRange(0, 0, 8192))
	assert.Equal(t, uint64(2), bm.Weight(0))
	assert.True(t, bm.Test(0, 0))
	assert.True(t, bm.Test(0, 8))
	assert.False(t, bm.Test(0, 16))
	// Other slots stay clean.
	assert.Equal(t, uint64(0), bm.Weight(1))

	require.NoError(t, bm.ClearRange(0, 0, 4096))
	assert.Equal(t, uint64(1), bm.Weight(0))
	assert.False(t, bm.Test(0, 0))
}

func TestSubBlockRangeDirtiesWholeBlock(t *testing.T) {
	bm := New(1<<12, 2)
	// A 512-byte write within a 4KiB block dirties the block.
	require.NoError(t, bm.SetRange(0, 9, 512))
	assert.True(t, bm.Test(0, 8))
	assert.Equal(t, uint64(1), bm.Weight(0))
}

func TestSetAllClearAll(t *testing.T) {
	bm := New(1<<12, 2)
	require.NoError(t, bm.SetAll(1))
	assert.Equal(t, bm.Bits(), bm.Weight(1))
	require.NoError(t, bm.ClearAll(1))
	assert.Equal(t, uint64(0), bm.Weight(1))
}

func TestCopySlot(t *testing.T) {
	bm := New(1<<12, 3)
	require.NoError(t, bm.SetRange(0, 0, 4096))
	require.NoError(t, bm.CopySlot(0, 2))
	assert.Equal(t, uint64(1), bm.Weight(2))
	// The copy is independent of the source.
	require.NoError(t, bm.ClearAll(0))
	assert.Equal(t, uint64(1), bm.Weight(2))
}

func TestSnapshotRestoreMerge(t *testing.T) {
	bm := New(1<<12, 2)
	require.NoError(t, bm.SetRange(0, 0, 4096))
	snap, err := bm.Snapshot(0)
	require.NoError(t, err)

	other := New(1<<12, 2)
	require.NoError(t, other.SetRange(0, 64, 4096))
	require.NoError(t, other.MergeRaw(0, snap))
	// Union of both dirty sets.
	assert.Equal(t, uint64(2), other.Weight(0))

	restored := New(1<<12, 2)
	require.NoError(t, restored.Restore(0, snap))
	assert.Equal(t, uint64(1), restored.Weight(0))
}

func TestFirstSet(t *testing.T) {
	bm := New(1<<12, 1)
	if _, ok := bm.FirstSet(0, 0); ok {
		t.Fatal("clean bitmap must report nothing")
	}
	require.NoError(t, bm.SetRange(0, 24, 4096)) // block 3
	idx, ok := bm.FirstSet(0, 0)
	require.True(t, ok)
	assert.Equal(t, uint64(3), idx)
	if _, ok := bm.FirstSet(0, 4); ok {
		t.Fatal("no set blocks past 4")
	}
}

func TestBadSlot(t *testing.T) {
	bm := New(1<<12, 1)
	assert.Error(t, bm.SetRange(5, 0, 512))
	assert.Error(t, bm.ClearAll(-1))
}
