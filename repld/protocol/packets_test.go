package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataHeaderRoundTrip(t *testing.T) {
	p := &DataHeader{Sector: 123456, BlockID: 0xdeadbeef, Seq: 42, DPFlags: DPRWSync | DPMaySetInSync}
	var out DataHeader
	require.NoError(t, out.Unmarshal(p.Marshal()))
	assert.Equal(t, *p, out)
}

func TestTrimHeaderCarriesLogicalSize(t *testing.T) {
	p := &TrimHeader{DataHeader: DataHeader{Sector: 8, BlockID: 7}, TrimSize: 1 << 20}
	var out TrimHeader
	require.NoError(t, out.Unmarshal(p.Marshal()))
	assert.Equal(t, uint32(1<<20), out.TrimSize)
	assert.Equal(t, uint64(8), out.Sector)
}

func TestTwoPCRequestRoundTrip(t *testing.T) {
	p := &TwoPCRequest{
		TID:             77,
		InitiatorNodeID: 1,
		TargetNodeID:    ^uint32(0),
		NodesToReach:    0b1010,
		PrimaryNodes:    0b0010,
		WeakNodes:       0b1000,
		Mask:            0xff0,
		Val:             0x120,
	}
	var out TwoPCRequest
	require.NoError(t, out.Unmarshal(p.Marshal()))
	assert.Equal(t, *p, out)
}

func TestUUIDs110MaskCompaction(t *testing.T) {
	p := &UUIDs110{
		BitmapUUIDsMask: 0b101, // node ids 0 and 2
		Flags:           UUIDFlagCrashedPrimary,
		Current:         0xabcdef01,
		BitmapUUIDs:     []uint64{11, 22},
		History:         []uint64{33, 44},
	}
	var out UUIDs110
	require.NoError(t, out.Unmarshal(p.Marshal()))
	assert.Equal(t, p.BitmapUUIDs, out.BitmapUUIDs)
	assert.Equal(t, p.History, out.History)
	assert.Equal(t, p.Current, out.Current)
}

func TestUUIDs110ShortBitmapRejected(t *testing.T) {
	p := &UUIDs110{BitmapUUIDsMask: 0b11, BitmapUUIDs: []uint64{1, 2}}
	raw := p.Marshal()
	// Chop one bitmap entry off; the mask promises two.
	var out UUIDs110
	require.Error(t, out.Unmarshal(raw[:UUIDs110FixedSize+8]))
}

func TestShortPacketRejected(t *testing.T) {
	var p BlockAck
	require.Equal(t, ErrShortPacket, p.Unmarshal(make([]byte, 3)))
}

func TestDigestAlgorithms(t *testing.T) {
	for alg, size := range map[string]int{"crc32c": 4, "sha256": 32, "blake2b": 32} {
		n, err := DigestSize(alg)
		require.NoError(t, err)
		assert.Equal(t, size, n, alg)
		sum, err := Digest(alg, []byte("payload"))
		require.NoError(t, err)
		assert.Len(t, sum, size)
	}
	if _, err := DigestSize("md5"); err == nil {
		t.Fatal("md5 must be rejected")
	}
	n, err := DigestSize("")
	require.NoError(t, err)
	assert.Zero(t, n)
}
