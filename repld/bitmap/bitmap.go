// Package bitmap tracks out-of-sync blocks per peer. Every peer of a
// device occupies one slot; a set bit means the corresponding 4KiB
// block must still be shipped to (or received from) that peer.
package bitmap

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/prysmaticlabs/go-bitfield"
)

// BlockSize is the granularity of dirty tracking in bytes.
const BlockSize = 4096

// BlockShift converts between sectors and tracked blocks.
const BlockShift = 3 // 4096 >> 9 == 8 sectors per block

// ErrBadSlot indicates a slot index outside the bitmap.
var ErrBadSlot = errors.New("bitmap slot out of range")

// SlotBitmap is the per-device dirty bitmap, one slot per peer.
type SlotBitmap struct {
	mu    sync.RWMutex
	slots []bitfield.Bitlist
	bits  uint64
}

// New creates a bitmap covering capacitySectors for maxSlots peers.
func New(capacitySectors uint64, maxSlots int) *SlotBitmap {
	bits := (capacitySectors + (1 << BlockShift) - 1) >> BlockShift
	slots := make([]bitfield.Bitlist, maxSlots)
	for i := range slots {
		slots[i] = bitfield.NewBitlist(bits)
	}
	return &SlotBitmap{slots: slots, bits: bits}
}

// Bits returns the number of tracked blocks per slot.
func (b *SlotBitmap) Bits() uint64 { return b.bits }

func (b *SlotBitmap) checkSlot(slot int) error {
	if slot < 0 || slot >= len(b.slots) {
		return errors.Wrapf(ErrBadSlot, "slot %d", slot)
	}
	return nil
}

// SetRange marks the sector range dirty for slot.
func (b *SlotBitmap) SetRange(slot int, sector uint64, size uint32) error {
	if err := b.checkSlot(slot); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	first := sector >> BlockShift
	last := (sector + uint64(size>>9) - 1) >> BlockShift
	for i := first; i <= last && i < b.bits; i++ {
		b.slots[slot].SetBitAt(i, true)
	}
	return nil
}

// ClearRange marks the sector range clean for slot.
func (b *SlotBitmap) ClearRange(slot int, sector uint64, size uint32) error {
	if err := b.checkSlot(slot); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	first := sector >> BlockShift
	last := (sector + uint64(size>>9) - 1) >> BlockShift
	for i := first; i <= last && i < b.bits; i++ {
		b.slots[slot].SetBitAt(i, false)
	}
	return nil
}

// Test reports whether the block holding sector is dirty for slot.
func (b *SlotBitmap) Test(slot int, sector uint64) bool {
	if b.checkSlot(slot) != nil {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.slots[slot].BitAt(sector >> BlockShift)
}

// SetAll marks every block dirty for slot, forcing a full resync.
func (b *SlotBitmap) SetAll(slot int) error {
	if err := b.checkSlot(slot); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := uint64(0); i < b.bits; i++ {
		b.slots[slot].SetBitAt(i, true)
	}
	return nil
}

// ClearAll marks every block clean for slot.
func (b *SlotBitmap) ClearAll(slot int) error {
	if err := b.checkSlot(slot); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots[slot] = bitfield.NewBitlist(b.bits)
	return nil
}

// CopySlot replaces the dst slot with the contents of src. Used when a
// third node has synced up on our behalf.
func (b *SlotBitmap) CopySlot(src, dst int) error {
	if err := b.checkSlot(src); err != nil {
		return err
	}
	if err := b.checkSlot(dst); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make(bitfield.Bitlist, len(b.slots[src]))
	copy(cp, b.slots[src])
	b.slots[dst] = cp
	return nil
}

// Weight returns the number of dirty blocks in slot.
func (b *SlotBitmap) Weight(slot int) uint64 {
	if b.checkSlot(slot) != nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.slots[slot].Count()
}

// FirstSet returns the index of the first dirty block at or after from
// for slot, or false when the slot is clean from there on.
func (b *SlotBitmap) FirstSet(slot int, from uint64) (uint64, bool) {
	if b.checkSlot(slot) != nil {
		return 0, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for i := from; i < b.bits; i++ {
		if b.slots[slot].BitAt(i) {
			return i, true
		}
	}
	return 0, false
}

// MergeRaw folds a serialized slot of the same geometry into slot,
// marking dirty everything either side considers dirty.
func (b *SlotBitmap) MergeRaw(slot int, data []byte) error {
	if err := b.checkSlot(slot); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(data) != len(b.slots[slot]) {
		return errors.Errorf("bitmap geometry mismatch: %d != %d bytes", len(data), len(b.slots[slot]))
	}
	for i := range data {
		b.slots[slot][i] |= data[i]
	}
	return nil
}

// Snapshot serializes one slot for persistence or wire transfer.
func (b *SlotBitmap) Snapshot(slot int) ([]byte, error) {
	if err := b.checkSlot(slot); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]byte, len(b.slots[slot]))
	copy(out, b.slots[slot])
	return out, nil
}

// Restore loads one slot from a serialized snapshot.
func (b *SlotBitmap) Restore(slot int, data []byte) error {
	if err := b.checkSlot(slot); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	bl := make(bitfield.Bitlist, len(data))
	copy(bl, data)
	b.slots[slot] = bl
	return nil
}
