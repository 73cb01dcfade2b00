package receiver

import (
	"container/list"

	"github.com/mirrorlabs/blockrepl/repld/backend"
	"github.com/mirrorlabs/blockrepl/repld/bitmap"
	"github.com/mirrorlabs/blockrepl/repld/intervals"
	"github.com/mirrorlabs/blockrepl/repld/metadata"
	"github.com/mirrorlabs/blockrepl/repld/pagepool"
	"github.com/mirrorlabs/blockrepl/repld/statemachine"
	mutexasserts "github.com/trailofbits/go-mutexasserts"
)

// Device is one replicated volume: the local backing store, its dirty
// bitmap, the request interval trees and the peer-request queues.
// Queue and tree mutations happen under the resource request lock.
type Device struct {
	resource   *Resource
	vol        int16
	backend    backend.Backend
	capSectors uint64

	bitmap *bitmap.SlotBitmap
	budget *pagepool.Budget

	// Under resource.reqMu.
	writeRequests *intervals.Tree
	readRequests  *intervals.Tree
	activeEE      *list.List // submitted, not yet durable
	syncEE        *list.List // resync writes in flight
	readEE        *list.List // reads for the peer in flight
	doneEE        *list.List // durable, waiting for the asender
	netEE         *list.List // freed, pages still referenced by the sender

	disk           statemachine.DiskState
	crashedPrimary bool
	gen            *metadata.Generation
	// exposedUUID is the generation identifier the upper layers see;
	// it lags gen.Current while a resync is running.
	exposedUUID uint64
}

// Vol returns the volume number.
func (d *Device) Vol() int16 { return d.vol }

// Backend returns the local block store.
func (d *Device) Backend() backend.Backend { return d.backend }

// Bitmap returns the dirty bitmap.
func (d *Device) Bitmap() *bitmap.SlotBitmap { return d.bitmap }

// CapacitySectors returns the device capacity in sectors.
func (d *Device) CapacitySectors() uint64 { return d.capSectors }

// DiskState returns the local disk state.
func (d *Device) DiskState() statemachine.DiskState {
	d.resource.reqMu.Lock()
	defer d.resource.reqMu.Unlock()
	return d.disk
}

// SetDiskState updates the local disk state.
func (d *Device) SetDiskState(ds statemachine.DiskState) {
	d.resource.reqMu.Lock()
	d.disk = ds
	d.resource.reqMu.Unlock()
}

// Generation returns the device's generation identifier set. Callers
// must treat it as read-only unless they hold the request lock.
func (d *Device) Generation() *metadata.Generation { return d.gen }

// SyncMetadata persists the generation identifiers.
func (d *Device) SyncMetadata() error {
	d.resource.reqMu.Lock()
	gen := &metadata.Generation{
		Current: d.gen.Current,
		Bitmap:  append([]uint64(nil), d.gen.Bitmap...),
		History: append([]uint64(nil), d.gen.History...),
		Flags:   d.gen.Flags,
	}
	d.resource.reqMu.Unlock()
	return d.resource.meta.SaveGeneration(int(d.vol), gen)
}

// wakeMisc wakes every waiter parked on the misc condition: conflict
// waits, queue drains, bitmap phase transitions.
func (d *Device) wakeMisc() {
	d.resource.miscWait.Broadcast()
}

// waitEEListEmpty blocks until the given queue drains. Caller must hold
// the request lock.
func (d *Device) waitEEListEmpty(l *list.List) {
	if !mutexasserts.MutexLocked(&d.resource.reqMu) {
		log.Error("waitEEListEmpty called without the request lock")
		return
	}
	for l.Len() > 0 {
		d.resource.miscWait.Wait()
	}
}

// reclaimFinishedNetEE returns chains on the net-ee list whose pages
// the sender no longer references. Caller must hold the request lock.
func (d *Device) reclaimFinishedNetEE() {
	var next *list.Element
	for e := d.netEE.Front(); e != nil; e = next {
		next = e.Next()
		pr := e.Value.(*PeerRequest)
		if pr.chain == nil || pr.chain.Refs() <= 1 {
			d.netEE.Remove(e)
			pr.queue = nil
			pr.elem = nil
			if pr.chain != nil {
				pr.chain.Put()
				pr.chain = nil
			}
		}
	}
}

// ReclaimNetEE is the exported reclaim pass used while blocked on the
// page budget.
func (d *Device) ReclaimNetEE() {
	d.resource.reqMu.Lock()
	d.reclaimFinishedNetEE()
	d.resource.reqMu.Unlock()
}
