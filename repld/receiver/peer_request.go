package receiver

import (
	"container/list"
	"sync/atomic"

	"github.com/mirrorlabs/blockrepl/repld/backend"
	"github.com/mirrorlabs/blockrepl/repld/intervals"
	"github.com/mirrorlabs/blockrepl/repld/pagepool"
	"github.com/mirrorlabs/blockrepl/repld/protocol"
	"github.com/mirrorlabs/blockrepl/shared/params"
	"github.com/sirupsen/logrus"
)

// Peer request flag bits.
const (
	prHasDigest uint32 = 1 << iota
	prMaySetInSync
	prSendWriteAck
	prInIntervalTree
	prRestartRequests
	prIsTrim
	prTrimUseZeroout
	prIsBarrier
	prWasError
	prEpochPut
)

// PeerRequest is one write (or read-for-peer) received from the peer,
// threaded through the interval tree, exactly one of the device queues,
// and the connection's receive-order list.
type PeerRequest struct {
	peerDevice *PeerDevice
	epoch      *Epoch

	sector  uint64
	size    uint32
	blockID uint64
	seq     uint32
	dpFlags uint32
	dagtag  uint64

	chain       *pagepool.Chain
	chainFilled int
	interval    intervals.Interval

	flags       uint32 // atomic
	pendingBios int32
	err         error

	// ackCmd overrides the completion ack for conflict outcomes.
	ackCmd protocol.Command

	// Queue membership, under the resource request lock.
	queue *list.List
	elem  *list.Element
	// Receive-order membership on the connection.
	recvElem *list.Element
}

func (pr *PeerRequest) setFlag(f uint32) {
	for {
		old := atomic.LoadUint32(&pr.flags)
		if atomic.CompareAndSwapUint32(&pr.flags, old, old|f) {
			return
		}
	}
}

func (pr *PeerRequest) clearFlag(f uint32) {
	for {
		old := atomic.LoadUint32(&pr.flags)
		if atomic.CompareAndSwapUint32(&pr.flags, old, old&^f) {
			return
		}
	}
}

func (pr *PeerRequest) hasFlag(f uint32) bool {
	return atomic.LoadUint32(&pr.flags)&f != 0
}

// Sector returns the start sector of the request.
func (pr *PeerRequest) Sector() uint64 { return pr.sector }

// Size returns the byte length of the request.
func (pr *PeerRequest) Size() uint32 { return pr.size }

// newPeerRequest allocates the request object and its page chain under
// the device budget, reclaiming finished net-ee chains when the budget
// is exhausted.
func (c *Connection) newPeerRequest(pd *PeerDevice, hdr *protocol.DataHeader, size uint32, withPayload bool) (*PeerRequest, error) {
	pr := &PeerRequest{
		peerDevice: pd,
		sector:     hdr.Sector,
		size:       size,
		blockID:    hdr.BlockID,
		seq:        hdr.Seq,
		dpFlags:    hdr.DPFlags,
	}
	pr.interval.Sector = hdr.Sector
	pr.interval.Size = size
	pr.interval.Local = false

	if withPayload && size > 0 {
		chain, err := c.resource.pool.Alloc(c.ctx, pd.device.budget, int(size), pd.device.ReclaimNetEE)
		if err != nil {
			return nil, err
		}
		pr.chain = chain
	}
	peerRequestsAllocated.Inc()
	return pr, nil
}

// moveTo transfers the request onto a queue; the caller must hold the
// request lock. Passing nil just unlinks it.
func (pr *PeerRequest) moveTo(q *list.List) {
	if pr.queue != nil && pr.elem != nil {
		pr.queue.Remove(pr.elem)
		pr.elem = nil
	}
	pr.queue = q
	if q != nil {
		pr.elem = q.PushBack(pr)
	}
}

// free releases everything the request still holds. When the sender
// still references the page chain, the request parks on net-ee instead
// and the reclaim pass finishes the job.
func (pr *PeerRequest) free() {
	d := pr.peerDevice.device
	r := d.resource
	r.reqMu.Lock()
	if pr.hasFlag(prInIntervalTree) {
		d.writeRequests.Remove(&pr.interval)
		pr.clearFlag(prInIntervalTree)
	}
	if pr.recvElem != nil {
		pr.peerDevice.connection.peerRequests.Remove(pr.recvElem)
		pr.recvElem = nil
	}
	if pr.chain != nil && pr.chain.Refs() > 1 {
		pr.chain.Put()
		pr.moveTo(d.netEE)
		r.reqMu.Unlock()
		return
	}
	pr.moveTo(nil)
	if pr.chain != nil {
		pr.chain.Put()
		pr.chain = nil
	}
	r.reqMu.Unlock()
	peerRequestsFreed.Inc()
}

// submit issues the local I/O for the request. The bio completion runs
// on its own goroutine and moves the request to done-ee.
func (pr *PeerRequest) submit() error {
	d := pr.peerDevice.device
	off := int64(pr.sector) << 9

	atomic.StoreInt32(&pr.pendingBios, 1)
	go func() {
		var err error
		switch {
		case pr.hasFlag(prIsTrim) && pr.hasFlag(prTrimUseZeroout):
			err = d.backend.ZeroOut(off, int64(pr.size))
		case pr.hasFlag(prIsTrim):
			err = d.backend.Discard(off, int64(pr.size))
		default:
			_, err = d.backend.WriteAt(pr.chain.Bytes(), off)
			if err == nil && pr.dpFlags&(protocol.DPFua|protocol.DPFlush) != 0 {
				// A FUA the backend cannot serve is not an I/O error;
				// the epoch engine handles ordering degradation.
				if ferr := d.backend.Flush(); ferr != nil && ferr != backend.ErrNotSupported {
					err = ferr
				}
			}
		}
		pr.endOfBio(err)
	}()
	return nil
}

// endOfBio runs when the last bio of the request completes. It moves
// the request from the active queue to done-ee and wakes the asender,
// which owns emitting the ack.
func (pr *PeerRequest) endOfBio(err error) {
	if atomic.AddInt32(&pr.pendingBios, -1) != 0 {
		return
	}
	pd := pr.peerDevice
	d := pd.device
	if err != nil {
		pr.err = err
		pr.setFlag(prWasError)
		log.WithError(err).WithFields(logrus.Fields{
			"vol":    d.vol,
			"sector": pr.sector,
			"size":   pr.size,
		}).Error("Peer write failed on local storage")
	}

	d.resource.reqMu.Lock()
	pr.moveTo(d.doneEE)
	d.resource.miscWait.Broadcast()
	d.resource.reqMu.Unlock()

	pd.connection.wakeAsender()
}

// endBlock is invoked by the asender once the request is durable; it
// emits the ack the wire protocol owes the peer and settles the epoch.
func (pr *PeerRequest) endBlock() error {
	pd := pr.peerDevice
	c := pd.connection
	d := pd.device

	var err error
	switch {
	case pr.hasFlag(prWasError):
		err = c.sendBlockAck(protocol.CmdNegAck, pr)
		// The block never made it to our disk; remember to fetch it.
		if serr := d.bitmap.SetRange(pd.bitmapIndex, pr.sector, pr.size); serr != nil {
			log.WithError(serr).Error("Could not mark failed write out of sync")
		}
	case pr.ackCmd != 0:
		// Conflict resolution decided the outcome beforehand.
		err = c.sendBlockAck(pr.ackCmd, pr)
		if pr.ackCmd == protocol.CmdSuperseded || pr.ackCmd == protocol.CmdRetryWrite {
			d.resource.reqMu.Lock()
			pr.restartConflictingLocked()
			d.resource.reqMu.Unlock()
		}
	case pr.hasFlag(prSendWriteAck):
		err = c.sendBlockAck(protocol.CmdWriteAck, pr)
	default:
		// Wire protocol B acknowledged on receive and protocol A sends
		// no write ack; nothing further is owed here.
	}

	if pr.hasFlag(prMaySetInSync) && !pr.hasFlag(prWasError) {
		if serr := d.bitmap.ClearRange(pd.bitmapIndex, pr.sector, pr.size); serr != nil {
			log.WithError(serr).Error("Could not clear in-sync range")
		}
	}

	d.resource.reqMu.Lock()
	if pr.hasFlag(prRestartRequests) {
		pr.restartConflictingLocked()
	}
	if pr.hasFlag(prInIntervalTree) {
		d.writeRequests.Remove(&pr.interval)
		pr.clearFlag(prInIntervalTree)
		d.resource.miscWait.Broadcast()
	}
	d.resource.reqMu.Unlock()

	if pr.epoch != nil && !pr.hasFlag(prEpochPut) {
		pr.setFlag(prEpochPut)
		c.mayFinishEpoch(pr.epoch, evPut, false)
	}
	pr.free()
	return err
}

// sendBlockAck answers one peer request on the meta channel.
func (c *Connection) sendBlockAck(cmd protocol.Command, pr *PeerRequest) error {
	ack := &protocol.BlockAck{
		Sector:    pr.sector,
		BlockID:   pr.blockID,
		BlockSize: pr.size,
		Seq:       atomic.AddUint32(&c.ackSeq, 1),
	}
	return c.sendMeta(cmd, ack.Marshal())
}

// cleanupPeerRequest releases a request during teardown: interval out,
// epoch settled with the cleanup flag, pages returned.
func (pr *PeerRequest) cleanup() {
	c := pr.peerDevice.connection
	if pr.epoch != nil && !pr.hasFlag(prEpochPut) {
		pr.setFlag(prEpochPut)
		c.mayFinishEpoch(pr.epoch, evPut, true)
	}
	pr.free()
}

// maxPeerRequestSize bounds a single data payload.
func maxPeerRequestSize() uint32 {
	return params.ReplConfig().MaxBioSize
}
