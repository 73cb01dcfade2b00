package receiver

import (
	"context"
	"sync/atomic"

	"github.com/mirrorlabs/blockrepl/repld/intervals"
	"github.com/mirrorlabs/blockrepl/repld/protocol"
	"github.com/mirrorlabs/blockrepl/repld/statemachine"
	"github.com/pkg/errors"
)

// Local request state bits.
const (
	rqLocalPending uint32 = 1 << iota
	rqLocalDone
	rqPostponed
	rqNetQueued
	rqExposed
	rqPeerAck // referenced from the peer-ack list
)

// Request is one locally originated write tracked until every peer has
// acknowledged it. The upper request tracker proper is a collaborator;
// this is the slice of it the engine and the asender need.
type Request struct {
	device  *Device
	sector  uint64
	size    uint32
	blockID uint64
	dagtag  uint64

	interval intervals.Interval

	state     uint32 // atomic rq* bits
	peerMask  uint64 // atomic: peers still owing an ack
	ackedMask uint64 // atomic: peers that acked, for the peer-ack fan-out

	data []byte // retained for retries

	done chan error
}

func (req *Request) hasState(f uint32) bool {
	return atomic.LoadUint32(&req.state)&f != 0
}

func (req *Request) setState(f uint32) {
	for {
		old := atomic.LoadUint32(&req.state)
		if atomic.CompareAndSwapUint32(&req.state, old, old|f) {
			return
		}
	}
}

func (req *Request) clearState(f uint32) {
	for {
		old := atomic.LoadUint32(&req.state)
		if atomic.CompareAndSwapUint32(&req.state, old, old&^f) {
			return
		}
	}
}

// fail completes the request with an error.
func (req *Request) fail(err error) {
	select {
	case req.done <- err:
	default:
	}
}

// restart re-submits a postponed local write after the peer write that
// displaced it has settled.
func (req *Request) restart() {
	req.clearState(rqPostponed)
	d := req.device
	go func() {
		if err := d.resource.SubmitLocalWrite(context.Background(), d.vol, req.sector, req.data); err != nil {
			req.fail(err)
			return
		}
		req.fail(nil)
	}()
}

var nextBlockID uint64

// SubmitLocalWrite mirrors one local write to every connected peer and
// applies it to the local device. It returns once the local submission
// and the sends are issued; peer acknowledgements retire the request
// asynchronously through the asender.
func (r *Resource) SubmitLocalWrite(ctx context.Context, vol int16, sector uint64, data []byte) error {
	d := r.Device(vol)
	if d == nil {
		return errors.Wrapf(errUnknownVolume, "vol %d", vol)
	}
	size := uint32(len(data))
	if size == 0 || size%512 != 0 {
		return errAlignment
	}
	if sector+uint64(size>>9) > d.capSectors {
		return errCapacity
	}

	req := &Request{
		device:  d,
		sector:  sector,
		size:    size,
		blockID: atomic.AddUint64(&nextBlockID, 1),
		data:    append([]byte(nil), data...),
		done:    make(chan error, 1),
	}
	req.interval.Sector = sector
	req.interval.Size = size
	req.interval.Local = true
	req.interval.Owner = req
	req.setState(rqLocalPending)

	r.reqMu.Lock()
	d.writeRequests.Insert(&req.interval)
	r.reqMu.Unlock()

	// Mirror to every connected peer before (or concurrently with)
	// the local submission.
	var sentTo uint64
	for _, c := range r.Connections() {
		if c.CState() != statemachine.Connected {
			// The peer will resync this range later.
			if pd := c.PeerDevice(vol); pd != nil {
				d.bitmap.SetRange(pd.bitmapIndex, sector, size)
			}
			continue
		}
		if err := c.sendDataPacket(d, req); err != nil {
			log.WithError(err).WithField("peer", c.peerNodeID).Warn("Could not mirror write, marking out of sync")
			if pd := c.PeerDevice(vol); pd != nil {
				d.bitmap.SetRange(pd.bitmapIndex, sector, size)
			}
			continue
		}
		sentTo |= statemachine.NodeMask(c.peerNodeID)
		c.trackPendingAck(req)
	}
	atomic.StoreUint64(&req.peerMask, sentTo)

	_, err := d.backend.WriteAt(data, int64(sector)<<9)

	r.reqMu.Lock()
	req.setState(rqLocalDone)
	req.clearState(rqLocalPending)
	if atomic.LoadUint64(&req.peerMask) == 0 {
		d.writeRequests.Remove(&req.interval)
	}
	r.miscWait.Broadcast()
	r.reqMu.Unlock()

	return err
}

// sendDataPacket ships one local write to the peer on the data socket.
func (c *Connection) sendDataPacket(d *Device, req *Request) error {
	req.dagtag = c.nextDagtag(req.size)
	hdr := &protocol.DataHeader{
		Sector:  req.sector,
		BlockID: req.blockID,
		Seq:     atomic.AddUint32(&c.dataSeq, 1),
	}
	return c.sendData(protocol.CmdData, d.vol, hdr.Marshal(), req.data)
}

// trackPendingAck registers a mirrored write for retirement by this
// connection's asender.
func (c *Connection) trackPendingAck(req *Request) {
	c.pendingMu.Lock()
	c.pendingAcks[req.blockID] = req
	c.pendingMu.Unlock()
	atomic.AddInt32(&c.unacked, 1)
}

// retirePendingAck settles a mirrored write when its ack arrives.
// Returns the request, or nil for an unknown block id.
func (c *Connection) retirePendingAck(blockID uint64) *Request {
	c.pendingMu.Lock()
	req, ok := c.pendingAcks[blockID]
	if ok {
		delete(c.pendingAcks, blockID)
	}
	c.pendingMu.Unlock()
	if !ok {
		return nil
	}
	atomic.AddInt32(&c.unacked, -1)

	mask := statemachine.NodeMask(c.peerNodeID)
	for {
		old := atomic.LoadUint64(&req.peerMask)
		if atomic.CompareAndSwapUint64(&req.peerMask, old, old&^mask) {
			break
		}
	}
	for {
		old := atomic.LoadUint64(&req.ackedMask)
		if atomic.CompareAndSwapUint64(&req.ackedMask, old, old|mask) {
			break
		}
	}

	if atomic.LoadUint64(&req.peerMask) == 0 {
		r := c.resource
		r.reqMu.Lock()
		if req.interval.InTree() {
			req.device.writeRequests.Remove(&req.interval)
		}
		r.miscWait.Broadcast()
		r.reqMu.Unlock()
		req.fail(nil) // completes the waiter, if any

		// Queue the fan-out notification for the other peers.
		if !req.hasState(rqPeerAck) {
			req.setState(rqPeerAck)
			c.resource.queuePeerAck(req)
		}
	}
	return req
}

// queuePeerAck parks a fully acked request on every connection's
// peer-ack list; the asenders fan the PeerAck packets out.
func (r *Resource) queuePeerAck(req *Request) {
	for _, c := range r.Connections() {
		if c.CState() != statemachine.Connected {
			continue
		}
		c.pendingMu.Lock()
		c.peerAcks.PushBack(req)
		c.pendingMu.Unlock()
		c.wakeAsender()
	}
}

// cleanupPendingAcks fails every mirrored write still waiting for this
// peer during teardown and marks their ranges out of sync.
func (c *Connection) cleanupPendingAcks() {
	c.pendingMu.Lock()
	pending := make([]*Request, 0, len(c.pendingAcks))
	for _, req := range c.pendingAcks {
		pending = append(pending, req)
	}
	c.pendingAcks = make(map[uint64]*Request)
	c.pendingMu.Unlock()

	for _, req := range pending {
		atomic.AddInt32(&c.unacked, -1)
		d := req.device
		if pd := c.PeerDevice(d.vol); pd != nil {
			d.bitmap.SetRange(pd.bitmapIndex, req.sector, req.size)
		}
		mask := statemachine.NodeMask(c.peerNodeID)
		for {
			old := atomic.LoadUint64(&req.peerMask)
			if atomic.CompareAndSwapUint64(&req.peerMask, old, old&^mask) {
				break
			}
		}
		if atomic.LoadUint64(&req.peerMask) == 0 {
			r := c.resource
			r.reqMu.Lock()
			if req.interval.InTree() {
				req.device.writeRequests.Remove(&req.interval)
			}
			r.miscWait.Broadcast()
			r.reqMu.Unlock()
			req.fail(nil)
		}
	}
}

// cleanupPeerAckList drops queued fan-out notifications on teardown.
func (c *Connection) cleanupPeerAckList() {
	c.pendingMu.Lock()
	c.peerAcks.Init()
	c.pendingMu.Unlock()
}
