package receiver

import (
	"bytes"
	"context"
	"sync/atomic"

	"github.com/mirrorlabs/blockrepl/repld/protocol"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
)

// validateRequest checks a sector range against the device capacity and
// the 512-byte alignment the wire demands.
func validateRequest(d *Device, sector uint64, size uint32) error {
	if size == 0 || size > maxPeerRequestSize() {
		return errors.Wrapf(errCapacity, "size %d", size)
	}
	if size%512 != 0 {
		return errAlignment
	}
	if sector+uint64(size>>9) > d.capSectors {
		return errors.Wrapf(errCapacity, "sector %d size %d beyond %d sectors", sector, size, d.capSectors)
	}
	return nil
}

// receiveDataPayload pulls the optional integrity digest and the write
// payload off the data socket, verifying the digest when present.
func (c *Connection) receiveDataPayload(pr *PeerRequest) error {
	var wireDigest []byte
	if c.integritySize > 0 {
		wireDigest = make([]byte, c.integritySize)
		if err := c.recvAll(wireDigest); err != nil {
			return err
		}
		pr.setFlag(prHasDigest)
	}

	for _, page := range pr.chain.Pages() {
		want := len(page)
		remaining := pr.chain.Len() - pr.chainFilled
		if remaining <= 0 {
			break
		}
		if want > remaining {
			want = remaining
		}
		if err := c.recvAll(page[:want]); err != nil {
			return err
		}
		pr.chainFilled += want
	}

	if wireDigest != nil {
		sum, err := protocol.Digest(c.nc.IntegrityAlg, pr.chain.Bytes())
		if err != nil {
			return err
		}
		if !bytes.Equal(sum, wireDigest) {
			digestMismatches.Inc()
			return errDigestMismatch
		}
	}
	bytesReceived.Add(float64(pr.size))
	return nil
}

// receiveData handles a mirrored write: allocate, receive, order,
// submit. Trims arrive on the same path with no payload.
func (c *Connection) receiveData(ctx context.Context, pi *protocol.Info, sub []byte) error {
	ctx, span := trace.StartSpan(ctx, "receiver.receiveData")
	defer span.End()

	pd := c.PeerDevice(pi.Volume)
	if pd == nil {
		return errors.Wrapf(errUnknownVolume, "vol %d", pi.Volume)
	}
	d := pd.device

	isTrim := pi.Cmd == protocol.CmdTrim
	var hdr protocol.DataHeader
	size := pi.Size
	if isTrim {
		var t protocol.TrimHeader
		if err := t.Unmarshal(sub); err != nil {
			return err
		}
		hdr = t.DataHeader
		size = t.TrimSize
	} else {
		if err := hdr.Unmarshal(sub); err != nil {
			return err
		}
		if c.integritySize > 0 {
			size -= uint32(c.integritySize)
		}
	}

	if err := validateRequest(d, hdr.Sector, size); err != nil {
		return err
	}

	pr, err := c.newPeerRequest(pd, &hdr, size, !isTrim)
	if err != nil {
		return err
	}
	pr.dagtag = c.lastDagtag + uint64(size)
	c.lastDagtag = pr.dagtag

	if isTrim {
		pr.setFlag(prIsTrim)
		if c.features&protocol.FeatureZeroOut != 0 && hdr.DPFlags&protocol.DPDiscard == 0 {
			pr.setFlag(prTrimUseZeroout)
		}
	} else {
		if err := c.receiveDataPayload(pr); err != nil {
			pr.free()
			return err
		}
	}

	if c.nc.WireProtocol == 3 {
		pr.setFlag(prSendWriteAck)
	} else if c.nc.WireProtocol == 2 {
		// Protocol B acknowledges on receipt.
		if err := c.sendBlockAck(protocol.CmdRecvAck, pr); err != nil {
			log.WithError(err).Warn("Could not send receive ack")
		}
	}
	if hdr.DPFlags&protocol.DPMaySetInSync != 0 {
		pr.setFlag(prMaySetInSync)
	}

	c.admitIntoEpoch(pr)

	if c.nc.TwoPrimaries {
		if !pd.WaitPeerSeq(hdr.Seq) {
			pr.cleanup()
			return errTeardown
		}
		if err := pr.handleWriteConflicts(); err != nil {
			if err == errConflictSettled {
				// Ack queued; epoch accounting still owes the put.
				pr.setFlag(prEpochPut)
				c.mayFinishEpoch(pr.epoch, evPut, false)
				return nil
			}
			pr.cleanup()
			return err
		}
	} else {
		pd.UpdatePeerSeq(hdr.Seq)
	}

	r := d.resource
	r.reqMu.Lock()
	pr.moveTo(d.activeEE)
	pr.recvElem = c.peerRequests.PushBack(pr)
	r.reqMu.Unlock()

	if pr.hasFlag(prIsTrim) && pr.hasFlag(prTrimUseZeroout) {
		// Zero-out must not overtake in-flight writes into the range.
		c.waitActiveEEForRange(d, pr)
	}

	if err := pr.submit(); err != nil {
		log.WithError(err).Error("Could not submit peer request")
		r.reqMu.Lock()
		pr.removeIntervalLocked()
		r.reqMu.Unlock()
		pr.cleanup()
		return err
	}
	writesReceived.Inc()
	return nil
}

// waitActiveEEForRange drains submitted writes before a zero-out
// fallback touches the device.
func (c *Connection) waitActiveEEForRange(d *Device, pr *PeerRequest) {
	r := d.resource
	r.reqMu.Lock()
	for {
		busy := false
		for e := d.activeEE.Front(); e != nil; e = e.Next() {
			other := e.Value.(*PeerRequest)
			if other != pr {
				busy = true
				break
			}
		}
		if !busy {
			break
		}
		r.miscWait.Wait()
	}
	r.reqMu.Unlock()
}

// receiveDataReply answers one of our read requests with data; the
// payload lands straight in the waiting request's buffer.
func (c *Connection) receiveDataReply(ctx context.Context, pi *protocol.Info, sub []byte) error {
	_, span := trace.StartSpan(ctx, "receiver.receiveDataReply")
	defer span.End()

	var hdr protocol.DataHeader
	if err := hdr.Unmarshal(sub); err != nil {
		return err
	}
	size := pi.Size
	if c.integritySize > 0 {
		size -= uint32(c.integritySize)
	}

	read := c.takeReadRequest(hdr.BlockID)
	if read == nil {
		if err := c.drainPacket(size + uint32(c.integritySize)); err != nil {
			return err
		}
		return errors.Errorf("data reply for unknown block id %d", hdr.BlockID)
	}

	var wireDigest []byte
	if c.integritySize > 0 {
		wireDigest = make([]byte, c.integritySize)
		if err := c.recvAll(wireDigest); err != nil {
			return err
		}
	}
	buf := make([]byte, size)
	if err := c.recvAll(buf); err != nil {
		return err
	}
	if wireDigest != nil {
		sum, err := protocol.Digest(c.nc.IntegrityAlg, buf)
		if err != nil {
			return err
		}
		if !bytes.Equal(sum, wireDigest) {
			digestMismatches.Inc()
			return errDigestMismatch
		}
	}
	read.complete(buf, nil)
	return nil
}

// receiveRSDataReply applies a resync block to the local device and
// acknowledges it so the source can clear its bitmap.
func (c *Connection) receiveRSDataReply(ctx context.Context, pi *protocol.Info, sub []byte) error {
	_, span := trace.StartSpan(ctx, "receiver.receiveRSDataReply")
	defer span.End()

	pd := c.PeerDevice(pi.Volume)
	if pd == nil {
		return errors.Wrapf(errUnknownVolume, "vol %d", pi.Volume)
	}
	d := pd.device

	var hdr protocol.DataHeader
	if err := hdr.Unmarshal(sub); err != nil {
		return err
	}
	size := pi.Size
	if c.integritySize > 0 {
		size -= uint32(c.integritySize)
	}
	if err := validateRequest(d, hdr.Sector, size); err != nil {
		return err
	}

	pr, err := c.newPeerRequest(pd, &hdr, size, true)
	if err != nil {
		return err
	}
	pr.setFlag(prMaySetInSync)
	if err := c.receiveDataPayload(pr); err != nil {
		pr.free()
		return err
	}

	r := d.resource
	r.reqMu.Lock()
	pr.moveTo(d.syncEE)
	r.reqMu.Unlock()

	// Resync writes complete through the same done path but answer
	// with a resync write ack.
	pr.ackCmd = protocol.CmdRSWriteAck
	if err := pr.submit(); err != nil {
		pr.cleanup()
		return err
	}
	resyncBlocksReceived.Inc()
	return nil
}

// receiveDataRequest reads a block on the peer's behalf and sends it
// back on the data socket; resync and online-verify reads share the
// path.
func (c *Connection) receiveDataRequest(ctx context.Context, pi *protocol.Info, sub []byte) error {
	_, span := trace.StartSpan(ctx, "receiver.receiveDataRequest")
	defer span.End()

	pd := c.PeerDevice(pi.Volume)
	if pd == nil {
		return errors.Wrapf(errUnknownVolume, "vol %d", pi.Volume)
	}
	d := pd.device

	var req protocol.BlockRequest
	if err := req.Unmarshal(sub); err != nil {
		return err
	}
	if pi.Cmd == protocol.CmdOVReply || pi.Cmd == protocol.CmdCsumRSRequest {
		// The digest payload rides behind the fixed sub-header.
		if err := c.drainPacket(pi.Size); err != nil {
			return err
		}
	}
	if err := validateRequest(d, req.Sector, req.BlockSize); err != nil {
		return err
	}

	replyCmd := protocol.CmdDataReply
	if pi.Cmd == protocol.CmdRSDataRequest || pi.Cmd == protocol.CmdCsumRSRequest {
		replyCmd = protocol.CmdRSDataReply
	}

	c.queueWork(func() {
		buf := make([]byte, req.BlockSize)
		if _, err := d.backend.ReadAt(buf, int64(req.Sector)<<9); err != nil {
			log.WithError(err).Warn("Read for peer failed")
			ack := &protocol.BlockAck{Sector: req.Sector, BlockID: req.BlockID, BlockSize: req.BlockSize}
			cmd := protocol.CmdNegDReply
			if replyCmd == protocol.CmdRSDataReply {
				cmd = protocol.CmdNegRSDReply
			}
			if serr := c.sendMeta(cmd, ack.Marshal()); serr != nil {
				log.WithError(serr).Warn("Could not send negative read reply")
			}
			return
		}
		hdr := &protocol.DataHeader{Sector: req.Sector, BlockID: req.BlockID}
		var body []byte
		if c.integritySize > 0 {
			sum, err := protocol.Digest(c.nc.IntegrityAlg, buf)
			if err == nil {
				body = append(sum, buf...)
			} else {
				body = buf
			}
		} else {
			body = buf
		}
		if err := c.sendData(replyCmd, d.vol, hdr.Marshal(), body); err != nil {
			log.WithError(err).Warn("Could not send read reply")
		}
	})
	return nil
}

// receiveOutOfSync marks a range dirty on behalf of the peer.
func (c *Connection) receiveOutOfSync(pi *protocol.Info, sub []byte) error {
	pd := c.PeerDevice(pi.Volume)
	if pd == nil {
		return errors.Wrapf(errUnknownVolume, "vol %d", pi.Volume)
	}
	var p protocol.BlockDesc
	if err := p.Unmarshal(sub); err != nil {
		return err
	}
	return pd.device.bitmap.SetRange(pd.bitmapIndex, p.Sector, p.BlockSize)
}

// readRequest tracks one read we asked the peer to perform.
type readRequest struct {
	blockID uint64
	result  chan readResult
}

type readResult struct {
	data []byte
	err  error
}

func (rr *readRequest) complete(data []byte, err error) {
	select {
	case rr.result <- readResult{data: data, err: err}:
	default:
	}
}

// takeReadRequest claims the tracker for a block id, if any.
func (c *Connection) takeReadRequest(blockID uint64) *readRequest {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	rr, ok := c.pendingReads[blockID]
	if !ok {
		return nil
	}
	delete(c.pendingReads, blockID)
	return rr
}

// ReadFromPeer requests a block from the peer and waits for the reply,
// used by the resync target and online verify.
func (c *Connection) ReadFromPeer(ctx context.Context, vol int16, sector uint64, size uint32) ([]byte, error) {
	rr := &readRequest{
		blockID: nextReadID(c),
		result:  make(chan readResult, 1),
	}
	c.pendingMu.Lock()
	c.pendingReads[rr.blockID] = rr
	c.pendingMu.Unlock()

	req := &protocol.BlockRequest{Sector: sector, BlockID: rr.blockID, BlockSize: size}
	if err := c.sendData(protocol.CmdDataRequest, vol, req.Marshal(), nil); err != nil {
		c.takeReadRequest(rr.blockID)
		return nil, err
	}
	select {
	case <-ctx.Done():
		c.takeReadRequest(rr.blockID)
		return nil, ctx.Err()
	case res := <-rr.result:
		return res.data, res.err
	}
}

func nextReadID(c *Connection) uint64 {
	return atomic.AddUint64(&c.readID, 1) | 1<<63
}
