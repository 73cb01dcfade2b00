package receiver

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/mirrorlabs/blockrepl/repld/protocol"
	"github.com/mirrorlabs/blockrepl/repld/statemachine"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// wakeAsender nudges the ack loop to flush done-ee and the peer-ack
// list.
func (c *Connection) wakeAsender() {
	select {
	case c.asenderWake <- struct{}{}:
	default:
	}
}

// asenderLoop consumes the meta socket: acks, pings, state replies. It
// is the only task that completes peer requests and sends acks, and it
// drives the ping round-trip timers.
func (c *Connection) asenderLoop() {
	defer c.wg.Done()

	nc := c.nc
	headerSize := protocol.HeaderSize(c.version)
	pingTimeoutActive := false
	var pi protocol.Info
	var expectSub uint32
	haveHeader := false

	meta := c.pair.Meta
	buf := make([]byte, 0, headerSize+protocol.TwoPCReplySize)

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.asenderWake:
		default:
		}

		if atomic.CompareAndSwapInt32(&c.sendPing, 1, 0) {
			if err := c.sendMeta(protocol.CmdPing, nil); err != nil {
				log.WithError(err).Error("Sending ping has failed")
				c.asenderFailed(statemachine.NetworkFailure)
				return
			}
			pingTimeoutActive = true
		}

		// Flush completed peer requests and the peer-ack fan-out
		// before sleeping on the socket again.
		if err := c.finishPeerRequests(); err != nil {
			log.WithError(err).Error("Finishing peer requests failed")
			c.asenderFailed(statemachine.NetworkFailure)
			return
		}
		if err := c.processPeerAckList(); err != nil {
			c.asenderFailed(statemachine.NetworkFailure)
			return
		}

		timeout := nc.PingInterval
		if pingTimeoutActive {
			timeout = nc.PingTimeout
		}
		if err := meta.Conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			c.asenderFailed(statemachine.NetworkFailure)
			return
		}

		var want int
		if !haveHeader {
			want = headerSize
		} else {
			want = int(expectSub)
		}
		need := want - len(buf)
		chunk := make([]byte, need)
		n, err := meta.R.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}

		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				// No traffic on the meta socket. Fresh data on the
				// data socket proves the peer is alive.
				if time.Since(c.lastReceivedTime()) < timeout {
					continue
				}
				if pingTimeoutActive {
					log.Error("PingAck did not arrive in time")
					c.asenderFailed(statemachine.NetworkFailure)
					return
				}
				atomic.StoreInt32(&c.sendPing, 1)
				continue
			}
			if c.discExpectedFlag() {
				c.asenderFailed(statemachine.Disconnecting)
				return
			}
			log.WithError(err).Error("Meta connection shut down by peer")
			c.asenderFailed(statemachine.NetworkFailure)
			return
		}

		if len(buf) < want {
			continue
		}

		if !haveHeader {
			pi, err = protocol.DecodeHeader(buf, c.version)
			if err != nil {
				c.asenderFailed(statemachine.ProtocolError)
				return
			}
			spec, ok := protocol.MetaChannelSpecs[pi.Cmd]
			if !ok {
				log.WithField("cmd", pi.Cmd.String()).Error("Unexpected meta packet")
				c.asenderFailed(statemachine.Disconnecting)
				return
			}
			if pi.Size != spec.SubHeaderSize {
				log.WithFields(logrus.Fields{
					"cmd":  pi.Cmd.String(),
					"size": pi.Size,
				}).Error("Wrong packet size on meta")
				c.asenderFailed(statemachine.NetworkFailure)
				return
			}
			haveHeader = true
			expectSub = spec.SubHeaderSize
			buf = buf[:0]
			if expectSub > 0 {
				continue
			}
		}

		if err := c.handleMetaPacket(&pi, buf); err != nil {
			log.WithError(err).WithField("cmd", pi.Cmd.String()).Error("Meta packet handler failed")
			c.asenderFailed(statemachine.NetworkFailure)
			return
		}
		c.touchLastReceived()
		packetsReceived.WithLabelValues("meta", pi.Cmd.String()).Inc()

		if pi.Cmd == protocol.CmdPingAck {
			pingTimeoutActive = false
		}
		haveHeader = false
		buf = buf[:0]
	}
}

func (c *Connection) asenderFailed(ns statemachine.ConnState) {
	if c.CState() >= statemachine.Connected {
		c.changeCState(ns)
	}
	c.cancel()
}

// handleMetaPacket dispatches one decoded meta-channel packet.
func (c *Connection) handleMetaPacket(pi *protocol.Info, sub []byte) error {
	switch pi.Cmd {
	case protocol.CmdPing:
		return c.sendMeta(protocol.CmdPingAck, nil)
	case protocol.CmdPingAck:
		return nil
	case protocol.CmdRecvAck, protocol.CmdWriteAck, protocol.CmdRSWriteAck,
		protocol.CmdSuperseded, protocol.CmdRetryWrite:
		return c.gotBlockAck(pi.Cmd, sub)
	case protocol.CmdNegAck:
		return c.gotNegAck(sub)
	case protocol.CmdNegDReply, protocol.CmdNegRSDReply, protocol.CmdRSCancel:
		return c.gotNegReadReply(pi.Cmd, sub)
	case protocol.CmdOVResult:
		return c.gotOVResult(sub)
	case protocol.CmdBarrierAck:
		return c.gotBarrierAck(sub)
	case protocol.CmdStateChgReply, protocol.CmdConnStChgReply:
		return c.gotStateChgReply(sub)
	case protocol.CmdRSIsInSync:
		return c.gotIsInSync(sub)
	case protocol.CmdPeerAck:
		return c.gotPeerAck(sub)
	case protocol.CmdPeersInSync:
		return c.gotPeersInSync(sub)
	case protocol.CmdTwoPCYes, protocol.CmdTwoPCNo, protocol.CmdTwoPCRetry:
		return c.gotTwoPCReply(pi.Cmd, sub)
	case protocol.CmdDelayProbe:
		return nil
	default:
		return errors.Errorf("unhandled meta packet %s", pi.Cmd)
	}
}

// finishPeerRequests drains done-ee through the per-request end
// callbacks, emitting the acks the peers are owed.
func (c *Connection) finishPeerRequests() error {
	var batch []*PeerRequest
	r := c.resource
	r.reqMu.Lock()
	for _, d := range r.Devices() {
		for e := d.doneEE.Front(); e != nil; {
			next := e.Next()
			pr := e.Value.(*PeerRequest)
			if pr.peerDevice.connection == c {
				pr.moveTo(nil)
				batch = append(batch, pr)
			}
			e = next
		}
	}
	r.miscWait.Broadcast()
	r.reqMu.Unlock()

	var firstErr error
	for _, pr := range batch {
		if err := pr.endBlock(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// processPeerAckList fans out one PeerAck per fully acked request.
func (c *Connection) processPeerAckList() error {
	for {
		c.pendingMu.Lock()
		e := c.peerAcks.Front()
		if e == nil {
			c.pendingMu.Unlock()
			return nil
		}
		req := c.peerAcks.Remove(e).(*Request)
		c.pendingMu.Unlock()

		p := &protocol.PeerAck{
			Mask:   atomic.LoadUint64(&req.ackedMask),
			Dagtag: req.dagtag,
		}
		if err := c.sendMeta(protocol.CmdPeerAck, p.Marshal()); err != nil {
			return err
		}
	}
}

// gotBlockAck retires a mirrored write on a positive acknowledgement.
func (c *Connection) gotBlockAck(cmd protocol.Command, sub []byte) error {
	var p protocol.BlockAck
	if err := p.Unmarshal(sub); err != nil {
		return err
	}
	if pd := c.firstPeerDevice(); pd != nil {
		pd.UpdatePeerSeq(p.Seq)
	}

	switch cmd {
	case protocol.CmdSuperseded:
		// Our write lost a two-primary conflict; the peer's version
		// supersedes it, nothing to redo.
		req := c.retirePendingAck(p.BlockID)
		if req != nil {
			req.setState(rqPostponed)
		}
		concurrentWritesResolved.Inc()
	case protocol.CmdRetryWrite:
		req := c.retirePendingAck(p.BlockID)
		if req != nil {
			req.setState(rqPostponed)
			req.restart()
		}
	case protocol.CmdRSWriteAck:
		c.retirePendingAck(p.BlockID)
		if pd := c.firstPeerDevice(); pd != nil {
			if err := pd.device.bitmap.ClearRange(pd.bitmapIndex, p.Sector, p.BlockSize); err != nil {
				return err
			}
		}
	default:
		c.retirePendingAck(p.BlockID)
	}
	return nil
}

// gotNegAck marks the range out of sync: the peer could not apply our
// write.
func (c *Connection) gotNegAck(sub []byte) error {
	var p protocol.BlockAck
	if err := p.Unmarshal(sub); err != nil {
		return err
	}
	if pd := c.firstPeerDevice(); pd != nil {
		pd.UpdatePeerSeq(p.Seq)
		if err := pd.device.bitmap.SetRange(pd.bitmapIndex, p.Sector, p.BlockSize); err != nil {
			return err
		}
	}
	c.retirePendingAck(p.BlockID)
	negAcksReceived.Inc()
	return nil
}

// gotNegReadReply fails a read we asked the peer to perform.
func (c *Connection) gotNegReadReply(cmd protocol.Command, sub []byte) error {
	var p protocol.BlockAck
	if err := p.Unmarshal(sub); err != nil {
		return err
	}
	if rr := c.takeReadRequest(p.BlockID); rr != nil {
		rr.complete(nil, errors.Errorf("peer failed read at sector %d (%s)", p.Sector, cmd))
	}
	return nil
}

// gotOVResult accounts one online-verify block result.
func (c *Connection) gotOVResult(sub []byte) error {
	var p protocol.BlockAck
	if err := p.Unmarshal(sub); err != nil {
		return err
	}
	if p.BlockSize == 0 {
		// Out-of-sync marker from the verify run.
		if pd := c.firstPeerDevice(); pd != nil {
			return pd.device.bitmap.SetRange(pd.bitmapIndex, p.Sector, 4096)
		}
	}
	return nil
}

// gotBarrierAck confirms one of our barriers: the peer has everything
// up to it durable.
func (c *Connection) gotBarrierAck(sub []byte) error {
	var p protocol.BarrierAck
	if err := p.Unmarshal(sub); err != nil {
		return err
	}
	barrierAcksReceived.Inc()
	log.WithFields(logrus.Fields{
		"barrier": p.Barrier,
		"size":    p.SetSize,
	}).Debug("Barrier ack")
	return nil
}

// gotStateChgReply wakes the waiter of a legacy state change request.
func (c *Connection) gotStateChgReply(sub []byte) error {
	var p protocol.ReqStateReply
	if err := p.Unmarshal(sub); err != nil {
		return err
	}
	c.stateMu.Lock()
	c.stateReply = p.RetCode
	c.stateSeen = true
	c.stateWait.Broadcast()
	c.stateMu.Unlock()
	return nil
}

// gotIsInSync clears a range the peer verified as identical.
func (c *Connection) gotIsInSync(sub []byte) error {
	var p protocol.BlockAck
	if err := p.Unmarshal(sub); err != nil {
		return err
	}
	if pd := c.firstPeerDevice(); pd != nil {
		return pd.device.bitmap.ClearRange(pd.bitmapIndex, p.Sector, p.BlockSize)
	}
	return nil
}

// gotPeerAck applies a fan-out ack: every write up to the dagtag is
// settled on the nodes in the mask.
func (c *Connection) gotPeerAck(sub []byte) error {
	var p protocol.PeerAck
	if err := p.Unmarshal(sub); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"mask":   p.Mask,
		"dagtag": p.Dagtag,
	}).Debug("Peer ack")
	return nil
}

// gotPeersInSync clears ranges that third nodes are known to have.
func (c *Connection) gotPeersInSync(sub []byte) error {
	var p protocol.PeersInSync
	if err := p.Unmarshal(sub); err != nil {
		return err
	}
	if pd := c.firstPeerDevice(); pd != nil {
		return pd.device.bitmap.ClearRange(pd.bitmapIndex, p.Sector, p.Size)
	}
	return nil
}

// gotTwoPCReply feeds a cluster state-change vote into the engine.
func (c *Connection) gotTwoPCReply(cmd protocol.Command, sub []byte) error {
	var p protocol.TwoPCReply
	if err := p.Unmarshal(sub); err != nil {
		return err
	}
	c.resource.engine.HandleReply(c, cmd, &p)
	return nil
}

// firstPeerDevice returns the peer device of the lowest volume; block
// acks on the meta channel carry no volume in the legacy framings.
func (c *Connection) firstPeerDevice() *PeerDevice {
	c.peerDevMu.RLock()
	defer c.peerDevMu.RUnlock()
	var best *PeerDevice
	for _, pd := range c.peerDevices {
		if best == nil || pd.device.vol < best.device.vol {
			best = pd
		}
	}
	return best
}
