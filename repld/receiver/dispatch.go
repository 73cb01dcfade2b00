package receiver

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/mirrorlabs/blockrepl/repld/protocol"
	"github.com/mirrorlabs/blockrepl/repld/statemachine"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"
)

// dispatchLoop consumes the data socket until the connection dies. Any
// error escalates to protocol-error teardown; a clean remote close
// becomes broken-pipe unless a disconnect was expected.
func (c *Connection) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pi, err := c.readHeader()
		if err != nil {
			c.receiveFailed(err)
			return
		}

		spec, ok := protocol.DataChannelSpecs[pi.Cmd]
		if !ok {
			log.WithFields(logrus.Fields{
				"cmd":  pi.Cmd.String(),
				"size": pi.Size,
			}).Error("Unexpected data packet")
			c.changeCState(statemachine.ProtocolError)
			return
		}
		if pi.Size > spec.SubHeaderSize && !spec.ExpectPayload {
			log.WithFields(logrus.Fields{
				"cmd":  pi.Cmd.String(),
				"size": pi.Size,
			}).Error("No payload expected")
			c.changeCState(statemachine.ProtocolError)
			return
		}

		var sub []byte
		if spec.SubHeaderSize > 0 {
			sub = make([]byte, spec.SubHeaderSize)
			if err := c.recvAll(sub); err != nil {
				c.receiveFailed(err)
				return
			}
			pi.Size -= spec.SubHeaderSize
		}

		start := time.Now()
		if err := c.handlePacket(ctx, &pi, sub); err != nil {
			if err == errTeardown || errors.Cause(err) == context.Canceled {
				return
			}
			log.WithError(err).WithFields(logrus.Fields{
				"cmd":  pi.Cmd.String(),
				"size": pi.Size,
			}).Error("Error receiving packet")
			c.changeCState(statemachine.ProtocolError)
			return
		}
		if took := time.Since(start); took > time.Second {
			log.WithFields(logrus.Fields{
				"cmd":  pi.Cmd.String(),
				"took": took.String(),
			}).Debug("Request took long")
		}
		packetsReceived.WithLabelValues("data", pi.Cmd.String()).Inc()
	}
}

// receiveFailed classifies a dead data socket: short read or reset.
func (c *Connection) receiveFailed(err error) {
	if c.CState() < statemachine.Connected {
		return
	}
	if c.discExpectedFlag() {
		c.changeCState(statemachine.Disconnecting)
		return
	}
	log.WithError(err).Info("Connection lost while receiving")
	c.changeCState(statemachine.BrokenPipe)
}

func (c *Connection) handlePacket(ctx context.Context, pi *protocol.Info, sub []byte) error {
	ctx, span := trace.StartSpan(ctx, "receiver.handlePacket")
	defer span.End()

	switch pi.Cmd {
	case protocol.CmdData, protocol.CmdTrim:
		return c.receiveData(ctx, pi, sub)
	case protocol.CmdDataReply:
		return c.receiveDataReply(ctx, pi, sub)
	case protocol.CmdRSDataReply:
		return c.receiveRSDataReply(ctx, pi, sub)
	case protocol.CmdBarrier:
		return c.receiveBarrier(pi, sub)
	case protocol.CmdDataRequest, protocol.CmdRSDataRequest, protocol.CmdOVRequest,
		protocol.CmdOVReply, protocol.CmdCsumRSRequest:
		return c.receiveDataRequest(ctx, pi, sub)
	case protocol.CmdUnplugRemote:
		// The submission path has no plug to kick; the hint is free.
		return nil
	case protocol.CmdBitmap:
		return c.receiveBitmap(pi)
	case protocol.CmdCompressedBitmap:
		// Bitmap codecs live behind a collaborator; the packet is
		// drained to keep framing and its content is dropped.
		log.Warn("Peer sent compressed bitmap, dropping it")
		return c.drainPacket(pi.Size)
	case protocol.CmdSyncParam, protocol.CmdSyncParam89:
		return c.receiveSyncParam(pi)
	case protocol.CmdProtocol, protocol.CmdProtocolUpdate:
		return c.receiveProtocol(pi, sub)
	case protocol.CmdUUIDs:
		return c.receiveUUIDs(pi, sub)
	case protocol.CmdUUIDs110:
		return c.receiveUUIDs110(pi, sub)
	case protocol.CmdSyncUUID:
		return c.receiveSyncUUID(pi, sub)
	case protocol.CmdCurrentUUID:
		return c.receiveCurrentUUID(pi, sub)
	case protocol.CmdSizes:
		return c.receiveSizes(pi, sub)
	case protocol.CmdState:
		return c.receiveState(ctx, pi, sub)
	case protocol.CmdStateChgReq, protocol.CmdConnStChgReq:
		return c.receiveReqState(pi, sub)
	case protocol.CmdTwoPCPrepare, protocol.CmdTwoPCAbort, protocol.CmdTwoPCCommit:
		return c.receiveTwoPC(pi, sub)
	case protocol.CmdDagtag:
		return c.receiveDagtag(sub)
	case protocol.CmdPeerDagtag:
		return c.receivePeerDagtag(sub)
	case protocol.CmdOutOfSync:
		return c.receiveOutOfSync(pi, sub)
	case protocol.CmdPriReachable:
		return c.receivePriReachable(sub)
	case protocol.CmdDelayProbe:
		// Optional probe we do not evaluate; the sub-header was read,
		// nothing follows.
		return nil
	default:
		// Table and switch disagree; treat like an unknown command
		// but keep the stream framed.
		return c.drainPacket(pi.Size)
	}
}

// receiveProtocol cross-checks the peer's replication settings against
// ours; disagreement is a configuration error worth disconnecting for.
func (c *Connection) receiveProtocol(pi *protocol.Info, sub []byte) error {
	var p protocol.ProtocolConf
	if err := p.Unmarshal(sub); err != nil {
		return err
	}
	peerIntegrity := ""
	if pi.Size > 0 {
		alg := make([]byte, pi.Size)
		if err := c.recvAll(alg); err != nil {
			return err
		}
		peerIntegrity = cString(alg)
	}

	nc := c.nc
	if int(p.Protocol) != nc.WireProtocol {
		log.Errorf("incompatible communication protocols: ours %d, peer %d", nc.WireProtocol, p.Protocol)
		return errProtocol
	}
	if (p.TwoPrimaries != 0) != nc.TwoPrimaries {
		log.Error("incompatible setting of the two-primaries options")
		return errProtocol
	}
	if peerIntegrity != nc.IntegrityAlg {
		log.Errorf("incompatible setting of the data-integrity-alg: ours %q, peer %q", nc.IntegrityAlg, peerIntegrity)
		return errProtocol
	}

	size, err := protocol.DigestSize(nc.IntegrityAlg)
	if err != nil {
		return err
	}
	c.integritySize = size
	return nil
}

// receiveSyncParam updates the resync tuning mid-flight.
func (c *Connection) receiveSyncParam(pi *protocol.Info) error {
	buf := make([]byte, pi.Size)
	if err := c.recvAll(buf); err != nil {
		return err
	}
	var p protocol.SyncParam
	if err := p.Unmarshal(buf); err != nil {
		return err
	}
	c.resource.stateFeed.Send(&SyncParamEvent{
		Resource: c.resource.Name,
		Peer:     c.peerNodeID,
		CMinRate: uint64(p.CMinRate) << 10,
		CMaxRate: uint64(p.CMaxRate) << 10,
	})
	return nil
}

// SyncParamEvent is published when the peer retunes the resync.
type SyncParamEvent struct {
	Resource string
	Peer     int
	CMinRate uint64
	CMaxRate uint64
}

// receiveBitmap loads the peer's dirty bitmap for a volume and answers
// with our own, completing the bitmap exchange phase.
func (c *Connection) receiveBitmap(pi *protocol.Info) error {
	pd := c.PeerDevice(pi.Volume)
	if pd == nil {
		return errors.Wrapf(errUnknownVolume, "vol %d", pi.Volume)
	}
	d := pd.device

	buf := make([]byte, pi.Size)
	if err := c.recvAll(buf); err != nil {
		return err
	}
	peerBits, err := decodeBitmapPages(buf)
	if err != nil {
		return err
	}
	// Merge: anything the peer considers out of sync, we do too.
	if err := d.bitmap.MergeRaw(pd.bitmapIndex, peerBits); err != nil {
		return err
	}

	switch pd.ReplState() {
	case statemachine.ReplWFBitmapT:
		// The target answers with its bitmap, then waits for the
		// source to start.
		if err := c.sendBitmap(d, pd); err != nil {
			return err
		}
		pd.SetReplState(statemachine.ReplWFSyncUUID)
	case statemachine.ReplWFBitmapS:
		pd.SetReplState(statemachine.ReplSyncSource)
		c.resource.stateFeed.Send(&ResyncStartEvent{
			Resource: c.resource.Name,
			Peer:     c.peerNodeID,
			Vol:      d.vol,
			Source:   true,
		})
	default:
		log.WithField("repl", pd.ReplState().String()).Warn("Unexpected bitmap packet in this replication state")
	}
	return nil
}

// ResyncStartEvent asks the resync worker to start moving blocks.
type ResyncStartEvent struct {
	Resource string
	Peer     int
	Vol      int16
	Source   bool
}

// sendBitmap ships our dirty bitmap slot for the peer.
func (c *Connection) sendBitmap(d *Device, pd *PeerDevice) error {
	snap, err := d.bitmap.Snapshot(pd.bitmapIndex)
	if err != nil {
		return err
	}
	return c.sendData(protocol.CmdBitmap, d.vol, nil, encodeBitmapPages(snap))
}

// receiveReqState answers a legacy single-connection state change.
func (c *Connection) receiveReqState(pi *protocol.Info, sub []byte) error {
	var p protocol.ReqState
	if err := p.Unmarshal(sub); err != nil {
		return err
	}
	req := &protocol.TwoPCRequest{Mask: p.Mask, Val: p.Val}
	rv := c.resource.PrepareChange(req, pi.Volume)
	if rv == statemachine.RVSuccess {
		rv = c.resource.CommitChange(req, pi.Volume)
	}
	reply := &protocol.ReqStateReply{RetCode: uint32(rv)}
	cmd := protocol.CmdStateChgReply
	if pi.Cmd == protocol.CmdConnStChgReq {
		cmd = protocol.CmdConnStChgReply
	}
	return c.sendMeta(cmd, reply.Marshal())
}

// receiveTwoPC forwards cluster state changes into the engine.
func (c *Connection) receiveTwoPC(pi *protocol.Info, sub []byte) error {
	var p protocol.TwoPCRequest
	if err := p.Unmarshal(sub); err != nil {
		return err
	}
	return c.resource.engine.ProcessRequest(c, pi.Cmd, pi.Volume, &p)
}

// receiveDagtag synchronizes our cursor of the peer's write stream.
func (c *Connection) receiveDagtag(sub []byte) error {
	var p protocol.Dagtag
	if err := p.Unmarshal(sub); err != nil {
		return err
	}
	c.lastDagtag = p.Dagtag
	return nil
}

// receivePeerDagtag logs how far a third node had caught up with the
// peer; the value is not acted on.
func (c *Connection) receivePeerDagtag(sub []byte) error {
	var p protocol.PeerDagtag
	if err := p.Unmarshal(sub); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"node":   p.NodeID,
		"dagtag": p.Dagtag,
	}).Debug("Peer dagtag received")
	return nil
}

// receivePriReachable folds the primary reachability mask into every
// connection.
func (c *Connection) receivePriReachable(sub []byte) error {
	var p protocol.PriReachable
	if err := p.Unmarshal(sub); err != nil {
		return err
	}
	c.resource.Reachability(p.PrimaryNodes)
	return nil
}

func (c *Connection) discExpectedFlag() bool {
	return atomic.LoadInt32(&c.discExpected) != 0
}

// cString trims a NUL-padded wire string.
func cString(b []byte) string {
	for i, ch := range b {
		if ch == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Bitmap transfers ship the serialized slot as-is; the version byte up
// front leaves room for the compressed encodings of the collaborator.
func encodeBitmapPages(snap []byte) []byte {
	return append([]byte{0}, snap...)
}

func decodeBitmapPages(buf []byte) ([]byte, error) {
	if len(buf) < 1 {
		return nil, errors.New("empty bitmap transfer")
	}
	if buf[0] != 0 {
		return nil, errors.Errorf("unknown bitmap encoding %d", buf[0])
	}
	return buf[1:], nil
}
