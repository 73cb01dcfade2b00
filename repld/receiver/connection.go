package receiver

import (
	"container/list"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirrorlabs/blockrepl/repld/protocol"
	"github.com/mirrorlabs/blockrepl/repld/statemachine"
	"github.com/mirrorlabs/blockrepl/repld/transport"
	"github.com/mirrorlabs/blockrepl/shared/params"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Connection is one peer link: the socket pair, the negotiated
// protocol, the epoch list, the receiver and asender tasks and the
// bookkeeping both need.
type Connection struct {
	resource   *Resource
	nc         *params.NetConfig
	peerNodeID int

	pair     *transport.Pair
	version  int
	features uint32
	// resolveConflicts is the two-primary tie break, set on the side
	// that accepted the peer's initial meta packet.
	resolveConflicts bool

	cstate int32 // statemachine.ConnState

	// sendMu serializes data-socket writes, metaMu meta-socket writes.
	sendMu sync.Mutex
	metaMu sync.Mutex

	epochMu sync.Mutex
	epochs  []*Epoch

	peerDevMu   sync.RWMutex
	peerDevices map[int16]*PeerDevice

	// peerRequests is the receive-order list of live peer requests,
	// under the resource request lock.
	peerRequests *list.List

	// Local requests awaiting acks from this peer, by block id, and
	// reads we asked the peer to perform.
	pendingMu    sync.Mutex
	pendingAcks  map[uint64]*Request
	pendingReads map[uint64]*readRequest
	peerAcks     *list.List // fully acked requests pending a PeerAck send
	readID       uint64

	// integritySize is the negotiated payload digest length, zero when
	// digests are off.
	integritySize int

	lastReceived int64 // unix nanos, atomic
	sendPing     int32
	discExpected int32
	primaryMask  uint64

	lastDagtag    uint64 // peer write-stream cursor, receiver only
	currentDagtag uint64 // local write-stream cursor, atomic
	ackSeq        uint32 // sequence stamped onto outgoing acks
	dataSeq       uint32 // sequence stamped onto outgoing writes

	unacked int32

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	work        chan func()
	asenderWake chan struct{}

	// pingWait wakes waiters when the connection state drops below
	// connected.
	pingWait *sync.Cond
	// stateWait wakes legacy state-change waiters.
	stateWait  *sync.Cond
	stateMu    sync.Mutex
	stateReply uint32
	stateSeen  bool

	connID string
}

func newConnection(r *Resource, nc *params.NetConfig) *Connection {
	c := &Connection{
		resource:     r,
		nc:           nc,
		peerNodeID:   nc.PeerNodeID,
		cstate:       int32(statemachine.StandAlone),
		epochs:       []*Epoch{{}},
		peerDevices:  make(map[int16]*PeerDevice),
		peerRequests: list.New(),
		pendingAcks:  make(map[uint64]*Request),
		pendingReads: make(map[uint64]*readRequest),
		peerAcks:     list.New(),
		work:         make(chan func(), 64),
		asenderWake:  make(chan struct{}, 1),
	}
	c.pingWait = sync.NewCond(&c.stateMu)
	c.stateWait = sync.NewCond(&c.stateMu)
	for _, d := range r.Devices() {
		c.peerDevices[d.vol] = newPeerDevice(c, d)
	}
	r.addConnection(c)
	return c
}

// PeerNodeID implements statemachine.PeerLink.
func (c *Connection) PeerNodeID() int { return c.peerNodeID }

// SendTwoPCReply implements statemachine.PeerLink.
func (c *Connection) SendTwoPCReply(cmd protocol.Command, reply *protocol.TwoPCReply) error {
	return c.sendMeta(cmd, reply.Marshal())
}

// ForwardTwoPC implements statemachine.PeerLink.
func (c *Connection) ForwardTwoPC(cmd protocol.Command, vol int16, req *protocol.TwoPCRequest) error {
	return c.sendData(cmd, vol, req.Marshal(), nil)
}

// CState returns the connection state.
func (c *Connection) CState() statemachine.ConnState {
	return statemachine.ConnState(atomic.LoadInt32(&c.cstate))
}

// changeCState moves the connection to a new state and notifies
// subscribers. Hard changes apply unconditionally.
func (c *Connection) changeCState(ns statemachine.ConnState) {
	os := statemachine.ConnState(atomic.SwapInt32(&c.cstate, int32(ns)))
	if os == ns {
		return
	}
	log.WithFields(logrus.Fields{
		"conn": c.connID,
		"peer": c.peerNodeID,
		"from": os.String(),
		"to":   ns.String(),
	}).Info("Connection state change")
	connStateGauge.WithLabelValues(c.resource.Name).Set(float64(ns))
	c.resource.stateFeed.Send(&ConnStateEvent{Resource: c.resource.Name, Peer: c.peerNodeID, Old: os, New: ns})
	if ns < statemachine.Connected {
		c.stateMu.Lock()
		c.pingWait.Broadcast()
		c.stateWait.Broadcast()
		c.stateMu.Unlock()
		c.resource.reqMu.Lock()
		c.resource.miscWait.Broadcast()
		c.resource.reqMu.Unlock()
	}
}

// PeerDevice returns the peer device for a volume.
func (c *Connection) PeerDevice(vol int16) *PeerDevice {
	c.peerDevMu.RLock()
	defer c.peerDevMu.RUnlock()
	return c.peerDevices[vol]
}

func (c *Connection) peerRolePrimary() bool {
	c.peerDevMu.RLock()
	defer c.peerDevMu.RUnlock()
	for _, pd := range c.peerDevices {
		if pd.PeerRole() == statemachine.RolePrimary {
			return true
		}
	}
	return false
}

func (c *Connection) setPrimaryMask(mask uint64) {
	atomic.StoreUint64(&c.primaryMask, mask)
}

func (c *Connection) touchLastReceived() {
	atomic.StoreInt64(&c.lastReceived, time.Now().UnixNano())
}

func (c *Connection) lastReceivedTime() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastReceived))
}

// sendData frames and writes one packet on the data socket.
func (c *Connection) sendData(cmd protocol.Command, vol int16, sub, payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.pair == nil {
		return errTeardown
	}
	body := sub
	if len(payload) > 0 {
		body = append(append(make([]byte, 0, len(sub)+len(payload)), sub...), payload...)
	}
	if err := protocol.WritePacket(c.pair.Data.Conn, c.version, vol, cmd, body); err != nil {
		return err
	}
	packetsSent.WithLabelValues("data", cmd.String()).Inc()
	return nil
}

// sendMeta frames and writes one packet on the meta socket. Acks and
// replies travel here so they never queue behind bulk data.
func (c *Connection) sendMeta(cmd protocol.Command, sub []byte) error {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	if c.pair == nil {
		return errTeardown
	}
	if err := protocol.WritePacket(c.pair.Meta.Conn, c.version, 0, cmd, sub); err != nil {
		return err
	}
	packetsSent.WithLabelValues("meta", cmd.String()).Inc()
	return nil
}

// queueWork hands a closure to the connection worker. Falls back to
// running it on a goroutine of its own when the worker queue is full.
func (c *Connection) queueWork(fn func()) {
	select {
	case c.work <- fn:
	default:
		go fn()
	}
}

func (c *Connection) workLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case fn := <-c.work:
			fn()
		}
	}
}

// recvAll reads exactly len(buf) bytes from the data socket.
func (c *Connection) recvAll(buf []byte) error {
	if _, err := io.ReadFull(c.pair.Data.R, buf); err != nil {
		return err
	}
	c.touchLastReceived()
	return nil
}

// drainPacket discards size payload bytes to preserve framing when a
// packet is skipped.
func (c *Connection) drainPacket(size uint32) error {
	if size == 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, c.pair.Data.R, int64(size))
	return err
}

// readHeader reads one framing header off the data socket.
func (c *Connection) readHeader() (protocol.Info, error) {
	pi, err := protocol.ReadHeader(c.pair.Data.R, c.version)
	if err != nil {
		return pi, err
	}
	c.touchLastReceived()
	return pi, nil
}

// nextDagtag advances the local write-stream cursor by the byte size
// of a write.
func (c *Connection) nextDagtag(size uint32) uint64 {
	return atomic.AddUint64(&c.currentDagtag, uint64(size))
}

// sendInitialState pushes our protocol settings, generation ids, sizes
// and state right after the handshake, before normal dispatch starts.
func (c *Connection) sendInitialState() error {
	nc := c.nc
	conf := &protocol.ProtocolConf{
		Protocol:  uint32(nc.WireProtocol),
		AfterSB0p: uint32(nc.AfterSB0p),
		AfterSB1p: uint32(nc.AfterSB1p),
		AfterSB2p: uint32(nc.AfterSB2p),
	}
	if nc.TwoPrimaries {
		conf.TwoPrimaries = 1
	}
	if err := c.sendData(protocol.CmdProtocol, -1, conf.Marshal(), []byte(nc.IntegrityAlg)); err != nil {
		return err
	}

	for _, d := range c.resource.Devices() {
		if err := c.sendUUIDs(d); err != nil {
			return err
		}
		sizes := &protocol.Sizes{
			DiskSize:    d.capSectors,
			CurrentSize: d.capSectors,
			MaxBioSize:  params.ReplConfig().MaxBioSize,
		}
		if err := c.sendData(protocol.CmdSizes, d.vol, sizes.Marshal(), nil); err != nil {
			return err
		}
		st := &protocol.State{State: uint32(statemachine.PackState(
			c.resource.Role(), c.CState(), d.DiskState(), statemachine.ReplOff))}
		if err := c.sendData(protocol.CmdState, d.vol, st.Marshal(), nil); err != nil {
			return err
		}
	}
	return nil
}

// SendRSDataRequest asks the peer for one out-of-sync block; the reply
// arrives as resync data and is applied by the receiver.
func (c *Connection) SendRSDataRequest(vol int16, sector uint64, size uint32) error {
	req := &protocol.BlockRequest{Sector: sector, BlockID: sector, BlockSize: size}
	return c.sendData(protocol.CmdRSDataRequest, vol, req.Marshal(), nil)
}

// SendOutOfSync tells the peer a range of ours diverged.
func (c *Connection) SendOutOfSync(vol int16, p *protocol.BlockDesc) error {
	return c.sendData(protocol.CmdOutOfSync, vol, p.Marshal(), nil)
}

// sendUUIDs transmits the generation identifiers of one device in the
// format the agreed protocol understands.
func (c *Connection) sendUUIDs(d *Device) error {
	pd := c.PeerDevice(d.vol)
	if pd == nil {
		return errors.Wrapf(errUnknownVolume, "vol %d", d.vol)
	}
	c.resource.reqMu.Lock()
	gen := d.gen
	var flags uint64
	if d.crashedPrimary {
		flags |= protocol.UUIDFlagCrashedPrimary
	}
	if c.nc.DiscardMyData {
		flags |= protocol.UUIDFlagDiscardMyData
	}
	if d.disk == statemachine.DiskInconsistent {
		flags |= protocol.UUIDFlagInconsistent
	}

	if c.version >= 110 {
		p := &protocol.UUIDs110{
			Flags:   flags,
			Current: gen.Current,
		}
		for i, u := range gen.Bitmap {
			if owner, ok := pd.slotOwners[i]; ok {
				p.BitmapUUIDsMask |= statemachine.NodeMask(owner)
				p.BitmapUUIDs = append(p.BitmapUUIDs, u)
			}
		}
		p.History = append([]uint64(nil), gen.History...)
		c.resource.reqMu.Unlock()
		return c.sendData(protocol.CmdUUIDs110, d.vol, p.Marshal(), nil)
	}

	p := &protocol.UUIDs{
		Current: gen.Current,
		Bitmap:  gen.Bitmap[pd.bitmapIndex],
		Flags:   flags,
	}
	if len(gen.History) > 0 {
		p.History[0] = gen.History[0]
	}
	if len(gen.History) > 1 {
		p.History[1] = gen.History[1]
	}
	c.resource.reqMu.Unlock()
	return c.sendData(protocol.CmdUUIDs, d.vol, p.Marshal(), nil)
}
