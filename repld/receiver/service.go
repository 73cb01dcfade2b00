package receiver

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirrorlabs/blockrepl/repld/protocol"
	"github.com/mirrorlabs/blockrepl/repld/statemachine"
	"github.com/mirrorlabs/blockrepl/repld/transport"
	"github.com/mirrorlabs/blockrepl/shared/params"
	"github.com/sirupsen/logrus"
)

// Service runs the replication engine of one resource: it keeps every
// configured peer connection alive, restarting the receiver after
// network failures until the service stops or the connection drops to
// standalone.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc

	resource *Resource
	registry *transport.Registry
	peers    []*params.NetConfig

	wg        sync.WaitGroup
	failCount int32
}

// Config wires a receiver service.
type Config struct {
	Resource *Resource
	Registry *transport.Registry
	Peers    []*params.NetConfig
}

// NewService creates the service; connections start with Start.
func NewService(ctx context.Context, cfg *Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		ctx:      ctx,
		cancel:   cancel,
		resource: cfg.Resource,
		registry: cfg.Registry,
		peers:    cfg.Peers,
	}
}

// Resource exposes the replication aggregate this service runs.
func (s *Service) Resource() *Resource { return s.resource }

// Start spawns one maintenance loop per configured peer.
func (s *Service) Start() {
	for _, nc := range s.peers {
		c := newConnection(s.resource, nc)
		s.wg.Add(1)
		go func(c *Connection) {
			defer s.wg.Done()
			s.maintainConnection(c)
		}(c)
	}
}

// Stop tears every connection down and waits for the loops to exit.
func (s *Service) Stop() error {
	s.cancel()
	for _, c := range s.resource.Connections() {
		atomic.StoreInt32(&c.discExpected, 1)
		if c.cancel != nil {
			c.cancel()
		}
	}
	s.wg.Wait()
	return nil
}

// Status implements the service registry health check.
func (s *Service) Status() error {
	return nil
}

// maintainConnection cycles one connection: connect, run, tear down,
// reconnect, until the service stops or the link goes standalone.
func (s *Service) maintainConnection(c *Connection) {
	nc := c.nc
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		c.changeCState(statemachine.Connecting)
		connector := transport.NewConnector(&transport.Config{
			NodeID:    s.resource.NodeID,
			NetConfig: nc,
			Registry:  s.registry,
		})
		pair, err := connector.Establish(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				c.changeCState(statemachine.StandAlone)
				return
			}
			// Terminal handshake failures give up to standalone.
			log.WithError(err).WithField("peer", nc.PeerAddress).Error("Connection setup failed, going standalone")
			c.changeCState(statemachine.StandAlone)
			return
		}

		if err := s.runConnection(c, pair); err != nil {
			log.WithError(err).Debug("Connection ended")
		}

		if s.ctx.Err() != nil || c.CState() == statemachine.StandAlone {
			return
		}
		connectRetries.Inc()
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(nc.ConnectInterval):
		}
	}
}

// runConnection owns an established pair from handshake to teardown.
func (s *Service) runConnection(c *Connection, pair *transport.Pair) error {
	ctx, cancel := context.WithCancel(s.ctx)
	c.ctx = ctx
	c.cancel = cancel
	defer cancel()

	c.pair = pair
	c.version = pair.AgreedProVersion
	c.features = pair.Features
	c.resolveConflicts = pair.ResolveConflicts
	c.connID = pair.ID
	c.integritySize = 0
	atomic.StoreInt32(&c.discExpected, 0)
	c.touchLastReceived()

	if size, err := protocol.DigestSize(c.nc.IntegrityAlg); err == nil {
		c.integritySize = size
	}

	for _, pd := range c.peerDevices {
		pd.stateReceived = false
		pd.SetReplState(statemachine.ReplOff)
	}

	if err := c.sendInitialState(); err != nil {
		c.teardown()
		return err
	}

	s.resource.engine.RegisterLink(c)
	defer s.resource.engine.UnregisterLink(c)

	c.wg.Add(2)
	go c.asenderLoop()
	go c.workLoop()

	// The connect transaction: the lower node id initiates the
	// cluster-wide transition to connected after a short stagger; the
	// higher side adopts the state when the prepare arrives.
	if c.version >= 110 && s.resource.NodeID < c.peerNodeID {
		time.Sleep(50 * time.Millisecond)
		req := &protocol.TwoPCRequest{
			TID:          nextTID(),
			TargetNodeID: uint32(c.peerNodeID),
			Mask:         uint32(statemachine.MaskConn),
			Val:          uint32(statemachine.PackState(0, statemachine.Connected, 0, 0)),
		}
		if rv := s.resource.engine.Initiate(-1, req); rv < statemachine.RVSuccess {
			log.WithField("rv", rv.String()).Warn("Connect transaction failed")
		}
	}
	c.changeCState(statemachine.Connected)

	log.WithFields(logrus.Fields{
		"conn":    c.connID,
		"peer":    c.nc.PeerAddress,
		"version": c.version,
	}).Info("Connection established")

	c.dispatchLoop(ctx)

	c.teardown()
	c.wg.Wait()
	return nil
}

var tidCounter uint32

func nextTID() uint32 {
	return atomic.AddUint32(&tidCounter, 1)
}

// teardown is the distinguished disconnect path: it stops the asender,
// closes both sockets, drains all peer-request queues with the cleanup
// flag, releases held pages and leaves the connection ready for a
// reconnect.
func (c *Connection) teardown() {
	if c.CState() == statemachine.StandAlone {
		return
	}
	if c.CState() >= statemachine.Connected {
		c.changeCState(statemachine.NetworkFailure)
	}

	// Stop the asender and the worker; close the sockets so blocked
	// reads return.
	if c.cancel != nil {
		c.cancel()
	}
	c.sendMu.Lock()
	c.metaMu.Lock()
	if c.pair != nil {
		c.pair.Close()
		c.pair = nil
	}
	c.metaMu.Unlock()
	c.sendMu.Unlock()

	// Wake everything that may be parked on connection progress.
	for _, pd := range c.peerDevicesSnapshot() {
		pd.seqMu.Lock()
		pd.seqWait.Broadcast()
		pd.seqMu.Unlock()
		pd.SetReplState(statemachine.ReplOff)
	}

	// Drain the four queues with the cleanup flag so every resource
	// releases deterministically.
	r := c.resource
	var cleanupBatch []*PeerRequest
	r.reqMu.Lock()
	for _, d := range r.Devices() {
		for _, q := range []*list.List{d.activeEE, d.syncEE, d.readEE, d.doneEE} {
			for e := q.Front(); e != nil; {
				next := e.Next()
				pr := e.Value.(*PeerRequest)
				if pr.peerDevice.connection == c {
					pr.moveTo(nil)
					cleanupBatch = append(cleanupBatch, pr)
				}
				e = next
			}
		}
		d.reclaimFinishedNetEE()
	}
	r.miscWait.Broadcast()
	r.reqMu.Unlock()

	for _, pr := range cleanupBatch {
		pr.cleanup()
	}

	c.cleanupPendingAcks()
	c.cleanupPeerAckList()
	c.clearEpochs()

	// Fail reads still waiting on the peer.
	c.pendingMu.Lock()
	for id, rr := range c.pendingReads {
		rr.complete(nil, errTeardown)
		delete(c.pendingReads, id)
	}
	c.pendingMu.Unlock()

	if c.CState() > statemachine.Unconnected {
		c.changeCState(statemachine.Unconnected)
	}
	teardowns.Inc()
}

func (c *Connection) peerDevicesSnapshot() []*PeerDevice {
	c.peerDevMu.RLock()
	defer c.peerDevMu.RUnlock()
	out := make([]*PeerDevice, 0, len(c.peerDevices))
	for _, pd := range c.peerDevices {
		out = append(out, pd)
	}
	return out
}
