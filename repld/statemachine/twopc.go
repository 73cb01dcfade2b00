package statemachine

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/mirrorlabs/blockrepl/repld/protocol"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "state")

// recentTIDs bounds the memory spent remembering transactions that have
// already been committed or aborted. Incoming packets are not checked
// against this record: a duplicate prepare of the pending transaction
// is answered from the in-flight state, and commits or aborts that
// arrive with no change pending are ignored.
const recentTIDs = 256

// PeerLink is the slice of a connection the two-phase-commit engine
// needs: an identity, a reply channel and a forwarding channel for
// nested requests.
type PeerLink interface {
	PeerNodeID() int
	SendTwoPCReply(cmd protocol.Command, reply *protocol.TwoPCReply) error
	ForwardTwoPC(cmd protocol.Command, vol int16, req *protocol.TwoPCRequest) error
}

// Applier carries a prepared cluster state change into the local state
// model. It is implemented by the resource.
type Applier interface {
	// PrepareChange computes the local verdict for a proposed change
	// without applying it.
	PrepareChange(req *protocol.TwoPCRequest, vol int16) StateRV
	// CommitChange applies a previously prepared change.
	CommitChange(req *protocol.TwoPCRequest, vol int16) StateRV
	// AbortChange restores the state prior to the prepared change.
	AbortChange(req *protocol.TwoPCRequest, vol int16)
	// Reachability folds the committed primary mask into the local
	// view of the cluster.
	Reachability(primaryNodes uint64)
	// Role returns the current resource role.
	Role() Role
}

// Reply is the engine's record of the transaction in flight.
type Reply struct {
	Vol             int16
	TID             uint32
	InitiatorNodeID int
	TargetNodeID    int
	PrimaryNodes    uint64
	WeakNodes       uint64
	ReachableNodes  uint64
	IsDisconnect    bool
}

type pendingVotes struct {
	waiting map[int]struct{}
	yes     bool
	no      bool
	retry   bool
}

func (v *pendingVotes) record(nodeID int, cmd protocol.Command) {
	delete(v.waiting, nodeID)
	switch cmd {
	case protocol.CmdTwoPCYes:
		v.yes = true
	case protocol.CmdTwoPCNo:
		v.no = true
	case protocol.CmdTwoPCRetry:
		v.retry = true
	}
}

func (v *pendingVotes) verdict() protocol.Command {
	switch {
	case v.no:
		return protocol.CmdTwoPCNo
	case v.retry:
		return protocol.CmdTwoPCRetry
	default:
		return protocol.CmdTwoPCYes
	}
}

// Engine serializes cluster-wide state changes through prepare, commit
// and abort packets, both as an initiator and as a participant that
// forwards nested requests to its other peers.
type Engine struct {
	nodeID  int
	applier Applier
	timeout time.Duration

	mu           sync.Mutex
	twopcWait    *sync.Cond
	remoteChange bool
	current      Reply
	currentReq   protocol.TwoPCRequest
	currentVol   int16
	parent       PeerLink
	timer        *time.Timer
	votes        *pendingVotes
	localVotes   *pendingVotes
	links        map[int]PeerLink
	recent       *lru.Cache
}

// NewEngine creates a two-phase-commit engine for the local node.
func NewEngine(nodeID int, applier Applier, timeout time.Duration) *Engine {
	recent, err := lru.New(recentTIDs)
	if err != nil {
		panic(err) // only fails on non-positive size
	}
	e := &Engine{
		nodeID:  nodeID,
		applier: applier,
		timeout: timeout,
		links:   make(map[int]PeerLink),
		recent:  recent,
	}
	e.twopcWait = sync.NewCond(&e.mu)
	return e
}

// RegisterLink makes a connection visible for nested fan-out.
func (e *Engine) RegisterLink(link PeerLink) {
	e.mu.Lock()
	e.links[link.PeerNodeID()] = link
	e.mu.Unlock()
}

// UnregisterLink removes a connection from nested fan-out. Any vote
// still outstanding from it is treated as retry.
func (e *Engine) UnregisterLink(link PeerLink) {
	e.mu.Lock()
	delete(e.links, link.PeerNodeID())
	if e.votes != nil {
		if _, ok := e.votes.waiting[link.PeerNodeID()]; ok {
			e.votes.record(link.PeerNodeID(), protocol.CmdTwoPCRetry)
		}
	}
	if e.localVotes != nil {
		if _, ok := e.localVotes.waiting[link.PeerNodeID()]; ok {
			e.localVotes.record(link.PeerNodeID(), protocol.CmdTwoPCRetry)
		}
	}
	e.twopcWait.Broadcast()
	e.mu.Unlock()
}

// DirectlyConnected returns the mask of nodes with a registered link,
// including the local node.
func (e *Engine) DirectlyConnected() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	mask := NodeMask(e.nodeID)
	for id := range e.links {
		mask |= NodeMask(id)
	}
	return mask
}

func (e *Engine) replyFromRequest(link PeerLink, vol int16, req *protocol.TwoPCRequest) Reply {
	return Reply{
		Vol:             vol,
		TID:             req.TID,
		InitiatorNodeID: int(req.InitiatorNodeID),
		TargetNodeID:    int(int32(req.TargetNodeID)),
		PrimaryNodes:    req.PrimaryNodes,
		WeakNodes:       req.WeakNodes,
		ReachableNodes:  e.DirectlyConnected(),
	}
}

func (e *Engine) wireReply(r *Reply) *protocol.TwoPCReply {
	return &protocol.TwoPCReply{
		TID:             r.TID,
		InitiatorNodeID: uint32(r.InitiatorNodeID),
		ReachableNodes:  r.ReachableNodes,
		PrimaryNodes:    r.PrimaryNodes,
		WeakNodes:       r.WeakNodes,
	}
}

// ProcessRequest handles an incoming prepare, abort or commit from a
// peer. It replies on the originating link once the local verdict and
// every nested verdict are known.
func (e *Engine) ProcessRequest(link PeerLink, cmd protocol.Command, vol int16, req *protocol.TwoPCRequest) error {
	reply := e.replyFromRequest(link, vol, req)

	e.mu.Lock()
	if e.remoteChange || e.localVotes != nil {
		if e.current.InitiatorNodeID != reply.InitiatorNodeID || e.current.TID != reply.TID {
			e.mu.Unlock()
			if cmd == protocol.CmdTwoPCPrepare {
				log.WithField("tid", reply.TID).Info("Rejecting concurrent remote state change")
				return link.SendTwoPCReply(protocol.CmdTwoPCRetry, e.wireReply(&reply))
			}
			log.WithFields(logrus.Fields{"cmd": cmd.String(), "tid": reply.TID}).Info("Ignoring packet")
			return nil
		}
		if cmd == protocol.CmdTwoPCPrepare {
			// Already prepared this transaction; duplicate packet.
			e.mu.Unlock()
			return link.SendTwoPCReply(protocol.CmdTwoPCYes, e.wireReply(&reply))
		}
	} else {
		if cmd != protocol.CmdTwoPCPrepare {
			// Committed or aborted already.
			e.mu.Unlock()
			log.WithFields(logrus.Fields{"cmd": cmd.String(), "tid": reply.TID}).Debug("Ignoring packet")
			e.applier.Reachability(req.PrimaryNodes)
			return nil
		}
		e.remoteChange = true
	}

	if cmd == protocol.CmdTwoPCPrepare && e.applier.Role() == RolePrimary {
		m := NodeMask(e.nodeID)
		reply.PrimaryNodes |= m
		reply.WeakNodes |= ^(m | reply.ReachableNodes)
	}
	e.current = reply
	e.currentReq = *req
	e.currentVol = vol
	e.mu.Unlock()

	switch cmd {
	case protocol.CmdTwoPCPrepare:
		log.WithField("tid", reply.TID).Info("Preparing remote state change")
		return e.processPrepare(link, vol, req, reply)
	case protocol.CmdTwoPCAbort:
		log.WithField("tid", reply.TID).Info("Aborting remote state change")
		e.forwardNested(link, cmd, vol, req)
		e.applier.AbortChange(req, vol)
		e.finishRemote(req.TID, "abort")
		return nil
	case protocol.CmdTwoPCCommit:
		log.WithFields(logrus.Fields{
			"tid":          reply.TID,
			"primaryNodes": req.PrimaryNodes,
		}).Info("Committing remote state change")
		e.forwardNested(link, cmd, vol, req)
		rv := e.applier.CommitChange(req, vol)
		if rv < RVSuccess {
			log.WithField("rv", rv.String()).Error("Commit of prepared state change failed")
		}
		e.applier.Reachability(req.PrimaryNodes)
		e.finishRemote(req.TID, "commit")
		return nil
	default:
		return errors.Errorf("unexpected cluster state change packet %s", cmd)
	}
}

func (e *Engine) processPrepare(parent PeerLink, vol int16, req *protocol.TwoPCRequest, reply Reply) error {
	rv := e.applier.PrepareChange(req, vol)
	if rv < RVSuccess {
		cmd := protocol.CmdTwoPCNo
		if rv == RVInTransientState {
			cmd = protocol.CmdTwoPCRetry
		}
		e.finishRemote(req.TID, "rejected")
		return parent.SendTwoPCReply(cmd, e.wireReply(&reply))
	}

	e.mu.Lock()
	e.parent = parent
	nested := make([]PeerLink, 0, len(e.links))
	waiting := make(map[int]struct{})
	for id, l := range e.links {
		if id == parent.PeerNodeID() || id == int(req.InitiatorNodeID) {
			continue
		}
		nested = append(nested, l)
		waiting[id] = struct{}{}
	}
	e.votes = &pendingVotes{waiting: waiting}
	e.timer = time.AfterFunc(e.timeout, func() { e.expire(req.TID) })
	e.mu.Unlock()

	for _, l := range nested {
		if err := l.ForwardTwoPC(protocol.CmdTwoPCPrepare, vol, req); err != nil {
			e.mu.Lock()
			e.votes.record(l.PeerNodeID(), protocol.CmdTwoPCRetry)
			e.mu.Unlock()
		}
	}

	e.mu.Lock()
	for e.votes != nil && len(e.votes.waiting) > 0 {
		e.twopcWait.Wait()
	}
	if e.votes == nil {
		// Timed out or aborted while collecting nested votes.
		e.mu.Unlock()
		return nil
	}
	verdict := e.votes.verdict()
	e.votes = nil
	e.mu.Unlock()

	return parent.SendTwoPCReply(verdict, e.wireReply(&reply))
}

func (e *Engine) forwardNested(from PeerLink, cmd protocol.Command, vol int16, req *protocol.TwoPCRequest) {
	e.mu.Lock()
	nested := make([]PeerLink, 0, len(e.links))
	for id, l := range e.links {
		if id == from.PeerNodeID() || id == int(req.InitiatorNodeID) {
			continue
		}
		nested = append(nested, l)
	}
	e.mu.Unlock()
	for _, l := range nested {
		if err := l.ForwardTwoPC(cmd, vol, req); err != nil {
			log.WithError(err).WithField("peer", l.PeerNodeID()).Warn("Could not forward cluster state change")
		}
	}
}

func (e *Engine) finishRemote(tid uint32, outcome string) {
	e.mu.Lock()
	e.remoteChange = false
	e.parent = nil
	e.votes = nil
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.recent.Add(tid, outcome)
	e.twopcWait.Broadcast()
	e.mu.Unlock()
}

// expire fires when the initiator went silent after a prepare; the
// pending change is rolled back so the resource does not stay wedged.
func (e *Engine) expire(tid uint32) {
	e.mu.Lock()
	if !e.remoteChange || e.current.TID != tid {
		e.mu.Unlock()
		return
	}
	req := e.currentReq
	vol := e.currentVol
	e.mu.Unlock()

	log.WithField("tid", tid).Warn("Remote state change timed out, aborting")
	twopcTimeouts.Inc()
	e.applier.AbortChange(&req, vol)
	e.finishRemote(tid, "timeout")
}

// HandleReply feeds a yes, no or retry vote from a peer into whichever
// transaction is waiting on it.
func (e *Engine) HandleReply(link PeerLink, cmd protocol.Command, reply *protocol.TwoPCReply) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current.TID != reply.TID {
		log.WithFields(logrus.Fields{"tid": reply.TID, "cmd": cmd.String()}).Debug("Ignoring unexpected cluster state change reply")
		return
	}
	e.current.ReachableNodes |= reply.ReachableNodes
	e.current.PrimaryNodes |= reply.PrimaryNodes
	e.current.WeakNodes |= reply.WeakNodes
	if e.votes != nil {
		e.votes.record(link.PeerNodeID(), cmd)
	}
	if e.localVotes != nil {
		e.localVotes.record(link.PeerNodeID(), cmd)
	}
	e.twopcWait.Broadcast()
}

// InProgress reports whether a transaction currently occupies the
// resource.
func (e *Engine) InProgress() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remoteChange || e.localVotes != nil
}

// Initiate runs a cluster-wide state change from this node: prepare on
// every link, commit when all peers vote yes, abort otherwise.
func (e *Engine) Initiate(vol int16, req *protocol.TwoPCRequest) StateRV {
	req.InitiatorNodeID = uint32(e.nodeID)

	e.mu.Lock()
	if e.remoteChange || e.localVotes != nil {
		e.mu.Unlock()
		return RVConcurrentChange
	}
	rv := e.applier.PrepareChange(req, vol)
	if rv < RVSuccess {
		e.mu.Unlock()
		return rv
	}
	e.current = Reply{
		Vol:             vol,
		TID:             req.TID,
		InitiatorNodeID: e.nodeID,
		TargetNodeID:    int(int32(req.TargetNodeID)),
		PrimaryNodes:    req.PrimaryNodes,
		WeakNodes:       req.WeakNodes,
		ReachableNodes:  NodeMask(e.nodeID),
	}
	if e.applier.Role() == RolePrimary {
		e.current.PrimaryNodes |= NodeMask(e.nodeID)
	}
	waiting := make(map[int]struct{})
	targets := make([]PeerLink, 0, len(e.links))
	for id, l := range e.links {
		waiting[id] = struct{}{}
		targets = append(targets, l)
	}
	e.localVotes = &pendingVotes{waiting: waiting}
	e.mu.Unlock()

	for _, l := range targets {
		if err := l.ForwardTwoPC(protocol.CmdTwoPCPrepare, vol, req); err != nil {
			e.mu.Lock()
			e.localVotes.record(l.PeerNodeID(), protocol.CmdTwoPCRetry)
			e.mu.Unlock()
		}
	}

	deadline := time.AfterFunc(e.timeout, func() {
		e.mu.Lock()
		if e.localVotes != nil {
			for id := range e.localVotes.waiting {
				e.localVotes.record(id, protocol.CmdTwoPCRetry)
			}
			e.twopcWait.Broadcast()
		}
		e.mu.Unlock()
	})
	defer deadline.Stop()

	e.mu.Lock()
	for len(e.localVotes.waiting) > 0 {
		e.twopcWait.Wait()
	}
	verdict := e.localVotes.verdict()
	req.PrimaryNodes = e.current.PrimaryNodes
	req.WeakNodes = e.current.WeakNodes
	e.localVotes = nil
	e.mu.Unlock()

	outcome := protocol.CmdTwoPCCommit
	rv = RVSuccess
	switch verdict {
	case protocol.CmdTwoPCNo:
		outcome = protocol.CmdTwoPCAbort
		rv = RVUnknownError
	case protocol.CmdTwoPCRetry:
		outcome = protocol.CmdTwoPCAbort
		rv = RVInTransientState
	}

	for _, l := range targets {
		if err := l.ForwardTwoPC(outcome, vol, req); err != nil {
			log.WithError(err).WithField("peer", l.PeerNodeID()).Warn("Could not deliver cluster state change outcome")
		}
	}
	if outcome == protocol.CmdTwoPCCommit {
		if crv := e.applier.CommitChange(req, vol); crv < RVSuccess {
			rv = crv
		}
		e.applier.Reachability(req.PrimaryNodes)
	} else {
		e.applier.AbortChange(req, vol)
	}

	e.mu.Lock()
	e.recent.Add(req.TID, outcome.String())
	e.twopcWait.Broadcast()
	e.mu.Unlock()
	return rv
}
