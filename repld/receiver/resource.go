package receiver

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/mirrorlabs/blockrepl/repld/backend"
	"github.com/mirrorlabs/blockrepl/repld/bitmap"
	"github.com/mirrorlabs/blockrepl/repld/intervals"
	"github.com/mirrorlabs/blockrepl/repld/metadata"
	"github.com/mirrorlabs/blockrepl/repld/pagepool"
	"github.com/mirrorlabs/blockrepl/repld/protocol"
	"github.com/mirrorlabs/blockrepl/repld/statemachine"
	"github.com/mirrorlabs/blockrepl/repld/uuids"
	"github.com/mirrorlabs/blockrepl/shared/event"
	"github.com/mirrorlabs/blockrepl/shared/params"
	"github.com/pkg/errors"
)

// WriteOrdering is the method used to keep peer writes ordered on the
// local device. The effective mode only ever degrades.
type WriteOrdering int32

// Ordering modes, weakest first.
const (
	OrderingNone WriteOrdering = iota
	OrderingDrain
	OrderingFlush
	OrderingBarrier
)

var orderingNames = map[WriteOrdering]string{
	OrderingNone:    "none",
	OrderingDrain:   "drain",
	OrderingFlush:   "flush",
	OrderingBarrier: "barrier",
}

// String implements fmt.Stringer.
func (wo WriteOrdering) String() string {
	if n, ok := orderingNames[wo]; ok {
		return n
	}
	return "unknown"
}

// Resource is the top-level replication aggregate: the devices of one
// replicated volume group and the connections serving them. The
// request lock serializes interval-tree and queue mutations across the
// whole resource.
type Resource struct {
	Name   string
	NodeID int

	// reqMu is the resource request lock; it guards the interval
	// trees, the five peer-request queues, local request state bits
	// and the role.
	reqMu    sync.Mutex
	miscWait *sync.Cond // conflict waits, queue drains; tied to reqMu

	role statemachine.Role
	// writeOrdering is read inside the epoch lock; it is atomic so
	// the lock hierarchy stays one-directional.
	writeOrdering int32

	devicesMu sync.RWMutex
	devices   map[int16]*Device

	connsMu     sync.Mutex
	connections []*Connection

	pool      *pagepool.Pool
	meta      *metadata.Store
	engine    *statemachine.Engine
	stateFeed event.Feed

	susp bool
	// pendingChange remembers the state captured by a prepared cluster
	// transition so an abort can restore it.
	pendingChange *preparedChange
}

type preparedChange struct {
	tid  uint32
	vol  int16
	mask statemachine.StateWord
	val  statemachine.StateWord
	prev statemachine.StateWord
}

// ResourceConfig wires a Resource.
type ResourceConfig struct {
	Name     string
	NodeID   int
	Pool     *pagepool.Pool
	Metadata *metadata.Store
}

// NewResource creates a resource with no devices or connections yet.
func NewResource(cfg *ResourceConfig) *Resource {
	r := &Resource{
		Name:          cfg.Name,
		NodeID:        cfg.NodeID,
		role:          statemachine.RoleSecondary,
		writeOrdering: int32(OrderingBarrier),
		devices:       make(map[int16]*Device),
		pool:          cfg.Pool,
		meta:          cfg.Metadata,
	}
	r.miscWait = sync.NewCond(&r.reqMu)
	r.engine = statemachine.NewEngine(cfg.NodeID, r, params.ReplConfig().TwoPCTimeout)
	return r
}

// Engine exposes the cluster state-change engine.
func (r *Resource) Engine() *statemachine.Engine { return r.engine }

// StateFeed delivers state-change notifications to subscribers.
func (r *Resource) StateFeed() *event.Feed { return &r.stateFeed }

// Role returns the resource role.
func (r *Resource) Role() statemachine.Role {
	r.reqMu.Lock()
	defer r.reqMu.Unlock()
	return r.role
}

// SetRole switches the resource role locally.
func (r *Resource) SetRole(role statemachine.Role) {
	r.reqMu.Lock()
	r.role = role
	r.reqMu.Unlock()
}

// WriteOrderingMode returns the effective write ordering.
func (r *Resource) WriteOrderingMode() WriteOrdering {
	return WriteOrdering(atomic.LoadInt32(&r.writeOrdering))
}

// BumpWriteOrdering degrades the effective write ordering to at most
// wo. Upgrades are ignored.
func (r *Resource) BumpWriteOrdering(wo WriteOrdering) {
	for {
		prev := atomic.LoadInt32(&r.writeOrdering)
		if int32(wo) >= prev {
			return
		}
		if atomic.CompareAndSwapInt32(&r.writeOrdering, prev, int32(wo)) {
			log.WithField("method", wo.String()).Info("Method to ensure write ordering")
			return
		}
	}
}

// AddDevice attaches a replicated volume to the resource.
func (r *Resource) AddDevice(vol int16, be backend.Backend) (*Device, error) {
	size, err := be.Size()
	if err != nil {
		return nil, err
	}
	capSectors := uint64(size) >> 9

	cfg := params.ReplConfig()
	d := &Device{
		resource:      r,
		vol:           vol,
		backend:       be,
		capSectors:    capSectors,
		bitmap:        bitmap.New(capSectors, cfg.MaxPeers),
		budget:        pagepool.NewBudget(cfg.MaxBuffers),
		writeRequests: intervals.NewTree(),
		readRequests:  intervals.NewTree(),
		activeEE:      list.New(),
		syncEE:        list.New(),
		readEE:        list.New(),
		doneEE:        list.New(),
		netEE:         list.New(),
		disk:          statemachine.DiskUpToDate,
	}

	gen, err := r.meta.Generation(int(vol))
	if err != nil {
		return nil, err
	}
	if gen == nil {
		gen = &metadata.Generation{
			Current: uuids.JustCreated,
			Bitmap:  make([]uint64, cfg.MaxPeers),
			History: make([]uint64, cfg.HistoryUUIDs),
		}
		if err := r.meta.SaveGeneration(int(vol), gen); err != nil {
			return nil, err
		}
	}
	d.gen = gen

	r.devicesMu.Lock()
	defer r.devicesMu.Unlock()
	if _, dup := r.devices[vol]; dup {
		return nil, errors.Errorf("volume %d already attached", vol)
	}
	r.devices[vol] = d
	return d, nil
}

// Device returns the volume, or nil.
func (r *Resource) Device(vol int16) *Device {
	r.devicesMu.RLock()
	defer r.devicesMu.RUnlock()
	return r.devices[vol]
}

// Devices snapshots the attached devices.
func (r *Resource) Devices() []*Device {
	r.devicesMu.RLock()
	defer r.devicesMu.RUnlock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}

func (r *Resource) addConnection(c *Connection) {
	r.connsMu.Lock()
	r.connections = append(r.connections, c)
	r.connsMu.Unlock()
}

// Connections snapshots the connections of the resource.
func (r *Resource) Connections() []*Connection {
	r.connsMu.Lock()
	defer r.connsMu.Unlock()
	out := make([]*Connection, len(r.connections))
	copy(out, r.connections)
	return out
}

// PrepareChange implements statemachine.Applier: compute the local
// verdict for a proposed cluster state change without applying it.
func (r *Resource) PrepareChange(req *protocol.TwoPCRequest, vol int16) statemachine.StateRV {
	mask := statemachine.StateWord(req.Mask)
	val := statemachine.StateWord(req.Val)

	r.reqMu.Lock()
	defer r.reqMu.Unlock()

	if r.pendingChange != nil {
		return statemachine.RVInTransientState
	}

	prev := statemachine.PackState(r.role, statemachine.Connected, statemachine.DiskUpToDate, statemachine.ReplEstablished)
	if d := r.deviceLocked(vol); d != nil {
		prev = statemachine.PackState(r.role, statemachine.Connected, d.disk, statemachine.ReplEstablished)
	}

	if mask&statemachine.MaskRole != 0 && val.Role() == statemachine.RolePrimary {
		// Refuse a second primary unless the configuration allows it.
		for _, c := range r.Connections() {
			if c.peerRolePrimary() && !c.nc.TwoPrimaries {
				return statemachine.RVTwoPrimaries
			}
		}
		if d := r.deviceLocked(vol); d != nil && d.disk < statemachine.DiskUpToDate {
			return statemachine.RVNoUpToDateDisk
		}
	}

	r.pendingChange = &preparedChange{tid: req.TID, vol: vol, mask: mask, val: val, prev: prev}
	return statemachine.RVSuccess
}

func (r *Resource) deviceLocked(vol int16) *Device {
	r.devicesMu.RLock()
	defer r.devicesMu.RUnlock()
	if vol < 0 {
		return nil
	}
	return r.devices[vol]
}

// CommitChange implements statemachine.Applier: apply a prepared
// change and persist affected device metadata.
func (r *Resource) CommitChange(req *protocol.TwoPCRequest, vol int16) statemachine.StateRV {
	mask := statemachine.StateWord(req.Mask)
	val := statemachine.StateWord(req.Val)

	r.reqMu.Lock()
	if r.pendingChange == nil || r.pendingChange.tid != req.TID {
		// Commit without a prepare: apply anyway, the initiator has
		// decided.
		log.WithField("tid", req.TID).Warn("Committing state change that was not prepared here")
	}
	r.pendingChange = nil
	if mask&statemachine.MaskRole != 0 {
		r.role = val.Role()
	}
	var dev *Device
	if d := r.deviceLocked(vol); d != nil {
		if mask&statemachine.MaskDisk != 0 {
			d.disk = val.Disk()
		}
		dev = d
	}
	r.miscWait.Broadcast()
	r.reqMu.Unlock()

	if dev != nil {
		if err := dev.SyncMetadata(); err != nil {
			log.WithError(err).Error("Could not sync device metadata after state change")
		}
	}

	r.stateFeed.Send(&StateChangeEvent{Resource: r.Name, Mask: uint32(mask), Val: uint32(val)})
	return statemachine.RVSuccess
}

// AbortChange implements statemachine.Applier: restore the state prior
// to a prepared change.
func (r *Resource) AbortChange(req *protocol.TwoPCRequest, vol int16) {
	r.reqMu.Lock()
	r.pendingChange = nil
	r.miscWait.Broadcast()
	r.reqMu.Unlock()
}

// Reachability implements statemachine.Applier.
func (r *Resource) Reachability(primaryNodes uint64) {
	r.connsMu.Lock()
	for _, c := range r.connections {
		c.setPrimaryMask(primaryNodes)
	}
	r.connsMu.Unlock()
}

// StateChangeEvent is published on the state feed after a committed
// transition.
type StateChangeEvent struct {
	Resource string
	Mask     uint32
	Val      uint32
}

// ConnStateEvent is published when a connection changes state.
type ConnStateEvent struct {
	Resource string
	Peer     int
	Old      statemachine.ConnState
	New      statemachine.ConnState
}
