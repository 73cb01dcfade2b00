// Package resync moves out-of-sync blocks between peers after a sync
// handshake has picked a direction. The target pulls dirty blocks from
// the source under a configurable rate budget so resynchronisation
// never starves application I/O.
package resync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/dustin/go-humanize"
	"github.com/kevinms/leakybucket-go"
	"github.com/mirrorlabs/blockrepl/repld/bitmap"
	"github.com/mirrorlabs/blockrepl/repld/protocol"
	"github.com/mirrorlabs/blockrepl/repld/receiver"
	"github.com/mirrorlabs/blockrepl/repld/statemachine"
	"github.com/mirrorlabs/blockrepl/shared/params"
	gocache "github.com/patrickmn/go-cache"
	"github.com/paulbellamy/ratecounter"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "resync")

// busyThreshold is the local I/O event rate above which the worker
// backs off to the minimum resync rate.
const busyThreshold = 512

// Service watches the resource state feed and runs one resync loop per
// peer device that becomes a sync target, plus the online-verify
// machinery.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc

	resource *receiver.Resource

	// rate budgets resync traffic per peer; the collector keys by
	// peer node id.
	rate *leakybucket.Collector
	// appIO counts recent local I/O events for the busy heuristic.
	appIO *ratecounter.RateCounter
	// csums caches block digests for checksum-based runs.
	csums *ristretto.Cache
	// oosSeen deduplicates repeated out-of-sync reports.
	oosSeen *gocache.Cache

	// minRate is retuned by sync-param packets; read atomically.
	minRate uint64
	wg      sync.WaitGroup
}

// MinRate returns the current resync rate floor in bytes per second.
func (s *Service) MinRate() uint64 {
	return atomic.LoadUint64(&s.minRate)
}

// Config wires the resync service.
type Config struct {
	Resource *receiver.Resource
}

// NewService builds the resync worker for one resource.
func NewService(ctx context.Context, cfg *Config) (*Service, error) {
	csums, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1 << 16,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	minRate := params.ReplConfig().CMinRate
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		ctx:      ctx,
		cancel:   cancel,
		resource: cfg.Resource,
		// Budget in 4KiB blocks per second, bursting one second.
		rate:    leakybucket.NewCollector(float64(minRate/bitmap.BlockSize), int64(minRate/bitmap.BlockSize), false),
		appIO:   ratecounter.NewRateCounter(time.Second),
		csums:   csums,
		oosSeen: gocache.New(30*time.Second, time.Minute),
		minRate: minRate,
	}, nil
}

// Start subscribes to the state feed and launches resync loops as
// handshakes demand them.
func (s *Service) Start() {
	ch := make(chan interface{}, 16)
	sub := s.resource.StateFeed().Subscribe(ch)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer sub.Unsubscribe()
		for {
			select {
			case <-s.ctx.Done():
				return
			case ev := <-ch:
				s.handleEvent(ev)
			}
		}
	}()
}

// Stop terminates all resync loops.
func (s *Service) Stop() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

// Status implements the service registry health check.
func (s *Service) Status() error { return nil }

// NoteApplicationIO feeds the busy heuristic; the submission path calls
// it for every local request.
func (s *Service) NoteApplicationIO() {
	s.appIO.Incr(1)
}

func (s *Service) handleEvent(ev interface{}) {
	switch e := ev.(type) {
	case *receiver.ResyncStartEvent:
		if !e.Source {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.runTarget(e)
			}()
		}
	case *receiver.SyncParamEvent:
		if e.CMinRate > 0 {
			atomic.StoreUint64(&s.minRate, e.CMinRate)
			log.WithField("cMinRate", humanize.Bytes(e.CMinRate)+"/s").Info("Resync rate retuned")
		}
	}
}

func (s *Service) connectionFor(peer int) *receiver.Connection {
	for _, c := range s.resource.Connections() {
		if c.PeerNodeID() == peer {
			return c
		}
	}
	return nil
}

// runTarget pulls every dirty block of the slot from the sync source,
// then declares the pair established.
func (s *Service) runTarget(ev *receiver.ResyncStartEvent) {
	c := s.connectionFor(ev.Peer)
	if c == nil {
		log.WithField("peer", ev.Peer).Warn("Resync requested for unknown peer")
		return
	}
	pd := c.PeerDevice(ev.Vol)
	if pd == nil {
		return
	}
	d := pd.Device()
	bm := d.Bitmap()
	slot := pd.BitmapIndex()
	key := fmt.Sprintf("%d", ev.Peer)

	total := bm.Weight(slot)
	start := time.Now()
	log.WithFields(logrus.Fields{
		"vol":  ev.Vol,
		"peer": ev.Peer,
		"todo": humanize.Bytes(total * bitmap.BlockSize),
		"bits": total,
	}).Info("Began resync as sync target")
	resyncRuns.Inc()

	var block uint64
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		if pd.ReplState() != statemachine.ReplSyncTarget {
			log.Info("Resync interrupted by state change")
			return
		}

		next, ok := bm.FirstSet(slot, block)
		if !ok {
			break
		}
		block = next

		// Rate limit; when local I/O is busy, stay at the floor.
		for s.rate.Add(key, 1) == 0 {
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
		}
		if s.appIO.Rate() > busyThreshold {
			resyncThrottled.Inc()
			time.Sleep(20 * time.Millisecond)
		}

		sector := next << bitmap.BlockShift
		size := uint32(bitmap.BlockSize)
		if err := s.requestBlock(c, ev.Vol, sector, size); err != nil {
			log.WithError(err).Warn("Resync request failed; waiting for reconnect")
			return
		}
		resyncBlocksRequested.Inc()
		block = next + 1
	}

	// Wait for the in-flight replies to drain the bitmap.
	deadline := time.Now().Add(params.ReplConfig().NetTimeout)
	for bm.Weight(slot) > 0 && time.Now().Before(deadline) {
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}

	took := time.Since(start)
	pd.SetReplState(statemachine.ReplEstablished)
	log.WithFields(logrus.Fields{
		"vol":   ev.Vol,
		"peer":  ev.Peer,
		"moved": humanize.Bytes(total * bitmap.BlockSize),
		"took":  took.Round(time.Millisecond).String(),
	}).Info("Resync done")
}

// requestBlock asks the source for one dirty block.
func (s *Service) requestBlock(c *receiver.Connection, vol int16, sector uint64, size uint32) error {
	return c.SendRSDataRequest(vol, sector, size)
}

// ReportOutOfSync relays a detected divergence, suppressing duplicate
// reports for the same range.
func (s *Service) ReportOutOfSync(c *receiver.Connection, vol int16, sector uint64, size uint32) error {
	key := fmt.Sprintf("%d/%d+%d", vol, sector, size)
	if err := s.oosSeen.Add(key, struct{}{}, gocache.DefaultExpiration); err != nil {
		// Already reported recently.
		return nil
	}
	p := &protocol.BlockDesc{Sector: sector, BlockSize: size}
	return c.SendOutOfSync(vol, p)
}

// VerifyRange compares a sector range against the peer block by block,
// marking divergent blocks out of sync. Local digests are cached so
// repeated runs stay cheap.
func (s *Service) VerifyRange(ctx context.Context, c *receiver.Connection, vol int16, sector uint64, sectors uint64) (uint64, error) {
	pd := c.PeerDevice(vol)
	if pd == nil {
		return 0, errors.New("unknown volume")
	}
	d := pd.Device()
	var diverged uint64

	for off := uint64(0); off < sectors; off += bitmap.BlockSize >> 9 {
		select {
		case <-ctx.Done():
			return diverged, ctx.Err()
		default:
		}
		blockSector := sector + off
		local := make([]byte, bitmap.BlockSize)
		if _, err := d.Backend().ReadAt(local, int64(blockSector)<<9); err != nil {
			return diverged, err
		}

		var localSum []byte
		cacheKey := fmt.Sprintf("%d/%d", vol, blockSector)
		if v, ok := s.csums.Get(cacheKey); ok {
			localSum = v.([]byte)
		} else {
			sum, err := protocol.Digest("crc32c", local)
			if err != nil {
				return diverged, err
			}
			localSum = sum
			s.csums.Set(cacheKey, sum, int64(len(sum)))
		}

		remote, err := c.ReadFromPeer(ctx, vol, blockSector, bitmap.BlockSize)
		if err != nil {
			return diverged, err
		}
		remoteSum, err := protocol.Digest("crc32c", remote)
		if err != nil {
			return diverged, err
		}
		if string(localSum) != string(remoteSum) {
			diverged++
			verifyDivergences.Inc()
			if err := s.ReportOutOfSync(c, vol, blockSector, bitmap.BlockSize); err != nil {
				return diverged, err
			}
			if err := d.Bitmap().SetRange(pd.BitmapIndex(), blockSector, bitmap.BlockSize); err != nil {
				return diverged, err
			}
		}
	}
	return diverged, nil
}
