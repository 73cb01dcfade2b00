package receiver

import (
	"sync/atomic"

	"github.com/mirrorlabs/blockrepl/repld/backend"
	"github.com/mirrorlabs/blockrepl/repld/protocol"
)

// Epoch flag bits, guarded by the connection epoch lock.
const (
	epHaveBarrierNr uint32 = 1 << iota
	epContainsBarrier
	epBarrierNextIssued
	epBarrierNextDone
	epIsFinishing
)

// Epoch groups the peer writes between two barriers. Writes are
// admitted only into the current epoch; an epoch finishes once all its
// writes are durable and the ordering mode's condition holds, emitting
// exactly one barrier ack.
type Epoch struct {
	barrierNr uint32
	size      int32 // writes admitted
	active    int32 // writes not yet durable
	flags     uint32
}

// Size returns the number of writes admitted into the epoch.
func (e *Epoch) Size() int { return int(atomic.LoadInt32(&e.size)) }

// Active returns the number of admitted writes not yet durable.
func (e *Epoch) Active() int { return int(atomic.LoadInt32(&e.active)) }

// BarrierNr returns the stamped barrier number.
func (e *Epoch) BarrierNr() uint32 { return e.barrierNr }

type epochEvent int

const (
	evPut epochEvent = iota
	evGotBarrierNr
	evBarrierDone
	evBecameLast
)

type finishResult int

const (
	feStillLive finishResult = iota
	feRecycled
	feDestroyed
)

// admitIntoEpoch binds a fresh peer request to the current epoch.
func (c *Connection) admitIntoEpoch(pr *PeerRequest) {
	c.epochMu.Lock()
	e := c.currentEpoch()
	atomic.AddInt32(&e.size, 1)
	atomic.AddInt32(&e.active, 1)
	pr.epoch = e
	c.epochMu.Unlock()
}

func (c *Connection) currentEpoch() *Epoch {
	return c.epochs[len(c.epochs)-1]
}

func (c *Connection) oldestEpoch() *Epoch {
	return c.epochs[0]
}

// mayFinishEpoch applies an epoch event and retires every epoch that
// has become finishable, oldest first. It mirrors the single place all
// epoch accounting runs through.
func (c *Connection) mayFinishEpoch(epoch *Epoch, ev epochEvent, cleanup bool) finishResult {
	rv := feStillLive
	scheduleFlush := false

	c.epochMu.Lock()
	for {
		finish := false
		epochSize := atomic.LoadInt32(&epoch.size)

		switch ev {
		case evPut:
			atomic.AddInt32(&epoch.active, -1)
		case evGotBarrierNr:
			epoch.flags |= epHaveBarrierNr
			// A lone barrier write in the current epoch stops being
			// special once the mode is no longer bio-barrier.
			if epoch.flags&epContainsBarrier != 0 && epochSize == 1 &&
				c.resource.WriteOrderingMode() != OrderingBarrier &&
				epoch == c.currentEpoch() {
				epoch.flags &^= epContainsBarrier
			}
		case evBarrierDone:
			epoch.flags |= epBarrierNextDone
		case evBecameLast:
			// nothing to do
		}

		ordering := c.resource.WriteOrderingMode()
		if epochSize != 0 &&
			atomic.LoadInt32(&epoch.active) == 0 &&
			(epoch.flags&epHaveBarrierNr != 0 || cleanup) &&
			epoch == c.oldestEpoch() &&
			epoch.flags&epIsFinishing == 0 {
			if epoch.flags&epBarrierNextDone != 0 ||
				ordering == OrderingNone ||
				(epochSize == 1 && epoch.flags&epContainsBarrier != 0) ||
				cleanup {
				finish = true
				epoch.flags |= epIsFinishing
			} else if epoch.flags&epBarrierNextIssued == 0 && ordering == OrderingBarrier {
				// Keep the epoch alive across the scheduled flush.
				atomic.AddInt32(&epoch.active, 1)
				scheduleFlush = true
			}
		}

		var next *Epoch
		if finish {
			if !cleanup {
				c.epochMu.Unlock()
				c.sendBarrierAck(epoch.barrierNr, uint32(epochSize))
				c.epochMu.Lock()
			}

			if c.currentEpoch() != epoch {
				next = c.epochs[1]
				c.epochs = c.epochs[1:]
				ev = evBecameLast
				epochsGauge.Dec()
				if rv == feStillLive {
					rv = feDestroyed
				}
			} else {
				epoch.flags = 0
				atomic.StoreInt32(&epoch.size, 0)
				if rv == feStillLive {
					rv = feRecycled
				}
			}
		}

		if next == nil {
			break
		}
		epoch = next
	}
	c.epochMu.Unlock()

	if scheduleFlush {
		flushEpoch := epoch
		c.queueWork(func() {
			c.flushAfterEpoch(flushEpoch)
			c.mayFinishEpoch(flushEpoch, evBarrierDone, false)
			c.mayFinishEpoch(flushEpoch, evPut, false)
		})
	}

	return rv
}

// sendBarrierAck emits one barrier ack on the meta channel, strictly
// after every write of the epoch has become durable.
func (c *Connection) sendBarrierAck(barrierNr, setSize uint32) {
	p := &protocol.BarrierAck{Barrier: barrierNr, SetSize: setSize}
	if err := c.sendMeta(protocol.CmdBarrierAck, p.Marshal()); err != nil {
		log.WithError(err).Warn("Could not send barrier ack")
	}
	barrierAcksSent.Inc()
}

// flushAfterEpoch forces every device of the resource to disk,
// degrading the write ordering if a device cannot flush.
func (c *Connection) flushAfterEpoch(epoch *Epoch) {
	if c.resource.WriteOrderingMode() < OrderingFlush {
		return
	}
	for _, d := range c.resource.Devices() {
		if err := d.backend.Flush(); err != nil {
			if err == backend.ErrNotSupported {
				c.resource.BumpWriteOrdering(OrderingDrain)
			} else {
				log.WithError(err).WithField("vol", d.vol).Error("Flush after epoch failed")
			}
		}
	}
	c.epochMu.Lock()
	epoch.flags |= epBarrierNextIssued
	c.epochMu.Unlock()
}

// receiveBarrier stamps the current epoch with the received barrier
// number, lets the engine finish what it can, and installs a fresh
// epoch for the writes that follow.
func (c *Connection) receiveBarrier(pi *protocol.Info, sub []byte) error {
	var p protocol.BarrierHeader
	if err := p.Unmarshal(sub); err != nil {
		return err
	}

	c.epochMu.Lock()
	c.currentEpoch().barrierNr = p.Barrier
	c.epochMu.Unlock()

	rv := c.mayFinishEpoch(c.epochWithBarrier(), evGotBarrierNr, false)

	switch c.resource.WriteOrderingMode() {
	case OrderingBarrier, OrderingNone:
		if rv == feRecycled {
			return nil
		}
	case OrderingFlush, OrderingDrain:
		if rv == feStillLive {
			c.epochMu.Lock()
			cur := c.currentEpoch()
			cur.flags |= epBarrierNextIssued
			c.epochMu.Unlock()
			c.waitActiveEEEmpty()
			c.flushAfterEpoch(cur)
			rv = c.mayFinishEpoch(cur, evBarrierDone, false)
		}
		if rv == feRecycled {
			return nil
		}
		// The asender sends the acks out; a fresh epoch takes the
		// writes that come in next.
	}

	c.epochMu.Lock()
	if atomic.LoadInt32(&c.currentEpoch().size) != 0 {
		c.epochs = append(c.epochs, &Epoch{})
		epochsGauge.Inc()
	}
	// Otherwise the current epoch was recycled while the barrier was
	// processed; keep using it.
	c.epochMu.Unlock()

	return nil
}

func (c *Connection) epochWithBarrier() *Epoch {
	c.epochMu.Lock()
	defer c.epochMu.Unlock()
	return c.currentEpoch()
}

// waitActiveEEEmpty drains the active queues of every device, which is
// the receiver-visible definition of "all prior writes submitted and
// completed".
func (c *Connection) waitActiveEEEmpty() {
	r := c.resource
	r.reqMu.Lock()
	for _, d := range r.Devices() {
		d.waitEEListEmpty(d.activeEE)
	}
	r.reqMu.Unlock()
}

// waitDoneEEEmpty waits until the asender has retired every durable
// peer request.
func (c *Connection) waitDoneEEEmpty() {
	r := c.resource
	r.reqMu.Lock()
	for _, d := range r.Devices() {
		d.waitEEListEmpty(d.doneEE)
	}
	r.reqMu.Unlock()
}

// clearEpochs resets the epoch list during teardown; the surviving
// epoch keeps nothing.
func (c *Connection) clearEpochs() {
	c.epochMu.Lock()
	dropped := len(c.epochs) - 1
	c.epochs = []*Epoch{{}}
	c.epochMu.Unlock()
	for i := 0; i < dropped; i++ {
		epochsGauge.Dec()
	}
}
