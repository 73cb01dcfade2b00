package receiver

import (
	"github.com/mirrorlabs/blockrepl/repld/intervals"
	"github.com/mirrorlabs/blockrepl/repld/protocol"
	"github.com/mirrorlabs/blockrepl/repld/statemachine"
	"github.com/sirupsen/logrus"
)

// errConflictSettled signals that the conflict resolver consumed the
// request: the ack is already queued and the write must not be
// submitted.
var errConflictSettled = &settledError{}

type settledError struct{}

func (*settledError) Error() string { return "peer write settled by conflict resolution" }

// handleWriteConflicts inserts the peer write into the write-requests
// tree and orders it against every overlapping request. Under the
// resolve-conflicts tie break this side decides: a fully contained
// peer write is superseded, a partial overlap is retried; without the
// tie break we wait for the local request or restart it afterwards.
func (pr *PeerRequest) handleWriteConflicts() error {
	pd := pr.peerDevice
	d := pd.device
	c := pd.connection
	r := d.resource
	resolveConflicts := c.resolveConflicts
	sector := pr.sector
	size := pr.size

	r.reqMu.Lock()
	defer r.reqMu.Unlock()

	// Inserting first prevents new conflicting local requests from
	// starting while we scan.
	d.writeRequests.Insert(&pr.interval)
	pr.setFlag(prInIntervalTree)

repeat:
	var conflicting *conflictOutcome
	d.writeRequests.ForEachOverlap(sector, size, func(i *intervalRef) bool {
		if i == &pr.interval {
			return true
		}
		conflicting = pr.classifyConflict(i, resolveConflicts)
		return conflicting == nil
	})
	if conflicting == nil {
		return nil
	}

	switch conflicting.action {
	case conflictWait:
		conflictWaits.Inc()
		r.miscWait.Wait()
		if c.CState() < statemachine.Connected {
			pr.failPostponedLocked()
			pr.removeIntervalLocked()
			return errTeardown
		}
		goto repeat

	case conflictSettle:
		// The loser's write is answered without being submitted.
		concurrentWritesResolved.Inc()
		pr.ackCmd = conflicting.ack
		pr.removeIntervalLocked()
		pr.moveTo(d.doneEE)
		c.wakeAsender()
		return errConflictSettled
	}
	return nil
}

type conflictAction int

const (
	conflictWait conflictAction = iota
	conflictSettle
)

type conflictOutcome struct {
	action conflictAction
	ack    protocol.Command
}

// intervalRef aliases the tree node type for readability.
type intervalRef = intervals.Interval

// localRequestOf maps an interval back to the local request embedding
// it, or nil for peer intervals.
func localRequestOf(i *intervalRef) *Request {
	if req, ok := i.Owner.(*Request); ok {
		return req
	}
	return nil
}

// classifyConflict decides what to do about one overlapping interval.
// Returns nil when the overlap imposes nothing on us.
func (pr *PeerRequest) classifyConflict(i *intervalRef, resolveConflicts bool) *conflictOutcome {
	c := pr.peerDevice.connection
	sector, size := pr.sector, pr.size

	if !i.Local {
		// A second remote request in the same range: not expected in a
		// two-node setup. Wait for it to complete, then rescan.
		log.WithFields(logrus.Fields{
			"sector": sector,
			"size":   size,
		}).Warn("Overlapping remote intervals, waiting")
		return &conflictOutcome{action: conflictWait}
	}

	req := localRequestOf(i)
	equal := i.Sector == sector && i.Size == size

	if resolveConflicts {
		contained := i.Sector <= sector && i.End() >= pr.interval.End()
		if !equal {
			log.WithFields(logrus.Fields{
				"local":  logrus.Fields{"sector": i.Sector, "size": i.Size},
				"remote": logrus.Fields{"sector": sector, "size": size},
				"winner": map[bool]string{true: "local", false: "remote"}[contained],
			}).Warn("Concurrent writes detected")
		}
		ack := protocol.CmdSuperseded
		if !contained {
			ack = protocol.CmdRetryWrite
		}
		if c.version < 100 {
			// Older peers only understand the discard form.
			ack = protocol.CmdSuperseded
		}
		return &conflictOutcome{action: conflictSettle, ack: ack}
	}

	if !equal {
		log.WithFields(logrus.Fields{
			"local":  logrus.Fields{"sector": i.Sector, "size": i.Size},
			"remote": logrus.Fields{"sector": sector, "size": size},
		}).Warn("Concurrent writes detected")
	}

	if req == nil || req.hasState(rqLocalPending) || !req.hasState(rqPostponed) {
		// The node holding the tie break decides whether the local
		// request is discarded or retried; wait for that decision and
		// for the local write to finish.
		return &conflictOutcome{action: conflictWait}
	}
	// The local request lost and is postponed; remember to restart it
	// once this peer write has completed, and keep scanning.
	pr.setFlag(prRestartRequests)
	return nil
}

// removeIntervalLocked unlinks the request's interval; caller holds the
// request lock.
func (pr *PeerRequest) removeIntervalLocked() {
	if pr.hasFlag(prInIntervalTree) {
		pr.peerDevice.device.writeRequests.Remove(&pr.interval)
		pr.clearFlag(prInIntervalTree)
		pr.peerDevice.device.resource.miscWait.Broadcast()
	}
}

// restartConflictingLocked re-queues every postponed local request
// overlapping this peer write. Caller holds the request lock.
func (pr *PeerRequest) restartConflictingLocked() {
	d := pr.peerDevice.device
	d.writeRequests.ForEachOverlap(pr.sector, pr.size, func(i *intervalRef) bool {
		if i == &pr.interval || !i.Local {
			return true
		}
		if req := localRequestOf(i); req != nil && req.hasState(rqPostponed) {
			req.restart()
		}
		return true
	})
}

// failPostponedLocked fails postponed local requests overlapping this
// peer write when the connection drops mid-conflict. Caller holds the
// request lock.
func (pr *PeerRequest) failPostponedLocked() {
	d := pr.peerDevice.device
	d.writeRequests.ForEachOverlap(pr.sector, pr.size, func(i *intervalRef) bool {
		if i == &pr.interval || !i.Local {
			return true
		}
		if req := localRequestOf(i); req != nil && req.hasState(rqPostponed) {
			req.fail(errTeardown)
		}
		return true
	})
}
