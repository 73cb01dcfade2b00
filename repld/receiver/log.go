// Package receiver implements the per-connection replication engine:
// the data-channel dispatch loop, the write-epoch and barrier
// machinery, the peer-request lifecycle from allocation through
// submission to acknowledgement, the conflict resolver for two-primary
// operation, and the asender loop that consumes the meta channel.
package receiver

import "github.com/sirupsen/logrus"

var log = logrus.WithField("prefix", "receiver")
