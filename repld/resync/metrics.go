package resync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	resyncRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "replication_resync_runs_total",
			Help: "Count of resync passes started as sync target.",
		},
	)
	resyncBlocksRequested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "replication_resync_blocks_requested_total",
			Help: "Count of dirty blocks requested from the sync source.",
		},
	)
	resyncThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "replication_resync_throttled_total",
			Help: "Count of resync pauses due to busy application I/O.",
		},
	)
	verifyDivergences = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "replication_verify_divergences_total",
			Help: "Count of blocks online verification found divergent.",
		},
	)
)
