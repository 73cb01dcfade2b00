package statemachine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	twopcTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "replication_twopc_timeouts_total",
			Help: "Count of remote state changes rolled back because the initiator went silent.",
		},
	)
)
