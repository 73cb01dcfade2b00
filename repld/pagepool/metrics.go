package pagepool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolPagesInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "replication_pool_pages_in_use",
			Help: "Pages currently handed out by the global page pool.",
		},
	)
	allocWaits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "replication_pool_alloc_waits_total",
			Help: "Count of allocations that had to wait for the device page budget.",
		},
	)
)
