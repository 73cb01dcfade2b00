package receiver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	packetsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replication_packets_received_total",
			Help: "Count of packets received, by channel and command.",
		}, []string{"channel", "command"},
	)
	packetsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replication_packets_sent_total",
			Help: "Count of packets sent, by channel and command.",
		}, []string{"channel", "command"},
	)
	bytesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "replication_data_bytes_received_total",
			Help: "Payload bytes received on the data channel.",
		},
	)
	writesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "replication_peer_writes_total",
			Help: "Count of mirrored writes accepted from peers.",
		},
	)
	resyncBlocksReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "replication_resync_blocks_received_total",
			Help: "Count of resync blocks applied from peers.",
		},
	)
	peerRequestsAllocated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "replication_peer_requests_allocated_total",
			Help: "Count of peer request objects allocated.",
		},
	)
	peerRequestsFreed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "replication_peer_requests_freed_total",
			Help: "Count of peer request objects released.",
		},
	)
	barrierAcksSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "replication_barrier_acks_sent_total",
			Help: "Count of barrier acks emitted.",
		},
	)
	barrierAcksReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "replication_barrier_acks_received_total",
			Help: "Count of barrier acks received.",
		},
	)
	epochsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "replication_epochs",
			Help: "Epochs currently linked on connections.",
		},
	)
	digestMismatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "replication_digest_mismatches_total",
			Help: "Count of payloads whose integrity digest did not match.",
		},
	)
	concurrentWritesResolved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "replication_concurrent_writes_resolved_total",
			Help: "Count of two-primary write conflicts settled.",
		},
	)
	conflictWaits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "replication_conflict_waits_total",
			Help: "Count of waits for overlapping requests to settle.",
		},
	)
	seqWaits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "replication_peer_seq_waits_total",
			Help: "Count of waits on the peer sequence counter.",
		},
	)
	negAcksReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "replication_neg_acks_received_total",
			Help: "Count of negative acknowledgements received.",
		},
	)
	connectRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "replication_connect_retries_total",
			Help: "Count of reconnect attempts after a connection loss.",
		},
	)
	teardowns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "replication_teardowns_total",
			Help: "Count of connection teardowns.",
		},
	)
	connStateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "replication_connection_state",
			Help: "Connection state by resource.",
		}, []string{"resource"},
	)
	replStateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "replication_repl_state",
			Help: "Replication substate by resource.",
		}, []string{"resource"},
	)
	handshakeVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replication_handshake_verdicts_total",
			Help: "Count of sync handshake outcomes by direction.",
		}, []string{"verdict"},
	)
)
