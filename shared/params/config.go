// Package params defines important configuration options for the
// replication daemon, along with the per-connection network settings
// exchanged during the protocol handshake.
package params

import "time"

// ReplicationConfig contains constants and runtime defaults for the
// replication engine.
type ReplicationConfig struct {
	// Wire constants.
	SectorSize      uint32 // bytes per sector on the wire
	PageSize        uint32 // allocation granularity of the page pool
	MaxBioSize      uint32 // largest single data payload accepted
	HistoryUUIDs    int    // generation history entries kept per device
	MaxPeers        int    // bitmap slots available per device
	ChallengeLen    int    // HMAC challenge payload size
	SharedSecretMax int    // upper bound on the shared secret length

	// Protocol versions understood by this build.
	ProtocolVersionMin int
	ProtocolVersionMax int

	// Timer defaults, overridable per connection via NetConfig.
	PingInterval    time.Duration
	PingTimeout     time.Duration
	ConnectInterval time.Duration
	NetTimeout      time.Duration
	TwoPCTimeout    time.Duration

	// Resource defaults.
	MaxBuffers    int    // page budget per device
	MaxEpochs     int    // upper bound on unfinished epochs per connection
	SubmitRetries int    // resubmission attempts on transient allocation failure
	CMinRate      uint64 // minimum resync rate in bytes/sec reserved for application I/O
}

var replicationConfig = mainnetReplConfig()

func mainnetReplConfig() *ReplicationConfig {
	return &ReplicationConfig{
		SectorSize:      512,
		PageSize:        4096,
		MaxBioSize:      1 << 20,
		HistoryUUIDs:    2,
		MaxPeers:        32,
		ChallengeLen:    64,
		SharedSecretMax: 64,

		ProtocolVersionMin: 80,
		ProtocolVersionMax: 117,

		PingInterval:    10 * time.Second,
		PingTimeout:     500 * time.Millisecond,
		ConnectInterval: 10 * time.Second,
		NetTimeout:      6 * time.Second,
		TwoPCTimeout:    30 * time.Second,

		MaxBuffers:    2048,
		MaxEpochs:     1 << 20,
		SubmitRetries: 3,
		CMinRate:      250 << 10,
	}
}

// ReplConfig retrieves the replication engine config.
func ReplConfig() *ReplicationConfig {
	return replicationConfig
}

// OverrideReplConfig by replacing the config. The preferred pattern is to
// call ReplConfig(), change the specific parameters, and then call
// OverrideReplConfig(c). Any subsequent calls to params.ReplConfig() will
// return this new configuration.
func OverrideReplConfig(c *ReplicationConfig) {
	replicationConfig = c
}
