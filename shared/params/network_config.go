package params

import "time"

// AfterSplitBrainPolicy enumerates the automatic recovery strategies
// applied after a split brain has been detected.
type AfterSplitBrainPolicy int

// Recovery strategies, a subset of which is valid for each primary count.
const (
	SBDisconnect AfterSplitBrainPolicy = iota
	SBDiscardYoungerPrimary
	SBDiscardOlderPrimary
	SBDiscardZeroChanges
	SBDiscardLeastChanges
	SBDiscardLocal
	SBDiscardRemote
	SBConsensus
	SBDiscardSecondary
	SBCallHelper
	SBViolently
)

// RoleConflictPolicy selects the behavior when a node holding the
// primary role would have to become a sync target.
type RoleConflictPolicy int

// Role conflict strategies.
const (
	RRDisconnect RoleConflictPolicy = iota
	RRCallHelper
	RRViolently
)

// NetConfig carries the per-connection network settings. A copy is
// attached to every connection when it is configured; the single-shot
// DiscardMyData modifier is cleared once a handshake consumes it.
type NetConfig struct {
	PeerAddress string
	BindAddress string
	PeerNodeID  int

	PingInterval    time.Duration
	PingTimeout     time.Duration
	ConnectInterval time.Duration
	Timeout         time.Duration

	TwoPrimaries  bool
	DiscardMyData bool
	Tentative     bool // dry-run connect: report the handshake verdict, do not act
	AlwaysASBP    bool // apply split-brain policies even without current-UUID relation

	WireProtocol int // 1=A (async), 2=B (recv ack), 3=C (write ack)

	AfterSB0p  AfterSplitBrainPolicy
	AfterSB1p  AfterSplitBrainPolicy
	AfterSB2p  AfterSplitBrainPolicy
	RRConflict RoleConflictPolicy

	IntegrityAlg string // "", "crc32c", "sha256", "blake2b"
	CramHMACAlg  string // "", "sha256"
	SharedSecret string

	MaxBuffers int
	SndBufSize int
	RcvBufSize int
}

// DefaultNetConfig returns a NetConfig populated from the engine
// defaults.
func DefaultNetConfig() *NetConfig {
	cfg := ReplConfig()
	return &NetConfig{
		PingInterval:    cfg.PingInterval,
		PingTimeout:     cfg.PingTimeout,
		ConnectInterval: cfg.ConnectInterval,
		Timeout:         cfg.NetTimeout,
		WireProtocol:    3,
		MaxBuffers:      cfg.MaxBuffers,
	}
}
