// Package flags defines daemon-specific runtime flags for the
// replication engine.
package flags

import (
	"github.com/urfave/cli/v2"
)

var (
	// ResourceNameFlag names the replicated resource.
	ResourceNameFlag = &cli.StringFlag{
		Name:  "resource",
		Usage: "Name of the replicated resource",
		Value: "r0",
	}
	// NodeIDFlag is this node's id within the cluster.
	NodeIDFlag = &cli.IntFlag{
		Name:  "node-id",
		Usage: "Cluster-unique node id",
		Value: 0,
	}
	// BindAddrFlag is the local address replication listens on.
	BindAddrFlag = &cli.StringFlag{
		Name:  "bind-addr",
		Usage: "Local address:port for replication traffic",
		Value: "0.0.0.0:7788",
	}
	// PeersFlag lists peers as nodeID=host:port pairs.
	PeersFlag = &cli.StringSliceFlag{
		Name:  "peer",
		Usage: "Peer in the form <node-id>=<host>:<port>; repeat per peer",
	}
	// BackingFileFlag is the local storage to replicate.
	BackingFileFlag = &cli.StringFlag{
		Name:  "backing-file",
		Usage: "Path of the backing file or block device for volume 0",
	}
	// VolumeSizeFlag sizes the backing file when creating it.
	VolumeSizeFlag = &cli.Int64Flag{
		Name:  "volume-size",
		Usage: "Capacity in bytes when the backing file does not exist yet",
		Value: 1 << 30,
	}
	// TwoPrimariesFlag allows both sides to take writes.
	TwoPrimariesFlag = &cli.BoolFlag{
		Name:  "allow-two-primaries",
		Usage: "Enable dual-primary operation with conflict resolution",
	}
	// WireProtocolFlag selects the ack discipline.
	WireProtocolFlag = &cli.IntFlag{
		Name:  "wire-protocol",
		Usage: "Replication protocol: 1 (async), 2 (recv ack), 3 (write ack)",
		Value: 3,
	}
	// SharedSecretFlag enables HMAC peer authentication.
	SharedSecretFlag = &cli.StringFlag{
		Name:  "shared-secret",
		Usage: "Shared secret for HMAC peer authentication",
	}
	// IntegrityAlgFlag enables payload digests.
	IntegrityAlgFlag = &cli.StringFlag{
		Name:  "data-integrity-alg",
		Usage: "Payload digest algorithm: crc32c, sha256, blake2b",
	}
	// DiscardMyDataFlag resolves the next split brain against us.
	DiscardMyDataFlag = &cli.BoolFlag{
		Name:  "discard-my-data",
		Usage: "Single-shot: lose the next split-brain resolution on purpose",
	}
)
