// Package protocol implements the replication wire protocol: the three
// framing header variants, the command set with its fixed sub-header
// sizes, packet encoding and decoding, and the payload integrity
// digests negotiated between peers.
package protocol

import "fmt"

// Command identifies a packet type on either channel.
type Command uint16

// Commands understood on the data and meta channels. The numeric values
// are part of the wire contract and must never be reordered.
const (
	CmdData             Command = 0x00
	CmdDataReply        Command = 0x01
	CmdRSDataReply      Command = 0x02
	CmdBarrier          Command = 0x03
	CmdBitmap           Command = 0x04
	CmdBecomeSyncTarget Command = 0x05
	CmdBecomeSyncSource Command = 0x06
	CmdUnplugRemote     Command = 0x07
	CmdDataRequest      Command = 0x08
	CmdRSDataRequest    Command = 0x09
	CmdSyncParam        Command = 0x0a
	CmdProtocol         Command = 0x0b
	CmdUUIDs            Command = 0x0c
	CmdSizes            Command = 0x0d
	CmdState            Command = 0x0e
	CmdSyncUUID         Command = 0x0f
	CmdAuthChallenge    Command = 0x10
	CmdAuthResponse     Command = 0x11
	CmdStateChgReq      Command = 0x12

	CmdPing          Command = 0x13
	CmdPingAck       Command = 0x14
	CmdRecvAck       Command = 0x15 // protocol B ack
	CmdWriteAck      Command = 0x16 // protocol C ack
	CmdRSWriteAck    Command = 0x17
	CmdSuperseded    Command = 0x18
	CmdNegAck        Command = 0x19
	CmdNegDReply     Command = 0x1a
	CmdNegRSDReply   Command = 0x1b
	CmdBarrierAck    Command = 0x1c
	CmdStateChgReply Command = 0x1d

	CmdOVRequest        Command = 0x1e
	CmdOVReply          Command = 0x1f
	CmdOVResult         Command = 0x20
	CmdCsumRSRequest    Command = 0x21
	CmdRSIsInSync       Command = 0x22
	CmdSyncParam89      Command = 0x23
	CmdCompressedBitmap Command = 0x24

	CmdDelayProbe     Command = 0x27
	CmdOutOfSync      Command = 0x28
	CmdRSCancel       Command = 0x29
	CmdConnStChgReq   Command = 0x2a
	CmdConnStChgReply Command = 0x2b
	CmdRetryWrite     Command = 0x2c
	CmdProtocolUpdate Command = 0x2d
	CmdTwoPCPrepare   Command = 0x2e
	CmdTwoPCAbort     Command = 0x2f

	CmdDagtag       Command = 0x30
	CmdTrim         Command = 0x31
	CmdPeerAck      Command = 0x32
	CmdPeersInSync  Command = 0x33
	CmdUUIDs110     Command = 0x34
	CmdPeerDagtag   Command = 0x35
	CmdCurrentUUID  Command = 0x36
	CmdTwoPCYes     Command = 0x37
	CmdTwoPCNo      Command = 0x38
	CmdTwoPCRetry   Command = 0x39
	CmdTwoPCCommit  Command = 0x3a
	CmdPriReachable Command = 0x3b

	// Special command codes used before a protocol version is agreed.
	CmdConnectionFeatures Command = 0xfe
	CmdInitialMeta        Command = 0xfff1
	CmdInitialData        Command = 0xfff2
)

var commandNames = map[Command]string{
	CmdData:               "Data",
	CmdDataReply:          "DataReply",
	CmdRSDataReply:        "RSDataReply",
	CmdBarrier:            "Barrier",
	CmdBitmap:             "ReportBitMap",
	CmdBecomeSyncTarget:   "BecomeSyncTarget",
	CmdBecomeSyncSource:   "BecomeSyncSource",
	CmdUnplugRemote:       "UnplugRemote",
	CmdDataRequest:        "DataRequest",
	CmdRSDataRequest:      "RSDataRequest",
	CmdSyncParam:          "SyncParam",
	CmdProtocol:           "ReportProtocol",
	CmdUUIDs:              "ReportUUIDs",
	CmdSizes:              "ReportSizes",
	CmdState:              "ReportState",
	CmdSyncUUID:           "ReportSyncUUID",
	CmdAuthChallenge:      "AuthChallenge",
	CmdAuthResponse:       "AuthResponse",
	CmdStateChgReq:        "StateChgRequest",
	CmdPing:               "Ping",
	CmdPingAck:            "PingAck",
	CmdRecvAck:            "RecvAck",
	CmdWriteAck:           "WriteAck",
	CmdRSWriteAck:         "RSWriteAck",
	CmdSuperseded:         "Superseded",
	CmdNegAck:             "NegAck",
	CmdNegDReply:          "NegDReply",
	CmdNegRSDReply:        "NegRSDReply",
	CmdBarrierAck:         "BarrierAck",
	CmdStateChgReply:      "StateChgReply",
	CmdOVRequest:          "OVRequest",
	CmdOVReply:            "OVReply",
	CmdOVResult:           "OVResult",
	CmdCsumRSRequest:      "CsumRSRequest",
	CmdRSIsInSync:         "RSIsInSync",
	CmdSyncParam89:        "SyncParam89",
	CmdCompressedBitmap:   "CBitmap",
	CmdDelayProbe:         "DelayProbe",
	CmdOutOfSync:          "OutOfSync",
	CmdRSCancel:           "RSCancel",
	CmdConnStChgReq:       "ConnStChgRequest",
	CmdConnStChgReply:     "ConnStChgReply",
	CmdRetryWrite:         "RetryWrite",
	CmdProtocolUpdate:     "ProtocolUpdate",
	CmdTwoPCPrepare:       "TwoPCPrepare",
	CmdTwoPCAbort:         "TwoPCAbort",
	CmdDagtag:             "Dagtag",
	CmdTrim:               "Trim",
	CmdPeerAck:            "PeerAck",
	CmdPeersInSync:        "PeersInSync",
	CmdUUIDs110:           "ReportUUIDs110",
	CmdPeerDagtag:         "PeerDagtag",
	CmdCurrentUUID:        "CurrentUUID",
	CmdTwoPCYes:           "TwoPCYes",
	CmdTwoPCNo:            "TwoPCNo",
	CmdTwoPCRetry:         "TwoPCRetry",
	CmdTwoPCCommit:        "TwoPCCommit",
	CmdPriReachable:       "PriReachable",
	CmdConnectionFeatures: "ConnectionFeatures",
	CmdInitialMeta:        "InitialMeta",
	CmdInitialData:        "InitialData",
}

// String implements fmt.Stringer.
func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Unknown (0x%04x)", uint16(c))
}
