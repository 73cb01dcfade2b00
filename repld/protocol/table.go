package protocol

// HandlerSpec describes the framing contract of one command: the fixed
// sub-header size read eagerly after the framing header, and whether a
// variable payload may follow.
type HandlerSpec struct {
	SubHeaderSize uint32
	ExpectPayload bool
}

// DataChannelSpecs is the dispatch contract of the data socket. An
// entry missing from this table means the command is not valid on the
// data channel.
var DataChannelSpecs = map[Command]HandlerSpec{
	CmdData:             {DataHeaderSize, true},
	CmdDataReply:        {DataHeaderSize, true},
	CmdRSDataReply:      {DataHeaderSize, true},
	CmdBarrier:          {BarrierHeaderSize, false},
	CmdBitmap:           {0, true},
	CmdCompressedBitmap: {0, true},
	CmdUnplugRemote:     {0, false},
	CmdDataRequest:      {BlockRequestSize, false},
	CmdRSDataRequest:    {BlockRequestSize, false},
	CmdSyncParam:        {0, true},
	CmdSyncParam89:      {0, true},
	CmdProtocol:         {ProtocolConfSize, true},
	CmdProtocolUpdate:   {ProtocolConfSize, true},
	CmdUUIDs:            {UUIDsSize, false},
	CmdUUIDs110:         {UUIDs110FixedSize, true},
	CmdSizes:            {SizesSize, false},
	CmdState:            {StateSize, false},
	CmdStateChgReq:      {ReqStateSize, false},
	CmdConnStChgReq:     {ReqStateSize, false},
	CmdSyncUUID:         {UUIDSize, false},
	CmdOVRequest:        {BlockRequestSize, false},
	CmdOVReply:          {BlockRequestSize, true},
	CmdCsumRSRequest:    {BlockRequestSize, true},
	CmdDelayProbe:       {BarrierAckSize, false},
	CmdOutOfSync:        {BlockDescSize, false},
	CmdTwoPCPrepare:     {TwoPCRequestSize, false},
	CmdTwoPCAbort:       {TwoPCRequestSize, false},
	CmdTwoPCCommit:      {TwoPCRequestSize, false},
	CmdDagtag:           {DagtagSize, false},
	CmdPeerDagtag:       {PeerDagtagSize, false},
	CmdCurrentUUID:      {UUIDSize, false},
	CmdPriReachable:     {PriReachableSize, false},
	CmdTrim:             {TrimHeaderSize, false},
}

// MetaChannelSpecs is the dispatch contract of the meta socket. Meta
// packets never carry variable payloads; the full packet size is the
// header plus the sub-header.
var MetaChannelSpecs = map[Command]HandlerSpec{
	CmdPing:           {0, false},
	CmdPingAck:        {0, false},
	CmdRecvAck:        {BlockAckSize, false},
	CmdWriteAck:       {BlockAckSize, false},
	CmdRSWriteAck:     {BlockAckSize, false},
	CmdSuperseded:     {BlockAckSize, false},
	CmdNegAck:         {BlockAckSize, false},
	CmdNegDReply:      {BlockAckSize, false},
	CmdNegRSDReply:    {BlockAckSize, false},
	CmdOVResult:       {BlockAckSize, false},
	CmdBarrierAck:     {BarrierAckSize, false},
	CmdStateChgReply:  {ReqStateReplySize, false},
	CmdConnStChgReply: {ReqStateReplySize, false},
	CmdRSIsInSync:     {BlockAckSize, false},
	CmdDelayProbe:     {BarrierAckSize, false},
	CmdRSCancel:       {BlockAckSize, false},
	CmdRetryWrite:     {BlockAckSize, false},
	CmdPeerAck:        {PeerAckSize, false},
	CmdPeersInSync:    {PeersInSyncSize, false},
	CmdTwoPCYes:       {TwoPCReplySize, false},
	CmdTwoPCNo:        {TwoPCReplySize, false},
	CmdTwoPCRetry:     {TwoPCReplySize, false},
}
