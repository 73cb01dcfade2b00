package protocol

import (
	"encoding/binary"
	"math/bits"

	"github.com/pkg/errors"
)

// Data-packet flags carried in the DataHeader DPFlags field.
const (
	DPHardBarrier uint32 = 1 << iota
	DPRWSync
	DPMaySetInSync
	DPUnplug
	DPFua
	DPFlush
	DPDiscard
)

// UUID flag bits exchanged alongside generation identifiers.
const (
	UUIDFlagCrashedPrimary uint64 = 1 << iota
	UUIDFlagDiscardMyData
	UUIDFlagInconsistent
	UUIDFlagSkipInitialSync
	UUIDFlagNewDatagen
)

// ErrShortPacket indicates a sub-header smaller than its fixed layout.
var ErrShortPacket = errors.New("short packet")

// DataHeader is the fixed sub-header of Data, DataReply and RSDataReply
// packets; the write payload follows.
type DataHeader struct {
	Sector  uint64
	BlockID uint64
	Seq     uint32
	DPFlags uint32
}

// DataHeaderSize is the wire size of DataHeader.
const DataHeaderSize = 24

// Marshal encodes the sub-header into wire form.
func (p *DataHeader) Marshal() []byte {
	b := make([]byte, DataHeaderSize)
	binary.BigEndian.PutUint64(b[0:8], p.Sector)
	binary.BigEndian.PutUint64(b[8:16], p.BlockID)
	binary.BigEndian.PutUint32(b[16:20], p.Seq)
	binary.BigEndian.PutUint32(b[20:24], p.DPFlags)
	return b
}

// Unmarshal decodes the sub-header from wire form.
func (p *DataHeader) Unmarshal(b []byte) error {
	if len(b) < DataHeaderSize {
		return ErrShortPacket
	}
	p.Sector = binary.BigEndian.Uint64(b[0:8])
	p.BlockID = binary.BigEndian.Uint64(b[8:16])
	p.Seq = binary.BigEndian.Uint32(b[16:20])
	p.DPFlags = binary.BigEndian.Uint32(b[20:24])
	return nil
}

// TrimHeader is a DataHeader followed by the logical size of the
// discarded range; trims carry no payload.
type TrimHeader struct {
	DataHeader
	TrimSize uint32
}

// TrimHeaderSize is the wire size of TrimHeader.
const TrimHeaderSize = DataHeaderSize + 4

// Marshal encodes the sub-header into wire form.
func (p *TrimHeader) Marshal() []byte {
	b := make([]byte, TrimHeaderSize)
	copy(b, p.DataHeader.Marshal())
	binary.BigEndian.PutUint32(b[24:28], p.TrimSize)
	return b
}

// Unmarshal decodes the sub-header from wire form.
func (p *TrimHeader) Unmarshal(b []byte) error {
	if len(b) < TrimHeaderSize {
		return ErrShortPacket
	}
	if err := p.DataHeader.Unmarshal(b); err != nil {
		return err
	}
	p.TrimSize = binary.BigEndian.Uint32(b[24:28])
	return nil
}

// BarrierHeader carries the monotonic barrier number opening a new
// write epoch.
type BarrierHeader struct {
	Barrier uint32
}

// BarrierHeaderSize is the wire size of BarrierHeader.
const BarrierHeaderSize = 8

// Marshal encodes the sub-header into wire form.
func (p *BarrierHeader) Marshal() []byte {
	b := make([]byte, BarrierHeaderSize)
	binary.BigEndian.PutUint32(b[0:4], p.Barrier)
	return b
}

// Unmarshal decodes the sub-header from wire form.
func (p *BarrierHeader) Unmarshal(b []byte) error {
	if len(b) < BarrierHeaderSize {
		return ErrShortPacket
	}
	p.Barrier = binary.BigEndian.Uint32(b[0:4])
	return nil
}

// BarrierAck confirms that every write of the named epoch has become
// durable on the receiving side.
type BarrierAck struct {
	Barrier uint32
	SetSize uint32
}

// BarrierAckSize is the wire size of BarrierAck.
const BarrierAckSize = 8

// Marshal encodes the sub-header into wire form.
func (p *BarrierAck) Marshal() []byte {
	b := make([]byte, BarrierAckSize)
	binary.BigEndian.PutUint32(b[0:4], p.Barrier)
	binary.BigEndian.PutUint32(b[4:8], p.SetSize)
	return b
}

// Unmarshal decodes the sub-header from wire form.
func (p *BarrierAck) Unmarshal(b []byte) error {
	if len(b) < BarrierAckSize {
		return ErrShortPacket
	}
	p.Barrier = binary.BigEndian.Uint32(b[0:4])
	p.SetSize = binary.BigEndian.Uint32(b[4:8])
	return nil
}

// BlockAck acknowledges a single block on the meta channel. The block
// id is the opaque value from the originating data packet, echoed back.
type BlockAck struct {
	Sector    uint64
	BlockID   uint64
	BlockSize uint32
	Seq       uint32
}

// BlockAckSize is the wire size of BlockAck.
const BlockAckSize = 24

// Marshal encodes the sub-header into wire form.
func (p *BlockAck) Marshal() []byte {
	b := make([]byte, BlockAckSize)
	binary.BigEndian.PutUint64(b[0:8], p.Sector)
	binary.BigEndian.PutUint64(b[8:16], p.BlockID)
	binary.BigEndian.PutUint32(b[16:20], p.BlockSize)
	binary.BigEndian.PutUint32(b[20:24], p.Seq)
	return b
}

// Unmarshal decodes the sub-header from wire form.
func (p *BlockAck) Unmarshal(b []byte) error {
	if len(b) < BlockAckSize {
		return ErrShortPacket
	}
	p.Sector = binary.BigEndian.Uint64(b[0:8])
	p.BlockID = binary.BigEndian.Uint64(b[8:16])
	p.BlockSize = binary.BigEndian.Uint32(b[16:20])
	p.Seq = binary.BigEndian.Uint32(b[20:24])
	return nil
}

// BlockRequest asks the peer to read a block on our behalf, for resync
// or online verification.
type BlockRequest struct {
	Sector    uint64
	BlockID   uint64
	BlockSize uint32
}

// BlockRequestSize is the wire size of BlockRequest.
const BlockRequestSize = 24

// Marshal encodes the sub-header into wire form.
func (p *BlockRequest) Marshal() []byte {
	b := make([]byte, BlockRequestSize)
	binary.BigEndian.PutUint64(b[0:8], p.Sector)
	binary.BigEndian.PutUint64(b[8:16], p.BlockID)
	binary.BigEndian.PutUint32(b[16:20], p.BlockSize)
	return b
}

// Unmarshal decodes the sub-header from wire form.
func (p *BlockRequest) Unmarshal(b []byte) error {
	if len(b) < BlockRequestSize {
		return ErrShortPacket
	}
	p.Sector = binary.BigEndian.Uint64(b[0:8])
	p.BlockID = binary.BigEndian.Uint64(b[8:16])
	p.BlockSize = binary.BigEndian.Uint32(b[16:20])
	return nil
}

// ConnectionFeatures is exchanged on the data socket before anything
// else; it pins the protocol version window and the node identities.
type ConnectionFeatures struct {
	ProtocolMin    uint32
	FeatureFlags   uint32
	ProtocolMax    uint32
	SenderNodeID   uint32
	ReceiverNodeID uint32
}

// ConnectionFeaturesSize is the wire size of ConnectionFeatures.
const ConnectionFeaturesSize = 20

// Marshal encodes the sub-header into wire form.
func (p *ConnectionFeatures) Marshal() []byte {
	b := make([]byte, ConnectionFeaturesSize)
	binary.BigEndian.PutUint32(b[0:4], p.ProtocolMin)
	binary.BigEndian.PutUint32(b[4:8], p.FeatureFlags)
	binary.BigEndian.PutUint32(b[8:12], p.ProtocolMax)
	binary.BigEndian.PutUint32(b[12:16], p.SenderNodeID)
	binary.BigEndian.PutUint32(b[16:20], p.ReceiverNodeID)
	return b
}

// Unmarshal decodes the sub-header from wire form.
func (p *ConnectionFeatures) Unmarshal(b []byte) error {
	if len(b) < ConnectionFeaturesSize {
		return ErrShortPacket
	}
	p.ProtocolMin = binary.BigEndian.Uint32(b[0:4])
	p.FeatureFlags = binary.BigEndian.Uint32(b[4:8])
	p.ProtocolMax = binary.BigEndian.Uint32(b[8:12])
	p.SenderNodeID = binary.BigEndian.Uint32(b[12:16])
	p.ReceiverNodeID = binary.BigEndian.Uint32(b[16:20])
	return nil
}

// ProtocolConf mirrors the sender's replication settings so both sides
// can verify they agree; the integrity algorithm name travels as the
// variable payload.
type ProtocolConf struct {
	Protocol     uint32
	AfterSB0p    uint32
	AfterSB1p    uint32
	AfterSB2p    uint32
	ConnFlags    uint32
	TwoPrimaries uint32
}

// ProtocolConfSize is the wire size of ProtocolConf.
const ProtocolConfSize = 24

// Marshal encodes the sub-header into wire form.
func (p *ProtocolConf) Marshal() []byte {
	b := make([]byte, ProtocolConfSize)
	binary.BigEndian.PutUint32(b[0:4], p.Protocol)
	binary.BigEndian.PutUint32(b[4:8], p.AfterSB0p)
	binary.BigEndian.PutUint32(b[8:12], p.AfterSB1p)
	binary.BigEndian.PutUint32(b[12:16], p.AfterSB2p)
	binary.BigEndian.PutUint32(b[16:20], p.ConnFlags)
	binary.BigEndian.PutUint32(b[20:24], p.TwoPrimaries)
	return b
}

// Unmarshal decodes the sub-header from wire form.
func (p *ProtocolConf) Unmarshal(b []byte) error {
	if len(b) < ProtocolConfSize {
		return ErrShortPacket
	}
	p.Protocol = binary.BigEndian.Uint32(b[0:4])
	p.AfterSB0p = binary.BigEndian.Uint32(b[4:8])
	p.AfterSB1p = binary.BigEndian.Uint32(b[8:12])
	p.AfterSB2p = binary.BigEndian.Uint32(b[12:16])
	p.ConnFlags = binary.BigEndian.Uint32(b[16:20])
	p.TwoPrimaries = binary.BigEndian.Uint32(b[20:24])
	return nil
}

// UUIDs is the legacy generation-identifier exchange (protocol < 110):
// current, bitmap, two history entries, then the flag word.
type UUIDs struct {
	Current uint64
	Bitmap  uint64
	History [2]uint64
	Flags   uint64
}

// UUIDsSize is the wire size of UUIDs.
const UUIDsSize = 40

// Marshal encodes the sub-header into wire form.
func (p *UUIDs) Marshal() []byte {
	b := make([]byte, UUIDsSize)
	binary.BigEndian.PutUint64(b[0:8], p.Current)
	binary.BigEndian.PutUint64(b[8:16], p.Bitmap)
	binary.BigEndian.PutUint64(b[16:24], p.History[0])
	binary.BigEndian.PutUint64(b[24:32], p.History[1])
	binary.BigEndian.PutUint64(b[32:40], p.Flags)
	return b
}

// Unmarshal decodes the sub-header from wire form.
func (p *UUIDs) Unmarshal(b []byte) error {
	if len(b) < UUIDsSize {
		return ErrShortPacket
	}
	p.Current = binary.BigEndian.Uint64(b[0:8])
	p.Bitmap = binary.BigEndian.Uint64(b[8:16])
	p.History[0] = binary.BigEndian.Uint64(b[16:24])
	p.History[1] = binary.BigEndian.Uint64(b[24:32])
	p.Flags = binary.BigEndian.Uint64(b[32:40])
	return nil
}

// UUIDs110 is the multi-peer generation-identifier exchange (protocol
// >= 110). The bitmap UUID array is compacted through the node mask:
// one entry per set bit, lowest node id first, followed by the history
// entries.
type UUIDs110 struct {
	BitmapUUIDsMask uint64
	Flags           uint64
	Current         uint64
	BitmapUUIDs     []uint64
	History         []uint64
}

// UUIDs110FixedSize is the fixed part of UUIDs110 preceding the
// variable arrays.
const UUIDs110FixedSize = 24

// Marshal encodes the packet, fixed part plus arrays, into wire form.
func (p *UUIDs110) Marshal() []byte {
	b := make([]byte, UUIDs110FixedSize+8*(len(p.BitmapUUIDs)+len(p.History)))
	binary.BigEndian.PutUint64(b[0:8], p.BitmapUUIDsMask)
	binary.BigEndian.PutUint64(b[8:16], p.Flags)
	binary.BigEndian.PutUint64(b[16:24], p.Current)
	off := UUIDs110FixedSize
	for _, u := range p.BitmapUUIDs {
		binary.BigEndian.PutUint64(b[off:off+8], u)
		off += 8
	}
	for _, u := range p.History {
		binary.BigEndian.PutUint64(b[off:off+8], u)
		off += 8
	}
	return b
}

// Unmarshal decodes the packet from wire form. The bitmap array length
// is derived from the mask; whatever follows is history.
func (p *UUIDs110) Unmarshal(b []byte) error {
	if len(b) < UUIDs110FixedSize {
		return ErrShortPacket
	}
	p.BitmapUUIDsMask = binary.BigEndian.Uint64(b[0:8])
	p.Flags = binary.BigEndian.Uint64(b[8:16])
	p.Current = binary.BigEndian.Uint64(b[16:24])
	nBitmap := bits.OnesCount64(p.BitmapUUIDsMask)
	rest := b[UUIDs110FixedSize:]
	if len(rest) < 8*nBitmap {
		return ErrShortPacket
	}
	p.BitmapUUIDs = make([]uint64, nBitmap)
	for i := range p.BitmapUUIDs {
		p.BitmapUUIDs[i] = binary.BigEndian.Uint64(rest[8*i : 8*i+8])
	}
	rest = rest[8*nBitmap:]
	p.History = make([]uint64, len(rest)/8)
	for i := range p.History {
		p.History[i] = binary.BigEndian.Uint64(rest[8*i : 8*i+8])
	}
	return nil
}

// UUID carries a single generation identifier (sync uuid, current
// uuid).
type UUID struct {
	UUID uint64
}

// UUIDSize is the wire size of UUID.
const UUIDSize = 8

// Marshal encodes the sub-header into wire form.
func (p *UUID) Marshal() []byte {
	b := make([]byte, UUIDSize)
	binary.BigEndian.PutUint64(b, p.UUID)
	return b
}

// Unmarshal decodes the sub-header from wire form.
func (p *UUID) Unmarshal(b []byte) error {
	if len(b) < UUIDSize {
		return ErrShortPacket
	}
	p.UUID = binary.BigEndian.Uint64(b)
	return nil
}

// Sizes exchanges device capacities and limits.
type Sizes struct {
	DiskSize    uint64 // backing device capacity in sectors
	UserSize    uint64 // configured size override in sectors
	CurrentSize uint64 // currently exposed size in sectors
	MaxBioSize  uint32
	QueueOrder  uint16
	DDSFlags    uint16
}

// SizesSize is the wire size of Sizes.
const SizesSize = 32

// Marshal encodes the sub-header into wire form.
func (p *Sizes) Marshal() []byte {
	b := make([]byte, SizesSize)
	binary.BigEndian.PutUint64(b[0:8], p.DiskSize)
	binary.BigEndian.PutUint64(b[8:16], p.UserSize)
	binary.BigEndian.PutUint64(b[16:24], p.CurrentSize)
	binary.BigEndian.PutUint32(b[24:28], p.MaxBioSize)
	binary.BigEndian.PutUint16(b[28:30], p.QueueOrder)
	binary.BigEndian.PutUint16(b[30:32], p.DDSFlags)
	return b
}

// Unmarshal decodes the sub-header from wire form.
func (p *Sizes) Unmarshal(b []byte) error {
	if len(b) < SizesSize {
		return ErrShortPacket
	}
	p.DiskSize = binary.BigEndian.Uint64(b[0:8])
	p.UserSize = binary.BigEndian.Uint64(b[8:16])
	p.CurrentSize = binary.BigEndian.Uint64(b[16:24])
	p.MaxBioSize = binary.BigEndian.Uint32(b[24:28])
	p.QueueOrder = binary.BigEndian.Uint16(b[28:30])
	p.DDSFlags = binary.BigEndian.Uint16(b[30:32])
	return nil
}

// State carries one packed state word.
type State struct {
	State uint32
}

// StateSize is the wire size of State.
const StateSize = 4

// Marshal encodes the sub-header into wire form.
func (p *State) Marshal() []byte {
	b := make([]byte, StateSize)
	binary.BigEndian.PutUint32(b, p.State)
	return b
}

// Unmarshal decodes the sub-header from wire form.
func (p *State) Unmarshal(b []byte) error {
	if len(b) < StateSize {
		return ErrShortPacket
	}
	p.State = binary.BigEndian.Uint32(b)
	return nil
}

// ReqState is the legacy single-connection state-change request.
type ReqState struct {
	Mask uint32
	Val  uint32
}

// ReqStateSize is the wire size of ReqState.
const ReqStateSize = 8

// Marshal encodes the sub-header into wire form.
func (p *ReqState) Marshal() []byte {
	b := make([]byte, ReqStateSize)
	binary.BigEndian.PutUint32(b[0:4], p.Mask)
	binary.BigEndian.PutUint32(b[4:8], p.Val)
	return b
}

// Unmarshal decodes the sub-header from wire form.
func (p *ReqState) Unmarshal(b []byte) error {
	if len(b) < ReqStateSize {
		return ErrShortPacket
	}
	p.Mask = binary.BigEndian.Uint32(b[0:4])
	p.Val = binary.BigEndian.Uint32(b[4:8])
	return nil
}

// ReqStateReply answers a legacy state-change request.
type ReqStateReply struct {
	RetCode uint32
}

// ReqStateReplySize is the wire size of ReqStateReply.
const ReqStateReplySize = 4

// Marshal encodes the sub-header into wire form.
func (p *ReqStateReply) Marshal() []byte {
	b := make([]byte, ReqStateReplySize)
	binary.BigEndian.PutUint32(b, p.RetCode)
	return b
}

// Unmarshal decodes the sub-header from wire form.
func (p *ReqStateReply) Unmarshal(b []byte) error {
	if len(b) < ReqStateReplySize {
		return ErrShortPacket
	}
	p.RetCode = binary.BigEndian.Uint32(b)
	return nil
}

// TwoPCRequest starts, aborts or commits a cluster-wide state change.
type TwoPCRequest struct {
	TID             uint32
	InitiatorNodeID uint32
	TargetNodeID    uint32 // ^uint32(0) when the change is not targeted
	NodesToReach    uint64
	PrimaryNodes    uint64
	WeakNodes       uint64
	Mask            uint32
	Val             uint32
}

// TwoPCRequestSize is the wire size of TwoPCRequest.
const TwoPCRequestSize = 44

// Marshal encodes the sub-header into wire form.
func (p *TwoPCRequest) Marshal() []byte {
	b := make([]byte, TwoPCRequestSize)
	binary.BigEndian.PutUint32(b[0:4], p.TID)
	binary.BigEndian.PutUint32(b[4:8], p.InitiatorNodeID)
	binary.BigEndian.PutUint32(b[8:12], p.TargetNodeID)
	binary.BigEndian.PutUint64(b[12:20], p.NodesToReach)
	binary.BigEndian.PutUint64(b[20:28], p.PrimaryNodes)
	binary.BigEndian.PutUint64(b[28:36], p.WeakNodes)
	binary.BigEndian.PutUint32(b[36:40], p.Mask)
	binary.BigEndian.PutUint32(b[40:44], p.Val)
	return b
}

// Unmarshal decodes the sub-header from wire form.
func (p *TwoPCRequest) Unmarshal(b []byte) error {
	if len(b) < TwoPCRequestSize {
		return ErrShortPacket
	}
	p.TID = binary.BigEndian.Uint32(b[0:4])
	p.InitiatorNodeID = binary.BigEndian.Uint32(b[4:8])
	p.TargetNodeID = binary.BigEndian.Uint32(b[8:12])
	p.NodesToReach = binary.BigEndian.Uint64(b[12:20])
	p.PrimaryNodes = binary.BigEndian.Uint64(b[20:28])
	p.WeakNodes = binary.BigEndian.Uint64(b[28:36])
	p.Mask = binary.BigEndian.Uint32(b[36:40])
	p.Val = binary.BigEndian.Uint32(b[40:44])
	return nil
}

// TwoPCReply answers a prepare with yes, no or retry, accumulating the
// replier's view of the cluster.
type TwoPCReply struct {
	TID             uint32
	InitiatorNodeID uint32
	ReachableNodes  uint64
	PrimaryNodes    uint64
	WeakNodes       uint64
}

// TwoPCReplySize is the wire size of TwoPCReply.
const TwoPCReplySize = 32

// Marshal encodes the sub-header into wire form.
func (p *TwoPCReply) Marshal() []byte {
	b := make([]byte, TwoPCReplySize)
	binary.BigEndian.PutUint32(b[0:4], p.TID)
	binary.BigEndian.PutUint32(b[4:8], p.InitiatorNodeID)
	binary.BigEndian.PutUint64(b[8:16], p.ReachableNodes)
	binary.BigEndian.PutUint64(b[16:24], p.PrimaryNodes)
	binary.BigEndian.PutUint64(b[24:32], p.WeakNodes)
	return b
}

// Unmarshal decodes the sub-header from wire form.
func (p *TwoPCReply) Unmarshal(b []byte) error {
	if len(b) < TwoPCReplySize {
		return ErrShortPacket
	}
	p.TID = binary.BigEndian.Uint32(b[0:4])
	p.InitiatorNodeID = binary.BigEndian.Uint32(b[4:8])
	p.ReachableNodes = binary.BigEndian.Uint64(b[8:16])
	p.PrimaryNodes = binary.BigEndian.Uint64(b[16:24])
	p.WeakNodes = binary.BigEndian.Uint64(b[24:32])
	return nil
}

// Dagtag announces the sender's write-stream cursor.
type Dagtag struct {
	Dagtag uint64
}

// DagtagSize is the wire size of Dagtag.
const DagtagSize = 8

// Marshal encodes the sub-header into wire form.
func (p *Dagtag) Marshal() []byte {
	b := make([]byte, DagtagSize)
	binary.BigEndian.PutUint64(b, p.Dagtag)
	return b
}

// Unmarshal decodes the sub-header from wire form.
func (p *Dagtag) Unmarshal(b []byte) error {
	if len(b) < DagtagSize {
		return ErrShortPacket
	}
	p.Dagtag = binary.BigEndian.Uint64(b)
	return nil
}

// PeerDagtag relays the write-stream cursor last seen from a third
// node.
type PeerDagtag struct {
	Dagtag uint64
	NodeID uint32
}

// PeerDagtagSize is the wire size of PeerDagtag.
const PeerDagtagSize = 12

// Marshal encodes the sub-header into wire form.
func (p *PeerDagtag) Marshal() []byte {
	b := make([]byte, PeerDagtagSize)
	binary.BigEndian.PutUint64(b[0:8], p.Dagtag)
	binary.BigEndian.PutUint32(b[8:12], p.NodeID)
	return b
}

// Unmarshal decodes the sub-header from wire form.
func (p *PeerDagtag) Unmarshal(b []byte) error {
	if len(b) < PeerDagtagSize {
		return ErrShortPacket
	}
	p.Dagtag = binary.BigEndian.Uint64(b[0:8])
	p.NodeID = binary.BigEndian.Uint32(b[8:12])
	return nil
}

// PeerAck retires every write up to the dagtag cursor for the node set
// in the mask.
type PeerAck struct {
	Mask   uint64
	Dagtag uint64
}

// PeerAckSize is the wire size of PeerAck.
const PeerAckSize = 16

// Marshal encodes the sub-header into wire form.
func (p *PeerAck) Marshal() []byte {
	b := make([]byte, PeerAckSize)
	binary.BigEndian.PutUint64(b[0:8], p.Mask)
	binary.BigEndian.PutUint64(b[8:16], p.Dagtag)
	return b
}

// Unmarshal decodes the sub-header from wire form.
func (p *PeerAck) Unmarshal(b []byte) error {
	if len(b) < PeerAckSize {
		return ErrShortPacket
	}
	p.Mask = binary.BigEndian.Uint64(b[0:8])
	p.Dagtag = binary.BigEndian.Uint64(b[8:16])
	return nil
}

// PeersInSync reports a range that a set of peers is known to have in
// sync.
type PeersInSync struct {
	Sector uint64
	Mask   uint64
	Size   uint32
}

// PeersInSyncSize is the wire size of PeersInSync.
const PeersInSyncSize = 24

// Marshal encodes the sub-header into wire form.
func (p *PeersInSync) Marshal() []byte {
	b := make([]byte, PeersInSyncSize)
	binary.BigEndian.PutUint64(b[0:8], p.Sector)
	binary.BigEndian.PutUint64(b[8:16], p.Mask)
	binary.BigEndian.PutUint32(b[16:20], p.Size)
	return b
}

// Unmarshal decodes the sub-header from wire form.
func (p *PeersInSync) Unmarshal(b []byte) error {
	if len(b) < PeersInSyncSize {
		return ErrShortPacket
	}
	p.Sector = binary.BigEndian.Uint64(b[0:8])
	p.Mask = binary.BigEndian.Uint64(b[8:16])
	p.Size = binary.BigEndian.Uint32(b[16:20])
	return nil
}

// PriReachable distributes the mask of nodes that can reach a primary.
type PriReachable struct {
	PrimaryNodes uint64
}

// PriReachableSize is the wire size of PriReachable.
const PriReachableSize = 8

// Marshal encodes the sub-header into wire form.
func (p *PriReachable) Marshal() []byte {
	b := make([]byte, PriReachableSize)
	binary.BigEndian.PutUint64(b, p.PrimaryNodes)
	return b
}

// Unmarshal decodes the sub-header from wire form.
func (p *PriReachable) Unmarshal(b []byte) error {
	if len(b) < PriReachableSize {
		return ErrShortPacket
	}
	p.PrimaryNodes = binary.BigEndian.Uint64(b)
	return nil
}

// BlockDesc describes an out-of-sync range.
type BlockDesc struct {
	Sector    uint64
	BlockSize uint32
}

// BlockDescSize is the wire size of BlockDesc.
const BlockDescSize = 16

// Marshal encodes the sub-header into wire form.
func (p *BlockDesc) Marshal() []byte {
	b := make([]byte, BlockDescSize)
	binary.BigEndian.PutUint64(b[0:8], p.Sector)
	binary.BigEndian.PutUint32(b[8:12], p.BlockSize)
	return b
}

// Unmarshal decodes the sub-header from wire form.
func (p *BlockDesc) Unmarshal(b []byte) error {
	if len(b) < BlockDescSize {
		return ErrShortPacket
	}
	p.Sector = binary.BigEndian.Uint64(b[0:8])
	p.BlockSize = binary.BigEndian.Uint32(b[8:12])
	return nil
}

// SyncParam carries resync tuning; the verify and checksum algorithm
// names travel in the variable payload as NUL-terminated strings.
type SyncParam struct {
	ResyncRate   uint32
	CPlanAhead   uint32
	CDelayTarget uint32
	CFillTarget  uint32
	CMaxRate     uint32
	CMinRate     uint32
}

// SyncParamSize is the fixed wire size of SyncParam.
const SyncParamSize = 24

// Marshal encodes the sub-header into wire form.
func (p *SyncParam) Marshal() []byte {
	b := make([]byte, SyncParamSize)
	binary.BigEndian.PutUint32(b[0:4], p.ResyncRate)
	binary.BigEndian.PutUint32(b[4:8], p.CPlanAhead)
	binary.BigEndian.PutUint32(b[8:12], p.CDelayTarget)
	binary.BigEndian.PutUint32(b[12:16], p.CFillTarget)
	binary.BigEndian.PutUint32(b[16:20], p.CMaxRate)
	binary.BigEndian.PutUint32(b[20:24], p.CMinRate)
	return b
}

// Unmarshal decodes the sub-header from wire form.
func (p *SyncParam) Unmarshal(b []byte) error {
	if len(b) < SyncParamSize {
		return ErrShortPacket
	}
	p.ResyncRate = binary.BigEndian.Uint32(b[0:4])
	p.CPlanAhead = binary.BigEndian.Uint32(b[4:8])
	p.CDelayTarget = binary.BigEndian.Uint32(b[8:12])
	p.CFillTarget = binary.BigEndian.Uint32(b[12:16])
	p.CMaxRate = binary.BigEndian.Uint32(b[16:20])
	p.CMinRate = binary.BigEndian.Uint32(b[20:24])
	return nil
}
