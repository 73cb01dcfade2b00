package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Framing magics for the three header variants.
const (
	Magic80  uint32 = 0x83740267
	Magic95  uint16 = 0x835a
	Magic100 uint32 = 0x8374026b
)

// Header sizes per variant.
const (
	HeaderSize80  = 8
	HeaderSize95  = 8
	HeaderSize100 = 16
)

// Feature flags exchanged during the connection-features handshake.
const (
	FeatureTrim uint32 = 1 << iota
	FeatureThinResync
	FeatureZeroOut
)

// SupportedFeatures is the feature mask offered by this build.
const SupportedFeatures = FeatureTrim | FeatureZeroOut

var (
	// ErrBadMagic indicates that a received header did not carry the
	// magic value of the agreed protocol version.
	ErrBadMagic = errors.New("wrong magic value in packet header")
	// ErrHeaderPadding indicates a v100 header with non-zero padding.
	ErrHeaderPadding = errors.New("header padding is not zero")
	// ErrPacketTooLarge indicates a payload length above the negotiated
	// receive buffer.
	ErrPacketTooLarge = errors.New("packet exceeds maximum payload size")
)

// Info describes one decoded packet header.
type Info struct {
	Cmd    Command
	Size   uint32 // payload bytes following the header
	Volume int16  // volume number; 0 for the v80 and v95 variants, which carry none
}

// HeaderSize returns the framing header size for an agreed protocol
// version.
func HeaderSize(version int) int {
	switch {
	case version >= 100:
		return HeaderSize100
	case version >= 95:
		return HeaderSize95
	default:
		return HeaderSize80
	}
}

// EncodeHeader writes a framing header for the agreed version into buf,
// which must be at least HeaderSize(version) bytes, and returns the
// number of bytes written.
func EncodeHeader(buf []byte, version int, vol int16, cmd Command, size uint32) int {
	switch {
	case version >= 100:
		binary.BigEndian.PutUint32(buf[0:4], Magic100)
		binary.BigEndian.PutUint16(buf[4:6], uint16(vol))
		binary.BigEndian.PutUint16(buf[6:8], uint16(cmd))
		binary.BigEndian.PutUint32(buf[8:12], size)
		binary.BigEndian.PutUint32(buf[12:16], 0)
		return HeaderSize100
	case version >= 95:
		binary.BigEndian.PutUint16(buf[0:2], Magic95)
		binary.BigEndian.PutUint16(buf[2:4], uint16(cmd))
		binary.BigEndian.PutUint32(buf[4:8], size)
		return HeaderSize95
	default:
		binary.BigEndian.PutUint32(buf[0:4], Magic80)
		binary.BigEndian.PutUint16(buf[4:6], uint16(cmd))
		binary.BigEndian.PutUint16(buf[6:8], uint16(size))
		return HeaderSize80
	}
}

// DecodeHeader validates the magic for the agreed version and extracts
// the command, payload size and volume number.
func DecodeHeader(buf []byte, version int) (Info, error) {
	var pi Info
	pi.Volume = -1
	switch {
	case version >= 100:
		if binary.BigEndian.Uint32(buf[0:4]) != Magic100 {
			return pi, ErrBadMagic
		}
		if binary.BigEndian.Uint32(buf[12:16]) != 0 {
			return pi, ErrHeaderPadding
		}
		pi.Volume = int16(binary.BigEndian.Uint16(buf[4:6]))
		pi.Cmd = Command(binary.BigEndian.Uint16(buf[6:8]))
		pi.Size = binary.BigEndian.Uint32(buf[8:12])
	case version >= 95:
		if binary.BigEndian.Uint16(buf[0:2]) != Magic95 {
			return pi, ErrBadMagic
		}
		pi.Cmd = Command(binary.BigEndian.Uint16(buf[2:4]))
		pi.Size = binary.BigEndian.Uint32(buf[4:8])
		pi.Volume = 0
	default:
		if binary.BigEndian.Uint32(buf[0:4]) != Magic80 {
			return pi, ErrBadMagic
		}
		pi.Cmd = Command(binary.BigEndian.Uint16(buf[4:6]))
		pi.Size = uint32(binary.BigEndian.Uint16(buf[6:8]))
		pi.Volume = 0
	}
	return pi, nil
}

// ReadHeader reads and decodes one framing header from r.
func ReadHeader(r io.Reader, version int) (Info, error) {
	buf := make([]byte, HeaderSize(version))
	if _, err := io.ReadFull(r, buf); err != nil {
		return Info{}, err
	}
	return DecodeHeader(buf, version)
}

// WritePacket frames cmd with the agreed version header and writes the
// header plus payload to w in one call.
func WritePacket(w io.Writer, version int, vol int16, cmd Command, payload []byte) error {
	hdr := make([]byte, HeaderSize100)
	n := EncodeHeader(hdr, version, vol, cmd, uint32(len(payload)))
	buf := append(hdr[:n], payload...)
	_, err := w.Write(buf)
	return errors.Wrapf(err, "could not write %s packet", cmd)
}
