package protocol

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		version int
		size    int
		volume  int16
	}{
		{name: "v80", version: 80, size: HeaderSize80, volume: 0},
		{name: "v95", version: 95, size: HeaderSize95, volume: 0},
		{name: "v100", version: 100, size: HeaderSize100, volume: 3},
		{name: "v110", version: 110, size: HeaderSize100, volume: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := make([]byte, HeaderSize100)
			n := EncodeHeader(buf, tt.version, tt.volume, CmdData, 1234)
			if n != tt.size {
				t.Fatalf("encoded %d bytes, want %d", n, tt.size)
			}
			if HeaderSize(tt.version) != tt.size {
				t.Errorf("HeaderSize(%d) = %d, want %d", tt.version, HeaderSize(tt.version), tt.size)
			}
			pi, err := DecodeHeader(buf[:n], tt.version)
			if err != nil {
				t.Fatal(err)
			}
			if pi.Cmd != CmdData {
				t.Errorf("cmd = %s, want Data", pi.Cmd)
			}
			if pi.Size != 1234 {
				t.Errorf("size = %d, want 1234", pi.Size)
			}
			if tt.version >= 100 && pi.Volume != tt.volume {
				t.Errorf("volume = %d, want %d", pi.Volume, tt.volume)
			}
		})
	}
}

func TestDecodeHeaderRejectsWrongMagic(t *testing.T) {
	buf := make([]byte, HeaderSize100)
	EncodeHeader(buf, 100, 0, CmdPing, 0)
	buf[0] ^= 0xff
	if _, err := DecodeHeader(buf, 100); err != ErrBadMagic {
		t.Fatalf("err = %v, want ErrBadMagic", err)
	}
}

func TestDecodeHeaderRejectsPadding(t *testing.T) {
	buf := make([]byte, HeaderSize100)
	EncodeHeader(buf, 100, 0, CmdPing, 0)
	buf[15] = 1
	if _, err := DecodeHeader(buf, 100); err != ErrHeaderPadding {
		t.Fatalf("err = %v, want ErrHeaderPadding", err)
	}
}

func TestDecodeHeaderCrossVersion(t *testing.T) {
	// A v80 header must not decode under the v100 magic.
	buf := make([]byte, HeaderSize100)
	EncodeHeader(buf, 80, 0, CmdBarrier, 8)
	if _, err := DecodeHeader(buf, 100); err == nil {
		t.Fatal("expected magic mismatch")
	}
}

func TestWritePacketFraming(t *testing.T) {
	var w bytes.Buffer
	payload := []byte{1, 2, 3, 4, 5}
	if err := WritePacket(&w, 95, 0, CmdBitmap, payload); err != nil {
		t.Fatal(err)
	}
	pi, err := ReadHeader(&w, 95)
	if err != nil {
		t.Fatal(err)
	}
	if pi.Cmd != CmdBitmap || pi.Size != 5 {
		t.Fatalf("got %s/%d", pi.Cmd, pi.Size)
	}
	if !bytes.Equal(w.Bytes(), payload) {
		t.Fatal("payload mangled")
	}
}

func TestChannelSpecsCoverAckCommands(t *testing.T) {
	for _, cmd := range []Command{
		CmdWriteAck, CmdRecvAck, CmdRSWriteAck, CmdNegAck,
		CmdSuperseded, CmdRetryWrite, CmdBarrierAck,
		CmdTwoPCYes, CmdTwoPCNo, CmdTwoPCRetry, CmdPeerAck,
	} {
		if _, ok := MetaChannelSpecs[cmd]; !ok {
			t.Errorf("meta channel spec missing for %s", cmd)
		}
		if _, ok := DataChannelSpecs[cmd]; ok {
			t.Errorf("%s must not be valid on the data channel", cmd)
		}
	}
	if spec := DataChannelSpecs[CmdData]; spec.SubHeaderSize != DataHeaderSize || !spec.ExpectPayload {
		t.Error("Data spec wrong")
	}
	if spec := MetaChannelSpecs[CmdPing]; spec.SubHeaderSize != 0 {
		t.Error("Ping spec wrong")
	}
}
