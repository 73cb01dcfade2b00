package transport

import (
	"time"

	"github.com/mirrorlabs/blockrepl/repld/protocol"
	"github.com/mirrorlabs/blockrepl/shared/params"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Terminal handshake failures; they drop the connection to standalone
// instead of retrying.
var (
	ErrIncompatibleProtocol = errors.New("incompatible protocol versions")
	ErrNodeIDMismatch       = errors.New("peer presented an unexpected node id")
	ErrAuthFailed           = errors.New("authentication of peer failed")
)

// exchangeFeatures sends our protocol window and node identities and
// folds the peer's answer into the pair. The exchange runs on the data
// socket with the oldest framing.
func (c *Connector) exchangeFeatures(pair *Pair) error {
	cfg := params.ReplConfig()
	nc := c.cfg.NetConfig

	p := &protocol.ConnectionFeatures{
		ProtocolMin:    uint32(cfg.ProtocolVersionMin),
		ProtocolMax:    uint32(cfg.ProtocolVersionMax),
		FeatureFlags:   protocol.SupportedFeatures,
		SenderNodeID:   uint32(c.cfg.NodeID),
		ReceiverNodeID: uint32(nc.PeerNodeID),
	}
	if err := protocol.WritePacket(pair.Data.Conn, 80, 0, protocol.CmdConnectionFeatures, p.Marshal()); err != nil {
		return errors.Wrap(errRetryConnect, err.Error())
	}

	if err := pair.Data.Conn.SetReadDeadline(time.Now().Add(nc.PingTimeout * 4)); err != nil {
		return err
	}
	defer pair.Data.Conn.SetReadDeadline(time.Time{})

	pi, err := protocol.ReadHeader(pair.Data.R, 80)
	if err != nil {
		return errors.Wrap(errRetryConnect, "could not read features header")
	}
	if pi.Cmd != protocol.CmdConnectionFeatures {
		return errors.Errorf("expected ConnectionFeatures packet, received: %s", pi.Cmd)
	}
	if pi.Size != protocol.ConnectionFeaturesSize {
		return errors.Errorf("expected ConnectionFeatures length: %d, received: %d",
			protocol.ConnectionFeaturesSize, pi.Size)
	}
	buf := make([]byte, pi.Size)
	if _, err := readFull(pair.Data, buf); err != nil {
		return errors.Wrap(errRetryConnect, "could not read features body")
	}
	var theirs protocol.ConnectionFeatures
	if err := theirs.Unmarshal(buf); err != nil {
		return err
	}
	if theirs.ProtocolMax == 0 {
		theirs.ProtocolMax = theirs.ProtocolMin
	}

	if uint32(cfg.ProtocolVersionMax) < theirs.ProtocolMin ||
		uint32(cfg.ProtocolVersionMin) > theirs.ProtocolMax {
		log.WithFields(logrus.Fields{
			"ours":   []int{cfg.ProtocolVersionMin, cfg.ProtocolVersionMax},
			"theirs": []uint32{theirs.ProtocolMin, theirs.ProtocolMax},
		}).Error("Incompatible replication dialects")
		return ErrIncompatibleProtocol
	}

	agreed := uint32(cfg.ProtocolVersionMax)
	if theirs.ProtocolMax < agreed {
		agreed = theirs.ProtocolMax
	}
	pair.AgreedProVersion = int(agreed)
	pair.Features = protocol.SupportedFeatures & theirs.FeatureFlags

	if pair.AgreedProVersion >= 110 {
		if int(theirs.SenderNodeID) != nc.PeerNodeID {
			log.WithFields(logrus.Fields{
				"presented": theirs.SenderNodeID,
				"expected":  nc.PeerNodeID,
			}).Error("Peer presented an unexpected node id")
			return ErrNodeIDMismatch
		}
		if int(theirs.ReceiverNodeID) != c.cfg.NodeID {
			log.WithFields(logrus.Fields{
				"expectedByPeer": theirs.ReceiverNodeID,
				"actual":         c.cfg.NodeID,
			}).Error("Peer expects us to have a different node id")
			return ErrNodeIDMismatch
		}
	}

	if pair.Features&protocol.FeatureTrim == 0 {
		log.Info("Agreed to not support TRIM on protocol level")
	}
	return nil
}

func readFull(s *Socket, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := s.R.Read(buf[read:])
		read += n
		if err != nil {
			return read, err
		}
	}
	return read, nil
}
