package transport

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/mirrorlabs/blockrepl/repld/protocol"
	"github.com/mirrorlabs/blockrepl/shared/params"
	"github.com/pkg/errors"
)

// authenticate runs the HMAC challenge-response over the data socket.
// At protocol 110 and above the response is computed over the challenge
// salted with the responder's node id, so a transcript recorded between
// one node pair cannot answer for another.
func (c *Connector) authenticate(pair *Pair) error {
	cfg := params.ReplConfig()
	nc := c.cfg.NetConfig
	if nc.CramHMACAlg != "sha256" {
		return errors.Errorf("unsupported cram hmac algorithm %q", nc.CramHMACAlg)
	}
	secret := []byte(nc.SharedSecret)
	if len(secret) == 0 || len(secret) > cfg.SharedSecretMax {
		return errors.New("shared secret not configured or too long")
	}
	salted := pair.AgreedProVersion >= 110

	myChallenge := make([]byte, cfg.ChallengeLen)
	if _, err := rand.Read(myChallenge); err != nil {
		return err
	}
	if err := protocol.WritePacket(pair.Data.Conn, 80, 0, protocol.CmdAuthChallenge, myChallenge); err != nil {
		return errors.Wrap(errRetryConnect, err.Error())
	}

	if err := pair.Data.Conn.SetReadDeadline(time.Now().Add(nc.Timeout)); err != nil {
		return err
	}
	defer pair.Data.Conn.SetReadDeadline(time.Time{})

	pi, err := protocol.ReadHeader(pair.Data.R, 80)
	if err != nil {
		return errors.Wrap(errRetryConnect, "could not read auth challenge")
	}
	if pi.Cmd != protocol.CmdAuthChallenge {
		return errors.Wrapf(ErrAuthFailed, "expected AuthChallenge packet, received: %s", pi.Cmd)
	}
	if pi.Size < uint32(cfg.ChallengeLen) || pi.Size > uint32(cfg.ChallengeLen)*2 {
		return errors.Wrap(ErrAuthFailed, "auth challenge payload has unexpected size")
	}
	peersChallenge := make([]byte, pi.Size)
	if _, err := readFull(pair.Data, peersChallenge); err != nil {
		return errors.Wrap(errRetryConnect, "could not read auth challenge body")
	}
	if bytes.Equal(peersChallenge[:cfg.ChallengeLen], myChallenge) {
		return errors.Wrap(ErrAuthFailed, "peer presented the same challenge")
	}

	response := authResponse(secret, peersChallenge, c.cfg.NodeID, salted)
	if err := protocol.WritePacket(pair.Data.Conn, 80, 0, protocol.CmdAuthResponse, response); err != nil {
		return errors.Wrap(errRetryConnect, err.Error())
	}

	pi, err = protocol.ReadHeader(pair.Data.R, 80)
	if err != nil {
		return errors.Wrap(errRetryConnect, "could not read auth response")
	}
	if pi.Cmd != protocol.CmdAuthResponse {
		return errors.Wrapf(ErrAuthFailed, "expected AuthResponse packet, received: %s", pi.Cmd)
	}
	peersResponse := make([]byte, pi.Size)
	if _, err := readFull(pair.Data, peersResponse); err != nil {
		return errors.Wrap(errRetryConnect, "could not read auth response body")
	}

	expected := authResponse(secret, myChallenge, nc.PeerNodeID, salted)
	if !hmac.Equal(expected, peersResponse) {
		return ErrAuthFailed
	}
	return nil
}

// authResponse computes the HMAC over the challenge, appending the
// responder's node id when the protocol is new enough.
func authResponse(secret, challenge []byte, responderNodeID int, salted bool) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(challenge)
	if salted {
		var id [4]byte
		binary.BigEndian.PutUint32(id[:], uint32(responderNodeID))
		mac.Write(id[:])
	}
	return mac.Sum(nil)
}
