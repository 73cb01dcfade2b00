package transport

import (
	"bufio"
	"context"
	"math/rand"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/mirrorlabs/blockrepl/repld/protocol"
	"github.com/mirrorlabs/blockrepl/shared/params"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Socket is one stream of an established pair: the raw connection plus
// a buffered reader all framing goes through.
type Socket struct {
	Conn net.Conn
	R    *bufio.Reader
}

func newSocket(c net.Conn) *Socket {
	return &Socket{Conn: c, R: bufio.NewReaderSize(c, 1<<16)}
}

// okay probes liveness: a closed socket reports an error immediately, a
// healthy idle one times out on the peek.
func (s *Socket) okay() bool {
	if s == nil || s.Conn == nil {
		return false
	}
	if err := s.Conn.SetReadDeadline(time.Now().Add(10 * time.Millisecond)); err != nil {
		return false
	}
	defer s.Conn.SetReadDeadline(time.Time{})
	_, err := s.R.Peek(1)
	if err == nil {
		return true
	}
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		return true
	}
	return false
}

// Close releases the underlying connection.
func (s *Socket) Close() {
	if s != nil && s.Conn != nil {
		s.Conn.Close()
	}
}

// Pair is the established two-socket channel to one peer, with the
// negotiated protocol parameters.
type Pair struct {
	Data *Socket
	Meta *Socket

	AgreedProVersion int
	Features         uint32
	// ResolveConflicts is set on exactly one side of the pair, chosen
	// by which side's initial meta packet arrived; it is the tie-break
	// for concurrent writes under two-primary operation.
	ResolveConflicts bool
	// ID labels the pair in logs and debug handles.
	ID string
}

// Close tears both sockets down.
func (p *Pair) Close() {
	p.Data.Close()
	p.Meta.Close()
}

// Config parameterizes a Connector.
type Config struct {
	NodeID    int
	NetConfig *params.NetConfig
	Registry  *Registry
}

// Connector runs the symmetric connection setup against one peer.
type Connector struct {
	cfg *Config
	rng *rand.Rand
}

// NewConnector creates a connector for one configured peer.
func NewConnector(cfg *Config) *Connector {
	return &Connector{cfg: cfg, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

var errRetryConnect = errors.New("retry connection attempt")

// Establish runs the full connection setup: socket pairing, feature
// exchange and authentication. It retries transient failures until ctx
// is canceled; a terminal failure (authentication, incompatible
// protocol) is returned to the caller to drop to standalone.
func (c *Connector) Establish(ctx context.Context) (*Pair, error) {
	for {
		pair, err := c.attempt(ctx)
		if err == nil {
			return pair, nil
		}
		if errors.Cause(err) != errRetryConnect {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (c *Connector) attempt(ctx context.Context) (*Pair, error) {
	nc := c.cfg.NetConfig
	waiter, err := c.cfg.Registry.Register(nc.BindAddress, nc.PeerAddress)
	if err != nil {
		return nil, err
	}
	defer waiter.Unregister()

	var data, meta *Socket
	resolveConflicts := false
	release := func() {
		data.Close()
		meta.Close()
	}

	for {
		var out *Socket
		if data == nil || meta == nil {
			out = c.tryConnect(ctx)
		}
		if s := out; s != nil {
			if data == nil {
				data = s
				if err := c.sendFirstPacket(data, protocol.CmdInitialData); err != nil {
					release()
					return nil, errRetryConnect
				}
			} else if meta == nil {
				resolveConflicts = false
				meta = s
				if err := c.sendFirstPacket(meta, protocol.CmdInitialMeta); err != nil {
					release()
					return nil, errRetryConnect
				}
			} else {
				s.Close()
				release()
				return nil, errors.New("logic error: both sockets already assigned")
			}
		}

		if data != nil && meta != nil {
			// Give the peer a moment to see both sockets, then make
			// sure neither died while we were pairing.
			select {
			case <-ctx.Done():
				release()
				return nil, ctx.Err()
			case <-time.After(nc.PingTimeout):
			}
			if data.okay() && meta.okay() {
				break
			}
			release()
			data, meta = nil, nil
			return nil, errRetryConnect
		}

		s := c.waitForIncoming(ctx, waiter, nc.ConnectInterval)
		if s != nil {
			cmd, err := c.receiveFirstPacket(s)
			if err != nil {
				log.WithError(err).Warn("Error receiving initial packet")
				s.Close()
				if c.rng.Intn(2) == 0 {
					continue
				}
			} else {
				switch cmd {
				case protocol.CmdInitialData:
					if data != nil {
						log.Warn("Initial data packet crossed")
						data.Close()
						data = s
						if c.rng.Intn(2) == 0 {
							continue
						}
					} else {
						data = s
					}
				case protocol.CmdInitialMeta:
					resolveConflicts = true
					if meta != nil {
						log.Warn("Initial meta packet crossed")
						meta.Close()
						meta = s
						if c.rng.Intn(2) == 0 {
							continue
						}
					} else {
						meta = s
					}
				default:
					log.WithField("cmd", cmd.String()).Warn("Unexpected initial packet")
					s.Close()
					if c.rng.Intn(2) == 0 {
						continue
					}
				}
			}
		}

		select {
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		default:
		}
	}

	pair := &Pair{
		Data:             data,
		Meta:             meta,
		AgreedProVersion: 80, // until features say otherwise
		ResolveConflicts: resolveConflicts,
		ID:               uuid.New().String()[:8],
	}

	if tc, ok := data.Conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	if tc, ok := meta.Conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	if err := c.exchangeFeatures(pair); err != nil {
		pair.Close()
		return nil, err
	}

	if nc.CramHMACAlg != "" {
		if err := c.authenticate(pair); err != nil {
			pair.Close()
			return nil, err
		}
	}

	log.WithFields(logrus.Fields{
		"conn":    pair.ID,
		"version": pair.AgreedProVersion,
	}).Info("Handshake successful: agreed network protocol version")
	return pair, nil
}

func (c *Connector) tryConnect(ctx context.Context) *Socket {
	nc := c.cfg.NetConfig
	d := net.Dialer{Timeout: nc.Timeout, LocalAddr: nil}
	conn, err := d.DialContext(ctx, "tcp", nc.PeerAddress)
	if err != nil {
		return nil
	}
	return newSocket(conn)
}

func (c *Connector) waitForIncoming(ctx context.Context, waiter *Waiter, timeout time.Duration) *Socket {
	select {
	case <-ctx.Done():
		return nil
	case conn := <-waiter.Incoming():
		return newSocket(conn)
	case <-time.After(timeout):
		return nil
	}
}

// sendFirstPacket identifies a fresh socket as the data or the meta
// stream. First packets always use the oldest framing.
func (c *Connector) sendFirstPacket(s *Socket, cmd protocol.Command) error {
	return protocol.WritePacket(s.Conn, 80, 0, cmd, nil)
}

func (c *Connector) receiveFirstPacket(s *Socket) (protocol.Command, error) {
	if err := s.Conn.SetReadDeadline(time.Now().Add(c.cfg.NetConfig.PingTimeout * 4)); err != nil {
		return 0, err
	}
	defer s.Conn.SetReadDeadline(time.Time{})
	pi, err := protocol.ReadHeader(s.R, 80)
	if err != nil {
		return 0, err
	}
	if pi.Size != 0 {
		return 0, errors.Errorf("initial packet %s carries unexpected payload", pi.Cmd)
	}
	return pi.Cmd, nil
}
