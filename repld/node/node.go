// Package node defines the replication daemon node: it assembles the
// metadata store, the page pool, the resource with its devices, the
// receiver and resync services and the monitoring endpoint into a
// service registry and handles the lifecycle of the entire system.
package node

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/mirrorlabs/blockrepl/repld/backend"
	"github.com/mirrorlabs/blockrepl/repld/flags"
	"github.com/mirrorlabs/blockrepl/repld/metadata"
	"github.com/mirrorlabs/blockrepl/repld/pagepool"
	"github.com/mirrorlabs/blockrepl/repld/receiver"
	"github.com/mirrorlabs/blockrepl/repld/resync"
	"github.com/mirrorlabs/blockrepl/repld/transport"
	"github.com/mirrorlabs/blockrepl/shared"
	"github.com/mirrorlabs/blockrepl/shared/cmd"
	"github.com/mirrorlabs/blockrepl/shared/event"
	"github.com/mirrorlabs/blockrepl/shared/params"
	"github.com/mirrorlabs/blockrepl/shared/prometheus"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

// ReplNode defines a struct that handles the services running a block
// replication node. It handles the lifecycle of the entire system and
// registers services to a service registry.
type ReplNode struct {
	cliCtx   *cli.Context
	ctx      context.Context
	cancel   context.CancelFunc
	services *shared.ServiceRegistry
	lock     sync.RWMutex
	stop     chan struct{} // Channel to wait for termination notifications.
	db       *metadata.Store
	resource *receiver.Resource
}

// New creates a new node instance, sets up configuration options, and
// registers every required service to the node.
func New(cliCtx *cli.Context) (*ReplNode, error) {
	registry := shared.NewServiceRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	node := &ReplNode{
		cliCtx:   cliCtx,
		ctx:      ctx,
		cancel:   cancel,
		services: registry,
		stop:     make(chan struct{}),
	}

	if err := node.startDB(); err != nil {
		return nil, err
	}
	if err := node.buildResource(); err != nil {
		return nil, err
	}
	if err := node.registerReceiverService(); err != nil {
		return nil, err
	}
	if err := node.registerResyncService(); err != nil {
		return nil, err
	}
	if !cliCtx.Bool(cmd.DisableMonitoringFlag.Name) {
		if err := node.registerPrometheusService(); err != nil {
			return nil, err
		}
	}

	return node, nil
}

// Start the ReplNode and kicks off every registered service.
func (n *ReplNode) Start() {
	n.lock.Lock()

	log.WithField("resource", n.resource.Name).Info("Starting replication node")

	n.services.StartAll()
	go n.watchStateEvents()

	stop := n.stop
	n.lock.Unlock()

	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigc)
		<-sigc
		log.Info("Got interrupt, shutting down...")
		go n.Close()
		for i := 10; i > 0; i-- {
			<-sigc
			if i > 1 {
				log.WithField("times", i-1).Info("Already shutting down, interrupt more to panic.")
			}
		}
		panic("Panic closing the replication node")
	}()

	// Wait for stop channel to be closed.
	<-stop
}

// Close handles graceful shutdown of the system.
func (n *ReplNode) Close() {
	n.lock.Lock()
	defer n.lock.Unlock()

	n.services.StopAll()
	if err := n.db.Close(); err != nil {
		log.WithError(err).Error("Could not close metadata store")
	}
	n.cancel()
	log.Info("Stopping replication node")
	close(n.stop)
}

func (n *ReplNode) startDB() error {
	baseDir := n.cliCtx.String(cmd.DataDirFlag.Name)
	dbPath := filepath.Join(baseDir, n.cliCtx.String(flags.ResourceNameFlag.Name))
	store, err := metadata.NewStore(dbPath)
	if err != nil {
		return errors.Wrap(err, "could not open metadata store")
	}
	n.db = store
	return nil
}

func (n *ReplNode) buildResource() error {
	cfg := params.ReplConfig()
	pool := pagepool.NewPool(cfg.MaxBuffers*2, int(cfg.PageSize))
	n.resource = receiver.NewResource(&receiver.ResourceConfig{
		Name:     n.cliCtx.String(flags.ResourceNameFlag.Name),
		NodeID:   n.cliCtx.Int(flags.NodeIDFlag.Name),
		Pool:     pool,
		Metadata: n.db,
	})

	backing := n.cliCtx.String(flags.BackingFileFlag.Name)
	var be backend.Backend
	if backing == "" {
		be = backend.NewMemBackend(n.cliCtx.Int64(flags.VolumeSizeFlag.Name))
		log.Warn("No backing file configured, replicating an in-memory volume")
	} else {
		fb, err := backend.NewFileBackend(backing, n.cliCtx.Int64(flags.VolumeSizeFlag.Name))
		if err != nil {
			return errors.Wrap(err, "could not open backing storage")
		}
		be = fb
	}
	if _, err := n.resource.AddDevice(0, be); err != nil {
		return errors.Wrap(err, "could not attach volume")
	}
	return nil
}

func (n *ReplNode) peerConfigs() ([]*params.NetConfig, error) {
	var peers []*params.NetConfig
	for _, spec := range n.cliCtx.StringSlice(flags.PeersFlag.Name) {
		parts := strings.SplitN(spec, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed peer %q, want <node-id>=<host>:<port>", spec)
		}
		id, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("malformed peer node id %q", parts[0])
		}
		nc := params.DefaultNetConfig()
		nc.PeerNodeID = id
		nc.PeerAddress = parts[1]
		nc.BindAddress = n.cliCtx.String(flags.BindAddrFlag.Name)
		nc.TwoPrimaries = n.cliCtx.Bool(flags.TwoPrimariesFlag.Name)
		nc.WireProtocol = n.cliCtx.Int(flags.WireProtocolFlag.Name)
		nc.IntegrityAlg = n.cliCtx.String(flags.IntegrityAlgFlag.Name)
		nc.DiscardMyData = n.cliCtx.Bool(flags.DiscardMyDataFlag.Name)
		if secret := n.cliCtx.String(flags.SharedSecretFlag.Name); secret != "" {
			nc.CramHMACAlg = "sha256"
			nc.SharedSecret = secret
		}
		peers = append(peers, nc)
	}
	return peers, nil
}

func (n *ReplNode) registerReceiverService() error {
	peers, err := n.peerConfigs()
	if err != nil {
		return err
	}
	svc := receiver.NewService(n.ctx, &receiver.Config{
		Resource: n.resource,
		Registry: transport.NewRegistry(),
		Peers:    peers,
	})
	return n.services.RegisterService(svc)
}

func (n *ReplNode) registerResyncService() error {
	svc, err := resync.NewService(n.ctx, &resync.Config{Resource: n.resource})
	if err != nil {
		return err
	}
	return n.services.RegisterService(svc)
}

func (n *ReplNode) registerPrometheusService() error {
	service := prometheus.NewPrometheusService(
		fmt.Sprintf(":%d", n.cliCtx.Int(cmd.MonitoringPortFlag.Name)),
		n.services,
	)
	return n.services.RegisterService(service)
}

// watchStateEvents surfaces replication state changes to the operator
// log, split brains loudest of all.
func (n *ReplNode) watchStateEvents() {
	ch := make(chan interface{}, 16)
	var sub event.Subscription = n.resource.StateFeed().Subscribe(ch)
	defer sub.Unsubscribe()
	for {
		select {
		case <-n.ctx.Done():
			return
		case ev := <-ch:
			switch e := ev.(type) {
			case *receiver.SplitBrainEvent:
				log.WithFields(log.Fields{
					"resource": e.Resource,
					"peer":     e.Peer,
					"vol":      e.Vol,
				}).Error("Split brain detected, operator intervention required")
			case *receiver.ConnStateEvent:
				log.WithFields(log.Fields{
					"resource": e.Resource,
					"peer":     e.Peer,
					"from":     e.Old.String(),
					"to":       e.New.String(),
				}).Debug("Connection state")
			}
		}
	}
}
