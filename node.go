package contained

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/contained/pkg/identity"
	"github.com/raskyld/contained/pkg/runtime"
	"github.com/raskyld/contained/pkg/sandbox"
	"github.com/raskyld/contained/pkg/telemetry"
)

const (
	DefaultSubnet = "default"
	DefaultLeave  = 4 * time.Second

	identityFile = "identity.key"
	storeFile    = "programs.db"
)

// Node is a peer of a contained subnet. It gossips membership through
// memberlist, routes dispatches through its Coordinator and, when it is a
// full peer, runs the dispatches elected on it.
type Node struct {
	config config
	logger *slog.Logger

	ident *identity.Identity
	tr    *Transport
	ml    *memberlist.Memberlist
	coord *Coordinator
	rt    *runtime.Runtime
	cache *sandbox.Cache
	store sandbox.Store

	keepAlive time.Duration

	// synchronisation
	lk sync.Mutex

	// 2-phase close:
	// phase 1: shutdown notification, graceful termination.
	// phase 2: drop, all resources are freed.
	shutdown   bool
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

func Create(opts ...Option) (n *Node, err error) {
	n = &Node{
		shutdownCh: make(chan struct{}),
	}

	n.config.mlCfg = memberlist.DefaultLANConfig()
	n.config.mlCfg.BindPort = DefaultPort
	n.config.trCfg.BindPort = DefaultPort
	n.config.mlCfg.ProbeTimeout = 2 * time.Second
	n.config.mlCfg.LogOutput = nil
	n.config.coordCfg.Subnet = DefaultSubnet
	n.config.cacheSize = DefaultCacheSize

	for _, opt := range opts {
		if err := opt(&n.config); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	cfg := &n.config

	// Logging implementations.
	if cfg.logHandler == nil {
		cfg.logHandler = slog.Default().Handler()
	}
	n.logger = slog.New(cfg.logHandler)
	cfg.mlCfg.Logger = slog.NewLogLogger(cfg.logHandler, slog.LevelDebug)

	// Metrics implementations.
	if cfg.msink == nil {
		cfg.msink = metrics.Default()
	}

	defer func() {
		if err != nil {
			n.release()
		}
	}()

	if err = n.loadIdentity(); err != nil {
		return nil, err
	}
	cfg.mlCfg.Name = n.ident.ID.String()
	n.logger = n.logger.With(telemetry.LabelPeerID.L(n.ident.ID.Short()))

	// Both channels of the subnet: memberlist and envelopes.
	var network Network
	if cfg.mockNet != nil {
		mock := cfg.mockNet.NewTransport(cfg.mlCfg.Name)
		cfg.mlCfg.Transport = mock
		network = cfg.hub.Attach(n.ident.ID)
	} else {
		if cfg.trCfg.TlsConfig == nil {
			cfg.trCfg.TlsConfig, err = n.ident.TLSConfig()
			if err != nil {
				return nil, err
			}
		}
		n.tr, err = NewTransport(&cfg.trCfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		cfg.mlCfg.Transport = n.tr
		network = n.tr
	}

	ip, port, err := cfg.mlCfg.Transport.FinalAdvertiseAddr(cfg.mlCfg.AdvertiseAddr, cfg.mlCfg.AdvertisePort)
	if err != nil {
		return nil, err
	}

	// Artifacts and the local runtime.
	if err = n.openStore(); err != nil {
		return nil, err
	}
	n.cache, err = sandbox.NewCache(n.store, cfg.cacheSize,
		sandbox.WithCacheLogger(n.logger),
		sandbox.WithCacheMetrics(cfg.msink, cfg.metricLabels),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	var runner Runner
	if cfg.coordCfg.Self.Role == RoleFull {
		rtOpts := append([]runtime.Option{
			runtime.WithLog(cfg.logHandler),
			runtime.WithMetricSink(cfg.msink, cfg.metricLabels),
		}, cfg.rtOpts...)
		n.rt, err = runtime.New(n.cache, rtOpts...)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		runner = n.rt
	}

	// Keep-alives ride on memberlist rather than on envelopes.
	n.keepAlive = cfg.coordCfg.KeepAlive
	if n.keepAlive == 0 {
		n.keepAlive = DefaultKeepAlive
	}
	coordCfg := cfg.coordCfg
	coordCfg.Self.ID = n.ident.ID
	coordCfg.Self.Addr = net.JoinHostPort(ip.String(), strconv.Itoa(port))
	coordCfg.KeepAlive = 0
	coordCfg.LogHandler = cfg.logHandler
	coordCfg.MetricSink = cfg.msink
	n.coord, err = NewCoordinator(coordCfg, network, runner)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	g := newGossip(n.logger, n.coord, coordCfg.Self.Role, coordCfg.Subnet)
	cfg.mlCfg.Delegate = g
	cfg.mlCfg.Events = g

	n.ml, err = memberlist.Create(cfg.mlCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		<-n.shutdownCh
		cancel()
	}()
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		g.keepAlive(ctx, n.ml, n.keepAlive)
	}()

	n.logger.Info("node created",
		telemetry.LabelPeerAddr.L(coordCfg.Self.Addr),
		telemetry.LabelPeerRole.L(coordCfg.Self.Role.String()),
		slog.String("subnet", coordCfg.Subnet),
	)
	return n, nil
}

func (n *Node) loadIdentity() error {
	if n.config.ident != nil {
		n.ident = n.config.ident
		return nil
	}
	if n.config.dataDir == "" {
		ident, err := identity.Generate()
		if err != nil {
			return err
		}
		n.ident = ident
		return nil
	}
	ident, created, err := identity.LoadOrGenerate(filepath.Join(n.config.dataDir, identityFile))
	if err != nil {
		return err
	}
	if created {
		n.logger.Info("generated a new identity", telemetry.LabelPeerID.L(ident.ID.Short()))
	}
	n.ident = ident
	return nil
}

func (n *Node) openStore() error {
	switch {
	case n.config.store != nil:
		n.store = n.config.store
	case n.config.dataDir != "":
		store, err := sandbox.OpenSQLite(filepath.Join(n.config.dataDir, storeFile))
		if err != nil {
			return err
		}
		n.store = store
	default:
		n.store = sandbox.NewMemoryStore()
	}
	return nil
}

// JoinSubnet contacts the neighbours given with WithNeighbours, or the
// addresses passed.
func (n *Node) JoinSubnet(addrs ...string) error {
	n.lk.Lock()
	defer n.lk.Unlock()
	if n.shutdown {
		return ErrNodeClosed
	}
	neighbours := append(append([]string{}, n.config.neighbours...), addrs...)
	if len(neighbours) == 0 {
		return nil
	}
	joined, err := n.ml.Join(neighbours)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}
	n.logger.Info("subnet joined")
	if len(neighbours) != joined {
		n.logger.Warn(
			"not all neighbours are reachable",
			"joined", joined,
			"expected", len(neighbours),
		)
	}
	return nil
}

// Self is the local peer as advertised to the subnet.
func (n *Node) Self() Peer {
	return n.coord.Self()
}

// Identity is the key of the node.
func (n *Node) Identity() *identity.Identity {
	return n.ident
}

// Addr is where memberlist reaches the node.
func (n *Node) Addr() string {
	return n.ml.LocalNode().Address()
}

// Members returns a snapshot of the membership table.
func (n *Node) Members() View {
	return n.coord.Members()
}

// Events returns the routing events of the node.
func (n *Node) Events() <-chan Event {
	return n.coord.Events()
}

// Install stores an artifact on this node so dispatches can refer to it by
// hash.
func (n *Node) Install(ctx context.Context, art *sandbox.Artifact) (sandbox.Hash, error) {
	return n.cache.Install(ctx, art, sandbox.Hash{})
}

// Dispatch executes req in the subnet and waits for its result.
func (n *Node) Dispatch(ctx context.Context, req Request, opts ...DispatchOption) (Result, error) {
	n.lk.Lock()
	shutdown := n.shutdown
	n.lk.Unlock()
	if shutdown {
		return Result{}, ErrNodeClosed
	}
	return n.coord.Dispatch(ctx, req, opts...)
}

// Cancel stops a dispatch this node submitted, wherever it runs. The
// pending Dispatch returns the Failed result of the executor.
func (n *Node) Cancel(id uuid.UUID) error {
	return n.coord.Cancel(id)
}

func (n *Node) Shutdown() error {
	// Phase 1: Shutdown notify.
	n.lk.Lock()
	if n.shutdown {
		n.lk.Unlock()
		return nil
	}
	n.shutdown = true
	close(n.shutdownCh)
	n.lk.Unlock()

	start := time.Now()
	n.logger.Info("shutting down...")

	n.logger.Info("shutdown: leave subnet")
	if err := n.ml.Leave(DefaultLeave); err != nil {
		n.logger.Warn("leave not acknowledged", telemetry.LabelError.L(err))
	}

	n.logger.Info("shutdown: drain executions")
	if n.rt != nil {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultLeave+n.config.trCfg.GracePeriod)
		if err := n.rt.Shutdown(ctx, n.config.trCfg.GracePeriod); err != nil {
			n.logger.Warn("runtime did not drain", telemetry.LabelError.L(err))
		}
		cancel()
	}

	// Phase 2: Drop all resources.
	n.logger.Info("shutdown: release resources")
	n.release()

	n.logger.Info("shutdown: wait for sub-tasks to finish")
	n.wg.Wait()

	n.logger.Info("shutdown: completed", telemetry.LabelDuration.L(time.Since(start)))
	return nil
}

// release frees whatever Create allocated. It is safe on a partially
// created node.
func (n *Node) release() {
	if n.coord != nil {
		n.coord.Close()
	}
	if n.ml != nil {
		// closes the transport too
		n.ml.Shutdown()
	} else if n.tr != nil {
		n.tr.Shutdown()
	}
	if n.rt != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = n.rt.Shutdown(ctx, 0)
		cancel()
	}
	if closer, ok := n.store.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			n.logger.Warn("artifact store not closed", telemetry.LabelError.L(err))
		}
	}
}
