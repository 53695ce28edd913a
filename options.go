package contained

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/contained/pkg/identity"
	"github.com/raskyld/contained/pkg/runtime"
	"github.com/raskyld/contained/pkg/sandbox"
)

const DefaultCacheSize = 64

type config struct {
	mlCfg        *memberlist.Config
	trCfg        TransportConfig
	coordCfg     CoordinatorConfig
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	neighbours   []string

	ident     *identity.Identity
	dataDir   string
	store     sandbox.Store
	cacheSize int
	rtOpts    []runtime.Option

	// in-process subnets, used by tests and local demos
	mockNet *memberlist.MockNetwork
	hub     *Loopback
}

// Option to pass to `Create`
type Option func(*config) error

// WithListenOn specifies which UDP interface the node listens on.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		c.mlCfg.BindAddr = addr
		c.mlCfg.BindPort = port
		c.trCfg.BindAddr = addr
		c.trCfg.BindPort = port
		return nil
	}
}

// WithAdvertise overrides the address other peers use to reach us.
func WithAdvertise(addr string, port int) Option {
	return func(c *config) error {
		c.mlCfg.AdvertiseAddr = addr
		c.mlCfg.AdvertisePort = port
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		c.trCfg.LogHandler = handler
		c.coordCfg.LogHandler = handler
		return nil
	}
}

// WithRole sets whether the node hosts executors.
func WithRole(role Role) Option {
	return func(c *config) error {
		if role > RoleLight {
			return errors.New("unknown role")
		}
		c.coordCfg.Self.Role = role
		return nil
	}
}

// WithSubnet sets the subnet the node belongs to. Peers of other subnets
// are ignored.
func WithSubnet(subnet string) Option {
	return func(c *config) error {
		if subnet == "" {
			return errors.New("subnet cannot be empty")
		}
		c.coordCfg.Subnet = subnet
		return nil
	}
}

// WithIdentity sets the key of the node. Without it, the key is loaded from
// the data directory, or generated.
func WithIdentity(ident *identity.Identity) Option {
	return func(c *config) error {
		if ident == nil {
			return errors.New("nil identity")
		}
		c.ident = ident
		return nil
	}
}

// WithDataDir persists the identity and the artifact store under dir.
func WithDataDir(dir string) Option {
	return func(c *config) error {
		c.dataDir = dir
		return nil
	}
}

// WithStore sets where artifacts are stored. It takes precedence over the
// data directory.
func WithStore(store sandbox.Store) Option {
	return func(c *config) error {
		c.store = store
		return nil
	}
}

// WithCacheSize bounds how many compiled modules stay in memory.
func WithCacheSize(size int) Option {
	return func(c *config) error {
		if size < 1 {
			return errors.New("cache size must be positive")
		}
		c.cacheSize = size
		return nil
	}
}

// WithRuntime passes options to the local runtime of full nodes.
func WithRuntime(opts ...runtime.Option) Option {
	return func(c *config) error {
		c.rtOpts = append(c.rtOpts, opts...)
		return nil
	}
}

// WithTimings tunes peer liveness and response delivery.
func WithTimings(staleAfter, evictAfter, deliveryTimeout, retention time.Duration) Option {
	return func(c *config) error {
		c.coordCfg.StaleAfter = staleAfter
		c.coordCfg.EvictAfter = evictAfter
		c.coordCfg.DeliveryTimeout = deliveryTimeout
		c.coordCfg.Retention = retention
		return nil
	}
}

// WithKeepAlive sets the period at which digests are pushed to members.
func WithKeepAlive(period time.Duration) Option {
	return func(c *config) error {
		if period <= 0 {
			return errors.New("keep-alive period must be positive")
		}
		c.coordCfg.KeepAlive = period
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Node.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		c.trCfg.MetricLabels = labels
		c.coordCfg.MetricLabels = labels

		// TODO(raskyld): Wait for the buildflag to always use the
		// hashicorp version so we don't need to do the translation.
		c.mlCfg.MetricLabels = make([]leg_metrics.Label, len(labels))
		for i, label := range labels {
			c.mlCfg.MetricLabels[i] = leg_metrics.Label{
				Name:  label.Name,
				Value: label.Value,
			}
		}
		return nil
	}
}

// WithTlsConfig overrides the `tls.Config` derived from the identity. Peers
// are still authenticated by the key of their certificate.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.trCfg.TlsConfig = tlsConf.Clone()
		return nil
	}
}

// WithHintMaxStreams gives an indication of the maximum number of
// concurrent streams a peer may open with us.
func WithHintMaxStreams(hint int64) Option {
	return func(c *config) error {
		if hint == 0 {
			hint = 10000
		}
		c.trCfg.HintMaxStreams = hint
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Node`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		c.trCfg.MetricSink = ms
		c.coordCfg.MetricSink = ms
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote node to answer.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		c.trCfg.DialTimeout = timeout
		return nil
	}
}

// WithGracePeriod controls how much time we wait on Shutdown for UDP
// buffers to flush.
func WithGracePeriod(period time.Duration) Option {
	return func(c *config) error {
		if period == 0 {
			period = 10 * time.Second
		}
		c.trCfg.GracePeriod = period
		return nil
	}
}

// WithNeighbours controls which peers are tried initially to Join the
// subnet.
func WithNeighbours(neighbours []string) Option {
	return func(c *config) error {
		c.neighbours = neighbours
		return nil
	}
}

// WithInProcess runs the node without sockets: memberlist traffic goes
// through mock and envelopes through hub. Every node of the subnet must
// share both.
func WithInProcess(mock *memberlist.MockNetwork, hub *Loopback) Option {
	return func(c *config) error {
		if mock == nil || hub == nil {
			return errors.New("in-process nodes need a mock network and a hub")
		}
		c.mockNet = mock
		c.hub = hub
		return nil
	}
}
