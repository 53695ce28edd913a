package sandbox

import (
	"context"
	"log/slog"

	"github.com/hashicorp/go-metrics"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/raskyld/contained/pkg/fault"
	"golang.org/x/sync/singleflight"
)

var (
	MetricCacheHit  = []string{"contained", "program", "cache", "hit"}
	MetricCacheLoad = []string{"contained", "program", "cache", "load"}
	MetricCacheMiss = []string{"contained", "program", "cache", "unknown"}
)

const DefaultCacheSize = 128

// Cache maps hashes to compiled modules. Hits are served concurrently;
// misses go through a per-hash flight so a module is loaded at most once
// no matter how many executors ask for it at the same time.
type Cache struct {
	store  Store
	mods   *lru.Cache[Hash, *Module]
	flight singleflight.Group
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

type CacheOption func(*Cache)

func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *Cache) {
		c.logger = logger
	}
}

func WithCacheMetrics(sink metrics.MetricSink, labels []metrics.Label) CacheOption {
	return func(c *Cache) {
		c.msink = sink
		c.labels = labels
	}
}

func NewCache(store Store, size int, opts ...CacheOption) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	mods, err := lru.New[Hash, *Module](size)
	if err != nil {
		return nil, err
	}
	c := &Cache{
		store:  store,
		mods:   mods,
		logger: slog.Default(),
		msink:  &metrics.BlackholeSink{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Resolve returns the compiled module for h, loading it from the store on
// a miss.
func (c *Cache) Resolve(ctx context.Context, h Hash) (*Module, error) {
	if mod, ok := c.mods.Get(h); ok {
		c.msink.IncrCounterWithLabels(MetricCacheHit, 1.0, c.labels)
		return mod, nil
	}

	v, err, _ := c.flight.Do(h.String(), func() (any, error) {
		// A flight that just landed may have filled the slot.
		if mod, ok := c.mods.Get(h); ok {
			return mod, nil
		}
		art, err := c.store.Get(ctx, h)
		if err != nil {
			if fault.KindOf(err) == fault.UnknownProgram {
				c.msink.IncrCounterWithLabels(MetricCacheMiss, 1.0, c.labels)
			}
			return nil, err
		}
		if art.Hash() != h {
			return nil, fault.New(fault.Serialization, "store returned module %s for %s", art.Hash().Short(), h.Short())
		}
		mod, err := Compile(art)
		if err != nil {
			return nil, err
		}
		c.mods.Add(h, mod)
		c.msink.IncrCounterWithLabels(MetricCacheLoad, 1.0, c.labels)
		c.logger.Debug("module loaded", "hash", h.Short(), "name", art.Manifest.Name)
		return mod, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Module), nil
}

// Install verifies and stores an artifact, returning its hash. When want
// is non-zero the artifact must hash to it.
func (c *Cache) Install(ctx context.Context, art *Artifact, want Hash) (Hash, error) {
	h := art.Hash()
	if !want.IsZero() && h != want {
		return h, fault.New(fault.Serialization, "artifact hashes to %s, expected %s", h.Short(), want.Short())
	}
	if c.mods.Contains(h) {
		return h, nil
	}
	if _, err := Compile(art); err != nil {
		return h, err
	}
	if err := c.store.Put(ctx, art); err != nil {
		return h, err
	}
	return h, nil
}
