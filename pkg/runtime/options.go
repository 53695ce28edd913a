package runtime

import (
	"errors"
	"log/slog"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/contained/pkg/sandbox"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMaxExecutors  = 4
	DefaultBacklog       = 64
	DefaultEventBuffer   = 256
	DefaultProgressEvery = 64
	DefaultFinished      = 1024
)

type config struct {
	maxExecutors  int
	backlog       int
	eventBuffer   int
	progressEvery int
	finished      int
	budgets       sandbox.Budgets
	limits        sandbox.Budgets
	logHandler    slog.Handler
	msink         metrics.MetricSink
	metricLabels  []metrics.Label
	tracer        trace.TracerProvider
}

// Option to pass to `New`.
type Option func(*config) error

// WithMaxExecutors bounds how many machines run in parallel.
func WithMaxExecutors(n int) Option {
	return func(c *config) error {
		if n < 1 {
			return errors.New("runtime: at least one executor is required")
		}
		c.maxExecutors = n
		return nil
	}
}

// WithBacklog bounds how many dispatches wait for an executor before new
// ones are rejected as saturated.
func WithBacklog(n int) Option {
	return func(c *config) error {
		if n < 0 {
			return errors.New("runtime: backlog cannot be negative")
		}
		c.backlog = n
		return nil
	}
}

// WithEventBuffer sets the capacity of the channel returned by Events.
func WithEventBuffer(n int) Option {
	return func(c *config) error {
		if n < 0 {
			return errors.New("runtime: event buffer cannot be negative")
		}
		c.eventBuffer = n
		return nil
	}
}

// WithProgressEvery sets how many steps separate two Progress events.
// Zero disables them.
func WithProgressEvery(steps int) Option {
	return func(c *config) error {
		c.progressEvery = steps
		return nil
	}
}

// WithFinishedRetention sets how many finished jobs stay queryable.
func WithFinishedRetention(n int) Option {
	return func(c *config) error {
		if n < 1 {
			n = DefaultFinished
		}
		c.finished = n
		return nil
	}
}

// WithBudgets sets the budgets of modules whose manifest declares none.
func WithBudgets(b Budgets) Option {
	return func(c *config) error {
		c.budgets = b
		return nil
	}
}

// WithLimits caps the budgets any manifest may declare on this runtime.
// Zero fields fall back to sandbox.MaxBudgets.
func WithLimits(b Budgets) Option {
	return func(c *config) error {
		c.limits = b
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the runtime.
func WithMetricSink(ms metrics.MetricSink, labels []metrics.Label) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		c.metricLabels = labels
		return nil
	}
}

// WithTracerProvider sets where execution spans are recorded.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) error {
		c.tracer = tp
		return nil
	}
}

// Budgets is re-exported so callers configure the runtime without importing
// the sandbox.
type Budgets = sandbox.Budgets
