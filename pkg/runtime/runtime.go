// Package runtime multiplexes execution commands and executor completions
// in a single loop, running machines on a bounded set of workers.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/raskyld/contained/pkg/fault"
	"github.com/raskyld/contained/pkg/machine"
	"github.com/raskyld/contained/pkg/sandbox"
	"github.com/raskyld/contained/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName  = "github.com/raskyld/contained/pkg/runtime"
	SpanExecute = "contained.execute"
)

var (
	ErrDuplicateJob = errors.New("runtime: correlation id already in use")
	ErrUnknownJob   = errors.New("runtime: unknown correlation id")
	ErrStopped      = errors.New("runtime: stopped")
	ErrNoID         = errors.New("runtime: dispatch carries no correlation id")
)

var (
	MetricDispatched = []string{"contained", "runtime", "dispatch", "count"}
	MetricRejected   = []string{"contained", "runtime", "dispatch", "rejected", "count"}
	MetricFinished   = []string{"contained", "runtime", "finished", "count"}
	MetricRunning    = []string{"contained", "runtime", "running"}
	MetricQueued     = []string{"contained", "runtime", "queued"}
	MetricSteps      = []string{"contained", "runtime", "steps"}
)

// Resolver gives access to compiled modules. *sandbox.Cache implements it.
type Resolver interface {
	Resolve(ctx context.Context, h sandbox.Hash) (*sandbox.Module, error)
	Install(ctx context.Context, art *sandbox.Artifact, want sandbox.Hash) (sandbox.Hash, error)
}

type job struct {
	d      Dispatch
	ctx    context.Context
	cancel context.CancelCauseFunc
	// stop releases the deadline timer of ctx.
	stop context.CancelFunc
	// unwatch stops the expiry watch of a queued job.
	unwatch func() bool
	state   JobState
	exec  atomic.Pointer[sandbox.Executor]
}

type request struct {
	cmd   Command
	reply chan response
}

type response struct {
	report Report
	err    error
}

// workerMsg carries the events of one job from its worker to the loop.
// The last message of a job has done set.
type workerMsg struct {
	job  *job
	ev   Event
	res  sandbox.Result
	done bool
}

// Runtime owns a bounded set of executors. All its state is owned by the
// loop goroutine; the exported methods only exchange messages with it.
type Runtime struct {
	cfg    config
	res    Resolver
	logger *slog.Logger
	tracer trace.Tracer

	cmdCh    chan request
	workerCh chan workerMsg
	expireCh chan uuid.UUID
	events   chan Event

	// owned by the loop
	queue     *EventQueue
	jobs      map[uuid.UUID]*job
	backlog   []*job
	running   int
	finished  *lru.Cache[uuid.UUID, Report]
	stopping  bool
	graceC    <-chan time.Time
	graceStop func() bool

	wg       sync.WaitGroup
	idle     chan struct{}
	idleOnce sync.Once
	done     chan struct{}
}

// New starts a runtime resolving programs through res.
func New(res Resolver, opts ...Option) (*Runtime, error) {
	cfg := config{
		maxExecutors:  DefaultMaxExecutors,
		backlog:       DefaultBacklog,
		eventBuffer:   DefaultEventBuffer,
		progressEvery: DefaultProgressEvery,
		finished:      DefaultFinished,
		budgets:       sandbox.DefaultBudgets,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if cfg.msink == nil {
		cfg.msink = &metrics.BlackholeSink{}
	}
	if cfg.tracer == nil {
		cfg.tracer = noop.NewTracerProvider()
	}

	finished, err := lru.New[uuid.UUID, Report](cfg.finished)
	if err != nil {
		return nil, err
	}

	r := &Runtime{
		cfg:      cfg,
		res:      res,
		tracer:   cfg.tracer.Tracer(TracerName),
		cmdCh:    make(chan request),
		workerCh: make(chan workerMsg),
		expireCh: make(chan uuid.UUID),
		events:   make(chan Event, cfg.eventBuffer),
		queue:    NewEventQueue(),
		jobs:     make(map[uuid.UUID]*job),
		finished: finished,
		idle:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if cfg.logHandler != nil {
		r.logger = slog.New(cfg.logHandler)
	} else {
		r.logger = slog.Default()
	}

	go r.loop()
	return r, nil
}

// Events returns the outbound event channel. It is closed once the runtime
// has shut down and every event has been delivered.
func (r *Runtime) Events() <-chan Event {
	return r.events
}

// Dispatch admits a program for execution. Rejections are synchronous and
// emit no event.
func (r *Runtime) Dispatch(ctx context.Context, d Dispatch) error {
	return r.submit(ctx, d).err
}

// Cancel marks a job for cancellation. A running machine observes it at its
// next step boundary and fails with fault.Cancelled.
func (r *Runtime) Cancel(ctx context.Context, id uuid.UUID) error {
	return r.submit(ctx, Cancel{ID: id}).err
}

// Query returns the state of a job without blocking its executor.
func (r *Runtime) Query(ctx context.Context, id uuid.UUID) (Report, error) {
	resp := r.submit(ctx, Query{ID: id})
	return resp.report, resp.err
}

// Shutdown stops admissions and waits for running executors, aborting them
// once grace has elapsed. It returns when every executor has stopped or ctx
// is done.
func (r *Runtime) Shutdown(ctx context.Context, grace time.Duration) error {
	if err := r.submit(ctx, Shutdown{Grace: grace}).err; err != nil && !errors.Is(err, ErrStopped) {
		return err
	}
	select {
	case <-r.idle:
		r.wg.Wait()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit sends any command to the loop. Query reports are discarded.
func (r *Runtime) Submit(ctx context.Context, cmd Command) error {
	return r.submit(ctx, cmd).err
}

func (r *Runtime) submit(ctx context.Context, cmd Command) response {
	req := request{cmd: cmd, reply: make(chan response, 1)}
	select {
	case r.cmdCh <- req:
	case <-r.done:
		return response{err: r.stoppedErr(cmd)}
	case <-ctx.Done():
		return response{err: ctx.Err()}
	}
	select {
	case resp := <-req.reply:
		return resp
	case <-ctx.Done():
		return response{err: ctx.Err()}
	}
}

func (r *Runtime) stoppedErr(cmd Command) error {
	if _, ok := cmd.(Dispatch); ok {
		return fault.Wrap(fault.Aborted, ErrStopped, "runtime is not accepting dispatches")
	}
	return ErrStopped
}

func (r *Runtime) loop() {
	defer close(r.done)
	for {
		if r.stopping && r.running == 0 {
			if r.graceStop != nil {
				r.graceStop()
				r.graceStop, r.graceC = nil, nil
			}
			r.idleOnce.Do(func() { close(r.idle) })
			if r.queue.Len() == 0 {
				close(r.events)
				return
			}
		}

		var out chan<- Event
		head, ok := r.queue.Head()
		if ok {
			out = r.events
		}

		select {
		case req := <-r.cmdCh:
			req.reply <- r.handle(req.cmd)
		case msg := <-r.workerCh:
			r.observe(msg)
		case id := <-r.expireCh:
			r.expire(id)
		case out <- head:
			r.queue.Pop()
		case <-r.graceC:
			r.graceC = nil
			r.abortRunning()
		}
	}
}

func (r *Runtime) handle(cmd Command) response {
	switch cmd := cmd.(type) {
	case Dispatch:
		return response{err: r.admit(cmd)}
	case Cancel:
		return response{err: r.cancel(cmd.ID)}
	case Query:
		report, err := r.query(cmd.ID)
		return response{report: report, err: err}
	case Shutdown:
		r.shutdown(cmd.Grace)
		return response{}
	}
	return response{err: fmt.Errorf("runtime: unsupported command %T", cmd)}
}

func (r *Runtime) admit(d Dispatch) error {
	labels := r.cfg.metricLabels
	reject := func(reason string, err error) error {
		r.cfg.msink.IncrCounterWithLabels(MetricRejected, 1.0,
			telemetry.With(labels, telemetry.LabelReason.M(reason)))
		r.logger.Debug("dispatch rejected",
			telemetry.LabelCorrelation.L(d.ID),
			telemetry.LabelReason.L(reason))
		return err
	}

	if r.stopping {
		return reject("shutdown", fault.Wrap(fault.Aborted, ErrStopped, "runtime is shutting down"))
	}
	if d.ID == uuid.Nil {
		return reject("invalid", ErrNoID)
	}
	if _, exists := r.jobs[d.ID]; exists || r.finished.Contains(d.ID) {
		return reject("duplicate", fmt.Errorf("%w: %s", ErrDuplicateJob, d.ID))
	}
	if !d.Start.Valid() {
		return reject("invalid", fault.New(fault.InvalidTriad, "initial state %s", d.Start))
	}
	if r.running >= r.cfg.maxExecutors && len(r.backlog) >= r.cfg.backlog {
		return reject("saturated", fault.New(fault.Saturated,
			"%d executors busy and %d dispatches queued", r.running, len(r.backlog)))
	}

	j := &job{d: d, state: JobQueued}
	base, cancel := context.WithCancelCause(context.Background())
	j.ctx, j.cancel, j.stop = base, cancel, func() {}
	if !d.Deadline.IsZero() {
		j.ctx, j.stop = context.WithDeadlineCause(base, d.Deadline,
			fault.New(fault.Deadline, "deadline %s exceeded", d.Deadline.Format(time.RFC3339Nano)))
	}
	r.jobs[d.ID] = j
	r.cfg.msink.IncrCounterWithLabels(MetricDispatched, 1.0, labels)

	if r.running < r.cfg.maxExecutors {
		r.start(j)
	} else {
		r.backlog = append(r.backlog, j)
		if !d.Deadline.IsZero() {
			r.watch(j)
		}
		r.gauges()
	}
	return nil
}

// watch reports the expiry of a queued job to the loop.
func (r *Runtime) watch(j *job) {
	id := j.d.ID
	j.unwatch = context.AfterFunc(j.ctx, func() {
		select {
		case r.expireCh <- id:
		case <-r.done:
		}
	})
}

// expire fails a job whose deadline passed while it was queued. Jobs that
// already started observe their deadline in the executor.
func (r *Runtime) expire(id uuid.UUID) {
	j, ok := r.jobs[id]
	if !ok || j.state != JobQueued || j.ctx.Err() == nil {
		return
	}
	var ferr *fault.Error
	if !errors.As(context.Cause(j.ctx), &ferr) {
		ferr = fault.New(fault.Deadline, "deadline %s exceeded", j.d.Deadline.Format(time.RFC3339Nano))
	}
	r.logger.Debug("queued dispatch expired", telemetry.LabelCorrelation.L(id))
	r.drop(j, ferr)
}

func (r *Runtime) start(j *job) {
	if j.unwatch != nil {
		j.unwatch()
	}
	j.state = JobRunning
	r.running++
	r.gauges()
	r.queue.Push(Started{ID: j.d.ID, Program: j.d.Program})
	r.logger.Debug("execution started",
		telemetry.LabelCorrelation.L(j.d.ID),
		telemetry.LabelProgram.L(j.d.Program.Short()))

	r.wg.Add(1)
	go r.execute(j)
}

func (r *Runtime) observe(msg workerMsg) {
	if !msg.done {
		r.queue.Push(msg.ev)
		return
	}

	j := msg.job
	j.stop()
	j.cancel(nil)
	r.running--
	delete(r.jobs, j.d.ID)
	r.retire(j, snapshotOf(msg.res))
	r.queue.Push(msg.ev)

	for len(r.backlog) > 0 && r.running < r.cfg.maxExecutors && !r.stopping {
		next := r.backlog[0]
		r.backlog[0] = nil
		r.backlog = r.backlog[1:]
		r.start(next)
	}
	r.gauges()
}

func (r *Runtime) retire(j *job, snap machine.Snapshot) {
	r.finished.Add(j.d.ID, Report{
		ID:       j.d.ID,
		Program:  j.d.Program,
		State:    JobFinished,
		Snapshot: snap,
	})
	r.cfg.msink.IncrCounterWithLabels(MetricFinished, 1.0,
		telemetry.With(r.cfg.metricLabels, telemetry.LabelStatus.M(snap.Status.String())))
	r.cfg.msink.AddSampleWithLabels(MetricSteps, float32(snap.Steps), r.cfg.metricLabels)
}

func (r *Runtime) cancel(id uuid.UUID) error {
	j, ok := r.jobs[id]
	if !ok {
		if r.finished.Contains(id) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if j.state == JobQueued {
		r.drop(j, fault.New(fault.Cancelled, "cancelled before start"))
		return nil
	}
	j.cancel(fault.New(fault.Cancelled, "cancelled by request"))
	return nil
}

// drop fails a job that never reached an executor.
func (r *Runtime) drop(j *job, err *fault.Error) {
	for i, queued := range r.backlog {
		if queued == j {
			r.backlog = append(r.backlog[:i], r.backlog[i+1:]...)
			break
		}
	}
	j.stop()
	j.cancel(err)
	delete(r.jobs, j.d.ID)
	r.retire(j, machine.Snapshot{
		Status:  machine.Failed,
		Triad:   j.d.Start,
		Tape:    j.d.Tape,
		Kind:    err.Kind,
		Message: err.Msg,
	})
	r.queue.Push(Failed{ID: j.d.ID, Kind: err.Kind, Message: err.Msg})
	r.gauges()
}

func (r *Runtime) query(id uuid.UUID) (Report, error) {
	if j, ok := r.jobs[id]; ok {
		report := Report{ID: id, Program: j.d.Program, State: j.state}
		if x := j.exec.Load(); x != nil {
			report.Snapshot = x.Snapshot()
		} else {
			report.Snapshot = machine.Snapshot{Status: machine.Ready, Triad: j.d.Start, Tape: j.d.Tape}
		}
		return report, nil
	}
	if report, ok := r.finished.Get(id); ok {
		return report, nil
	}
	return Report{}, fmt.Errorf("%w: %s", ErrUnknownJob, id)
}

func (r *Runtime) shutdown(grace time.Duration) {
	if r.stopping {
		return
	}
	r.stopping = true
	r.logger.Info("shutting down", "grace", grace, "running", r.running, "queued", len(r.backlog))

	for len(r.backlog) > 0 {
		r.drop(r.backlog[0], fault.New(fault.Aborted, "runtime shut down before start"))
	}
	if r.running == 0 {
		return
	}
	if grace <= 0 {
		r.abortRunning()
		return
	}
	timer := time.NewTimer(grace)
	r.graceC = timer.C
	r.graceStop = timer.Stop
}

func (r *Runtime) abortRunning() {
	for _, j := range r.jobs {
		if j.state == JobRunning {
			j.cancel(fault.New(fault.Aborted, "shutdown grace period expired"))
		}
	}
}

func (r *Runtime) gauges() {
	r.cfg.msink.SetGaugeWithLabels(MetricRunning, float32(r.running), r.cfg.metricLabels)
	r.cfg.msink.SetGaugeWithLabels(MetricQueued, float32(len(r.backlog)), r.cfg.metricLabels)
}

// execute runs on its own goroutine. Everything it reports goes through
// workerCh, which the loop drains until every worker is done.
func (r *Runtime) execute(j *job) {
	defer r.wg.Done()
	id := j.d.ID

	ctx, span := r.tracer.Start(j.ctx, SpanExecute, trace.WithAttributes(
		attribute.String("contained.correlation_id", id.String()),
		attribute.String("contained.program", j.d.Program.String()),
	))
	res := r.run(ctx, j)
	span.SetAttributes(
		attribute.Int("contained.steps", res.Steps),
		attribute.String("contained.status", res.Status.String()),
	)
	if res.Status == machine.Failed {
		span.SetStatus(codes.Error, res.Kind.String())
		span.SetAttributes(attribute.String("contained.failure", res.Kind.String()))
	}
	span.End()

	ev := eventOf(id, res)
	if failed, ok := ev.(Failed); ok {
		r.logger.Debug("execution failed",
			telemetry.LabelCorrelation.L(id),
			telemetry.LabelKind.L(failed.Kind),
			telemetry.LabelError.L(failed.Message))
	} else {
		r.logger.Debug("execution finished",
			telemetry.LabelCorrelation.L(id),
			telemetry.LabelStatus.L(res.Status),
			telemetry.LabelSteps.L(res.Steps))
	}
	r.workerCh <- workerMsg{job: j, ev: ev, res: res, done: true}
}

func (r *Runtime) run(ctx context.Context, j *job) sandbox.Result {
	failed := func(err error) sandbox.Result {
		return sandbox.Result{
			Status:  machine.Failed,
			Kind:    fault.Of(err, fault.UnknownProgram),
			Message: fault.Message(err),
			Triad:   j.d.Start,
			Tape:    j.d.Tape,
			Head:    j.d.Head,
		}
	}

	if j.d.Artifact != nil {
		if _, err := r.res.Install(ctx, j.d.Artifact, j.d.Program); err != nil {
			return failed(err)
		}
	}
	mod, err := r.res.Resolve(ctx, j.d.Program)
	if err != nil {
		if ctx.Err() != nil {
			return failed(fault.Wrap(fault.Of(context.Cause(ctx), fault.Cancelled), err, "program unavailable"))
		}
		return failed(err)
	}

	x, err := sandbox.NewExecutor(mod, j.d.Start, j.d.Tape, sandbox.ExecOptions{
		Name:          j.d.ID.String(),
		Head:          j.d.Head,
		Defaults:      r.cfg.budgets,
		Limits:        r.cfg.limits,
		ProgressEvery: r.cfg.progressEvery,
		OnProgress: func(steps int) {
			r.workerCh <- workerMsg{job: j, ev: Progress{ID: j.d.ID, Steps: steps}}
		},
	})
	if err != nil {
		return failed(err)
	}
	j.exec.Store(x)
	return x.Run(ctx)
}

func snapshotOf(res sandbox.Result) machine.Snapshot {
	return machine.Snapshot{
		Status:  res.Status,
		Triad:   res.Triad,
		Tape:    res.Tape,
		Head:    res.Head,
		Steps:   res.Steps,
		Kind:    res.Kind,
		Message: res.Message,
	}
}
