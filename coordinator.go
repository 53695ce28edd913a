package contained

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/contained/pkg/fault"
	"github.com/raskyld/contained/pkg/identity"
	"github.com/raskyld/contained/pkg/machine"
	"github.com/raskyld/contained/pkg/runtime"
	"github.com/raskyld/contained/pkg/telemetry"
	"github.com/raskyld/contained/pkg/wire"
)

const (
	DefaultStaleAfter      = 5 * time.Second
	DefaultEvictAfter      = 30 * time.Second
	DefaultDeliveryTimeout = 10 * time.Second
	DefaultRetention       = 2 * time.Minute
	DefaultKeepAlive       = time.Second
	DefaultEventBacklog    = 1024
)

// CoordinatorConfig represents the configuration of the subnet
// coordinator.
type CoordinatorConfig struct {
	// Self is the local peer as advertised to others.
	Self Peer

	// Subnet observations from any other subnet are ignored.
	Subnet string

	// StaleAfter is the age of the last observation past which a peer is
	// no longer elected. EvictAfter removes it from the table.
	StaleAfter time.Duration
	EvictAfter time.Duration

	// DeliveryTimeout bounds the retries of one response delivery.
	DeliveryTimeout time.Duration

	// Retention is how long an undelivered response is kept before it is
	// discarded with an Undeliverable event.
	Retention time.Duration

	// KeepAlive is the period of digest gossip over the Network. Zero
	// disables it, which is what nodes gossiping through memberlist do.
	KeepAlive time.Duration

	// SweepInterval is the period of evictions and outbox retries.
	SweepInterval time.Duration

	// EventBacklog bounds the events waiting for a reader of Events. The
	// oldest ones are dropped past it.
	EventBacklog int

	LogHandler   slog.Handler
	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
}

// Runner executes the dispatches elected on the local peer.
// *runtime.Runtime implements it.
type Runner interface {
	Dispatch(ctx context.Context, d runtime.Dispatch) error
	Cancel(ctx context.Context, id uuid.UUID) error
	Events() <-chan runtime.Event
}

// Coordinator owns the membership table of a peer and routes dispatches
// between the peers of its subnet.
//
// Every piece of routing state is owned by a single loop. Network I/O
// happens on short-lived goroutines which report back to the loop.
type Coordinator struct {
	cfg     CoordinatorConfig
	logger  *slog.Logger
	msink   metrics.MetricSink
	labels  []metrics.Label
	members *Membership
	net     Network
	runner  Runner

	ctx    context.Context
	cancel context.CancelFunc

	cmdCh     chan coordCmd
	inboundCh chan inbound
	routedCh  chan routed
	repliedCh chan replied
	events    chan Event
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	// owned by the loop
	queue   []Event
	pending map[uuid.UUID]*waiting
	routes  map[uuid.UUID]identity.PeerID
	routing map[uuid.UUID]*routing
	outbox  map[uuid.UUID]*parked
}

type coordCmd interface {
	coordCmd()
}

type cmdObserve struct {
	subnet string
	peer   Peer
	at     time.Time
}

type cmdForget struct {
	id identity.PeerID
	at time.Time
}

type cmdMerge struct {
	digest *Digest
	at     time.Time
}

type cmdRegister struct {
	id     uuid.UUID
	waiter chan Result
	reply  chan error
}

type cmdAbandon struct {
	id uuid.UUID
}

type cmdCancel struct {
	id    uuid.UUID
	reply chan error
}

func (cmdObserve) coordCmd()  {}
func (cmdForget) coordCmd()   {}
func (cmdMerge) coordCmd()    {}
func (cmdRegister) coordCmd() {}
func (cmdAbandon) coordCmd()  {}
func (cmdCancel) coordCmd()   {}

// waiting is a dispatch submitted by the local peer.
type waiting struct {
	// result is nil once the caller gave up.
	result   chan Result
	executor identity.PeerID
	// cancelled dispatches are stopped on their executor as soon as it is
	// known.
	cancelled bool
	since     time.Time
}

type inbound struct {
	from identity.PeerID
	env  *wire.Envelope
}

// routing is a dispatch an entry peer is placing on an executor.
type routing struct {
	env        *wire.Envelope
	req        *Request
	candidates []Peer
	idx        int
}

type routed struct {
	id  uuid.UUID
	err error
}

type replied struct {
	to  identity.PeerID
	env *wire.Envelope
	err error
}

// parked is a response waiting for its origin to come back.
type parked struct {
	to       identity.PeerID
	env      *wire.Envelope
	expires  time.Time
	retryAt  time.Time
	inflight bool
}

// DispatchOption customizes a single dispatch.
type DispatchOption func(*dispatchOptions)

type dispatchOptions struct {
	via *Peer
}

// Via sends the dispatch to peer, which routes it on behalf of the caller.
// By default a full peer routes its own dispatches and a light peer sends
// them to the best ranked executor it knows.
func Via(peer Peer) DispatchOption {
	return func(o *dispatchOptions) {
		o.via = &peer
	}
}

func NewCoordinator(cfg CoordinatorConfig, network Network, runner Runner) (*Coordinator, error) {
	if cfg.Self.ID.IsZero() {
		return nil, fmt.Errorf("%w: coordinator needs a peer id", ErrInvalidCfg)
	}
	if cfg.Self.Role == RoleFull && runner == nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, ErrNoRunner)
	}
	if network == nil {
		return nil, fmt.Errorf("%w: coordinator needs a network", ErrInvalidCfg)
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.EvictAfter == 0 {
		cfg.EvictAfter = DefaultEvictAfter
	}
	if cfg.EvictAfter < cfg.StaleAfter {
		return nil, fmt.Errorf("%w: eviction happens before staleness", ErrInvalidCfg)
	}
	if cfg.DeliveryTimeout == 0 {
		cfg.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if cfg.Retention == 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.EventBacklog == 0 {
		cfg.EventBacklog = DefaultEventBacklog
	}

	c := &Coordinator{
		cfg:       cfg,
		members:   NewMembership(cfg.Self, cfg.StaleAfter, cfg.EvictAfter),
		net:       network,
		runner:    runner,
		cmdCh:     make(chan coordCmd),
		inboundCh: make(chan inbound),
		routedCh:  make(chan routed),
		repliedCh: make(chan replied),
		events:    make(chan Event),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		pending:   make(map[uuid.UUID]*waiting),
		routes:    make(map[uuid.UUID]identity.PeerID),
		routing:   make(map[uuid.UUID]*routing),
		outbox:    make(map[uuid.UUID]*parked),
	}

	if cfg.LogHandler == nil {
		c.logger = slog.Default()
	} else {
		c.logger = slog.New(cfg.LogHandler)
	}
	c.logger = c.logger.With(
		telemetry.LabelPeerID.L(cfg.Self.ID.Short()),
		telemetry.LabelPeerRole.L(cfg.Self.Role.String()),
	)

	if cfg.MetricSink == nil {
		c.msink = metrics.Default()
	} else {
		c.msink = cfg.MetricSink
	}
	c.labels = telemetry.With(cfg.MetricLabels, telemetry.LabelPeerRole.M(cfg.Self.Role.String()))

	c.ctx, c.cancel = context.WithCancel(context.Background())
	network.Handle(c.receive)
	go c.loop()
	return c, nil
}

// Events returns the coordinator events. The channel is closed by Close.
// Up to EventBacklog events wait for a reader, older ones are dropped.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

func (c *Coordinator) Self() Peer {
	return c.cfg.Self
}

// Members returns a snapshot of the membership table.
func (c *Coordinator) Members() View {
	return c.members.Snapshot()
}

// Observe records that peer, advertising subnet, is alive.
func (c *Coordinator) Observe(subnet string, peer Peer) error {
	return c.submit(cmdObserve{subnet: subnet, peer: peer, at: time.Now()})
}

// Forget removes a peer which announced its departure.
func (c *Coordinator) Forget(id identity.PeerID) error {
	return c.submit(cmdForget{id: id, at: time.Now()})
}

// MergeDigest folds a digest received from the gossip channel.
func (c *Coordinator) MergeDigest(d *Digest) error {
	return c.submit(cmdMerge{digest: d, at: time.Now()})
}

// Digest summarizes the local membership table, the local peer first.
func (c *Coordinator) Digest() *Digest {
	now := time.Now()
	view := c.members.Snapshot()
	d := &Digest{
		Subnet: c.cfg.Subnet,
		Peers:  []DigestEntry{{Peer: c.cfg.Self}},
	}
	for _, member := range view.Members() {
		d.Peers = append(d.Peers, DigestEntry{Peer: member.Peer, Age: now.Sub(member.LastSeen)})
	}
	return d
}

// Dispatch executes req somewhere in the subnet and waits for its result.
//
// A dispatch that ran and failed returns a Failed result and a nil error.
// The error is reserved to the cases where no result could be obtained:
// the entry peer was unreachable, ctx ended, or the coordinator closed.
func (c *Coordinator) Dispatch(ctx context.Context, req Request, opts ...DispatchOption) (Result, error) {
	var o dispatchOptions
	for _, opt := range opts {
		opt(&o)
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if dl, ok := ctx.Deadline(); ok && (req.Deadline.IsZero() || dl.Before(req.Deadline)) {
		req.Deadline = dl
	}

	waiter := make(chan Result, 1)
	reply := make(chan error, 1)
	if err := c.submit(cmdRegister{id: req.ID, waiter: waiter, reply: reply}); err != nil {
		return Result{}, err
	}
	if err := <-reply; err != nil {
		return Result{}, err
	}

	entry := c.cfg.Self
	if o.via != nil {
		entry = *o.via
	}
	env := wire.New(wire.KindRequest, req.ID, c.cfg.Self.ID, req.marshal())
	if entry.ID == c.cfg.Self.ID {
		c.receive(c.cfg.Self.ID, env)
	} else if err := c.net.Deliver(ctx, entry, env); err != nil {
		c.abandon(req.ID)
		return Result{}, fault.Wrap(fault.Of(err, fault.TransportFailure), err, "entry peer unreachable")
	}

	select {
	case res := <-waiter:
		return res, nil
	case <-ctx.Done():
		// the executor, once known, is asked to stop the machine
		c.abandon(req.ID)
		kind := fault.Cancelled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = fault.Deadline
		}
		return Result{}, fault.Wrap(kind, ctx.Err(), "dispatch abandoned")
	case <-c.done:
		return Result{}, ErrCoordinatorDown
	}
}

// Cancel stops a dispatch submitted by this peer on its executor. The
// pending Dispatch call returns the Failed result the executor reports.
func (c *Coordinator) Cancel(id uuid.UUID) error {
	reply := make(chan error, 1)
	if err := c.submit(cmdCancel{id: id, reply: reply}); err != nil {
		return err
	}
	return <-reply
}

// Close stops the loop. Pending dispatches fail with ErrCoordinatorDown.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.done)
	})
	<-c.stopped
	return nil
}

func (c *Coordinator) submit(cmd coordCmd) error {
	select {
	case c.cmdCh <- cmd:
		return nil
	case <-c.done:
		return ErrCoordinatorDown
	}
}

func (c *Coordinator) abandon(id uuid.UUID) {
	_ = c.submit(cmdAbandon{id: id})
}

// receive is the EnvelopeHandler registered on the network.
func (c *Coordinator) receive(from identity.PeerID, env *wire.Envelope) {
	select {
	case c.inboundCh <- inbound{from: from, env: env}:
	case <-c.done:
	}
}

func (c *Coordinator) loop() {
	defer close(c.stopped)
	defer close(c.events)

	sweep := time.NewTicker(c.cfg.SweepInterval)
	defer sweep.Stop()

	var keepAlive <-chan time.Time
	if c.cfg.KeepAlive > 0 {
		ticker := time.NewTicker(c.cfg.KeepAlive)
		defer ticker.Stop()
		keepAlive = ticker.C
	}

	var rtEvents <-chan runtime.Event
	if c.runner != nil {
		rtEvents = c.runner.Events()
	}

	for {
		var out chan<- Event
		var head Event
		if len(c.queue) > 0 {
			out = c.events
			head = c.queue[0]
		}

		select {
		case <-c.done:
			return
		case cmd := <-c.cmdCh:
			c.handle(cmd)
		case in := <-c.inboundCh:
			c.onEnvelope(in)
		case r := <-c.routedCh:
			c.onRouted(r)
		case r := <-c.repliedCh:
			c.onReplied(r)
		case ev, ok := <-rtEvents:
			if !ok {
				rtEvents = nil
				continue
			}
			c.onRuntimeEvent(ev)
		case now := <-sweep.C:
			c.sweep(now)
		case <-keepAlive:
			c.gossip()
		case out <- head:
			c.queue[0] = nil
			c.queue = c.queue[1:]
		}
	}
}

func (c *Coordinator) emit(ev Event) {
	if len(c.queue) >= c.cfg.EventBacklog {
		dropped := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.msink.IncrCounterWithLabels(MetricEventsDropped, 1.0, c.labels)
		c.logger.Warn("event backlog full, dropping the oldest event",
			telemetry.LabelCorrelation.L(dropped.Correlation().String()),
		)
	}
	c.queue = append(c.queue, ev)
}

func (c *Coordinator) handle(cmd coordCmd) {
	switch cmd := cmd.(type) {
	case cmdObserve:
		c.observe(cmd.subnet, cmd.peer, cmd.at)
	case cmdForget:
		if c.members.Forget(cmd.id, cmd.at) {
			c.logger.Info("peer left the subnet", telemetry.LabelPeerID.L(cmd.id.Short()))
		}
	case cmdMerge:
		c.merge(cmd.digest, cmd.at)
	case cmdRegister:
		if _, dup := c.pending[cmd.id]; dup {
			cmd.reply <- fmt.Errorf("%w: %s", ErrDuplicateID, cmd.id)
			return
		}
		c.pending[cmd.id] = &waiting{result: cmd.waiter, since: time.Now()}
		cmd.reply <- nil
	case cmdAbandon:
		w, ok := c.pending[cmd.id]
		if !ok {
			return
		}
		w.result = nil
		w.since = time.Now()
		c.stop(cmd.id, w)
	case cmdCancel:
		w, ok := c.pending[cmd.id]
		if !ok {
			cmd.reply <- fmt.Errorf("%w: %s", ErrUnknownDispatch, cmd.id)
			return
		}
		c.stop(cmd.id, w)
		cmd.reply <- nil
	}
}

// stop cancels a local dispatch on its executor. Dispatches whose executor
// is not known yet are cancelled when it acknowledges them.
func (c *Coordinator) stop(id uuid.UUID, w *waiting) {
	w.cancelled = true
	if w.executor.IsZero() {
		return
	}
	logger := c.logger.With(
		telemetry.LabelCorrelation.L(id.String()),
		telemetry.LabelPeerID.L(w.executor.Short()),
	)
	if w.executor == c.cfg.Self.ID {
		go func() {
			if err := c.runner.Cancel(c.ctx, id); err != nil {
				logger.Debug("could not cancel dispatch", telemetry.LabelError.L(err))
			}
		}()
		return
	}
	env := wire.New(wire.KindCancel, id, c.cfg.Self.ID, nil)
	to := w.executor
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.DeliveryTimeout)
		defer cancel()
		if err := c.deliver(ctx, to, env); err != nil {
			logger.Warn("could not cancel dispatch on its executor", telemetry.LabelError.L(err))
		}
	}()
}

func (c *Coordinator) observe(subnet string, peer Peer, at time.Time) {
	if subnet != c.cfg.Subnet {
		c.msink.IncrCounterWithLabels(MetricDigestsForeign, 1.0, c.labels)
		c.logger.Debug("ignoring a peer of another subnet",
			telemetry.LabelPeerID.L(peer.ID.Short()),
			slog.String("subnet", subnet),
		)
		return
	}
	if c.members.Observe(peer, at) {
		c.logger.Info("new peer discovered",
			telemetry.LabelPeerID.L(peer.ID.Short()),
			telemetry.LabelPeerAddr.L(peer.Addr),
			telemetry.LabelPeerRole.L(peer.Role.String()),
		)
	}
}

func (c *Coordinator) merge(d *Digest, at time.Time) {
	for _, entry := range d.Peers {
		c.observe(d.Subnet, entry.Peer, at.Add(-entry.Age))
	}
}

func (c *Coordinator) onEnvelope(in inbound) {
	c.msink.IncrCounterWithLabels(MetricEnvelopeIn, 1.0,
		telemetry.With(c.labels, telemetry.LabelEnvelope.M(in.env.Kind.String())))

	// any envelope is a proof of life
	if in.from != c.cfg.Self.ID {
		if member, ok := c.members.Snapshot().Get(in.from); ok {
			c.members.Observe(member.Peer, time.Now())
		}
	}

	switch in.env.Kind {
	case wire.KindRequest:
		c.onRequest(in.from, in.env)
	case wire.KindForward:
		c.onForward(in.env)
	case wire.KindResponse:
		c.onResponse(in.env)
	case wire.KindAck:
		c.onAck(in.env)
	case wire.KindCancel:
		c.onCancel(in.from, in.env)
	case wire.KindDigest:
		d, err := unmarshalDigest(in.env.Payload)
		if err != nil {
			c.logger.Warn("dropping malformed digest",
				telemetry.LabelPeerID.L(in.from.Short()),
				telemetry.LabelError.L(err),
			)
			return
		}
		c.merge(d, time.Now())
	default:
		c.logger.Warn("dropping envelope of unknown kind",
			telemetry.LabelPeerID.L(in.from.Short()),
			telemetry.LabelEnvelope.L(in.env.Kind.String()),
		)
	}
}

// onRequest places a dispatch on the best ranked live executor.
func (c *Coordinator) onRequest(from identity.PeerID, env *wire.Envelope) {
	id := env.Correlation
	self := c.cfg.Self
	if self.Role == RoleLight && from != self.ID {
		c.reject(env.Origin, id, fault.New(fault.NotExecutor, "%s is a light peer", self.ID.Short()))
		return
	}

	req, err := unmarshalRequest(id, env.Payload)
	if err != nil {
		c.reject(env.Origin, id, err)
		return
	}

	candidates := Rank(c.members.Snapshot().Executors(time.Now()), id, req.Program)
	if len(candidates) == 0 {
		c.reject(env.Origin, id, fault.New(fault.MembershipStale, "no live executor in subnet %q", c.cfg.Subnet))
		return
	}

	// A light peer hands its own dispatches to an entry peer, which ranks
	// them again. Full peers hand them to the executor itself.
	kind := wire.KindForward
	if self.Role == RoleLight {
		kind = wire.KindRequest
	}
	r := &routing{
		env:        wire.New(kind, id, env.Origin, env.Payload),
		req:        req,
		candidates: candidates,
	}
	c.routing[id] = r
	c.advance(id, r)
}

func (c *Coordinator) advance(id uuid.UUID, r *routing) {
	if r.idx >= len(r.candidates) {
		delete(c.routing, id)
		c.reject(r.env.Origin, id, fault.New(fault.TransportFailure,
			"none of the %d executors could be reached", len(r.candidates)))
		return
	}

	target := r.candidates[r.idx]
	if target.ID == c.cfg.Self.ID {
		delete(c.routing, id)
		c.admit(r.env.Origin, id, r.req)
		return
	}

	env := r.env
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.DeliveryTimeout)
		defer cancel()
		err := c.net.Deliver(ctx, target, env)
		select {
		case c.routedCh <- routed{id: id, err: err}:
		case <-c.done:
		}
	}()
}

func (c *Coordinator) onRouted(res routed) {
	r, ok := c.routing[res.id]
	if !ok {
		return
	}
	target := r.candidates[r.idx]
	logger := c.logger.With(
		telemetry.LabelCorrelation.L(res.id.String()),
		telemetry.LabelPeerID.L(target.ID.Short()),
	)

	if res.err == nil {
		delete(c.routing, res.id)
		c.msink.IncrCounterWithLabels(MetricRouted, 1.0, c.labels)
		logger.Debug("dispatch routed")
		return
	}

	r.idx++
	logger.Warn("elected peer unreachable", telemetry.LabelError.L(res.err))
	if r.idx < len(r.candidates) {
		next := r.candidates[r.idx]
		c.msink.IncrCounterWithLabels(MetricRelocated, 1.0, c.labels)
		c.emit(Relocated{
			ID:     res.id,
			From:   target.ID,
			To:     next.ID,
			Reason: fault.Message(res.err),
		})
	}
	c.advance(res.id, r)
}

func (c *Coordinator) onForward(env *wire.Envelope) {
	id := env.Correlation
	if c.cfg.Self.Role == RoleLight {
		c.reject(env.Origin, id, fault.New(fault.NotExecutor, "%s is a light peer", c.cfg.Self.ID.Short()))
		return
	}
	req, err := unmarshalRequest(id, env.Payload)
	if err != nil {
		c.reject(env.Origin, id, err)
		return
	}
	c.admit(env.Origin, id, req)
}

// admit hands a dispatch elected on this peer to the runtime.
func (c *Coordinator) admit(origin identity.PeerID, id uuid.UUID, req *Request) {
	if c.runner == nil {
		c.reject(origin, id, fault.New(fault.NotExecutor, "%s hosts no runtime", c.cfg.Self.ID.Short()))
		return
	}
	err := c.runner.Dispatch(c.ctx, runtime.Dispatch{
		ID:       id,
		Program:  req.Program,
		Artifact: req.Artifact,
		Start:    req.Start,
		Tape:     req.Tape,
		Head:     req.Head,
		Deadline: req.Deadline,
	})
	if err != nil {
		c.reject(origin, id, err)
		return
	}

	c.routes[id] = origin
	c.logger.Debug("dispatch admitted",
		telemetry.LabelCorrelation.L(id.String()),
		telemetry.LabelProgram.L(req.Program.Short()),
	)

	if origin == c.cfg.Self.ID {
		c.acknowledged(id, c.cfg.Self.ID)
		return
	}
	env := wire.New(wire.KindAck, id, c.cfg.Self.ID, ack{Executor: c.cfg.Self.ID}.marshal())
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.DeliveryTimeout)
		defer cancel()
		if err := c.deliver(ctx, origin, env); err != nil {
			c.logger.Debug("could not acknowledge dispatch",
				telemetry.LabelCorrelation.L(id.String()),
				telemetry.LabelError.L(err),
			)
		}
	}()
}

func (c *Coordinator) onAck(env *wire.Envelope) {
	a, err := unmarshalAck(env.Payload)
	if err != nil {
		c.logger.Warn("dropping malformed ack", telemetry.LabelError.L(err))
		return
	}
	c.logger.Debug("dispatch acknowledged",
		telemetry.LabelCorrelation.L(env.Correlation.String()),
		telemetry.LabelPeerID.L(a.Executor.Short()),
	)
	c.acknowledged(env.Correlation, a.Executor)
}

func (c *Coordinator) acknowledged(id uuid.UUID, executor identity.PeerID) {
	w, ok := c.pending[id]
	if !ok {
		return
	}
	w.executor = executor
	if w.cancelled {
		c.stop(id, w)
	}
}

// onCancel stops a job admitted here, if from is the origin of its dispatch.
func (c *Coordinator) onCancel(from identity.PeerID, env *wire.Envelope) {
	id := env.Correlation
	origin, ok := c.routes[id]
	if !ok || origin != from {
		c.logger.Debug("ignoring cancellation",
			telemetry.LabelCorrelation.L(id.String()),
			telemetry.LabelPeerID.L(from.Short()),
		)
		return
	}
	c.logger.Info("dispatch cancelled by its origin", telemetry.LabelCorrelation.L(id.String()))
	go func() {
		if err := c.runner.Cancel(c.ctx, id); err != nil {
			c.logger.Debug("could not cancel dispatch",
				telemetry.LabelCorrelation.L(id.String()),
				telemetry.LabelError.L(err),
			)
		}
	}()
}

func (c *Coordinator) onRuntimeEvent(ev runtime.Event) {
	if !runtime.Terminal(ev) {
		return
	}
	id := ev.Correlation()
	origin, ok := c.routes[id]
	if !ok {
		c.logger.Warn("runtime finished a job with no origin", telemetry.LabelCorrelation.L(id.String()))
		return
	}
	delete(c.routes, id)
	c.respond(origin, c.resultOf(ev))
}

func (c *Coordinator) resultOf(ev runtime.Event) Result {
	self := c.cfg.Self.ID
	switch ev := ev.(type) {
	case runtime.Completed:
		return Result{
			ID:        ev.ID,
			Executor:  self,
			Status:    ev.Status,
			Triad:     ev.Triad,
			Tape:      ev.Tape,
			Head:      ev.Head,
			Steps:     ev.Steps,
			Emissions: ev.Emissions,
		}
	case runtime.Yielded:
		return Result{
			ID:        ev.ID,
			Executor:  self,
			Status:    machine.Suspended,
			Triad:     ev.Triad,
			Tape:      ev.Tape,
			Head:      ev.Head,
			Steps:     ev.Steps,
			Emissions: ev.Emissions,
		}
	case runtime.Failed:
		return Result{
			ID:       ev.ID,
			Executor: self,
			Status:   machine.Failed,
			Kind:     ev.Kind,
			Message:  ev.Message,
			Steps:    ev.Steps,
		}
	}
	return failedResult(ev.Correlation(), self, fault.New(fault.Aborted, "unexpected runtime event %T", ev))
}

func (c *Coordinator) reject(origin identity.PeerID, id uuid.UUID, err error) {
	c.msink.IncrCounterWithLabels(MetricDispatchRejected, 1.0,
		telemetry.With(c.labels, telemetry.LabelKind.M(fault.Of(err, fault.Aborted).String())))
	c.logger.Info("dispatch rejected",
		telemetry.LabelCorrelation.L(id.String()),
		telemetry.LabelError.L(err),
	)
	c.respond(origin, failedResult(id, c.cfg.Self.ID, err))
}

// respond routes a result back to the origin of its dispatch.
func (c *Coordinator) respond(origin identity.PeerID, res Result) {
	if origin == c.cfg.Self.ID {
		c.complete(res)
		return
	}
	env := wire.New(wire.KindResponse, res.ID, c.cfg.Self.ID, res.marshal())
	c.sendResponse(origin, env)
}

func (c *Coordinator) sendResponse(to identity.PeerID, env *wire.Envelope) {
	go func() {
		err := c.deliverWithBackoff(to, env)
		select {
		case c.repliedCh <- replied{to: to, env: env, err: err}:
		case <-c.done:
		}
	}()
}

func (c *Coordinator) deliverWithBackoff(to identity.PeerID, env *wire.Envelope) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.DeliveryTimeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = c.cfg.DeliveryTimeout / 4
	bo.MaxElapsedTime = c.cfg.DeliveryTimeout
	return backoff.Retry(func() error {
		return c.deliver(ctx, to, env)
	}, backoff.WithContext(bo, ctx))
}

// deliver resolves the last known address of a peer and sends env to it.
func (c *Coordinator) deliver(ctx context.Context, to identity.PeerID, env *wire.Envelope) error {
	peer := Peer{ID: to}
	if member, ok := c.members.Snapshot().Get(to); ok {
		peer = member.Peer
	}
	err := c.net.Deliver(ctx, peer, env)
	if err == nil {
		c.msink.IncrCounterWithLabels(MetricEnvelopeOut, 1.0,
			telemetry.With(c.labels, telemetry.LabelEnvelope.M(env.Kind.String())))
	}
	return err
}

func (c *Coordinator) onReplied(r replied) {
	id := r.env.Correlation
	now := time.Now()
	p, wasParked := c.outbox[id]
	if r.err == nil {
		if wasParked {
			delete(c.outbox, id)
			c.logger.Info("parked response delivered", telemetry.LabelCorrelation.L(id.String()))
		}
		return
	}

	if !wasParked {
		p = &parked{to: r.to, env: r.env, expires: now.Add(c.cfg.Retention)}
		c.outbox[id] = p
		c.logger.Warn("origin unreachable, parking response",
			telemetry.LabelCorrelation.L(id.String()),
			telemetry.LabelPeerID.L(r.to.Short()),
			telemetry.LabelError.L(r.err),
		)
	}
	p.inflight = false
	p.retryAt = now.Add(c.cfg.DeliveryTimeout)
	if !now.Before(p.expires) {
		c.discard(id, p)
	}
	c.msink.SetGaugeWithLabels(MetricParked, float32(len(c.outbox)), c.labels)
}

func (c *Coordinator) discard(id uuid.UUID, p *parked) {
	delete(c.outbox, id)
	c.msink.IncrCounterWithLabels(MetricUndeliverable, 1.0, c.labels)
	c.logger.Warn("response undeliverable, discarding",
		telemetry.LabelCorrelation.L(id.String()),
		telemetry.LabelPeerID.L(p.to.Short()),
	)
	c.emit(Undeliverable{ID: id, Origin: p.to})
}

// complete hands a result to the waiting caller on the origin peer.
func (c *Coordinator) complete(res Result) {
	if w, ok := c.pending[res.ID]; ok && w.result != nil {
		w.result <- res
		delete(c.pending, res.ID)
	} else {
		delete(c.pending, res.ID)
		c.logger.Debug("result of an abandoned dispatch", telemetry.LabelCorrelation.L(res.ID.String()))
	}
	if res.Status == machine.Failed {
		c.emit(Failed{Result: res})
	} else {
		c.emit(Completed{Result: res})
	}
}

func (c *Coordinator) onResponse(env *wire.Envelope) {
	res, err := unmarshalResult(env.Correlation, env.Payload)
	if err != nil {
		c.logger.Warn("dropping malformed response",
			telemetry.LabelCorrelation.L(env.Correlation.String()),
			telemetry.LabelError.L(err),
		)
		return
	}
	c.complete(res)
}

func (c *Coordinator) sweep(now time.Time) {
	for _, peer := range c.members.Sweep(now) {
		c.msink.IncrCounterWithLabels(MetricPeersEvicted, 1.0, c.labels)
		c.logger.Info("peer evicted", telemetry.LabelPeerID.L(peer.ID.Short()))
	}
	c.msink.SetGaugeWithLabels(MetricPeersLive, float32(len(c.members.Snapshot().Live(now))), c.labels)

	for id, w := range c.pending {
		if w.result == nil && now.Sub(w.since) > c.cfg.Retention {
			delete(c.pending, id)
		}
	}

	for id, p := range c.outbox {
		if p.inflight {
			continue
		}
		if !now.Before(p.expires) {
			c.discard(id, p)
			continue
		}
		if !now.Before(p.retryAt) {
			p.inflight = true
			c.sendResponse(p.to, p.env)
		}
	}
	c.msink.SetGaugeWithLabels(MetricParked, float32(len(c.outbox)), c.labels)
}

// gossip pushes the local digest to every known peer.
func (c *Coordinator) gossip() {
	env := wire.New(wire.KindDigest, uuid.Nil, c.cfg.Self.ID, c.Digest().marshal())
	for _, member := range c.members.Snapshot().Members() {
		peer := member.Peer
		go func() {
			ctx, cancel := context.WithTimeout(c.ctx, c.cfg.KeepAlive)
			defer cancel()
			if err := c.net.Deliver(ctx, peer, env); err != nil {
				c.logger.Debug("keep-alive not delivered",
					telemetry.LabelPeerID.L(peer.ID.Short()),
					telemetry.LabelError.L(err),
				)
			}
		}()
	}
}
