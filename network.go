package contained

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/raskyld/contained/pkg/fault"
	"github.com/raskyld/contained/pkg/identity"
	"github.com/raskyld/contained/pkg/wire"
)

// EnvelopeHandler receives the envelopes delivered to the local peer. from
// is the authenticated sender, which differs from the envelope origin when
// a request was forwarded.
//
// Handlers must not block for long: transports acknowledge an envelope
// once its handler returned.
type EnvelopeHandler func(from identity.PeerID, env *wire.Envelope)

// Network is the request/response channel between peers.
type Network interface {
	// Deliver returns once the remote peer acknowledged the envelope.
	Deliver(ctx context.Context, to Peer, env *wire.Envelope) error

	// Handle registers the handler of inbound envelopes.
	Handle(h EnvelopeHandler)
}

// Loopback connects peers living in the same process. Envelopes go through
// their binary encoding so both ends never share memory.
type Loopback struct {
	lock        sync.RWMutex
	handlers    map[identity.PeerID]EnvelopeHandler
	unreachable map[identity.PeerID]bool
}

func NewLoopback() *Loopback {
	return &Loopback{
		handlers:    make(map[identity.PeerID]EnvelopeHandler),
		unreachable: make(map[identity.PeerID]bool),
	}
}

// Attach returns the endpoint of a peer on the loopback.
func (l *Loopback) Attach(id identity.PeerID) Network {
	return &loopbackEndpoint{hub: l, self: id}
}

// SetReachable simulates a peer going offline, or coming back.
func (l *Loopback) SetReachable(id identity.PeerID, reachable bool) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if reachable {
		delete(l.unreachable, id)
	} else {
		l.unreachable[id] = true
	}
}

func (l *Loopback) lookup(id identity.PeerID) (EnvelopeHandler, bool) {
	l.lock.RLock()
	defer l.lock.RUnlock()
	if l.unreachable[id] {
		return nil, false
	}
	h, ok := l.handlers[id]
	return h, ok
}

type loopbackEndpoint struct {
	hub  *Loopback
	self identity.PeerID
}

func (ep *loopbackEndpoint) Handle(h EnvelopeHandler) {
	ep.hub.lock.Lock()
	defer ep.hub.lock.Unlock()
	ep.hub.handlers[ep.self] = h
}

func (ep *loopbackEndpoint) Deliver(ctx context.Context, to Peer, env *wire.Envelope) error {
	if err := ctx.Err(); err != nil {
		return fault.Wrap(fault.TransportFailure, err, "delivery abandoned")
	}
	if _, ok := ep.hub.lookup(ep.self); !ok {
		return fault.Wrap(fault.TransportFailure, ErrUnreachable, "local peer is offline")
	}
	h, ok := ep.hub.lookup(to.ID)
	if !ok {
		return fault.Wrap(fault.TransportFailure, ErrUnreachable, fmt.Sprintf("no route to %s", to.ID.Short()))
	}

	var buf bytes.Buffer
	if err := wire.WriteEnvelope(&buf, env); err != nil {
		return err
	}
	copied, err := wire.ReadEnvelope(&buf)
	if err != nil {
		return err
	}
	h(ep.self, copied)
	return nil
}
