package contained

import (
	"github.com/google/uuid"
	"github.com/raskyld/contained/pkg/identity"
)

// Event is one of Relocated, Undeliverable, Completed or Failed.
type Event interface {
	Correlation() uuid.UUID
	coordinatorEvent()
}

// Relocated records that the elected executor of a dispatch was
// unreachable and the next ranked peer was tried instead.
type Relocated struct {
	ID     uuid.UUID
	From   identity.PeerID
	To     identity.PeerID
	Reason string
}

// Undeliverable records a response dropped after its retention window
// because its origin could not be reached.
type Undeliverable struct {
	ID     uuid.UUID
	Origin identity.PeerID
}

// Completed is raised on the origin peer when a dispatch halted or yielded.
type Completed struct {
	Result
}

// Failed is raised on the origin peer when a dispatch failed.
type Failed struct {
	Result
}

func (e Relocated) Correlation() uuid.UUID     { return e.ID }
func (e Undeliverable) Correlation() uuid.UUID { return e.ID }
func (e Completed) Correlation() uuid.UUID     { return e.ID }
func (e Failed) Correlation() uuid.UUID        { return e.ID }

func (Relocated) coordinatorEvent()     {}
func (Undeliverable) coordinatorEvent() {}
func (Completed) coordinatorEvent()     {}
func (Failed) coordinatorEvent()        {}
