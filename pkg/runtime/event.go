package runtime

import (
	"github.com/google/uuid"
	"github.com/raskyld/contained/pkg/fault"
	"github.com/raskyld/contained/pkg/machine"
	"github.com/raskyld/contained/pkg/sandbox"
	"github.com/raskyld/contained/pkg/tonnetz"
)

// Event is one of Started, Progress, Yielded, Completed or Failed. For a
// given correlation id they are emitted in that causal order, and exactly
// one of Yielded, Completed or Failed ends the sequence.
type Event interface {
	Correlation() uuid.UUID
	event()
}

type Started struct {
	ID      uuid.UUID
	Program sandbox.Hash
}

// Progress reports the number of committed steps. Progress events may be
// coalesced when the consumer lags behind.
type Progress struct {
	ID    uuid.UUID
	Steps int
}

// Yielded is emitted when the module suspended itself. The machine state
// is returned so the caller can resume elsewhere.
type Yielded struct {
	ID        uuid.UUID
	Triad     tonnetz.Triad
	Tape      []tonnetz.Note
	Head      int
	Steps     int
	Emissions []machine.Emission
}

type Completed struct {
	ID        uuid.UUID
	Status    machine.Status
	Triad     tonnetz.Triad
	Tape      []tonnetz.Note
	Head      int
	Steps     int
	Emissions []machine.Emission
}

type Failed struct {
	ID      uuid.UUID
	Kind    fault.Kind
	Message string
	Steps   int
}

func (e Started) Correlation() uuid.UUID   { return e.ID }
func (e Progress) Correlation() uuid.UUID  { return e.ID }
func (e Yielded) Correlation() uuid.UUID   { return e.ID }
func (e Completed) Correlation() uuid.UUID { return e.ID }
func (e Failed) Correlation() uuid.UUID    { return e.ID }

func (Started) event()   {}
func (Progress) event()  {}
func (Yielded) event()   {}
func (Completed) event() {}
func (Failed) event()    {}

// Err rebuilds the failure carried by the event.
func (e Failed) Err() error {
	return &fault.Error{Kind: e.Kind, Msg: e.Message}
}

// Terminal reports whether ev ends the sequence of its correlation id.
func Terminal(ev Event) bool {
	switch ev.(type) {
	case Yielded, Completed, Failed:
		return true
	}
	return false
}

// eventOf converts the result of an executor into its terminal event.
func eventOf(id uuid.UUID, res sandbox.Result) Event {
	switch res.Status {
	case machine.Halted:
		return Completed{
			ID:        id,
			Status:    res.Status,
			Triad:     res.Triad,
			Tape:      res.Tape,
			Head:      res.Head,
			Steps:     res.Steps,
			Emissions: res.Emissions,
		}
	case machine.Suspended:
		return Yielded{
			ID:        id,
			Triad:     res.Triad,
			Tape:      res.Tape,
			Head:      res.Head,
			Steps:     res.Steps,
			Emissions: res.Emissions,
		}
	}
	kind := res.Kind
	if kind == fault.Unknown {
		kind = fault.Aborted
	}
	return Failed{ID: id, Kind: kind, Message: res.Message, Steps: res.Steps}
}
