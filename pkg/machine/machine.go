// Package machine implements the triadic machine: a finite-state transducer
// whose states are triads, whose alphabet is notes and whose transitions
// are neo-Riemannian transformations.
package machine

import (
	"errors"
	"fmt"

	"github.com/raskyld/contained/pkg/fault"
	"github.com/raskyld/contained/pkg/tape"
	"github.com/raskyld/contained/pkg/tonnetz"
)

var (
	ErrNotRunning   = errors.New("machine: not running")
	ErrNotReady     = errors.New("machine: already started")
	ErrNotSuspended = errors.New("machine: not suspended")
	ErrTerminal     = errors.New("machine: already in a terminal state")
)

type Status uint8

const (
	Ready Status = iota
	Running
	Suspended
	Halted
	Failed
)

func (s Status) String() string {
	switch s {
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Suspended:
		return "Suspended"
	case Halted:
		return "Halted"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == Halted || s == Failed
}

// Program supplies the transition function of a machine.
//
// Transition receives a capability that is only valid for the duration of
// the call. It must either apply exactly one transformation, or halt, or
// return an error. Effects are committed by the machine once Transition
// returns.
type Program interface {
	Transition(c *Call) error
	Halts(t tonnetz.Triad) bool
}

// Emission is an event raised by a program through Call.Emit.
type Emission struct {
	Step    int
	Tag     string
	Payload []byte
}

type StepOutcome struct {
	Step    int
	From    tonnetz.Triad
	To      tonnetz.Triad
	Read    tonnetz.Note
	Op      tonnetz.Transformation
	Applied bool
	Status  Status
	TapeLen int
}

type RunOutcome struct {
	Steps  int
	Status Status
	Err    error
}

// Snapshot is a copy of the observable machine state.
type Snapshot struct {
	Status  Status
	Triad   tonnetz.Triad
	Tape    []tonnetz.Note
	Head    int
	Steps   int
	Kind    fault.Kind
	Message string
}

type Machine struct {
	prog    Program
	state   tonnetz.Triad
	tape    *tape.Tape
	status  Status
	steps   int
	failure *fault.Error
	emits   []Emission
	// maxEmits bounds buffered emissions, zero means unbounded.
	maxEmits int
}

type Option func(*Machine)

// WithMaxEmissions bounds the number of buffered emissions. Exceeding it
// fails the machine with fault.BudgetExceeded.
func WithMaxEmissions(n int) Option {
	return func(m *Machine) {
		m.maxEmits = n
	}
}

func New(prog Program, start tonnetz.Triad, tp *tape.Tape, opts ...Option) *Machine {
	m := &Machine{
		prog:  prog,
		state: start,
		tape:  tp,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start moves a Ready machine to Running. A machine whose initial triad
// already satisfies the halt predicate halts immediately.
func (m *Machine) Start() error {
	if m.status != Ready {
		return ErrNotReady
	}
	if !m.state.Valid() {
		m.fail(fault.New(fault.InvalidTriad, "initial state %s", m.state))
		return m.failure
	}
	m.status = Running
	if m.prog.Halts(m.state) {
		m.status = Halted
	}
	return nil
}

// Step performs one transition. The returned error is non-nil whenever the
// step did not commit: either the machine was not Running, or it failed.
func (m *Machine) Step() (StepOutcome, error) {
	out := StepOutcome{Step: m.steps, From: m.state}
	if m.status != Running {
		out.Status = m.status
		return out, ErrNotRunning
	}

	call := &Call{m: m, open: true}
	out.Read = m.tape.Read()
	err := m.prog.Transition(call)
	call.open = false

	if err != nil {
		m.fail(asFault(err, fault.NoRule))
		return m.outcome(out), m.failure
	}

	if call.halted && call.code != HaltOK && call.code != HaltYield {
		m.fail(fault.New(call.code.Kind(), "program halted with status %d", int(call.code)))
		return m.outcome(out), m.failure
	}

	if !call.applied && !call.halted {
		m.fail(fault.New(fault.NoRule, "no rule for (%s, %s)", m.state, out.Read))
		return m.outcome(out), m.failure
	}

	if err := m.commit(call); err != nil {
		m.fail(asFault(err, fault.TapeInvariant))
		return m.outcome(out), m.failure
	}

	out.Applied = call.applied
	out.Op = call.op

	switch {
	case call.halted && call.code == HaltYield:
		m.status = Suspended
	case call.halted:
		m.status = Halted
	case m.prog.Halts(m.state):
		m.status = Halted
	}
	return m.outcome(out), nil
}

func (m *Machine) commit(c *Call) error {
	for _, e := range c.emits {
		if m.maxEmits > 0 && len(m.emits) >= m.maxEmits {
			return fault.New(fault.BudgetExceeded, "more than %d emissions", m.maxEmits)
		}
		m.emits = append(m.emits, e)
	}
	if c.applied {
		m.state = tonnetz.Apply(c.op, m.state)
	}
	if c.wrote {
		if err := m.tape.Write(c.write); err != nil {
			return err
		}
	}
	if c.moved {
		if err := m.tape.Move(c.move); err != nil {
			return err
		}
	}
	if c.applied || c.wrote || c.moved {
		m.steps++
	}
	return nil
}

func (m *Machine) outcome(out StepOutcome) StepOutcome {
	out.To = m.state
	out.Status = m.status
	out.TapeLen = m.tape.Len()
	out.Step = m.steps
	return out
}

// Run steps until the machine leaves Running or limit steps were taken.
// A non-positive limit means no limit.
func (m *Machine) Run(limit int) RunOutcome {
	var out RunOutcome
	if m.status == Ready {
		if err := m.Start(); err != nil {
			return RunOutcome{Status: m.status, Err: err}
		}
	}
	for m.status == Running && (limit <= 0 || out.Steps < limit) {
		before := m.steps
		_, err := m.Step()
		out.Steps += m.steps - before
		if err != nil {
			if errors.Is(err, ErrNotRunning) {
				break
			}
			out.Err = err
			break
		}
	}
	out.Status = m.status
	return out
}

// Suspend parks a Running machine. Steps are atomic, so any call between
// two steps is a step boundary.
func (m *Machine) Suspend() error {
	if m.status != Running {
		return ErrNotRunning
	}
	m.status = Suspended
	return nil
}

func (m *Machine) Resume() error {
	if m.status != Suspended {
		return ErrNotSuspended
	}
	m.status = Running
	return nil
}

// Fail terminates a non-terminal machine with err's kind, Aborted when err
// carries none.
func (m *Machine) Fail(err error) error {
	if m.status.Terminal() {
		return ErrTerminal
	}
	m.fail(asFault(err, fault.Aborted))
	return nil
}

func (m *Machine) fail(err *fault.Error) {
	m.status = Failed
	m.failure = err
}

func asFault(err error, def fault.Kind) *fault.Error {
	var ferr *fault.Error
	if errors.As(err, &ferr) {
		return ferr
	}
	return &fault.Error{Kind: fault.Of(err, def), Err: err}
}

func (m *Machine) Status() Status {
	return m.status
}

func (m *Machine) Triad() tonnetz.Triad {
	return m.state
}

func (m *Machine) Steps() int {
	return m.steps
}

func (m *Machine) Tape() tape.View {
	return m.tape
}

// Failure is the terminal error of a Failed machine.
func (m *Machine) Failure() *fault.Error {
	return m.failure
}

// Emissions returns and clears the buffered emissions.
func (m *Machine) Emissions() []Emission {
	out := m.emits
	m.emits = nil
	return out
}

func (m *Machine) Snapshot() Snapshot {
	s := Snapshot{
		Status: m.status,
		Triad:  m.state,
		Tape:   m.tape.Snapshot(),
		Head:   m.tape.Head(),
		Steps:  m.steps,
	}
	if m.failure != nil {
		s.Kind = m.failure.Kind
		s.Message = fault.Message(m.failure)
	}
	return s
}
