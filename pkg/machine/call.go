package machine

import (
	"github.com/raskyld/contained/pkg/fault"
	"github.com/raskyld/contained/pkg/tape"
	"github.com/raskyld/contained/pkg/tonnetz"
)

// HaltCode is the status passed to Call.Halt. Values other than HaltOK and
// HaltYield are interpreted as a fault.Kind.
type HaltCode int

const (
	HaltOK    HaltCode = 0
	HaltYield HaltCode = 1
)

// Kind maps a failure code to the closed set of kinds.
func (c HaltCode) Kind() fault.Kind {
	k := fault.Kind(c)
	if c < 0 || c > 255 || !k.Valid() {
		return fault.Aborted
	}
	return k
}

// Call is the capability a program holds while one step is in progress.
// It holds no reference to the machine once the step returns.
type Call struct {
	m    *Machine
	open bool

	applied bool
	op      tonnetz.Transformation
	wrote   bool
	write   tonnetz.Note
	moved   bool
	move    tape.Move
	halted  bool
	code    HaltCode
	emits   []Emission
}

func (c *Call) check() error {
	if c == nil || !c.open {
		return fault.New(fault.TapeInvariant, "host call outside of an active step")
	}
	if c.halted {
		return fault.New(fault.TapeInvariant, "host call after halt")
	}
	return nil
}

// Active reports whether the capability can still be used.
func (c *Call) Active() bool {
	return c != nil && c.open
}

// State is the triad at the start of the step.
func (c *Call) State() (tonnetz.Triad, error) {
	if err := c.check(); err != nil {
		return tonnetz.Triad{}, err
	}
	return c.m.state, nil
}

// Read returns the note under the head.
func (c *Call) Read() (tonnetz.Note, error) {
	if err := c.check(); err != nil {
		return tonnetz.Note{}, err
	}
	return c.m.tape.Read(), nil
}

func (c *Call) Apply(op tonnetz.Transformation) error {
	if err := c.check(); err != nil {
		return err
	}
	if !op.Valid() {
		return fault.New(fault.TapeInvariant, "unknown transformation %d", op)
	}
	if c.applied {
		return fault.New(fault.TapeInvariant, "transformation already applied in this step")
	}
	c.applied, c.op = true, op
	return nil
}

func (c *Call) Write(n tonnetz.Note) error {
	if err := c.check(); err != nil {
		return err
	}
	if !n.Valid() {
		return fault.New(fault.TapeInvariant, "cannot write invalid pitch class %d", n.Class)
	}
	if c.wrote {
		return fault.New(fault.TapeInvariant, "symbol already written in this step")
	}
	c.wrote, c.write = true, n
	return nil
}

func (c *Call) Move(mv tape.Move) error {
	if err := c.check(); err != nil {
		return err
	}
	if mv != tape.Left && mv != tape.Right && mv != tape.Stay {
		return fault.New(fault.TapeInvariant, "unknown move %d", mv)
	}
	if c.moved {
		return fault.New(fault.TapeInvariant, "head already moved in this step")
	}
	c.moved, c.move = true, mv
	return nil
}

func (c *Call) Emit(tag string, payload []byte) error {
	if err := c.check(); err != nil {
		return err
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	c.emits = append(c.emits, Emission{Step: c.m.steps + 1, Tag: tag, Payload: buf})
	return nil
}

// Halt ends the step and the run. HaltYield suspends the machine instead.
func (c *Call) Halt(code HaltCode) error {
	if err := c.check(); err != nil {
		return err
	}
	c.halted, c.code = true, code
	return nil
}
