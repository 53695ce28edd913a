package machine

import (
	"errors"
	"fmt"

	"github.com/raskyld/contained/pkg/fault"
	"github.com/raskyld/contained/pkg/tape"
	"github.com/raskyld/contained/pkg/tonnetz"
)

var (
	ErrDuplicateRule = errors.New("machine: a rule already exists for this (state, symbol)")
	ErrInvalidRule   = errors.New("machine: invalid rule")
)

// Rule is the right-hand side of a transition.
type Rule struct {
	Op    tonnetz.Transformation
	Write tonnetz.Note
	Move  tape.Move
}

// HaltWhen is a state-based halt predicate: the machine halts as soon as
// its triad has one of Classes or equals one of Triads.
type HaltWhen struct {
	Classes []tonnetz.Class
	Triads  []tonnetz.Triad
}

func (h HaltWhen) Match(t tonnetz.Triad) bool {
	for _, c := range h.Classes {
		if t.Class == c {
			return true
		}
	}
	for _, s := range h.Triads {
		if s == t {
			return true
		}
	}
	return false
}

func (h HaltWhen) Empty() bool {
	return len(h.Classes) == 0 && len(h.Triads) == 0
}

type slot struct {
	set  bool
	rule Rule
}

// Table is a native Program stored as a dense arena indexed by
// (tonnetz.Index(state), pitch class).
type Table struct {
	slots [tonnetz.NumTriads * tonnetz.Classes]slot
	n     int
	halt  HaltWhen
}

func NewTable(halt HaltWhen) *Table {
	return &Table{halt: halt}
}

func key(state tonnetz.Triad, symbol tonnetz.PitchClass) int {
	return tonnetz.Index(state)*tonnetz.Classes + int(symbol)
}

// Add registers a rule. At most one rule per (state, symbol) is allowed.
func (tb *Table) Add(state tonnetz.Triad, symbol tonnetz.PitchClass, r Rule) error {
	if !state.Valid() || !symbol.Valid() || !r.Op.Valid() || !r.Write.Valid() {
		return fmt.Errorf("%w: (%s, %d) -> %+v", ErrInvalidRule, state, symbol, r)
	}
	k := key(state, symbol)
	if tb.slots[k].set {
		return fmt.Errorf("%w: (%s, %s)", ErrDuplicateRule, state, symbol)
	}
	tb.slots[k] = slot{set: true, rule: r}
	tb.n++
	return nil
}

func (tb *Table) Lookup(state tonnetz.Triad, symbol tonnetz.PitchClass) (Rule, bool) {
	if !symbol.Valid() {
		return Rule{}, false
	}
	s := tb.slots[key(state, symbol)]
	return s.rule, s.set
}

func (tb *Table) Len() int {
	return tb.n
}

func (tb *Table) Transition(c *Call) error {
	state, err := c.State()
	if err != nil {
		return err
	}
	sym, err := c.Read()
	if err != nil {
		return err
	}
	rule, ok := tb.Lookup(state, sym.Class)
	if !ok {
		return fault.New(fault.NoRule, "no rule for (%s, %s)", state, sym)
	}
	if err := c.Apply(rule.Op); err != nil {
		return err
	}
	if err := c.Write(rule.Write); err != nil {
		return err
	}
	return c.Move(rule.Move)
}

func (tb *Table) Halts(t tonnetz.Triad) bool {
	return tb.halt.Match(t)
}
