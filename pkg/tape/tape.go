// Package tape implements the bounded, append-only symbolic memory of a
// triadic machine.
package tape

import (
	"fmt"
	"strings"

	"github.com/raskyld/contained/pkg/fault"
	"github.com/raskyld/contained/pkg/tonnetz"
)

// Move of the head after a write.
type Move int8

const (
	Stay  Move = 0
	Left  Move = -1
	Right Move = 1
)

func (m Move) String() string {
	switch m {
	case Left:
		return "Left"
	case Right:
		return "Right"
	case Stay:
		return "Stay"
	}
	return fmt.Sprintf("Move(%d)", int8(m))
}

func ParseMove(s string) (Move, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "L", "LEFT":
		return Left, true
	case "R", "RIGHT":
		return Right, true
	case "S", "STAY", "":
		return Stay, true
	}
	return Stay, false
}

// View is the read-only face of a tape.
type View interface {
	Read() tonnetz.Note
	At(i int) tonnetz.Note
	Head() int
	Len() int
	Snapshot() []tonnetz.Note
}

// Tape is a finite sequence of notes with a head in [0, Len()].
// It never shrinks.
type Tape struct {
	cells []tonnetz.Note
	head  int
	limit int
	blank tonnetz.Note
}

type Option func(*Tape)

// WithLimit bounds the number of cells. Growth beyond it fails with
// fault.BudgetExceeded. Zero means unbounded.
func WithLimit(cells int) Option {
	return func(t *Tape) {
		t.limit = cells
	}
}

// WithBlank sets the default symbol returned past the end of the tape.
func WithBlank(n tonnetz.Note) Option {
	return func(t *Tape) {
		t.blank = n
	}
}

// New copies init into a fresh tape with the head on cell 0.
func New(init []tonnetz.Note, opts ...Option) (*Tape, error) {
	return Restore(init, 0, opts...)
}

// Restore rebuilds a tape from a snapshot and a head position.
func Restore(cells []tonnetz.Note, head int, opts ...Option) (*Tape, error) {
	t := &Tape{}
	for _, opt := range opts {
		opt(t)
	}
	if head < 0 || head > len(cells) {
		return nil, fault.New(fault.TapeInvariant, "head %d outside [0, %d]", head, len(cells))
	}
	if t.limit > 0 && len(cells) > t.limit {
		return nil, fault.New(fault.BudgetExceeded, "tape of %d cells exceeds limit %d", len(cells), t.limit)
	}
	for i, n := range cells {
		if !n.Valid() {
			return nil, fault.New(fault.TapeInvariant, "cell %d holds invalid pitch class %d", i, n.Class)
		}
	}
	t.cells = make([]tonnetz.Note, len(cells))
	copy(t.cells, cells)
	t.head = head
	return t, nil
}

// Read returns the note under the head, or the blank symbol past the end.
func (t *Tape) Read() tonnetz.Note {
	return t.At(t.head)
}

func (t *Tape) At(i int) tonnetz.Note {
	if i < 0 || i >= len(t.cells) {
		return t.blank
	}
	return t.cells[i]
}

// Write overwrites the cell under the head, extending the tape when the
// head sits at Len().
func (t *Tape) Write(n tonnetz.Note) error {
	if !n.Valid() {
		return fault.New(fault.TapeInvariant, "cannot write invalid pitch class %d", n.Class)
	}
	if t.head == len(t.cells) {
		if err := t.grow(); err != nil {
			return err
		}
	}
	t.cells[t.head] = n
	return nil
}

// Move shifts the head. Left clamps at 0; Right past the last cell extends
// the tape with one blank cell.
func (t *Tape) Move(m Move) error {
	switch m {
	case Stay:
	case Left:
		if t.head > 0 {
			t.head--
		}
	case Right:
		next := t.head + 1
		if next >= len(t.cells) {
			if err := t.grow(); err != nil {
				return err
			}
		}
		t.head = next
	default:
		return fault.New(fault.TapeInvariant, "unknown move %d", m)
	}
	return nil
}

func (t *Tape) grow() error {
	if t.limit > 0 && len(t.cells) >= t.limit {
		return fault.New(fault.BudgetExceeded, "tape limit of %d cells reached", t.limit)
	}
	t.cells = append(t.cells, t.blank)
	return nil
}

func (t *Tape) Head() int {
	return t.head
}

func (t *Tape) Len() int {
	return len(t.cells)
}

// Snapshot copies the cells.
func (t *Tape) Snapshot() []tonnetz.Note {
	out := make([]tonnetz.Note, len(t.cells))
	copy(out, t.cells)
	return out
}

// Classes is a convenience for comparing tapes by pitch class.
func Classes(notes []tonnetz.Note) []int {
	out := make([]int, len(notes))
	for i, n := range notes {
		out[i] = int(n.Class)
	}
	return out
}

// FromClasses builds unpinned notes from integers.
func FromClasses(classes ...int) []tonnetz.Note {
	out := make([]tonnetz.Note, len(classes))
	for i, c := range classes {
		out[i] = tonnetz.Note{Class: tonnetz.PitchClass(c)}
	}
	return out
}
