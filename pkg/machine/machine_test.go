package machine

import (
	"testing"

	"github.com/raskyld/contained/pkg/fault"
	"github.com/raskyld/contained/pkg/tape"
	"github.com/raskyld/contained/pkg/tonnetz"
	"github.com/stretchr/testify/require"
)

var cMajor = tonnetz.MustTriad(0, tonnetz.Major)

// minimal halts on the first minor triad after flipping C major on a 0.
func minimal(t *testing.T) *Table {
	t.Helper()
	tb := NewTable(HaltWhen{Classes: []tonnetz.Class{tonnetz.Minor}})
	require.NoError(t, tb.Add(cMajor, 0, Rule{Op: tonnetz.P, Write: tonnetz.N(1), Move: tape.Right}))
	return tb
}

func newMachine(t *testing.T, prog Program, start tonnetz.Triad, cells ...int) *Machine {
	t.Helper()
	tp, err := tape.New(tape.FromClasses(cells...))
	require.NoError(t, err)
	return New(prog, start, tp)
}

func TestMachine(t *testing.T) {
	t.Run("minimal program halts after one step", func(t *testing.T) {
		m := newMachine(t, minimal(t), cMajor, 0)
		out := m.Run(0)

		require.NoError(t, out.Err)
		require.Equal(t, Halted, out.Status)
		require.Equal(t, 1, out.Steps)
		require.Equal(t, []int{1, 0}, tape.Classes(m.Tape().Snapshot()))
		require.Equal(t, tonnetz.MustTriad(0, tonnetz.Minor), m.Triad())
	})

	t.Run("rule miss fails with NoRule and no completed step", func(t *testing.T) {
		m := newMachine(t, minimal(t), cMajor, 5)
		out := m.Run(0)

		require.ErrorIs(t, out.Err, fault.NoRule)
		require.Equal(t, Failed, out.Status)
		require.Equal(t, 0, m.Steps())
		require.Equal(t, fault.NoRule, m.Snapshot().Kind)
	})

	t.Run("stepping a machine that is not running is rejected", func(t *testing.T) {
		m := newMachine(t, minimal(t), cMajor, 0)
		_, err := m.Step()
		require.ErrorIs(t, err, ErrNotRunning)

		require.NoError(t, m.Start())
		_, err = m.Step()
		require.NoError(t, err)
		_, err = m.Step()
		require.ErrorIs(t, err, ErrNotRunning)
	})

	t.Run("terminal states stay terminal", func(t *testing.T) {
		m := newMachine(t, minimal(t), cMajor, 5)
		m.Run(0)
		require.ErrorIs(t, m.Fail(fault.Cancelled), ErrTerminal)
		require.ErrorIs(t, m.Resume(), ErrNotSuspended)
		require.Equal(t, Failed, m.Status())
	})

	t.Run("initial triad satisfying the predicate halts without stepping", func(t *testing.T) {
		m := newMachine(t, minimal(t), tonnetz.MustTriad(2, tonnetz.Minor), 0)
		out := m.Run(0)
		require.Equal(t, Halted, out.Status)
		require.Equal(t, 0, out.Steps)
	})

	t.Run("external failures carry their kind", func(t *testing.T) {
		m := newMachine(t, cycle(t), cMajor, 0)
		require.NoError(t, m.Start())
		require.NoError(t, m.Fail(fault.New(fault.Cancelled, "user asked")))
		require.Equal(t, fault.Cancelled, m.Failure().Kind)
	})
}

// cycle never halts: it alternates between C major and A minor.
func cycle(t *testing.T) *Table {
	t.Helper()
	tb := NewTable(HaltWhen{})
	require.NoError(t, tb.Add(cMajor, 0, Rule{Op: tonnetz.R, Write: tonnetz.N(0), Move: tape.Right}))
	require.NoError(t, tb.Add(tonnetz.MustTriad(9, tonnetz.Minor), 0, Rule{Op: tonnetz.R, Write: tonnetz.N(0), Move: tape.Right}))
	return tb
}

func TestMachineSuspension(t *testing.T) {
	run := func(t *testing.T, pauseEvery int) Snapshot {
		m := newMachine(t, cycle(t), cMajor, 0)
		require.NoError(t, m.Start())
		for i := 0; i < 20; i++ {
			_, err := m.Step()
			require.NoError(t, err)
			if pauseEvery > 0 && i%pauseEvery == 0 {
				require.NoError(t, m.Suspend())
				_, err := m.Step()
				require.ErrorIs(t, err, ErrNotRunning)
				require.NoError(t, m.Resume())
			}
		}
		return m.Snapshot()
	}

	t.Run("suspended runs are indistinguishable from uninterrupted ones", func(t *testing.T) {
		require.Equal(t, run(t, 0), run(t, 3))
	})

	t.Run("run honours its limit and resumes where it stopped", func(t *testing.T) {
		m := newMachine(t, cycle(t), cMajor, 0)
		out := m.Run(7)
		require.Equal(t, 7, out.Steps)
		require.Equal(t, Running, out.Status)
		out = m.Run(3)
		require.Equal(t, 10, m.Steps())
		require.Equal(t, 11, m.Tape().Len())
	})

	t.Run("tape length is monotone", func(t *testing.T) {
		m := newMachine(t, cycle(t), cMajor, 0)
		require.NoError(t, m.Start())
		last := m.Tape().Len()
		for i := 0; i < 50; i++ {
			out, err := m.Step()
			require.NoError(t, err)
			require.GreaterOrEqual(t, out.TapeLen, last)
			last = out.TapeLen
		}
	})
}

type scripted func(c *Call) error

func (s scripted) Transition(c *Call) error { return s(c) }
func (s scripted) Halts(tonnetz.Triad) bool { return false }

func TestCallCapability(t *testing.T) {
	t.Run("a capability is useless once the step returned", func(t *testing.T) {
		var leaked *Call
		prog := scripted(func(c *Call) error {
			leaked = c
			return c.Apply(tonnetz.P)
		})
		m := newMachine(t, prog, cMajor, 0)
		require.NoError(t, m.Start())
		_, err := m.Step()
		require.NoError(t, err)

		require.False(t, leaked.Active())
		require.ErrorIs(t, leaked.Write(tonnetz.N(3)), fault.TapeInvariant)
		require.Equal(t, []int{0}, tape.Classes(m.Tape().Snapshot()))
	})

	t.Run("double application violates the step contract", func(t *testing.T) {
		prog := scripted(func(c *Call) error {
			if err := c.Apply(tonnetz.P); err != nil {
				return err
			}
			return c.Apply(tonnetz.L)
		})
		m := newMachine(t, prog, cMajor, 0)
		out := m.Run(0)
		require.ErrorIs(t, out.Err, fault.TapeInvariant)
		require.Equal(t, cMajor, m.Triad())
	})

	t.Run("yield suspends after committing the step", func(t *testing.T) {
		prog := scripted(func(c *Call) error {
			if err := c.Apply(tonnetz.R); err != nil {
				return err
			}
			if err := c.Emit("tick", []byte("x")); err != nil {
				return err
			}
			return c.Halt(HaltYield)
		})
		m := newMachine(t, prog, cMajor, 0)
		out := m.Run(0)
		require.Equal(t, Suspended, out.Status)
		require.Equal(t, 1, out.Steps)
		require.Equal(t, []Emission{{Step: 1, Tag: "tick", Payload: []byte("x")}}, m.Emissions())
		require.Empty(t, m.Emissions())
	})

	t.Run("halt codes map to fault kinds", func(t *testing.T) {
		prog := scripted(func(c *Call) error {
			return c.Halt(HaltCode(fault.BudgetExceeded))
		})
		m := newMachine(t, prog, cMajor, 0)
		out := m.Run(0)
		require.ErrorIs(t, out.Err, fault.BudgetExceeded)
	})
}

func TestTable(t *testing.T) {
	tb := minimal(t)
	err := tb.Add(cMajor, 0, Rule{Op: tonnetz.L})
	require.ErrorIs(t, err, ErrDuplicateRule)
	require.Equal(t, 1, tb.Len())

	_, ok := tb.Lookup(cMajor, 1)
	require.False(t, ok)
	r, ok := tb.Lookup(cMajor, 0)
	require.True(t, ok)
	require.Equal(t, tonnetz.P, r.Op)
}
