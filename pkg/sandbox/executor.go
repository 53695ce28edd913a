package sandbox

import (
	"context"
	"errors"
	"math"
	"sync/atomic"

	"github.com/raskyld/contained/pkg/fault"
	"github.com/raskyld/contained/pkg/machine"
	"github.com/raskyld/contained/pkg/tape"
	"github.com/raskyld/contained/pkg/tonnetz"
)

// Budgets bound one execution. A zero field falls back to the defaults of
// the executor.
type Budgets struct {
	Steps     uint64
	Memory    uint64
	Call      uint64
	Emissions int
}

var DefaultBudgets = Budgets{
	Steps:     1_000_000,
	Memory:    1 << 20,
	Call:      100_000,
	Emissions: 4096,
}

// MaxBudgets bounds what a manifest may declare.
var MaxBudgets = Budgets{
	Steps:     1 << 32,
	Memory:    1 << 26,
	Call:      1 << 32,
	Emissions: 1 << 16,
}

func (b Budgets) or(def Budgets) Budgets {
	if b.Steps == 0 {
		b.Steps = def.Steps
	}
	if b.Memory == 0 {
		b.Memory = def.Memory
	}
	if b.Call == 0 {
		b.Call = def.Call
	}
	if b.Emissions == 0 {
		b.Emissions = def.Emissions
	}
	return b
}

// capped lowers every field of b to the matching non-zero field of limit.
func (b Budgets) capped(limit Budgets) Budgets {
	if limit.Steps > 0 && b.Steps > limit.Steps {
		b.Steps = limit.Steps
	}
	if limit.Memory > 0 && b.Memory > limit.Memory {
		b.Memory = limit.Memory
	}
	if limit.Call > 0 && b.Call > limit.Call {
		b.Call = limit.Call
	}
	if limit.Emissions > 0 && b.Emissions > limit.Emissions {
		b.Emissions = limit.Emissions
	}
	return b
}

// cells converts a memory budget into a tape limit.
func cells(memory uint64) int {
	if memory > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(memory)
}

type ExecOptions struct {
	// Name identifies the execution in interpreter backtraces.
	Name string

	// Head is the initial position of the head, to resume a machine that
	// yielded.
	Head int

	// Defaults apply where the manifest declares no budget.
	Defaults Budgets

	// Limits cap the budgets of the manifest. Zero fields fall back to
	// MaxBudgets.
	Limits Budgets

	// ProgressEvery is the number of steps between two progress callbacks.
	ProgressEvery int

	// OnProgress is called from the executor goroutine at step boundaries.
	OnProgress func(steps int)
}

// Result is the outcome of an execution, returned on every exit path.
type Result struct {
	Status    machine.Status
	Kind      fault.Kind
	Message   string
	Triad     tonnetz.Triad
	Tape      []tonnetz.Note
	Head      int
	Steps     int
	Emissions []machine.Emission
}

// Err rebuilds the failure of a Failed result.
func (r Result) Err() error {
	if r.Status != machine.Failed {
		return nil
	}
	return &fault.Error{Kind: r.Kind, Msg: r.Message}
}

// Executor drives one machine bound to one module instance.
type Executor struct {
	mod     *Module
	inst    *instance
	m       *machine.Machine
	budgets Budgets
	opts    ExecOptions
	snap    atomic.Pointer[machine.Snapshot]
}

func NewExecutor(mod *Module, start tonnetz.Triad, init []tonnetz.Note, opts ExecOptions) (*Executor, error) {
	budgets := Budgets{
		Steps:  mod.Manifest.StepBudget,
		Memory: mod.Manifest.MemoryBudget,
		Call:   mod.Manifest.CallBudget,
	}.or(opts.Defaults.or(DefaultBudgets)).capped(opts.Limits.or(MaxBudgets))

	tp, err := tape.Restore(init, opts.Head, tape.WithLimit(cells(budgets.Memory)))
	if err != nil {
		return nil, err
	}
	name := opts.Name
	if name == "" {
		name = mod.Hash.Short()
	}
	inst, err := mod.instantiate(name, budgets.Call)
	if err != nil {
		return nil, err
	}

	x := &Executor{
		mod:     mod,
		inst:    inst,
		m:       machine.New(inst, start, tp, machine.WithMaxEmissions(budgets.Emissions)),
		budgets: budgets,
		opts:    opts,
	}
	x.publish()
	return x, nil
}

// Run drives the machine until it halts, fails, yields or ctx is done.
// Cancellation of ctx is observed at step boundaries. A cancellation cause
// of fault.Aborted also interrupts the step in progress.
func (x *Executor) Run(ctx context.Context) Result {
	stop := context.AfterFunc(ctx, func() {
		if fault.KindOf(context.Cause(ctx)) == fault.Aborted {
			x.inst.abort()
		}
	})
	defer stop()

	if x.m.Status() == machine.Ready {
		if err := x.m.Start(); err != nil {
			return x.finish()
		}
	}
	if x.m.Status() == machine.Suspended {
		_ = x.m.Resume()
	}

	for x.m.Status() == machine.Running {
		if ctx.Err() != nil {
			_ = x.m.Fail(causeOf(ctx))
			break
		}
		if uint64(x.m.Steps()) >= x.budgets.Steps {
			_ = x.m.Fail(fault.New(fault.BudgetExceeded, "step budget of %d exhausted", x.budgets.Steps))
			break
		}

		before := x.m.Steps()
		if _, err := x.m.Step(); err != nil {
			break
		}

		steps := x.m.Steps()
		if x.opts.ProgressEvery > 0 && steps != before && steps%x.opts.ProgressEvery == 0 && x.m.Status() == machine.Running {
			_ = x.m.Suspend()
			x.publish()
			if x.opts.OnProgress != nil {
				x.opts.OnProgress(steps)
			}
			_ = x.m.Resume()
		}
	}
	return x.finish()
}

func (x *Executor) finish() Result {
	x.publish()
	res := Result{
		Status:    x.m.Status(),
		Triad:     x.m.Triad(),
		Tape:      x.m.Tape().Snapshot(),
		Head:      x.m.Tape().Head(),
		Steps:     x.m.Steps(),
		Emissions: x.m.Emissions(),
	}
	if f := x.m.Failure(); f != nil {
		res.Kind = f.Kind
		res.Message = fault.Message(f)
	}
	return res
}

func causeOf(ctx context.Context) error {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, context.DeadlineExceeded):
		return fault.New(fault.Deadline, "deadline exceeded")
	case fault.KindOf(cause).Valid():
		return cause
	default:
		return fault.New(fault.Cancelled, "cancelled")
	}
}

func (x *Executor) publish() {
	snap := x.m.Snapshot()
	x.snap.Store(&snap)
}

// Snapshot is safe to call from any goroutine. It reflects the machine at
// the last step boundary the executor published.
func (x *Executor) Snapshot() machine.Snapshot {
	return *x.snap.Load()
}

// Module returns the module the executor runs.
func (x *Executor) Module() *Module {
	return x.mod
}
