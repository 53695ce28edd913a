package sandbox

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/raskyld/contained/pkg/fault"
	"github.com/raskyld/contained/pkg/machine"
	"github.com/raskyld/contained/pkg/tape"
	"github.com/raskyld/contained/pkg/tonnetz"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// callKey is the thread-local slot holding the capability of the step in
// progress.
const callKey = "contained.call"

var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
}

// Module is a compiled artifact. It is immutable and shared by every
// executor running the same hash.
type Module struct {
	Hash     Hash
	Manifest Manifest
	program  *starlark.Program
}

// Compile checks the manifest and compiles the source. The module is not
// executed.
func Compile(art *Artifact) (*Module, error) {
	if art.Manifest.ABIVersion != ABIVersion {
		return nil, fault.New(fault.UnknownProgram,
			"module requires host ABI %d, this host provides %d", art.Manifest.ABIVersion, ABIVersion)
	}
	hash := art.Hash()
	_, prog, err := starlark.SourceProgramOptions(fileOptions, hash.Short()+".star", art.Source, isHostBuiltin)
	if err != nil {
		return nil, fault.Wrap(fault.UnknownProgram, err, "compile module")
	}
	return &Module{Hash: hash, Manifest: art.Manifest, program: prog}, nil
}

// instance is one isolated evaluation of a module. It implements
// machine.Program.
type instance struct {
	mod        *Module
	thread     *starlark.Thread
	entry      starlark.Callable
	callBudget uint64

	// stepLimit is the absolute interpreter step limit of the current call.
	stepLimit uint64
	aborted   atomic.Bool
}

var _ machine.Program = (*instance)(nil)

func (mod *Module) instantiate(name string, callBudget uint64) (*instance, error) {
	in := &instance{
		mod:        mod,
		callBudget: callBudget,
		thread: &starlark.Thread{
			Name:  name,
			Print: func(*starlark.Thread, string) {},
			Load: func(*starlark.Thread, string) (starlark.StringDict, error) {
				return nil, errors.New("load is not available in the sandbox")
			},
		},
	}
	in.stepLimit = callBudget
	in.thread.SetMaxExecutionSteps(in.stepLimit)
	globals, err := mod.program.Init(in.thread, hostBuiltins)
	if err != nil {
		return nil, in.classify(err, fault.UnknownProgram)
	}
	entry, ok := globals[mod.Manifest.entry()].(starlark.Callable)
	if !ok {
		return nil, fault.New(fault.UnknownProgram, "module %s exports no callable %q", mod.Hash.Short(), mod.Manifest.entry())
	}
	in.entry = entry
	return in, nil
}

func (in *instance) Transition(c *machine.Call) error {
	state, err := c.State()
	if err != nil {
		return err
	}
	in.thread.SetLocal(callKey, c)
	defer in.thread.SetLocal(callKey, nil)
	in.stepLimit = in.thread.ExecutionSteps() + in.callBudget
	in.thread.SetMaxExecutionSteps(in.stepLimit)

	if _, err := starlark.Call(in.thread, in.entry, starlark.Tuple{stateValue(state)}, nil); err != nil {
		return in.classify(err, fault.NoRule)
	}
	return nil
}

func (in *instance) Halts(t tonnetz.Triad) bool {
	return in.mod.Manifest.Halt.Match(t)
}

func (in *instance) classify(err error, def fault.Kind) error {
	if in.aborted.Load() {
		return fault.Wrap(fault.Aborted, err, "module interrupted")
	}
	var ferr *fault.Error
	if errors.As(err, &ferr) {
		return ferr
	}
	if in.thread.ExecutionSteps() >= in.stepLimit {
		return fault.New(fault.BudgetExceeded, "module exceeded %d interpreter steps in one call", in.callBudget)
	}
	msg := err.Error()
	var eerr *starlark.EvalError
	if errors.As(err, &eerr) {
		msg = eerr.Msg
	}
	return fault.New(def, "module error: %s", msg)
}

// abort interrupts the interpreter even in the middle of a step.
func (in *instance) abort() {
	in.aborted.Store(true)
	in.thread.Cancel("aborted by host")
}

func stateValue(t tonnetz.Triad) starlark.Tuple {
	m := t.Members()
	return starlark.Tuple{
		starlark.MakeInt(int(m[0])),
		starlark.MakeInt(int(m[1])),
		starlark.MakeInt(int(m[2])),
		starlark.String(t.Class.String()),
	}
}

var hostBuiltins = starlark.StringDict{
	"host_read":  starlark.NewBuiltin("host_read", hostRead),
	"host_write": starlark.NewBuiltin("host_write", hostWrite),
	"host_move":  starlark.NewBuiltin("host_move", hostMove),
	"host_apply": starlark.NewBuiltin("host_apply", hostApply),
	"host_emit":  starlark.NewBuiltin("host_emit", hostEmit),
	"host_halt":  starlark.NewBuiltin("host_halt", hostHalt),
}

func isHostBuiltin(name string) bool {
	_, ok := hostBuiltins[name]
	return ok
}

func activeCall(thread *starlark.Thread) *machine.Call {
	c, _ := thread.Local(callKey).(*machine.Call)
	return c
}

func hostRead(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	n, err := activeCall(thread).Read()
	if err != nil {
		return nil, err
	}
	return starlark.MakeInt(int(n.Class)), nil
}

func hostWrite(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var class int
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &class); err != nil {
		return nil, err
	}
	if class < 0 || class >= tonnetz.Classes {
		return nil, fault.New(fault.TapeInvariant, "host_write: pitch class %d out of range", class)
	}
	return starlark.None, activeCall(thread).Write(tonnetz.N(class))
}

func hostMove(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
		return nil, err
	}
	var mv tape.Move
	switch v := v.(type) {
	case starlark.String:
		m, ok := tape.ParseMove(string(v))
		if !ok {
			return nil, fault.New(fault.TapeInvariant, "host_move: unknown direction %s", v)
		}
		mv = m
	case starlark.Int:
		i, ok := v.Int64()
		if !ok || i < -1 || i > 1 {
			return nil, fault.New(fault.TapeInvariant, "host_move: unknown direction %s", v)
		}
		mv = tape.Move(i)
	default:
		return nil, fmt.Errorf("host_move: want string or int, got %s", v.Type())
	}
	return starlark.None, activeCall(thread).Move(mv)
}

func hostApply(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
		return nil, err
	}
	var op tonnetz.Transformation
	switch v := v.(type) {
	case starlark.String:
		x, ok := tonnetz.ParseTransformation(string(v))
		if !ok {
			return nil, fault.New(fault.TapeInvariant, "host_apply: unknown transformation %s", v)
		}
		op = x
	case starlark.Int:
		i, ok := v.Int64()
		if !ok || i < 0 || i > int64(tonnetz.R) {
			return nil, fault.New(fault.TapeInvariant, "host_apply: unknown transformation %s", v)
		}
		op = tonnetz.Transformation(i)
	default:
		return nil, fmt.Errorf("host_apply: want string or int, got %s", v.Type())
	}
	return starlark.None, activeCall(thread).Apply(op)
}

func hostEmit(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var tag string
	var payload starlark.Value = starlark.None
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &tag, &payload); err != nil {
		return nil, err
	}
	var buf []byte
	switch p := payload.(type) {
	case starlark.NoneType:
	case starlark.Bytes:
		buf = []byte(p)
	case starlark.String:
		buf = []byte(p)
	default:
		buf = []byte(p.String())
	}
	return starlark.None, activeCall(thread).Emit(tag, buf)
}

func hostHalt(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	code := 0
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0, &code); err != nil {
		return nil, err
	}
	return starlark.None, activeCall(thread).Halt(machine.HaltCode(code))
}
