package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/raskyld/contained/pkg/fault"
	"github.com/raskyld/contained/pkg/machine"
	"github.com/raskyld/contained/pkg/sandbox"
	"github.com/raskyld/contained/pkg/tape"
	"github.com/raskyld/contained/pkg/tonnetz"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const flipSource = `
def step(state):
    root, third, fifth, quality = state
    if quality == "major" and root == 0 and host_read() == 0:
        host_apply("P")
        host_write(1)
        host_move("R")
`

const spinSource = `
def step(state):
    host_apply("R")
`

const busySource = `
def step(state):
    while True:
        pass
`

type fixture struct {
	rt       *Runtime
	flip     sandbox.Hash
	spin     sandbox.Hash
	busy     sandbox.Hash
	recorder *tracetest.SpanRecorder
}

func install(t *testing.T, cache *sandbox.Cache, src string, halt ...tonnetz.Class) sandbox.Hash {
	t.Helper()
	art := &sandbox.Artifact{
		Manifest: sandbox.Manifest{
			Name:       t.Name(),
			ABIVersion: sandbox.ABIVersion,
			CallBudget: 1 << 50,
			Halt:       machine.HaltWhen{Classes: halt},
		},
		Source: []byte(src),
	}
	h, err := cache.Install(context.Background(), art, art.Hash())
	require.NoError(t, err)
	return h
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	cache, err := sandbox.NewCache(sandbox.NewMemoryStore(), 8)
	require.NoError(t, err)

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	logger := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	opts = append([]Option{
		WithLog(logger.WithAttrs([]slog.Attr{{Key: "emitter", Value: slog.StringValue("runtime")}})),
		WithTracerProvider(tp),
		WithBudgets(Budgets{Steps: 1 << 40}),
	}, opts...)
	rt, err := New(cache, opts...)
	require.NoError(t, err)

	f := &fixture{
		rt:       rt,
		flip:     install(t, cache, flipSource, tonnetz.Minor),
		spin:     install(t, cache, spinSource),
		busy:     install(t, cache, busySource),
		recorder: recorder,
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Shutdown(ctx, 0)
	})
	return f
}

// collect reads events until one terminal event per id was seen.
func collect(t *testing.T, rt *Runtime, ids ...uuid.UUID) map[uuid.UUID][]Event {
	t.Helper()
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	seen := make(map[uuid.UUID][]Event)
	timeout := time.After(10 * time.Second)
	for len(want) > 0 {
		select {
		case ev, ok := <-rt.Events():
			require.True(t, ok, "event channel closed early")
			seen[ev.Correlation()] = append(seen[ev.Correlation()], ev)
			if Terminal(ev) {
				delete(want, ev.Correlation())
			}
		case <-timeout:
			t.Fatalf("missing terminal events for %d jobs", len(want))
		}
	}
	return seen
}

func last(evs []Event) Event {
	return evs[len(evs)-1]
}

func TestDispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("minimal module completes", func(t *testing.T) {
		id := uuid.New()
		require.NoError(t, f.rt.Dispatch(ctx, Dispatch{ID: id, Program: f.flip, Tape: tape.FromClasses(0)}))

		evs := collect(t, f.rt, id)[id]
		require.IsType(t, Started{}, evs[0])
		done, ok := last(evs).(Completed)
		require.True(t, ok, "got %#v", last(evs))
		require.Equal(t, machine.Halted, done.Status)
		require.Equal(t, []int{1, 0}, tape.Classes(done.Tape))
		require.Equal(t, 1, done.Steps)

		report, err := f.rt.Query(ctx, id)
		require.NoError(t, err)
		require.Equal(t, JobFinished, report.State)
		require.Equal(t, machine.Halted, report.Snapshot.Status)
	})

	t.Run("rule miss fails the job", func(t *testing.T) {
		id := uuid.New()
		require.NoError(t, f.rt.Dispatch(ctx, Dispatch{ID: id, Program: f.flip, Tape: tape.FromClasses(5)}))

		failed, ok := last(collect(t, f.rt, id)[id]).(Failed)
		require.True(t, ok)
		require.Equal(t, fault.NoRule, failed.Kind)
		require.Equal(t, 0, failed.Steps)
	})

	t.Run("unknown program", func(t *testing.T) {
		id := uuid.New()
		require.NoError(t, f.rt.Dispatch(ctx, Dispatch{ID: id, Program: sandbox.Hash{0xde, 0xad}}))

		failed, ok := last(collect(t, f.rt, id)[id]).(Failed)
		require.True(t, ok)
		require.Equal(t, fault.UnknownProgram, failed.Kind)
	})

	t.Run("inline artifacts are installed", func(t *testing.T) {
		art := &sandbox.Artifact{
			Manifest: sandbox.Manifest{Name: "inline", ABIVersion: sandbox.ABIVersion, StepBudget: 3},
			Source:   []byte(spinSource),
		}
		id := uuid.New()
		require.NoError(t, f.rt.Dispatch(ctx, Dispatch{ID: id, Program: art.Hash(), Artifact: art}))

		failed, ok := last(collect(t, f.rt, id)[id]).(Failed)
		require.True(t, ok)
		require.Equal(t, fault.BudgetExceeded, failed.Kind)
		require.Equal(t, 3, failed.Steps)
	})

	t.Run("yielded machines resume where they stopped", func(t *testing.T) {
		const counter = `
def step(state):
    cell = host_read()
    host_apply("R")
    if cell == 6:
        host_halt(0)
        return
    host_write(cell + 1)
    host_move("R")
    if cell == 3:
        %s
`
		inline := func(body string) *sandbox.Artifact {
			return &sandbox.Artifact{
				Manifest: sandbox.Manifest{Name: "counter", ABIVersion: sandbox.ABIVersion},
				Source:   []byte(fmt.Sprintf(counter, body)),
			}
		}
		input := tape.FromClasses(0, 1, 2, 3, 5, 6)

		straight := inline("pass")
		sid := uuid.New()
		require.NoError(t, f.rt.Dispatch(ctx, Dispatch{ID: sid, Program: straight.Hash(), Artifact: straight, Tape: input}))
		want, ok := last(collect(t, f.rt, sid)[sid]).(Completed)
		require.True(t, ok)
		require.Equal(t, 6, want.Steps)

		yielding := inline("host_halt(1)")
		first := uuid.New()
		require.NoError(t, f.rt.Dispatch(ctx, Dispatch{ID: first, Program: yielding.Hash(), Artifact: yielding, Tape: input}))
		evs := collect(t, f.rt, first)[first]
		y, ok := last(evs).(Yielded)
		require.True(t, ok, "got %#v", last(evs))
		require.Equal(t, 4, y.Steps)
		require.Equal(t, 4, y.Head)
		require.Equal(t, []int{1, 2, 3, 4, 5, 6}, tape.Classes(y.Tape))

		second := uuid.New()
		require.NoError(t, f.rt.Dispatch(ctx, Dispatch{
			ID:      second,
			Program: yielding.Hash(),
			Start:   y.Triad,
			Tape:    y.Tape,
			Head:    y.Head,
		}))
		got, ok := last(collect(t, f.rt, second)[second]).(Completed)
		require.True(t, ok)
		require.Equal(t, machine.Halted, got.Status)
		require.Equal(t, want.Triad, got.Triad)
		require.Equal(t, want.Head, got.Head)
		require.Equal(t, tape.Classes(want.Tape), tape.Classes(got.Tape))
		require.Equal(t, want.Steps, y.Steps+got.Steps)
	})

	t.Run("resume heads outside the tape are rejected", func(t *testing.T) {
		id := uuid.New()
		require.NoError(t, f.rt.Dispatch(ctx, Dispatch{ID: id, Program: f.flip, Tape: tape.FromClasses(0), Head: 2}))
		failed, ok := last(collect(t, f.rt, id)[id]).(Failed)
		require.True(t, ok)
		require.Equal(t, fault.TapeInvariant, failed.Kind)
	})

	t.Run("duplicate correlation ids are rejected", func(t *testing.T) {
		id := uuid.New()
		require.NoError(t, f.rt.Dispatch(ctx, Dispatch{ID: id, Program: f.flip, Tape: tape.FromClasses(0)}))
		collect(t, f.rt, id)
		require.ErrorIs(t, f.rt.Dispatch(ctx, Dispatch{ID: id, Program: f.flip}), ErrDuplicateJob)
		require.ErrorIs(t, f.rt.Dispatch(ctx, Dispatch{Program: f.flip}), ErrNoID)
	})

	t.Run("executions are traced", func(t *testing.T) {
		id := uuid.New()
		require.NoError(t, f.rt.Dispatch(ctx, Dispatch{ID: id, Program: f.flip, Tape: tape.FromClasses(0)}))
		collect(t, f.rt, id)

		require.Eventually(t, func() bool {
			for _, span := range f.recorder.Ended() {
				for _, attr := range span.Attributes() {
					if span.Name() == SpanExecute && string(attr.Key) == "contained.correlation_id" && attr.Value.AsString() == id.String() {
						return true
					}
				}
			}
			return false
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func TestLimits(t *testing.T) {
	f := newFixture(t, WithLimits(Budgets{Steps: 5}))
	id := uuid.New()
	require.NoError(t, f.rt.Dispatch(context.Background(), Dispatch{ID: id, Program: f.spin}))

	failed, ok := last(collect(t, f.rt, id)[id]).(Failed)
	require.True(t, ok, "manifest budgets are capped by the runtime limits")
	require.Equal(t, fault.BudgetExceeded, failed.Kind)
	require.Equal(t, 5, failed.Steps)
}

func TestCancellation(t *testing.T) {
	ctx := context.Background()

	t.Run("cancel is observed at a step boundary", func(t *testing.T) {
		f := newFixture(t)
		id := uuid.New()
		require.NoError(t, f.rt.Dispatch(ctx, Dispatch{ID: id, Program: f.spin}))

		require.Eventually(t, func() bool {
			report, err := f.rt.Query(ctx, id)
			return err == nil && report.State == JobRunning && report.Snapshot.Steps > 0
		}, 5*time.Second, 5*time.Millisecond)
		require.NoError(t, f.rt.Cancel(ctx, id))

		failed, ok := last(collect(t, f.rt, id)[id]).(Failed)
		require.True(t, ok)
		require.Equal(t, fault.Cancelled, failed.Kind)
		require.Greater(t, failed.Steps, 0)
	})

	t.Run("deadline", func(t *testing.T) {
		f := newFixture(t)
		id := uuid.New()
		require.NoError(t, f.rt.Dispatch(ctx, Dispatch{
			ID:       id,
			Program:  f.spin,
			Deadline: time.Now().Add(30 * time.Millisecond),
		}))

		failed, ok := last(collect(t, f.rt, id)[id]).(Failed)
		require.True(t, ok)
		require.Equal(t, fault.Deadline, failed.Kind)
	})

	t.Run("queued dispatches expire without waiting for a slot", func(t *testing.T) {
		f := newFixture(t, WithMaxExecutors(1))
		busy, queued := uuid.New(), uuid.New()
		require.NoError(t, f.rt.Dispatch(ctx, Dispatch{ID: busy, Program: f.busy}))
		require.NoError(t, f.rt.Dispatch(ctx, Dispatch{
			ID:       queued,
			Program:  f.spin,
			Deadline: time.Now().Add(30 * time.Millisecond),
		}))

		evs := collect(t, f.rt, queued)[queued]
		require.Len(t, evs, 1, "a job that never started only fails")
		failed, ok := evs[0].(Failed)
		require.True(t, ok)
		require.Equal(t, fault.Deadline, failed.Kind)

		report, err := f.rt.Query(ctx, queued)
		require.NoError(t, err)
		require.Equal(t, JobFinished, report.State)
		require.Equal(t, fault.Deadline, report.Snapshot.Kind)

		report, err = f.rt.Query(ctx, busy)
		require.NoError(t, err)
		require.Equal(t, JobRunning, report.State)
	})

	t.Run("unknown ids", func(t *testing.T) {
		f := newFixture(t)
		require.ErrorIs(t, f.rt.Cancel(ctx, uuid.New()), ErrUnknownJob)
		_, err := f.rt.Query(ctx, uuid.New())
		require.ErrorIs(t, err, ErrUnknownJob)
	})
}

func TestSaturationAndShutdown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithMaxExecutors(1), WithBacklog(1))

	running, queued := uuid.New(), uuid.New()
	require.NoError(t, f.rt.Dispatch(ctx, Dispatch{ID: running, Program: f.busy}))
	require.NoError(t, f.rt.Dispatch(ctx, Dispatch{ID: queued, Program: f.spin}))
	require.ErrorIs(t, f.rt.Dispatch(ctx, Dispatch{ID: uuid.New(), Program: f.spin}), fault.Saturated)

	report, err := f.rt.Query(ctx, queued)
	require.NoError(t, err)
	require.Equal(t, JobQueued, report.State)

	require.Eventually(t, func() bool {
		report, err := f.rt.Query(ctx, running)
		return err == nil && report.State == JobRunning
	}, 5*time.Second, 5*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.rt.Shutdown(shutdownCtx, 0))
	require.ErrorIs(t, f.rt.Dispatch(ctx, Dispatch{ID: uuid.New(), Program: f.flip}), fault.Aborted)

	evs := collect(t, f.rt, running, queued)
	for _, id := range []uuid.UUID{running, queued} {
		failed, ok := last(evs[id]).(Failed)
		require.True(t, ok)
		require.Equal(t, fault.Aborted, failed.Kind)
	}
	require.Len(t, evs[queued], 1, "a job that never started only fails")

	_, open := <-f.rt.Events()
	require.False(t, open)
}

func TestGracefulShutdown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id := uuid.New()
	require.NoError(t, f.rt.Dispatch(ctx, Dispatch{ID: id, Program: f.flip, Tape: tape.FromClasses(0)}))

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.rt.Shutdown(shutdownCtx, time.Minute))

	done, ok := last(collect(t, f.rt, id)[id]).(Completed)
	require.True(t, ok, "running jobs finish within the grace period")
	require.Equal(t, machine.Halted, done.Status)
}

func TestEventQueue(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	q := NewEventQueue()
	q.Push(Started{ID: a})
	q.Push(Progress{ID: a, Steps: 64})
	q.Push(Started{ID: b})
	q.Push(Progress{ID: a, Steps: 128})
	q.Push(Progress{ID: b, Steps: 64})
	q.Push(Completed{ID: a, Steps: 150})
	q.Push(Progress{ID: a, Steps: 192})
	require.Equal(t, 6, q.Len())

	var got []Event
	for {
		ev, ok := q.Pop()
		if !ok {
			break
		}
		got = append(got, ev)
	}
	require.Equal(t, []Event{
		Started{ID: a},
		Progress{ID: a, Steps: 128},
		Started{ID: b},
		Progress{ID: b, Steps: 64},
		Completed{ID: a, Steps: 150},
		Progress{ID: a, Steps: 192},
	}, got)

	q.Push(Progress{ID: a, Steps: 1})
	q.Push(Progress{ID: a, Steps: 2})
	ev, _ := q.Pop()
	require.Equal(t, Progress{ID: a, Steps: 2}, ev)
	require.Zero(t, q.Len())
}
