package sandbox

import (
	"context"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/raskyld/contained/pkg/fault"
	"github.com/raskyld/contained/pkg/machine"
	"github.com/raskyld/contained/pkg/tape"
	"github.com/raskyld/contained/pkg/tonnetz"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const flipSource = `
def step(state):
    root, third, fifth, quality = state
    if quality == "major" and root == 0 and host_read() == 0:
        host_apply("P")
        host_write(1)
        host_move("R")
`

const cycleSource = `
def step(state):
    host_emit("visit", str(state[0]))
    host_apply("R")
    host_write(host_read())
    host_move(0)
`

const spinSource = `
def step(state):
    host_apply("R")
`

const runawaySource = `
def step(state):
    host_apply(2)
    host_move("R")
`

const busySource = `
def step(state):
    n = 0
    while True:
        n += 1
`

var cMajor = tonnetz.MustTriad(0, tonnetz.Major)

func artifact(src string, halt ...tonnetz.Class) *Artifact {
	return &Artifact{
		Manifest: Manifest{
			Name:       "test",
			ABIVersion: ABIVersion,
			Halt:       machine.HaltWhen{Classes: halt},
		},
		Source: []byte(src),
	}
}

func compile(t *testing.T, art *Artifact) *Module {
	t.Helper()
	mod, err := Compile(art)
	require.NoError(t, err)
	return mod
}

func execute(t *testing.T, mod *Module, cells []int, opts ExecOptions) Result {
	t.Helper()
	x, err := NewExecutor(mod, cMajor, tape.FromClasses(cells...), opts)
	require.NoError(t, err)
	return x.Run(context.Background())
}

func TestExecutor(t *testing.T) {
	flip := compile(t, artifact(flipSource, tonnetz.Minor))

	t.Run("minimal module halts with the expected tape", func(t *testing.T) {
		res := execute(t, flip, []int{0}, ExecOptions{})
		require.Equal(t, machine.Halted, res.Status)
		require.Equal(t, 1, res.Steps)
		require.Equal(t, []int{1, 0}, tape.Classes(res.Tape))
		require.Equal(t, tonnetz.MustTriad(0, tonnetz.Minor), res.Triad)
		require.NoError(t, res.Err())
	})

	t.Run("a step without transformation is a rule miss", func(t *testing.T) {
		res := execute(t, flip, []int{5}, ExecOptions{})
		require.Equal(t, machine.Failed, res.Status)
		require.Equal(t, fault.NoRule, res.Kind)
		require.Equal(t, 0, res.Steps)
		require.Equal(t, []int{5}, tape.Classes(res.Tape))
	})

	t.Run("step budget", func(t *testing.T) {
		art := artifact(cycleSource)
		art.Manifest.StepBudget = 10
		res := execute(t, compile(t, art), []int{0}, ExecOptions{})
		require.Equal(t, fault.BudgetExceeded, res.Kind)
		require.Equal(t, 10, res.Steps)
	})

	t.Run("memory budget", func(t *testing.T) {
		art := artifact(runawaySource)
		art.Manifest.MemoryBudget = 4
		res := execute(t, compile(t, art), []int{0}, ExecOptions{})
		require.Equal(t, fault.BudgetExceeded, res.Kind)
		require.Equal(t, 4, len(res.Tape))
	})

	t.Run("limits cap manifest budgets", func(t *testing.T) {
		art := artifact(cycleSource)
		art.Manifest.StepBudget = 1 << 63
		res := execute(t, compile(t, art), []int{0}, ExecOptions{Limits: Budgets{Steps: 3}})
		require.Equal(t, fault.BudgetExceeded, res.Kind)
		require.Equal(t, 3, res.Steps)

		art = artifact(runawaySource)
		art.Manifest.MemoryBudget = math.MaxUint64
		res = execute(t, compile(t, art), []int{0}, ExecOptions{Limits: Budgets{Memory: 6}})
		require.Equal(t, fault.BudgetExceeded, res.Kind)
		require.Equal(t, 6, len(res.Tape))
	})

	t.Run("memory budgets convert without overflow", func(t *testing.T) {
		require.Equal(t, math.MaxInt32, cells(math.MaxUint64))
		require.Equal(t, math.MaxInt32, cells(1<<63))
		require.Equal(t, 4, cells(4))
		require.Equal(t, MaxBudgets, Budgets{Steps: 1 << 63, Memory: math.MaxUint64, Call: 1 << 40, Emissions: 1 << 20}.capped(MaxBudgets))
	})

	t.Run("machines resume at the given head", func(t *testing.T) {
		res := execute(t, flip, []int{5, 0}, ExecOptions{Head: 1})
		require.Equal(t, machine.Halted, res.Status)
		require.Equal(t, []int{5, 1, 0}, tape.Classes(res.Tape))
		require.Equal(t, 2, res.Head)

		_, err := NewExecutor(flip, cMajor, tape.FromClasses(0), ExecOptions{Head: 3})
		require.ErrorIs(t, err, fault.TapeInvariant)
	})

	t.Run("interpreter budget per call", func(t *testing.T) {
		art := artifact(busySource)
		art.Manifest.CallBudget = 1000
		res := execute(t, compile(t, art), []int{0}, ExecOptions{})
		require.Equal(t, fault.BudgetExceeded, res.Kind)
		require.Equal(t, 0, res.Steps)
	})

	t.Run("executions are deterministic", func(t *testing.T) {
		art := artifact(cycleSource)
		art.Manifest.StepBudget = 25
		mod := compile(t, art)

		first := execute(t, mod, []int{0, 3}, ExecOptions{})
		second := execute(t, mod, []int{0, 3}, ExecOptions{})
		require.Equal(t, first, second)
		require.Len(t, first.Emissions, 25)
		require.Equal(t, "visit", first.Emissions[0].Tag)
		require.Equal(t, []byte("0"), first.Emissions[0].Payload)
		require.Equal(t, []byte("9"), first.Emissions[1].Payload)
	})

	t.Run("progress is reported at step boundaries", func(t *testing.T) {
		art := artifact(cycleSource)
		art.Manifest.StepBudget = 20
		var seen []int
		execute(t, compile(t, art), []int{0}, ExecOptions{
			ProgressEvery: 5,
			OnProgress: func(steps int) {
				seen = append(seen, steps)
			},
		})
		require.Equal(t, []int{5, 10, 15, 20}, seen)
	})

	t.Run("cancellation is observed before the next step", func(t *testing.T) {
		x, err := NewExecutor(compile(t, artifact(cycleSource)), cMajor, tape.FromClasses(0), ExecOptions{})
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		res := x.Run(ctx)
		require.Equal(t, fault.Cancelled, res.Kind)
		require.Equal(t, 0, res.Steps)
	})

	t.Run("deadlines surface as their own kind", func(t *testing.T) {
		x, err := NewExecutor(compile(t, artifact(spinSource)), cMajor, tape.FromClasses(0), ExecOptions{
			Defaults: Budgets{Steps: 1 << 40},
		})
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		res := x.Run(ctx)
		require.Equal(t, fault.Deadline, res.Kind)
	})

	t.Run("abort interrupts a step in progress", func(t *testing.T) {
		art := artifact(busySource)
		art.Manifest.CallBudget = 1 << 50
		x, err := NewExecutor(compile(t, art), cMajor, tape.FromClasses(0), ExecOptions{})
		require.NoError(t, err)

		ctx, cancel := context.WithCancelCause(context.Background())
		done := make(chan Result, 1)
		go func() {
			done <- x.Run(ctx)
		}()
		time.Sleep(20 * time.Millisecond)
		cancel(fault.New(fault.Aborted, "shutdown"))

		select {
		case res := <-done:
			require.Equal(t, fault.Aborted, res.Kind)
		case <-time.After(5 * time.Second):
			t.Fatal("executor did not stop")
		}
	})

	t.Run("yield suspends the machine", func(t *testing.T) {
		mod := compile(t, artifact(`
def step(state):
    host_apply("L")
    host_halt(1)
`))
		res := execute(t, mod, []int{0}, ExecOptions{})
		require.Equal(t, machine.Suspended, res.Status)
		require.Equal(t, 1, res.Steps)
	})
}

func TestModuleLoading(t *testing.T) {
	t.Run("missing entry point", func(t *testing.T) {
		art := artifact("def other(state):\n    pass\n")
		_, err := NewExecutor(compile(t, art), cMajor, nil, ExecOptions{})
		require.ErrorIs(t, err, fault.UnknownProgram)
	})

	t.Run("unsupported host ABI", func(t *testing.T) {
		art := artifact(flipSource)
		art.Manifest.ABIVersion = ABIVersion + 1
		_, err := Compile(art)
		require.ErrorIs(t, err, fault.UnknownProgram)
	})

	t.Run("undeclared globals are rejected at compile time", func(t *testing.T) {
		_, err := Compile(artifact("def step(state):\n    time_now()\n"))
		require.ErrorIs(t, err, fault.UnknownProgram)
	})

	t.Run("hash ignores halt set ordering", func(t *testing.T) {
		a := artifact(flipSource, tonnetz.Minor, tonnetz.Diminished)
		b := artifact(flipSource, tonnetz.Diminished, tonnetz.Minor, tonnetz.Minor)
		require.Equal(t, a.Hash(), b.Hash())

		c := artifact(flipSource, tonnetz.Minor)
		require.NotEqual(t, a.Hash(), c.Hash())
	})

	t.Run("decoded artifacts keep their identity", func(t *testing.T) {
		a := artifact(flipSource, tonnetz.Minor)
		a.Manifest.Halt.Triads = []tonnetz.Triad{tonnetz.MustTriad(9, tonnetz.Minor)}
		a.Manifest.StepBudget = 42
		decoded, err := UnmarshalArtifact(a.Marshal())
		require.NoError(t, err)
		require.Equal(t, a.Hash(), decoded.Hash())
		require.Equal(t, uint64(42), decoded.Manifest.StepBudget)

		_, err = UnmarshalArtifact([]byte{0xff})
		require.ErrorIs(t, err, fault.Serialization)
	})
}

type mockStore struct {
	mock.Mock
}

func (s *mockStore) Get(ctx context.Context, h Hash) (*Artifact, error) {
	args := s.Called(ctx, h)
	art, _ := args.Get(0).(*Artifact)
	return art, args.Error(1)
}

func (s *mockStore) Put(ctx context.Context, art *Artifact) error {
	return s.Called(ctx, art).Error(0)
}

func (s *mockStore) List(ctx context.Context) ([]Hash, error) {
	args := s.Called(ctx)
	hashes, _ := args.Get(0).([]Hash)
	return hashes, args.Error(1)
}

func TestCache(t *testing.T) {
	t.Run("concurrent resolutions load once", func(t *testing.T) {
		art := artifact(flipSource, tonnetz.Minor)
		h := art.Hash()

		store := &mockStore{}
		store.On("Get", mock.Anything, h).
			Run(func(mock.Arguments) { time.Sleep(50 * time.Millisecond) }).
			Return(art, nil).
			Once()

		cache, err := NewCache(store, 4)
		require.NoError(t, err)

		const k = 32
		start := make(chan struct{})
		mods := make([]*Module, k)
		errs := make([]error, k)
		var wg sync.WaitGroup
		for i := range k {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				mods[i], errs[i] = cache.Resolve(context.Background(), h)
			}()
		}
		close(start)
		wg.Wait()

		for i := range k {
			require.NoError(t, errs[i])
			require.Same(t, mods[0], mods[i])
		}
		store.AssertNumberOfCalls(t, "Get", 1)
	})

	t.Run("unknown programs are reported", func(t *testing.T) {
		cache, err := NewCache(NewMemoryStore(), 4)
		require.NoError(t, err)
		_, err = cache.Resolve(context.Background(), Hash{1})
		require.ErrorIs(t, err, fault.UnknownProgram)
	})

	t.Run("install checks the expected hash", func(t *testing.T) {
		store := NewMemoryStore()
		cache, err := NewCache(store, 4)
		require.NoError(t, err)

		art := artifact(flipSource, tonnetz.Minor)
		_, err = cache.Install(context.Background(), art, Hash{7})
		require.ErrorIs(t, err, fault.Serialization)

		h, err := cache.Install(context.Background(), art, art.Hash())
		require.NoError(t, err)
		mod, err := cache.Resolve(context.Background(), h)
		require.NoError(t, err)
		require.Equal(t, h, mod.Hash)
	})
}

func TestSQLiteStore(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "programs.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	art := artifact(flipSource, tonnetz.Minor)
	h := art.Hash()

	_, err = store.Get(ctx, h)
	require.ErrorIs(t, err, fault.UnknownProgram)

	require.NoError(t, store.Put(ctx, art))
	require.NoError(t, store.Put(ctx, art), "storing twice is idempotent")

	got, err := store.Get(ctx, h)
	require.NoError(t, err)
	require.Equal(t, h, got.Hash())

	hashes, err := store.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []Hash{h}, hashes)
}
