package contained

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/contained/pkg/identity"
	"github.com/raskyld/contained/pkg/machine"
	"github.com/raskyld/contained/pkg/sandbox"
	"github.com/raskyld/contained/pkg/tape"
	"github.com/raskyld/contained/pkg/tonnetz"
	"github.com/stretchr/testify/require"
)

func newTestNode(t *testing.T, mock *memberlist.MockNetwork, hub *Loopback, name string, role Role, opts ...Option) *Node {
	t.Helper()
	base := []Option{
		WithInProcess(mock, hub),
		WithRole(role),
		WithSubnet(testSubnet),
		WithLog(testHandler(name)),
		WithMetricSink(&metrics.BlackholeSink{}),
		WithKeepAlive(50 * time.Millisecond),
		WithTimings(time.Minute, time.Hour, time.Second, time.Minute),
	}
	n, err := Create(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, n.Shutdown())
	})
	return n
}

func TestNode(t *testing.T) {
	mock := &memberlist.MockNetwork{}
	hub := NewLoopback()

	a := newTestNode(t, mock, hub, "a", RoleFull)
	b := newTestNode(t, mock, hub, "b", RoleFull)
	c := newTestNode(t, mock, hub, "c", RoleLight)

	require.NoError(t, b.JoinSubnet(a.Addr()))
	require.NoError(t, c.JoinSubnet(a.Addr()))

	for _, n := range []*Node{a, b, c} {
		require.Eventually(t, func() bool {
			return n.Members().Len() == 3
		}, 5*time.Second, 20*time.Millisecond)
	}

	t.Run("roles travel with memberlist metadata", func(t *testing.T) {
		member, ok := a.Members().Get(c.Self().ID)
		require.True(t, ok)
		require.Equal(t, RoleLight, member.Role)
		executors := c.Members().Executors(time.Now())
		require.Len(t, executors, 2)
		require.NotContains(t, executors, c.Self())
	})

	t.Run("light node dispatches through the subnet", func(t *testing.T) {
		art := flipArtifact()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		res, err := c.Dispatch(ctx, Request{
			Program:  art.Hash(),
			Artifact: art,
			Start:    tonnetz.MustTriad(0, tonnetz.Major),
			Tape:     tape.FromClasses(0),
		})
		require.NoError(t, err)
		require.Equal(t, machine.Halted, res.Status)
		require.Equal(t, []int{1, 0}, tape.Classes(res.Tape))
		require.Contains(t, []identity.PeerID{a.Self().ID, b.Self().ID}, res.Executor)
	})

	t.Run("installed programs are dispatched by hash", func(t *testing.T) {
		art := flipArtifact()
		for _, n := range []*Node{a, b} {
			h, err := n.Install(context.Background(), art)
			require.NoError(t, err)
			require.Equal(t, art.Hash(), h)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		res, err := a.Dispatch(ctx, Request{
			Program: art.Hash(),
			Tape:    tape.FromClasses(0),
		})
		require.NoError(t, err)
		require.NoError(t, res.Err())
	})

	t.Run("departures are forgotten", func(t *testing.T) {
		require.NoError(t, c.Shutdown())
		require.Eventually(t, func() bool {
			_, ok := a.Members().Get(c.Self().ID)
			return !ok
		}, 10*time.Second, 50*time.Millisecond)

		_, err := c.Dispatch(context.Background(), Request{Program: sandbox.Hash{1}})
		require.ErrorIs(t, err, ErrNodeClosed)
	})
}

func TestCreateRejects(t *testing.T) {
	_, err := Create(WithSubnet(""))
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = Create(WithInProcess(nil, nil))
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = Create(WithCacheSize(0))
	require.ErrorIs(t, err, ErrInvalidCfg)
}
