package contained

import (
	"testing"
	"time"

	"github.com/raskyld/contained/pkg/identity"
	"github.com/stretchr/testify/require"
)

func testPeerOf(t *testing.T, role Role) Peer {
	t.Helper()
	ident, err := identity.Generate()
	require.NoError(t, err)
	return Peer{ID: ident.ID, Addr: ident.ID.Short(), Role: role}
}

func TestMembership(t *testing.T) {
	self := testPeerOf(t, RoleFull)
	full := testPeerOf(t, RoleFull)
	light := testPeerOf(t, RoleLight)
	t0 := time.Unix(1_700_000_000, 0)

	m := NewMembership(self, 5*time.Second, 30*time.Second)
	require.True(t, m.Observe(full, t0))
	require.True(t, m.Observe(light, t0))
	require.False(t, m.Observe(full, t0.Add(time.Second)), "second observation is not new")
	require.False(t, m.Observe(self, t0), "self is never recorded")

	t.Run("snapshots are immutable", func(t *testing.T) {
		before := m.Snapshot()
		extra := testPeerOf(t, RoleFull)
		m.Observe(extra, t0)
		_, ok := before.Get(extra.ID)
		require.False(t, ok)
		require.True(t, m.Forget(extra.ID, t0))
		require.False(t, m.Forget(extra.ID, t0))
	})

	t.Run("departed peers are not resurrected by stale observations", func(t *testing.T) {
		gone := testPeerOf(t, RoleFull)
		m.Observe(gone, t0)
		require.True(t, m.Forget(gone.ID, t0.Add(time.Second)))
		require.False(t, m.Observe(gone, t0.Add(time.Second)))
		_, ok := m.Snapshot().Get(gone.ID)
		require.False(t, ok)

		require.True(t, m.Observe(gone, t0.Add(2*time.Second)), "a rejoin is newer than the departure")
		require.True(t, m.Forget(gone.ID, t0.Add(2*time.Second)))
	})

	t.Run("last seen never goes back", func(t *testing.T) {
		m.Observe(full, t0.Add(-time.Hour))
		member, ok := m.Snapshot().Get(full.ID)
		require.True(t, ok)
		require.Equal(t, t0.Add(time.Second), member.LastSeen)
	})

	t.Run("liveness", func(t *testing.T) {
		view := m.Snapshot()
		require.Equal(t, 3, view.Len())
		require.Equal(t, PeerLive, view.State(self.ID, t0.Add(time.Hour)))
		require.Equal(t, PeerLive, view.State(full.ID, t0.Add(5*time.Second)))
		require.Equal(t, PeerStale, view.State(light.ID, t0.Add(5*time.Second)))
		require.Equal(t, PeerUnknown, view.State(testPeerOf(t, RoleFull).ID, t0))

		live := view.Live(t0.Add(5 * time.Second))
		require.Len(t, live, 2)
		require.Contains(t, live, self)
		require.Contains(t, live, full)
		for i := 1; i < len(live); i++ {
			require.Negative(t, live[i-1].ID.Compare(live[i].ID))
		}

		require.ElementsMatch(t, []Peer{self, full}, view.Executors(t0))
	})

	t.Run("sweep evicts", func(t *testing.T) {
		require.Empty(t, m.Sweep(t0.Add(29*time.Second)))
		evicted := m.Sweep(t0.Add(30 * time.Second))
		require.Equal(t, []Peer{light}, evicted)
		_, ok := m.Snapshot().Get(light.ID)
		require.False(t, ok)
		_, ok = m.Snapshot().Get(full.ID)
		require.True(t, ok)
	})
}

func TestParseRole(t *testing.T) {
	for in, want := range map[string]Role{"full": RoleFull, "Light": RoleLight, "": RoleFull} {
		got, err := ParseRole(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseRole("observer")
	require.ErrorIs(t, err, ErrInvalidCfg)
}
