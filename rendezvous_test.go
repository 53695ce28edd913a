package contained

import (
	"testing"

	"github.com/google/uuid"
	"github.com/raskyld/contained/pkg/sandbox"
	"github.com/stretchr/testify/require"
)

func TestRank(t *testing.T) {
	peers := make([]Peer, 10)
	for i := range peers {
		peers[i] = testPeerOf(t, RoleFull)
	}
	program := sandbox.Hash{1, 2, 3}

	t.Run("deterministic and independent of input order", func(t *testing.T) {
		id := uuid.New()
		first := Rank(peers, id, program)
		reversed := make([]Peer, len(peers))
		for i, p := range peers {
			reversed[len(peers)-1-i] = p
		}
		require.Equal(t, first, Rank(reversed, id, program))
		require.ElementsMatch(t, peers, first)
	})

	ids := make([]uuid.UUID, 4000)
	before := make([]Peer, len(ids))
	for i := range ids {
		ids[i] = uuid.New()
		before[i] = Rank(peers, ids[i], program)[0]
	}

	t.Run("a join only moves work to the newcomer", func(t *testing.T) {
		joined := testPeerOf(t, RoleFull)
		grown := append(append([]Peer{}, peers...), joined)
		moved := 0
		for i, id := range ids {
			elected := Rank(grown, id, program)[0]
			if elected.ID != before[i].ID {
				require.Equal(t, joined.ID, elected.ID)
				moved++
			}
		}
		fraction := float64(moved) / float64(len(ids))
		require.InDelta(t, 1.0/11, fraction, 0.04)
	})

	t.Run("a departure only moves the work of the leaver", func(t *testing.T) {
		leaver := peers[3]
		shrunk := append(append([]Peer{}, peers[:3]...), peers[4:]...)
		moved := 0
		for i, id := range ids {
			elected := Rank(shrunk, id, program)[0]
			if elected.ID != before[i].ID {
				require.Equal(t, leaver.ID, before[i].ID)
				moved++
			}
		}
		fraction := float64(moved) / float64(len(ids))
		require.InDelta(t, 1.0/10, fraction, 0.04)
	})

	t.Run("fallback order survives the leaver", func(t *testing.T) {
		id := ids[0]
		full := Rank(peers, id, program)
		var without []Peer
		for _, p := range peers {
			if p.ID != full[0].ID {
				without = append(without, p)
			}
		}
		require.Equal(t, full[1:], Rank(without, id, program))
	})
}
