package contained

import (
	"slices"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/raskyld/contained/pkg/sandbox"
)

// score is the rendezvous weight of a peer for one dispatch.
func score(p Peer, corr uuid.UUID, program sandbox.Hash) uint64 {
	d := xxhash.New()
	_, _ = d.Write(p.ID[:])
	_, _ = d.Write(corr[:])
	_, _ = d.Write(program[:])
	return d.Sum64()
}

// Rank orders peers by decreasing rendezvous score for the pair
// (corr, program). The first peer is the elected one, the following are
// the fallbacks. Adding or removing a peer only moves the dispatches for
// which that peer ranks first.
func Rank(peers []Peer, corr uuid.UUID, program sandbox.Hash) []Peer {
	type scored struct {
		peer  Peer
		score uint64
	}
	ranked := make([]scored, len(peers))
	for i, p := range peers {
		ranked[i] = scored{peer: p, score: score(p, corr, program)}
	}
	slices.SortFunc(ranked, func(a, b scored) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		}
		return a.peer.ID.Compare(b.peer.ID)
	})
	out := make([]Peer, len(ranked))
	for i, s := range ranked {
		out[i] = s.peer
	}
	return out
}
