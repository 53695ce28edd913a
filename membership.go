package contained

import (
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/raskyld/contained/pkg/identity"
)

// Role of a peer in the subnet.
type Role uint8

const (
	// RoleFull peers host executors.
	RoleFull Role = iota
	// RoleLight peers only originate requests and receive responses.
	RoleLight
)

func (r Role) String() string {
	switch r {
	case RoleFull:
		return "full"
	case RoleLight:
		return "light"
	}
	return fmt.Sprintf("Role(%d)", uint8(r))
}

func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "full", "":
		return RoleFull, nil
	case "light":
		return RoleLight, nil
	}
	return RoleFull, fmt.Errorf("%w: unknown role %q", ErrInvalidCfg, s)
}

// Peer is a participant of the subnet.
type Peer struct {
	ID   identity.PeerID
	Addr string
	Role Role
}

func (p Peer) String() string {
	return fmt.Sprintf("%s@%s(%s)", p.ID.Short(), p.Addr, p.Role)
}

// Liveness of a peer as seen from the local membership table.
type Liveness uint8

const (
	PeerUnknown Liveness = iota
	PeerLive
	PeerStale
)

func (l Liveness) String() string {
	switch l {
	case PeerLive:
		return "live"
	case PeerStale:
		return "stale"
	}
	return "unknown"
}

// Member is a peer and the last time it was heard of.
type Member struct {
	Peer
	LastSeen time.Time
}

// Membership is the table of known peers. It has a single writer (the
// coordinator loop) and any number of readers, which observe immutable
// snapshots.
type Membership struct {
	self       Peer
	staleAfter time.Duration
	evictAfter time.Duration
	tree       atomic.Pointer[iradix.Tree]

	// departed keeps the departure time of peers which left, so stale
	// digests do not bring them back. Only the writer touches it.
	departed map[identity.PeerID]time.Time
}

func NewMembership(self Peer, staleAfter, evictAfter time.Duration) *Membership {
	m := &Membership{
		self:       self,
		staleAfter: staleAfter,
		evictAfter: evictAfter,
		departed:   make(map[identity.PeerID]time.Time),
	}
	m.tree.Store(iradix.New())
	return m
}

// Observe records that p was heard of at the given time. It reports
// whether p was previously unknown. Observations of the local peer are
// ignored, and so are observations of a departed peer older than its
// departure.
func (m *Membership) Observe(p Peer, at time.Time) bool {
	if p.ID == m.self.ID {
		return false
	}
	if left, ok := m.departed[p.ID]; ok {
		if !at.After(left) {
			return false
		}
		delete(m.departed, p.ID)
	}
	tree := m.tree.Load()
	if prev, ok := tree.Get(p.ID[:]); ok && prev.(Member).LastSeen.After(at) {
		at = prev.(Member).LastSeen
	}
	next, _, updated := tree.Insert(p.ID[:], Member{Peer: p, LastSeen: at})
	m.tree.Store(next)
	return !updated
}

// Forget removes a peer that announced its departure at the given time.
func (m *Membership) Forget(id identity.PeerID, at time.Time) bool {
	m.departed[id] = at
	next, _, ok := m.tree.Load().Delete(id[:])
	if ok {
		m.tree.Store(next)
	}
	return ok
}

// Sweep evicts the peers not heard of for longer than the eviction
// timeout and returns them.
func (m *Membership) Sweep(now time.Time) []Peer {
	tree := m.tree.Load()
	txn := tree.Txn()
	var evicted []Peer
	tree.Root().Walk(func(k []byte, v interface{}) bool {
		member := v.(Member)
		if now.Sub(member.LastSeen) >= m.evictAfter {
			txn.Delete(k)
			evicted = append(evicted, member.Peer)
		}
		return false
	})
	if len(evicted) > 0 {
		m.tree.Store(txn.Commit())
	}
	for id, left := range m.departed {
		if now.Sub(left) >= m.evictAfter {
			delete(m.departed, id)
		}
	}
	return evicted
}

// Snapshot returns an immutable view of the table.
func (m *Membership) Snapshot() View {
	return View{
		self:       m.self,
		staleAfter: m.staleAfter,
		tree:       m.tree.Load(),
	}
}

func (m *Membership) Self() Peer {
	return m.self
}

// View is an immutable snapshot of the membership table.
type View struct {
	self       Peer
	staleAfter time.Duration
	tree       *iradix.Tree
}

func (v View) Get(id identity.PeerID) (Member, bool) {
	if id == v.self.ID {
		return Member{Peer: v.self}, true
	}
	raw, ok := v.tree.Get(id[:])
	if !ok {
		return Member{}, false
	}
	return raw.(Member), true
}

// State classifies a peer by the age of its last observation. The local
// peer is always live.
func (v View) State(id identity.PeerID, now time.Time) Liveness {
	if id == v.self.ID {
		return PeerLive
	}
	member, ok := v.Get(id)
	if !ok {
		return PeerUnknown
	}
	if now.Sub(member.LastSeen) < v.staleAfter {
		return PeerLive
	}
	return PeerStale
}

// Members lists every known peer but the local one, ordered by id.
func (v View) Members() []Member {
	out := make([]Member, 0, v.tree.Len())
	v.tree.Root().Walk(func(_ []byte, raw interface{}) bool {
		out = append(out, raw.(Member))
		return false
	})
	return out
}

// Live lists the live peers, the local one included, ordered by id.
func (v View) Live(now time.Time) []Peer {
	out := []Peer{v.self}
	for _, member := range v.Members() {
		if now.Sub(member.LastSeen) < v.staleAfter {
			out = append(out, member.Peer)
		}
	}
	slices.SortFunc(out, func(a, b Peer) int {
		return a.ID.Compare(b.ID)
	})
	return out
}

// Executors lists the live peers able to host executors.
func (v View) Executors(now time.Time) []Peer {
	return slices.DeleteFunc(v.Live(now), func(p Peer) bool {
		return p.Role != RoleFull
	})
}

func (v View) Len() int {
	return v.tree.Len() + 1
}
