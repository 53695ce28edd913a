package tonnetz

import "sync"

// NumTriads is the number of distinct triads: 12 major, 12 minor,
// 4 augmented and 12 diminished.
const NumTriads = 40

// Index maps a triad to its slot in [0, NumTriads).
func Index(t Triad) int {
	switch t.Class {
	case Major:
		return int(t.Root)
	case Minor:
		return 12 + int(t.Root)
	case Augmented:
		return 24 + int(t.Root)%4
	default:
		return 28 + int(t.Root)
	}
}

// TriadAt is the inverse of Index.
func TriadAt(i int) Triad {
	switch {
	case i < 12:
		return Triad{Root: PitchClass(i), Class: Major}
	case i < 24:
		return Triad{Root: PitchClass(i - 12), Class: Minor}
	case i < 28:
		return Triad{Root: PitchClass(i - 24), Class: Augmented}
	default:
		return Triad{Root: PitchClass(i - 28), Class: Diminished}
	}
}

// Graph is the Tonnetz as an arena: vertices are triad indices, edges are
// indexed by transformation.
type Graph struct {
	Edges [NumTriads][len(Transformations)]int
}

var (
	graphOnce sync.Once
	graph     *Graph
)

// Tonnetz derives the graph on first use.
func Tonnetz() *Graph {
	graphOnce.Do(func() {
		g := &Graph{}
		for i := range NumTriads {
			for _, x := range Transformations {
				g.Edges[i][x] = Index(Apply(x, TriadAt(i)))
			}
		}
		graph = g
	})
	return graph
}

// Neighbour follows edge x from vertex i.
func (g *Graph) Neighbour(i int, x Transformation) int {
	return g.Edges[i][x]
}

// Distance is the length of the shortest L/P/R path between two triads,
// or -1 when they lie in different components.
func (g *Graph) Distance(from, to Triad) int {
	src, dst := Index(from), Index(to)
	if src == dst {
		return 0
	}
	var dist [NumTriads]int
	for i := range dist {
		dist[i] = -1
	}
	dist[src] = 0
	queue := []int{src}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.Edges[cur] {
			if dist[next] >= 0 {
				continue
			}
			dist[next] = dist[cur] + 1
			if next == dst {
				return dist[next]
			}
			queue = append(queue, next)
		}
	}
	return -1
}
