// Package graph is the connectivity view over the landscape: minima are nodes,
// transition states are undirected edges.
package graph

import (
	"cmp"
	"slices"
	"sync"

	"github.com/hpungsan/landscape/internal/errors"
	"github.com/hpungsan/landscape/internal/landscape"
)

// Pair is an unordered pair of minimum ids, stored with A < B.
type Pair struct {
	A int64 `json:"min1"`
	B int64 `json:"min2"`
}

// NewPair orders a and b.
func NewPair(a, b int64) Pair {
	if a > b {
		a, b = b, a
	}
	return Pair{A: a, B: b}
}

// Node is a minimum id with its energy.
type Node struct {
	ID     int64   `json:"id"`
	Energy float64 `json:"energy"`
}

// Component is one connected component.
type Component struct {
	// Members sorted by energy, then id
	Members []Node `json:"members"`
}

// Lowest returns the lowest-energy member.
func (c Component) Lowest() Node {
	return c.Members[0]
}

// Stats summarises the graph.
type Stats struct {
	Nodes            int `json:"nodes"`
	Edges            int `json:"edges"`
	Components       int `json:"components"`
	LargestComponent int `json:"largest_component"`
}

// Graph tracks connectivity with union-find plus an adjacency map for paths.
// Readers take a read lock and never mutate; path compression happens on writes only.
type Graph struct {
	mu sync.RWMutex

	energy map[int64]float64
	adj    map[int64]map[int64]int // neighbour -> edge multiplicity
	parent map[int64]int64
	rank   map[int64]int
	edges  int
}

// New returns an empty graph.
func New() *Graph {
	g := &Graph{}
	g.reset()
	return g
}

func (g *Graph) reset() {
	g.energy = make(map[int64]float64)
	g.adj = make(map[int64]map[int64]int)
	g.parent = make(map[int64]int64)
	g.rank = make(map[int64]int)
	g.edges = 0
}

// Rebuild replaces the graph with the minima and transition states of snap.
func (g *Graph) Rebuild(snap landscape.Snapshot) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.reset()
	for _, m := range snap.Minima {
		g.addNode(m.ID, m.Energy)
	}
	for _, ts := range snap.TransitionStates {
		if err := g.applyEdge(ts.Min1, ts.Min2); err != nil {
			return err
		}
	}
	return nil
}

// AddNode adds a minimum as an isolated node. Adding a known id is a no-op.
func (g *Graph) AddNode(id int64, energy float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addNode(id, energy)
}

// ApplyEdge adds an edge for one new transition state.
func (g *Graph) ApplyEdge(min1, min2 int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.applyEdge(min1, min2)
}

func (g *Graph) addNode(id int64, energy float64) {
	if _, ok := g.energy[id]; ok {
		return
	}
	g.energy[id] = energy
	g.adj[id] = make(map[int64]int)
	g.parent[id] = id
}

func (g *Graph) applyEdge(a, b int64) error {
	if a == b {
		return errors.NewInvalidInput("edge endpoints must differ")
	}
	for _, id := range [2]int64{a, b} {
		if _, ok := g.energy[id]; !ok {
			e := errors.NewInvalidInput("edge endpoint is not a node")
			e.Details = map[string]any{"minimum_id": id}
			return e
		}
	}
	g.adj[a][b]++
	g.adj[b][a]++
	g.edges++
	g.union(a, b)
	return nil
}

// findCompress is find with path halving. Caller holds the write lock.
func (g *Graph) findCompress(x int64) int64 {
	for g.parent[x] != x {
		g.parent[x] = g.parent[g.parent[x]]
		x = g.parent[x]
	}
	return x
}

// find does not mutate and is safe under the read lock.
func (g *Graph) find(x int64) int64 {
	for g.parent[x] != x {
		x = g.parent[x]
	}
	return x
}

func (g *Graph) union(a, b int64) {
	ra, rb := g.findCompress(a), g.findCompress(b)
	if ra == rb {
		return
	}
	switch {
	case g.rank[ra] < g.rank[rb]:
		g.parent[ra] = rb
	case g.rank[ra] > g.rank[rb]:
		g.parent[rb] = ra
	default:
		g.parent[rb] = ra
		g.rank[ra]++
	}
}

// HasNode reports whether id is a node.
func (g *Graph) HasNode(id int64) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.energy[id]
	return ok
}

// AreConnected reports whether a and b are in the same component.
// Unknown ids are never connected.
func (g *Graph) AreConnected(a, b int64) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.connected(a, b)
}

func (g *Graph) connected(a, b int64) bool {
	if _, ok := g.parent[a]; !ok {
		return false
	}
	if _, ok := g.parent[b]; !ok {
		return false
	}
	return g.find(a) == g.find(b)
}

// Components returns all components ordered by their lowest member's energy, then id.
func (g *Graph) Components() []Component {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.components()
}

func (g *Graph) components() []Component {
	groups := make(map[int64][]Node)
	for id, e := range g.energy {
		root := g.find(id)
		groups[root] = append(groups[root], Node{ID: id, Energy: e})
	}

	out := make([]Component, 0, len(groups))
	for _, members := range groups {
		slices.SortFunc(members, compareNodes)
		out = append(out, Component{Members: members})
	}
	slices.SortFunc(out, func(a, b Component) int {
		return compareNodes(a.Lowest(), b.Lowest())
	})
	return out
}

func compareNodes(a, b Node) int {
	if c := cmp.Compare(a.Energy, b.Energy); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// ShortestPath returns a fewest-edges path from a to b, inclusive of both ends.
func (g *Graph) ShortestPath(a, b int64) ([]int64, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if !g.connected(a, b) {
		return nil, false
	}
	if a == b {
		return []int64{a}, true
	}

	prev := map[int64]int64{a: a}
	queue := []int64{a}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		neighbours := make([]int64, 0, len(g.adj[cur]))
		for n := range g.adj[cur] {
			neighbours = append(neighbours, n)
		}
		slices.Sort(neighbours)
		for _, n := range neighbours {
			if _, seen := prev[n]; seen {
				continue
			}
			prev[n] = cur
			if n == b {
				return buildPath(prev, a, b), true
			}
			queue = append(queue, n)
		}
	}
	return nil, false
}

func buildPath(prev map[int64]int64, a, b int64) []int64 {
	path := []int64{b}
	for cur := b; cur != a; {
		cur = prev[cur]
		path = append(path, cur)
	}
	slices.Reverse(path)
	return path
}

// Stats returns node, edge and component counts.
func (g *Graph) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	sizes := make(map[int64]int)
	for id := range g.energy {
		sizes[g.find(id)]++
	}
	largest := 0
	for _, n := range sizes {
		largest = max(largest, n)
	}
	return Stats{
		Nodes:            len(g.energy),
		Edges:            g.edges,
		Components:       len(sizes),
		LargestComponent: largest,
	}
}

// PickDisconnectedPair returns the first pair from policy's ordering whose ends lie
// in different components and which passes eligible (nil accepts all). It returns
// false when fewer than two components exist or no candidate qualifies.
func (g *Graph) PickDisconnectedPair(policy PairPolicy, eligible func(Pair) bool) (Pair, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	comps := g.components()
	if len(comps) < 2 {
		return Pair{}, false
	}
	for p := range policy.Candidates(comps) {
		if g.connected(p.A, p.B) {
			continue
		}
		if eligible != nil && !eligible(p) {
			continue
		}
		return p, true
	}
	return Pair{}, false
}
