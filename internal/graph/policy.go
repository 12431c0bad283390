package graph

import (
	"cmp"
	"container/heap"
	"iter"
	"math/rand/v2"
	"slices"
	"sync"
	"time"
)

// PairPolicy orders the candidate pairs for connection attempts. Components arrive
// sorted by lowest energy with members sorted by energy. Candidates may include
// pairs inside one component; the graph skips them.
type PairPolicy interface {
	Name() string
	Candidates(comps []Component) iter.Seq[Pair]
}

// candidate is a component member eligible for pairing.
type candidate struct {
	Node
	comp int
}

// representatives takes the width lowest members of every component.
// width <= 0 takes every member.
func representatives(comps []Component, width int) []candidate {
	var out []candidate
	for ci, c := range comps {
		n := len(c.Members)
		if width > 0 {
			n = min(n, width)
		}
		for _, m := range c.Members[:n] {
			out = append(out, candidate{Node: m, comp: ci})
		}
	}
	return out
}

// EnergyGapPolicy pairs the Width lowest members of each component, smallest
// energy gap first. Equal gaps are ordered by lowest combined id, then lowest
// smaller id. Width 1 pairs the lowest-energy representatives of each component.
type EnergyGapPolicy struct {
	Width int
}

// Name implements PairPolicy.
func (EnergyGapPolicy) Name() string { return "combine" }

// Candidates implements PairPolicy. Pairs are produced lazily: a heap holds one
// frontier pair per candidate, so taking k pairs costs O((n + k) log n).
func (p EnergyGapPolicy) Candidates(comps []Component) iter.Seq[Pair] {
	return func(yield func(Pair) bool) {
		cands := representatives(comps, p.Width)
		slices.SortFunc(cands, func(a, b candidate) int { return compareNodes(a.Node, b.Node) })

		h := &gapHeap{}
		for i := 0; i+1 < len(cands); i++ {
			h.items = append(h.items, gapItem{i: i, j: i + 1, gap: cands[i+1].Energy - cands[i].Energy})
		}
		heap.Init(h)

		var group []gapItem
		for h.Len() > 0 {
			gap := h.items[0].gap
			group = group[:0]
			for h.Len() > 0 && h.items[0].gap == gap {
				it := heap.Pop(h).(gapItem)
				if it.j+1 < len(cands) {
					heap.Push(h, gapItem{i: it.i, j: it.j + 1, gap: cands[it.j+1].Energy - cands[it.i].Energy})
				}
				if cands[it.i].comp != cands[it.j].comp {
					group = append(group, it)
				}
			}
			slices.SortFunc(group, func(a, b gapItem) int {
				pa := NewPair(cands[a.i].ID, cands[a.j].ID)
				pb := NewPair(cands[b.i].ID, cands[b.j].ID)
				if c := cmp.Compare(pa.A+pa.B, pb.A+pb.B); c != 0 {
					return c
				}
				return cmp.Compare(pa.A, pb.A)
			})
			for _, it := range group {
				if !yield(NewPair(cands[it.i].ID, cands[it.j].ID)) {
					return
				}
			}
		}
	}
}

type gapItem struct {
	i, j int
	gap  float64
}

type gapHeap struct {
	items []gapItem
}

func (h *gapHeap) Len() int           { return len(h.items) }
func (h *gapHeap) Less(a, b int) bool { return h.items[a].gap < h.items[b].gap }
func (h *gapHeap) Swap(a, b int)      { h.items[a], h.items[b] = h.items[b], h.items[a] }
func (h *gapHeap) Push(x any)         { h.items = append(h.items, x.(gapItem)) }
func (h *gapHeap) Pop() any {
	n := len(h.items)
	it := h.items[n-1]
	h.items = h.items[:n-1]
	return it
}

// GlobalMinimumPolicy pairs the Width lowest members of the global-minimum component
// with the Width lowest members of every other component, in ascending energy of the
// other member.
type GlobalMinimumPolicy struct {
	Width int
}

// Name implements PairPolicy.
func (GlobalMinimumPolicy) Name() string { return "gmin" }

// Candidates implements PairPolicy.
func (p GlobalMinimumPolicy) Candidates(comps []Component) iter.Seq[Pair] {
	return func(yield func(Pair) bool) {
		if len(comps) < 2 {
			return
		}
		gmin := representatives(comps[:1], p.Width)
		others := representatives(comps[1:], p.Width)
		slices.SortFunc(others, func(a, b candidate) int { return compareNodes(a.Node, b.Node) })

		for _, o := range others {
			for _, g := range gmin {
				if !yield(NewPair(g.ID, o.ID)) {
					return
				}
			}
		}
	}
}

// RandomPolicy yields cross-component pairs of representatives in a seeded random order.
type RandomPolicy struct {
	Width int

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomPolicy seeds a RandomPolicy. Seed 0 uses the current time.
func NewRandomPolicy(width int, seed int64) *RandomPolicy {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RandomPolicy{
		Width: width,
		rng:   rand.New(rand.NewPCG(uint64(seed), uint64(seed)>>1|1)),
	}
}

// Name implements PairPolicy.
func (*RandomPolicy) Name() string { return "random" }

// Candidates implements PairPolicy.
func (p *RandomPolicy) Candidates(comps []Component) iter.Seq[Pair] {
	return func(yield func(Pair) bool) {
		cands := representatives(comps, p.Width)
		var pairs []Pair
		for i := range cands {
			for j := i + 1; j < len(cands); j++ {
				if cands[i].comp != cands[j].comp {
					pairs = append(pairs, NewPair(cands[i].ID, cands[j].ID))
				}
			}
		}

		p.mu.Lock()
		p.rng.Shuffle(len(pairs), func(i, j int) { pairs[i], pairs[j] = pairs[j], pairs[i] })
		p.mu.Unlock()

		for _, pair := range pairs {
			if !yield(pair) {
				return
			}
		}
	}
}

// PolicyFor builds the policy named by strategy ("combine", "gmin" or "random").
// Unknown names fall back to the energy-gap policy.
func PolicyFor(strategy string, width int, seed int64) PairPolicy {
	switch strategy {
	case "gmin":
		return GlobalMinimumPolicy{Width: width}
	case "random":
		return NewRandomPolicy(width, seed)
	default:
		return EnergyGapPolicy{Width: width}
	}
}
