// Package cycle implements the incremental cycle collector: an
// on-demand Tarjan strongly-connected-component scan restricted to the
// heap's dirty set, plus the adaptive, frame-budget-aware scheduler that
// decides when to run it (spec §4.C).
package cycle

import "github.com/anvil-lang/corevm/internal/corevm/heap"

// graph abstracts the heap operations the Tarjan walk needs, so it can be
// unit tested against a fake without constructing real heap objects.
type graph interface {
	Outgoing(id uint64) []uint64
	StrongCount(id uint64) uint32
}

// tarjanState holds the per-run bookkeeping for Tarjan's algorithm:
// discovery index, lowlink, the active stack and membership test.
type tarjanState struct {
	g        graph
	index    map[uint64]int
	lowlink  map[uint64]int
	onStack  map[uint64]bool
	stack    []uint64
	counter  int
	sccs     [][]uint64
}

// FindCycles runs Tarjan's algorithm seeded from the given roots (the
// heap's current dirty set) and returns every strongly connected component
// of size greater than one, or a self-loop, found in the reachable
// subgraph whose members are held only by fellow members (see
// isCandidateCycle) — the isolated reference cycles that are safe to free.
// SCCs with any external strong holder are not returned. Trivial
// (acyclic, single-object) components are
// dropped before they ever reach the caller, matching spec §4.C's "only
// consider structures the dirty set actually touches".
func FindCycles(h *heap.Heap, roots []uint64) [][]uint64 {
	st := &tarjanState{
		g:       h,
		index:   make(map[uint64]int),
		lowlink: make(map[uint64]int),
		onStack: make(map[uint64]bool),
	}
	for _, root := range roots {
		if _, seen := st.index[root]; !seen {
			st.strongConnect(root)
		}
	}

	var cycles [][]uint64
	for _, scc := range st.sccs {
		if isCandidateCycle(h, scc) {
			cycles = append(cycles, scc)
		}
	}
	return cycles
}

// isCandidateCycle reports whether an SCC is isolated: every member's
// strong refcount must equal the number of strong edges it receives from
// fellow members (spec §4.C, "every member's strongRefs equals its
// in-cycle in-edge count (no external owners)"). A member with any strong
// holder outside the SCC — a live register, a global, or a field on an
// object that is not itself part of this component — is never freed; the
// whole SCC is then not a candidate, since freeing a subset would leave
// dangling edges into the freed members. A lone object with no self-edge
// is never a cycle and is pruned immediately (spec §4.C "trivial-object
// pruning").
func isCandidateCycle(h *heap.Heap, scc []uint64) bool {
	members := make(map[uint64]bool, len(scc))
	for _, id := range scc {
		members[id] = true
	}

	inEdges := make(map[uint64]uint32, len(scc))
	for _, id := range scc {
		for _, out := range h.Outgoing(id) {
			if members[out] {
				inEdges[out]++
			}
		}
	}

	if len(scc) == 1 && inEdges[scc[0]] == 0 {
		return false
	}

	for _, id := range scc {
		if h.StrongCount(id) != inEdges[id] {
			return false
		}
	}
	return true
}

// strongConnect is the standard recursive Tarjan visit, iterative recursion
// being unnecessary here since dirty sets in practice are shallow; the
// non-recursive worklist discipline used in heap.DecRef is reserved for the
// refcount hot path, not this periodic scan.
func (st *tarjanState) strongConnect(v uint64) {
	st.index[v] = st.counter
	st.lowlink[v] = st.counter
	st.counter++
	st.stack = append(st.stack, v)
	st.onStack[v] = true

	for _, w := range st.g.Outgoing(v) {
		if _, seen := st.index[w]; !seen {
			st.strongConnect(w)
			if st.lowlink[w] < st.lowlink[v] {
				st.lowlink[v] = st.lowlink[w]
			}
		} else if st.onStack[w] {
			if st.index[w] < st.lowlink[v] {
				st.lowlink[v] = st.index[w]
			}
		}
	}

	if st.lowlink[v] != st.index[v] {
		return
	}

	var scc []uint64
	for {
		n := len(st.stack) - 1
		w := st.stack[n]
		st.stack = st.stack[:n]
		st.onStack[w] = false
		scc = append(scc, w)
		if w == v {
			break
		}
	}
	st.sccs = append(st.sccs, scc)
}
