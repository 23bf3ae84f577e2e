package cycle

import (
	"sort"
	"testing"

	"github.com/anvil-lang/corevm/internal/corevm/heap"
	"github.com/anvil-lang/corevm/internal/corevm/value"
)

func TestFindCyclesDetectsIsolatedPair(t *testing.T) {
	h := heap.NewHeap(nil)
	aFields := value.NewTable()
	bFields := value.NewTable()
	a := h.Alloc(0, aFields)
	b := h.Alloc(0, bFields)

	aFields.Set("next", value.Ref(b))
	_ = h.IncRef(b)
	bFields.Set("next", value.Ref(a))
	_ = h.IncRef(a)
	// Both objects now have strong count 2 (one from Alloc, one from the
	// mutual edge) but neither is reachable except through the other.
	_ = h.DecRef(a) // drop the "root" holder's reference to a
	_ = h.DecRef(b) // drop the "root" holder's reference to b

	cycles := FindCycles(h, []uint64{a, b})
	if len(cycles) != 1 {
		t.Fatalf("expected exactly one SCC, got %d: %v", len(cycles), cycles)
	}
	got := append([]uint64(nil), cycles[0]...)
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	want := []uint64{a, b}
	if got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestFindCyclesPrunesAcyclicSingleton(t *testing.T) {
	h := heap.NewHeap(nil)
	id := h.Alloc(0, value.NewTable())
	cycles := FindCycles(h, []uint64{id})
	if len(cycles) != 0 {
		t.Fatalf("a lone acyclic object must never be reported as a cycle, got %v", cycles)
	}
}

func TestFindCyclesDetectsSelfLoop(t *testing.T) {
	h := heap.NewHeap(nil)
	fields := value.NewTable()
	id := h.Alloc(0, fields)
	fields.Set("self", value.Ref(id))
	_ = h.IncRef(id)
	_ = h.DecRef(id) // drop the root holder's reference, leaving only the self-edge

	cycles := FindCycles(h, []uint64{id})
	if len(cycles) != 1 || len(cycles[0]) != 1 || cycles[0][0] != id {
		t.Fatalf("expected a single-object self-loop cycle, got %v", cycles)
	}
}

func TestSchedulerAdaptsThreshold(t *testing.T) {
	cfg := DefaultConfig().WithInitialThreshold(100)
	s := NewScheduler(cfg)
	if s.Threshold() != 100 {
		t.Fatalf("initial threshold = %d, want 100", s.Threshold())
	}

	h := heap.NewHeap(nil)
	fields := value.NewTable()
	id := h.Alloc(0, fields)
	fields.Set("self", value.Ref(id))
	_ = h.IncRef(id)
	_ = h.DecRef(id) // drop root's hold, leaving only the self-cycle

	s.BeginFrame(0)
	freed, scanned, err := s.MaybeDetectCyclesWithinBudget(h, 1000)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !scanned || freed != 1 {
		t.Fatalf("expected a productive scan freeing 1 object, got freed=%d scanned=%v", freed, scanned)
	}
	if s.Threshold() != 80 {
		t.Fatalf("threshold should shrink to 80 after a productive scan, got %d", s.Threshold())
	}
}

func TestSchedulerRespectsFrameBudget(t *testing.T) {
	cfg := DefaultConfig().WithFrameBudget(600_000) // 600us, just over one headroom check
	s := NewScheduler(cfg)
	h := heap.NewHeap(nil)
	h.Alloc(0, value.NewTable())

	s.BeginFrame(0)
	_, scanned, err := s.MaybeDetectCyclesWithinBudget(h, 550_000)
	if err != nil || !scanned {
		t.Fatalf("first scan within budget should run: scanned=%v err=%v", scanned, err)
	}
	h.Alloc(0, value.NewTable())
	_, scanned, err = s.MaybeDetectCyclesWithinBudget(h, 5)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if scanned {
		t.Fatal("second scan should be refused once the frame's remaining budget drops below the minimum scan headroom")
	}
}

func TestNeedsGCFrame(t *testing.T) {
	cfg := DefaultConfig().WithInitialThreshold(2)
	s := NewScheduler(cfg)
	h := heap.NewHeap(nil)
	if s.NeedsGCFrame(h, 1) {
		t.Fatal("below threshold should not need a GC frame")
	}
	if !s.NeedsGCFrame(h, 2) {
		t.Fatal("at threshold should need a GC frame")
	}
}
