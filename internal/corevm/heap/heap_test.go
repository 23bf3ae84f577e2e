package heap

import (
	"testing"

	"github.com/anvil-lang/corevm/internal/corevm/value"
)

func TestAllocAndDecRefFrees(t *testing.T) {
	var destroyed []uint64
	h := NewHeap(func(h *Heap, id uint64, typeIdx int, fields *value.Table) error {
		destroyed = append(destroyed, id)
		return nil
	})
	fields := value.NewTable()
	id := h.Alloc(0, fields)
	if h.Len() != 1 {
		t.Fatalf("expected 1 live object, got %d", h.Len())
	}
	if err := h.DecRef(id); err != nil {
		t.Fatalf("decref: %v", err)
	}
	if h.Len() != 0 {
		t.Fatalf("expected 0 live objects after decref to zero, got %d", h.Len())
	}
	if len(destroyed) != 1 || destroyed[0] != id {
		t.Fatalf("destructor not invoked correctly: %v", destroyed)
	}
}

func TestIncRefKeepsObjectAlive(t *testing.T) {
	h := NewHeap(nil)
	id := h.Alloc(0, value.NewTable())
	if err := h.IncRef(id); err != nil {
		t.Fatalf("incref: %v", err)
	}
	if err := h.DecRef(id); err != nil {
		t.Fatalf("decref: %v", err)
	}
	if _, ok := h.Get(id); !ok {
		t.Fatal("object should still be alive after one of two strong refs dropped")
	}
	if err := h.DecRef(id); err != nil {
		t.Fatalf("decref: %v", err)
	}
	if _, ok := h.Get(id); ok {
		t.Fatal("object should be freed after both strong refs dropped")
	}
}

func TestDecRefChainReleasesChildren(t *testing.T) {
	h := NewHeap(nil)
	childFields := value.NewTable()
	child := h.Alloc(0, childFields)

	parentFields := value.NewTable()
	parentFields.Set("child", value.Ref(child))
	if err := h.IncRef(child); err != nil {
		t.Fatalf("incref: %v", err)
	}
	parent := h.Alloc(0, parentFields)
	// Drop the test's own allocation reference so the parent's field is the
	// child's only strong holder.
	if err := h.DecRef(child); err != nil {
		t.Fatalf("decref child: %v", err)
	}

	if err := h.DecRef(parent); err != nil {
		t.Fatalf("decref parent: %v", err)
	}
	if _, ok := h.Get(child); ok {
		t.Fatal("child should be freed transitively when parent's last strong ref drops")
	}
}

func TestWeakSurvivesUntilStrongDrops(t *testing.T) {
	h := NewHeap(nil)
	id := h.Alloc(0, value.NewTable())
	handle, err := NewWeakHandle(h, id)
	if err != nil {
		t.Fatalf("new weak handle: %v", err)
	}
	if _, ok := handle.Get(); !ok {
		t.Fatal("weak handle should resolve while object is alive")
	}
	if err := h.DecRef(id); err != nil {
		t.Fatalf("decref: %v", err)
	}
	if _, ok := handle.Get(); ok {
		t.Fatal("weak handle should not resolve once the object is destroyed")
	}
	if _, ok, err := handle.Upgrade(); err != nil || ok {
		t.Fatalf("upgrade of dead weak should fail cleanly: ok=%v err=%v", ok, err)
	}
	if err := handle.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestFreeIsolatedCycleOrdersAscending(t *testing.T) {
	h := NewHeap(nil)
	var order []uint64
	h.destructor = func(h *Heap, id uint64, typeIdx int, fields *value.Table) error {
		order = append(order, id)
		return nil
	}
	a := h.Alloc(0, value.NewTable())
	b := h.Alloc(0, value.NewTable())
	c := h.Alloc(0, value.NewTable())

	if err := h.FreeIsolatedCycle([]uint64{c, a, b}); err != nil {
		t.Fatalf("free isolated cycle: %v", err)
	}
	if len(order) != 3 || order[0] != a || order[1] != b || order[2] != c {
		t.Fatalf("expected ascending id order a,b,c; got %v", order)
	}
	if h.Len() != 0 {
		t.Fatalf("expected all cycle members freed, got %d live", h.Len())
	}
}

func TestTrackEdgeIncsBeforeDecs(t *testing.T) {
	h := NewHeap(nil)
	id := h.Alloc(0, value.NewTable())
	owner := h.Alloc(0, value.NewTable())

	// Re-assigning a field to the same object it already holds must not
	// transiently touch zero: incref-new happens before decref-old.
	if err := h.TrackEdge(owner, value.Ref(id), value.Ref(id)); err != nil {
		t.Fatalf("track edge self-assign: %v", err)
	}
	if obj, ok := h.Get(id); !ok || obj.Strong != 1 {
		t.Fatalf("self-assignment should net to the same strong count, got %+v", obj)
	}
}

func TestDecRefUnknownObjectIsNoOp(t *testing.T) {
	h := NewHeap(nil)
	if err := h.DecRef(999); err != nil {
		t.Fatalf("decref on an unknown id should be a no-op, got %v", err)
	}
}

func TestDirtyIDsDrainsSet(t *testing.T) {
	h := NewHeap(nil)
	id := h.Alloc(0, value.NewTable())
	ids := h.DirtyIDs()
	found := false
	for _, got := range ids {
		if got == id {
			found = true
		}
	}
	if !found {
		t.Fatalf("freshly allocated object should be in the dirty set, got %v", ids)
	}
	if more := h.DirtyIDs(); len(more) != 0 {
		t.Fatalf("dirty set should be empty after drain, got %v", more)
	}
}
