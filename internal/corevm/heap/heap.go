// Package heap implements the reference-counted object store: allocation,
// strong/weak refcounting, destructor dispatch and the bookkeeping the
// incremental cycle collector needs (dirty set, outgoing-edge queries).
package heap

import (
	"fmt"

	"github.com/anvil-lang/corevm/internal/corevm/value"
)

// DestructorHook runs a user-defined destructor for a freed object. The VM
// supplies this; the heap package never knows how to execute bytecode.
// Fields is the object's field table at the moment of death (nil for
// Scalar/Array/Weak-kind objects), still valid for the duration of the call.
type DestructorHook func(h *Heap, id uint64, typeIdx int, fields *value.Table) error

// ObjKind discriminates the shape of an Object's payload (spec §3.2: "a
// kind: Scalar, Table, Array, or Weak").
type ObjKind uint8

const (
	ObjTable ObjKind = iota
	ObjScalar
	ObjArray
	ObjWeak
)

// Object is one heap-resident, reference-counted instance.
type Object struct {
	ID      uint64
	TypeIdx int
	Kind    ObjKind

	Fields *value.Table  // valid when Kind == ObjTable
	Elems  []value.Value // valid when Kind == ObjArray
	Scalar value.Value   // valid when Kind == ObjScalar

	// ForwardTo/TargetDead are valid when Kind == ObjWeak: the forwarder's
	// own strong count (below) governs the forwarder object's lifetime,
	// independent of the target's (spec §4.B alloc_weak).
	ForwardTo  uint64
	TargetDead bool

	Strong uint32
	// Weak counts the live weak forwarders currently targeting this object
	// (Kind != ObjWeak only; a forwarder's own Weak field is unused).
	Weak uint32
	// Forwarders holds the ids of weak-forwarder objects targeting this
	// object, nullified in the free protocol's step 4.
	Forwarders []uint64

	// Dirty marks that this object's outgoing edges changed since the last
	// cycle scan; the collector only re-examines dirty objects (spec §4.C).
	Dirty bool

	// Freed is set once the object's strong count has reached zero and its
	// destructor has run.
	Freed bool

	// beingDestroyed guards against re-entrant double-free if a destructor,
	// running under the VM's in_destructor state, triggers another DecRef
	// that reaches this same object (spec §4.D).
	beingDestroyed bool
}

// Heap owns every reference-counted object in a running VM instance. It is
// not safe for concurrent use; the VM runs a single execution thread
// (spec §5, "single VM instance, no concurrent mutation").
type Heap struct {
	objects    map[uint64]*Object
	nextID     uint64
	dirty      map[uint64]struct{}
	destructor DestructorHook

	// weakRoots is the safety-net root set spec §4.C requires alongside the
	// dirty set: objects a weak_to_strong promotion just handed a new
	// strong holder, so the next scan does not need to rely on that
	// holder's own write having marked the object dirty. Cleared only once
	// the scheduler has actually used it as a scan root.
	weakRoots map[uint64]struct{}

	stats Stats
}

// Stats accumulates heap-wide counters the verifier and host API surface
// (get_gc_stats) report on.
type Stats struct {
	Allocated    uint64
	Freed        uint64
	LiveObjects  int
	LiveWeakRefs int
}

// NewHeap creates an empty heap. destructor may be nil if the program
// declares no destructors.
func NewHeap(destructor DestructorHook) *Heap {
	return &Heap{
		objects:    make(map[uint64]*Object),
		dirty:      make(map[uint64]struct{}),
		weakRoots:  make(map[uint64]struct{}),
		destructor: destructor,
	}
}

// Alloc creates a new Table-kind heap object with strong count 1, owned by
// the caller (the instruction that just executed NewRef). The object starts
// dirty so the first cycle scan after allocation sees its initial edges
// (spec §4.B alloc_table).
func (h *Heap) Alloc(typeIdx int, fields *value.Table) uint64 {
	id := h.alloc(typeIdx, ObjTable)
	h.objects[id].Fields = fields
	return id
}

// AllocScalar creates a new Scalar-kind heap object wrapping v (spec §4.B
// alloc_scalar). Boxing a primitive value gives it identity and a
// refcounted lifetime independent of wherever it is stored.
func (h *Heap) AllocScalar(typeIdx int, v value.Value) uint64 {
	id := h.alloc(typeIdx, ObjScalar)
	h.objects[id].Scalar = v
	return id
}

// AllocArray creates a new Array-kind heap object wrapping elems (spec §4.B
// alloc_array).
func (h *Heap) AllocArray(typeIdx int, elems []value.Value) uint64 {
	id := h.alloc(typeIdx, ObjArray)
	h.objects[id].Elems = elems
	return id
}

func (h *Heap) alloc(typeIdx int, kind ObjKind) uint64 {
	h.nextID++
	id := h.nextID
	h.objects[id] = &Object{ID: id, TypeIdx: typeIdx, Kind: kind, Strong: 1}
	h.markDirty(id)
	h.stats.Allocated++
	h.stats.LiveObjects++
	return id
}

// Get returns the live object for id, or false if it does not exist or has
// already been freed.
func (h *Heap) Get(id uint64) (*Object, bool) {
	obj, ok := h.objects[id]
	if !ok || obj.Freed {
		return nil, false
	}
	return obj, true
}

// IncRef increments an object's strong count (spec §3.2, assignment/copy of
// a Ref value). Applied to a weak forwarder's id, it extends the
// forwarder's own lifetime, not the target's.
func (h *Heap) IncRef(id uint64) error {
	obj, ok := h.objects[id]
	if !ok || obj.Freed {
		return fmt.Errorf("incref on freed or unknown object %d", id)
	}
	obj.Strong++
	return nil
}

// DecRef decrements an object's strong count, freeing it (and recursively
// releasing its own outgoing strong edges) when the count reaches zero.
// Freed objects are processed with an explicit worklist rather than Go
// recursion, so a long reference chain cannot blow the call stack.
func (h *Heap) DecRef(id uint64) error {
	return h.decRefWorklist([]uint64{id})
}

func (h *Heap) decRefWorklist(worklist []uint64) error {
	for len(worklist) > 0 {
		id := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		obj, ok := h.objects[id]
		if !ok || obj.Freed {
			continue
		}
		if obj.Strong == 0 {
			return fmt.Errorf("decref underflow on object %d", id)
		}
		obj.Strong--
		if obj.Strong > 0 {
			continue
		}
		children, err := h.free(obj)
		if err != nil {
			return err
		}
		worklist = append(worklist, children...)
	}
	return nil
}

// free runs the destructor (if any) and releases every strong outgoing
// edge, returning the child ids so the caller's worklist can decref them
// without recursing (spec §4.B free protocol).
func (h *Heap) free(obj *Object) ([]uint64, error) {
	if obj.beingDestroyed {
		return nil, fmt.Errorf("re-entrant free of object %d", obj.ID)
	}
	obj.beingDestroyed = true
	defer func() { obj.beingDestroyed = false }()

	if h.destructor != nil {
		if err := h.destructor(h, obj.ID, obj.TypeIdx, obj.Fields); err != nil {
			return nil, fmt.Errorf("destructor for object %d: %w", obj.ID, err)
		}
	}

	// Step 5 reads fields/elements as they stand once the destructor has
	// returned, not as they stood on entry: a destructor that re-assigns one
	// of its own fields already ran track_edge against the new and old
	// targets during that assignment, and this decref pass must own whatever
	// the field now points at rather than what it used to.
	children := h.strongChildren(obj)

	// Step 4: nullify every weak forwarder targeting this id. A forwarder
	// is freed through its own refcount, never by this step.
	for _, fid := range obj.Forwarders {
		if fwd, ok := h.objects[fid]; ok {
			fwd.TargetDead = true
			fwd.ForwardTo = 0
		}
	}
	obj.Forwarders = nil

	if obj.Kind == ObjWeak {
		if target, ok := h.objects[obj.ForwardTo]; ok && target.Weak > 0 {
			target.Weak--
		}
		h.stats.LiveWeakRefs--
	}

	obj.Freed = true
	obj.Fields = nil
	obj.Elems = nil
	obj.Scalar = value.Value{}
	h.stats.Freed++
	h.stats.LiveObjects--
	delete(h.dirty, obj.ID)
	delete(h.weakRoots, obj.ID)
	delete(h.objects, obj.ID)

	return children, nil
}

// strongChildren collects the ids of every object this one holds a strong
// reference to. A field or element holding a Weak value counts too: the
// "child" there is the weak forwarder object, whose own strong count this
// object's death must decrement, exactly like a Ref child's.
func (h *Heap) strongChildren(obj *Object) []uint64 {
	var children []uint64
	visit := func(v value.Value) {
		switch v.Kind() {
		case value.KindRef, value.KindWeak:
			if id, err := v.AsRefID(); err == nil {
				children = append(children, id)
			}
		}
	}
	switch obj.Kind {
	case ObjTable:
		if obj.Fields != nil {
			obj.Fields.Each(func(_ string, v value.Value) bool { visit(v); return true })
		}
	case ObjArray:
		for _, v := range obj.Elems {
			visit(v)
		}
	case ObjScalar:
		visit(obj.Scalar)
	}
	return children
}

// NewWeak creates a weak forwarder object pointing at target, with its own
// strong count of 1 (spec §4.B alloc_weak). The forwarder is a heap object
// in its own right: IncRef/DecRef applied to its id manage the forwarder's
// lifetime, never the target's.
func (h *Heap) NewWeak(targetID uint64) (uint64, error) {
	target, ok := h.objects[targetID]
	if !ok || target.Freed {
		return 0, fmt.Errorf("weak reference to freed or unknown object %d", targetID)
	}
	id := h.alloc(-1, ObjWeak)
	fwd := h.objects[id]
	fwd.ForwardTo = targetID
	target.Forwarders = append(target.Forwarders, id)
	target.Weak++
	h.stats.LiveWeakRefs++
	return id, nil
}

// DropWeak releases a weak handle's own strong reference to its forwarder,
// freeing the forwarder object once nothing else holds it ("weak forwarders
// are freed through their own refcount", spec §4.B step 4).
func (h *Heap) DropWeak(id uint64) error {
	obj, ok := h.objects[id]
	if !ok || obj.Kind != ObjWeak {
		return fmt.Errorf("drop weak on unknown weak handle %d", id)
	}
	return h.DecRef(id)
}

// WeakToStrong attempts to promote a weak handle to a strong reference
// (spec §4.B weak_to_strong). id names a forwarder object; if its target is
// still live, the target's strong count is bumped and its id returned. The
// promoted target is marked dirty and added to the weak-promotion root set
// so the cycle detector's next scan treats it as a safety-net root rather
// than risk collecting an object that just gained a new holder (spec §4.C).
func (h *Heap) WeakToStrong(id uint64) (target uint64, ok bool, err error) {
	fwd, present := h.objects[id]
	if !present || fwd.Kind != ObjWeak {
		return 0, false, fmt.Errorf("weak_to_strong on unknown weak handle %d", id)
	}
	if fwd.TargetDead {
		return 0, false, nil
	}
	tgt, present := h.objects[fwd.ForwardTo]
	if !present || tgt.Freed {
		fwd.TargetDead = true
		return 0, false, nil
	}
	tgt.Strong++
	h.markDirty(fwd.ForwardTo)
	h.weakRoots[fwd.ForwardTo] = struct{}{}
	return fwd.ForwardTo, true, nil
}

// TrackEdge implements the field-assignment edge update described in
// spec §4.B: the new target (if any) gets an incref before the old target
// (if any) gets a decref, so a self-assignment or a cycle-forming write
// never transiently drops a reference count to zero. The object that owns
// the field being overwritten is marked dirty for the next cycle scan. This
// applies equally to array element writes, not just table field writes.
func (h *Heap) TrackEdge(owner uint64, oldTarget, newTarget value.Value) error {
	if newTarget.Kind() == value.KindRef || newTarget.Kind() == value.KindWeak {
		id, err := newTarget.AsRefID()
		if err != nil {
			return err
		}
		if err := h.IncRef(id); err != nil {
			return err
		}
	}
	if oldTarget.Kind() == value.KindRef || oldTarget.Kind() == value.KindWeak {
		id, err := oldTarget.AsRefID()
		if err != nil {
			return err
		}
		if err := h.DecRef(id); err != nil {
			return err
		}
	}
	h.markDirty(owner)
	return nil
}

func (h *Heap) markDirty(id uint64) {
	if obj, ok := h.objects[id]; ok {
		obj.Dirty = true
	}
	h.dirty[id] = struct{}{}
}

// DirtyLen reports the current size of the dirty set without consuming it,
// for a host's needs_gc_frame check (spec §4.H), which must be able to ask
// "is a scan due" without forcing one.
func (h *Heap) DirtyLen() int {
	return len(h.dirty)
}

// DirtyIDs returns a snapshot of the current dirty set and clears it. The
// cycle collector calls this once per scan.
func (h *Heap) DirtyIDs() []uint64 {
	ids := make([]uint64, 0, len(h.dirty))
	for id := range h.dirty {
		ids = append(ids, id)
		if obj, ok := h.objects[id]; ok {
			obj.Dirty = false
		}
	}
	h.dirty = make(map[uint64]struct{})
	return ids
}

// WeakPromotionRoots returns a snapshot of the weak-to-strong safety-net
// root set without clearing it (spec §4.C "as a safety net, all objects
// currently designated as weak-promotion roots").
func (h *Heap) WeakPromotionRoots() []uint64 {
	ids := make([]uint64, 0, len(h.weakRoots))
	for id := range h.weakRoots {
		ids = append(ids, id)
	}
	return ids
}

// ClearWeakPromotionRoots drops ids from the safety-net set once the
// collector has used them as scan roots.
func (h *Heap) ClearWeakPromotionRoots(ids []uint64) {
	for _, id := range ids {
		delete(h.weakRoots, id)
	}
}

// Outgoing returns the strong-reference edges out of a live object, for
// the cycle collector's graph walk. A weak forwarder contributes no
// outgoing edges of its own: it does not keep its target alive, so it must
// never propagate reachability through to it.
func (h *Heap) Outgoing(id uint64) []uint64 {
	obj, ok := h.Get(id)
	if !ok {
		return nil
	}
	return h.strongChildren(obj)
}

// StrongCount returns a live object's strong refcount, or 0 if it does not
// exist or has been freed. The cycle collector uses this to tell an
// externally-owned SCC member from one whose only strong holders are
// fellow SCC members (spec §4.C: "every member's strongRefs equals its
// in-cycle in-edge count").
func (h *Heap) StrongCount(id uint64) uint32 {
	obj, ok := h.Get(id)
	if !ok {
		return 0
	}
	return obj.Strong
}

// FreeIsolatedCycle is invoked by the cycle collector once it has proven a
// strongly connected component is unreachable from outside itself: every
// member's destructor runs (ascending object-id order within the SCC, the
// deterministic order this runtime chose for spec §9's open question), then
// every member is removed regardless of its nominal strong count, since by
// definition no external holder exists.
func (h *Heap) FreeIsolatedCycle(ids []uint64) error {
	sorted := append([]uint64(nil), ids...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	for _, id := range sorted {
		obj, ok := h.objects[id]
		if !ok || obj.Freed {
			continue
		}
		if _, err := h.free(obj); err != nil {
			return err
		}
	}
	return nil
}

// FreeAll forcibly destroys every live object, highest id first (the
// reverse of allocation order), ignoring strong counts. This is the
// vm_free shutdown path (spec §6): once a host is done with a VM instance,
// every still-live object's destructor must run exactly once, in an order
// that at least guarantees a later-allocated object (which can only ever
// hold references back into earlier ones, never the reverse, since an
// object cannot reference something that does not yet exist at its own
// allocation time) is destroyed before the objects it might reference.
func (h *Heap) FreeAll() error {
	ids := h.LiveIDs()
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] < ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	for _, id := range ids {
		obj, ok := h.objects[id]
		if !ok || obj.Freed {
			continue
		}
		if _, err := h.free(obj); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns a snapshot of heap-wide counters.
func (h *Heap) Stats() Stats { return h.stats }

// Len returns the number of live (non-tombstoned) objects.
func (h *Heap) Len() int {
	n := 0
	for _, obj := range h.objects {
		if !obj.Freed {
			n++
		}
	}
	return n
}

// LiveIDs returns the ids of every live (non-tombstoned) object, for the
// verifier's full-heap walk.
func (h *Heap) LiveIDs() []uint64 {
	ids := make([]uint64, 0, len(h.objects))
	for id, obj := range h.objects {
		if !obj.Freed {
			ids = append(ids, id)
		}
	}
	return ids
}

// PruneStaleDirty removes dirty-set entries whose object no longer exists
// or has already been freed. Such entries can only arise if a caller holds
// an id across a free it did not itself trigger; this is the heap verifier's
// bounded recovery action for "dirty-tracking inconsistency" (spec §4.D) —
// it rebuilds the dirty set from ground truth rather than inventing one,
// and returns the number of stale entries removed.
func (h *Heap) PruneStaleDirty() int {
	removed := 0
	for id := range h.dirty {
		obj, ok := h.objects[id]
		if !ok || obj.Freed {
			delete(h.dirty, id)
			removed++
		}
	}
	return removed
}
