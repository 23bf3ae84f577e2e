package heap

// WeakHandle is a convenience wrapper around a weak forwarder object's id,
// mirroring the get()-returns-nil-if-dead shape used by weak reference
// implementations in the wild (grumpy's WeakRef.get(), golua's unsafe
// weakref pool), adapted here to a forwarder object with its own refcounted
// lifetime (spec §4.B alloc_weak) rather than an unsafe pointer.
type WeakHandle struct {
	heap *Heap
	id   uint64 // the forwarder object's own id, not the target's
}

// NewWeakHandle allocates a weak forwarder targeting id and returns a
// handle to query it later. The caller must eventually call Release.
func NewWeakHandle(h *Heap, id uint64) (WeakHandle, error) {
	fwd, err := h.NewWeak(id)
	if err != nil {
		return WeakHandle{}, err
	}
	return WeakHandle{heap: h, id: fwd}, nil
}

// Get returns the live object the handle's target refers to, or ok=false
// if the target has since been destroyed.
func (w WeakHandle) Get() (*Object, bool) {
	fwd, ok := w.heap.objects[w.id]
	if !ok || fwd.Kind != ObjWeak || fwd.TargetDead {
		return nil, false
	}
	return w.heap.Get(fwd.ForwardTo)
}

// Upgrade attempts to promote the weak reference to a strong one, matching
// the VM-level weak_to_strong opcode contract (spec §3.2). It returns the
// target's own id, not the forwarder's.
func (w WeakHandle) Upgrade() (uint64, bool, error) {
	return w.heap.WeakToStrong(w.id)
}

// Release drops the handle's own strong reference to its forwarder object,
// freeing the forwarder once nothing else holds it.
func (w WeakHandle) Release() error {
	return w.heap.DropWeak(w.id)
}
