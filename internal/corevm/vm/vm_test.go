package vm

import (
	"testing"

	"github.com/anvil-lang/corevm/internal/corevm/bytecode"
	"github.com/anvil-lang/corevm/internal/corevm/value"
)

func buildAndRun(t *testing.T, build func(b *bytecode.Builder) (mainIdx int)) *VM {
	t.Helper()
	b := bytecode.NewBuilder()
	mainIdx := build(b)
	prog, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	vm := New(prog, nil, nil)
	if _, err := vm.Execute(mainIdx, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	return vm
}

// TestRefcountSurvivesExtraStrongRef exercises spec §8.4's first scenario:
// an extra IncRef keeps an object alive through one DecRef, and the second
// DecRef finally frees it.
func TestRefcountSurvivesExtraStrongRef(t *testing.T) {
	vm := buildAndRun(t, func(b *bytecode.Builder) int {
		b.Emit(bytecode.NewABC(bytecode.OpNewTable, 0, 0, 0))
		b.Emit(bytecode.NewABC(bytecode.OpNewRef, 1, 0, 0)) // r1 = new ref, type 0, fields r0
		b.Emit(bytecode.NewABC(bytecode.OpIncRef, 1, 0, 0)) // strong=2
		b.Emit(bytecode.NewABC(bytecode.OpDecRef, 1, 0, 0)) // strong=1
		b.Emit(bytecode.NewABC(bytecode.OpReturn, 1, 1, 0))
		idx := b.AddFunction(bytecode.FuncEntry{Name: "main", EntryPC: 0, RegisterCount: 2})
		return int(idx)
	})
	if vm.Heap.Len() != 1 {
		t.Fatalf("expected object to survive one extra decref, heap has %d live objects", vm.Heap.Len())
	}
	refID, err := vm.lastReturn.AsRefID()
	if err != nil {
		t.Fatalf("expected a ref result: %v", err)
	}
	if err := vm.Heap.DecRef(refID); err != nil {
		t.Fatalf("final decref: %v", err)
	}
	if vm.Heap.Len() != 0 {
		t.Fatalf("expected object freed after matching decref, heap has %d live objects", vm.Heap.Len())
	}
}

// TestWeakSurvivesStrongDeathThenFailsToPromote covers spec §8.4's weak-
// reference scenario end to end through the opcode dispatch: new_weak,
// the strong owner's death, then a weak_to_strong that must come back
// None rather than resurrecting a freed object.
func TestWeakSurvivesStrongDeathThenFailsToPromote(t *testing.T) {
	vm := buildAndRun(t, func(b *bytecode.Builder) int {
		b.Emit(bytecode.NewABC(bytecode.OpNewTable, 0, 0, 0))
		b.Emit(bytecode.NewABC(bytecode.OpNewRef, 1, 0, 0))  // r1 = strong ref
		b.Emit(bytecode.NewABC(bytecode.OpNewWeak, 2, 1, 0)) // r2 = weak ref to r1's object
		b.Emit(bytecode.NewABC(bytecode.OpDecRef, 1, 0, 0))  // drop the only strong ref -> object dies
		b.Emit(bytecode.NewABC(bytecode.OpWeakToStrong, 3, 2, 0))
		b.Emit(bytecode.NewABC(bytecode.OpReturn, 3, 1, 0))
		idx := b.AddFunction(bytecode.FuncEntry{Name: "main", EntryPC: 0, RegisterCount: 4})
		return int(idx)
	})
	if vm.lastReturn.Kind() != value.KindNone {
		t.Fatalf("expected weak_to_strong on a dead object to yield None, got %s", vm.lastReturn.Kind())
	}
}

// TestDestructorOrderWithOwnedChild covers spec §8.4's destructor-ordering
// scenario: a parent object's destructor must run to completion before the
// child it solely owns is, in turn, released and destroyed — exercising
// the re-entrant destructor dispatch (runDestructor pushing a fresh frame
// mid-DecRef) along with the decRef worklist's child release.
func TestDestructorOrderWithOwnedChild(t *testing.T) {
	b := bytecode.NewBuilder()

	zeroConst := b.AddConst(bytecode.ConstValue{Kind: bytecode.ConstInt, I: 0})
	oneConst := b.AddConst(bytecode.ConstValue{Kind: bytecode.ConstInt, I: 1})
	childNameConst := b.AddConst(bytecode.ConstValue{Kind: bytecode.ConstString, S: "child"})
	counterName := b.AddConst(bytecode.ConstValue{Kind: bytecode.ConstString, S: "counter"})
	childOrderName := b.AddConst(bytecode.ConstValue{Kind: bytecode.ConstString, S: "child_order"})
	parentOrderName := b.AddConst(bytecode.ConstValue{Kind: bytecode.ConstString, S: "parent_order"})

	// A destructor stamps the current value of the "counter" global into
	// its own order global, then advances the counter, so whichever
	// destructor runs first gets the lower stamp.
	stampOrder := func(orderName uint16) int {
		start := b.Here()
		b.Emit(bytecode.NewABx(bytecode.OpGetGlobal, 1, counterName))
		b.Emit(bytecode.NewABx(bytecode.OpSetGlobal, 1, orderName))
		b.Emit(bytecode.NewABx(bytecode.OpAddImm, 1, oneConst))
		b.Emit(bytecode.NewABx(bytecode.OpSetGlobal, 1, counterName))
		b.Emit(bytecode.NewABC(bytecode.OpReturn, 0, 0, 0))
		return start
	}

	childDtorPC := stampOrder(childOrderName)
	childDtorIdx := b.AddFunction(bytecode.FuncEntry{Name: "child_dtor", EntryPC: childDtorPC, ParamCount: 1, RegisterCount: 2})

	parentDtorPC := stampOrder(parentOrderName)
	parentDtorIdx := b.AddFunction(bytecode.FuncEntry{Name: "parent_dtor", EntryPC: parentDtorPC, ParamCount: 1, RegisterCount: 2})

	childType := b.AddType(bytecode.TypeEntry{Name: "Child", DestructorIdx: int(childDtorIdx)})
	parentType := b.AddType(bytecode.TypeEntry{Name: "Parent", DestructorIdx: int(parentDtorIdx)})

	mainPC := b.Here()
	b.Emit(bytecode.NewABx(bytecode.OpLoadConst, 4, zeroConst))
	b.Emit(bytecode.NewABx(bytecode.OpInitGlobal, 4, counterName))
	b.Emit(bytecode.NewABC(bytecode.OpNewTable, 0, 0, 0))
	b.Emit(bytecode.NewABC(bytecode.OpNewRef, 1, uint8(childType), 0)) // r1 = child ref
	b.Emit(bytecode.NewABC(bytecode.OpNewTable, 2, 0, 0))
	b.Emit(bytecode.NewABC(bytecode.OpNewRef, 3, uint8(parentType), 2)) // r3 = parent ref
	b.Emit(bytecode.NewABx(bytecode.OpLoadConst, 4, childNameConst))
	b.Emit(bytecode.NewABC(bytecode.OpSetField, 3, 4, 1)) // parent.child = child (incref)
	b.Emit(bytecode.NewABC(bytecode.OpDecRef, 1, 0, 0))   // drop local child ref, parent still owns it
	b.Emit(bytecode.NewABC(bytecode.OpDecRef, 3, 0, 0))   // drop parent -> cascades to child
	b.Emit(bytecode.NewABC(bytecode.OpReturn, 0, 0, 0))
	mainIdx := b.AddFunction(bytecode.FuncEntry{Name: "main", EntryPC: mainPC, RegisterCount: 5})

	prog, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	vm := New(prog, nil, nil)
	if _, err := vm.Execute(int(mainIdx), nil); err != nil {
		t.Fatalf("execute: %v", err)
	}

	parentOrder, ok := vm.Globals.Get("parent_order")
	if !ok {
		t.Fatal("parent destructor never ran")
	}
	childOrder, ok := vm.Globals.Get("child_order")
	if !ok {
		t.Fatal("child destructor never ran")
	}
	po, _ := parentOrder.AsInt()
	co, _ := childOrder.AsInt()
	if po >= co {
		t.Fatalf("expected parent destructor (order %d) to run before child's (order %d)", po, co)
	}
	if vm.Heap.Len() != 0 {
		t.Fatalf("expected both parent and child freed, heap has %d live objects", vm.Heap.Len())
	}
}

// TestDestructorFieldReassignmentTracksEdge covers spec §4.B's free-protocol
// boundary case: a destructor may still GetField/SetField through the Ref it
// receives in register 0, and a field reassignment it makes still runs
// track_edge against the dying object's own id, so the old target is
// released and the newly-assigned one picks up the strong ref. An attempt
// inside the destructor to take a new strong reference to the object being
// destroyed is allowed to increment harmlessly, but does not stop the free
// already in progress or trigger a second one.
func TestDestructorFieldReassignmentTracksEdge(t *testing.T) {
	b := bytecode.NewBuilder()
	childFieldConst := b.AddConst(bytecode.ConstValue{Kind: bytecode.ConstString, S: "child"})

	// parent_dtor(r0 = Ref to the dying Parent): swap r0.child from the
	// original Child to a freshly allocated object, then try (and fail) to
	// resurrect the dying Parent with an extra IncRef.
	dtorPC := b.Here()
	b.Emit(bytecode.NewABC(bytecode.OpNewTable, 1, 0, 0))
	b.Emit(bytecode.NewABC(bytecode.OpNewRef, 2, 9, 1)) // r2 = swap ref, unregistered type -> no dtor
	b.Emit(bytecode.NewABx(bytecode.OpLoadConst, 3, childFieldConst))
	b.Emit(bytecode.NewABC(bytecode.OpSetField, 0, 3, 2)) // r0.child = swap, tracked through the dying ref
	b.Emit(bytecode.NewABC(bytecode.OpIncRef, 0, 0, 0))   // harmless extra ref on the object being freed
	b.Emit(bytecode.NewABC(bytecode.OpReturn, 0, 0, 0))
	dtorIdx := b.AddFunction(bytecode.FuncEntry{Name: "parent_dtor", EntryPC: dtorPC, ParamCount: 1, RegisterCount: 4})

	parentType := b.AddType(bytecode.TypeEntry{Name: "Parent", DestructorIdx: int(dtorIdx)})

	mainPC := b.Here()
	b.Emit(bytecode.NewABC(bytecode.OpNewTable, 0, 0, 0))
	b.Emit(bytecode.NewABC(bytecode.OpNewRef, 1, 9, 0)) // r1 = original child, unregistered type
	b.Emit(bytecode.NewABC(bytecode.OpNewTable, 2, 0, 0))
	b.Emit(bytecode.NewABC(bytecode.OpNewRef, 3, uint8(parentType), 2)) // r3 = parent ref
	b.Emit(bytecode.NewABx(bytecode.OpLoadConst, 4, childFieldConst))
	b.Emit(bytecode.NewABC(bytecode.OpSetField, 3, 4, 1)) // parent.child = original child
	b.Emit(bytecode.NewABC(bytecode.OpDecRef, 1, 0, 0))   // drop local child ref, parent still owns it
	b.Emit(bytecode.NewABC(bytecode.OpDecRef, 3, 0, 0))   // drop parent -> dtor swaps the field mid-free
	b.Emit(bytecode.NewABC(bytecode.OpReturn, 0, 0, 0))
	mainIdx := b.AddFunction(bytecode.FuncEntry{Name: "main", EntryPC: mainPC, RegisterCount: 5})

	prog, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	vm := New(prog, nil, nil)
	if _, err := vm.Execute(int(mainIdx), nil); err != nil {
		t.Fatalf("execute: %v", err)
	}

	live := vm.Heap.LiveIDs()
	if len(live) != 1 {
		t.Fatalf("expected only the swapped-in object to survive (original child and parent both freed), heap has %d live objects", len(live))
	}
	swap, ok := vm.Heap.Get(live[0])
	if !ok {
		t.Fatal("swapped-in object vanished")
	}
	if swap.Strong != 1 {
		t.Fatalf("expected the swapped-in object's refcount to reflect exactly the field reassignment (1 strong ref), got %d", swap.Strong)
	}
}

// TestDeferredBlocksRunLIFO covers spec §8.4's defer scenario: deferred
// blocks pushed during a frame run in reverse order at return, before the
// caller sees the result.
func TestDeferredBlocksRunLIFO(t *testing.T) {
	b := bytecode.NewBuilder()
	firstName := b.AddConst(bytecode.ConstValue{Kind: bytecode.ConstString, S: "first"})
	secondName := b.AddConst(bytecode.ConstValue{Kind: bytecode.ConstString, S: "second"})
	logName := b.AddConst(bytecode.ConstValue{Kind: bytecode.ConstString, S: "log"})

	// Two deferred blocks, pushed in program order, each recording a
	// distinct marker into a global; LIFO means "second" runs first and
	// "first" lands in "log" last, despite being pushed before it. Every
	// instruction below is single-word (ABC/ABx/AsBx), so word offsets are
	// just instruction counts, laid out by hand:
	//   0 PushDefer -> 2     1 Jmp -> 5
	//   2 LoadConst r0,"first"   3 SetGlobal log,r0   4 DeferEnd
	//   5 PushDefer -> 7     6 Jmp -> 10
	//   7 LoadConst r0,"second"  8 SetGlobal log,r0   9 DeferEnd
	//   10 Return
	b.Emit(bytecode.NewAsBx(bytecode.OpPushDefer, 0, 2))
	b.Emit(bytecode.NewAsBx(bytecode.OpJmp, 0, 4))
	b.Emit(bytecode.NewABx(bytecode.OpLoadConst, 0, firstName))
	b.Emit(bytecode.NewABx(bytecode.OpSetGlobal, 0, logName))
	b.Emit(bytecode.NewABC(bytecode.OpDeferEnd, 0, 0, 0))
	b.Emit(bytecode.NewAsBx(bytecode.OpPushDefer, 0, 2))
	b.Emit(bytecode.NewAsBx(bytecode.OpJmp, 0, 4))
	b.Emit(bytecode.NewABx(bytecode.OpLoadConst, 0, secondName))
	b.Emit(bytecode.NewABx(bytecode.OpSetGlobal, 0, logName))
	b.Emit(bytecode.NewABC(bytecode.OpDeferEnd, 0, 0, 0))
	b.Emit(bytecode.NewABC(bytecode.OpReturn, 0, 0, 0))

	mainIdx := b.AddFunction(bytecode.FuncEntry{Name: "main", EntryPC: 0, RegisterCount: 1})
	prog, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	vm := New(prog, nil, nil)
	if _, err := vm.Execute(int(mainIdx), nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	logVal, ok := vm.Globals.Get("log")
	if !ok {
		t.Fatal("expected the log global to be set by a deferred block")
	}
	s, _ := logVal.AsString()
	if s != "first" {
		t.Fatalf("expected the first-pushed defer to run last (LIFO), log holds %q", s)
	}
}

// TestIsolatedCycleCollected covers spec §8.4's cycle scenario: two objects
// referencing each other, with their only external strong refs dropped,
// get collected by OpCheckCycles even though neither ever reaches a
// refcount of zero on its own.
func TestIsolatedCycleCollected(t *testing.T) {
	b := bytecode.NewBuilder()
	nextName := b.AddConst(bytecode.ConstValue{Kind: bytecode.ConstString, S: "next"})

	b.Emit(bytecode.NewABC(bytecode.OpNewTable, 0, 0, 0))
	b.Emit(bytecode.NewABC(bytecode.OpNewRef, 1, 0, 0)) // r1 = A
	b.Emit(bytecode.NewABC(bytecode.OpNewTable, 2, 0, 0))
	b.Emit(bytecode.NewABC(bytecode.OpNewRef, 3, 0, 2)) // r3 = B
	b.Emit(bytecode.NewABx(bytecode.OpLoadConst, 4, nextName))
	b.Emit(bytecode.NewABC(bytecode.OpSetField, 1, 4, 3)) // A.next = B
	b.Emit(bytecode.NewABC(bytecode.OpSetField, 3, 4, 1)) // B.next = A
	b.Emit(bytecode.NewABC(bytecode.OpDecRef, 1, 0, 0))   // drop the local A ref
	b.Emit(bytecode.NewABC(bytecode.OpDecRef, 3, 0, 0))   // drop the local B ref
	b.Emit(bytecode.NewABC(bytecode.OpCheckCycles, 0, 0, 0))
	b.Emit(bytecode.NewABC(bytecode.OpReturn, 0, 0, 0))
	mainIdx := b.AddFunction(bytecode.FuncEntry{Name: "main", EntryPC: 0, RegisterCount: 5})
	prog, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	vm := New(prog, nil, nil)
	vm.Scheduler.BeginFrame(0)
	if _, err := vm.Execute(int(mainIdx), nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if vm.Heap.Len() != 0 {
		t.Fatalf("expected the isolated two-cycle to be collected, heap has %d live objects", vm.Heap.Len())
	}
	if vm.Heap.Stats().Freed != 2 {
		t.Fatalf("expected exactly 2 objects freed by the cycle scan, got %d", vm.Heap.Stats().Freed)
	}
}

// TestInitGlobalIsIdempotent covers spec §4.E / §8.2: a second InitGlobal
// for an already-bound name must not error, and must keep the first value.
func TestInitGlobalIsIdempotent(t *testing.T) {
	b := bytecode.NewBuilder()
	oneConst := b.AddConst(bytecode.ConstValue{Kind: bytecode.ConstInt, I: 1})
	twoConst := b.AddConst(bytecode.ConstValue{Kind: bytecode.ConstInt, I: 2})
	xName := b.AddConst(bytecode.ConstValue{Kind: bytecode.ConstString, S: "x"})

	b.Emit(bytecode.NewABx(bytecode.OpLoadConst, 0, oneConst))
	b.Emit(bytecode.NewABx(bytecode.OpInitGlobal, 0, xName))
	b.Emit(bytecode.NewABx(bytecode.OpLoadConst, 0, twoConst))
	b.Emit(bytecode.NewABx(bytecode.OpInitGlobal, 0, xName))
	b.Emit(bytecode.NewABC(bytecode.OpReturn, 0, 0, 0))
	mainIdx := b.AddFunction(bytecode.FuncEntry{Name: "main", EntryPC: 0, RegisterCount: 1})
	prog, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	vm := New(prog, nil, nil)
	if _, err := vm.Execute(int(mainIdx), nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	x, ok := vm.Globals.Get("x")
	if !ok {
		t.Fatal("expected x to be bound")
	}
	i, _ := x.AsInt()
	if i != 1 {
		t.Fatalf("expected the first InitGlobal's value to stick, got %d", i)
	}
}

// TestAddConcatenatesStrings covers spec §4.F's "string construction via
// Add".
func TestAddConcatenatesStrings(t *testing.T) {
	b := bytecode.NewBuilder()
	helloConst := b.AddConst(bytecode.ConstValue{Kind: bytecode.ConstString, S: "hello "})
	worldConst := b.AddConst(bytecode.ConstValue{Kind: bytecode.ConstString, S: "world"})
	b.Emit(bytecode.NewABx(bytecode.OpLoadConst, 1, helloConst))
	b.Emit(bytecode.NewABx(bytecode.OpLoadConst, 2, worldConst))
	b.Emit(bytecode.NewABC(bytecode.OpAdd, 0, 1, 2))
	b.Emit(bytecode.NewABC(bytecode.OpReturn, 0, 1, 0))
	mainIdx := b.AddFunction(bytecode.FuncEntry{Name: "main", EntryPC: 0, RegisterCount: 3})
	prog, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	vm := New(prog, nil, nil)
	result, err := vm.Execute(int(mainIdx), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	s, err := result.AsString()
	if err != nil || s != "hello world" {
		t.Fatalf("expected concatenated string, got %q (err %v)", s, err)
	}
}

// TestCastToString covers spec §4.E's "to-string from primitive" cast.
func TestCastToString(t *testing.T) {
	b := bytecode.NewBuilder()
	ic := b.AddConst(bytecode.ConstValue{Kind: bytecode.ConstInt, I: 42})
	b.Emit(bytecode.NewABx(bytecode.OpLoadConst, 0, ic))
	b.Emit(bytecode.NewABC(bytecode.OpCast, 1, 0, uint8(bytecode.CastTargetString)))
	b.Emit(bytecode.NewABC(bytecode.OpReturn, 1, 1, 0))
	mainIdx := b.AddFunction(bytecode.FuncEntry{Name: "main", EntryPC: 0, RegisterCount: 2})
	prog, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	vm := New(prog, nil, nil)
	result, err := vm.Execute(int(mainIdx), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	s, err := result.AsString()
	if err != nil || s != "42" {
		t.Fatalf("expected \"42\", got %q (err %v)", s, err)
	}
}
