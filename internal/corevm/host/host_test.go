package host

import (
	"testing"

	"github.com/anvil-lang/corevm/internal/corevm/bytecode"
	"github.com/anvil-lang/corevm/internal/corevm/value"
)

func trivialProgram(t *testing.T) *bytecode.Program {
	t.Helper()
	b := bytecode.NewBuilder()
	b.Emit(bytecode.NewABC(bytecode.OpLoadNil, 0, 0, 0))
	b.Emit(bytecode.NewABC(bytecode.OpReturn, 0, 0, 0))
	b.AddFunction(bytecode.FuncEntry{Name: "main", EntryPC: 0, RegisterCount: 1})
	prog, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return prog
}

func TestBeginFrameAndStats(t *testing.T) {
	h := New(trivialProgram(t), nil)
	h.BeginFrame(2000)
	if !h.inFrame {
		t.Fatal("expected inFrame true after BeginFrame")
	}
	stats := h.GetGCStats()
	if stats.BudgetMicros != 2000 {
		t.Fatalf("expected budget 2000us, got %d", stats.BudgetMicros)
	}
	if stats.DirtyCount != 0 {
		t.Fatalf("expected no dirty objects on a fresh heap, got %d", stats.DirtyCount)
	}
}

func TestNeedsGCFrameFalseOnEmptyHeap(t *testing.T) {
	h := New(trivialProgram(t), nil)
	h.BeginFrame(1000)
	if h.NeedsGCFrame() {
		t.Fatal("a heap with nothing allocated should never need a GC frame")
	}
}

func TestForeignRoundTrip(t *testing.T) {
	h := New(trivialProgram(t), nil)
	h.RegisterForeign("math", "double", func(args []interface{}) (interface{}, error) {
		return args[0].(int64) * 2, nil
	})
	desc := &bytecode.ForeignDescriptor{
		Library:    "math",
		Symbol:     "double",
		ParamKinds: []bytecode.ForeignKind{bytecode.ForeignInt},
		ReturnKind: bytecode.ForeignInt,
	}
	result, err := h.dispatch(desc, []value.Value{value.Int(21)})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	i, err := result.AsInt()
	if err != nil || i != 42 {
		t.Fatalf("expected 42, got %v (err %v)", i, err)
	}

	// second call exercises the lru-cached resolution path
	result2, err := h.dispatch(desc, []value.Value{value.Int(5)})
	if err != nil {
		t.Fatalf("dispatch (cached): %v", err)
	}
	i2, _ := result2.AsInt()
	if i2 != 10 {
		t.Fatalf("expected 10, got %v", i2)
	}
}

func TestUnresolvedForeignFails(t *testing.T) {
	h := New(trivialProgram(t), nil)
	desc := &bytecode.ForeignDescriptor{Library: "nope", Symbol: "missing"}
	if _, err := h.dispatch(desc, nil); err == nil {
		t.Fatal("expected an error for an unregistered foreign binding")
	}
}
