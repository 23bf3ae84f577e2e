// Package host implements the embedding boundary described in spec §4.H:
// the frame-budget API a host loop drives (begin_frame / needs_gc_frame /
// get_gc_stats) and the foreign-function dispatch table a loaded program's
// declared external calls resolve against. The cycle.Scheduler is
// deliberately clock-agnostic (it takes elapsed nanoseconds as a parameter
// rather than reading a clock itself); this package is the one place in the
// runtime that calls time.Now(), mirroring how the teacher's evaluator keeps
// its core (pkg/eval) free of IO while pushing timing concerns to callers.
package host

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/anvil-lang/corevm/internal/corevm/bytecode"
	"github.com/anvil-lang/corevm/internal/corevm/cycle"
	"github.com/anvil-lang/corevm/internal/corevm/value"
	"github.com/anvil-lang/corevm/internal/corevm/vm"
)

// NativeFunc is a host-supplied implementation of one foreign function,
// operating on native Go values already unmarshalled according to its
// descriptor's declared ForeignKind parameter list (spec §4.H "foreign-call
// marshalling by declared parameter kinds").
type NativeFunc func(args []interface{}) (interface{}, error)

// symbolKey identifies one (library, symbol) binding, the unit the
// resolution cache keys on.
type symbolKey struct {
	Library, Symbol string
}

// symbolCacheSize bounds the foreign-symbol resolution cache; 256 distinct
// bindings is generous for any single program's foreign function table,
// matching the modest fixed size ethereum's interpreter.go gives its
// transaction cache.
const symbolCacheSize = 256

// Host owns everything the VM core is not allowed to know about: wall-clock
// timing for the frame budget, and how a foreign symbol resolves to a Go
// function.
type Host struct {
	VM *vm.VM

	table map[symbolKey]NativeFunc
	cache *lru.Cache

	frameStart    time.Time
	frameBudget   time.Duration
	inFrame       bool
	lastScanNanos int64
}

// New constructs a Host wired around a freshly created VM for program, using
// schedCfg for the cycle scheduler (nil selects cycle.DefaultConfig()).
func New(program *bytecode.Program, schedCfg *cycle.Config) *Host {
	h := &Host{table: make(map[symbolKey]NativeFunc)}
	cache, err := lru.New(symbolCacheSize)
	if err != nil {
		// lru.New only errors on a non-positive size, which symbolCacheSize
		// never is; fall back to a single-entry cache so a Host is never
		// left without a cache.
		cache, _ = lru.New(1)
	}
	h.cache = cache
	h.VM = vm.New(program, schedCfg, h.dispatch)
	return h
}

// RegisterForeign binds a concrete Go implementation to a (library, symbol)
// pair a program's foreign function table may declare. Re-registering a
// pair replaces the previous binding and evicts any cached resolution.
func (h *Host) RegisterForeign(library, symbol string, fn NativeFunc) {
	key := symbolKey{library, symbol}
	h.table[key] = fn
	h.cache.Remove(key)
}

func (h *Host) resolve(desc *bytecode.ForeignDescriptor) (NativeFunc, error) {
	key := symbolKey{desc.Library, desc.Symbol}
	if cached, ok := h.cache.Get(key); ok {
		return cached.(NativeFunc), nil
	}
	fn, ok := h.table[key]
	if !ok {
		return nil, fmt.Errorf("no foreign binding registered for %s:%s", desc.Library, desc.Symbol)
	}
	h.cache.Add(key, fn)
	return fn, nil
}

// dispatch implements vm.ForeignCaller: resolve the binding, marshal
// arguments to native Go values per the descriptor's declared parameter
// kinds, invoke, and marshal the result back.
func (h *Host) dispatch(desc *bytecode.ForeignDescriptor, args []value.Value) (value.Value, error) {
	fn, err := h.resolve(desc)
	if err != nil {
		return value.Value{}, err
	}
	if len(args) != len(desc.ParamKinds) {
		return value.Value{}, fmt.Errorf("foreign call %s:%s expects %d args, got %d",
			desc.Library, desc.Symbol, len(desc.ParamKinds), len(args))
	}
	native := make([]interface{}, len(args))
	for i, a := range args {
		n, err := toNative(desc.ParamKinds[i], a)
		if err != nil {
			return value.Value{}, fmt.Errorf("foreign call %s:%s arg %d: %w", desc.Library, desc.Symbol, i, err)
		}
		native[i] = n
	}
	result, err := fn(native)
	if err != nil {
		return value.Value{}, fmt.Errorf("foreign call %s:%s: %w", desc.Library, desc.Symbol, err)
	}
	return fromNative(desc.ReturnKind, result)
}

func toNative(kind bytecode.ForeignKind, v value.Value) (interface{}, error) {
	switch kind {
	case bytecode.ForeignInt:
		return v.AsInt()
	case bytecode.ForeignFloat:
		return v.AsFloat()
	case bytecode.ForeignBool:
		return v.AsBool()
	case bytecode.ForeignChar:
		return v.AsChar()
	case bytecode.ForeignStringPtr:
		return v.AsString()
	default:
		return nil, fmt.Errorf("unknown foreign param kind %d", kind)
	}
}

func fromNative(kind bytecode.ForeignKind, r interface{}) (value.Value, error) {
	switch kind {
	case bytecode.ForeignInt:
		i, ok := r.(int64)
		if !ok {
			return value.Value{}, fmt.Errorf("foreign return expected int64, got %T", r)
		}
		return value.Int(i), nil
	case bytecode.ForeignFloat:
		f, ok := r.(float64)
		if !ok {
			return value.Value{}, fmt.Errorf("foreign return expected float64, got %T", r)
		}
		return value.Float(f), nil
	case bytecode.ForeignBool:
		b, ok := r.(bool)
		if !ok {
			return value.Value{}, fmt.Errorf("foreign return expected bool, got %T", r)
		}
		return value.Bool(b), nil
	case bytecode.ForeignChar:
		c, ok := r.(rune)
		if !ok {
			return value.Value{}, fmt.Errorf("foreign return expected rune, got %T", r)
		}
		return value.Char(c), nil
	case bytecode.ForeignStringPtr:
		s, ok := r.(string)
		if !ok {
			return value.Value{}, fmt.Errorf("foreign return expected string, got %T", r)
		}
		return value.String(s), nil
	default:
		return value.Value{}, fmt.Errorf("unknown foreign return kind %d", kind)
	}
}

// BeginFrame opens a new frame-budget window of the given microsecond
// length (spec §4.H "begin_frame"). The Host, not the scheduler, reads the
// wall clock; it converts elapsed real time to the nanosecond figure
// MaybeDetectCyclesWithinBudget expects.
func (h *Host) BeginFrame(budgetMicros int64) {
	h.frameStart = time.Now()
	h.frameBudget = time.Duration(budgetMicros) * time.Microsecond
	h.inFrame = true
	h.VM.Scheduler.BeginFrame(budgetMicros * int64(time.Microsecond))
}

// NeedsGCFrame reports whether the heap's dirty set has reached the
// scheduler's adaptive threshold, i.e. whether the host should spend part
// of its next frame letting the collector run (spec §4.H "needs_gc_frame").
func (h *Host) NeedsGCFrame() bool {
	return h.VM.Scheduler.NeedsGCFrame(h.VM.Heap, h.VM.Heap.DirtyLen())
}

// RunGCSlice drives one budgeted cycle-collection pass and returns the
// number of objects freed. The scheduler never reads a clock itself, so
// this host charges each call the wall-clock cost of the *previous* call —
// the one real-time figure available before the scheduler's own budget
// check runs — then measures this call's own cost for the next one. A
// caller typically invokes this once per frame when NeedsGCFrame reports
// true, or whenever OpCheckCycles would otherwise be a no-op because no
// host frame is open.
func (h *Host) RunGCSlice() (freed int, scanned bool, err error) {
	start := time.Now()
	freed, scanned, err = h.VM.Scheduler.MaybeDetectCyclesWithinBudget(h.VM.Heap, h.lastScanNanos)
	h.lastScanNanos = time.Since(start).Nanoseconds()
	return freed, scanned, err
}

// GCStats is the structured result get_gc_stats() reports to a host (spec
// §4.H).
type GCStats struct {
	BudgetMicros   int64
	ElapsedMicros  int64
	DirtyCount     int
	LiveObjects    int
	LiveWeakRefs   int
	AdaptiveThreshold int
}

// GetGCStats snapshots the current frame's timing and the heap's counters.
func (h *Host) GetGCStats() GCStats {
	var elapsedMicros int64
	if h.inFrame {
		elapsedMicros = time.Since(h.frameStart).Microseconds()
	}
	stats := h.VM.Heap.Stats()
	return GCStats{
		BudgetMicros:      h.frameBudget.Microseconds(),
		ElapsedMicros:     elapsedMicros,
		DirtyCount:        h.VM.Heap.DirtyLen(),
		LiveObjects:       stats.LiveObjects,
		LiveWeakRefs:      stats.LiveWeakRefs,
		AdaptiveThreshold: h.VM.Scheduler.Threshold(),
	}
}

// FrameOverBudget reports whether the current frame has exceeded its
// declared microsecond budget, the condition a host uses to decide it must
// stop calling back into the VM and yield control (spec §4.H, §7
// "frame_budget_exceeded").
func (h *Host) FrameOverBudget() bool {
	if !h.inFrame || h.frameBudget <= 0 {
		return false
	}
	return time.Since(h.frameStart) >= h.frameBudget
}
