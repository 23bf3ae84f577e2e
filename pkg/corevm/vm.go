package corevm

import (
	"fmt"

	"github.com/anvil-lang/corevm/internal/corevm/host"
	"github.com/anvil-lang/corevm/internal/corevm/verify"
)

// NativeFunc is a host-supplied implementation of one foreign function
// (spec §4.H), operating on native Go values already unmarshalled per the
// program's declared parameter kinds.
type NativeFunc = host.NativeFunc

// GCStats is the structured result GetGCStats reports (spec §4.H
// "vm_get_gc_stats").
type GCStats = host.GCStats

// VM is one running instance of the register machine over a loaded
// Program. It wraps internal/corevm/host.Host, the one package in this
// runtime allowed to touch a wall clock, the same "keep IO at the edges"
// split the teacher's pkg/eval keeps from its own host-facing CLI.
//
// A VM is not safe for concurrent use (spec §5): exactly one goroutine may
// call its methods at a time.
type VM struct {
	h *host.Host
}

// NewVM constructs a VM over prog. cfg may be nil to use DefaultConfig().
func NewVM(prog *Program, cfg *SchedulerConfig) *VM {
	return &VM{h: host.New(prog, cfg)}
}

// RegisterForeign binds a concrete Go implementation to a (library, symbol)
// pair the loaded program's foreign function table may declare. It must be
// called before the first Run that reaches the corresponding Call opcode.
func (vm *VM) RegisterForeign(library, symbol string, fn NativeFunc) {
	vm.h.RegisterForeign(library, symbol, fn)
}

// EnableReplay turns on the deterministic-replay recorder (spec §4.G),
// taking a full snapshot every snapshotInterval dispatched instructions.
// Disabled by default; recording costs nothing until this is called.
func (vm *VM) EnableReplay(snapshotInterval uint64) {
	vm.h.VM.EnableReplay(snapshotInterval)
}

// Run executes the named function to completion with the given arguments
// and returns its result (spec §6 "vm_execute", generalized from an
// entry-function index to a lookup by the function table's debug name, the
// host-ergonomic surface this package promises in its doc comment).
func (vm *VM) Run(funcName string, args []Value) (Value, error) {
	idx, err := vm.findFunction(funcName)
	if err != nil {
		return Value{}, err
	}
	result, err := vm.h.VM.Execute(idx, args)
	if err != nil {
		return Value{}, wrapInternal(err)
	}
	return result, nil
}

// RunEntry executes the function at the given function-table index,
// spec §6's literal "vm_execute" contract for a host that already knows
// its entry point's index rather than its debug name.
func (vm *VM) RunEntry(entryFuncIdx int, args []Value) (Value, error) {
	result, err := vm.h.VM.Execute(entryFuncIdx, args)
	if err != nil {
		return Value{}, wrapInternal(err)
	}
	return result, nil
}

func (vm *VM) findFunction(name string) (int, error) {
	for i, fn := range vm.h.VM.Program.Functions {
		if fn.Name == name {
			return i, nil
		}
	}
	return 0, &RuntimeError{Code: ErrBadProgram, Message: fmt.Sprintf("no function named %q in program", name)}
}

// ExitCode interprets result as a process exit code: an Int value yields
// its own code, anything else (spec §4.F "the entry frame's Return
// terminates execute and yields an exit code if the returned value is
// Int") yields 0.
func ExitCode(result Value) int {
	if i, err := result.AsInt(); err == nil {
		return int(i)
	}
	return 0
}

// BeginFrame opens a new frame-budget window of the given microsecond
// length (spec §4.H "vm_begin_frame").
func (vm *VM) BeginFrame(budgetMicros int64) { vm.h.BeginFrame(budgetMicros) }

// NeedsGCFrame reports whether the heap's dirty set has reached the
// adaptive threshold and the host should dedicate part of its next frame
// to collection (spec §4.H "vm_needs_gc_frame").
func (vm *VM) NeedsGCFrame() bool { return vm.h.NeedsGCFrame() }

// RunGCSlice drives one budgeted cycle-collection pass within the frame
// opened by the most recent BeginFrame, returning the number of objects
// freed and whether a scan actually ran.
func (vm *VM) RunGCSlice() (freed int, scanned bool, err error) {
	freed, scanned, err = vm.h.RunGCSlice()
	if err != nil {
		err = wrapInternal(err)
	}
	return freed, scanned, err
}

// GetGCStats snapshots the current frame's timing and the heap's counters
// (spec §4.H "vm_get_gc_stats").
func (vm *VM) GetGCStats() GCStats { return vm.h.GetGCStats() }

// FrameOverBudget reports whether the frame opened by BeginFrame has
// already exceeded its declared microsecond budget.
func (vm *VM) FrameOverBudget() bool { return vm.h.FrameOverBudget() }

// LiveObjects returns the number of heap objects not yet freed, for a host
// that wants a cheap leak check between runs.
func (vm *VM) LiveObjects() int { return vm.h.VM.Heap.Len() }

// VerifyHeap runs the heap verifier's full invariant catalog (spec §4.D)
// against the VM's current heap state. It is a diagnostic, never called
// on a hot path; cfg may be nil to use DefaultVerifyConfig().
func (vm *VM) VerifyHeap(cfg *VerifyConfig) VerifyReport {
	if cfg == nil {
		cfg = DefaultVerifyConfig()
	}
	return verify.Run(vm.h.VM.Heap, cfg)
}

// Free releases the heap, running destructors for every still-live object
// in reverse-allocation order (spec §6 "vm_free").
func (vm *VM) Free() error {
	return wrapInternal(vm.h.VM.Heap.FreeAll())
}

// RegisterRNGDraw logs one draw from the host's random number generator to
// the replay recorder (spec §4.G, §9 "replay recording captures RNG
// transitions so seeded randomness is deterministic through a recorded
// run"). A host that exposes a seeded RNG to foreign calls should route
// every draw through this so a later replay reproduces it exactly, since
// the VM itself never generates randomness.
func (vm *VM) RegisterRNGDraw(draw int64) {
	vm.h.VM.Recorder.RecordRNGDraw(draw)
}
