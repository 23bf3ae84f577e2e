// Package vm implements the register VM's dispatch loop: frame stack,
// per-opcode handlers, the defer stack and the destructor re-entrancy
// guard (spec §3, §4, §7). This is the largest component of the runtime,
// matching the teacher's vm_state.go ExecuteInstruction dispatch style
// generalized from a fixed on-chip stack to an addressable register file.
package vm

import (
	"fmt"

	"github.com/anvil-lang/corevm/internal/corevm/bytecode"
	"github.com/anvil-lang/corevm/internal/corevm/cycle"
	"github.com/anvil-lang/corevm/internal/corevm/heap"
	"github.com/anvil-lang/corevm/internal/corevm/replay"
	"github.com/anvil-lang/corevm/internal/corevm/value"
)

// ForeignCaller dispatches a foreign-function call described by a
// bytecode.ForeignDescriptor. The host supplies this; the VM never knows
// how to cross the language boundary itself (spec §4.H).
type ForeignCaller func(desc *bytecode.ForeignDescriptor, args []value.Value) (value.Value, error)

// maxCallDepth bounds the frame stack the way a real process bounds its
// native stack; exceeding it is a recoverable RuntimeError, never a panic.
const maxCallDepth = 4096

// VM is one running instance of the register machine over a single loaded
// program. Spec §5 excludes multi-threaded use of one instance; nothing
// here is safe for concurrent calls.
type VM struct {
	Program   *bytecode.Program
	Heap      *heap.Heap
	Globals   *Globals
	Scheduler *cycle.Scheduler

	foreign  ForeignCaller
	Recorder *replay.Recorder

	frames       []*Frame
	inDestructor bool

	// lastReturn holds the value the outermost frame returned, once the
	// frame stack has fully unwound back to the caller of Execute.
	lastReturn value.Value
}

// New creates a VM over a loaded program. schedCfg may be nil to use
// cycle.DefaultConfig(); foreign may be nil if the program declares no
// foreign functions.
func New(p *bytecode.Program, schedCfg *cycle.Config, foreign ForeignCaller) *VM {
	vm := &VM{
		Program:   p,
		Globals:   NewGlobals(),
		Scheduler: cycle.NewScheduler(schedCfg),
		foreign:   foreign,
		Recorder:  replay.NewRecorder(0),
	}
	vm.Heap = heap.NewHeap(vm.runDestructor)
	return vm
}

// EnableReplay turns on the execution recorder (spec §4.G), taking a full
// snapshot every snapshotInterval dispatched instructions.
func (vm *VM) EnableReplay(snapshotInterval uint64) {
	vm.Recorder = replay.NewRecorder(snapshotInterval)
}

// snapshot captures every global and every live frame's registers/PC, the
// self-sufficient state a replay seek restores before applying deltas.
func (vm *VM) snapshot() replay.Snapshot {
	globals := make(map[string]value.Value, len(vm.Globals.slots))
	for k, v := range vm.Globals.slots {
		if vm.Globals.initialized[k] {
			globals[k] = v
		}
	}
	frames := make([]replay.FrameSnapshot, len(vm.frames))
	for i, f := range vm.frames {
		regs := make([]value.Value, len(f.Registers))
		copy(regs, f.Registers)
		frames[i] = replay.FrameSnapshot{FuncIdx: f.FuncIdx, PC: f.PC, Registers: regs}
	}
	return replay.Snapshot{Globals: globals, Frames: frames}
}

// Execute runs the function named by entryFuncIdx to completion with the
// given arguments and returns its result.
func (vm *VM) Execute(entryFuncIdx int, args []value.Value) (value.Value, error) {
	if entryFuncIdx < 0 || entryFuncIdx >= len(vm.Program.Functions) {
		return value.Value{}, fmt.Errorf("entry function index %d out of range", entryFuncIdx)
	}
	if err := vm.pushCall(entryFuncIdx, args, 0); err != nil {
		return value.Value{}, err
	}
	if err := vm.run(0); err != nil {
		return value.Value{}, err
	}
	return vm.lastReturn, nil
}

// pushCall pushes a new frame for fn, populating its first len(args)
// registers. resultReg is meaningless for the outermost call (depth 0) and
// is only consulted when the frame later returns into a caller.
func (vm *VM) pushCall(funcIdx int, args []value.Value, resultReg uint8) error {
	if len(vm.frames) >= maxCallDepth {
		pc := 0
		if len(vm.frames) > 0 {
			pc = vm.frames[len(vm.frames)-1].PC
		}
		return newErr(pc, ErrStackOverflow, "call depth exceeded %d frames", maxCallDepth)
	}
	fn := vm.Program.Functions[funcIdx]
	f := newFrame(funcIdx, fn.RegisterCount, resultReg)
	for i, a := range args {
		if i >= len(f.Registers) {
			break
		}
		f.Registers[i] = a
	}
	f.PC = fn.EntryPC
	vm.frames = append(vm.frames, f)
	vm.Recorder.RecordFramePush(funcIdx)
	return nil
}

// runDestructor is the heap.DestructorHook wired in at construction. It
// looks up the type's destructor function (if any) and calls it under the
// in_destructor guard (spec §4.D): while it runs, OpCheckCycles is a
// no-op, preventing a destructor from recursively triggering a collection
// pass while the heap is mid-free.
//
// Register 0 of the destructor's frame receives a Ref wrapping the dying
// object's own id (spec §4.F step 2), not a bare copy of its field table:
// the destructor can still GetField/SetField through that Ref like any
// other live reference, and a field re-assignment inside it still runs
// track_edge against the same id heap.free is in the middle of tearing
// down. The object's beingDestroyed flag is already set, so an attempt to
// take a new strong reference to it increments harmlessly without
// triggering a second free.
func (vm *VM) runDestructor(h *heap.Heap, id uint64, typeIdx int, fields *value.Table) error {
	if typeIdx < 0 || typeIdx >= len(vm.Program.Types) {
		return nil
	}
	te := vm.Program.Types[typeIdx]
	if te.DestructorIdx < 0 {
		return nil
	}

	prev := vm.inDestructor
	vm.inDestructor = true
	defer func() { vm.inDestructor = prev }()

	baseDepth := len(vm.frames)
	if err := vm.pushCall(te.DestructorIdx, []value.Value{value.Ref(id)}, 0); err != nil {
		return fmt.Errorf("entering destructor for type %q: %w", te.Name, err)
	}
	return vm.run(baseDepth)
}
