package vm

import "github.com/anvil-lang/corevm/internal/corevm/value"

// deferEntry is one entry on a frame's defer stack: the instruction offset
// (within the same function) where the deferred block begins. Blocks run
// inline, sharing the frame's register file, and are terminated by
// OpDeferEnd rather than a normal return (spec §4.D).
type deferEntry struct {
	targetPC int
}

// Frame is one register-window activation record. Unlike a stack-machine
// frame, registers are addressed by index rather than pushed/popped,
// following the same "on-chip register file" idea the teacher's VMState
// stack embodies, generalized from a fixed 16-slot array to a
// per-function-sized slice (spec §3.3, §4.E).
type Frame struct {
	FuncIdx   int
	PC        int
	Registers []value.Value
	ResultReg uint8 // caller register the return value lands in
	NumRet    uint8 // number of values the caller expects back (0 or 1 for this instruction set)

	defers []deferEntry
}

func newFrame(funcIdx, registerCount int, resultReg uint8) *Frame {
	regs := make([]value.Value, registerCount)
	for i := range regs {
		regs[i] = value.Nil()
	}
	return &Frame{FuncIdx: funcIdx, Registers: regs, ResultReg: resultReg}
}

// get fetches a register value, defensively bounds-checked even though the
// compiler is assumed to emit valid indices (spec §7: the VM never trusts
// the prover/compiler for safety-relevant checks).
func (f *Frame) get(pc int, reg uint8) (value.Value, error) {
	if int(reg) >= len(f.Registers) {
		return value.Value{}, newErr(pc, ErrIndexOutOfRange, "register r%d out of range (have %d)", reg, len(f.Registers))
	}
	return f.Registers[reg], nil
}

func (f *Frame) set(pc int, reg uint8, v value.Value) error {
	if int(reg) >= len(f.Registers) {
		return newErr(pc, ErrIndexOutOfRange, "register r%d out of range (have %d)", reg, len(f.Registers))
	}
	f.Registers[reg] = v
	return nil
}

// pushDefer records a deferred block to run, LIFO, when ExecDefers fires.
func (f *Frame) pushDefer(targetPC int) {
	f.defers = append(f.defers, deferEntry{targetPC: targetPC})
}

// popDefer removes and returns the most recently pushed deferred block.
func (f *Frame) popDefer() (deferEntry, bool) {
	if len(f.defers) == 0 {
		return deferEntry{}, false
	}
	n := len(f.defers) - 1
	d := f.defers[n]
	f.defers = f.defers[:n]
	return d, true
}
