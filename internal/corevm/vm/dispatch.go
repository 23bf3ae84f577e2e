package vm

import (
	"github.com/anvil-lang/corevm/internal/corevm/bytecode"
	"github.com/anvil-lang/corevm/internal/corevm/value"
)

// run drives the dispatch loop until the frame stack has unwound back to
// stopDepth frames. It is iterative, not recursive, so deep call chains
// cost heap-allocated Frames rather than Go stack depth; the one
// exception is destructor re-entry (vm.runDestructor), which calls back
// into run() at a new stopDepth, mirroring how a native destructor call
// nests within whatever unwound it.
func (vm *VM) run(stopDepth int) error {
	for len(vm.frames) > stopDepth {
		vm.Recorder.Step(vm.snapshot)
		frame := vm.frames[len(vm.frames)-1]
		in, size, err := vm.Program.InstructionAt(frame.PC)
		if err != nil {
			return wrapErr(frame.PC, ErrBadProgram, err, "decoding instruction")
		}
		advance, err := vm.step(frame, in, size)
		if err != nil {
			return err
		}
		if advance {
			frame.PC += size
		}
	}
	return nil
}

// step executes a single instruction against frame, returning whether the
// dispatch loop should advance the PC by size words (most instructions;
// control transfer instructions set frame.PC themselves and return false).
func (vm *VM) step(frame *Frame, in bytecode.Instruction, size int) (bool, error) {
	pc := frame.PC
	switch in.Op {

	case bytecode.OpLoadConst:
		v, err := vm.constantValue(pc, int(in.Bx))
		if err != nil {
			return false, err
		}
		return true, frame.set(pc, in.A, v)

	case bytecode.OpMove:
		v, err := frame.get(pc, in.B)
		if err != nil {
			return false, err
		}
		return true, frame.set(pc, in.A, v)

	case bytecode.OpLoadBool:
		return true, frame.set(pc, in.A, value.Bool(in.B != 0))

	case bytecode.OpLoadNil:
		return true, frame.set(pc, in.A, value.Nil())

	case bytecode.OpLoadNone:
		return true, frame.set(pc, in.A, value.None())

	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod, bytecode.OpPow:
		return true, vm.execArith(frame, in)

	case bytecode.OpUnm:
		return true, vm.execUnm(frame, in)

	case bytecode.OpAddImm, bytecode.OpSubImm, bytecode.OpMulImm, bytecode.OpDivImm:
		return true, vm.execArithImm(frame, in)

	case bytecode.OpEq, bytecode.OpLt, bytecode.OpLe:
		return vm.execCompareSkip(frame, in, size)

	case bytecode.OpEqStore, bytecode.OpLtStore, bytecode.OpLeStore:
		return true, vm.execCompareStore(frame, in)

	case bytecode.OpNot:
		b, err := frame.get(pc, in.B)
		if err != nil {
			return false, err
		}
		return true, frame.set(pc, in.A, value.Bool(!b.Truthy()))

	case bytecode.OpAnd, bytecode.OpOr:
		return true, vm.execLogical(frame, in)

	case bytecode.OpJmp:
		frame.PC = pc + int(in.SBx)
		vm.Recorder.RecordPCJump(frame.PC)
		return false, nil

	case bytecode.OpTest:
		return vm.execTest(frame, in, size)

	case bytecode.OpTestSet:
		return vm.execTestSet(frame, in, size)

	case bytecode.OpForPrep:
		return vm.execForPrep(frame, in)

	case bytecode.OpForLoop:
		return vm.execForLoop(frame, in)

	case bytecode.OpReturn:
		return false, vm.execReturn(frame, in)

	case bytecode.OpNewArray:
		elems := make([]value.Value, in.Bx)
		for i := range elems {
			elems[i] = value.Nil()
		}
		return true, frame.set(pc, in.A, value.Array(elems))

	case bytecode.OpNewTable:
		return true, frame.set(pc, in.A, value.TableValue(value.NewTable()))

	case bytecode.OpGetIndex:
		return true, vm.execGetIndex(frame, in)

	case bytecode.OpSetIndex:
		return true, vm.execSetIndex(frame, in)

	case bytecode.OpGetIndexImm:
		return true, vm.execGetIndexImm(frame, in)

	case bytecode.OpSetIndexImm:
		return true, vm.execSetIndexImm(frame, in)

	case bytecode.OpSlice:
		return true, vm.execSlice(frame, in)

	case bytecode.OpGetField:
		return true, vm.execGetField(frame, in)

	case bytecode.OpSetField:
		return true, vm.execSetField(frame, in)

	case bytecode.OpLen:
		return true, vm.execLen(frame, in)

	case bytecode.OpWrapSome:
		b, err := frame.get(pc, in.B)
		if err != nil {
			return false, err
		}
		return true, frame.set(pc, in.A, value.Some(b))

	case bytecode.OpWrapOk:
		b, err := frame.get(pc, in.B)
		if err != nil {
			return false, err
		}
		return true, frame.set(pc, in.A, value.Ok(b))

	case bytecode.OpWrapErr:
		b, err := frame.get(pc, in.B)
		if err != nil {
			return false, err
		}
		return true, frame.set(pc, in.A, value.Err(b))

	case bytecode.OpUnwrapOption:
		return true, vm.execUnwrapOption(frame, in)

	case bytecode.OpUnwrapResult:
		return true, vm.execUnwrapResult(frame, in)

	case bytecode.OpTestTag:
		return true, vm.execTestTag(frame, in)

	case bytecode.OpGetGlobal:
		return true, vm.execGetGlobal(frame, in)

	case bytecode.OpSetGlobal:
		return true, vm.execSetGlobal(frame, in)

	case bytecode.OpInitGlobal:
		return true, vm.execInitGlobal(frame, in)

	case bytecode.OpNewRef:
		return true, vm.execNewRef(frame, in)

	case bytecode.OpIncRef:
		return true, vm.execIncRef(frame, in)

	case bytecode.OpDecRef:
		return true, vm.execDecRef(frame, in)

	case bytecode.OpNewWeak:
		return true, vm.execNewWeak(frame, in)

	case bytecode.OpWeakToStrong:
		return true, vm.execWeakToStrong(frame, in)

	case bytecode.OpCheckCycles:
		vm.checkCycles()
		return true, nil

	case bytecode.OpCast:
		return true, vm.execCast(frame, in)

	case bytecode.OpCall, bytecode.OpTailCall:
		return vm.execCall(frame, in, size, in.Op == bytecode.OpTailCall)

	case bytecode.OpPushDefer:
		frame.pushDefer(pc + int(in.SBx))
		return true, nil

	case bytecode.OpExecDefers:
		return true, vm.execDefers(frame)

	case bytecode.OpDeferEnd:
		return true, nil

	case bytecode.OpIn, bytecode.OpNotIn:
		return true, vm.execMembership(frame, in)

	case bytecode.OpAddAdd, bytecode.OpMulAdd, bytecode.OpCmpJmp, bytecode.OpIncTest,
		bytecode.OpLoadAddStore, bytecode.OpGetAddSet:
		return vm.execFused(frame, in, size)

	default:
		return false, newErr(pc, ErrBadProgram, "unimplemented opcode %s", in.Op)
	}
}

func (vm *VM) constantValue(pc int, idx int) (value.Value, error) {
	if idx < 0 || idx >= len(vm.Program.Constants) {
		return value.Value{}, newErr(pc, ErrIndexOutOfRange, "constant index %d out of range", idx)
	}
	c := vm.Program.Constants[idx]
	switch c.Kind {
	case bytecode.ConstInt:
		return value.Int(c.I), nil
	case bytecode.ConstFloat:
		return value.Float(c.F), nil
	case bytecode.ConstString:
		return value.String(c.S), nil
	case bytecode.ConstBool:
		return value.Bool(c.I != 0), nil
	case bytecode.ConstChar:
		return value.Char(rune(c.I)), nil
	default:
		return value.Value{}, newErr(pc, ErrBadProgram, "unknown constant kind %d", c.Kind)
	}
}

// checkCycles opportunistically runs the scheduler's budgeted scan. It is
// a no-op while a destructor is executing, and a no-op if the host never
// called BeginFrame — OpCheckCycles only ever accelerates a scan the host
// already permitted, never forces one outside the frame-budget contract.
func (vm *VM) checkCycles() {
	if vm.inDestructor {
		return
	}
	_, _, _ = vm.Scheduler.MaybeDetectCyclesWithinBudget(vm.Heap, 0)
}
