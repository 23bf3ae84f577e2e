package vm

import (
	"github.com/anvil-lang/corevm/internal/corevm/bytecode"
	"github.com/anvil-lang/corevm/internal/corevm/heap"
	"github.com/anvil-lang/corevm/internal/corevm/value"
)

func (vm *VM) execArith(frame *Frame, in bytecode.Instruction) error {
	pc := frame.PC
	b, err := frame.get(pc, in.B)
	if err != nil {
		return err
	}
	c, err := frame.get(pc, in.C)
	if err != nil {
		return err
	}
	var result value.Value
	switch in.Op {
	case bytecode.OpAdd:
		if b.Kind() == value.KindString || c.Kind() == value.KindString {
			bs, err := b.AsString()
			if err != nil {
				return newErr(pc, ErrTypeMismatch, "string concatenation requires both operands to be strings: %v", err)
			}
			cs, err := c.AsString()
			if err != nil {
				return newErr(pc, ErrTypeMismatch, "string concatenation requires both operands to be strings: %v", err)
			}
			return frame.set(pc, in.A, value.String(bs+cs))
		}
		result, err = numericBinOp(pc, func(a, b int64) (int64, error) { return checkedAddInt(pc, a, b) }, func(a, b float64) float64 { return a + b }, b, c)
	case bytecode.OpSub:
		result, err = numericBinOp(pc, func(a, b int64) (int64, error) { return checkedSubInt(pc, a, b) }, func(a, b float64) float64 { return a - b }, b, c)
	case bytecode.OpMul:
		result, err = numericBinOp(pc, func(a, b int64) (int64, error) { return checkedMulInt(pc, a, b) }, func(a, b float64) float64 { return a * b }, b, c)
	case bytecode.OpDiv:
		result, err = numericBinOp(pc, func(a, b int64) (int64, error) { return checkedDivInt(pc, a, b) }, func(a, b float64) float64 { return a / b }, b, c)
	case bytecode.OpMod:
		result, err = numericBinOp(pc, func(a, b int64) (int64, error) { return checkedModInt(pc, a, b) }, nil, b, c)
	case bytecode.OpPow:
		result, err = numericBinOp(pc, func(a, b int64) (int64, error) { return checkedPowInt(pc, a, b) }, pow, b, c)
	}
	if err != nil {
		return err
	}
	return frame.set(pc, in.A, result)
}

func pow(a, b float64) float64 {
	r := 1.0
	neg := b < 0
	if neg {
		b = -b
	}
	for i := 0.0; i < b; i++ {
		r *= a
	}
	if neg {
		return 1 / r
	}
	return r
}

func (vm *VM) execUnm(frame *Frame, in bytecode.Instruction) error {
	pc := frame.PC
	b, err := frame.get(pc, in.B)
	if err != nil {
		return err
	}
	switch b.Kind() {
	case value.KindInt:
		i, _ := b.AsInt()
		r, err := checkedSubInt(pc, 0, i)
		if err != nil {
			return err
		}
		return frame.set(pc, in.A, value.Int(r))
	case value.KindFloat:
		f, _ := b.AsFloat()
		return frame.set(pc, in.A, value.Float(-f))
	default:
		return newErr(pc, ErrTypeMismatch, "unary minus requires int or float, got %s", b.Kind())
	}
}

func (vm *VM) execArithImm(frame *Frame, in bytecode.Instruction) error {
	pc := frame.PC
	a, err := frame.get(pc, in.A)
	if err != nil {
		return err
	}
	imm, err := vm.constantValue(pc, int(in.Bx))
	if err != nil {
		return err
	}
	var result value.Value
	switch in.Op {
	case bytecode.OpAddImm:
		result, err = numericBinOp(pc, func(x, y int64) (int64, error) { return checkedAddInt(pc, x, y) }, func(x, y float64) float64 { return x + y }, a, imm)
	case bytecode.OpSubImm:
		result, err = numericBinOp(pc, func(x, y int64) (int64, error) { return checkedSubInt(pc, x, y) }, func(x, y float64) float64 { return x - y }, a, imm)
	case bytecode.OpMulImm:
		result, err = numericBinOp(pc, func(x, y int64) (int64, error) { return checkedMulInt(pc, x, y) }, func(x, y float64) float64 { return x * y }, a, imm)
	case bytecode.OpDivImm:
		result, err = numericBinOp(pc, func(x, y int64) (int64, error) { return checkedDivInt(pc, x, y) }, func(x, y float64) float64 { return x / y }, a, imm)
	}
	if err != nil {
		return err
	}
	return frame.set(pc, in.A, result)
}

// execCompareSkip implements the skip-next-if compare family: A encodes the
// expected boolean outcome; when the actual comparison disagrees, the
// instruction immediately following this one (conventionally a Jmp) is
// skipped. This mirrors the Lua-family "compare, optionally skip the jump"
// idiom rather than materializing a boolean register.
func (vm *VM) execCompareSkip(frame *Frame, in bytecode.Instruction, size int) (bool, error) {
	pc := frame.PC
	b, err := frame.get(pc, in.B)
	if err != nil {
		return false, err
	}
	c, err := frame.get(pc, in.C)
	if err != nil {
		return false, err
	}
	var actual bool
	switch in.Op {
	case bytecode.OpEq:
		actual = value.Equal(b, c)
	case bytecode.OpLt:
		actual, _, err = compareValues(pc, b, c)
	case bytecode.OpLe:
		_, actual, err = compareValues(pc, b, c)
	}
	if err != nil {
		return false, err
	}
	expected := in.A != 0
	if actual == expected {
		return true, nil
	}
	return vm.skipNext(frame, size)
}

// skipNext advances past the instruction immediately following the current
// one, without executing it.
func (vm *VM) skipNext(frame *Frame, size int) (bool, error) {
	nextOff := frame.PC + size
	_, nextSize, err := vm.Program.InstructionAt(nextOff)
	if err != nil {
		return false, wrapErr(frame.PC, ErrBadProgram, err, "decoding skip target")
	}
	frame.PC = nextOff + nextSize
	return false, nil
}

func (vm *VM) execCompareStore(frame *Frame, in bytecode.Instruction) error {
	pc := frame.PC
	b, err := frame.get(pc, in.B)
	if err != nil {
		return err
	}
	c, err := frame.get(pc, in.C)
	if err != nil {
		return err
	}
	var result bool
	switch in.Op {
	case bytecode.OpEqStore:
		result = value.Equal(b, c)
	case bytecode.OpLtStore:
		result, _, err = compareValues(pc, b, c)
	case bytecode.OpLeStore:
		_, result, err = compareValues(pc, b, c)
	}
	if err != nil {
		return err
	}
	return frame.set(pc, in.A, value.Bool(result))
}

func (vm *VM) execLogical(frame *Frame, in bytecode.Instruction) error {
	pc := frame.PC
	b, err := frame.get(pc, in.B)
	if err != nil {
		return err
	}
	c, err := frame.get(pc, in.C)
	if err != nil {
		return err
	}
	var result bool
	if in.Op == bytecode.OpAnd {
		result = b.Truthy() && c.Truthy()
	} else {
		result = b.Truthy() || c.Truthy()
	}
	return frame.set(pc, in.A, value.Bool(result))
}

func (vm *VM) execTest(frame *Frame, in bytecode.Instruction, size int) (bool, error) {
	pc := frame.PC
	a, err := frame.get(pc, in.A)
	if err != nil {
		return false, err
	}
	expected := in.C != 0
	if a.Truthy() == expected {
		return true, nil
	}
	return vm.skipNext(frame, size)
}

func (vm *VM) execTestSet(frame *Frame, in bytecode.Instruction, size int) (bool, error) {
	pc := frame.PC
	b, err := frame.get(pc, in.B)
	if err != nil {
		return false, err
	}
	expected := in.C != 0
	if b.Truthy() == expected {
		if err := frame.set(pc, in.A, b); err != nil {
			return false, err
		}
		return true, nil
	}
	return vm.skipNext(frame, size)
}

// execForPrep and execForLoop implement a numeric for loop over a
// four-register window starting at A: counter, limit, step, loop variable
// (the same register layout Lua-family VMs use for FORPREP/FORLOOP).
func (vm *VM) execForPrep(frame *Frame, in bytecode.Instruction) (bool, error) {
	pc := frame.PC
	counter, err := frame.get(pc, in.A)
	if err != nil {
		return false, err
	}
	step, err := frame.get(pc, in.A+2)
	if err != nil {
		return false, err
	}
	ci, err := requireInt(pc, counter)
	if err != nil {
		return false, err
	}
	si, err := requireInt(pc, step)
	if err != nil {
		return false, err
	}
	adjusted, err := checkedSubInt(pc, ci, si)
	if err != nil {
		return false, err
	}
	if err := frame.set(pc, in.A, value.Int(adjusted)); err != nil {
		return false, err
	}
	frame.PC = pc + int(in.SBx)
	return false, nil
}

func (vm *VM) execForLoop(frame *Frame, in bytecode.Instruction) (bool, error) {
	pc := frame.PC
	counter, err := frame.get(pc, in.A)
	if err != nil {
		return false, err
	}
	limit, err := frame.get(pc, in.A+1)
	if err != nil {
		return false, err
	}
	step, err := frame.get(pc, in.A+2)
	if err != nil {
		return false, err
	}
	ci, _ := requireInt(pc, counter)
	li, _ := requireInt(pc, limit)
	si, _ := requireInt(pc, step)

	next, err := checkedAddInt(pc, ci, si)
	if err != nil {
		return false, err
	}
	inRange := (si > 0 && next <= li) || (si < 0 && next >= li) || si == 0
	if !inRange {
		return true, nil
	}
	if err := frame.set(pc, in.A, value.Int(next)); err != nil {
		return false, err
	}
	if err := frame.set(pc, in.A+3, value.Int(next)); err != nil {
		return false, err
	}
	frame.PC = pc + int(in.SBx)
	return false, nil
}

func requireInt(pc int, v value.Value) (int64, error) {
	i, err := v.AsInt()
	if err != nil {
		return 0, newErr(pc, ErrTypeMismatch, "for-loop registers must be int: %v", err)
	}
	return i, nil
}

// execReturn pops the current frame, running its pending defers first
// (spec §4.D: defers run LIFO at scope exit, before the value is handed to
// the caller), and writes the result into the caller's ResultReg, or into
// vm.lastReturn if this was the outermost frame.
func (vm *VM) execReturn(frame *Frame, in bytecode.Instruction) error {
	if err := vm.runAllDefers(frame); err != nil {
		return err
	}
	var result value.Value = value.Nil()
	if in.B != 0 {
		v, err := frame.get(frame.PC, in.A)
		if err != nil {
			return err
		}
		result = v
	}
	vm.frames = vm.frames[:len(vm.frames)-1]
	vm.Recorder.RecordFramePop()
	if len(vm.frames) == 0 {
		vm.lastReturn = result
		return nil
	}
	caller := vm.frames[len(vm.frames)-1]
	return caller.set(caller.PC, frame.ResultReg, result)
}

// arrayTarget resolves the []value.Value an index opcode should read or
// mutate, transparently dereferencing a heap Ref the same way fieldTable
// does for GetField/SetField (spec §3.2: a Ref is a handle, not the object
// itself). The returned ownerID/isHeap let SetIndex/SetIndexImm route their
// write through track_edge when the array is heap-resident.
func (vm *VM) arrayTarget(pc int, v value.Value) ([]value.Value, uint64, bool, error) {
	switch v.Kind() {
	case value.KindArray:
		arr, err := v.AsArray()
		return arr, 0, false, err
	case value.KindRef:
		id, _ := v.AsRefID()
		obj, ok := vm.Heap.Get(id)
		if !ok {
			return nil, 0, false, newErr(pc, ErrHeapCorruption, "dereferencing freed object %d", id)
		}
		if obj.Kind != heap.ObjArray {
			return nil, 0, false, newErr(pc, ErrTypeMismatch, "index target ref %d is not an array object", id)
		}
		return obj.Elems, id, true, nil
	default:
		return nil, 0, false, newErr(pc, ErrTypeMismatch, "index target must be an array or ref, got %s", v.Kind())
	}
}

func (vm *VM) execGetIndex(frame *Frame, in bytecode.Instruction) error {
	pc := frame.PC
	arrv, err := frame.get(pc, in.B)
	if err != nil {
		return err
	}
	idxv, err := frame.get(pc, in.C)
	if err != nil {
		return err
	}
	arr, _, _, err := vm.arrayTarget(pc, arrv)
	if err != nil {
		return err
	}
	idx, err := idxv.AsInt()
	if err != nil {
		return newErr(pc, ErrTypeMismatch, "index must be an int: %v", err)
	}
	if idx < 0 || int(idx) >= len(arr) {
		return newErr(pc, ErrIndexOutOfRange, "array index %d out of range (len %d)", idx, len(arr))
	}
	return frame.set(pc, in.A, arr[idx])
}

func (vm *VM) execSetIndex(frame *Frame, in bytecode.Instruction) error {
	pc := frame.PC
	arrv, err := frame.get(pc, in.A)
	if err != nil {
		return err
	}
	idxv, err := frame.get(pc, in.B)
	if err != nil {
		return err
	}
	val, err := frame.get(pc, in.C)
	if err != nil {
		return err
	}
	arr, ownerID, isHeap, err := vm.arrayTarget(pc, arrv)
	if err != nil {
		return err
	}
	idx, err := idxv.AsInt()
	if err != nil {
		return newErr(pc, ErrTypeMismatch, "index must be an int: %v", err)
	}
	if idx < 0 || int(idx) >= len(arr) {
		return newErr(pc, ErrIndexOutOfRange, "array index %d out of range (len %d)", idx, len(arr))
	}
	old := arr[idx]
	arr[idx] = val
	if isHeap {
		if err := vm.Heap.TrackEdge(ownerID, old, val); err != nil {
			return wrapErr(pc, ErrHeapCorruption, err, "tracking index edge on object %d", ownerID)
		}
	}
	return nil
}

func (vm *VM) execGetIndexImm(frame *Frame, in bytecode.Instruction) error {
	pc := frame.PC
	arrv, err := frame.get(pc, in.B)
	if err != nil {
		return err
	}
	arr, _, _, err := vm.arrayTarget(pc, arrv)
	if err != nil {
		return err
	}
	idx := int(in.C)
	if idx >= len(arr) {
		return newErr(pc, ErrIndexOutOfRange, "array index %d out of range (len %d)", idx, len(arr))
	}
	return frame.set(pc, in.A, arr[idx])
}

func (vm *VM) execSetIndexImm(frame *Frame, in bytecode.Instruction) error {
	pc := frame.PC
	arrv, err := frame.get(pc, in.A)
	if err != nil {
		return err
	}
	arr, ownerID, isHeap, err := vm.arrayTarget(pc, arrv)
	if err != nil {
		return err
	}
	idx := int(in.B)
	if idx >= len(arr) {
		return newErr(pc, ErrIndexOutOfRange, "array index %d out of range (len %d)", idx, len(arr))
	}
	val, err := frame.get(pc, in.C)
	if err != nil {
		return err
	}
	old := arr[idx]
	arr[idx] = val
	if isHeap {
		if err := vm.Heap.TrackEdge(ownerID, old, val); err != nil {
			return wrapErr(pc, ErrHeapCorruption, err, "tracking index edge on object %d", ownerID)
		}
	}
	return nil
}

// execSlice copies the first Int(R(C)) elements of array R(B) into a fresh
// array in R(A).
func (vm *VM) execSlice(frame *Frame, in bytecode.Instruction) error {
	pc := frame.PC
	arrv, err := frame.get(pc, in.B)
	if err != nil {
		return err
	}
	arr, err := arrv.AsArray()
	if err != nil {
		return newErr(pc, ErrTypeMismatch, "slice target must be an array: %v", err)
	}
	nv, err := frame.get(pc, in.C)
	if err != nil {
		return err
	}
	n, err := nv.AsInt()
	if err != nil {
		return newErr(pc, ErrTypeMismatch, "slice length must be an int: %v", err)
	}
	if n < 0 || int(n) > len(arr) {
		return newErr(pc, ErrIndexOutOfRange, "slice length %d out of range (len %d)", n, len(arr))
	}
	out := make([]value.Value, n)
	copy(out, arr[:n])
	return frame.set(pc, in.A, value.Array(out))
}

// fieldTable resolves the *value.Table a GetField/SetField should mutate,
// transparently dereferencing a heap Ref (spec §3.2: Ref is a handle, not
// the object itself) so the same opcode works for both immediate table
// values and heap-resident objects.
func (vm *VM) fieldTable(pc int, v value.Value) (*value.Table, uint64, bool, error) {
	switch v.Kind() {
	case value.KindTable:
		t, err := v.AsTable()
		return t, 0, false, err
	case value.KindRef:
		id, _ := v.AsRefID()
		obj, ok := vm.Heap.Get(id)
		if !ok {
			return nil, 0, false, newErr(pc, ErrHeapCorruption, "dereferencing freed object %d", id)
		}
		if obj.Kind != heap.ObjTable {
			return nil, 0, false, newErr(pc, ErrTypeMismatch, "field access target ref %d is not a table object", id)
		}
		return obj.Fields, id, true, nil
	default:
		return nil, 0, false, newErr(pc, ErrTypeMismatch, "field access requires a table or ref, got %s", v.Kind())
	}
}

func (vm *VM) execGetField(frame *Frame, in bytecode.Instruction) error {
	pc := frame.PC
	target, err := frame.get(pc, in.B)
	if err != nil {
		return err
	}
	namev, err := frame.get(pc, in.C)
	if err != nil {
		return err
	}
	name, err := namev.AsString()
	if err != nil {
		return newErr(pc, ErrTypeMismatch, "field name must be a string: %v", err)
	}
	tbl, _, _, err := vm.fieldTable(pc, target)
	if err != nil {
		return err
	}
	v, ok := tbl.Get(name)
	if !ok {
		v = value.Nil()
	}
	return frame.set(pc, in.A, v)
}

func (vm *VM) execSetField(frame *Frame, in bytecode.Instruction) error {
	pc := frame.PC
	target, err := frame.get(pc, in.A)
	if err != nil {
		return err
	}
	namev, err := frame.get(pc, in.B)
	if err != nil {
		return err
	}
	name, err := namev.AsString()
	if err != nil {
		return newErr(pc, ErrTypeMismatch, "field name must be a string: %v", err)
	}
	val, err := frame.get(pc, in.C)
	if err != nil {
		return err
	}
	tbl, ownerID, isHeap, err := vm.fieldTable(pc, target)
	if err != nil {
		return err
	}
	old, hadOld := tbl.Get(name)
	if !hadOld {
		old = value.Nil()
	}
	tbl.Set(name, val)
	if isHeap {
		if err := vm.Heap.TrackEdge(ownerID, old, val); err != nil {
			return wrapErr(pc, ErrHeapCorruption, err, "tracking field edge on object %d", ownerID)
		}
	}
	return nil
}

func (vm *VM) execLen(frame *Frame, in bytecode.Instruction) error {
	pc := frame.PC
	target, err := frame.get(pc, in.B)
	if err != nil {
		return err
	}
	var n int
	switch target.Kind() {
	case value.KindArray:
		arr, _ := target.AsArray()
		n = len(arr)
	case value.KindString:
		s, _ := target.AsString()
		n = len(s)
	case value.KindTable:
		t, _ := target.AsTable()
		n = t.Len()
	default:
		return newErr(pc, ErrTypeMismatch, "len requires array, string or table, got %s", target.Kind())
	}
	return frame.set(pc, in.A, value.Int(int64(n)))
}

func (vm *VM) execUnwrapOption(frame *Frame, in bytecode.Instruction) error {
	pc := frame.PC
	b, err := frame.get(pc, in.B)
	if err != nil {
		return err
	}
	if b.Kind() == value.KindNone {
		return newErr(pc, ErrUnwrapNone, "unwrap called on None")
	}
	inner, err := b.Unwrap()
	if err != nil {
		return newErr(pc, ErrTypeMismatch, "unwrap_option requires Some or None, got %s", b.Kind())
	}
	return frame.set(pc, in.A, inner)
}

func (vm *VM) execUnwrapResult(frame *Frame, in bytecode.Instruction) error {
	pc := frame.PC
	b, err := frame.get(pc, in.B)
	if err != nil {
		return err
	}
	if b.Kind() == value.KindErr {
		return newErr(pc, ErrUnwrapErr, "unwrap called on Err result")
	}
	inner, err := b.Unwrap()
	if err != nil {
		return newErr(pc, ErrTypeMismatch, "unwrap_result requires Ok or Err, got %s", b.Kind())
	}
	return frame.set(pc, in.A, inner)
}

// tagNone/tagSome/tagOk/tagErr are the wrapper discriminants OpTestTag's C
// operand selects between.
const (
	tagNone uint8 = iota
	tagSome
	tagOk
	tagErr
)

func (vm *VM) execTestTag(frame *Frame, in bytecode.Instruction) error {
	pc := frame.PC
	b, err := frame.get(pc, in.B)
	if err != nil {
		return err
	}
	var want value.Kind
	switch in.C {
	case tagNone:
		want = value.KindNone
	case tagSome:
		want = value.KindSome
	case tagOk:
		want = value.KindOk
	case tagErr:
		want = value.KindErr
	default:
		return newErr(pc, ErrBadProgram, "unknown tag selector %d", in.C)
	}
	return frame.set(pc, in.A, value.Bool(b.Kind() == want))
}

func (vm *VM) execGetGlobal(frame *Frame, in bytecode.Instruction) error {
	pc := frame.PC
	name, err := vm.globalName(pc, int(in.Bx))
	if err != nil {
		return err
	}
	v, ok := vm.Globals.Get(name)
	if !ok {
		return newErr(pc, ErrUnknownGlobal, "global %q read before initialization", name)
	}
	return frame.set(pc, in.A, v)
}

func (vm *VM) execSetGlobal(frame *Frame, in bytecode.Instruction) error {
	pc := frame.PC
	name, err := vm.globalName(pc, int(in.Bx))
	if err != nil {
		return err
	}
	v, err := frame.get(pc, in.A)
	if err != nil {
		return err
	}
	vm.Globals.Set(name, v)
	vm.Recorder.RecordGlobalWrite(name, v)
	return nil
}

// execInitGlobal writes name only if it is unbound; a second InitGlobal for
// an already-bound name is a no-op that keeps the first-bound value (spec
// §4.E "InitGlobal is idempotent", §8.2 round-trip law), not a fault — the
// compiler may legitimately re-emit it at a module's re-entry point.
func (vm *VM) execInitGlobal(frame *Frame, in bytecode.Instruction) error {
	pc := frame.PC
	name, err := vm.globalName(pc, int(in.Bx))
	if err != nil {
		return err
	}
	v, err := frame.get(pc, in.A)
	if err != nil {
		return err
	}
	if already := vm.Globals.Init(name, v); !already {
		vm.Recorder.RecordGlobalWrite(name, v)
	}
	return nil
}

func (vm *VM) globalName(pc int, constIdx int) (string, error) {
	if constIdx < 0 || constIdx >= len(vm.Program.Constants) {
		return "", newErr(pc, ErrIndexOutOfRange, "global name constant %d out of range", constIdx)
	}
	c := vm.Program.Constants[constIdx]
	if c.Kind != bytecode.ConstString {
		return "", newErr(pc, ErrBadProgram, "global name constant %d is not a string", constIdx)
	}
	return c.S, nil
}

// execNewRef boxes R[C] on the heap, giving it an id and a refcounted
// lifetime (spec §4.E NewRef, §4.B alloc_scalar/alloc_table/alloc_array).
// The instruction format's ABC operands leave no spare bit for a literal
// kindFlag, so the heap-object kind is read off R[C]'s own runtime Kind:
// a Table source allocates a Table object, an Array source an Array
// object, and any scalar value (Int, Float, Bool, Char, String, Some/
// Ok/Err/None, or even an existing Ref/Weak) allocates a Scalar object
// wrapping it verbatim.
func (vm *VM) execNewRef(frame *Frame, in bytecode.Instruction) error {
	pc := frame.PC
	srcv, err := frame.get(pc, in.C)
	if err != nil {
		return err
	}
	typeIdx := int(in.B)
	var id uint64
	switch srcv.Kind() {
	case value.KindTable:
		tbl, err := srcv.AsTable()
		if err != nil {
			return newErr(pc, ErrTypeMismatch, "new_ref table source: %v", err)
		}
		id = vm.Heap.Alloc(typeIdx, tbl)
	case value.KindArray:
		arr, err := srcv.AsArray()
		if err != nil {
			return newErr(pc, ErrTypeMismatch, "new_ref array source: %v", err)
		}
		id = vm.Heap.AllocArray(typeIdx, arr)
	default:
		id = vm.Heap.AllocScalar(typeIdx, srcv)
	}
	return frame.set(pc, in.A, value.Ref(id))
}

func (vm *VM) execIncRef(frame *Frame, in bytecode.Instruction) error {
	pc := frame.PC
	v, err := frame.get(pc, in.A)
	if err != nil {
		return err
	}
	id, err := v.AsRefID()
	if err != nil {
		return newErr(pc, ErrTypeMismatch, "incref requires a ref: %v", err)
	}
	if err := vm.Heap.IncRef(id); err != nil {
		return wrapErr(pc, ErrHeapCorruption, err, "incref")
	}
	return nil
}

func (vm *VM) execDecRef(frame *Frame, in bytecode.Instruction) error {
	pc := frame.PC
	v, err := frame.get(pc, in.A)
	if err != nil {
		return err
	}
	id, err := v.AsRefID()
	if err != nil {
		return newErr(pc, ErrTypeMismatch, "decref requires a ref: %v", err)
	}
	if err := vm.Heap.DecRef(id); err != nil {
		return wrapErr(pc, ErrHeapCorruption, err, "decref")
	}
	return nil
}

// execNewWeak allocates a weak forwarder object targeting R[B]'s Ref
// (spec §4.B alloc_weak: a distinct heap object with its own strong count
// of 1, not an alias of the target's id). R[A] receives a Weak value
// carrying the forwarder's id.
func (vm *VM) execNewWeak(frame *Frame, in bytecode.Instruction) error {
	pc := frame.PC
	v, err := frame.get(pc, in.B)
	if err != nil {
		return err
	}
	targetID, err := v.AsRefID()
	if err != nil {
		return newErr(pc, ErrTypeMismatch, "new_weak requires a ref: %v", err)
	}
	fwd, err := vm.Heap.NewWeak(targetID)
	if err != nil {
		return wrapErr(pc, ErrHeapCorruption, err, "new_weak")
	}
	return frame.set(pc, in.A, value.Weak(fwd))
}

func (vm *VM) execWeakToStrong(frame *Frame, in bytecode.Instruction) error {
	pc := frame.PC
	v, err := frame.get(pc, in.B)
	if err != nil {
		return err
	}
	id, err := v.AsRefID()
	if err != nil {
		return newErr(pc, ErrTypeMismatch, "weak_to_strong requires a weak ref: %v", err)
	}
	target, ok, err := vm.Heap.WeakToStrong(id)
	if err != nil {
		return wrapErr(pc, ErrHeapCorruption, err, "weak_to_strong")
	}
	if !ok {
		return frame.set(pc, in.A, value.None())
	}
	return frame.set(pc, in.A, value.Some(value.Ref(target)))
}

func (vm *VM) execCast(frame *Frame, in bytecode.Instruction) error {
	pc := frame.PC
	b, err := frame.get(pc, in.B)
	if err != nil {
		return err
	}
	v, err := castValue(pc, b, in.C)
	if err != nil {
		return err
	}
	return frame.set(pc, in.A, v)
}

func (vm *VM) execMembership(frame *Frame, in bytecode.Instruction) error {
	pc := frame.PC
	needle, err := frame.get(pc, in.B)
	if err != nil {
		return err
	}
	haystack, err := frame.get(pc, in.C)
	if err != nil {
		return err
	}
	var found bool
	switch haystack.Kind() {
	case value.KindArray:
		arr, _ := haystack.AsArray()
		for _, e := range arr {
			if value.Equal(e, needle) {
				found = true
				break
			}
		}
	case value.KindTable:
		t, _ := haystack.AsTable()
		name, err := needle.AsString()
		if err != nil {
			return newErr(pc, ErrTypeMismatch, "table membership test requires a string key: %v", err)
		}
		_, found = t.Get(name)
	default:
		return newErr(pc, ErrTypeMismatch, "membership test requires array or table, got %s", haystack.Kind())
	}
	if in.Op == bytecode.OpNotIn {
		found = !found
	}
	return frame.set(pc, in.A, value.Bool(found))
}

// execCall dispatches a Call-layout instruction: either to the host's
// ForeignCaller (spec §4.H) or to a fresh bytecode frame. Arguments occupy
// the NumArgs registers immediately following the result register. A tail
// call (spec §4.E "tail calls reuse the caller's frame slot") runs the
// caller's pending defers first, then discards the caller frame before
// pushing the callee, so the callee's frame sits where the caller's did
// rather than nesting another level deep.
func (vm *VM) execCall(frame *Frame, in bytecode.Instruction, size int, isTail bool) (bool, error) {
	pc := frame.PC
	if int(in.FuncIdx) >= len(vm.Program.Functions) {
		return false, newErr(pc, ErrBadProgram, "call target function index %d out of range", in.FuncIdx)
	}
	fn := vm.Program.Functions[in.FuncIdx]
	args := make([]value.Value, in.NumArgs)
	for i := 0; i < int(in.NumArgs); i++ {
		v, err := frame.get(pc, in.A+1+uint8(i))
		if err != nil {
			return false, err
		}
		args[i] = v
	}

	if fn.IsForeign {
		if vm.foreign == nil {
			return false, newErr(pc, ErrForeignCallFailed, "no foreign caller configured for %q", fn.Name)
		}
		result, err := vm.foreign(fn.Foreign, args)
		if err != nil {
			return false, wrapErr(pc, ErrForeignCallFailed, err, "foreign call %q", fn.Name)
		}
		return true, frame.set(pc, in.A, result)
	}

	if isTail {
		if err := vm.runAllDefers(frame); err != nil {
			return false, err
		}
		resultReg := frame.ResultReg
		vm.frames = vm.frames[:len(vm.frames)-1]
		if err := vm.pushCall(int(in.FuncIdx), args, resultReg); err != nil {
			return false, err
		}
		return false, nil
	}

	frame.PC = pc + size
	if err := vm.pushCall(int(in.FuncIdx), args, in.A); err != nil {
		return false, err
	}
	return false, nil
}

// execDefers is OpExecDefers's handler: it runs every pending deferred
// block on frame, LIFO, without waiting for a return. A normal function
// exit reaches the same defers through execReturn's runAllDefers call;
// this opcode exists for scopes that exit without returning a value (e.g.
// the end of a block) but still owe their defers a chance to run.
func (vm *VM) execDefers(frame *Frame) error {
	return vm.runAllDefers(frame)
}

func (vm *VM) runAllDefers(frame *Frame) error {
	for {
		d, ok := frame.popDefer()
		if !ok {
			return nil
		}
		if err := vm.runDeferBlock(frame, d.targetPC); err != nil {
			return err
		}
	}
}

// runDeferBlock executes one deferred block inline, in the same register
// window as the frame that pushed it, stopping at OpDeferEnd rather than
// returning. The frame's real PC is saved and restored around the detour
// so the block reads as a same-frame subroutine, not a call.
func (vm *VM) runDeferBlock(frame *Frame, startPC int) error {
	savedPC := frame.PC
	frame.PC = startPC
	for {
		in, size, err := vm.Program.InstructionAt(frame.PC)
		if err != nil {
			return wrapErr(frame.PC, ErrBadProgram, err, "decoding deferred block")
		}
		if in.Op == bytecode.OpDeferEnd {
			break
		}
		advance, err := vm.step(frame, in, size)
		if err != nil {
			return err
		}
		if advance {
			frame.PC += size
		}
	}
	frame.PC = savedPC
	return nil
}

// fusedBytes unpacks the three 8-bit sub-registers peephole opcodes pack
// into Ax: a is the low byte, then b, then c.
func fusedBytes(ax uint32) (a, b, c uint8) {
	return uint8(ax), uint8(ax >> 8), uint8(ax >> 16)
}

// execFused implements the six peephole opcodes, each standing in for a
// common two-or-three-instruction sequence the compiler recognized and
// collapsed into one dispatch (spec §4.E "fused opcodes trade a larger
// catalog for fewer dispatch round-trips on hot sequences"). Semantics
// always match running the unfused sequence; none introduce new behavior.
func (vm *VM) execFused(frame *Frame, in bytecode.Instruction, size int) (bool, error) {
	pc := frame.PC
	switch in.Op {

	case bytecode.OpAddAdd:
		a, b, c := fusedBytes(in.Ax)
		rb, err := frame.get(pc, b)
		if err != nil {
			return false, err
		}
		rc, err := frame.get(pc, c)
		if err != nil {
			return false, err
		}
		ra, err := frame.get(pc, a)
		if err != nil {
			return false, err
		}
		sum, err := numericBinOp(pc, func(x, y int64) (int64, error) { return checkedAddInt(pc, x, y) }, func(x, y float64) float64 { return x + y }, rb, rc)
		if err != nil {
			return false, err
		}
		sum, err = numericBinOp(pc, func(x, y int64) (int64, error) { return checkedAddInt(pc, x, y) }, func(x, y float64) float64 { return x + y }, ra, sum)
		if err != nil {
			return false, err
		}
		return true, frame.set(pc, a, sum)

	case bytecode.OpMulAdd:
		a, b, c := fusedBytes(in.Ax)
		ra, err := frame.get(pc, a)
		if err != nil {
			return false, err
		}
		rb, err := frame.get(pc, b)
		if err != nil {
			return false, err
		}
		rc, err := frame.get(pc, c)
		if err != nil {
			return false, err
		}
		prod, err := numericBinOp(pc, func(x, y int64) (int64, error) { return checkedMulInt(pc, x, y) }, func(x, y float64) float64 { return x * y }, rb, rc)
		if err != nil {
			return false, err
		}
		sum, err := numericBinOp(pc, func(x, y int64) (int64, error) { return checkedAddInt(pc, x, y) }, func(x, y float64) float64 { return x + y }, ra, prod)
		if err != nil {
			return false, err
		}
		return true, frame.set(pc, a, sum)

	case bytecode.OpCmpJmp:
		// Fused less-than compare and skip-next, equivalent to OpLt
		// immediately followed by a Jmp, collapsed because that pair is
		// by far the most common loop-guard idiom the compiler emits.
		b, err := frame.get(pc, in.B)
		if err != nil {
			return false, err
		}
		c, err := frame.get(pc, in.C)
		if err != nil {
			return false, err
		}
		lt, _, err := compareValues(pc, b, c)
		if err != nil {
			return false, err
		}
		expected := in.A != 0
		if lt == expected {
			return true, nil
		}
		return vm.skipNext(frame, size)

	case bytecode.OpIncTest:
		// Fused increment-then-test: R[A]++ followed by a truthiness
		// test of the (now incremented) R[A] against expected flag C.
		ra, err := frame.get(pc, in.A)
		if err != nil {
			return false, err
		}
		i, err := requireInt(pc, ra)
		if err != nil {
			return false, err
		}
		next, err := checkedAddInt(pc, i, 1)
		if err != nil {
			return false, err
		}
		if err := frame.set(pc, in.A, value.Int(next)); err != nil {
			return false, err
		}
		expected := in.C != 0
		if value.Int(next).Truthy() == expected {
			return true, nil
		}
		return vm.skipNext(frame, size)

	case bytecode.OpLoadAddStore:
		// Fused constant load, add and store-back: R[A] += constants[C].
		a, _, c := fusedBytes(in.Ax)
		cv, err := vm.constantValue(pc, int(c))
		if err != nil {
			return false, err
		}
		ra, err := frame.get(pc, a)
		if err != nil {
			return false, err
		}
		sum, err := numericBinOp(pc, func(x, y int64) (int64, error) { return checkedAddInt(pc, x, y) }, func(x, y float64) float64 { return x + y }, ra, cv)
		if err != nil {
			return false, err
		}
		return true, frame.set(pc, a, sum)

	case bytecode.OpGetAddSet:
		// Fused array read-modify-write: arr[A][B] += int8(C), the
		// compiler's collapse of GetIndexImm+AddImm+SetIndexImm for
		// in-place counter updates inside an array.
		a, b, c := fusedBytes(in.Ax)
		arrv, err := frame.get(pc, a)
		if err != nil {
			return false, err
		}
		arr, err := arrv.AsArray()
		if err != nil {
			return false, newErr(pc, ErrTypeMismatch, "fused array update requires an array: %v", err)
		}
		if int(b) >= len(arr) {
			return false, newErr(pc, ErrIndexOutOfRange, "array index %d out of range (len %d)", b, len(arr))
		}
		cur, err := requireInt(pc, arr[b])
		if err != nil {
			return false, err
		}
		delta := int64(int8(c))
		next, err := checkedAddInt(pc, cur, delta)
		if err != nil {
			return false, err
		}
		arr[b] = value.Int(next)
		return true, nil

	default:
		return false, newErr(pc, ErrBadProgram, "unreachable fused opcode %s", in.Op)
	}
}
