// Package bytecode provides the encoded instruction format, constant pool
// and program representation for the register VM (spec §4.E, §3.4).
package bytecode

import "fmt"

// OpCode identifies an instruction handler; numeric encodings are stable
// within a loaded program but otherwise implementation-defined (spec §4.E).
type OpCode uint8

const (
	// Literals/moves
	OpLoadConst OpCode = iota
	OpMove
	OpLoadBool
	OpLoadNil
	OpLoadNone

	// Arithmetic
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpPow
	OpUnm
	OpAddImm
	OpSubImm
	OpMulImm
	OpDivImm

	// Compare (skip-next-if semantics, paired with a following Jmp)
	OpEq
	OpLt
	OpLe
	OpEqStore
	OpLtStore
	OpLeStore

	// Logical
	OpNot
	OpAnd
	OpOr

	// Control
	OpJmp
	OpTest
	OpTestSet
	OpForPrep
	OpForLoop
	OpReturn

	// Aggregates
	OpNewArray
	OpNewTable
	OpGetIndex
	OpSetIndex
	OpGetIndexImm
	OpSetIndexImm
	OpSlice
	OpGetField
	OpSetField
	OpLen

	// Wrappers
	OpWrapSome
	OpWrapOk
	OpWrapErr
	OpUnwrapOption
	OpUnwrapResult
	OpTestTag

	// Globals
	OpGetGlobal
	OpSetGlobal
	OpInitGlobal

	// Refs
	OpNewRef
	OpIncRef
	OpDecRef
	OpNewWeak
	OpWeakToStrong
	OpCheckCycles

	// Coercion
	OpCast

	// Calls and defer
	OpCall
	OpTailCall
	OpPushDefer
	OpExecDefers
	OpDeferEnd

	// Membership
	OpIn
	OpNotIn

	// Fused (peephole) opcodes — semantics equal the unfused sequence.
	OpAddAdd
	OpMulAdd
	OpCmpJmp
	OpIncTest
	OpLoadAddStore
	OpGetAddSet
)

// CastTarget packs OpCast's C operand: the value kind a Cast instruction
// converts its operand to (spec §4.E "defined conversions between numeric
// kinds, to-bool from int, to-string from primitive, identity otherwise").
type CastTarget uint8

const (
	CastTargetInt CastTarget = iota
	CastTargetFloat
	CastTargetBool
	CastTargetChar
	CastTargetString
)

// OperandLayout selects how an instruction's operand word(s) are
// interpreted (spec §4.E).
type OperandLayout uint8

const (
	LayoutABC OperandLayout = iota
	LayoutABx
	LayoutAsBx
	LayoutCall
	LayoutAx
)

var opNames = map[OpCode]string{
	OpLoadConst: "LOADCONST", OpMove: "MOVE", OpLoadBool: "LOADBOOL",
	OpLoadNil: "LOADNIL", OpLoadNone: "LOADNONE",
	OpAdd: "ADD", OpSub: "SUB", OpMul: "MUL", OpDiv: "DIV", OpMod: "MOD",
	OpPow: "POW", OpUnm: "UNM",
	OpAddImm: "ADDIMM", OpSubImm: "SUBIMM", OpMulImm: "MULIMM", OpDivImm: "DIVIMM",
	OpEq: "EQ", OpLt: "LT", OpLe: "LE",
	OpEqStore: "EQSTORE", OpLtStore: "LTSTORE", OpLeStore: "LESTORE",
	OpNot: "NOT", OpAnd: "AND", OpOr: "OR",
	OpJmp: "JMP", OpTest: "TEST", OpTestSet: "TESTSET",
	OpForPrep: "FORPREP", OpForLoop: "FORLOOP", OpReturn: "RETURN",
	OpNewArray: "NEWARRAY", OpNewTable: "NEWTABLE",
	OpGetIndex: "GETINDEX", OpSetIndex: "SETINDEX",
	OpGetIndexImm: "GETINDEXIMM", OpSetIndexImm: "SETINDEXIMM",
	OpSlice: "SLICE", OpGetField: "GETFIELD", OpSetField: "SETFIELD", OpLen: "LEN",
	OpWrapSome: "WRAPSOME", OpWrapOk: "WRAPOK", OpWrapErr: "WRAPERR",
	OpUnwrapOption: "UNWRAPOPTION", OpUnwrapResult: "UNWRAPRESULT", OpTestTag: "TESTTAG",
	OpGetGlobal: "GETGLOBAL", OpSetGlobal: "SETGLOBAL", OpInitGlobal: "INITGLOBAL",
	OpNewRef: "NEWREF", OpIncRef: "INCREF", OpDecRef: "DECREF",
	OpNewWeak: "NEWWEAK", OpWeakToStrong: "WEAKTOSTRONG", OpCheckCycles: "CHECKCYCLES",
	OpCast:   "CAST",
	OpCall:   "CALL", OpTailCall: "TAILCALL",
	OpPushDefer: "PUSHDEFER", OpExecDefers: "EXECDEFERS", OpDeferEnd: "DEFEREND",
	OpIn: "IN", OpNotIn: "NOTIN",
	OpAddAdd: "ADDADD", OpMulAdd: "MULADD", OpCmpJmp: "CMPJMP",
	OpIncTest: "INCTEST", OpLoadAddStore: "LOADADDSTORE", OpGetAddSet: "GETADDSET",
}

func (op OpCode) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", op)
}

// Instruction is the decoded, in-memory form of one bytecode word(s).
// Layout selects which of the operand fields are meaningful.
type Instruction struct {
	Op      OpCode
	Layout  OperandLayout
	A       uint8 // ABC, ABx, AsBx, Ax (low byte), Call (result register)
	B       uint8 // ABC
	C       uint8 // ABC
	Bx      uint16
	SBx     int16
	Ax      uint32 // 24-bit packed operand for fused opcodes
	FuncIdx uint16 // Call layout
	NumArgs uint8  // Call layout

	// Line and Col carry debug info for §7 error reporting.
	Line int
	Col  int
}

// Register-packed instruction word encoding, mirroring the bit layout used
// by register-based bytecode VMs in the wild: 8-bit op, then up to three
// 8-bit register operands or one wide immediate.
const (
	posOp = 0
	posA  = 8
	posB  = 16
	posC  = 24

	maskByte = 0xFF
	maskBx   = 0xFFFF
	maskAx   = 0xFFFFFF

	maxArgBx  = maskBx
	maxSBx    = maxArgBx >> 1
)

// EncodeABC packs a 3-register instruction into a 32-bit word.
func EncodeABC(op OpCode, a, b, c uint8) uint32 {
	return uint32(op) | uint32(a)<<posA | uint32(b)<<posB | uint32(c)<<posC
}

// EncodeABx packs an A register plus a 16-bit unsigned immediate.
func EncodeABx(op OpCode, a uint8, bx uint16) uint32 {
	return uint32(op) | uint32(a)<<posA | uint32(bx)<<posB
}

// EncodeAsBx packs an A register plus a signed 16-bit immediate, biased the
// way Lua-family bytecode stores jump offsets (sBx = Bx - maxSBx).
func EncodeAsBx(op OpCode, a uint8, sbx int16) uint32 {
	return EncodeABx(op, a, uint16(int32(sbx)+maxSBx))
}

// EncodeAx packs a 24-bit operand for fused opcodes carrying three packed
// register indices.
func EncodeAx(op OpCode, ax uint32) uint32 {
	return uint32(op) | (ax&maskAx)<<posA
}

func decodeOp(word uint32) OpCode { return OpCode(word & maskByte) }
func decodeA(word uint32) uint8   { return uint8((word >> posA) & maskByte) }
func decodeB(word uint32) uint8   { return uint8((word >> posB) & maskByte) }
func decodeC(word uint32) uint8   { return uint8((word >> posC) & maskByte) }
func decodeBx(word uint32) uint16 { return uint16((word >> posB) & maskBx) }
func decodeSBx(word uint32) int16 { return int16(int32(decodeBx(word)) - maxSBx) }
func decodeAx(word uint32) uint32 { return (word >> posA) & maskAx }

// layoutOf returns the operand layout for each opcode; Call and the fused
// opcodes that need a function-table index or 24-bit packed operand are
// listed explicitly, everything else defaults by catalog membership.
func layoutOf(op OpCode) OperandLayout {
	switch op {
	case OpCall, OpTailCall:
		return LayoutCall
	case OpJmp, OpPushDefer, OpForPrep, OpForLoop:
		return LayoutAsBx
	case OpLoadConst, OpNewArray, OpGetGlobal, OpSetGlobal, OpInitGlobal,
		OpAddImm, OpSubImm, OpMulImm, OpDivImm:
		return LayoutABx
	case OpAddAdd, OpMulAdd, OpLoadAddStore, OpGetAddSet:
		return LayoutAx
	default:
		return LayoutABC
	}
}

// NewABC builds an ABC-form instruction.
func NewABC(op OpCode, a, b, c uint8) Instruction {
	return Instruction{Op: op, Layout: LayoutABC, A: a, B: b, C: c}
}

// NewABx builds an ABx-form instruction (unsigned 16-bit immediate).
func NewABx(op OpCode, a uint8, bx uint16) Instruction {
	return Instruction{Op: op, Layout: LayoutABx, A: a, Bx: bx}
}

// NewAsBx builds an AsBx-form instruction (signed 16-bit immediate).
func NewAsBx(op OpCode, a uint8, sbx int16) Instruction {
	return Instruction{Op: op, Layout: LayoutAsBx, A: a, SBx: sbx}
}

// NewCall builds a Call-form instruction.
func NewCall(op OpCode, resultReg uint8, funcIdx uint16, numArgs uint8) Instruction {
	return Instruction{Op: op, Layout: LayoutCall, A: resultReg, FuncIdx: funcIdx, NumArgs: numArgs}
}

// NewAx builds a fused-opcode instruction carrying a 24-bit packed operand.
func NewAx(op OpCode, ax uint32) Instruction {
	return Instruction{Op: op, Layout: LayoutAx, Ax: ax & maskAx}
}

// Words encodes an instruction to its wire words: the Call form occupies two
// 32-bit words (opcode word + function-index word); every other form,
// ABx/AsBx included, is a single word, with the 16-bit immediate packed into
// the word's upper half.
func (in Instruction) Words() []uint32 {
	switch in.Layout {
	case LayoutABC:
		return []uint32{EncodeABC(in.Op, in.A, in.B, in.C)}
	case LayoutABx:
		return []uint32{EncodeABx(in.Op, in.A, in.Bx)}
	case LayoutAsBx:
		return []uint32{EncodeAsBx(in.Op, in.A, in.SBx)}
	case LayoutAx:
		return []uint32{EncodeAx(in.Op, in.Ax)}
	case LayoutCall:
		return []uint32{EncodeABC(in.Op, in.A, 0, in.NumArgs), uint32(in.FuncIdx)}
	default:
		return []uint32{EncodeABC(in.Op, in.A, in.B, in.C)}
	}
}

// DecodeAt decodes the instruction beginning at words[offset], returning its
// size in words.
func DecodeAt(words []uint32, offset int) (Instruction, int, error) {
	if offset < 0 || offset >= len(words) {
		return Instruction{}, 0, fmt.Errorf("offset %d out of bounds (len %d)", offset, len(words))
	}
	word := words[offset]
	op := decodeOp(word)
	layout := layoutOf(op)
	switch layout {
	case LayoutABC:
		return Instruction{Op: op, Layout: layout, A: decodeA(word), B: decodeB(word), C: decodeC(word)}, 1, nil
	case LayoutABx:
		return Instruction{Op: op, Layout: layout, A: decodeA(word), Bx: decodeBx(word)}, 1, nil
	case LayoutAsBx:
		return Instruction{Op: op, Layout: layout, A: decodeA(word), SBx: decodeSBx(word)}, 1, nil
	case LayoutAx:
		return Instruction{Op: op, Layout: layout, Ax: decodeAx(word)}, 1, nil
	case LayoutCall:
		if offset+1 >= len(words) {
			return Instruction{}, 0, fmt.Errorf("call instruction at %d missing function-index word", offset)
		}
		return Instruction{
			Op: op, Layout: layout, A: decodeA(word), NumArgs: decodeC(word),
			FuncIdx: uint16(words[offset+1]),
		}, 2, nil
	default:
		return Instruction{}, 0, fmt.Errorf("unknown operand layout for opcode %s", op)
	}
}
