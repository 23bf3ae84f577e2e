package corevm

import (
	"io"

	"github.com/anvil-lang/corevm/internal/corevm/bytecode"
	"github.com/anvil-lang/corevm/internal/corevm/cycle"
	"github.com/anvil-lang/corevm/internal/corevm/value"
	"github.com/anvil-lang/corevm/internal/corevm/verify"
)

// Value is the tagged runtime value every register and field holds (spec
// §3.1). It is a type alias for the internal representation: the tagged-
// union shape is exactly what a host needs to construct arguments and
// inspect results with, so there is nothing to adapt at this boundary.
type Value = value.Value

// Kind discriminates a Value's variant.
type Kind = value.Kind

// Kind constants, re-exported so a host never needs to import
// internal/corevm/value directly to inspect a Value's variant.
const (
	KindNil    = value.KindNil
	KindBool   = value.KindBool
	KindChar   = value.KindChar
	KindInt    = value.KindInt
	KindFloat  = value.KindFloat
	KindString = value.KindString
	KindArray  = value.KindArray
	KindTable  = value.KindTable
	KindSome   = value.KindSome
	KindNone   = value.KindNone
	KindOk     = value.KindOk
	KindErr    = value.KindErr
	KindRef    = value.KindRef
	KindWeak   = value.KindWeak
)

// Constructors re-exported at the package level for a host that only ever
// imports corevm, never internal/corevm/value directly.
var (
	Nil         = value.Nil
	Bool        = value.Bool
	Char        = value.Char
	Int         = value.Int
	Float       = value.Float
	String      = value.String
	Array       = value.Array
	TableValue  = value.TableValue
	NewTable    = value.NewTable
	None        = value.None
	Some        = value.Some
	Ok          = value.Ok
	Err         = value.Err
	RefValue    = value.Ref
	WeakValue   = value.Weak
	EqualValues = value.Equal
)

// Table is the field/slot container backing Table and heap-object values.
type Table = value.Table

// Program is a loaded, immutable bytecode program (spec §3.4, §6).
type Program = bytecode.Program

// ProgramBuilder assembles a Program in memory without a binary round-trip
// (spec §6's companion builder API), reusing the teacher-shaped
// construct-then-mutate idiom the rest of this runtime follows.
type ProgramBuilder = bytecode.Builder

// NewProgramBuilder creates an empty, in-memory program under construction.
func NewProgramBuilder() *ProgramBuilder { return bytecode.NewBuilder() }

// LoadProgram deserializes a binary program (spec §6), verifying its
// trailing integrity digest and validating every jump target and function
// entry point before returning it.
func LoadProgram(r io.Reader) (*Program, error) {
	p, err := bytecode.Load(r)
	if err != nil {
		return nil, wrapInternal(err)
	}
	return p, nil
}

// StoreProgram serializes p to its canonical binary interchange form.
func StoreProgram(w io.Writer, p *Program) error {
	return wrapInternal(bytecode.Store(w, p))
}

// Disassemble renders a program's instruction stream as human-readable
// text, one line per instruction.
func Disassemble(p *Program) string { return bytecode.Disassemble(p) }

// Instruction is the decoded, in-memory form of one bytecode word (spec
// §4.E). A host or offline tool assembling a Program by hand constructs
// these with NewInstrABC/NewInstrABx/NewInstrAsBx/NewInstrCall/NewInstrAx
// and feeds them to a ProgramBuilder's Emit.
type Instruction = bytecode.Instruction

// OpCode identifies an instruction handler (spec §4.E).
type OpCode = bytecode.OpCode

// Opcode catalog, re-exported at the package level so a host never needs
// to import internal/corevm/bytecode directly to assemble a program.
const (
	OpLoadConst = bytecode.OpLoadConst
	OpMove      = bytecode.OpMove
	OpLoadBool  = bytecode.OpLoadBool
	OpLoadNil   = bytecode.OpLoadNil
	OpLoadNone  = bytecode.OpLoadNone

	OpAdd = bytecode.OpAdd
	OpSub = bytecode.OpSub
	OpMul = bytecode.OpMul
	OpDiv = bytecode.OpDiv
	OpMod = bytecode.OpMod
	OpPow = bytecode.OpPow
	OpUnm = bytecode.OpUnm

	OpAddImm = bytecode.OpAddImm
	OpSubImm = bytecode.OpSubImm
	OpMulImm = bytecode.OpMulImm
	OpDivImm = bytecode.OpDivImm

	OpEq      = bytecode.OpEq
	OpLt      = bytecode.OpLt
	OpLe      = bytecode.OpLe
	OpEqStore = bytecode.OpEqStore
	OpLtStore = bytecode.OpLtStore
	OpLeStore = bytecode.OpLeStore

	OpNot = bytecode.OpNot
	OpAnd = bytecode.OpAnd
	OpOr  = bytecode.OpOr

	OpJmp     = bytecode.OpJmp
	OpTest    = bytecode.OpTest
	OpTestSet = bytecode.OpTestSet
	OpForPrep = bytecode.OpForPrep
	OpForLoop = bytecode.OpForLoop
	OpReturn  = bytecode.OpReturn

	OpNewArray    = bytecode.OpNewArray
	OpNewTable    = bytecode.OpNewTable
	OpGetIndex    = bytecode.OpGetIndex
	OpSetIndex    = bytecode.OpSetIndex
	OpGetIndexImm = bytecode.OpGetIndexImm
	OpSetIndexImm = bytecode.OpSetIndexImm
	OpSlice       = bytecode.OpSlice
	OpGetField    = bytecode.OpGetField
	OpSetField    = bytecode.OpSetField
	OpLen         = bytecode.OpLen

	OpWrapSome     = bytecode.OpWrapSome
	OpWrapOk       = bytecode.OpWrapOk
	OpWrapErr      = bytecode.OpWrapErr
	OpUnwrapOption = bytecode.OpUnwrapOption
	OpUnwrapResult = bytecode.OpUnwrapResult
	OpTestTag      = bytecode.OpTestTag

	OpGetGlobal  = bytecode.OpGetGlobal
	OpSetGlobal  = bytecode.OpSetGlobal
	OpInitGlobal = bytecode.OpInitGlobal

	OpNewRef       = bytecode.OpNewRef
	OpIncRef       = bytecode.OpIncRef
	OpDecRef       = bytecode.OpDecRef
	OpNewWeak      = bytecode.OpNewWeak
	OpWeakToStrong = bytecode.OpWeakToStrong
	OpCheckCycles  = bytecode.OpCheckCycles

	OpCast = bytecode.OpCast

	OpCall       = bytecode.OpCall
	OpTailCall   = bytecode.OpTailCall
	OpPushDefer  = bytecode.OpPushDefer
	OpExecDefers = bytecode.OpExecDefers
	OpDeferEnd   = bytecode.OpDeferEnd

	OpIn    = bytecode.OpIn
	OpNotIn = bytecode.OpNotIn

	OpAddAdd       = bytecode.OpAddAdd
	OpMulAdd       = bytecode.OpMulAdd
	OpCmpJmp       = bytecode.OpCmpJmp
	OpIncTest      = bytecode.OpIncTest
	OpLoadAddStore = bytecode.OpLoadAddStore
	OpGetAddSet    = bytecode.OpGetAddSet
)

// Instruction constructors, re-exported from ProgramBuilder's Emit target
// type.
var (
	NewInstrABC  = bytecode.NewABC
	NewInstrABx  = bytecode.NewABx
	NewInstrAsBx = bytecode.NewAsBx
	NewInstrCall = bytecode.NewCall
	NewInstrAx   = bytecode.NewAx
)

// CastTarget packs OpCast's C operand (spec §4.E).
type CastTarget = bytecode.CastTarget

const (
	CastTargetInt    = bytecode.CastTargetInt
	CastTargetFloat  = bytecode.CastTargetFloat
	CastTargetBool   = bytecode.CastTargetBool
	CastTargetChar   = bytecode.CastTargetChar
	CastTargetString = bytecode.CastTargetString
)

// FuncEntry is one row of a program's function table (spec §3.4).
type FuncEntry = bytecode.FuncEntry

// TypeEntry maps a user-defined type name to its destructor function index
// (spec §3.4); DestructorIdx -1 means the type has no destructor.
type TypeEntry = bytecode.TypeEntry

// ConstValue and ConstKind describe one constant-pool entry (spec §3.4,
// §4.E).
type ConstValue = bytecode.ConstValue
type ConstKind = bytecode.ConstKind

const (
	ConstInt    = bytecode.ConstInt
	ConstFloat  = bytecode.ConstFloat
	ConstString = bytecode.ConstString
	ConstBool   = bytecode.ConstBool
	ConstChar   = bytecode.ConstChar
)

// ForeignDescriptor and ForeignKind describe a foreign function table entry
// (spec §3.4, §4.H).
type ForeignDescriptor = bytecode.ForeignDescriptor
type ForeignKind = bytecode.ForeignKind

const (
	ForeignInt       = bytecode.ForeignInt
	ForeignFloat     = bytecode.ForeignFloat
	ForeignBool      = bytecode.ForeignBool
	ForeignChar      = bytecode.ForeignChar
	ForeignStringPtr = bytecode.ForeignStringPtr
)

// SchedulerConfig tunes the incremental cycle collector's adaptive
// threshold and per-frame time budget (spec §4.C).
type SchedulerConfig = cycle.Config

// DefaultConfig returns the scheduler tuning this runtime ships with.
func DefaultConfig() *SchedulerConfig { return cycle.DefaultConfig() }

// VerifyConfig tunes the heap verifier (spec §4.D). It is a no-op (and
// must stay one) unless Enabled is set.
type VerifyConfig = verify.Config

// VerifyReport is the structured result of one heap verification pass.
type VerifyReport = verify.Report

// DefaultVerifyConfig returns a verifier configuration that is off by
// default, matching spec §4.D's "no-op in release builds" requirement.
func DefaultVerifyConfig() *VerifyConfig { return verify.DefaultConfig() }
