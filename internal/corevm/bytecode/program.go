package bytecode

import "fmt"

// ForeignKind is the marshalling kind for a foreign function parameter or
// return value (spec §4.H).
type ForeignKind uint8

const (
	ForeignInt ForeignKind = iota
	ForeignFloat
	ForeignBool
	ForeignChar
	ForeignStringPtr
)

// ForeignDescriptor describes a foreign function entry in the function
// table (spec §3.4).
type ForeignDescriptor struct {
	Library    string
	Symbol     string
	ParamKinds []ForeignKind
	ReturnKind ForeignKind
}

// FuncEntry is one row of the function table: entry PC, register/parameter
// sizing and debug names.
type FuncEntry struct {
	Name          string
	EntryPC       int
	ParamCount    int
	RegisterCount int
	ParamNames    []string
	IsForeign     bool
	Foreign       *ForeignDescriptor
}

// TypeEntry maps a user-defined type name to its destructor function index.
// A DestructorIdx of -1 means the type has no destructor.
type TypeEntry struct {
	Name          string
	DestructorIdx int
}

// Program is a fully loaded, immutable bytecode program (spec §3.4).
type Program struct {
	Constants    []ConstValue
	Functions    []FuncEntry
	Types        []TypeEntry
	Instructions []uint32 // flat, shared by absolute/relative offsets

	// boundaries records every word offset at which a decoded instruction
	// starts, populated once at load/build time so PC boundaries can be
	// validated in O(1) without re-decoding on every dispatch.
	boundaries map[int]bool
}

// ConstValue is a constant-pool entry; the pool carries the same tags as
// the runtime value model (spec §3.4, §4.E "Constant pool").
type ConstValue struct {
	Kind ConstKind
	I    int64
	F    float64
	S    string
}

type ConstKind uint8

const (
	ConstInt ConstKind = iota
	ConstFloat
	ConstString
	ConstBool
	ConstChar
)

// Builder assembles a Program in memory, mirroring the teacher's
// NewProgram/AddInstruction pair but generalized to the full register
// instruction set, constant pool and function table.
type Builder struct {
	prog *Program
}

// NewBuilder creates an empty program builder.
func NewBuilder() *Builder {
	return &Builder{prog: &Program{boundaries: make(map[int]bool)}}
}

// AddConst appends a constant, returning its pool index. The loader is free
// to dedupe; this builder never does, matching "the runtime does not
// depend on dedup" (spec §9).
func (b *Builder) AddConst(c ConstValue) uint16 {
	b.prog.Constants = append(b.prog.Constants, c)
	return uint16(len(b.prog.Constants) - 1)
}

// AddFunction appends a function-table entry, returning its index.
func (b *Builder) AddFunction(f FuncEntry) uint16 {
	b.prog.Functions = append(b.prog.Functions, f)
	return uint16(len(b.prog.Functions) - 1)
}

// AddType appends a type-metadata entry.
func (b *Builder) AddType(t TypeEntry) uint16 {
	b.prog.Types = append(b.prog.Types, t)
	return uint16(len(b.prog.Types) - 1)
}

// Emit appends an instruction, returning the word offset it starts at.
func (b *Builder) Emit(in Instruction) int {
	off := len(b.prog.Instructions)
	b.prog.boundaries[off] = true
	b.prog.Instructions = append(b.prog.Instructions, in.Words()...)
	return off
}

// Here returns the current end-of-stream word offset, useful for computing
// jump targets before emitting the jump itself.
func (b *Builder) Here() int { return len(b.prog.Instructions) }

// Build finalizes and validates the program (entry PCs in range, jump
// targets on instruction boundaries), matching the loader contract of §6.
func (b *Builder) Build() (*Program, error) {
	p := b.prog
	if err := validateProgram(p); err != nil {
		return nil, err
	}
	return p, nil
}

func validateProgram(p *Program) error {
	for _, fn := range p.Functions {
		if fn.IsForeign {
			continue
		}
		if fn.EntryPC < 0 || fn.EntryPC >= len(p.Instructions) {
			return fmt.Errorf("function %q entry PC %d out of range [0,%d)", fn.Name, fn.EntryPC, len(p.Instructions))
		}
		if !p.boundaries[fn.EntryPC] {
			return fmt.Errorf("function %q entry PC %d does not land on an instruction boundary", fn.Name, fn.EntryPC)
		}
	}
	// Validate jump offsets land on boundaries.
	off := 0
	for off < len(p.Instructions) {
		in, size, err := DecodeAt(p.Instructions, off)
		if err != nil {
			return err
		}
		if target, ok := jumpTarget(in, off); ok {
			if target < 0 || target >= len(p.Instructions) || !p.boundaries[target] {
				return fmt.Errorf("jump at offset %d targets %d, not an instruction boundary", off, target)
			}
		}
		off += size
	}
	return nil
}

// jumpTarget returns the absolute word offset a control-transfer
// instruction targets, if any.
func jumpTarget(in Instruction, at int) (int, bool) {
	switch in.Op {
	case OpJmp, OpPushDefer, OpForPrep, OpForLoop:
		return at + int(in.SBx), true
	default:
		return 0, false
	}
}

// InstructionAt decodes the instruction starting at the given word offset.
func (p *Program) InstructionAt(offset int) (Instruction, int, error) {
	return DecodeAt(p.Instructions, offset)
}

// IsBoundary reports whether offset is the start of a decoded instruction.
func (p *Program) IsBoundary(offset int) bool {
	return p.boundaries[offset]
}

// Len returns the number of instruction words.
func (p *Program) Len() int { return len(p.Instructions) }
