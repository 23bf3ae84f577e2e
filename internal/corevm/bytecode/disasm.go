package bytecode

import (
	"fmt"
	"strings"
)

// Disassemble renders a program's instruction stream as human-readable text,
// one line per instruction, annotated with the enclosing function name where
// known. Grounded on the teacher's Instruction.String()/InstructionInfo
// debug rendering, generalized to the register operand layouts.
func Disassemble(p *Program) string {
	var b strings.Builder
	funcAt := make(map[int]string, len(p.Functions))
	for _, fn := range p.Functions {
		if !fn.IsForeign {
			funcAt[fn.EntryPC] = fn.Name
		}
	}

	off := 0
	for off < len(p.Instructions) {
		if name, ok := funcAt[off]; ok {
			fmt.Fprintf(&b, "%s:\n", name)
		}
		in, size, err := DecodeAt(p.Instructions, off)
		if err != nil {
			fmt.Fprintf(&b, "%6d  <bad instruction: %v>\n", off, err)
			break
		}
		fmt.Fprintf(&b, "%6d  %s\n", off, instructionText(in, off, p))
		off += size
	}
	return b.String()
}

func instructionText(in Instruction, at int, p *Program) string {
	switch in.Layout {
	case LayoutABC:
		return fmt.Sprintf("%-14s A=%d B=%d C=%d", in.Op, in.A, in.B, in.C)
	case LayoutABx:
		return fmt.Sprintf("%-14s A=%d Bx=%d%s", in.Op, in.A, in.Bx, constAnnotation(in, p))
	case LayoutAsBx:
		target := at + int(in.SBx)
		return fmt.Sprintf("%-14s A=%d sBx=%d -> %d", in.Op, in.A, in.SBx, target)
	case LayoutCall:
		return fmt.Sprintf("%-14s func=%d nargs=%d dst=%d", in.Op, in.FuncIdx, in.NumArgs, in.A)
	case LayoutAx:
		return fmt.Sprintf("%-14s Ax=%d", in.Op, in.Ax)
	default:
		return in.Op.String()
	}
}

func constAnnotation(in Instruction, p *Program) string {
	if in.Op != OpLoadConst {
		return ""
	}
	idx := int(in.Bx)
	if idx < 0 || idx >= len(p.Constants) {
		return ""
	}
	c := p.Constants[idx]
	switch c.Kind {
	case ConstInt:
		return fmt.Sprintf(" ; %d", c.I)
	case ConstFloat:
		return fmt.Sprintf(" ; %g", c.F)
	case ConstString:
		return fmt.Sprintf(" ; %q", c.S)
	case ConstBool:
		return fmt.Sprintf(" ; %t", c.I != 0)
	case ConstChar:
		return fmt.Sprintf(" ; %q", rune(c.I))
	default:
		return ""
	}
}
