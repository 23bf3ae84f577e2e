package bytecode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
)

// Magic identifies the binary program format described in spec §6.
var Magic = [4]byte{'C', 'V', 'M', '1'}

// FormatVersion is the current loader version.
const FormatVersion uint32 = 1

// Load deserializes a program from the canonical binary interchange form:
// magic header + version, constant pool, function table, type metadata,
// instruction vector, each length-prefixed, integers little-endian,
// strings length-prefixed UTF-8 (spec §6). A trailing blake2b-256 digest
// over every preceding byte guards against truncation/corruption; Load
// rejects a program whose digest does not match before attempting to
// interpret any section.
func Load(r io.Reader) (*Program, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read program: %w", err)
	}
	if len(raw) < 32 {
		return nil, fmt.Errorf("program too short to contain a digest")
	}
	body, digest := raw[:len(raw)-32], raw[len(raw)-32:]
	sum := blake2b.Sum256(body)
	if !bytes.Equal(sum[:], digest) {
		return nil, fmt.Errorf("program digest mismatch: corrupt or truncated bytecode")
	}

	buf := bytes.NewReader(body)

	var magic [4]byte
	if _, err := io.ReadFull(buf, magic[:]); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if magic != Magic {
		return nil, fmt.Errorf("bad magic %q, want %q", magic, Magic)
	}

	var version uint32
	if err := binary.Read(buf, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("read version: %w", err)
	}
	if version != FormatVersion {
		return nil, fmt.Errorf("unsupported format version %d", version)
	}

	consts, err := readConsts(buf)
	if err != nil {
		return nil, fmt.Errorf("read constants: %w", err)
	}
	funcs, err := readFuncs(buf)
	if err != nil {
		return nil, fmt.Errorf("read functions: %w", err)
	}
	types, err := readTypes(buf)
	if err != nil {
		return nil, fmt.Errorf("read types: %w", err)
	}
	instrs, err := readInstructions(buf)
	if err != nil {
		return nil, fmt.Errorf("read instructions: %w", err)
	}

	p := &Program{
		Constants:    consts,
		Functions:    funcs,
		Types:        types,
		Instructions: instrs,
		boundaries:   make(map[int]bool),
	}
	markBoundaries(p)
	if err := validateProgram(p); err != nil {
		return nil, fmt.Errorf("validate program: %w", err)
	}
	return p, nil
}

// Store serializes a program to the canonical binary form plus trailing
// integrity digest.
func Store(w io.Writer, p *Program) error {
	var body bytes.Buffer
	body.Write(Magic[:])
	if err := binary.Write(&body, binary.LittleEndian, FormatVersion); err != nil {
		return err
	}
	if err := writeConsts(&body, p.Constants); err != nil {
		return err
	}
	if err := writeFuncs(&body, p.Functions); err != nil {
		return err
	}
	if err := writeTypes(&body, p.Types); err != nil {
		return err
	}
	if err := writeInstructions(&body, p.Instructions); err != nil {
		return err
	}
	sum := blake2b.Sum256(body.Bytes())
	if _, err := w.Write(body.Bytes()); err != nil {
		return err
	}
	_, err := w.Write(sum[:])
	return err
}

func markBoundaries(p *Program) {
	off := 0
	for off < len(p.Instructions) {
		in, size, err := DecodeAt(p.Instructions, off)
		if err != nil {
			break
		}
		p.boundaries[off] = true
		_ = in
		off += size
	}
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeConsts(w io.Writer, consts []ConstValue) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(consts))); err != nil {
		return err
	}
	for _, c := range consts {
		if err := binary.Write(w, binary.LittleEndian, c.Kind); err != nil {
			return err
		}
		switch c.Kind {
		case ConstInt:
			if err := binary.Write(w, binary.LittleEndian, c.I); err != nil {
				return err
			}
		case ConstChar:
			if err := binary.Write(w, binary.LittleEndian, c.I); err != nil {
				return err
			}
		case ConstBool:
			var b byte
			if c.I != 0 {
				b = 1
			}
			if err := binary.Write(w, binary.LittleEndian, b); err != nil {
				return err
			}
		case ConstFloat:
			if err := binary.Write(w, binary.LittleEndian, c.F); err != nil {
				return err
			}
		case ConstString:
			if err := writeString(w, c.S); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown const kind %d", c.Kind)
		}
	}
	return nil
}

func readConsts(r io.Reader) ([]ConstValue, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	out := make([]ConstValue, n)
	for i := range out {
		var kind ConstKind
		if err := binary.Read(r, binary.LittleEndian, &kind); err != nil {
			return nil, err
		}
		c := ConstValue{Kind: kind}
		switch kind {
		case ConstInt, ConstChar:
			if err := binary.Read(r, binary.LittleEndian, &c.I); err != nil {
				return nil, err
			}
		case ConstBool:
			var b byte
			if err := binary.Read(r, binary.LittleEndian, &b); err != nil {
				return nil, err
			}
			if b != 0 {
				c.I = 1
			}
		case ConstFloat:
			if err := binary.Read(r, binary.LittleEndian, &c.F); err != nil {
				return nil, err
			}
		case ConstString:
			s, err := readString(r)
			if err != nil {
				return nil, err
			}
			c.S = s
		default:
			return nil, fmt.Errorf("unknown const kind %d", kind)
		}
		out[i] = c
	}
	return out, nil
}

func writeFuncs(w io.Writer, funcs []FuncEntry) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(funcs))); err != nil {
		return err
	}
	for _, f := range funcs {
		if err := writeString(w, f.Name); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, int32(f.EntryPC)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, int32(f.ParamCount)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, int32(f.RegisterCount)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(f.ParamNames))); err != nil {
			return err
		}
		for _, n := range f.ParamNames {
			if err := writeString(w, n); err != nil {
				return err
			}
		}
		isForeign := byte(0)
		if f.IsForeign {
			isForeign = 1
		}
		if err := binary.Write(w, binary.LittleEndian, isForeign); err != nil {
			return err
		}
		if f.IsForeign {
			if err := writeString(w, f.Foreign.Library); err != nil {
				return err
			}
			if err := writeString(w, f.Foreign.Symbol); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, uint32(len(f.Foreign.ParamKinds))); err != nil {
				return err
			}
			for _, k := range f.Foreign.ParamKinds {
				if err := binary.Write(w, binary.LittleEndian, k); err != nil {
					return err
				}
			}
			if err := binary.Write(w, binary.LittleEndian, f.Foreign.ReturnKind); err != nil {
				return err
			}
		}
	}
	return nil
}

func readFuncs(r io.Reader) ([]FuncEntry, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	out := make([]FuncEntry, n)
	for i := range out {
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		var entryPC, paramCount, regCount int32
		if err := binary.Read(r, binary.LittleEndian, &entryPC); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &paramCount); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &regCount); err != nil {
			return nil, err
		}
		var numNames uint32
		if err := binary.Read(r, binary.LittleEndian, &numNames); err != nil {
			return nil, err
		}
		names := make([]string, numNames)
		for j := range names {
			s, err := readString(r)
			if err != nil {
				return nil, err
			}
			names[j] = s
		}
		var isForeign byte
		if err := binary.Read(r, binary.LittleEndian, &isForeign); err != nil {
			return nil, err
		}
		fe := FuncEntry{
			Name: name, EntryPC: int(entryPC), ParamCount: int(paramCount),
			RegisterCount: int(regCount), ParamNames: names, IsForeign: isForeign != 0,
		}
		if fe.IsForeign {
			lib, err := readString(r)
			if err != nil {
				return nil, err
			}
			sym, err := readString(r)
			if err != nil {
				return nil, err
			}
			var numKinds uint32
			if err := binary.Read(r, binary.LittleEndian, &numKinds); err != nil {
				return nil, err
			}
			kinds := make([]ForeignKind, numKinds)
			for k := range kinds {
				if err := binary.Read(r, binary.LittleEndian, &kinds[k]); err != nil {
					return nil, err
				}
			}
			var retKind ForeignKind
			if err := binary.Read(r, binary.LittleEndian, &retKind); err != nil {
				return nil, err
			}
			fe.Foreign = &ForeignDescriptor{Library: lib, Symbol: sym, ParamKinds: kinds, ReturnKind: retKind}
		}
		out[i] = fe
	}
	return out, nil
}

func writeTypes(w io.Writer, types []TypeEntry) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(types))); err != nil {
		return err
	}
	for _, t := range types {
		if err := writeString(w, t.Name); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, int32(t.DestructorIdx)); err != nil {
			return err
		}
	}
	return nil
}

func readTypes(r io.Reader) ([]TypeEntry, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	out := make([]TypeEntry, n)
	for i := range out {
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		var destructor int32
		if err := binary.Read(r, binary.LittleEndian, &destructor); err != nil {
			return nil, err
		}
		out[i] = TypeEntry{Name: name, DestructorIdx: int(destructor)}
	}
	return out, nil
}

func writeInstructions(w io.Writer, words []uint32) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(words))); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, words)
}

func readInstructions(r io.Reader) ([]uint32, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	words := make([]uint32, n)
	if err := binary.Read(r, binary.LittleEndian, &words); err != nil {
		return nil, err
	}
	return words, nil
}
