package bytecode

import (
	"bytes"
	"testing"

	"golang.org/x/crypto/blake2b"
)

func buildAddOneProgram(t *testing.T) *Program {
	t.Helper()
	b := NewBuilder()
	c := b.AddConst(ConstValue{Kind: ConstInt, I: 1})
	b.AddFunction(FuncEntry{Name: "addOne", EntryPC: 0, ParamCount: 1, RegisterCount: 2})
	b.Emit(NewABx(OpLoadConst, 1, uint16(c)))
	b.Emit(NewABC(OpAdd, 0, 0, 1))
	b.Emit(NewABC(OpReturn, 0, 1, 0))
	p, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return p
}

func TestBuilderValidProgram(t *testing.T) {
	buildAddOneProgram(t)
}

func TestBuilderRejectsEntryPCOffBoundary(t *testing.T) {
	b := NewBuilder()
	b.AddFunction(FuncEntry{Name: "bad", EntryPC: 1, ParamCount: 0, RegisterCount: 1})
	b.Emit(NewABC(OpReturn, 0, 0, 0))
	if _, err := b.Build(); err == nil {
		t.Fatal("expected entry PC boundary violation to be rejected")
	}
}

func TestBuilderRejectsJumpOffBoundary(t *testing.T) {
	b := NewBuilder()
	b.Emit(NewAsBx(OpJmp, 0, 1)) // lands mid-nowhere, single-word program
	if _, err := b.Build(); err == nil {
		t.Fatal("expected off-boundary jump target to be rejected")
	}
}

func TestStoreLoadRoundTrip(t *testing.T) {
	p := buildAddOneProgram(t)
	var buf bytes.Buffer
	if err := Store(&buf, p); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := Load(&buf)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Len() != p.Len() {
		t.Fatalf("instruction length mismatch: got %d want %d", got.Len(), p.Len())
	}
	if len(got.Functions) != 1 || got.Functions[0].Name != "addOne" {
		t.Fatalf("function table mismatch: %+v", got.Functions)
	}
	if len(got.Constants) != 1 || got.Constants[0].I != 1 {
		t.Fatalf("constant pool mismatch: %+v", got.Constants)
	}
}

func TestLoadRejectsCorruptDigest(t *testing.T) {
	p := buildAddOneProgram(t)
	var buf bytes.Buffer
	if err := Store(&buf, p); err != nil {
		t.Fatalf("store: %v", err)
	}
	raw := buf.Bytes()
	raw[0] ^= 0xFF // corrupt the magic inside the digested body
	if _, err := Load(bytes.NewReader(raw)); err == nil {
		t.Fatal("expected digest mismatch to be rejected")
	}
}

func TestLoadRejectsBadMagic(t *testing.T) {
	// A zeroed body with a matching digest gets past the digest check, so
	// the rejection comes from the magic header.
	body := make([]byte, 40)
	sum := blake2b.Sum256(body)
	raw := append(body, sum[:]...)
	if _, err := Load(bytes.NewReader(raw)); err == nil {
		t.Fatal("expected bad magic to be rejected")
	}
}

func TestForeignFunctionRoundTrip(t *testing.T) {
	b := NewBuilder()
	b.AddFunction(FuncEntry{
		Name: "native_sqrt", IsForeign: true,
		Foreign: &ForeignDescriptor{
			Library: "libm", Symbol: "sqrt",
			ParamKinds: []ForeignKind{ForeignFloat}, ReturnKind: ForeignFloat,
		},
	})
	b.Emit(NewABC(OpReturn, 0, 0, 0))
	p, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var buf bytes.Buffer
	if err := Store(&buf, p); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := Load(&buf)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	fe := got.Functions[0]
	if !fe.IsForeign || fe.Foreign.Symbol != "sqrt" || fe.Foreign.ReturnKind != ForeignFloat {
		t.Fatalf("foreign descriptor mismatch: %+v", fe)
	}
}

func TestDisassembleDoesNotPanic(t *testing.T) {
	p := buildAddOneProgram(t)
	out := Disassemble(p)
	if out == "" {
		t.Fatal("expected non-empty disassembly")
	}
}
