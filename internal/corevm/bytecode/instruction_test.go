package bytecode

import "testing"

func TestEncodeDecodeABC(t *testing.T) {
	in := NewABC(OpAdd, 1, 2, 3)
	words := in.Words()
	if len(words) != 1 {
		t.Fatalf("ABC instruction should encode to 1 word, got %d", len(words))
	}
	got, size, err := DecodeAt(words, 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if size != 1 {
		t.Fatalf("size = %d, want 1", size)
	}
	if got.Op != OpAdd || got.A != 1 || got.B != 2 || got.C != 3 {
		t.Fatalf("got %+v", got)
	}
}

func TestEncodeDecodeABx(t *testing.T) {
	in := NewABx(OpLoadConst, 5, 1000)
	got, _, err := DecodeAt(in.Words(), 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Op != OpLoadConst || got.A != 5 || got.Bx != 1000 {
		t.Fatalf("got %+v", got)
	}
}

func TestEncodeDecodeAsBxSigned(t *testing.T) {
	cases := []int16{0, 1, -1, 12345, -12345, maxSBx, -maxSBx}
	for _, sbx := range cases {
		in := NewAsBx(OpJmp, 0, sbx)
		got, _, err := DecodeAt(in.Words(), 0)
		if err != nil {
			t.Fatalf("decode sBx=%d: %v", sbx, err)
		}
		if got.SBx != sbx {
			t.Fatalf("sBx round trip: want %d, got %d", sbx, got.SBx)
		}
	}
}

func TestEncodeDecodeCall(t *testing.T) {
	in := NewCall(OpCall, 2, 77, 3)
	words := in.Words()
	if len(words) != 2 {
		t.Fatalf("call instruction should encode to 2 words, got %d", len(words))
	}
	got, size, err := DecodeAt(words, 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if size != 2 {
		t.Fatalf("size = %d, want 2", size)
	}
	if got.Op != OpCall || got.A != 2 || got.FuncIdx != 77 || got.NumArgs != 3 {
		t.Fatalf("got %+v", got)
	}
}

func TestEncodeDecodeAx(t *testing.T) {
	in := NewAx(OpAddAdd, 0xABCDEF)
	got, _, err := DecodeAt(in.Words(), 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Ax != 0xABCDEF&maskAx {
		t.Fatalf("got Ax=%x", got.Ax)
	}
}

func TestDecodeAtOutOfBounds(t *testing.T) {
	if _, _, err := DecodeAt(nil, 0); err == nil {
		t.Fatal("expected error decoding empty word stream")
	}
}

func TestDecodeAtTruncatedCall(t *testing.T) {
	words := []uint32{EncodeABC(OpCall, 0, 0, 1)}
	if _, _, err := DecodeAt(words, 0); err == nil {
		t.Fatal("expected error decoding call instruction missing its function-index word")
	}
}

func TestOpCodeStringUnknown(t *testing.T) {
	var op OpCode = 255
	if op.String() == "" {
		t.Fatal("String() should never return empty")
	}
}
