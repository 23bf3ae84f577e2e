// Package value provides the tagged value representation shared by the
// bytecode, heap and VM packages.
package value

import "fmt"

// Kind discriminates the variant carried by a Value.
type Kind uint8

const (
	KindNil Kind = iota
	KindBool
	KindChar
	KindInt
	KindFloat
	KindString
	KindArray
	KindTable
	KindSome
	KindNone
	KindOk
	KindErr
	KindRef
	KindWeak
)

var kindNames = [...]string{
	KindNil:    "nil",
	KindBool:   "bool",
	KindChar:   "char",
	KindInt:    "int",
	KindFloat:  "float",
	KindString: "string",
	KindArray:  "array",
	KindTable:  "table",
	KindSome:   "some",
	KindNone:   "none",
	KindOk:     "ok",
	KindErr:    "err",
	KindRef:    "ref",
	KindWeak:   "weak",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("unknown(%d)", k)
}

// Value is a tagged sum of the primitive, aggregate and handle variants
// described in spec §3.1. Strings, arrays and tables are immediate: their
// contents live inline in the Go value, not on the heap. Only Ref and Weak
// refer to heap objects.
type Value struct {
	kind   Kind
	i      int64       // Int, Char (code unit), Bool (0/1), Ref/Weak id
	f      float64     // Float
	s      string      // String
	arr    []Value     // Array
	tbl    *Table      // Table
	wrap   *Value      // Some/Ok/Err payload
}

// Table is a mapping from field name to value that preserves first-assignment
// order for iteration determinism. Equality between tables is never defined
// structurally by key order; see Equal.
type Table struct {
	order []string
	data  map[string]Value
}

// NewTable creates an empty field table.
func NewTable() *Table {
	return &Table{data: make(map[string]Value)}
}

// Get returns the field value and whether it is present.
func (t *Table) Get(name string) (Value, bool) {
	v, ok := t.data[name]
	return v, ok
}

// Set assigns a field, recording first-assignment order for new keys.
func (t *Table) Set(name string, v Value) {
	if _, exists := t.data[name]; !exists {
		t.order = append(t.order, name)
	}
	t.data[name] = v
}

// Delete removes a field.
func (t *Table) Delete(name string) {
	if _, exists := t.data[name]; !exists {
		return
	}
	delete(t.data, name)
	for i, n := range t.order {
		if n == name {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of fields.
func (t *Table) Len() int { return len(t.data) }

// Each iterates fields in first-assignment order.
func (t *Table) Each(fn func(name string, v Value) bool) {
	for _, name := range t.order {
		if !fn(name, t.data[name]) {
			return
		}
	}
}

// Clone performs a shallow copy preserving iteration order.
func (t *Table) Clone() *Table {
	nt := &Table{
		order: append([]string(nil), t.order...),
		data:  make(map[string]Value, len(t.data)),
	}
	for k, v := range t.data {
		nt.data[k] = v
	}
	return nt
}

// Constructors.

func Nil() Value                { return Value{kind: KindNil} }
func Bool(b bool) Value         { if b { return Value{kind: KindBool, i: 1} }; return Value{kind: KindBool, i: 0} }
func Char(c rune) Value         { return Value{kind: KindChar, i: int64(c)} }
func Int(i int64) Value         { return Value{kind: KindInt, i: i} }
func Float(f float64) Value     { return Value{kind: KindFloat, f: f} }
func String(s string) Value     { return Value{kind: KindString, s: s} }
func Array(elems []Value) Value { return Value{kind: KindArray, arr: elems} }
func TableValue(t *Table) Value { return Value{kind: KindTable, tbl: t} }
func None() Value                { return Value{kind: KindNone} }
func Some(v Value) Value         { return Value{kind: KindSome, wrap: &v} }
func Ok(v Value) Value           { return Value{kind: KindOk, wrap: &v} }
func Err(v Value) Value          { return Value{kind: KindErr, wrap: &v} }
func Ref(id uint64) Value        { return Value{kind: KindRef, i: int64(id)} }
func Weak(id uint64) Value       { return Value{kind: KindWeak, i: int64(id)} }

// Kind returns the discriminant.
func (v Value) Kind() Kind { return v.kind }

// IsNil reports whether v is the Nil variant.
func (v Value) IsNil() bool { return v.kind == KindNil }

// Truthy implements the VM's notion of truthiness, used by Test/Skiz-style
// opcodes: Bool uses its value, Nil/None are false, everything else is true.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindBool:
		return v.i != 0
	case KindNil, KindNone:
		return false
	default:
		return true
	}
}

// typeErr builds the "wrong variant for opcode" runtime error described in
// spec §7. Accessors below return it rather than panicking: the compiler is
// expected to exclude these cases, but the VM is defensive.
func typeErr(want string, got Kind) error {
	return fmt.Errorf("type error: expected %s, got %s", want, got)
}

func (v Value) AsBool() (bool, error) {
	if v.kind != KindBool {
		return false, typeErr("bool", v.kind)
	}
	return v.i != 0, nil
}

func (v Value) AsChar() (rune, error) {
	if v.kind != KindChar {
		return 0, typeErr("char", v.kind)
	}
	return rune(v.i), nil
}

func (v Value) AsInt() (int64, error) {
	if v.kind != KindInt {
		return 0, typeErr("int", v.kind)
	}
	return v.i, nil
}

func (v Value) AsFloat() (float64, error) {
	if v.kind != KindFloat {
		return 0, typeErr("float", v.kind)
	}
	return v.f, nil
}

func (v Value) AsString() (string, error) {
	if v.kind != KindString {
		return "", typeErr("string", v.kind)
	}
	return v.s, nil
}

func (v Value) AsArray() ([]Value, error) {
	if v.kind != KindArray {
		return nil, typeErr("array", v.kind)
	}
	return v.arr, nil
}

func (v Value) AsTable() (*Table, error) {
	if v.kind != KindTable {
		return nil, typeErr("table", v.kind)
	}
	return v.tbl, nil
}

// AsRefID returns the heap object id for Ref or Weak variants.
func (v Value) AsRefID() (uint64, error) {
	if v.kind != KindRef && v.kind != KindWeak {
		return 0, typeErr("ref or weak", v.kind)
	}
	return uint64(v.i), nil
}

// Unwrap returns the payload of Some/Ok/Err, failing on any other variant
// (used by UnwrapOption/UnwrapResult; a Nil deref on None is the caller's
// responsibility to detect separately, per spec §7).
func (v Value) Unwrap() (Value, error) {
	if v.wrap == nil {
		return Value{}, typeErr("some/ok/err", v.kind)
	}
	return *v.wrap, nil
}

// Equal implements structural equality per spec §4.A: Nil==Nil, wrappers
// compare by contents, Ref/Weak compare by id, strings by bytes, arrays/
// tables element-wise.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNil, KindNone:
		return true
	case KindBool, KindChar, KindInt, KindRef, KindWeak:
		return a.i == b.i
	case KindFloat:
		return a.f == b.f
	case KindString:
		return a.s == b.s
	case KindSome, KindOk, KindErr:
		return Equal(*a.wrap, *b.wrap)
	case KindArray:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !Equal(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	case KindTable:
		if a.tbl.Len() != b.tbl.Len() {
			return false
		}
		eq := true
		a.tbl.Each(func(name string, av Value) bool {
			bv, ok := b.tbl.Get(name)
			if !ok || !Equal(av, bv) {
				eq = false
				return false
			}
			return true
		})
		return eq
	default:
		return false
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindNil:
		return "nil"
	case KindBool:
		if v.i != 0 {
			return "true"
		}
		return "false"
	case KindChar:
		return fmt.Sprintf("%q", rune(v.i))
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindString:
		return v.s
	case KindArray:
		return fmt.Sprintf("array[%d]", len(v.arr))
	case KindTable:
		return fmt.Sprintf("table[%d]", v.tbl.Len())
	case KindSome:
		return fmt.Sprintf("Some(%s)", v.wrap.String())
	case KindNone:
		return "None"
	case KindOk:
		return fmt.Sprintf("Ok(%s)", v.wrap.String())
	case KindErr:
		return fmt.Sprintf("Err(%s)", v.wrap.String())
	case KindRef:
		return fmt.Sprintf("ref(%d)", v.i)
	case KindWeak:
		return fmt.Sprintf("weak(%d)", v.i)
	default:
		return "?"
	}
}
