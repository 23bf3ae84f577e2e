package vm

import (
	"math"
	"strconv"

	"github.com/anvil-lang/corevm/internal/corevm/bytecode"
	"github.com/anvil-lang/corevm/internal/corevm/value"
)

// Integer overflow is always checked at runtime (spec §9 open question:
// "integer-overflow checks enforced unconditionally, never trusting the
// prover"), regardless of whether the bytecode came from a trusted
// compiler or not.

func checkedAddInt(pc int, a, b int64) (int64, error) {
	r := a + b
	if (b > 0 && r < a) || (b < 0 && r > a) {
		return 0, newErr(pc, ErrIntegerOverflow, "integer overflow: %d + %d", a, b)
	}
	return r, nil
}

func checkedSubInt(pc int, a, b int64) (int64, error) {
	r := a - b
	if (b < 0 && r < a) || (b > 0 && r > a) {
		return 0, newErr(pc, ErrIntegerOverflow, "integer overflow: %d - %d", a, b)
	}
	return r, nil
}

func checkedMulInt(pc int, a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	r := a * b
	if r/b != a {
		return 0, newErr(pc, ErrIntegerOverflow, "integer overflow: %d * %d", a, b)
	}
	return r, nil
}

func checkedDivInt(pc int, a, b int64) (int64, error) {
	if b == 0 {
		return 0, newErr(pc, ErrDivideByZero, "integer division by zero")
	}
	if a == math.MinInt64 && b == -1 {
		return 0, newErr(pc, ErrIntegerOverflow, "integer overflow: %d / %d", a, b)
	}
	return a / b, nil
}

func checkedModInt(pc int, a, b int64) (int64, error) {
	if b == 0 {
		return 0, newErr(pc, ErrDivideByZero, "integer modulo by zero")
	}
	if a == math.MinInt64 && b == -1 {
		return 0, nil
	}
	return a % b, nil
}

func checkedPowInt(pc int, base, exp int64) (int64, error) {
	if exp < 0 {
		return 0, newErr(pc, ErrTypeMismatch, "negative exponent %d on integer power", exp)
	}
	result := int64(1)
	for i := int64(0); i < exp; i++ {
		var err error
		result, err = checkedMulInt(pc, result, base)
		if err != nil {
			return 0, err
		}
	}
	return result, nil
}

// numericBinOp applies an arithmetic opcode to two values of matching
// numeric kind (both Int or both Float); mixed-kind operands are a type
// error the compiler is expected to have already resolved via OpCast.
func numericBinOp(pc int, op func(a, b int64) (int64, error), fop func(a, b float64) float64, a, b value.Value) (value.Value, error) {
	if a.Kind() != b.Kind() {
		return value.Value{}, newErr(pc, ErrTypeMismatch, "arithmetic operands must share a kind, got %s and %s", a.Kind(), b.Kind())
	}
	switch a.Kind() {
	case value.KindInt:
		ai, _ := a.AsInt()
		bi, _ := b.AsInt()
		r, err := op(ai, bi)
		if err != nil {
			return value.Value{}, err
		}
		return value.Int(r), nil
	case value.KindFloat:
		af, _ := a.AsFloat()
		bf, _ := b.AsFloat()
		return value.Float(fop(af, bf)), nil
	default:
		return value.Value{}, newErr(pc, ErrTypeMismatch, "arithmetic requires int or float operands, got %s", a.Kind())
	}
}

func compareValues(pc int, a, b value.Value) (lt bool, le bool, err error) {
	if a.Kind() != b.Kind() {
		return false, false, newErr(pc, ErrTypeMismatch, "comparison operands must share a kind, got %s and %s", a.Kind(), b.Kind())
	}
	switch a.Kind() {
	case value.KindInt:
		ai, _ := a.AsInt()
		bi, _ := b.AsInt()
		return ai < bi, ai <= bi, nil
	case value.KindFloat:
		af, _ := a.AsFloat()
		bf, _ := b.AsFloat()
		return af < bf, af <= bf, nil
	case value.KindString:
		as, _ := a.AsString()
		bs, _ := b.AsString()
		return as < bs, as <= bs, nil
	case value.KindChar:
		ac, _ := a.AsChar()
		bc, _ := b.AsChar()
		return ac < bc, ac <= bc, nil
	default:
		return false, false, newErr(pc, ErrTypeMismatch, "ordering not defined for kind %s", a.Kind())
	}
}

func castValue(pc int, v value.Value, target uint8) (value.Value, error) {
	switch bytecode.CastTarget(target) {
	case bytecode.CastTargetInt:
		switch v.Kind() {
		case value.KindInt:
			return v, nil
		case value.KindFloat:
			f, _ := v.AsFloat()
			return value.Int(int64(f)), nil
		case value.KindBool:
			b, _ := v.AsBool()
			if b {
				return value.Int(1), nil
			}
			return value.Int(0), nil
		case value.KindChar:
			c, _ := v.AsChar()
			return value.Int(int64(c)), nil
		}
	case bytecode.CastTargetFloat:
		switch v.Kind() {
		case value.KindFloat:
			return v, nil
		case value.KindInt:
			i, _ := v.AsInt()
			return value.Float(float64(i)), nil
		}
	case bytecode.CastTargetBool:
		return value.Bool(v.Truthy()), nil
	case bytecode.CastTargetChar:
		switch v.Kind() {
		case value.KindChar:
			return v, nil
		case value.KindInt:
			i, _ := v.AsInt()
			return value.Char(rune(i)), nil
		}
	case bytecode.CastTargetString:
		// spec §4.E "to-string from primitive, identity otherwise".
		switch v.Kind() {
		case value.KindString:
			return v, nil
		case value.KindInt:
			i, _ := v.AsInt()
			return value.String(strconv.FormatInt(i, 10)), nil
		case value.KindFloat:
			f, _ := v.AsFloat()
			return value.String(strconv.FormatFloat(f, 'g', -1, 64)), nil
		case value.KindBool:
			b, _ := v.AsBool()
			return value.String(strconv.FormatBool(b)), nil
		case value.KindChar:
			c, _ := v.AsChar()
			return value.String(string(c)), nil
		}
	}
	return value.Value{}, newErr(pc, ErrTypeMismatch, "unsupported cast from %s to target %d", v.Kind(), target)
}
