package vm

import (
	"github.com/omscript/govm/bytecode"
	"github.com/omscript/govm/value"
)

// binaryOp pops the two operands for a binary opcode and dispatches to
// the matching value.* operator. Integer/Integer and Float/Float pairs
// take a fast path straight into the matching int64/float64 Go operator,
// short-circuiting the generic value.Value dispatch (which still has to
// pay for the promotion-rule and type-mismatch checks every mixed or
// String operand needs); any other operand shape falls through to the
// general value.Add/Sub/... functions, which handle promotion, string
// concatenation, and type errors uniformly.
func (v *VM) binaryOp(op bytecode.OpCode, base int) error {
	b, err := v.pop(base)
	if err != nil {
		return err
	}
	a, err := v.pop(base)
	if err != nil {
		return err
	}

	if a.Kind() == value.KindInteger && b.Kind() == value.KindInteger {
		if result, ok, err := intFastPath(op, a.AsInt(), b.AsInt()); ok {
			if err != nil {
				return runtimeError(op.String(), "%s", err)
			}
			return v.push(result)
		}
	} else if a.Kind() == value.KindFloat && b.Kind() == value.KindFloat {
		if result, ok := floatFastPath(op, a.AsFloat(), b.AsFloat()); ok {
			return v.push(result)
		}
	}

	result, err := genericBinaryOp(op, a, b)
	if err != nil {
		return runtimeError(op.String(), "%s", err)
	}
	return v.push(result)
}

// intFastPath handles every binary opcode that is meaningful between two
// Integers without going through value.Value's generic promotion path.
// ok is false for opcodes this fast path doesn't cover (there are none
// today -- every binary opcode has an int/int case -- but the shape
// keeps genericBinaryOp as the single source of truth for semantics,
// since the fast path's arithmetic must stay byte-for-byte identical to
// it, including wrapping overflow).
func intFastPath(op bytecode.OpCode, a, b int64) (value.Value, bool, error) {
	switch op {
	case bytecode.ADD:
		return value.Integer(a + b), true, nil
	case bytecode.SUB:
		return value.Integer(a - b), true, nil
	case bytecode.MUL:
		return value.Integer(a * b), true, nil
	case bytecode.DIV:
		if b == 0 {
			return value.None, true, errDivByZero
		}
		return value.Integer(a / b), true, nil
	case bytecode.MOD:
		if b == 0 {
			return value.None, true, errModByZero
		}
		return value.Integer(a % b), true, nil
	case bytecode.EQ:
		return boolInt(a == b), true, nil
	case bytecode.NE:
		return boolInt(a != b), true, nil
	case bytecode.LT:
		return boolInt(a < b), true, nil
	case bytecode.LE:
		return boolInt(a <= b), true, nil
	case bytecode.GT:
		return boolInt(a > b), true, nil
	case bytecode.GE:
		return boolInt(a >= b), true, nil
	case bytecode.AND:
		return boolInt(a != 0 && b != 0), true, nil
	case bytecode.OR:
		return boolInt(a != 0 || b != 0), true, nil
	case bytecode.BIT_AND:
		return value.Integer(a & b), true, nil
	case bytecode.BIT_OR:
		return value.Integer(a | b), true, nil
	case bytecode.BIT_XOR:
		return value.Integer(a ^ b), true, nil
	case bytecode.SHL:
		if b < 0 || b > 63 {
			return value.None, true, errShiftRange
		}
		return value.Integer(a << uint(b)), true, nil
	case bytecode.SHR:
		if b < 0 || b > 63 {
			return value.None, true, errShiftRange
		}
		return value.Integer(a >> uint(b)), true, nil
	default:
		return value.None, false, nil
	}
}

func floatFastPath(op bytecode.OpCode, a, b float64) (value.Value, bool) {
	switch op {
	case bytecode.ADD:
		return value.Float(a + b), true
	case bytecode.SUB:
		return value.Float(a - b), true
	case bytecode.MUL:
		return value.Float(a * b), true
	case bytecode.DIV:
		return value.Float(a / b), true
	case bytecode.EQ:
		return boolInt(a == b), true
	case bytecode.NE:
		return boolInt(a != b), true
	case bytecode.LT:
		return boolInt(a < b), true
	case bytecode.LE:
		return boolInt(a <= b), true
	case bytecode.GT:
		return boolInt(!(a <= b)), true
	case bytecode.GE:
		return boolInt(!(a < b)), true
	default:
		return value.None, false
	}
}

func boolInt(b bool) value.Value {
	if b {
		return value.Integer(1)
	}
	return value.Integer(0)
}

// genericBinaryOp is the single source of truth for every binary
// opcode's semantics: the fast paths above must agree with it exactly.
func genericBinaryOp(op bytecode.OpCode, a, b value.Value) (value.Value, error) {
	switch op {
	case bytecode.ADD:
		return value.Add(a, b)
	case bytecode.SUB:
		return value.Sub(a, b)
	case bytecode.MUL:
		return value.Mul(a, b)
	case bytecode.DIV:
		return value.Div(a, b)
	case bytecode.MOD:
		return value.Mod(a, b)
	case bytecode.EQ:
		return value.Eq(a, b), nil
	case bytecode.NE:
		return value.Ne(a, b), nil
	case bytecode.LT:
		return value.Lt(a, b)
	case bytecode.LE:
		return value.Le(a, b)
	case bytecode.GT:
		return value.Gt(a, b)
	case bytecode.GE:
		return value.Ge(a, b)
	case bytecode.AND:
		return value.And(a, b), nil
	case bytecode.OR:
		return value.Or(a, b), nil
	case bytecode.BIT_AND:
		return value.BitAnd(a, b)
	case bytecode.BIT_OR:
		return value.BitOr(a, b)
	case bytecode.BIT_XOR:
		return value.BitXor(a, b)
	case bytecode.SHL:
		return value.Shl(a, b)
	case bytecode.SHR:
		return value.Shr(a, b)
	default:
		return value.None, runtimeError(op.String(), "not a binary opcode")
	}
}

func (v *VM) unaryOp(op bytecode.OpCode, base int) error {
	a, err := v.pop(base)
	if err != nil {
		return err
	}
	var result value.Value
	switch op {
	case bytecode.NEG:
		result, err = value.Neg(a)
	case bytecode.NOT:
		result = value.Not(a)
	case bytecode.BIT_NOT:
		result, err = value.BitNot(a)
	default:
		return runtimeError(op.String(), "not a unary opcode")
	}
	if err != nil {
		return runtimeError(op.String(), "%s", err)
	}
	return v.push(result)
}
