package vm

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/omscript/govm/bytecode"
	"github.com/omscript/govm/value"
)

// execute runs one function body to completion, re-entering itself
// recursively for every CALL -- the host call stack doubles as the
// bytecode call stack, exactly like the reference engine's execute().
// depth is the current recursion depth, checked against MaxCallDepth
// before each call so a runaway recursive script fails with a
// RuntimeError instead of overflowing the Go stack.
func (v *VM) execute(fn bytecode.Function, locals []value.Value, depth int) (value.Value, error) {
	code := fn.Bytecode
	base := len(v.stack)
	ip := 0

	for ip < len(code) {
		op := bytecode.OpCode(code[ip])
		ip++

		switch op {
		case bytecode.PUSH_INT:
			n := int64(binary.LittleEndian.Uint64(code[ip : ip+8]))
			ip += 8
			if err := v.push(value.Integer(n)); err != nil {
				return value.None, err
			}

		case bytecode.PUSH_FLOAT:
			bits := binary.LittleEndian.Uint64(code[ip : ip+8])
			ip += 8
			if err := v.push(value.Float(math.Float64frombits(bits))); err != nil {
				return value.None, err
			}

		case bytecode.PUSH_STRING:
			s, next, ok := readString(code, ip)
			if !ok {
				return value.None, runtimeError("PUSH_STRING", "truncated operand at offset %d", ip)
			}
			ip = next
			if err := v.push(value.String(s)); err != nil {
				return value.None, err
			}

		case bytecode.POP:
			if _, err := v.pop(base); err != nil {
				return value.None, err
			}

		case bytecode.DUP:
			top, err := v.peek(base)
			if err != nil {
				return value.None, err
			}
			if err := v.push(top.Retain()); err != nil {
				return value.None, err
			}

		case bytecode.ADD, bytecode.SUB, bytecode.MUL, bytecode.DIV, bytecode.MOD,
			bytecode.EQ, bytecode.NE, bytecode.LT, bytecode.LE, bytecode.GT, bytecode.GE,
			bytecode.AND, bytecode.OR,
			bytecode.BIT_AND, bytecode.BIT_OR, bytecode.BIT_XOR, bytecode.SHL, bytecode.SHR:
			if err := v.binaryOp(op, base); err != nil {
				return value.None, err
			}

		case bytecode.NEG, bytecode.NOT, bytecode.BIT_NOT:
			if err := v.unaryOp(op, base); err != nil {
				return value.None, err
			}

		case bytecode.LOAD_VAR:
			name, next, ok := readString(code, ip)
			if !ok {
				return value.None, runtimeError("LOAD_VAR", "truncated operand at offset %d", ip)
			}
			ip = next
			val, ok := v.globals[name]
			if !ok {
				return value.None, runtimeError("LOAD_VAR", "undefined global %q", name)
			}
			if err := v.push(val); err != nil {
				return value.None, err
			}

		case bytecode.STORE_VAR:
			name, next, ok := readString(code, ip)
			if !ok {
				return value.None, runtimeError("STORE_VAR", "truncated operand at offset %d", ip)
			}
			ip = next
			top, err := v.peek(base)
			if err != nil {
				return value.None, err
			}
			v.globals[name] = top

		case bytecode.LOAD_LOCAL:
			idx := int(code[ip])
			ip++
			if idx >= len(locals) {
				return value.None, runtimeError("LOAD_LOCAL", "local index %d out of range (have %d)", idx, len(locals))
			}
			if err := v.push(locals[idx]); err != nil {
				return value.None, err
			}

		case bytecode.STORE_LOCAL:
			idx := int(code[ip])
			ip++
			top, err := v.peek(base)
			if err != nil {
				return value.None, err
			}
			if idx >= len(locals) {
				grown := make([]value.Value, idx+1)
				copy(grown, locals)
				locals = grown
			}
			locals[idx] = top

		case bytecode.JUMP:
			ip = int(binary.LittleEndian.Uint16(code[ip : ip+2]))

		case bytecode.JUMP_IF_FALSE:
			target := int(binary.LittleEndian.Uint16(code[ip : ip+2]))
			ip += 2
			cond, err := v.pop(base)
			if err != nil {
				return value.None, err
			}
			if !cond.IsTruthy() {
				ip = target
			}

		case bytecode.CALL:
			name, next, ok := readString(code, ip)
			if !ok {
				return value.None, runtimeError("CALL", "truncated operand at offset %d", ip)
			}
			ip = next
			argc := int(code[ip])
			ip++
			result, err := v.dispatchCall(name, argc, depth)
			if err != nil {
				return value.None, err
			}
			if err := v.push(result); err != nil {
				return value.None, err
			}

		case bytecode.RETURN:
			if len(v.stack) <= base {
				return value.Integer(0), nil
			}
			return v.pop(base)

		case bytecode.PRINT:
			top, err := v.pop(base)
			if err != nil {
				return value.None, err
			}
			fmt.Fprintln(v.output, top.Display())

		case bytecode.HALT:
			v.trimStack(base)
			return value.None, nil

		default:
			return value.None, runtimeError("execute", "unknown opcode %d at offset %d", op, ip-1)
		}
	}

	// Falling off the end of the bytecode stream behaves like an implicit
	// RETURN of whatever (if anything) remains on the operand stack.
	if len(v.stack) <= base {
		return value.Integer(0), nil
	}
	return v.pop(base)
}

// readString decodes a u16-length-prefixed string operand starting at
// ip, returning the string, the offset just past it, and whether the
// read was in-bounds.
func readString(code []byte, ip int) (string, int, bool) {
	if ip+2 > len(code) {
		return "", ip, false
	}
	n := int(binary.LittleEndian.Uint16(code[ip : ip+2]))
	ip += 2
	if ip+n > len(code) {
		return "", ip, false
	}
	return string(code[ip : ip+n]), ip + n, true
}
