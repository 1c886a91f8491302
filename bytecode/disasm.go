package bytecode

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Disassemble renders a human-readable listing of fn's instruction
// stream: one line per instruction, offset-prefixed, with inline operands
// decoded and jump targets shown as absolute offsets. Grounded on the
// teacher's disassembler output shape (offset, mnemonic, operand column).
func Disassemble(fn Function) string {
	var b strings.Builder
	fmt.Fprintf(&b, "function %s(arity=%d):\n", fn.Name, fn.Arity)
	code := fn.Bytecode
	ip := 0
	for ip < len(code) {
		start := ip
		op := OpCode(code[ip])
		ip++
		fmt.Fprintf(&b, "  %04d  %-14s", start, op)
		switch op {
		case PUSH_INT:
			if ip+8 > len(code) {
				fmt.Fprintf(&b, "<truncated>")
				ip = len(code)
				break
			}
			v := int64(binary.LittleEndian.Uint64(code[ip : ip+8]))
			fmt.Fprintf(&b, "%d", v)
			ip += 8
		case PUSH_FLOAT:
			if ip+8 > len(code) {
				fmt.Fprintf(&b, "<truncated>")
				ip = len(code)
				break
			}
			v := math.Float64frombits(binary.LittleEndian.Uint64(code[ip : ip+8]))
			fmt.Fprintf(&b, "%g", v)
			ip += 8
		case PUSH_STRING, LOAD_VAR, STORE_VAR:
			s, n, ok := readString(code, ip)
			if !ok {
				fmt.Fprintf(&b, "<truncated>")
				ip = len(code)
				break
			}
			fmt.Fprintf(&b, "%q", s)
			ip += n
		case LOAD_LOCAL, STORE_LOCAL:
			if ip >= len(code) {
				fmt.Fprintf(&b, "<truncated>")
				ip = len(code)
				break
			}
			fmt.Fprintf(&b, "%d", code[ip])
			ip++
		case JUMP, JUMP_IF_FALSE:
			if ip+2 > len(code) {
				fmt.Fprintf(&b, "<truncated>")
				ip = len(code)
				break
			}
			target := binary.LittleEndian.Uint16(code[ip : ip+2])
			fmt.Fprintf(&b, "-> %04d", target)
			ip += 2
		case CALL:
			s, n, ok := readString(code, ip)
			if !ok || ip+n >= len(code) {
				fmt.Fprintf(&b, "<truncated>")
				ip = len(code)
				break
			}
			ip += n
			argc := code[ip]
			ip++
			fmt.Fprintf(&b, "%s, argc=%d", s, argc)
		default:
			// POP DUP ADD SUB MUL DIV MOD NEG EQ NE LT LE GT GE AND OR
			// NOT BIT_AND BIT_OR BIT_XOR BIT_NOT SHL SHR RETURN PRINT
			// HALT carry no operands.
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func readString(code []byte, ip int) (string, int, bool) {
	if ip+2 > len(code) {
		return "", 0, false
	}
	n := int(binary.LittleEndian.Uint16(code[ip : ip+2]))
	if ip+2+n > len(code) {
		return "", 0, false
	}
	return string(code[ip+2 : ip+2+n]), 2 + n, true
}
