package jit

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/omscript/govm/bytecode"
)

// scanResult is the output of Phase 1: the pre-scan that establishes
// basic-block boundaries and the number of local slots the function
// touches. An opcode outside the chosen specialization's supported subset
// makes scan return an error instead of a scanResult.
type scanResult struct {
	blockStarts map[int]bool
	numLocals   int
}

// scan walks code once, exactly mirroring the reference compiler's
// pre-scan: PUSH_INT/PUSH_FLOAT skip their inline operand, the
// no-operand arithmetic/logic/bitwise/stack opcodes fall through,
// LOAD_LOCAL/STORE_LOCAL extend the local-slot count, JUMP/JUMP_IF_FALSE
// register both their target and their fallthrough as block starts, and
// RETURN registers the following offset as a block start (a dead block,
// harmless to create). Any opcode outside `supported` aborts the scan.
func scan(fn bytecode.Function, supported map[bytecode.OpCode]bool) (*scanResult, error) {
	code := fn.Bytecode
	res := &scanResult{blockStarts: map[int]bool{0: true}}

	maxLocal := -1
	if fn.Arity > 0 {
		maxLocal = int(fn.Arity) - 1
	}

	ip := 0
	for ip < len(code) {
		op := bytecode.OpCode(code[ip])
		ip++
		if !supported[op] {
			return nil, fmt.Errorf("jit: unsupported opcode %s at offset %d", op, ip-1)
		}
		switch op {
		case bytecode.PUSH_INT, bytecode.PUSH_FLOAT:
			if ip+8 > len(code) {
				return nil, fmt.Errorf("jit: truncated operand at offset %d", ip)
			}
			ip += 8
		case bytecode.LOAD_LOCAL, bytecode.STORE_LOCAL:
			if ip >= len(code) {
				return nil, fmt.Errorf("jit: truncated operand at offset %d", ip)
			}
			idx := int(code[ip])
			ip++
			if idx > maxLocal {
				maxLocal = idx
			}
		case bytecode.JUMP, bytecode.JUMP_IF_FALSE:
			if ip+2 > len(code) {
				return nil, fmt.Errorf("jit: truncated jump target at offset %d", ip)
			}
			target := int(binary.LittleEndian.Uint16(code[ip : ip+2]))
			ip += 2
			if target > len(code) {
				return nil, fmt.Errorf("jit: jump target %d out of range", target)
			}
			res.blockStarts[target] = true
			res.blockStarts[ip] = true
		case bytecode.RETURN:
			res.blockStarts[ip] = true
		default:
			// POP DUP ADD SUB MUL DIV MOD NEG EQ NE LT LE GT GE AND OR
			// NOT BIT_AND BIT_OR BIT_XOR BIT_NOT SHL SHR carry no
			// operands and need no extra bookkeeping.
		}
	}
	res.numLocals = maxLocal + 1
	if res.numLocals < 0 {
		res.numLocals = 0
	}
	return res, nil
}

func sortedBlockStarts(starts map[int]bool) []int {
	out := make([]int, 0, len(starts))
	for s := range starts {
		out = append(out, s)
	}
	sort.Ints(out)
	return out
}
