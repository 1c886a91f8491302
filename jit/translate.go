package jit

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/omscript/govm/bytecode"
)

// translate runs Phase 2 (block skeleton) and Phase 3 (per-block
// translation) together: it builds one basic block per entry in the
// Phase 1 scan and fills each with IR, tracking a compile-time operand
// stack of slot indices. Any stack underflow, unknown opcode, malformed
// branch target, or stack-not-empty-at-a-branch violation aborts with an
// error, which Compile turns into the sticky Failed state.
func translate(fn bytecode.Function, spec Specialization) (*irFunction, error) {
	supported := bytecode.IntOnlySupported
	if spec == FloatOnly {
		supported = bytecode.FloatOnlySupported
	}

	sr, err := scan(fn, supported)
	if err != nil {
		return nil, err
	}

	starts := sortedBlockStarts(sr.blockStarts)
	code := fn.Bytecode

	t := &translator{
		code:    code,
		spec:    spec,
		nextSlt: 0,
	}

	blocks := make([]*block, 0, len(starts))
	blockAt := make(map[int]*block, len(starts))
	for _, s := range starts {
		b := &block{start: s}
		blocks = append(blocks, b)
		blockAt[s] = b
	}

	for i, b := range blocks {
		if b.start >= len(code) {
			continue
		}
		end := len(code)
		if i+1 < len(blocks) {
			end = blocks[i+1].start
		}
		if err := t.translateBlock(b, end, blockAt); err != nil {
			return nil, err
		}
	}

	return &irFunction{
		blocks:    blocks,
		numLocals: sr.numLocals,
		numSlots:  t.nextSlt,
		spec:      spec,
	}, nil
}

type translator struct {
	code    []byte
	spec    Specialization
	nextSlt int
}

func (t *translator) newSlot() int {
	s := t.nextSlt
	t.nextSlt++
	return s
}

func (t *translator) translateBlock(b *block, end int, blockAt map[int]*block) error {
	code := t.code
	ip := b.start
	var stack []int
	terminated := false

	push := func(s int) { stack = append(stack, s) }
	pop := func() (int, error) {
		if len(stack) == 0 {
			return 0, fmt.Errorf("jit: compile-time stack underflow at offset %d", ip)
		}
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return s, nil
	}
	peek := func() (int, error) {
		if len(stack) == 0 {
			return 0, fmt.Errorf("jit: compile-time stack underflow at offset %d", ip)
		}
		return stack[len(stack)-1], nil
	}
	add := func(instr irInstr) int {
		instr.result = t.newSlot()
		b.instrs = append(b.instrs, instr)
		return instr.result
	}

	for ip < end && !terminated {
		op := bytecode.OpCode(code[ip])
		ip++
		switch op {
		case bytecode.PUSH_INT:
			v := int64(binary.LittleEndian.Uint64(code[ip : ip+8]))
			ip += 8
			s := add(irInstr{op: irConstInt, immI: v})
			if t.spec == FloatOnly {
				s = add(irInstr{op: irIntToFloat, a: s})
			}
			push(s)
		case bytecode.PUSH_FLOAT:
			bits := binary.LittleEndian.Uint64(code[ip : ip+8])
			ip += 8
			push(add(irInstr{op: irConstFloat, immF: math.Float64frombits(bits)}))
		case bytecode.POP:
			if _, err := pop(); err != nil {
				return err
			}
		case bytecode.DUP:
			s, err := peek()
			if err != nil {
				return err
			}
			push(s)
		case bytecode.ADD, bytecode.SUB, bytecode.MUL, bytecode.DIV, bytecode.MOD,
			bytecode.EQ, bytecode.NE, bytecode.LT, bytecode.LE, bytecode.GT, bytecode.GE,
			bytecode.AND, bytecode.OR,
			bytecode.BIT_AND, bytecode.BIT_OR, bytecode.BIT_XOR, bytecode.SHL, bytecode.SHR:
			bv, err := pop()
			if err != nil {
				return err
			}
			av, err := pop()
			if err != nil {
				return err
			}
			push(add(irInstr{op: binOpFor(op), a: av, b: bv}))
		case bytecode.NEG, bytecode.NOT, bytecode.BIT_NOT:
			av, err := pop()
			if err != nil {
				return err
			}
			push(add(irInstr{op: unOpFor(op), a: av}))
		case bytecode.LOAD_LOCAL:
			idx := int(code[ip])
			ip++
			push(add(irInstr{op: irLoadLocal, immI: int64(idx)}))
		case bytecode.STORE_LOCAL:
			idx := int(code[ip])
			ip++
			src, err := peek()
			if err != nil {
				return err
			}
			add(irInstr{op: irStoreLocal, a: src, immI: int64(idx)})
		case bytecode.JUMP:
			target := int(binary.LittleEndian.Uint16(code[ip : ip+2]))
			ip += 2
			if len(stack) != 0 {
				return fmt.Errorf("jit: operand stack not empty at JUMP (offset %d)", ip)
			}
			if _, ok := blockAt[target]; !ok {
				return fmt.Errorf("jit: JUMP to non-block-start offset %d", target)
			}
			b.term = terminator{kind: termJump, trueTarget: target, falseTarget: target}
			terminated = true
		case bytecode.JUMP_IF_FALSE:
			target := int(binary.LittleEndian.Uint16(code[ip : ip+2]))
			ip += 2
			cond, err := pop()
			if err != nil {
				return err
			}
			if len(stack) != 0 {
				return fmt.Errorf("jit: operand stack not empty at JUMP_IF_FALSE (offset %d)", ip)
			}
			if _, ok := blockAt[target]; !ok {
				return fmt.Errorf("jit: JUMP_IF_FALSE to non-block-start offset %d", target)
			}
			if _, ok := blockAt[ip]; !ok {
				return fmt.Errorf("jit: JUMP_IF_FALSE fallthrough %d is not a block start", ip)
			}
			b.term = terminator{kind: termCondJump, operand: cond, trueTarget: ip, falseTarget: target}
			terminated = true
		case bytecode.RETURN:
			if len(stack) == 0 {
				b.term = terminator{kind: termReturn, hasOperand: false}
			} else {
				v, err := pop()
				if err != nil {
					return err
				}
				b.term = terminator{kind: termReturn, hasOperand: true, operand: v}
			}
			terminated = true
		default:
			return fmt.Errorf("jit: opcode %s not supported by Phase 3 translation", op)
		}
	}

	if !terminated {
		if nb, ok := blockAt[end]; ok {
			if len(stack) != 0 {
				return fmt.Errorf("jit: operand stack not empty falling into block %d", end)
			}
			b.term = terminator{kind: termJump, trueTarget: nb.start, falseTarget: nb.start}
		} else if len(stack) == 0 {
			b.term = terminator{kind: termReturn, hasOperand: false}
		} else {
			v, _ := pop()
			b.term = terminator{kind: termReturn, hasOperand: true, operand: v}
		}
	}
	return nil
}

func binOpFor(op bytecode.OpCode) irOp {
	switch op {
	case bytecode.ADD:
		return irAdd
	case bytecode.SUB:
		return irSub
	case bytecode.MUL:
		return irMul
	case bytecode.DIV:
		return irDiv
	case bytecode.MOD:
		return irMod
	case bytecode.EQ:
		return irCmpEQ
	case bytecode.NE:
		return irCmpNE
	case bytecode.LT:
		return irCmpLT
	case bytecode.LE:
		return irCmpLE
	case bytecode.GT:
		return irCmpGT
	case bytecode.GE:
		return irCmpGE
	case bytecode.AND:
		return irAnd
	case bytecode.OR:
		return irOr
	case bytecode.BIT_AND:
		return irBitAnd
	case bytecode.BIT_OR:
		return irBitOr
	case bytecode.BIT_XOR:
		return irBitXor
	case bytecode.SHL:
		return irShl
	case bytecode.SHR:
		return irShr
	default:
		panic("jit: binOpFor: unreachable opcode " + op.String())
	}
}

func unOpFor(op bytecode.OpCode) irOp {
	switch op {
	case bytecode.NEG:
		return irNeg
	case bytecode.NOT:
		return irNot
	case bytecode.BIT_NOT:
		return irBitNot
	default:
		panic("jit: unOpFor: unreachable opcode " + op.String())
	}
}
