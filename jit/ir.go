package jit

// irOp enumerates the small instruction set Phase 3 translates bytecode
// into. Each non-terminator instruction defines exactly one result slot;
// slots are compile-time-numbered virtual registers, later assigned fixed
// stack-frame storage by codegen (see codegen_amd64.go) -- there is no
// runtime operand-stack pointer, because the bytecode contract guarantees
// the compile-time stack is empty at every block boundary.
type irOp int

const (
	irConstInt irOp = iota
	irConstFloat
	irLoadLocal
	irStoreLocal // A = source slot, Imm = local index; does not consume A from the compile-time stack (STORE_LOCAL peeks)
	irAdd
	irSub
	irMul
	irDiv // may trap (zero check) for int specialization
	irMod // int specialization only
	irNeg
	irCmpEQ
	irCmpNE
	irCmpLT
	irCmpLE
	irCmpGT
	irCmpGE
	irAnd // int specialization only (truthiness-based)
	irOr  // int specialization only
	irNot
	irBitAnd
	irBitOr
	irBitXor
	irBitNot
	irShl
	irShr
	irIntToFloat // implicit PUSH_INT promotion under float specialization
)

// irInstr is one SSA-style instruction within a basic block.
type irInstr struct {
	op     irOp
	result int // slot this instruction defines
	a, b   int // operand slot indices, meaning depends on op
	immI   int64
	immF   float64
}

type termKind int

const (
	termReturn termKind = iota
	termJump
	termCondJump
)

// terminator ends a basic block. For termCondJump, "cond" is truthy ->
// trueTarget (the bytecode fallthrough), falsy -> falseTarget (the jump
// operand), matching JUMP_IF_FALSE's branch-to-target-on-false contract.
type terminator struct {
	kind        termKind
	hasOperand  bool
	operand     int // slot: return value, or condition for condJump
	trueTarget  int // block start offset
	falseTarget int // block start offset
}

// block is one compiled basic block, keyed by its starting bytecode
// offset (also its ID, since offsets are unique).
type block struct {
	start  int
	instrs []irInstr
	term   terminator
}

// irFunction is the Phase 2/3 output: one function's worth of basic
// blocks in bytecode order, the number of local slots, and the total
// count of virtual-register slots codegen must reserve stack space for.
type irFunction struct {
	blocks    []*block
	numLocals int
	numSlots  int
	spec      Specialization
}
