// Package bytecode defines the wire format consumed by the VM and JIT: a
// one-byte opcode set with little-endian inline operands, plus the
// Function record that groups a name/arity/bytecode triple, an Assembler
// for building programs without a front-end, and a disassembler and
// binary container serializer for embedder tooling.
package bytecode

// OpCode identifies a single bytecode instruction. Byte assignments are
// stable within this build but otherwise implementation-defined.
type OpCode byte

const (
	// PUSH_INT <i64:8> pushes a literal Integer.
	PUSH_INT OpCode = iota
	// PUSH_FLOAT <f64:8> pushes a literal Float.
	PUSH_FLOAT
	// PUSH_STRING <len:u16><bytes:len> pushes a literal String.
	PUSH_STRING

	// POP discards the top of the operand stack.
	// Stack: [..., a] -> [...]
	POP
	// DUP duplicates the top of the operand stack.
	// Stack: [..., a] -> [..., a, a]
	DUP

	// ADD pops two operands and pushes their sum (§4.1 promotion rules).
	// Stack: [..., a, b] -> [..., a+b]
	ADD
	// SUB pops two operands and pushes their difference.
	SUB
	// MUL pops two operands and pushes their product.
	MUL
	// DIV pops two operands and pushes their quotient; Integer/Integer
	// with a zero divisor is a recoverable runtime error.
	DIV
	// MOD pops two Integer operands and pushes the remainder; a zero
	// divisor is a recoverable runtime error.
	MOD
	// NEG pops one operand and pushes its arithmetic negation.
	// Stack: [..., a] -> [..., -a]
	NEG

	// EQ, NE, LT, LE, GT, GE pop two operands and push a 0/1 Integer.
	EQ
	NE
	LT
	LE
	GT
	GE

	// AND, OR pop two operands and push a 0/1 Integer over truthiness.
	AND
	OR
	// NOT pops one operand and pushes its logical negation.
	NOT

	// BIT_AND, BIT_OR, BIT_XOR pop two Integer operands and push the
	// bitwise result.
	BIT_AND
	BIT_OR
	BIT_XOR
	// BIT_NOT pops one Integer operand and pushes its bitwise complement.
	BIT_NOT
	// SHL, SHR pop two Integer operands (shift amount must be in
	// [0, 63]) and push the shifted result; SHR is arithmetic (sign
	// extending).
	SHL
	SHR

	// LOAD_VAR <name:string> pushes the named global.
	LOAD_VAR
	// STORE_VAR <name:string> peeks the top and stores it into the
	// named global without popping.
	STORE_VAR

	// LOAD_LOCAL <idx:u8> pushes locals[idx]; an out-of-range idx is
	// fatal.
	LOAD_LOCAL
	// STORE_LOCAL <idx:u8> peeks the top and stores it into locals[idx]
	// without popping; locals auto-grows to fit idx.
	STORE_LOCAL

	// JUMP <abs:u16> sets ip to an absolute offset.
	JUMP
	// JUMP_IF_FALSE <abs:u16> pops the condition and sets ip to the
	// target iff the condition is falsy.
	JUMP_IF_FALSE

	// CALL <name:string><argc:u8> invokes a registered function with
	// argc arguments (pushed left-to-right, deepest first); the result
	// replaces the arguments on the stack.
	CALL

	// RETURN pops and returns the top of stack (or Integer 0 if empty)
	// to the caller, terminating the current execute().
	RETURN

	// PRINT pops and writes the Display() form plus a newline.
	PRINT

	// HALT terminates execution cleanly with the unit Value as
	// last-return.
	HALT
)

var opcodeNames = map[OpCode]string{
	PUSH_INT:      "PUSH_INT",
	PUSH_FLOAT:    "PUSH_FLOAT",
	PUSH_STRING:   "PUSH_STRING",
	POP:           "POP",
	DUP:           "DUP",
	ADD:           "ADD",
	SUB:           "SUB",
	MUL:           "MUL",
	DIV:           "DIV",
	MOD:           "MOD",
	NEG:           "NEG",
	EQ:            "EQ",
	NE:            "NE",
	LT:            "LT",
	LE:            "LE",
	GT:            "GT",
	GE:            "GE",
	AND:           "AND",
	OR:            "OR",
	NOT:           "NOT",
	BIT_AND:       "BIT_AND",
	BIT_OR:        "BIT_OR",
	BIT_XOR:       "BIT_XOR",
	BIT_NOT:       "BIT_NOT",
	SHL:           "SHL",
	SHR:           "SHR",
	LOAD_VAR:      "LOAD_VAR",
	STORE_VAR:     "STORE_VAR",
	LOAD_LOCAL:    "LOAD_LOCAL",
	STORE_LOCAL:   "STORE_LOCAL",
	JUMP:          "JUMP",
	JUMP_IF_FALSE: "JUMP_IF_FALSE",
	CALL:          "CALL",
	RETURN:        "RETURN",
	PRINT:         "PRINT",
	HALT:          "HALT",
}

func (op OpCode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return "UNKNOWN"
}

// IntOnlySupported is the opcode subset the JIT may compile under an
// IntOnly specialization; any other opcode forces the function Failed.
var IntOnlySupported = map[OpCode]bool{
	PUSH_INT: true, POP: true, DUP: true,
	ADD: true, SUB: true, MUL: true, DIV: true, MOD: true, NEG: true,
	EQ: true, NE: true, LT: true, LE: true, GT: true, GE: true,
	AND: true, OR: true, NOT: true,
	BIT_AND: true, BIT_OR: true, BIT_XOR: true, BIT_NOT: true, SHL: true, SHR: true,
	LOAD_LOCAL: true, STORE_LOCAL: true,
	JUMP: true, JUMP_IF_FALSE: true, RETURN: true,
}

// FloatOnlySupported is the opcode subset under a FloatOnly
// specialization: IntOnly's subset plus PUSH_FLOAT, minus the
// integer-shaped MOD, bitwise family, and AND/OR.
var FloatOnlySupported = map[OpCode]bool{
	PUSH_FLOAT: true, PUSH_INT: true, POP: true, DUP: true,
	ADD: true, SUB: true, MUL: true, DIV: true, NEG: true,
	EQ: true, NE: true, LT: true, LE: true, GT: true, GE: true,
	NOT: true,
	LOAD_LOCAL: true, STORE_LOCAL: true,
	JUMP: true, JUMP_IF_FALSE: true, RETURN: true,
}
