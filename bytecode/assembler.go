package bytecode

import (
	"encoding/binary"
	"math"
)

// Assembler builds a bytecode stream incrementally. There is no lexer or
// parser in this module's scope, so tests and CLI demo programs construct
// their bytecode directly through this type instead -- the same
// append-opcode-then-append-little-endian-operand idiom the reference
// compiler's emitter uses, just driven by hand rather than by an AST walk.
type Assembler struct {
	code []byte
}

// NewAssembler returns an empty Assembler.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// Label is a forward-reference placeholder for a jump target that isn't
// known yet. Call PatchJump once the target offset is known.
type Label struct {
	patchAt int // offset of the u16 operand to overwrite
}

func (a *Assembler) emitOp(op OpCode) {
	a.code = append(a.code, byte(op))
}

func (a *Assembler) emitU8(b uint8) {
	a.code = append(a.code, b)
}

func (a *Assembler) emitU16(v uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	a.code = append(a.code, buf[:]...)
}

func (a *Assembler) emitI64(v int64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	a.code = append(a.code, buf[:]...)
}

func (a *Assembler) emitF64(v float64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
	a.code = append(a.code, buf[:]...)
}

func (a *Assembler) emitString(s string) {
	a.emitU16(uint16(len(s)))
	a.code = append(a.code, s...)
}

// PushInt emits PUSH_INT.
func (a *Assembler) PushInt(v int64) *Assembler {
	a.emitOp(PUSH_INT)
	a.emitI64(v)
	return a
}

// PushFloat emits PUSH_FLOAT.
func (a *Assembler) PushFloat(v float64) *Assembler {
	a.emitOp(PUSH_FLOAT)
	a.emitF64(v)
	return a
}

// PushString emits PUSH_STRING.
func (a *Assembler) PushString(s string) *Assembler {
	a.emitOp(PUSH_STRING)
	a.emitString(s)
	return a
}

// Op emits a bare, operand-less opcode (POP, DUP, ADD, ..., RETURN,
// PRINT, HALT).
func (a *Assembler) Op(op OpCode) *Assembler {
	a.emitOp(op)
	return a
}

// LoadVar emits LOAD_VAR.
func (a *Assembler) LoadVar(name string) *Assembler {
	a.emitOp(LOAD_VAR)
	a.emitString(name)
	return a
}

// StoreVar emits STORE_VAR.
func (a *Assembler) StoreVar(name string) *Assembler {
	a.emitOp(STORE_VAR)
	a.emitString(name)
	return a
}

// LoadLocal emits LOAD_LOCAL.
func (a *Assembler) LoadLocal(idx uint8) *Assembler {
	a.emitOp(LOAD_LOCAL)
	a.emitU8(idx)
	return a
}

// StoreLocal emits STORE_LOCAL.
func (a *Assembler) StoreLocal(idx uint8) *Assembler {
	a.emitOp(STORE_LOCAL)
	a.emitU8(idx)
	return a
}

// Call emits CALL.
func (a *Assembler) Call(name string, argc uint8) *Assembler {
	a.emitOp(CALL)
	a.emitString(name)
	a.emitU8(argc)
	return a
}

// Jump emits JUMP with a placeholder target and returns a Label to patch
// once the destination offset is known.
func (a *Assembler) Jump() Label {
	a.emitOp(JUMP)
	at := len(a.code)
	a.emitU16(0)
	return Label{patchAt: at}
}

// JumpIfFalse emits JUMP_IF_FALSE with a placeholder target.
func (a *Assembler) JumpIfFalse() Label {
	a.emitOp(JUMP_IF_FALSE)
	at := len(a.code)
	a.emitU16(0)
	return Label{patchAt: at}
}

// Here returns the current end-of-stream offset, usable as an explicit
// jump target (e.g. for a backward JUMP building a loop).
func (a *Assembler) Here() uint16 {
	return uint16(len(a.code))
}

// PatchJump resolves a Label's target to the current offset.
func (a *Assembler) PatchJump(l Label) {
	a.PatchJumpTo(l, a.Here())
}

// PatchJumpTo resolves a Label's target to an explicit offset.
func (a *Assembler) PatchJumpTo(l Label, target uint16) {
	binary.LittleEndian.PutUint16(a.code[l.patchAt:l.patchAt+2], target)
}

// Bytes returns the assembled bytecode.
func (a *Assembler) Bytes() []byte {
	out := make([]byte, len(a.code))
	copy(out, a.code)
	return out
}

// Function builds a Function record from the assembled stream.
func (a *Assembler) Function(name string, arity uint8) Function {
	return Function{Name: name, Arity: arity, Bytecode: a.Bytes()}
}
