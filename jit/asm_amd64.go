//go:build amd64

package jit

import "encoding/binary"

// asmBuffer is a minimal amd64 machine-code emitter. It only knows the
// fixed instruction shapes codegen_amd64.go needs -- it is not a general
// assembler. Every branch/jump is emitted in its long (rel32) form so an
// instruction's length never depends on how far away its target ends up,
// which is what lets the two-pass codegen scheme in codegen_amd64.go
// avoid iterative branch-offset fixed-pointing: pass one runs the
// encoder purely to learn each basic block's final byte offset, pass two
// re-runs it with those offsets known and gets byte-identical lengths.
type asmBuffer struct {
	buf []byte
}

// Register encodes one of the first eight general-purpose or xmm
// registers by index (0=rax/xmm0, 1=rcx/xmm1, ... matching the standard
// x86-64 encoding order); the encoder emits no REX.R/REX.B bits, so
// r8-r15 and xmm8-xmm15 are not reachable.
type reg int

const (
	rax reg = iota
	rcx
	rdx
	rbx
	rsp
	rbp
	rsi
	rdi
)

func (a *asmBuffer) emit(b ...byte) { a.buf = append(a.buf, b...) }

func (a *asmBuffer) emitU32(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	a.emit(buf[:]...)
}

func (a *asmBuffer) emitI32(v int32) { a.emitU32(uint32(v)) }

func (a *asmBuffer) emitU64(v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	a.emit(buf[:]...)
}

func modrm(mod, regField, rm int) byte {
	return byte(mod<<6 | (regField&7)<<3 | (rm & 7))
}

func rexW(extraBits byte) byte { return 0x48 | extraBits }

// pushReg / popReg: push/pop r64 (used only for rbp in the prologue/epilogue).
func (a *asmBuffer) pushReg(r reg) { a.emit(0x50 + byte(r)) }
func (a *asmBuffer) popReg(r reg)  { a.emit(0x58 + byte(r)) }

// movRegReg: mov dst, src (both GP 64-bit registers).
func (a *asmBuffer) movRegReg(dst, src reg) {
	a.emit(rexW(0), 0x89, modrm(3, int(src), int(dst)))
}

// movImm64: movabs dst, imm64.
func (a *asmBuffer) movImm64(dst reg, imm uint64) {
	a.emit(rexW(0), 0xB8+byte(dst))
	a.emitU64(imm)
}

// loadMem: mov dst, [rbp + disp32] -- disp is typically negative (locals
// and temps live below the saved frame pointer).
func (a *asmBuffer) loadMem(dst reg, disp int32) {
	a.emit(rexW(0), 0x8B, modrm(2, int(dst), int(rbp)))
	a.emitI32(disp)
}

// storeMem: mov [rbp + disp32], src.
func (a *asmBuffer) storeMem(disp int32, src reg) {
	a.emit(rexW(0), 0x89, modrm(2, int(src), int(rbp)))
	a.emitI32(disp)
}

// addRegReg/subRegReg/imulRegReg/andRegReg/orRegReg/xorRegReg: dst op= src.
func (a *asmBuffer) addRegReg(dst, src reg) { a.emit(rexW(0), 0x01, modrm(3, int(src), int(dst))) }
func (a *asmBuffer) subRegReg(dst, src reg) { a.emit(rexW(0), 0x29, modrm(3, int(src), int(dst))) }
func (a *asmBuffer) andRegReg(dst, src reg) { a.emit(rexW(0), 0x21, modrm(3, int(src), int(dst))) }
func (a *asmBuffer) orRegReg(dst, src reg)  { a.emit(rexW(0), 0x09, modrm(3, int(src), int(dst))) }
func (a *asmBuffer) xorRegReg(dst, src reg) { a.emit(rexW(0), 0x31, modrm(3, int(src), int(dst))) }
func (a *asmBuffer) cmpRegReg(a1, b1 reg)   { a.emit(rexW(0), 0x39, modrm(3, int(b1), int(a1))) }

// imulRegReg: dst *= src (two-operand IMUL, 0F AF /r).
func (a *asmBuffer) imulRegReg(dst, src reg) {
	a.emit(rexW(0), 0x0F, 0xAF, modrm(3, int(dst), int(src)))
}

// negReg / notReg: unary two's-complement negate / one's-complement not.
func (a *asmBuffer) negReg(r reg) { a.emit(rexW(0), 0xF7, modrm(3, 3, int(r))) }
func (a *asmBuffer) notReg(r reg) { a.emit(rexW(0), 0xF7, modrm(3, 2, int(r))) }

// cqo sign-extends rax into rdx:rax, required before idiv.
func (a *asmBuffer) cqo() { a.emit(0x48, 0x99) }

// idivReg: signed divide rdx:rax by r, quotient -> rax, remainder -> rdx.
func (a *asmBuffer) idivReg(r reg) { a.emit(rexW(0), 0xF7, modrm(3, 7, int(r))) }

// shlCL / sarCL: shift r left/arithmetic-right by the count in cl.
func (a *asmBuffer) shlCL(r reg) { a.emit(rexW(0), 0xD3, modrm(3, 4, int(r))) }
func (a *asmBuffer) sarCL(r reg) { a.emit(rexW(0), 0xD3, modrm(3, 7, int(r))) }

type condCode byte

const (
	ccE  condCode = 0x4 // ZF=1
	ccNE condCode = 0x5
	ccL  condCode = 0xC
	ccLE condCode = 0xE
	ccG  condCode = 0xF
	ccGE condCode = 0xD
	ccB  condCode = 0x2 // below (unsigned) / used for comisd unordered-safe LT
	ccBE condCode = 0x6
	ccA  condCode = 0x7
	ccAE condCode = 0x3
)

// setCC: set the low byte of dst to 1 if the condition holds else 0,
// then zero-extend it into the full 64-bit register. dst must be one of
// rax, rcx, rdx, rbx (the byte registers encodable without a REX prefix).
func (a *asmBuffer) setCC(cc condCode, dst reg) {
	a.emit(0x0F, 0x90|byte(cc), modrm(3, 0, int(dst))) // setcc dst8
	a.emit(rexW(0), 0x0F, 0xB6, modrm(3, int(dst), int(dst)))
}

// jmpRel32 reserves a long-form unconditional jump and returns the
// offset of its rel32 operand for later patching.
func (a *asmBuffer) jmpRel32() int {
	a.emit(0xE9)
	at := len(a.buf)
	a.emitI32(0)
	return at
}

// jccRel32 reserves a long-form conditional jump.
func (a *asmBuffer) jccRel32(cc condCode) int {
	a.emit(0x0F, 0x80|byte(cc))
	at := len(a.buf)
	a.emitI32(0)
	return at
}

// patchRel32 fills in a previously-reserved rel32 operand now that both
// the instruction's end offset and the target are known.
func (a *asmBuffer) patchRel32(operandAt, target int) {
	rel := int32(target - (operandAt + 4))
	binary.LittleEndian.PutUint32(a.buf[operandAt:operandAt+4], uint32(rel))
}

func (a *asmBuffer) ret()  { a.emit(0xC3) }
func (a *asmBuffer) ud2()  { a.emit(0x0F, 0x0B) }
func (a *asmBuffer) nop1() { a.emit(0x90) }

// --- SSE2 scalar-double helpers (xmm registers share the 0-7 index space) ---

func (a *asmBuffer) movsdLoad(dst reg, disp int32) {
	a.emit(0xF2, 0x0F, 0x10, modrm(2, int(dst), int(rbp)))
	a.emitI32(disp)
}

func (a *asmBuffer) movsdStore(disp int32, src reg) {
	a.emit(0xF2, 0x0F, 0x11, modrm(2, int(src), int(rbp)))
	a.emitI32(disp)
}

func (a *asmBuffer) movqGPRToXMM(dst, src reg) {
	a.emit(0x66, 0x48, 0x0F, 0x6E, modrm(3, int(dst), int(src)))
}

func (a *asmBuffer) movqXMMToGPR(dst, src reg) {
	a.emit(0x66, 0x48, 0x0F, 0x7E, modrm(3, int(src), int(dst)))
}

func (a *asmBuffer) addsd(dst, src reg) { a.emit(0xF2, 0x0F, 0x58, modrm(3, int(dst), int(src))) }
func (a *asmBuffer) subsd(dst, src reg) { a.emit(0xF2, 0x0F, 0x5C, modrm(3, int(dst), int(src))) }
func (a *asmBuffer) mulsd(dst, src reg) { a.emit(0xF2, 0x0F, 0x59, modrm(3, int(dst), int(src))) }
func (a *asmBuffer) divsd(dst, src reg) { a.emit(0xF2, 0x0F, 0x5E, modrm(3, int(dst), int(src))) }
func (a *asmBuffer) xorpd(dst, src reg) { a.emit(0x66, 0x0F, 0x57, modrm(3, int(dst), int(src))) }
func (a *asmBuffer) comisd(a1, b1 reg)  { a.emit(0x66, 0x0F, 0x2F, modrm(3, int(a1), int(b1))) }

// cvtsi2sd converts the 64-bit integer in src to a double in dst.
func (a *asmBuffer) cvtsi2sd(dst, src reg) {
	a.emit(0xF2, 0x48, 0x0F, 0x2A, modrm(3, int(dst), int(src)))
}
