//go:build amd64 && unix

// Phase 4 for amd64: lower the optimized IR straight to machine code
// (rather than through a general-purpose backend -- there is no pure-Go
// LLVM execution engine in the retrieved corpus; see DESIGN.md) and place
// it in an mmap'd, W^X-disciplined executable page.
package jit

import (
	"fmt"
	"math"

	"golang.org/x/sys/unix"

	"github.com/omscript/govm/bytecode"
)

// compileInt runs the full int-specialized pipeline: translate, optimize,
// emit machine code, map it executable.
func compileInt(fn bytecode.Function) (*compiledModule, error) {
	irFn, err := translate(fn, IntOnly)
	if err != nil {
		return nil, err
	}
	optimize(irFn)
	return assembleAmd64(irFn, IntOnly)
}

// compileFloat runs the float-specialized pipeline.
func compileFloat(fn bytecode.Function) (*compiledModule, error) {
	irFn, err := translate(fn, FloatOnly)
	if err != nil {
		return nil, err
	}
	optimize(irFn)
	return assembleAmd64(irFn, FloatOnly)
}

// frame layout: [rbp-8*1 .. rbp-8*numLocals] hold locals, immediately
// followed by [rbp-8*(numLocals+1) .. ] holding one stack-frame slot per
// IR virtual register. Every IR instruction's result lives at a fixed
// offset for the function's whole lifetime -- legal because the bytecode
// contract guarantees the compile-time operand stack is empty at every
// block boundary, so slots never need to be reused under a runtime stack
// pointer the way a general register allocator would.
type frameLayout struct {
	numLocals int
	numSlots  int
}

func (f frameLayout) localDisp(idx int) int32 { return int32(-8 * (idx + 1)) }
func (f frameLayout) slotDisp(slot int) int32 {
	return int32(-8 * (f.numLocals + slot + 1))
}
func (f frameLayout) frameSize() int32 {
	total := (f.numLocals + f.numSlots) * 8
	// Keep rsp 16-byte aligned at call boundaries (not strictly required
	// by our own hand-rolled callee, but cheap insurance for any future
	// native-to-native call this codegen grows).
	if total%16 != 0 {
		total += 16 - total%16
	}
	return int32(total)
}

// assembleAmd64 performs the two-pass emission: pass 1 runs the encoder
// to learn each block's final start offset (every jump/branch is emitted
// in long rel32 form, so instruction lengths are identical between
// passes), pass 2 re-emits with those offsets known and patches branch
// targets immediately.
func assembleAmd64(irFn *irFunction, spec Specialization) (*compiledModule, error) {
	layout := frameLayout{numLocals: irFn.numLocals, numSlots: irFn.numSlots}

	blockOffsets, bodyLen, err := layoutPass(irFn, layout, spec)
	if err != nil {
		return nil, err
	}

	code, err := emitPass(irFn, layout, spec, blockOffsets, bodyLen)
	if err != nil {
		return nil, err
	}

	mem, err := mapExecutable(code)
	if err != nil {
		return nil, fmt.Errorf("jit: mapping executable page: %w", err)
	}

	return &compiledModule{mem: mem, spec: spec}, nil
}

func layoutPass(irFn *irFunction, layout frameLayout, spec Specialization) (map[int]int, int, error) {
	a := &asmBuffer{}
	emitPrologue(a, irFn, layout, spec)
	offsets := make(map[int]int, len(irFn.blocks))
	for _, b := range irFn.blocks {
		offsets[b.start] = len(a.buf)
		if err := emitBlockBody(a, b, layout, spec); err != nil {
			return nil, 0, err
		}
		if err := emitBlockTerminator(a, b, layout, spec, nil); err != nil {
			return nil, 0, err
		}
	}
	return offsets, len(a.buf), nil
}

func emitPass(irFn *irFunction, layout frameLayout, spec Specialization, offsets map[int]int, expectLen int) ([]byte, error) {
	a := &asmBuffer{}
	emitPrologue(a, irFn, layout, spec)
	for _, b := range irFn.blocks {
		if err := emitBlockBody(a, b, layout, spec); err != nil {
			return nil, err
		}
		if err := emitBlockTerminator(a, b, layout, spec, offsets); err != nil {
			return nil, err
		}
	}
	if len(a.buf) != expectLen {
		return nil, fmt.Errorf("jit: internal codegen error: two-pass length mismatch (%d vs %d)", len(a.buf), expectLen)
	}
	return a.buf, nil
}

func emitPrologue(a *asmBuffer, irFn *irFunction, layout frameLayout, spec Specialization) {
	a.pushReg(rbp)
	a.movRegReg(rbp, rsp)
	a.emit(0x48, 0x81, modrm(3, 5, int(rsp))) // sub rsp, imm32
	a.emitI32(layout.frameSize())

	// rdi = args pointer, rsi = argc. Local i is copied from the
	// caller-provided buffer when i < argc and zero-filled otherwise,
	// reading [rdi + 8*i] directly rather than through the rbp-relative
	// helpers used everywhere else in this file.
	for i := 0; i < layout.numLocals; i++ {
		a.emit(rexW(0), 0x83, modrm(3, 7, int(rsi)), byte(i)) // cmp rsi, i
		zeroAt := a.jccRel32(ccLE)
		if spec == FloatOnly {
			loadArgFloatToSlot(a, i, layout.localDisp(i))
		} else {
			loadArgIntToSlot(a, i, layout.localDisp(i))
		}
		doneAt := a.jmpRel32()
		a.patchRel32(zeroAt, len(a.buf))
		a.movImm64(rax, 0)
		a.storeMem(layout.localDisp(i), rax)
		a.patchRel32(doneAt, len(a.buf))
	}
}

// loadArgIntToSlot: mov rax, [rdi+8*i]; mov [rbp+disp], rax.
func loadArgIntToSlot(a *asmBuffer, i int, disp int32) {
	a.emit(rexW(0), 0x8B, modrm(1, int(rax), int(rdi)), byte(8*i))
	a.storeMem(disp, rax)
}

// loadArgFloatToSlot: movsd xmm0, [rdi+8*i]; movsd [rbp+disp], xmm0.
func loadArgFloatToSlot(a *asmBuffer, i int, disp int32) {
	a.emit(0xF2, 0x0F, 0x10, modrm(1, int(rax), int(rdi)), byte(8*i))
	a.movsdStore(disp, rax)
}

func emitBlockBody(a *asmBuffer, b *block, layout frameLayout, spec Specialization) error {
	if spec == FloatOnly {
		return emitBlockBodyFloat(a, b, layout)
	}
	return emitBlockBodyInt(a, b, layout)
}

func emitBlockBodyInt(a *asmBuffer, b *block, layout frameLayout) error {
	for _, in := range b.instrs {
		switch in.op {
		case irConstInt:
			a.movImm64(rax, uint64(in.immI))
			a.storeMem(layout.slotDisp(in.result), rax)
		case irLoadLocal:
			a.loadMem(rax, layout.localDisp(int(in.immI)))
			a.storeMem(layout.slotDisp(in.result), rax)
		case irStoreLocal:
			a.loadMem(rax, layout.slotDisp(in.a))
			a.storeMem(layout.localDisp(int(in.immI)), rax)
		case irAdd, irSub, irMul, irBitAnd, irBitOr, irBitXor:
			a.loadMem(rax, layout.slotDisp(in.a))
			a.loadMem(rcx, layout.slotDisp(in.b))
			switch in.op {
			case irAdd:
				a.addRegReg(rax, rcx)
			case irSub:
				a.subRegReg(rax, rcx)
			case irMul:
				a.imulRegReg(rax, rcx)
			case irBitAnd:
				a.andRegReg(rax, rcx)
			case irBitOr:
				a.orRegReg(rax, rcx)
			case irBitXor:
				a.xorRegReg(rax, rcx)
			}
			a.storeMem(layout.slotDisp(in.result), rax)
		case irDiv, irMod:
			a.loadMem(rax, layout.slotDisp(in.a))
			a.loadMem(rcx, layout.slotDisp(in.b))
			a.emit(rexW(0), 0x83, modrm(3, 7, int(rcx)), 0x00) // cmp rcx, 0
			okAt := a.jccRel32(ccNE)
			a.ud2()
			a.patchRel32(okAt, len(a.buf))
			a.cqo()
			a.idivReg(rcx)
			if in.op == irDiv {
				a.storeMem(layout.slotDisp(in.result), rax)
			} else {
				a.storeMem(layout.slotDisp(in.result), rdx)
			}
		case irNeg:
			a.loadMem(rax, layout.slotDisp(in.a))
			a.negReg(rax)
			a.storeMem(layout.slotDisp(in.result), rax)
		case irBitNot:
			a.loadMem(rax, layout.slotDisp(in.a))
			a.notReg(rax)
			a.storeMem(layout.slotDisp(in.result), rax)
		case irCmpEQ, irCmpNE, irCmpLT, irCmpLE, irCmpGT, irCmpGE:
			a.loadMem(rax, layout.slotDisp(in.a))
			a.loadMem(rcx, layout.slotDisp(in.b))
			a.cmpRegReg(rax, rcx)
			a.setCC(ccFor(in.op), rax)
			a.storeMem(layout.slotDisp(in.result), rax)
		case irAnd, irOr:
			a.loadMem(rax, layout.slotDisp(in.a))
			a.emit(rexW(0), 0x83, modrm(3, 7, int(rax)), 0x00) // cmp rax, 0
			a.setCC(ccNE, rax)
			a.loadMem(rcx, layout.slotDisp(in.b))
			a.emit(rexW(0), 0x83, modrm(3, 7, int(rcx)), 0x00) // cmp rcx, 0
			a.setCC(ccNE, rcx)
			if in.op == irAnd {
				a.andRegReg(rax, rcx)
			} else {
				a.orRegReg(rax, rcx)
			}
			a.storeMem(layout.slotDisp(in.result), rax)
		case irNot:
			a.loadMem(rax, layout.slotDisp(in.a))
			a.emit(rexW(0), 0x83, modrm(3, 7, int(rax)), 0x00) // cmp rax, 0
			a.setCC(ccE, rax)
			a.storeMem(layout.slotDisp(in.result), rax)
		case irShl, irShr:
			a.loadMem(rax, layout.slotDisp(in.a))
			a.loadMem(rcx, layout.slotDisp(in.b))
			if in.op == irShl {
				a.shlCL(rax)
			} else {
				a.sarCL(rax)
			}
			a.storeMem(layout.slotDisp(in.result), rax)
		default:
			return fmt.Errorf("jit: codegen: opcode %d not supported in int specialization", in.op)
		}
	}
	return nil
}

func emitBlockBodyFloat(a *asmBuffer, b *block, layout frameLayout) error {
	const xmm0, xmm1 = rax, rcx // reuse the GP register-index space; encoder treats them as xmm via SSE2 opcodes
	for _, in := range b.instrs {
		switch in.op {
		case irConstInt:
			a.movImm64(rax, uint64(in.immI))
			a.storeMem(layout.slotDisp(in.result), rax)
		case irConstFloat:
			a.movImm64(rax, float64bitsOf(in.immF))
			a.movqGPRToXMM(xmm0, rax)
			a.movsdStore(layout.slotDisp(in.result), xmm0)
		case irIntToFloat:
			a.loadMem(rax, layout.slotDisp(in.a))
			a.cvtsi2sd(xmm0, rax)
			a.movsdStore(layout.slotDisp(in.result), xmm0)
		case irLoadLocal:
			a.movsdLoad(xmm0, layout.localDisp(int(in.immI)))
			a.movsdStore(layout.slotDisp(in.result), xmm0)
		case irStoreLocal:
			a.movsdLoad(xmm0, layout.slotDisp(in.a))
			a.movsdStore(layout.localDisp(int(in.immI)), xmm0)
		case irAdd, irSub, irMul, irDiv:
			a.movsdLoad(xmm0, layout.slotDisp(in.a))
			a.movsdLoad(xmm1, layout.slotDisp(in.b))
			switch in.op {
			case irAdd:
				a.addsd(xmm0, xmm1)
			case irSub:
				a.subsd(xmm0, xmm1)
			case irMul:
				a.mulsd(xmm0, xmm1)
			case irDiv:
				a.divsd(xmm0, xmm1)
			}
			a.movsdStore(layout.slotDisp(in.result), xmm0)
		case irNeg:
			a.movsdLoad(xmm0, layout.slotDisp(in.a))
			a.movImm64(rdx, signBit)
			a.movqGPRToXMM(xmm1, rdx)
			a.xorpd(xmm0, xmm1)
			a.movsdStore(layout.slotDisp(in.result), xmm0)
		case irCmpEQ, irCmpNE, irCmpLT, irCmpLE, irCmpGT, irCmpGE:
			a.movsdLoad(xmm0, layout.slotDisp(in.a))
			a.movsdLoad(xmm1, layout.slotDisp(in.b))
			a.comisd(xmm0, xmm1)
			a.setCC(ccForFloat(in.op), rax)
			a.cvtsi2sd(xmm0, rax)
			a.movsdStore(layout.slotDisp(in.result), xmm0)
		case irNot:
			a.movsdLoad(xmm0, layout.slotDisp(in.a))
			a.movImm64(rdx, 0)
			a.movqGPRToXMM(xmm1, rdx)
			a.comisd(xmm0, xmm1)
			a.setCC(ccE, rax)
			a.cvtsi2sd(xmm0, rax)
			a.movsdStore(layout.slotDisp(in.result), xmm0)
		default:
			return fmt.Errorf("jit: codegen: opcode %d not supported in float specialization", in.op)
		}
	}
	return nil
}

const signBit = uint64(1) << 63

func float64bitsOf(f float64) uint64 {
	return math.Float64bits(f)
}

// ccFor maps an integer comparison IR op to its signed condition code.
func ccFor(op irOp) condCode {
	switch op {
	case irCmpEQ:
		return ccE
	case irCmpNE:
		return ccNE
	case irCmpLT:
		return ccL
	case irCmpLE:
		return ccLE
	case irCmpGT:
		return ccG
	case irCmpGE:
		return ccGE
	default:
		panic("jit: ccFor: not a comparison op")
	}
}

// ccForFloat maps a comparison IR op to the condition code to test after
// COMISD, which sets flags the way an unsigned integer compare would
// (CF/ZF), not SF/OF -- so float LT/LE/GT/GE reuse the "below"/"above"
// codes rather than the signed ones.
func ccForFloat(op irOp) condCode {
	switch op {
	case irCmpEQ:
		return ccE
	case irCmpNE:
		return ccNE
	case irCmpLT:
		return ccB
	case irCmpLE:
		return ccBE
	case irCmpGT:
		return ccA
	case irCmpGE:
		return ccAE
	default:
		panic("jit: ccForFloat: not a comparison op")
	}
}

// emitBlockTerminator emits b's terminator. offsets is nil during the
// layout pass (pass 1): jump/branch targets are reserved at their real,
// final length but left unpatched, since not every block's offset is
// known yet -- only pass 2 (offsets != nil) fills them in. A termReturn
// never references another block, so it behaves identically in both
// passes.
func emitBlockTerminator(a *asmBuffer, b *block, layout frameLayout, spec Specialization, offsets map[int]int) error {
	switch b.term.kind {
	case termReturn:
		emitReturnSequence(a, b, layout, spec)
		return nil
	case termJump:
		at := a.jmpRel32()
		if offsets == nil {
			return nil
		}
		target, ok := offsets[b.term.trueTarget]
		if !ok {
			return fmt.Errorf("jit: codegen: unknown jump target block %d", b.term.trueTarget)
		}
		a.patchRel32(at, target)
		return nil
	case termCondJump:
		if spec == FloatOnly {
			a.movsdLoad(rax, layout.slotDisp(b.term.operand))
			a.movImm64(rcx, 0)
			a.movqGPRToXMM(rcx, rcx)
			a.comisd(rax, rcx)
		} else {
			a.loadMem(rax, layout.slotDisp(b.term.operand))
			a.emit(rexW(0), 0x83, modrm(3, 7, int(rax)), 0x00) // cmp rax, 0
		}
		trueAt := a.jccRel32(ccNE)
		falseAt := a.jmpRel32()
		if offsets == nil {
			return nil
		}
		trueTarget, ok := offsets[b.term.trueTarget]
		if !ok {
			return fmt.Errorf("jit: codegen: unknown fallthrough target block %d", b.term.trueTarget)
		}
		falseTarget, ok := offsets[b.term.falseTarget]
		if !ok {
			return fmt.Errorf("jit: codegen: unknown branch target block %d", b.term.falseTarget)
		}
		a.patchRel32(trueAt, trueTarget)
		a.patchRel32(falseAt, falseTarget)
		return nil
	default:
		return fmt.Errorf("jit: codegen: unknown terminator kind")
	}
}

// emitReturnSequence loads the return value (or the spec's zero value
// when the block fell off the end with nothing on the compile-time
// stack) into the ABI return channel and emits the epilogue. Float
// specializations additionally copy the xmm0 bit pattern into rax: the
// caller invokes compiled code through purego.SyscallN, whose return
// value is an integer/pointer-width channel with no floating-point
// lane, so the bits travel home in rax and Go reinterprets them with
// math.Float64frombits (see native.go).
func emitReturnSequence(a *asmBuffer, b *block, layout frameLayout, spec Specialization) {
	if spec == FloatOnly {
		if b.term.hasOperand {
			a.movsdLoad(rax, layout.slotDisp(b.term.operand))
		} else {
			a.movImm64(rdx, 0)
			a.movqGPRToXMM(rax, rdx)
		}
		a.movqXMMToGPR(rdx, rax)
		a.movRegReg(rax, rdx)
	} else {
		if b.term.hasOperand {
			a.loadMem(rax, layout.slotDisp(b.term.operand))
		} else {
			a.movImm64(rax, 0)
		}
	}
	a.movRegReg(rsp, rbp)
	a.popReg(rbp)
	a.ret()
}

// mapExecutable copies code into a fresh anonymous mapping, makes it
// read+write to populate, then flips it to read+exec -- standard W^X
// discipline, grounded on the same mmap/mprotect sequence used by the
// corpus's other hand-rolled amd64 JITs.
func mapExecutable(code []byte) ([]byte, error) {
	size := len(code)
	if size == 0 {
		size = 1
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	copy(mem, code)
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("mprotect: %w", err)
	}
	return mem, nil
}
