package jit

import (
	"math"
	"unsafe"

	"github.com/ebitengine/purego"
)

// compiledModule owns one mmap'd executable page produced by assembleAmd64
// and exposes it as a NativeIntFn or NativeFloatFn depending on spec.
// Retained for the JIT's lifetime: the VM keeps each record's
// compiledModules slice alive so the page is never unmapped out from
// under a function pointer still referenced by a record.
type compiledModule struct {
	mem  []byte
	spec Specialization
}

func (m *compiledModule) addr() uintptr {
	return uintptr(unsafe.Pointer(&m.mem[0]))
}

// intEntry wraps the compiled code as a NativeIntFn. Invocation goes
// through purego.SyscallN rather than cgo: the native ABI is
// int64_t(*)(int64_t*, int), matching SyscallN's (ptr, argc) -> integer
// calling convention exactly, so no trampoline is needed.
func (m *compiledModule) intEntry() NativeIntFn {
	addr := m.addr()
	return func(args []int64) int64 {
		argPtr := uintptr(0)
		if len(args) > 0 {
			argPtr = uintptr(unsafe.Pointer(&args[0]))
		}
		ret, _, _ := purego.SyscallN(addr, argPtr, uintptr(len(args)))
		return int64(ret)
	}
}

// floatEntry wraps the compiled code as a NativeFloatFn. The compiled
// function's own epilogue copies xmm0's bit pattern into rax before
// returning (see emitReturnSequence in codegen_amd64.go) because
// purego.SyscallN only carries back an integer/pointer-width result; the
// bits are reinterpreted here with math.Float64frombits.
func (m *compiledModule) floatEntry() NativeFloatFn {
	addr := m.addr()
	return func(args []float64) float64 {
		argPtr := uintptr(0)
		if len(args) > 0 {
			argPtr = uintptr(unsafe.Pointer(&args[0]))
		}
		ret, _, _ := purego.SyscallN(addr, argPtr, uintptr(len(args)))
		return math.Float64frombits(uint64(ret))
	}
}
