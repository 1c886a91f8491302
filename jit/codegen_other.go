//go:build !(amd64 && unix)

package jit

import (
	"fmt"
	"runtime"

	"github.com/omscript/govm/bytecode"
)

// compileInt and compileFloat have no native backend outside amd64/unix:
// the hand-rolled encoder in codegen_amd64.go is architecture-specific,
// and there is no pure-Go LLVM execution engine in the retrieved corpus
// to fall back to (see DESIGN.md). Returning an error here routes every
// function straight to the sticky Failed state instead of panicking, so
// embedders on other platforms still get correct (if JIT-less)
// execution through the interpreter.

func compileInt(fn bytecode.Function) (*compiledModule, error) {
	return nil, fmt.Errorf("jit: native codegen not supported on %s/%s", runtime.GOOS, runtime.GOARCH)
}

func compileFloat(fn bytecode.Function) (*compiledModule, error) {
	return nil, fmt.Errorf("jit: native codegen not supported on %s/%s", runtime.GOOS, runtime.GOARCH)
}
