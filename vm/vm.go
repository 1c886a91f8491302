// Package vm implements the stack-based bytecode interpreter and its
// integration with the tiered JIT compiler in github.com/omscript/govm/jit.
// See DESIGN.md for how each piece is grounded.
package vm

import (
	"io"

	"github.com/rs/zerolog"

	"github.com/omscript/govm/bytecode"
	"github.com/omscript/govm/jit"
	"github.com/omscript/govm/value"
)

// VM executes bytecode functions registered with RegisterFunction. A
// function body re-enters execute() recursively on CALL, matching the
// reference runtime's host-call-stack-based recursion rather than a
// flattened frame-stack loop: the bytecode contract's per-function
// locals and compile-time-empty-stack-at-branch invariants make a
// recursive walk exactly as correct as an explicit frame stack, and it
// is what the original execution engine does.
type VM struct {
	stack   []value.Value
	globals map[string]value.Value

	functions map[string]bytecode.Function
	jit       *jit.JIT

	lastReturn value.Value

	output        io.Writer
	logger        *zerolog.Logger
	jitEnabled    bool
	stackCapacity int
	jitOpts       []jit.Option
}

// New constructs a VM with no registered functions and JIT promotion
// enabled by default.
func New(opts ...Option) *VM {
	v := &VM{
		globals:       make(map[string]value.Value),
		functions:     make(map[string]bytecode.Function),
		output:        io.Discard,
		jitEnabled:    true,
		stackCapacity: defaultStackCapacity,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.stack = make([]value.Value, 0, v.stackCapacity)
	v.jit = jit.New(v.jitOpts...)
	return v
}

// RegisterFunction adds or replaces a callable function. Registering a
// function with a name already JIT-compiled silently drops the stale
// native entries by allocating a fresh jit.JIT record the next time that
// name is promoted -- in practice embedders register the full program
// once up front, before any call, so this is not a hot path.
func (v *VM) RegisterFunction(fn bytecode.Function) {
	v.functions[fn.Name] = fn
}

// LastReturn returns the value most recently returned by Execute (or by
// HALT, which sets it to the unit Value).
func (v *VM) LastReturn() value.Value {
	return v.lastReturn
}

// Execute runs the named function with the given arguments through the
// interpreter, honoring any JIT promotion recorded for it by a prior
// call, and returns its result. An argument count that differs from
// fn.Arity is a RuntimeError.
func (v *VM) Execute(name string, args ...value.Value) (value.Value, error) {
	fn, ok := v.functions[name]
	if !ok {
		return value.None, runtimeError("Execute", "undefined function %q", name)
	}
	result, err := v.call(fn, args)
	if err != nil {
		return value.None, err
	}
	v.lastReturn = result
	return result, nil
}

// JIT exposes the underlying compiler for embedder introspection (e.g. a
// `jit-stats` CLI command reading call counts and specializations).
func (v *VM) JIT() *jit.JIT { return v.jit }
