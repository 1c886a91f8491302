package vm

import (
	"github.com/omscript/govm/bytecode"
	"github.com/omscript/govm/jit"
	"github.com/omscript/govm/value"
)

// call invokes fn with args from outside any existing execute() frame
// (Execute's entry point): depth starts at 0.
func (v *VM) call(fn bytecode.Function, args []value.Value) (value.Value, error) {
	return v.dispatchCallFn(fn, args, 0)
}

// dispatchCall pops argc arguments, resolves the callee by name, and
// routes the call through the JIT cache before falling back to the
// interpreter -- matching the reference engine's execute() CALL case:
// classify the arguments' runtime types, try the matching compiled entry
// point, record the call for promotion bookkeeping, and recompile once
// the post-JIT call counter crosses its threshold.
func (v *VM) dispatchCall(name string, argc int, depth int) (value.Value, error) {
	if len(v.stack) < argc {
		return value.None, runtimeError("CALL", "not enough arguments for %q: want %d, have %d", name, argc, len(v.stack))
	}
	args := make([]value.Value, argc)
	copy(args, v.stack[len(v.stack)-argc:])
	v.stack = v.stack[:len(v.stack)-argc]

	fn, ok := v.functions[name]
	if !ok {
		return value.None, runtimeError("CALL", "undefined function %q", name)
	}
	return v.dispatchCallFn(fn, args, depth)
}

func (v *VM) dispatchCallFn(fn bytecode.Function, args []value.Value, depth int) (value.Value, error) {
	if depth+1 > MaxCallDepth {
		return value.None, runtimeError("CALL", "maximum call depth %d exceeded", MaxCallDepth)
	}
	if len(args) != int(fn.Arity) {
		return value.None, runtimeError("CALL", "arity mismatch for %q: want %d, have %d", fn.Name, fn.Arity, len(args))
	}

	allInt, allFloat := classifyArgs(args)

	if v.jitEnabled {
		v.jit.RecordTypes(fn.Name, allInt, allFloat)

		if allFloat {
			if entry, ok := v.jit.GetCompiledFloat(fn.Name); ok {
				result := entry(toFloatArgs(args))
				v.maybeRecompile(fn)
				return value.Float(result), nil
			}
		}
		if allInt {
			if entry, ok := v.jit.GetCompiledInt(fn.Name); ok {
				result := entry(toIntArgs(args))
				v.maybeRecompile(fn)
				return value.Integer(result), nil
			}
		}

		// Already compiled, but this call's argument shape doesn't match
		// any existing native entry (e.g. a profile that has started
		// drifting from IntOnly to FloatOnly): still counts toward the
		// post-JIT call counter so a sustained shape change eventually
		// triggers Recompile, even though this particular call falls
		// through to the interpreter below.
		if v.jit.IsCompiled(fn.Name) {
			v.maybeRecompile(fn)
		} else if !v.jit.IsFailed(fn.Name) && v.jit.RecordCall(fn.Name) {
			spec := jit.IntOnly
			if allFloat {
				spec = jit.FloatOnly
			}
			v.logCallPromotion(fn.Name, spec)
			v.jit.Compile(fn, spec)
		}
	}

	locals := make([]value.Value, fn.Arity)
	copy(locals, args)
	return v.execute(fn, locals, depth+1)
}

func (v *VM) maybeRecompile(fn bytecode.Function) {
	if v.jit.RecordPostJITCall(fn.Name) {
		v.jit.Recompile(fn)
	}
}

func (v *VM) logCallPromotion(name string, spec jit.Specialization) {
	if v.logger == nil {
		return
	}
	v.logger.Debug().Str("function", name).Str("specialization", spec.String()).Msg("jit promotion triggered")
}

// classifyArgs reports whether every argument is an Integer, or every
// argument is a Float -- both false means a mixed or non-numeric call. A
// niladic function has no arguments to type and defaults to the IntOnly
// path, matching the JIT's Unknown/Mixed-defaults-to-IntOnly policy.
func classifyArgs(args []value.Value) (allInt, allFloat bool) {
	if len(args) == 0 {
		return true, false
	}
	allInt, allFloat = true, true
	for _, a := range args {
		switch a.Kind() {
		case value.KindInteger:
			allFloat = false
		case value.KindFloat:
			allInt = false
		default:
			allInt, allFloat = false, false
		}
	}
	return allInt, allFloat
}

func toIntArgs(args []value.Value) []int64 {
	out := make([]int64, len(args))
	for i, a := range args {
		out[i] = a.AsInt()
	}
	return out
}

func toFloatArgs(args []value.Value) []float64 {
	out := make([]float64, len(args))
	for i, a := range args {
		out[i] = a.AsFloat()
	}
	return out
}
