package vm

import (
	"bytes"
	"testing"

	"github.com/gkampitakis/go-snaps/snaps"

	"github.com/omscript/govm/bytecode"
	"github.com/omscript/govm/jit"
	"github.com/omscript/govm/value"
)

// buildIterativeFib assembles fib(n) using a counting loop over three
// extra locals (a, b, i) -- no CALL opcode, so it is JIT-eligible end to
// end, unlike a recursive formulation (CALL is outside the IntOnly/
// FloatOnly supported subsets; see bytecode/opcode.go).
func buildIterativeFib() bytecode.Function {
	a := bytecode.NewAssembler()
	a.PushInt(0)
	a.StoreLocal(1)
	a.Op(bytecode.POP)
	a.PushInt(1)
	a.StoreLocal(2)
	a.Op(bytecode.POP)
	a.PushInt(0)
	a.StoreLocal(3)
	a.Op(bytecode.POP)

	top := a.Here()
	a.LoadLocal(3)
	a.LoadLocal(0)
	a.Op(bytecode.LT)
	exit := a.JumpIfFalse()

	a.LoadLocal(1)
	a.LoadLocal(2)
	a.Op(bytecode.ADD)
	a.StoreLocal(4)
	a.Op(bytecode.POP)

	a.LoadLocal(2)
	a.StoreLocal(1)
	a.Op(bytecode.POP)

	a.LoadLocal(4)
	a.StoreLocal(2)
	a.Op(bytecode.POP)

	a.LoadLocal(3)
	a.PushInt(1)
	a.Op(bytecode.ADD)
	a.StoreLocal(3)
	a.Op(bytecode.POP)

	back := a.Jump()
	a.PatchJumpTo(back, top)
	a.PatchJump(exit)

	a.LoadLocal(1)
	a.Op(bytecode.RETURN)
	return a.Function("fib", 1)
}

func TestIterativeFibJITPromotion(t *testing.T) {
	v := New(WithJITOptions(jit.WithThresholds(5, 50, 4)))
	v.RegisterFunction(buildIterativeFib())

	var last value.Value
	var err error
	for i := 0; i < 6; i++ {
		last, err = v.Execute("fib", value.Integer(30))
		if err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
		if last.AsInt() != 832040 {
			t.Fatalf("call %d: fib(30) = %d, want 832040", i, last.AsInt())
		}
	}
	if !v.JIT().IsCompiled("fib") {
		t.Fatal("expected fib to have been JIT-compiled after crossing the call threshold")
	}
	spec, ok := v.JIT().GetSpecialization("fib")
	if !ok || spec != jit.IntOnly {
		t.Fatalf("GetSpecialization() = %v, %v, want IntOnly, true", spec, ok)
	}
}

// buildPoly assembles poly(x) = x*x + 1.0, a float-only function.
func buildPoly() bytecode.Function {
	a := bytecode.NewAssembler()
	a.LoadLocal(0)
	a.LoadLocal(0)
	a.Op(bytecode.MUL)
	a.PushFloat(1.0)
	a.Op(bytecode.ADD)
	a.Op(bytecode.RETURN)
	return a.Function("poly", 1)
}

func TestPolyFloatSpecialization(t *testing.T) {
	v := New(WithJITOptions(jit.WithThresholds(3, 50, 4)))
	v.RegisterFunction(buildPoly())

	for i := 0; i < 4; i++ {
		result, err := v.Execute("poly", value.Float(3.0))
		if err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
		if result.AsFloat() != 10.0 {
			t.Fatalf("call %d: poly(3.0) = %v, want 10.0", i, result.AsFloat())
		}
	}
	spec, ok := v.JIT().GetSpecialization("poly")
	if !ok || spec != jit.FloatOnly {
		t.Fatalf("GetSpecialization() = %v, %v, want FloatOnly, true", spec, ok)
	}
}

// buildPrinter assembles a function containing PRINT, an opcode outside
// both JIT-supported subsets -- every attempted promotion must fail and
// stick, while interpreted execution keeps working correctly.
func buildPrinter() bytecode.Function {
	a := bytecode.NewAssembler()
	a.PushInt(42)
	a.Op(bytecode.PRINT)
	a.PushInt(7)
	a.Op(bytecode.RETURN)
	return a.Function("printer", 0)
}

func TestPrintingFunctionNeverPromotes(t *testing.T) {
	v := New(WithJITOptions(jit.WithThresholds(2, 50, 4)))
	v.RegisterFunction(buildPrinter())

	for i := 0; i < 5; i++ {
		result, err := v.Execute("printer")
		if err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
		if result.AsInt() != 7 {
			t.Fatalf("call %d: printer() = %d, want 7", i, result.AsInt())
		}
	}
	if !v.JIT().IsFailed("printer") {
		t.Fatal("expected printer to be marked sticky Failed")
	}
	if v.JIT().IsCompiled("printer") {
		t.Fatal("expected printer to never have a compiled entry")
	}
}

// TestPrintTraceSnapshot captures PRINT's rendered output across a small
// multi-function program. Snapshotting this is more maintainable than
// hand-writing the expected trace text, the same tradeoff the captured
// stdout/stderr buffers in fixture-style interpreter tests make.
func TestPrintTraceSnapshot(t *testing.T) {
	var out bytes.Buffer
	v := New(WithOutput(&out), WithJIT(false))
	v.RegisterFunction(buildPrinter())
	v.RegisterFunction(buildPoly())

	if _, err := v.Execute("printer"); err != nil {
		t.Fatalf("printer(): unexpected error: %v", err)
	}
	if _, err := v.Execute("poly", value.Float(2.0)); err != nil {
		t.Fatalf("poly(2.0): unexpected error: %v", err)
	}

	snaps.MatchSnapshot(t, out.String())
}

func buildDiv() bytecode.Function {
	a := bytecode.NewAssembler()
	a.LoadLocal(0)
	a.LoadLocal(1)
	a.Op(bytecode.DIV)
	a.Op(bytecode.RETURN)
	return a.Function("div", 2)
}

func TestIntegerDivisionByZeroIsRecoverable(t *testing.T) {
	v := New()
	v.RegisterFunction(buildDiv())

	_, err := v.Execute("div", value.Integer(10), value.Integer(0))
	if err == nil {
		t.Fatal("expected division by zero to return an error")
	}

	result, err := v.Execute("div", value.Integer(10), value.Integer(2))
	if err != nil {
		t.Fatalf("expected the VM to remain usable after a recoverable error, got: %v", err)
	}
	if result.AsInt() != 5 {
		t.Fatalf("div(10, 2) = %d, want 5", result.AsInt())
	}
}

// buildRecurse assembles recurse(n) = 0 if n<=0 else 1+recurse(n-1).
// Every call goes through CALL, which the JIT never compiles, so this
// exercises the interpreter's recursion-depth guard in isolation.
func buildRecurse() bytecode.Function {
	a := bytecode.NewAssembler()
	a.LoadLocal(0)
	a.PushInt(0)
	a.Op(bytecode.LE)
	skip := a.JumpIfFalse()
	a.PushInt(0)
	a.Op(bytecode.RETURN)
	a.PatchJump(skip)
	a.PushInt(1)
	a.LoadLocal(0)
	a.PushInt(1)
	a.Op(bytecode.SUB)
	a.Call("recurse", 1)
	a.Op(bytecode.ADD)
	a.Op(bytecode.RETURN)
	return a.Function("recurse", 1)
}

func TestRecursionDepthLimit(t *testing.T) {
	v := New()
	v.RegisterFunction(buildRecurse())

	// recurse(1023) makes 1024 total nested calls (n=1023 down to n=0),
	// exactly at MaxCallDepth.
	result, err := v.Execute("recurse", value.Integer(1023))
	if err != nil {
		t.Fatalf("recurse(1023): unexpected error: %v", err)
	}
	if result.AsInt() != 1023 {
		t.Fatalf("recurse(1023) = %d, want 1023", result.AsInt())
	}

	// recurse(1024) makes 1025 total nested calls, one past the limit.
	_, err = v.Execute("recurse", value.Integer(1024))
	if err == nil {
		t.Fatal("expected recurse(1024) to exceed the maximum call depth")
	}
}

// TestMismatchedCallShapeFallsBackToInterpreter exercises a function
// compiled IntOnly that later receives a call with Float arguments: no
// native entry matches that call shape, so it must still execute
// correctly through the interpreter rather than erroring or panicking,
// and the existing int native entry must remain untouched.
func TestMismatchedCallShapeFallsBackToInterpreter(t *testing.T) {
	v := New(WithJITOptions(jit.WithThresholds(2, 1000, 4)))
	v.RegisterFunction(buildIterativeFib())

	for i := 0; i < 2; i++ {
		if _, err := v.Execute("fib", value.Integer(10)); err != nil {
			t.Fatalf("int call %d: %v", i, err)
		}
	}
	if _, ok := v.JIT().GetCompiledInt("fib"); !ok {
		t.Fatal("expected a compiled int entry after crossing the promotion threshold")
	}

	result, err := v.Execute("fib", value.Float(10))
	if err != nil {
		t.Fatalf("float-shaped call to an int-compiled function: unexpected error: %v", err)
	}
	// The function body only ever materializes Integer constants for its
	// loop counters and accumulators (n itself, as passed, is Float and
	// only ever used in a numeric comparison), so the interpreted result
	// is still an Integer Value even though the call was Float-shaped.
	if result.Kind() != value.KindInteger || result.AsInt() != 55 {
		t.Fatalf("fib(10.0) = %v (%v), want Integer 55 (interpreted fallback)", result.AsInt(), result.Kind())
	}

	if _, ok := v.JIT().GetCompiledInt("fib"); !ok {
		t.Fatal("expected the original int entry to remain untouched by the mismatched call")
	}
}
