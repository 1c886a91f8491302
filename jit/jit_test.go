package jit

import (
	"strings"
	"testing"

	"github.com/pkg/errors"

	"github.com/omscript/govm/bytecode"
)

func TestRecordCallReachesThresholdExactlyOnce(t *testing.T) {
	j := New(WithThresholds(3, 50, 4))
	var hits int
	for i := 0; i < 5; i++ {
		if j.RecordCall("f") {
			hits++
		}
	}
	if hits != 1 {
		t.Fatalf("threshold crossed %d times, want 1", hits)
	}
	if got := j.GetCallCount("f"); got != 5 {
		t.Fatalf("call count = %d, want 5", got)
	}
}

func TestRecordCallStopsCountingOnceCompiled(t *testing.T) {
	j := New(WithThresholds(3, 50, 4))
	a := bytecode.NewAssembler()
	a.PushInt(1)
	a.Op(bytecode.RETURN)
	fn := a.Function("g", 0)

	j.RecordCall("g")
	j.RecordCall("g")
	j.RecordCall("g")
	if !j.Compile(fn, IntOnly) {
		t.Fatal("expected Compile to succeed for a minimal all-int function")
	}
	j.RecordCall("g")
	if got := j.GetCallCount("g"); got != 3 {
		t.Fatalf("call count after compile = %d, want 3 (frozen)", got)
	}
}

func TestRecordPostJITCallReachesRecompileThresholdOnce(t *testing.T) {
	j := New(WithThresholds(3, 2, 4))
	a := bytecode.NewAssembler()
	a.PushInt(1)
	a.Op(bytecode.RETURN)
	fn := a.Function("h", 0)
	j.Compile(fn, IntOnly)

	var hits int
	for i := 0; i < 4; i++ {
		if j.RecordPostJITCall("h") {
			hits++
		}
	}
	if hits != 1 {
		t.Fatalf("recompile threshold crossed %d times, want 1", hits)
	}
}

func TestBestSpecializationPolicy(t *testing.T) {
	cases := []struct {
		name    string
		profile TypeProfile
		want    Specialization
	}{
		{"no observations", TypeProfile{}, Unknown},
		{"int only", TypeProfile{IntCalls: 3}, IntOnly},
		{"float only", TypeProfile{FloatCalls: 3}, FloatOnly},
		{"mixed observed", TypeProfile{IntCalls: 1, MixedCalls: 1}, Mixed},
		{"contradictory int and float", TypeProfile{IntCalls: 2, FloatCalls: 2}, Mixed},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.profile.BestSpecialization(); got != c.want {
				t.Fatalf("BestSpecialization() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestResolveSpecDefaultsToIntOnly(t *testing.T) {
	if resolveSpec(Unknown) != IntOnly {
		t.Fatal("Unknown should resolve to IntOnly")
	}
	if resolveSpec(Mixed) != IntOnly {
		t.Fatal("Mixed should resolve to IntOnly")
	}
	if resolveSpec(FloatOnly) != FloatOnly {
		t.Fatal("FloatOnly should resolve to itself")
	}
}

// buildCountdown assembles a single-local countdown loop: while (n) n--;
// return 0. It exercises LOAD_LOCAL/STORE_LOCAL, JUMP/JUMP_IF_FALSE, SUB,
// and the empty-stack-at-branch invariant Phase 3 translation enforces.
func buildCountdown() bytecode.Function {
	a := bytecode.NewAssembler()
	top := a.Here()
	a.LoadLocal(0)
	exit := a.JumpIfFalse()
	a.LoadLocal(0)
	a.PushInt(1)
	a.Op(bytecode.SUB)
	a.StoreLocal(0)
	a.Op(bytecode.POP)
	back := a.Jump()
	a.PatchJumpTo(back, top)
	a.PatchJump(exit)
	a.PushInt(0)
	a.Op(bytecode.RETURN)
	return a.Function("countdown", 1)
}

func TestCompileIntCountdownProducesCallableEntry(t *testing.T) {
	j := New()
	fn := buildCountdown()
	if !j.Compile(fn, IntOnly) {
		t.Fatal("expected countdown to compile under IntOnly")
	}
	entry, ok := j.GetCompiledInt("countdown")
	if !ok {
		t.Fatal("expected a compiled int entry")
	}
	if got := entry([]int64{5}); got != 0 {
		t.Fatalf("countdown(5) = %d, want 0", got)
	}
}

func TestCompileFloatPolynomial(t *testing.T) {
	// poly(x) = x*x + 1.0
	a := bytecode.NewAssembler()
	a.LoadLocal(0)
	a.LoadLocal(0)
	a.Op(bytecode.MUL)
	a.PushFloat(1.0)
	a.Op(bytecode.ADD)
	a.Op(bytecode.RETURN)
	fn := a.Function("poly", 1)

	j := New()
	if !j.Compile(fn, FloatOnly) {
		t.Fatal("expected poly to compile under FloatOnly")
	}
	entry, ok := j.GetCompiledFloat("poly")
	if !ok {
		t.Fatal("expected a compiled float entry")
	}
	if got := entry([]float64{3.0}); got != 10.0 {
		t.Fatalf("poly(3.0) = %v, want 10.0", got)
	}
}

func TestCompileFailsStickyOnPrintOpcode(t *testing.T) {
	a := bytecode.NewAssembler()
	a.PushInt(1)
	a.Op(bytecode.PRINT)
	a.PushInt(0)
	a.Op(bytecode.RETURN)
	fn := a.Function("noisy", 0)

	j := New()
	if j.Compile(fn, IntOnly) {
		t.Fatal("expected PRINT to be unsupported and compilation to fail")
	}
	if !j.IsFailed("noisy") {
		t.Fatal("expected noisy to be marked sticky Failed")
	}
	if j.Compile(fn, IntOnly) {
		t.Fatal("expected a second Compile attempt on a Failed function to still fail")
	}
}

func TestCompileFailureIsWrappedWithCausableCodegenError(t *testing.T) {
	a := bytecode.NewAssembler()
	a.PushInt(1)
	a.Op(bytecode.PRINT)
	a.PushInt(0)
	a.Op(bytecode.RETURN)
	fn := a.Function("noisy", 0)

	_, rawErr := compileInt(fn)
	if rawErr == nil {
		t.Fatal("expected compileInt to reject the unsupported PRINT opcode")
	}

	wrapped := errors.Wrapf(rawErr, "jit: compiling %q as %s", fn.Name, IntOnly)
	if errors.Cause(wrapped) != rawErr {
		t.Fatalf("errors.Cause(wrapped) = %v, want the original codegen error %v", errors.Cause(wrapped), rawErr)
	}
	if !strings.Contains(wrapped.Error(), rawErr.Error()) {
		t.Fatalf("wrapped error %q should still mention the underlying cause %q", wrapped.Error(), rawErr.Error())
	}
}

func TestRecompileSwitchesSpecializationAndKeepsOldEntry(t *testing.T) {
	j := New(WithThresholds(5, 2, 4))
	fn := buildCountdown()
	j.Compile(fn, IntOnly)
	oldEntry, _ := j.GetCompiledInt("countdown")

	j.RecordTypes("countdown", false, true)
	j.RecordTypes("countdown", false, true)
	if !j.Recompile(fn) {
		t.Fatal("expected recompile to succeed once a float-only profile has accumulated")
	}
	spec, ok := j.GetSpecialization("countdown")
	if !ok || spec != FloatOnly {
		t.Fatalf("GetSpecialization() = %v, %v, want FloatOnly, true", spec, ok)
	}
	if _, ok := j.GetCompiledFloat("countdown"); !ok {
		t.Fatal("expected a float entry after recompile")
	}
	if stillThere, _ := j.GetCompiledInt("countdown"); stillThere == nil {
		t.Fatal("expected the original int entry to remain reachable after recompile")
	}
	_ = oldEntry
}

func TestRecompileOnlyHappensOnce(t *testing.T) {
	j := New(WithThresholds(5, 2, 4))
	fn := buildCountdown()
	j.Compile(fn, IntOnly)
	j.RecordTypes("countdown", false, true)
	if !j.Recompile(fn) {
		t.Fatal("expected the first recompile to succeed")
	}
	if j.Recompile(fn) {
		t.Fatal("expected a second recompile attempt to be a no-op")
	}
}
