package bytecode

import (
	"testing"

	"github.com/gkampitakis/go-snaps/snaps"
)

func TestAssemblerForwardJump(t *testing.T) {
	a := NewAssembler()
	a.PushInt(1)
	skip := a.JumpIfFalse()
	a.PushInt(2)
	a.Op(POP)
	a.PatchJump(skip)
	a.Op(RETURN)

	fn := a.Function("cond", 0)
	if len(fn.Bytecode) == 0 {
		t.Fatal("expected non-empty bytecode")
	}
	if OpCode(fn.Bytecode[0]) != PUSH_INT {
		t.Fatalf("first opcode = %v, want PUSH_INT", OpCode(fn.Bytecode[0]))
	}
}

func TestAssemblerBackwardJumpLoop(t *testing.T) {
	a := NewAssembler()
	top := a.Here()
	a.LoadLocal(0)
	exit := a.JumpIfFalse()
	a.LoadLocal(0)
	a.PushInt(1)
	a.Op(SUB)
	a.StoreLocal(0)
	a.Op(POP)
	back := a.Jump()
	a.PatchJumpTo(back, top)
	a.PatchJump(exit)
	a.PushInt(0)
	a.Op(RETURN)

	fn := a.Function("countdown", 1)
	if len(fn.Bytecode) == 0 {
		t.Fatal("expected non-empty bytecode")
	}
}

func TestDisassembleRoundTrip(t *testing.T) {
	a := NewAssembler()
	a.PushInt(42)
	a.Call("double", 1)
	a.Op(RETURN)
	fn := a.Function("main", 0)

	// Disassembly text is exactly the kind of rendered-string output
	// that's more maintainable to snapshot than to hand-write: it grows
	// one line per instruction as opcodes are added, and a hand-written
	// expected string would just be a worse copy of this snapshot file.
	snaps.MatchSnapshot(t, Disassemble(fn))
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	a := NewAssembler()
	a.PushInt(7)
	a.Op(RETURN)
	main := a.Bytes()

	b := NewAssembler()
	b.LoadLocal(0)
	b.Op(RETURN)
	fn := b.Function("identity", 1)

	prog := Program{Main: main, Functions: []Function{fn}}
	encoded := Serialize(prog)

	decoded, err := Deserialize(encoded)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if string(decoded.Main) != string(prog.Main) {
		t.Fatal("Main bytecode mismatch after round trip")
	}
	if len(decoded.Functions) != 1 || decoded.Functions[0].Name != "identity" {
		t.Fatalf("Functions mismatch: %+v", decoded.Functions)
	}
	if decoded.Functions[0].Arity != 1 {
		t.Fatalf("Arity = %d, want 1", decoded.Functions[0].Arity)
	}
}

func TestDeserializeRejectsBadMagic(t *testing.T) {
	if _, err := Deserialize([]byte("nope")); err == nil {
		t.Fatal("expected error for bad magic")
	}
}
