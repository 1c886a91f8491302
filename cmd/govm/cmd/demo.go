package cmd

import "github.com/omscript/govm/bytecode"

// samplePrograms are the built-in demo programs run/disasm/jit-stats fall
// back to when --load is not given. They exist
// because this tool has no front end to compile real source into
// bytecode -- these are exactly the functions the vm package's own tests
// exercise, assembled the same way.

func sampleFib() bytecode.Function {
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

func samplePoly() bytecode.Function {
	a := bytecode.NewAssembler()
	a.LoadLocal(0)
	a.LoadLocal(0)
	a.Op(bytecode.MUL)
	a.PushFloat(1.0)
	a.Op(bytecode.ADD)
	a.Op(bytecode.RETURN)
	return a.Function("poly", 1)
}

func sampleProgram() bytecode.Program {
	return bytecode.Program{
		Functions: []bytecode.Function{sampleFib(), samplePoly()},
	}
}
