// Command govm is an embedder demo and introspection tool for the bytecode
// VM and JIT compiler in github.com/omscript/govm: it runs sample or
// serialized programs, disassembles them, and reports JIT promotion state.
package main

import (
	"fmt"
	"os"

	"github.com/omscript/govm/cmd/govm/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
