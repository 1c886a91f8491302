package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/omscript/govm/bytecode"
)

var disasmCmd = &cobra.Command{
	Use:   "disasm",
	Short: "Disassemble a program's functions",
	RunE:  runDisasm,
}

func init() {
	rootCmd.AddCommand(disasmCmd)
	disasmCmd.Flags().StringVar(&loadPath, "load", "", "load a serialized program container instead of the built-in demo")
}

func runDisasm(_ *cobra.Command, _ []string) error {
	prog, err := loadOrBuildProgram()
	if err != nil {
		return err
	}
	if len(prog.Main) > 0 {
		fmt.Println(bytecode.Disassemble(bytecode.Function{Name: "<main>", Bytecode: prog.Main}))
	}
	for _, fn := range prog.Functions {
		fmt.Fprintf(os.Stdout, "function %s (arity %d):\n", fn.Name, fn.Arity)
		fmt.Println(bytecode.Disassemble(fn))
	}
	return nil
}
