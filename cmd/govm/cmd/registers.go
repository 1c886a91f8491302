package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	govm "github.com/omscript/govm/vm"
)

var statsCalls int

var registersCmd = &cobra.Command{
	Use:   "jit-stats",
	Short: "Run the entry point repeatedly and report JIT promotion state per function",
	Long: `jit-stats calls the entry point the requested number of times, then
reports each registered function's call count, observed argument-type
profile, and whether/how it was JIT-compiled. Useful for watching the
promotion and recompilation thresholds in SPEC_FULL.md §4.4 fire.`,
	RunE: runRegisters,
}

func init() {
	rootCmd.AddCommand(registersCmd)
	registersCmd.Flags().StringVar(&loadPath, "load", "", "load a serialized program container instead of the built-in demo")
	registersCmd.Flags().StringVar(&entryPoint, "entry", "fib", "name of the function to invoke")
	registersCmd.Flags().StringSliceVar(&callArgs, "arg", []string{"30"}, "arguments to pass to the entry point (integers, or floats containing '.')")
	registersCmd.Flags().IntVar(&statsCalls, "calls", 10, "number of times to invoke the entry point")
}

func runRegisters(_ *cobra.Command, _ []string) error {
	prog, err := loadOrBuildProgram()
	if err != nil {
		return err
	}

	v := govm.New()
	for _, fn := range prog.Functions {
		v.RegisterFunction(fn)
	}

	args, err := parseArgs(callArgs)
	if err != nil {
		return err
	}

	for i := 0; i < statsCalls; i++ {
		if _, err := v.Execute(entryPoint, args...); err != nil {
			fmt.Printf("call %d: %v\n", i, err)
		}
	}

	j := v.JIT()
	for _, fn := range prog.Functions {
		profile := j.GetTypeProfile(fn.Name)
		spec, hasSpec := j.GetSpecialization(fn.Name)
		fmt.Printf("%s: calls=%d compiled=%v failed=%v profile={int:%d float:%d mixed:%d}",
			fn.Name, j.GetCallCount(fn.Name), j.IsCompiled(fn.Name), j.IsFailed(fn.Name),
			profile.IntCalls, profile.FloatCalls, profile.MixedCalls)
		if hasSpec {
			fmt.Printf(" specialization=%s", spec)
		}
		fmt.Println()
	}
	return nil
}
