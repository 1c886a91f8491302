package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/omscript/govm/bytecode"
	"github.com/omscript/govm/value"
	govm "github.com/omscript/govm/vm"
)

var (
	loadPath   string
	savePath   string
	entryPoint string
	callArgs   []string
	disableJIT bool
)

var runCmd = &cobra.Command{
	Use:   "run [--load file]",
	Short: "Run a program through the VM and print its result",
	Long: `Run executes a program's entry-point function and prints the
Display() form of its return value.

Without --load, a small built-in demo program (an iterative fib and a
float polynomial) is registered and run. With --load, a program
previously written by "govm run --save" is deserialized and run instead.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&loadPath, "load", "", "load a serialized program container instead of the built-in demo")
	runCmd.Flags().StringVar(&savePath, "save", "", "write the (demo or loaded) program container to this path before running")
	runCmd.Flags().StringVar(&entryPoint, "entry", "fib", "name of the function to invoke")
	runCmd.Flags().StringSliceVar(&callArgs, "arg", []string{"30"}, "arguments to pass to the entry point (integers, or floats containing '.')")
	runCmd.Flags().BoolVar(&disableJIT, "no-jit", false, "disable JIT promotion and run purely interpreted")
}

func runRun(_ *cobra.Command, _ []string) error {
	prog, err := loadOrBuildProgram()
	if err != nil {
		return err
	}

	if savePath != "" {
		if err := os.WriteFile(savePath, bytecode.Serialize(prog), 0o644); err != nil {
			return fmt.Errorf("saving program: %w", err)
		}
	}

	opts := []govm.Option{govm.WithOutput(os.Stdout)}
	if verbose {
		opts = append(opts, govm.WithLogger(newLogger()))
	}
	if disableJIT {
		opts = append(opts, govm.WithJIT(false))
	}
	v := govm.New(opts...)
	for _, fn := range prog.Functions {
		v.RegisterFunction(fn)
	}

	args, err := parseArgs(callArgs)
	if err != nil {
		return err
	}

	result, err := v.Execute(entryPoint, args...)
	if err != nil {
		return fmt.Errorf("running %q: %w", entryPoint, err)
	}
	fmt.Println(result.Display())
	return nil
}

func loadOrBuildProgram() (bytecode.Program, error) {
	if loadPath == "" {
		return sampleProgram(), nil
	}
	data, err := os.ReadFile(loadPath)
	if err != nil {
		return bytecode.Program{}, fmt.Errorf("reading %s: %w", loadPath, err)
	}
	prog, err := bytecode.Deserialize(data)
	if err != nil {
		return bytecode.Program{}, fmt.Errorf("deserializing %s: %w", loadPath, err)
	}
	return prog, nil
}

func parseArgs(raw []string) ([]value.Value, error) {
	out := make([]value.Value, 0, len(raw))
	for _, a := range raw {
		if containsDot(a) {
			f, err := strconv.ParseFloat(a, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid float argument %q: %w", a, err)
			}
			out = append(out, value.Float(f))
			continue
		}
		n, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer argument %q: %w", a, err)
		}
		out = append(out, value.Integer(n))
	}
	return out, nil
}

func containsDot(s string) bool {
	for _, r := range s {
		if r == '.' {
			return true
		}
	}
	return false
}
