package vm

import (
	"io"

	"github.com/rs/zerolog"

	"github.com/omscript/govm/jit"
)

// Default VM configuration constants, matching the reference runtime's
// kMaxStackSize / kMaxCallDepth.
const (
	defaultStackCapacity = 256
	MaxStackSize         = 65536
	MaxCallDepth         = 1024
)

// Option configures a VM at construction time, following the same
// functional-options idiom the reference interpreter's Options interface
// is built around.
type Option func(*VM)

// WithOutput sets the writer PRINT writes to. Defaults to io.Discard.
func WithOutput(w io.Writer) Option {
	return func(v *VM) { v.output = w }
}

// WithLogger attaches a structured logger for call-dispatch and
// JIT-promotion events. A nil logger (the default) disables logging.
func WithLogger(l *zerolog.Logger) Option {
	return func(v *VM) { v.logger = l }
}

// WithJIT enables or disables the tiered JIT. Enabled by default; passing
// false forces every call through the bytecode interpreter, useful for
// debugging a suspected JIT codegen bug or running on a platform with no
// native backend.
func WithJIT(enabled bool) Option {
	return func(v *VM) { v.jitEnabled = enabled }
}

// WithJITOptions passes configuration through to the underlying jit.JIT
// (e.g. WithThresholds for tests that want to cross the promotion
// threshold without looping hundreds of times).
func WithJITOptions(opts ...jit.Option) Option {
	return func(v *VM) { v.jitOpts = append(v.jitOpts, opts...) }
}

// WithStackCapacity sets the initial (not maximum) operand stack capacity.
func WithStackCapacity(n int) Option {
	return func(v *VM) { v.stackCapacity = n }
}
