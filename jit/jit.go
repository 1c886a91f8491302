// Package jit implements the tiered, type-specializing JIT compiler: a
// per-function call-count-driven promotion policy, a four-phase
// bytecode-to-native compilation pipeline, and post-JIT recompilation.
// See DESIGN.md for how each phase is grounded.
package jit

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/omscript/govm/bytecode"
)

// Specialization identifies which scalar type a compiled native function
// operates on.
type Specialization int

const (
	Unknown Specialization = iota
	IntOnly
	FloatOnly
	Mixed
)

func (s Specialization) String() string {
	switch s {
	case IntOnly:
		return "IntOnly"
	case FloatOnly:
		return "FloatOnly"
	case Mixed:
		return "Mixed"
	default:
		return "Unknown"
	}
}

// TypeProfile accumulates the observed argument-type shape of calls to a
// function, used to pick a specialization to compile for.
type TypeProfile struct {
	IntCalls   int
	FloatCalls int
	MixedCalls int
}

// BestSpecialization implements the exact policy of the reference
// runtime's TypeProfile::bestSpecialization: no observations yet ->
// Unknown; any mixed-type call seen -> Mixed; float-only observed ->
// FloatOnly; int-only observed -> IntOnly; otherwise (contradictory
// counts) -> Mixed as a conservative fallback.
func (p TypeProfile) BestSpecialization() Specialization {
	if p.IntCalls == 0 && p.FloatCalls == 0 && p.MixedCalls == 0 {
		return Unknown
	}
	if p.MixedCalls > 0 {
		return Mixed
	}
	if p.FloatCalls > 0 && p.IntCalls == 0 {
		return FloatOnly
	}
	if p.IntCalls > 0 && p.FloatCalls == 0 {
		return IntOnly
	}
	return Mixed
}

// resolveSpec applies the "Unknown/Mixed default to IntOnly" rule used at
// both initial compile time and recompile time.
func resolveSpec(s Specialization) Specialization {
	if s == Unknown || s == Mixed {
		return IntOnly
	}
	return s
}

// NativeIntFn is a compiled int-specialized function: it receives the
// argument buffer and its length and returns the scalar result.
type NativeIntFn func(args []int64) int64

// NativeFloatFn is a compiled float-specialized function.
type NativeFloatFn func(args []float64) float64

// record is the JITRecord for one function: call-count, post-JIT
// call-count, specialization, failed/recompiled flags, and the compiled
// native entry points.
type record struct {
	callCount       int
	postJITCount    int
	spec            Specialization
	hasSpec         bool
	failed          bool
	recompiled      bool
	intFn           NativeIntFn
	floatFn         NativeFloatFn
	profile         TypeProfile
	compiledModules []*compiledModule // retained for VM lifetime; see native.go
}

// JIT owns per-function promotion state and the compiled-code retention
// list. A JIT is single-threaded by contract (matching the VM's
// single-threaded execution model) but guards its maps with a mutex
// since embedders may reasonably introspect (e.g. a CLI `jit-stats`
// command) from outside the hot call path.
type JIT struct {
	mu      sync.Mutex
	records map[string]*record
	logger  *zerolog.Logger

	threshold          int
	recompileThreshold int
	minBytecodeSize    int
}

// Option configures a JIT at construction time.
type Option func(*JIT)

// WithLogger attaches a structured logger for state-transition events.
// A nil logger (the default) disables all JIT logging.
func WithLogger(l *zerolog.Logger) Option {
	return func(j *JIT) { j.logger = l }
}

// WithThresholds overrides the promotion/recompilation constants; callers
// needing the spec defaults should simply omit this option.
func WithThresholds(jitThreshold, recompileThreshold, minBytecodeSize int) Option {
	return func(j *JIT) {
		j.threshold = jitThreshold
		j.recompileThreshold = recompileThreshold
		j.minBytecodeSize = minBytecodeSize
	}
}

// New constructs a JIT with the spec's default constants: kJITThreshold=5,
// kRecompileThreshold=50, kMinBytecodeSize=4.
func New(opts ...Option) *JIT {
	j := &JIT{
		records:            make(map[string]*record),
		threshold:          5,
		recompileThreshold: 50,
		minBytecodeSize:    bytecode.MinBytecodeSize,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

func (j *JIT) recordFor(name string) *record {
	r, ok := j.records[name]
	if !ok {
		r = &record{}
		j.records[name] = r
	}
	return r
}

// RecordCall increments the pre-JIT call counter for name and reports
// whether it has just reached the compilation threshold (exactly once,
// the call where the count transitions to the threshold). Functions that
// are already compiled or have already failed are not counted.
func (j *JIT) RecordCall(name string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	r := j.recordFor(name)
	if r.intFn != nil || r.floatFn != nil || r.failed {
		return false
	}
	r.callCount++
	return r.callCount == j.threshold
}

// RecordPostJITCall increments the post-compilation call counter and
// reports whether it has just reached the recompile threshold. A
// function that isn't compiled, or that has already been recompiled
// once, is never counted.
func (j *JIT) RecordPostJITCall(name string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	r, ok := j.records[name]
	if !ok || (r.intFn == nil && r.floatFn == nil) || r.recompiled {
		return false
	}
	r.postJITCount++
	return r.postJITCount == j.recompileThreshold
}

// RecordTypes folds one call's observed argument-type shape into name's
// TypeProfile.
func (j *JIT) RecordTypes(name string, allInt, allFloat bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	r := j.recordFor(name)
	switch {
	case allInt:
		r.profile.IntCalls++
	case allFloat:
		r.profile.FloatCalls++
	default:
		r.profile.MixedCalls++
	}
}

// GetTypeProfile returns the current TypeProfile for name.
func (j *JIT) GetTypeProfile(name string) TypeProfile {
	j.mu.Lock()
	defer j.mu.Unlock()
	if r, ok := j.records[name]; ok {
		return r.profile
	}
	return TypeProfile{}
}

// GetCallCount returns the pre-JIT call counter for name.
func (j *JIT) GetCallCount(name string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	if r, ok := j.records[name]; ok {
		return r.callCount
	}
	return 0
}

// IsFailed reports whether name has been marked permanently
// uncompilable.
func (j *JIT) IsFailed(name string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	r, ok := j.records[name]
	return ok && r.failed
}

// IsCompiled reports whether name has at least one native entry point.
func (j *JIT) IsCompiled(name string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	r, ok := j.records[name]
	return ok && (r.intFn != nil || r.floatFn != nil)
}

// GetCompiledInt returns name's int-specialized native entry, if any.
func (j *JIT) GetCompiledInt(name string) (NativeIntFn, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	r, ok := j.records[name]
	if !ok || r.intFn == nil {
		return nil, false
	}
	return r.intFn, true
}

// GetCompiledFloat returns name's float-specialized native entry, if any.
func (j *JIT) GetCompiledFloat(name string) (NativeFloatFn, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	r, ok := j.records[name]
	if !ok || r.floatFn == nil {
		return nil, false
	}
	return r.floatFn, true
}

// GetSpecialization returns the specialization name was most recently
// compiled for.
func (j *JIT) GetSpecialization(name string) (Specialization, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	r, ok := j.records[name]
	if !ok || !r.hasSpec {
		return Unknown, false
	}
	return r.spec, true
}

// Compile attempts to JIT-compile fn under the given specialization
// (Unknown/Mixed resolve to IntOnly, matching the reference policy). It
// never returns an error: compilation failures are recorded internally
// as the function's sticky Failed state and Compile simply reports false.
func (j *JIT) Compile(fn bytecode.Function, spec Specialization) bool {
	j.mu.Lock()
	r := j.recordFor(fn.Name)
	if r.failed {
		j.mu.Unlock()
		return false
	}
	minSize := j.minBytecodeSize
	j.mu.Unlock()

	if len(fn.Bytecode) < minSize {
		j.markFailed(fn.Name)
		return false
	}

	resolved := resolveSpec(spec)
	var mod *compiledModule
	var err error
	if resolved == FloatOnly {
		mod, err = compileFloat(fn)
	} else {
		mod, err = compileInt(fn)
	}
	if err != nil {
		// Wrapped with pkg/errors rather than fmt.Errorf so a caller that
		// cares can .Cause() its way back to the raw codegen failure
		// underneath the "compiling %q" annotation -- logState only ever
		// prints the message, but the sticky Failed state is permanent,
		// so this is the one place that failure is ever observed.
		err = errors.Wrapf(err, "jit: compiling %q as %s", fn.Name, resolved)
		j.markFailed(fn.Name)
		j.logState(fn.Name, "Failed", resolved, err)
		return false
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	r = j.recordFor(fn.Name)
	r.spec = resolved
	r.hasSpec = true
	r.compiledModules = append(r.compiledModules, mod)
	if resolved == FloatOnly {
		r.floatFn = mod.floatEntry()
	} else {
		r.intFn = mod.intEntry()
	}
	j.logState(fn.Name, "Compiled", resolved, nil)
	return true
}

func (j *JIT) markFailed(name string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.recordFor(name).failed = true
}

// Recompile is invoked once the post-JIT call counter reaches
// kRecompileThreshold. It marks the function as having attempted
// recompilation before doing any work, so a failed attempt is never
// retried; on failure the prior native pointer(s) are left untouched
// (they were never removed). On success the new pointer is added
// alongside the existing ones, so the VM can still dispatch by runtime
// argument shape.
func (j *JIT) Recompile(fn bytecode.Function) bool {
	j.mu.Lock()
	r, ok := j.records[fn.Name]
	if !ok || (r.intFn == nil && r.floatFn == nil) {
		j.mu.Unlock()
		return false
	}
	if r.recompiled {
		j.mu.Unlock()
		return false
	}
	r.recompiled = true
	best := resolveSpec(r.profile.BestSpecialization())
	current := r.spec
	j.mu.Unlock()

	if best == current {
		return true
	}

	var mod *compiledModule
	var err error
	if best == FloatOnly {
		mod, err = compileFloat(fn)
	} else {
		mod, err = compileInt(fn)
	}
	if err != nil {
		// Prior pointer(s) were never touched; nothing to restore.
		err = errors.Wrapf(err, "jit: recompiling %q as %s", fn.Name, best)
		j.logState(fn.Name, "RequalifyFailed", best, err)
		return false
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	r = j.recordFor(fn.Name)
	r.compiledModules = append(r.compiledModules, mod)
	if best == FloatOnly {
		r.floatFn = mod.floatEntry()
	} else {
		r.intFn = mod.intEntry()
	}
	r.spec = best
	j.logState(fn.Name, "Requalified", best, nil)
	return true
}

// Threshold returns the configured kJITThreshold.
func (j *JIT) Threshold() int { return j.threshold }

// RecompileThreshold returns the configured kRecompileThreshold.
func (j *JIT) RecompileThreshold() int { return j.recompileThreshold }

func (j *JIT) logState(name, state string, spec Specialization, err error) {
	if j.logger == nil {
		return
	}
	ev := j.logger.Info().Str("function", name).Str("state", state).Str("specialization", spec.String())
	if err != nil {
		ev = j.logger.Warn().Str("function", name).Str("state", state).Err(err)
	}
	ev.Msg("jit state transition")
}
