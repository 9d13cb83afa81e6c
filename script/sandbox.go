// Package script runs user JavaScript for script-js nodes and math
// formulas on an embedded goja VM. Each run gets a fresh VM exposing
// $input, $tags, $flow.state, $fs and console, bounded by a timeout and
// a soft heap ceiling.
package script

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/petal-labs/tagflow/core"
)

// Config bounds script execution.
type Config struct {
	DefaultTimeout time.Duration // used when a node sets no timeout
	MaxTimeout     time.Duration // node timeouts are clamped to this
	// Grace is how long Run waits for an interrupted VM to unwind before
	// returning anyway.
	Grace time.Duration

	FSRoot       string // per-flow directories are created below this
	MaxFileBytes int64

	// MemoryLimitBytes is the soft ceiling on heap growth during one run.
	// Zero disables the check.
	MemoryLimitBytes uint64
	MemoryPoll       time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:   10 * time.Second,
		MaxTimeout:       60 * time.Second,
		Grace:            100 * time.Millisecond,
		FSRoot:           "data/fs",
		MaxFileBytes:     10 << 20,
		MemoryLimitBytes: 256 << 20,
		MemoryPoll:       25 * time.Millisecond,
	}
}

// Tags is the tag surface exposed as $tags.
type Tags interface {
	Get(ctx context.Context, path string, maxAgeMs int64) (core.Value, error)
	History(ctx context.Context, path, window string) ([]core.Value, error)
	Write(path string, v core.Value) error
	// Snapshot returns every internal and system tag value by path.
	Snapshot(ctx context.Context) (map[string]core.Value, error)
}

// State is the flow state surface exposed as $flow.state.
type State interface {
	Get(key string) (any, bool, error)
	All() (map[string]any, error)
	Set(key string, value any) error
}

// Env carries the per-run bindings.
type Env struct {
	FlowID string
	Input  core.Value
	Tags   Tags
	State  State
	Log    func(level core.LogLevel, msg string)
}

// Sandbox executes scripts. It is safe for concurrent use; every Run
// builds its own VM.
type Sandbox struct {
	cfg      Config
	logger   *slog.Logger
	programs sync.Map // source -> *goja.Program
}

// New creates a Sandbox, filling zero limits from DefaultConfig.
func New(cfg Config) *Sandbox {
	def := DefaultConfig()
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = def.MaxTimeout
	}
	if cfg.Grace <= 0 {
		cfg.Grace = def.Grace
	}
	if cfg.FSRoot == "" {
		cfg.FSRoot = def.FSRoot
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = def.MaxFileBytes
	}
	if cfg.MemoryPoll <= 0 {
		cfg.MemoryPoll = def.MemoryPoll
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sandbox{cfg: cfg, logger: logger}
}

// Config returns the effective limits.
func (s *Sandbox) Config() Config {
	return s.cfg
}

// Timeout converts a node's timeout property (milliseconds) into a
// duration bounded by the configured default and maximum.
func (s *Sandbox) Timeout(ms float64) time.Duration {
	if ms <= 0 {
		return s.cfg.DefaultTimeout
	}
	d := time.Duration(ms * float64(time.Millisecond))
	if d > s.cfg.MaxTimeout {
		return s.cfg.MaxTimeout
	}
	return d
}

type runResult struct {
	value core.Value
	err   error
}

// Run executes code as the body of an async function and waits for the
// returned promise to settle. The result becomes the node output.
func (s *Sandbox) Run(ctx context.Context, env Env, code string, timeout time.Duration) (core.Value, error) {
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	prog, err := s.compile(code)
	if err != nil {
		return core.Value{}, core.Errorf(core.CodeScriptRuntime, "compile: %v", err).WithCause(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	vm := goja.New()
	if err := s.install(runCtx, vm, env); err != nil {
		return core.Value{}, core.Errorf(core.CodeScriptRuntime, "install globals: %v", err).WithCause(err)
	}

	done := make(chan runResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- runResult{err: core.Errorf(core.CodeScriptRuntime, "script panic: %v", r)}
			}
		}()
		v, err := settle(vm, prog)
		done <- runResult{value: v, err: err}
	}()

	memExceeded := s.watchMemory(runCtx)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var fault error
	select {
	case r := <-done:
		return r.value, r.err
	case <-timer.C:
		fault = core.Errorf(core.CodeScriptTimeout, "script exceeded %s", timeout)
	case <-memExceeded:
		fault = core.Errorf(core.CodeScriptMemory, "script exceeded memory ceiling of %d MB", s.cfg.MemoryLimitBytes>>20)
	case <-ctx.Done():
		fault = core.Errorf(core.CodeScriptTimeout, "script canceled").WithCause(ctx.Err())
	}

	vm.Interrupt(fault)
	select {
	case <-done:
	case <-time.After(s.cfg.Grace):
		s.logger.Warn("script did not unwind after interrupt", "flow_id", env.FlowID, "grace", s.cfg.Grace)
	}
	return core.Value{}, fault
}

func (s *Sandbox) compile(code string) (*goja.Program, error) {
	key := "script:" + code
	if p, ok := s.programs.Load(key); ok {
		return p.(*goja.Program), nil
	}
	src := "(async function() {\n" + code + "\n})()"
	prog, err := goja.Compile("script.js", src, false)
	if err != nil {
		return nil, err
	}
	s.programs.Store(key, prog)
	return prog, nil
}

// settle runs prog and resolves the promise it returns. Host functions
// are synchronous, so every await resolves in the job queue drained at
// the end of RunProgram.
func settle(vm *goja.Runtime, prog *goja.Program) (core.Value, error) {
	val, err := vm.RunProgram(prog)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if fault, ok := interrupted.Value().(error); ok {
				return core.Value{}, fault
			}
		}
		return core.Value{}, core.Errorf(core.CodeScriptRuntime, "%v", err).WithCause(err)
	}
	p, ok := val.Export().(*goja.Promise)
	if !ok {
		return exportValue(val), nil
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return exportValue(p.Result()), nil
	case goja.PromiseStateRejected:
		return core.Value{}, core.Errorf(core.CodeScriptRuntime, "%s", describeRejection(p.Result()))
	default:
		return core.Value{}, core.Errorf(core.CodeScriptRuntime, "script returned a promise that never settled")
	}
}

func describeRejection(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "script rejected"
	}
	if obj, ok := v.(*goja.Object); ok {
		if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
			return stack.String()
		}
	}
	return v.String()
}

// watchMemory polls heap usage and signals once growth since the start of
// the run passes the ceiling. The measurement is process-wide, so the
// ceiling is soft.
func (s *Sandbox) watchMemory(ctx context.Context) <-chan struct{} {
	exceeded := make(chan struct{})
	if s.cfg.MemoryLimitBytes == 0 {
		return exceeded
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	base := ms.HeapAlloc

	go func() {
		ticker := time.NewTicker(s.cfg.MemoryPoll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runtime.ReadMemStats(&ms)
				if ms.HeapAlloc > base && ms.HeapAlloc-base > s.cfg.MemoryLimitBytes {
					close(exceeded)
					return
				}
			}
		}
	}()
	return exceeded
}

func exportValue(v goja.Value) core.Value {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return core.Null()
	}
	return core.FromAny(v.Export())
}
