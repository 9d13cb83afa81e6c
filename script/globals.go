package script

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/petal-labs/tagflow/core"
)

// install binds the runtime API. Anything not installed here (require,
// process, network) does not exist inside the VM.
func (s *Sandbox) install(ctx context.Context, vm *goja.Runtime, env Env) error {
	logf := env.Log
	if logf == nil {
		logf = func(core.LogLevel, string) {}
	}

	if err := vm.Set("$input", toJS(env.Input)); err != nil {
		return err
	}

	tags := vm.NewObject()
	_ = tags.Set("get", func(call goja.FunctionCall) goja.Value {
		if env.Tags == nil {
			return goja.Null()
		}
		path := call.Argument(0).String()
		maxAge := int64(-1)
		if a := call.Argument(1); !goja.IsUndefined(a) && !goja.IsNull(a) {
			maxAge = a.ToInteger()
		}
		v, err := env.Tags.Get(ctx, path, maxAge)
		if err != nil {
			if core.HasCode(err, core.CodeTagStale) {
				out := sampleObject(v)
				out["stale"] = true
				return vm.ToValue(out)
			}
			return goja.Null()
		}
		return vm.ToValue(sampleObject(v))
	})
	_ = tags.Set("history", func(call goja.FunctionCall) goja.Value {
		if env.Tags == nil {
			return vm.NewArray()
		}
		samples, err := env.Tags.History(ctx, call.Argument(0).String(), call.Argument(1).String())
		if err != nil {
			panic(vm.NewGoError(err))
		}
		out := make([]any, len(samples))
		for i, v := range samples {
			out[i] = sampleObject(v)
		}
		return vm.ToValue(out)
	})
	_ = tags.Set("write", func(call goja.FunctionCall) goja.Value {
		if env.Tags == nil {
			panic(vm.NewGoError(fmt.Errorf("tag writes are not available")))
		}
		path := call.Argument(0).String()
		if err := env.Tags.Write(path, exportValue(call.Argument(1))); err != nil {
			panic(vm.NewGoError(err))
		}
		return goja.Undefined()
	})
	_ = tags.Set("snapshot", func(goja.FunctionCall) goja.Value {
		if env.Tags == nil {
			return vm.NewObject()
		}
		values, err := env.Tags.Snapshot(ctx)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		out := make(map[string]any, len(values))
		for p, v := range values {
			out[p] = sampleObject(v)
		}
		return vm.ToValue(out)
	})
	if err := vm.Set("$tags", tags); err != nil {
		return err
	}

	state := vm.NewObject()
	_ = state.Set("get", func(call goja.FunctionCall) goja.Value {
		if env.State == nil {
			return goja.Undefined()
		}
		key := call.Argument(0)
		if goja.IsUndefined(key) || goja.IsNull(key) {
			all, err := env.State.All()
			if err != nil {
				panic(vm.NewGoError(err))
			}
			return vm.ToValue(all)
		}
		v, ok, err := env.State.Get(key.String())
		if err != nil {
			panic(vm.NewGoError(err))
		}
		if !ok {
			return goja.Undefined()
		}
		return vm.ToValue(v)
	})
	_ = state.Set("set", func(call goja.FunctionCall) goja.Value {
		if env.State == nil {
			panic(vm.NewGoError(fmt.Errorf("flow state is not available")))
		}
		var val any
		if a := call.Argument(1); !goja.IsUndefined(a) {
			val = a.Export()
		}
		if err := env.State.Set(call.Argument(0).String(), val); err != nil {
			panic(vm.NewGoError(err))
		}
		return goja.Undefined()
	})
	flow := vm.NewObject()
	_ = flow.Set("id", env.FlowID)
	_ = flow.Set("state", state)
	if err := vm.Set("$flow", flow); err != nil {
		return err
	}

	fs, err := newFlowFS(s.cfg.FSRoot, env.FlowID, s.cfg.MaxFileBytes)
	if err != nil {
		return err
	}
	if err := vm.Set("$fs", fs.object(vm)); err != nil {
		return err
	}

	console := vm.NewObject()
	for name, level := range map[string]core.LogLevel{
		"log":   core.LevelInfo,
		"info":  core.LevelInfo,
		"debug": core.LevelDebug,
		"warn":  core.LevelWarn,
		"error": core.LevelError,
	} {
		lvl := level
		_ = console.Set(name, func(call goja.FunctionCall) goja.Value {
			logf(lvl, formatArgs(call.Arguments))
			return goja.Undefined()
		})
	}
	return vm.Set("console", console)
}

func toJS(v core.Value) any {
	return v.Interface()
}

func sampleObject(v core.Value) map[string]any {
	out := map[string]any{
		"value":   v.Interface(),
		"quality": int(v.Quality),
	}
	if !v.Timestamp.IsZero() {
		out["timestamp"] = v.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func formatArgs(args []goja.Value) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if goja.IsUndefined(a) {
			parts = append(parts, "undefined")
			continue
		}
		switch x := a.Export().(type) {
		case string:
			parts = append(parts, x)
		case map[string]any, []any:
			b, err := json.Marshal(x)
			if err != nil {
				parts = append(parts, a.String())
				continue
			}
			parts = append(parts, string(b))
		default:
			parts = append(parts, a.String())
		}
	}
	return strings.Join(parts, " ")
}
