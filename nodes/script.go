package nodes

import (
	"context"
	"encoding/json"

	"github.com/petal-labs/tagflow/core"
	"github.com/petal-labs/tagflow/registry"
	"github.com/petal-labs/tagflow/script"
)

func scriptDef(sb *script.Sandbox) registry.NodeTypeDef {
	return registry.NodeTypeDef{
		Kind:        KindScriptJS,
		Category:    registry.CategoryScript,
		DisplayName: "Script",
		Description: "Runs JavaScript with $input, $tags, $flow.state, $fs and console.",
		Inputs:      []registry.PortDef{{Name: "input", Type: registry.PortAny}},
		Outputs:     outputs(registry.PortAny),
		Properties: []registry.PropertyDef{
			{Name: "code", DisplayName: "Code", Type: registry.PropCode, Required: true},
			{Name: "timeout", DisplayName: "Timeout (ms)", Type: registry.PropNumber, Default: 10000.0},
			onErrorProperty,
		},
		Evaluate: func(ctx registry.EvalContext, in []registry.Slot, props registry.Props, _ map[string]any) ([]registry.Slot, error) {
			return evalScript(ctx, sb, in, props)
		},
	}
}

func evalScript(ctx registry.EvalContext, sb *script.Sandbox, in []registry.Slot, props registry.Props) ([]registry.Slot, error) {
	input := core.Null()
	if len(in) > 0 && in[0].Present {
		input = in[0].Value
	}
	env := script.Env{
		FlowID: ctx.FlowID(),
		Input:  input,
		Tags:   scriptTags{ctx: ctx},
		State:  ctx.State(),
		Log:    ctx.Log,
	}
	v, err := sb.Run(ctx.Context(), env, props.String("code"), sb.Timeout(props.Float("timeout", 0)))
	if err != nil {
		return nil, err
	}
	return []registry.Slot{registry.Some(v.At(ctx.Now()))}, nil
}

// scriptTags adapts the evaluation context to the $tags surface. Writes
// join the cycle's write batch so they flush with the node outputs.
type scriptTags struct {
	ctx registry.EvalContext
}

func (t scriptTags) Get(ctx context.Context, path string, maxAgeMs int64) (core.Value, error) {
	return t.ctx.Tags().Get(ctx, core.TagRef{Path: path}, maxAgeMs)
}

func (t scriptTags) History(ctx context.Context, path, window string) ([]core.Value, error) {
	return t.ctx.Tags().History(ctx, core.TagRef{Path: path}, window)
}

func (t scriptTags) Snapshot(ctx context.Context) (map[string]core.Value, error) {
	return t.ctx.Tags().InternalTagsSnapshot(ctx)
}

func (t scriptTags) Write(path string, v core.Value) error {
	t.ctx.Emit(core.TagWrite{
		NodeID: t.ctx.NodeID(),
		Tag:    core.TagRef{Path: path},
		Value:  v.At(t.ctx.Now()),
		Policy: core.WritePolicy{
			Strategy:     core.SaveAlways,
			TestSuppress: t.ctx.TestSuppress(),
			Historize:    true,
		},
	})
	return nil
}

func parseJSONLiteral(raw any) (core.Value, error) {
	switch x := raw.(type) {
	case nil:
		return core.Null(), nil
	case string:
		if x == "" {
			return core.Null(), nil
		}
		var decoded any
		if err := json.Unmarshal([]byte(x), &decoded); err != nil {
			return core.Value{}, core.Errorf(core.CodeNodeHandler, "jsonValue is not valid JSON: %v", err)
		}
		return core.JSON(decoded), nil
	default:
		return core.JSON(x), nil
	}
}
