package nodes

import (
	"encoding/json"
	"fmt"

	"github.com/petal-labs/tagflow/core"
	"github.com/petal-labs/tagflow/registry"
)

var tagSourceProperties = []registry.PropertyDef{
	{Name: "tagId", DisplayName: "Tag", Type: registry.PropString, Required: true},
	{Name: "tagPath", DisplayName: "Tag Path", Type: registry.PropString},
	{Name: "source", DisplayName: "Source", Type: registry.PropOptions, Default: core.SourceInternal,
		Options: []string{core.SourceInternal, core.SourceSystem, "opcua", "s7", "eip"}},
	{Name: "connectionId", DisplayName: "Connection", Type: registry.PropString,
		DisplayOptions: &registry.DisplayOptions{Show: map[string][]any{"source": {"opcua", "s7", "eip"}}}},
}

func tagInputDef() registry.NodeTypeDef {
	props := append([]registry.PropertyDef(nil), tagSourceProperties...)
	props = append(props,
		registry.PropertyDef{Name: "dataType", DisplayName: "Data Type", Type: registry.PropOptions, Default: "any",
			Options: []string{"any", "number", "boolean", "string", "json"}},
		registry.PropertyDef{Name: "maxDataAge", DisplayName: "Max Data Age (s)", Type: registry.PropNumber, Default: -1.0,
			UserExposable: true},
	)
	return registry.NodeTypeDef{
		Kind:        KindTagInput,
		Category:    registry.CategoryTag,
		DisplayName: "Tag Input",
		Description: "Reads a tag through the tag gateway.",
		Outputs:     outputs(registry.PortMain),
		Properties:  props,
		Source:      true,
		Evaluate:    evalTagInput,
	}
}

// TagRefFromProps builds the gateway address of a tag node. tagPath wins
// over tagId when both are set.
func TagRefFromProps(props registry.Props) core.TagRef {
	return core.TagRef{
		Source:       props.String("source"),
		ConnectionID: props.String("connectionId"),
		Path:         props.StringOr("tagPath", props.String("tagId")),
	}
}

// MaxAgeMs converts maxDataAge (seconds, -1 any, 0 live) into the
// gateway's millisecond form.
func MaxAgeMs(props registry.Props) int64 {
	sec := props.Float("maxDataAge", -1)
	if sec < 0 {
		return -1
	}
	return int64(sec * 1000)
}

func evalTagInput(ctx registry.EvalContext, _ []registry.Slot, props registry.Props, _ map[string]any) ([]registry.Slot, error) {
	ref := TagRefFromProps(props)
	v, err := ctx.Tags().Get(ctx.Context(), ref, MaxAgeMs(props))
	if err != nil {
		switch core.CodeOf(err) {
		case core.CodeTagStale:
			ctx.Log(core.LevelWarn, fmt.Sprintf("tag %s is stale", ref.Path))
			return []registry.Slot{registry.Some(v.WithQuality(core.QualityBad))}, nil
		case core.CodeTagUnavailable:
			ctx.Log(core.LevelWarn, fmt.Sprintf("tag %s is unavailable", ref.Path))
			return []registry.Slot{registry.Some(core.Null().WithQuality(core.QualityBad).At(ctx.Now()))}, nil
		default:
			return nil, err
		}
	}
	converted, ok := convertTo(v, props.StringOr("dataType", "any"))
	if !ok {
		ctx.Log(core.LevelWarn, fmt.Sprintf("tag %s value %q does not convert to %s", ref.Path, v.AsString(), props.String("dataType")))
		converted = v.WithQuality(core.QualityBad)
	}
	return []registry.Slot{registry.Some(converted)}, nil
}

func convertTo(v core.Value, dataType string) (core.Value, bool) {
	var out core.Value
	switch dataType {
	case "number":
		f, ok := v.AsNumber()
		if !ok {
			return v, false
		}
		out = core.Number(f)
	case "boolean":
		b, ok := v.AsBool()
		if !ok {
			return v, false
		}
		out = core.Bool(b)
	case "string":
		out = core.String(v.AsString())
	case "json":
		if v.Type == core.TypeString {
			var decoded any
			if err := json.Unmarshal([]byte(v.Str), &decoded); err != nil {
				return v, false
			}
			out = core.JSON(decoded)
		} else {
			out = core.JSON(v.Interface())
		}
	default:
		return v, true
	}
	out.Quality = v.Quality
	out.Timestamp = v.Timestamp
	return out, true
}

func tagOutputDef() registry.NodeTypeDef {
	props := append([]registry.PropertyDef(nil), tagSourceProperties...)
	onChange := &registry.DisplayOptions{Show: map[string][]any{"saveStrategy": {string(core.SaveOnChange)}}}
	props = append(props,
		registry.PropertyDef{Name: "saveToDatabase", DisplayName: "Save To History", Type: registry.PropBoolean, Default: true},
		registry.PropertyDef{Name: "saveStrategy", DisplayName: "Save Strategy", Type: registry.PropOptions,
			Default: string(core.SaveAlways),
			Options: []string{string(core.SaveAlways), string(core.SaveOnChange), string(core.SaveNever)}},
		registry.PropertyDef{Name: "deadband", DisplayName: "Deadband", Type: registry.PropNumber, Default: 0.0,
			DisplayOptions: onChange},
		registry.PropertyDef{Name: "deadbandType", DisplayName: "Deadband Type", Type: registry.PropOptions,
			Default: string(core.DeadbandAbsolute),
			Options: []string{string(core.DeadbandAbsolute), string(core.DeadbandPercent)}, DisplayOptions: onChange},
		registry.PropertyDef{Name: "heartbeatMs", DisplayName: "Heartbeat (ms)", Type: registry.PropNumber, Default: 0.0,
			DisplayOptions: onChange},
	)
	return registry.NodeTypeDef{
		Kind:        KindTagOutput,
		Category:    registry.CategoryTag,
		DisplayName: "Tag Output",
		Description: "Writes its input to a tag via the write buffer.",
		Inputs:      []registry.PortDef{{Name: "input", Type: registry.PortMain}},
		Properties:  props,
		Evaluate:    evalTagOutput,
	}
}

// PolicyFromProps builds the write policy of a tag-output node.
func PolicyFromProps(props registry.Props) core.WritePolicy {
	p := core.WritePolicy{
		Strategy:     core.SaveStrategy(props.StringOr("saveStrategy", string(core.SaveAlways))),
		Deadband:     props.Float("deadband", 0),
		DeadbandType: core.DeadbandType(props.StringOr("deadbandType", string(core.DeadbandAbsolute))),
		HeartbeatMs:  int64(props.Float("heartbeatMs", 0)),
		Historize:    props.Bool("saveToDatabase", true),
	}
	if p.Deadband < 0 {
		p.Deadband = 0
	}
	if p.HeartbeatMs < 0 {
		p.HeartbeatMs = 0
	}
	return p
}

// evalTagOutput forwards Good-quality input to the write buffer. Anything
// below Good never produces a write.
func evalTagOutput(ctx registry.EvalContext, in []registry.Slot, props registry.Props, _ map[string]any) ([]registry.Slot, error) {
	v := in[0].Value
	ref := TagRefFromProps(props)
	if !v.Quality.IsGood() {
		ctx.Log(core.LevelWarn, fmt.Sprintf("write to %s skipped: upstream quality %d", ref.Path, v.Quality))
		return nil, nil
	}
	policy := PolicyFromProps(props)
	policy.TestSuppress = ctx.TestSuppress()
	ctx.Emit(core.TagWrite{NodeID: ctx.NodeID(), Tag: ref, Value: v, Policy: policy})
	return nil, nil
}
