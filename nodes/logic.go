package nodes

import (
	"fmt"
	"math"

	"github.com/petal-labs/tagflow/core"
	"github.com/petal-labs/tagflow/registry"
)

func comparisonDef() registry.NodeTypeDef {
	return registry.NodeTypeDef{
		Kind:        KindComparison,
		Category:    registry.CategoryLogic,
		DisplayName: "Comparison",
		Description: "Compares two numbers.",
		Inputs: []registry.PortDef{
			{Name: "a", Type: registry.PortNumber},
			{Name: "b", Type: registry.PortNumber},
		},
		Outputs: outputs(registry.PortBoolean),
		Properties: []registry.PropertyDef{
			{Name: "operation", DisplayName: "Operation", Type: registry.PropOptions, Default: "gt",
				Options: []string{"gt", "lt", "gte", "lte", "eq", "neq"}},
			{Name: "tolerance", DisplayName: "Tolerance", Type: registry.PropNumber,
				DisplayOptions: &registry.DisplayOptions{Show: map[string][]any{"operation": {"eq", "neq"}}}},
		},
		Evaluate: evalComparison,
	}
}

func evalComparison(ctx registry.EvalContext, in []registry.Slot, props registry.Props, _ map[string]any) ([]registry.Slot, error) {
	a, ok := in[0].Value.AsNumber()
	if !ok {
		return nil, core.Errorf(core.CodeNodeHandler, "input a is not a number: %q", in[0].Value.AsString())
	}
	b, ok := in[1].Value.AsNumber()
	if !ok {
		return nil, core.Errorf(core.CodeNodeHandler, "input b is not a number: %q", in[1].Value.AsString())
	}
	tol := props.Float("tolerance", epsilon)
	if tol < 0 {
		tol = epsilon
	}

	var result bool
	switch op := props.StringOr("operation", "gt"); op {
	case "gt":
		result = a > b
	case "lt":
		result = a < b
	case "gte":
		result = a >= b
	case "lte":
		result = a <= b
	case "eq":
		result = math.Abs(a-b) <= tol
	case "neq":
		result = math.Abs(a-b) > tol
	default:
		return nil, fmt.Errorf("unknown comparison %q", op)
	}

	q := min(in[0].Value.Quality, in[1].Value.Quality)
	return []registry.Slot{registry.Some(core.Bool(result).WithQuality(q).At(ctx.Now()))}, nil
}

// epsilon is the float64 machine epsilon.
const epsilon = 2.220446049250313e-16

func gateDef() registry.NodeTypeDef {
	return registry.NodeTypeDef{
		Kind:        KindGate,
		Category:    registry.CategoryLogic,
		DisplayName: "Gate",
		Description: "Passes its value input through only while open is true.",
		Inputs: []registry.PortDef{
			{Name: "open", Type: registry.PortBoolean},
			{Name: "value", Type: registry.PortAny},
		},
		Outputs:  outputs(registry.PortAny),
		Evaluate: evalGate,
	}
}

// evalGate suppresses its output while closed so nothing downstream runs.
func evalGate(ctx registry.EvalContext, in []registry.Slot, _ registry.Props, _ map[string]any) ([]registry.Slot, error) {
	open, ok := in[0].Value.AsBool()
	if !ok || !open || !in[0].Value.Quality.IsGood() {
		return nil, registry.ErrSkip
	}
	return []registry.Slot{in[1]}, nil
}

func constantDef() registry.NodeTypeDef {
	show := func(t string) *registry.DisplayOptions {
		return &registry.DisplayOptions{Show: map[string][]any{"valueType": {t}}}
	}
	return registry.NodeTypeDef{
		Kind:        KindConstant,
		Category:    registry.CategoryUtility,
		DisplayName: "Constant",
		Description: "Emits a fixed value every cycle.",
		Outputs:     outputs(registry.PortMain),
		Source:      true,
		Properties: []registry.PropertyDef{
			{Name: "valueType", DisplayName: "Type", Type: registry.PropOptions, Default: "number",
				Options: []string{"number", "string", "boolean", "json"}},
			{Name: "numberValue", DisplayName: "Value", Type: registry.PropNumber, Default: 0.0,
				UserExposable: true, DisplayOptions: show("number")},
			{Name: "stringValue", DisplayName: "Value", Type: registry.PropString,
				UserExposable: true, DisplayOptions: show("string")},
			{Name: "booleanValue", DisplayName: "Value", Type: registry.PropBoolean, Default: false,
				UserExposable: true, DisplayOptions: show("boolean")},
			{Name: "jsonValue", DisplayName: "Value", Type: registry.PropJSON,
				UserExposable: true, DisplayOptions: show("json")},
		},
		Evaluate: evalConstant,
	}
}

func evalConstant(ctx registry.EvalContext, _ []registry.Slot, props registry.Props, _ map[string]any) ([]registry.Slot, error) {
	v, err := ConstantValue(props, ctx.Parameters())
	if err != nil {
		return nil, err
	}
	return []registry.Slot{registry.Some(v.At(ctx.Now()))}, nil
}

// ConstantValue resolves a constant node's literal. Manual executions may
// override exposed literals through parameters keyed by property name.
func ConstantValue(props registry.Props, params map[string]any) (core.Value, error) {
	kind := props.StringOr("valueType", "number")
	key := kind + "Value"
	if p, ok := params[key]; ok {
		props = registry.Props{key: p}
	}
	switch kind {
	case "number":
		f, ok := props.Number(key)
		if !ok {
			if props.Has(key) {
				return core.Value{}, core.Errorf(core.CodeNodeHandler, "numberValue %q is not a number", props.String(key))
			}
			f = 0
		}
		return core.Number(f), nil
	case "string":
		return core.String(props.String(key)), nil
	case "boolean":
		return core.Bool(props.Bool(key, false)), nil
	case "json":
		return parseJSONLiteral(props[key])
	default:
		return core.Value{}, fmt.Errorf("unknown constant type %q", kind)
	}
}
