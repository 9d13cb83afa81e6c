package nodes

import (
	"fmt"
	"math"
	"time"

	"github.com/petal-labs/tagflow/core"
	"github.com/petal-labs/tagflow/registry"
	"github.com/petal-labs/tagflow/script"
)

const formulaTimeout = time.Second

func mathDef(sb *script.Sandbox) registry.NodeTypeDef {
	return registry.NodeTypeDef{
		Kind:        KindMath,
		Category:    registry.CategoryLogic,
		DisplayName: "Math",
		Description: "Arithmetic over two or more numeric inputs.",
		Inputs:      []registry.PortDef{{Name: "input", Type: registry.PortNumber}},
		Outputs:     outputs(registry.PortNumber),
		Variadic:    true,
		MinInputs:   2,
		MaxInputs:   10,

		// absent inputs are tolerated only with skipInvalid; the handler
		// decides.
		AcceptsAbsent: true,
		Properties: []registry.PropertyDef{
			{Name: "operation", DisplayName: "Operation", Type: registry.PropOptions, Default: "add",
				Options: []string{"add", "subtract", "multiply", "divide", "average", "min", "max", "formula"}},
			{Name: "formula", DisplayName: "Formula", Type: registry.PropString, Required: true,
				DisplayOptions: &registry.DisplayOptions{Show: map[string][]any{"operation": {"formula"}}}},
			{Name: "inputCount", DisplayName: "Inputs", Type: registry.PropNumber, Default: 2.0},
			{Name: "decimalPlaces", DisplayName: "Decimal Places", Type: registry.PropNumber},
			{Name: "skipInvalid", DisplayName: "Skip Invalid Inputs", Type: registry.PropBoolean, Default: false},
		},
		Evaluate: func(ctx registry.EvalContext, in []registry.Slot, props registry.Props, _ map[string]any) ([]registry.Slot, error) {
			return evalMath(ctx, sb, in, props)
		},
	}
}

func evalMath(ctx registry.EvalContext, sb *script.Sandbox, in []registry.Slot, props registry.Props) ([]registry.Slot, error) {
	op := props.StringOr("operation", "add")
	skipInvalid := props.Bool("skipInvalid", false) && op != "formula"

	nums := make([]float64, 0, len(in))
	quality := core.QualityGood
	for i, slot := range in {
		if !slot.Present {
			if skipInvalid {
				continue
			}
			return nil, registry.ErrSkip
		}
		f, ok := slot.Value.AsNumber()
		if !ok || math.IsNaN(f) {
			if skipInvalid {
				continue
			}
			return nil, core.Errorf(core.CodeNodeHandler, "input-%d is not a number: %q", i, slot.Value.AsString())
		}
		nums = append(nums, f)
		if slot.Value.Quality < quality {
			quality = slot.Value.Quality
		}
	}
	if len(nums) == 0 {
		return nil, registry.ErrSkip
	}

	var result float64
	switch op {
	case "add":
		for _, n := range nums {
			result += n
		}
	case "subtract":
		result = nums[0]
		for _, n := range nums[1:] {
			result -= n
		}
	case "multiply":
		result = 1
		for _, n := range nums {
			result *= n
		}
	case "divide":
		result = nums[0]
		for _, n := range nums[1:] {
			if n == 0 {
				return nil, core.Errorf(core.CodeNodeHandler, "division by zero")
			}
			result /= n
		}
	case "average":
		for _, n := range nums {
			result += n
		}
		result /= float64(len(nums))
	case "min":
		result = nums[0]
		for _, n := range nums[1:] {
			result = math.Min(result, n)
		}
	case "max":
		result = nums[0]
		for _, n := range nums[1:] {
			result = math.Max(result, n)
		}
	case "formula":
		f, err := sb.EvalFormula(props.String("formula"), nums, formulaTimeout)
		if err != nil {
			return nil, err
		}
		result = f
	default:
		return nil, fmt.Errorf("unknown math operation %q", op)
	}

	if math.IsInf(result, 0) || math.IsNaN(result) {
		return nil, core.Errorf(core.CodeNodeHandler, "%s produced a non-finite result", op)
	}
	if dp, ok := props.Number("decimalPlaces"); ok && dp >= 0 {
		result = round(result, int(dp))
	}
	out := core.Number(result).WithQuality(quality).At(ctx.Now())
	return []registry.Slot{registry.Some(out)}, nil
}

func round(f float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(f*p) / p
}
