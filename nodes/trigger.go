package nodes

import (
	"github.com/petal-labs/tagflow/core"
	"github.com/petal-labs/tagflow/registry"
)

func triggerManualDef() registry.NodeTypeDef {
	return registry.NodeTypeDef{
		Kind:        KindTriggerManual,
		Category:    registry.CategoryTrigger,
		DisplayName: "Manual Trigger",
		Description: "Fires once per pending trigger request.",
		Outputs:     outputs(registry.PortTrigger),
		Source:      true,
		Properties: []registry.PropertyDef{
			{Name: "label", DisplayName: "Label", Type: registry.PropString},
		},
		Evaluate: evalTriggerManual,
	}
}

// evalTriggerManual emits true only when the cycle consumed a fire for
// this node.
func evalTriggerManual(ctx registry.EvalContext, _ []registry.Slot, _ registry.Props, state map[string]any) ([]registry.Slot, error) {
	if !ctx.Fired() {
		return nil, registry.ErrSkip
	}
	now := ctx.Now()
	state["lastFiredAt"] = now
	return []registry.Slot{registry.Some(core.Bool(true).At(now))}, nil
}
