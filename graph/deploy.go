package graph

import (
	"fmt"

	"github.com/petal-labs/tagflow/core"
	"github.com/petal-labs/tagflow/registry"
)

// KindTagOutput is checked by deploy validation: a dormant tag-output can
// never write.
const KindTagOutput = "tag-output"

// ValidateDeploy compiles def and adds deploy-time rules: the flow must
// contain at least one node and one source node, and no tag-output may be
// dormant. Disconnected nodes produce warnings.
func ValidateDeploy(flowID string, version int64, def Definition, reg *registry.Registry) (*Plan, []Diagnostic) {
	var diags []Diagnostic

	active := 0
	sources := 0
	for _, n := range def.Nodes {
		typ, ok := reg.Get(n.Kind)
		if ok && typ.Passive {
			continue
		}
		active++
		if ok && typ.Source {
			sources++
		}
	}
	if active == 0 {
		diags = append(diags, errorDiag(core.CodeEmpty, "", "", "flow has no nodes"))
		return nil, diags
	}
	if sources == 0 {
		diags = append(diags, errorDiag(core.CodeEmpty, "", "", "flow has no source node (trigger-manual, tag-input or constant)"))
	}

	plan, compileDiags := Compile(flowID, version, def, reg)
	diags = append(diags, compileDiags...)
	if plan == nil {
		return nil, diags
	}

	connected := make(map[string]bool)
	for _, e := range def.Edges {
		connected[e.Source] = true
		connected[e.Target] = true
	}
	for _, n := range plan.Nodes {
		if n.Kind == KindTagOutput && n.Dormant {
			diags = append(diags, errorDiag(core.CodeInvalidNode, n.ID, "",
				"tag-output %q is not reachable from any source node", n.ID))
		}
		if !connected[n.ID] {
			diags = append(diags, Diagnostic{
				Code:     core.CodeInvalidNode,
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("node %q is not connected", n.ID),
				NodeID:   n.ID,
			})
		}
	}
	if HasErrors(diags) {
		return nil, diags
	}
	return plan, diags
}
