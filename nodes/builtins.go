// Package nodes provides the built-in node kinds: triggers, tag I/O,
// arithmetic, comparison, gating, constants, scripting and comments.
package nodes

import (
	"sync"

	"github.com/petal-labs/tagflow/registry"
	"github.com/petal-labs/tagflow/script"
)

// Built-in kind names.
const (
	KindTriggerManual = "trigger-manual"
	KindTagInput      = "tag-input"
	KindTagOutput     = "tag-output"
	KindMath          = "math"
	KindComparison    = "comparison"
	KindGate          = "gate"
	KindConstant      = "constant"
	KindScriptJS      = "script-js"
	KindComment       = "comment"
)

var (
	defaultReg  *registry.Registry
	defaultOnce sync.Once
)

// Default returns a process-wide registry with every built-in kind
// registered against a sandbox using DefaultConfig.
func Default() *registry.Registry {
	defaultOnce.Do(func() {
		defaultReg = New(script.New(script.DefaultConfig()))
	})
	return defaultReg
}

// New returns a registry with every built-in kind. Script and formula
// nodes run on sb.
func New(sb *script.Sandbox) *registry.Registry {
	r := registry.New()
	Register(r, sb)
	return r
}

// Register adds the built-in kinds to r.
func Register(r *registry.Registry, sb *script.Sandbox) {
	r.Register(triggerManualDef())
	r.Register(tagInputDef())
	r.Register(tagOutputDef())
	r.Register(mathDef(sb))
	r.Register(comparisonDef())
	r.Register(gateDef())
	r.Register(constantDef())
	r.Register(scriptDef(sb))
	r.Register(commentDef())
}

func outputs(t registry.PortType) []registry.PortDef {
	return []registry.PortDef{{Name: "output", Type: t}}
}

var onErrorProperty = registry.PropertyDef{
	Name:        "onError",
	DisplayName: "On Error",
	Type:        registry.PropOptions,
	Default:     "stop",
	Options:     []string{"stop", "continue"},
}

func commentDef() registry.NodeTypeDef {
	return registry.NodeTypeDef{
		Kind:        KindComment,
		Category:    registry.CategoryUtility,
		DisplayName: "Comment",
		Description: "Canvas annotation; never executed.",
		Passive:     true,
		Properties: []registry.PropertyDef{
			{Name: "text", DisplayName: "Text", Type: registry.PropString},
		},
	}
}
