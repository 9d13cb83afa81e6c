// Package registry provides the node-type catalog used by the flow
// compiler, the evaluator and the HTTP API. Each entry declares a kind's
// ports, its property schema and its evaluate function.
package registry

import (
	"errors"
	"sort"
	"sync"
)

// ErrSkip is returned by an evaluate function when the node produces no
// output this cycle (e.g. an unfired trigger or a closed gate). Downstream
// ports see absence.
var ErrSkip = errors.New("registry: node skipped")

// Category groups node kinds in the catalog.
type Category string

const (
	CategoryTrigger Category = "trigger"
	CategoryTag     Category = "tag"
	CategoryLogic   Category = "logic"
	CategoryScript  Category = "script"
	CategoryUtility Category = "utility"
)

// NodeTypeDef describes a registered node kind.
type NodeTypeDef struct {
	Kind        string        `json:"kind"`
	Category    Category      `json:"category"`
	DisplayName string        `json:"displayName"`
	Description string        `json:"description"`
	Inputs      []PortDef     `json:"inputs"`
	Outputs     []PortDef     `json:"outputs"`
	Properties  []PropertyDef `json:"properties"`

	// Variadic kinds repeat Inputs[0] once per port; the instance's
	// inputCount picks the arity within [MinInputs, MaxInputs].
	Variadic  bool `json:"variadic,omitempty"`
	MinInputs int  `json:"minInputs,omitempty"`
	MaxInputs int  `json:"maxInputs,omitempty"`

	// Source marks kinds that start dataflow when they have no inbound edges.
	Source bool `json:"source,omitempty"`
	// Passive kinds have no ports and are excluded from plans.
	Passive bool `json:"passive,omitempty"`
	// AcceptsAbsent lets the handler run with absent input ports.
	AcceptsAbsent bool `json:"acceptsAbsent,omitempty"`

	Evaluate EvalFunc `json:"-"`
}

// InputPorts returns the concrete input ports for an instance declaring
// inputCount ports. Non-variadic kinds ignore inputCount.
func (d NodeTypeDef) InputPorts(inputCount int) []PortDef {
	if !d.Variadic || len(d.Inputs) == 0 {
		return d.Inputs
	}
	n := d.ClampInputCount(inputCount)
	ports := make([]PortDef, n)
	for i := range ports {
		ports[i] = PortDef{Name: portName(d.Inputs[0].Name, i), Type: d.Inputs[0].Type}
	}
	return ports
}

// ClampInputCount bounds n to the kind's arity, defaulting to MinInputs.
func (d NodeTypeDef) ClampInputCount(n int) int {
	if n <= 0 {
		n = d.MinInputs
	}
	if d.MinInputs > 0 && n < d.MinInputs {
		n = d.MinInputs
	}
	if d.MaxInputs > 0 && n > d.MaxInputs {
		n = d.MaxInputs
	}
	return n
}

// Property returns the named property definition.
func (d NodeTypeDef) Property(name string) (PropertyDef, bool) {
	for _, p := range d.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return PropertyDef{}, false
}

// Defaults returns a props map with every declared default filled in and
// the given overrides applied on top.
func (d NodeTypeDef) Defaults(overrides map[string]any) Props {
	props := make(Props, len(d.Properties)+len(overrides))
	for _, p := range d.Properties {
		if p.Default != nil {
			props[p.Name] = p.Default
		}
	}
	for k, v := range overrides {
		props[k] = v
	}
	return props
}

// Registry holds all known node kinds.
type Registry struct {
	mu    sync.RWMutex
	types map[string]NodeTypeDef
	order []string // preserves registration order
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		types: make(map[string]NodeTypeDef),
	}
}

// Register adds a node kind. An existing kind with the same name is
// replaced.
func (r *Registry) Register(def NodeTypeDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[def.Kind]; !exists {
		r.order = append(r.order, def.Kind)
	}
	r.types[def.Kind] = def
}

// Get returns a node kind by name.
func (r *Registry) Get(kind string) (NodeTypeDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.types[kind]
	return def, ok
}

// Has returns true if the kind is registered.
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[kind]
	return ok
}

// All returns all registered kinds in registration order.
func (r *Registry) All() []NodeTypeDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]NodeTypeDef, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.types[name])
	}
	return result
}

// Kinds returns the registered kind names sorted alphabetically.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]string(nil), r.order...)
	sort.Strings(out)
	return out
}

// Len returns the number of registered kinds.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}
