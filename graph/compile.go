package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/petal-labs/tagflow/core"
	"github.com/petal-labs/tagflow/registry"
)

// Binding is one edge as seen from a plan node.
type Binding struct {
	EdgeID     string `json:"edgeId"`
	Source     string `json:"source"`
	SourcePort int    `json:"sourcePort"`
	Target     string `json:"target"`
	TargetPort int    `json:"targetPort"`
}

// PlanNode is a compiled node. Plans list them in execution order.
// Inbound is indexed by input port and holds nil for unconnected ports.
// Order is the 1-based position among reachable nodes.
type PlanNode struct {
	ID       string             `json:"id"`
	Kind     string             `json:"kind"`
	Props    registry.Props     `json:"props"`
	Inputs   []registry.PortDef `json:"inputs"`
	Outputs  []registry.PortDef `json:"outputs"`
	Inbound  []*Binding         `json:"inbound"`
	Outbound []Binding          `json:"outbound"`
	Dormant  bool               `json:"dormant,omitempty"`
	Trigger  bool               `json:"trigger,omitempty"`
	Order    int                `json:"order,omitempty"`
}

// Plan is the immutable executable form of a flow definition.
type Plan struct {
	FlowID   string     `json:"flowId"`
	Version  int64      `json:"version"`
	Nodes    []PlanNode `json:"nodes"`
	Triggers []string   `json:"triggers,omitempty"`

	index map[string]int
}

// Node returns the compiled node with id.
func (p *Plan) Node(id string) (*PlanNode, bool) {
	i, ok := p.index[id]
	if !ok {
		return nil, false
	}
	return &p.Nodes[i], true
}

// Index returns the position of id in execution order, or -1.
func (p *Plan) Index(id string) int {
	if i, ok := p.index[id]; ok {
		return i
	}
	return -1
}

// Order returns node ids in execution order.
func (p *Plan) Order() []string {
	ids := make([]string, len(p.Nodes))
	for i, n := range p.Nodes {
		ids[i] = n.ID
	}
	return ids
}

// Hash returns a digest of the plan's canonical JSON encoding.
func (p *Plan) Hash() string {
	data, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type compileNode struct {
	def     NodeDef
	typ     registry.NodeTypeDef
	props   registry.Props
	inputs  []registry.PortDef
	inbound []*Binding
	out     []Binding
}

// Compile validates def against reg and produces a Plan. When any error
// diagnostic is produced the returned plan is nil.
func Compile(flowID string, version int64, def Definition, reg *registry.Registry) (*Plan, []Diagnostic) {
	var diags []Diagnostic

	// Step 1: nodes.
	nodes := make(map[string]*compileNode, len(def.Nodes))
	var ids []string
	for _, n := range def.Nodes {
		if n.ID == "" {
			diags = append(diags, errorDiag(core.CodeInvalidNode, "", "", "node with kind %q has no id", n.Kind))
			continue
		}
		if _, dup := nodes[n.ID]; dup {
			diags = append(diags, errorDiag(core.CodeInvalidNode, n.ID, "", "duplicate node id %q", n.ID))
			continue
		}
		typ, ok := reg.Get(n.Kind)
		if !ok {
			diags = append(diags, errorDiag(core.CodeInvalidNode, n.ID, "", "unknown node kind %q", n.Kind))
			continue
		}
		cn := &compileNode{def: n, typ: typ, props: typ.Defaults(n.Properties)}
		diags = append(diags, validateNode(cn)...)
		cn.inputs = typ.InputPorts(n.Arity())
		cn.inbound = make([]*Binding, len(cn.inputs))
		nodes[n.ID] = cn
		ids = append(ids, n.ID)
	}
	sort.Strings(ids)

	// Step 2: edges.
	edgeIDs := make(map[string]bool, len(def.Edges))
	var valid []Binding
	for i, e := range def.Edges {
		if e.ID == "" {
			e.ID = fmt.Sprintf("edge-%d", i)
		}
		if edgeIDs[e.ID] {
			diags = append(diags, errorDiag(core.CodeInvalidEdge, "", e.ID, "duplicate edge id %q", e.ID))
			continue
		}
		edgeIDs[e.ID] = true

		b, d := bindEdge(e, nodes)
		if d != nil {
			diags = append(diags, *d)
			continue
		}
		target := nodes[b.Target]
		if prev := target.inbound[b.TargetPort]; prev != nil {
			diags = append(diags, errorDiag(core.CodeInvalidEdge, b.Target, e.ID,
				"input-%d of node %q already has edge %q", b.TargetPort, b.Target, prev.EdgeID))
			continue
		}
		src := nodes[b.Source].typ.Outputs[b.SourcePort].Type
		dst := target.inputs[b.TargetPort].Type
		if !registry.Compatible(src, dst) {
			diags = append(diags, errorDiag(core.CodeTypeMismatch, b.Target, e.ID,
				"edge %s connects %s output to %s input", e.Label(), src, dst))
			continue
		}
		bound := b
		target.inbound[b.TargetPort] = &bound
		nodes[b.Source].out = append(nodes[b.Source].out, b)
		valid = append(valid, b)
	}

	// Step 3: cycles.
	if d := detectCycle(ids, nodes); d != nil {
		diags = append(diags, *d)
	}
	if HasErrors(diags) {
		return nil, diags
	}

	// Step 4: order.
	order := topoOrder(ids, nodes, valid)

	// Step 5: reachability and port indexing.
	reachable := reachableFromSources(ids, nodes)
	plan := &Plan{
		FlowID:  flowID,
		Version: version,
		Nodes:   make([]PlanNode, 0, len(order)),
		index:   make(map[string]int, len(order)),
	}
	seq := 0
	for _, id := range order {
		cn := nodes[id]
		sort.Slice(cn.out, func(i, j int) bool {
			if cn.out[i].SourcePort != cn.out[j].SourcePort {
				return cn.out[i].SourcePort < cn.out[j].SourcePort
			}
			if cn.out[i].Target != cn.out[j].Target {
				return cn.out[i].Target < cn.out[j].Target
			}
			return cn.out[i].TargetPort < cn.out[j].TargetPort
		})
		pn := PlanNode{
			ID:       id,
			Kind:     cn.def.Kind,
			Props:    cn.props,
			Inputs:   cn.inputs,
			Outputs:  cn.typ.Outputs,
			Inbound:  cn.inbound,
			Outbound: cn.out,
			Dormant:  !reachable[id],
			Trigger:  cn.typ.Category == registry.CategoryTrigger,
		}
		if !pn.Dormant {
			seq++
			pn.Order = seq
		}
		if pn.Trigger {
			plan.Triggers = append(plan.Triggers, id)
		}
		plan.index[id] = len(plan.Nodes)
		plan.Nodes = append(plan.Nodes, pn)
	}
	return plan, diags
}

func validateNode(cn *compileNode) []Diagnostic {
	var diags []Diagnostic
	id := cn.def.ID
	for _, p := range cn.typ.Properties {
		if !p.Visible(cn.props) {
			continue
		}
		if p.Required && !cn.props.Has(p.Name) {
			diags = append(diags, errorDiag(core.CodeNodeConfigMissing, id, "",
				"%s node %q requires property %q", cn.typ.Kind, id, p.Name))
			continue
		}
		if len(p.Options) > 0 && cn.props.Has(p.Name) {
			val := cn.props.String(p.Name)
			if !contains(p.Options, val) {
				diags = append(diags, errorDiag(core.CodeInvalidNode, id, "",
					"property %q of node %q must be one of %v, got %q", p.Name, id, p.Options, val))
			}
		}
	}
	if cn.typ.Variadic {
		if n := cn.def.Arity(); n != 0 && (n < cn.typ.MinInputs || (cn.typ.MaxInputs > 0 && n > cn.typ.MaxInputs)) {
			diags = append(diags, errorDiag(core.CodeInvalidNode, id, "",
				"node %q declares %d inputs, allowed range is %d..%d", id, n, cn.typ.MinInputs, cn.typ.MaxInputs))
		}
	}
	return diags
}

func bindEdge(e EdgeDef, nodes map[string]*compileNode) (Binding, *Diagnostic) {
	fail := func(format string, args ...any) (Binding, *Diagnostic) {
		d := errorDiag(core.CodeInvalidEdge, "", e.ID, format, args...)
		return Binding{}, &d
	}
	src, ok := nodes[e.Source]
	if !ok {
		return fail("edge %s references unknown source node %q", e.Label(), e.Source)
	}
	dst, ok := nodes[e.Target]
	if !ok {
		return fail("edge %s references unknown target node %q", e.Label(), e.Target)
	}
	if src.typ.Passive || dst.typ.Passive {
		return fail("edge %s touches a passive node", e.Label())
	}
	sp, err := ParseHandle(e.SourceHandle)
	if err != nil {
		return fail("edge %s: %v", e.Label(), err)
	}
	tp, err := ParseHandle(e.TargetHandle)
	if err != nil {
		return fail("edge %s: %v", e.Label(), err)
	}
	if sp >= len(src.typ.Outputs) {
		return fail("edge %s: node %q has no output-%d", e.Label(), e.Source, sp)
	}
	if tp >= len(dst.inputs) {
		return fail("edge %s: node %q has no input-%d", e.Label(), e.Target, tp)
	}
	return Binding{EdgeID: e.ID, Source: e.Source, SourcePort: sp, Target: e.Target, TargetPort: tp}, nil
}

// detectCycle runs a depth-first search with a recursion stack and
// reports the first back edge found.
func detectCycle(ids []string, nodes map[string]*compileNode) *Diagnostic {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(ids))
	var found *Diagnostic

	var visit func(id string)
	visit = func(id string) {
		color[id] = grey
		for _, b := range sortedOut(nodes[id].out) {
			if found != nil {
				return
			}
			switch color[b.Target] {
			case grey:
				d := errorDiag(core.CodeCycle, b.Target, b.EdgeID,
					"circular dependency: edge %q (%s -> %s) closes a cycle", b.EdgeID, b.Source, b.Target)
				found = &d
				return
			case white:
				visit(b.Target)
			}
		}
		color[id] = black
	}

	for _, id := range ids {
		if color[id] == white {
			visit(id)
		}
		if found != nil {
			return found
		}
	}
	return nil
}

func sortedOut(out []Binding) []Binding {
	s := append([]Binding(nil), out...)
	sort.Slice(s, func(i, j int) bool {
		if s[i].Target != s[j].Target {
			return s[i].Target < s[j].Target
		}
		return s[i].EdgeID < s[j].EdgeID
	})
	return s
}

// topoOrder is Kahn's algorithm with the ready set kept sorted by id so
// the order is stable across compilations. Passive nodes are dropped.
func topoOrder(ids []string, nodes map[string]*compileNode, edges []Binding) []string {
	indeg := make(map[string]int, len(ids))
	for _, b := range edges {
		indeg[b.Target]++
	}
	var ready []string
	for _, id := range ids {
		if indeg[id] == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(ids))
	for len(ready) > 0 {
		sort.Strings(ready)
		id := ready[0]
		ready = ready[1:]
		if !nodes[id].typ.Passive {
			order = append(order, id)
		}
		for _, b := range nodes[id].out {
			indeg[b.Target]--
			if indeg[b.Target] == 0 {
				ready = append(ready, b.Target)
			}
		}
	}
	return order
}

// reachableFromSources marks every node with a path from a source node
// (a registry source kind with no inbound edges).
func reachableFromSources(ids []string, nodes map[string]*compileNode) map[string]bool {
	seen := make(map[string]bool, len(ids))
	var queue []string
	for _, id := range ids {
		cn := nodes[id]
		if cn.typ.Source && !hasInbound(cn) {
			seen[id] = true
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, b := range nodes[id].out {
			if !seen[b.Target] {
				seen[b.Target] = true
				queue = append(queue, b.Target)
			}
		}
	}
	return seen
}

func hasInbound(cn *compileNode) bool {
	for _, b := range cn.inbound {
		if b != nil {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
