package graph

import (
	"fmt"
	"sort"
)

// OrderEntry is one row of the execution order shown to users.
type OrderEntry struct {
	NodeID string `json:"nodeId"`
	Order  int    `json:"order"`
}

// ExecutionOrder returns plan indices filtered to reachable nodes.
// Passive nodes never appear in a plan.
func (p *Plan) ExecutionOrder() []OrderEntry {
	out := make([]OrderEntry, 0, len(p.Nodes))
	for _, n := range p.Nodes {
		if n.Dormant {
			continue
		}
		out = append(out, OrderEntry{NodeID: n.ID, Order: n.Order})
	}
	return out
}

// ForwardClosure returns start plus every node reachable from it along
// outbound edges.
func (p *Plan) ForwardClosure(start string) (map[string]bool, error) {
	if _, ok := p.index[start]; !ok {
		return nil, fmt.Errorf("graph: node %q is not in the plan", start)
	}
	closure := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		n := &p.Nodes[p.index[id]]
		for _, b := range n.Outbound {
			if !closure[b.Target] {
				closure[b.Target] = true
				queue = append(queue, b.Target)
			}
		}
	}
	return closure, nil
}

// ClosureIDs returns the forward closure of start in plan order.
func (p *Plan) ClosureIDs(start string) ([]string, error) {
	closure, err := p.ForwardClosure(start)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(closure))
	for id := range closure {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return p.index[ids[i]] < p.index[ids[j]] })
	return ids, nil
}

// Predecessors returns the direct upstream node ids of id.
func (p *Plan) Predecessors(id string) []string {
	n, ok := p.Node(id)
	if !ok {
		return nil
	}
	var out []string
	for _, b := range n.Inbound {
		if b != nil {
			out = append(out, b.Source)
		}
	}
	return out
}
