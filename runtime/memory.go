package runtime

import (
	"sync"

	"github.com/petal-labs/tagflow/registry"
)

// Memory is what one flow carries between cycles: each node's private
// handler state and its last produced outputs. Partial executions read
// the last outputs of predecessors outside their closure.
type Memory struct {
	mu    sync.Mutex
	state map[string]map[string]any
	last  map[string][]registry.Slot
}

// NewMemory returns an empty Memory.
func NewMemory() *Memory {
	return &Memory{
		state: make(map[string]map[string]any),
		last:  make(map[string][]registry.Slot),
	}
}

// NodeState returns the private state map of nodeID, creating it.
// Cycles of a flow are serial, so the map is only touched by one
// handler at a time.
func (m *Memory) NodeState(nodeID string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.state[nodeID]
	if !ok {
		s = make(map[string]any)
		m.state[nodeID] = s
	}
	return s
}

// Last returns the last outputs of nodeID.
func (m *Memory) Last(nodeID string) ([]registry.Slot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.last[nodeID]
	return s, ok
}

func (m *Memory) remember(outputs map[string][]registry.Slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, slots := range outputs {
		m.last[id] = slots
	}
}

// Forget drops state and outputs of nodes not in keep. Called after a
// plan is recompiled so removed nodes do not linger.
func (m *Memory) Forget(keep func(nodeID string) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.state {
		if !keep(id) {
			delete(m.state, id)
		}
	}
	for id := range m.last {
		if !keep(id) {
			delete(m.last, id)
		}
	}
}
