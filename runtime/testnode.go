package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/tagflow/core"
	"github.com/petal-labs/tagflow/registry"
)

// NodeTestOptions configure a single-node test.
type NodeTestOptions struct {
	// ExecutionID defaults to a new UUID.
	ExecutionID string

	// MockInput replaces the node's inputs. A list with one element per
	// input port maps onto the ports; any other value feeds port 0.
	MockInput    any
	HasMockInput bool

	Pins         map[string]core.Value
	Parameters   map[string]any
	TestSuppress bool
}

// TestNode runs one node's handler outside a full cycle. Inputs come
// from MockInput, else from pins or last known outputs of predecessors.
// A trigger under test counts as fired. Writes the node emits flush as
// in a cycle, subject to TestSuppress.
func (e *Evaluator) TestNode(ctx context.Context, nodeID string, opts NodeTestOptions) (*core.ExecutionRecord, error) {
	n, ok := e.plan.Node(nodeID)
	if !ok {
		return nil, fmt.Errorf("runtime: test node %q: %w", nodeID, ErrUnknownNode)
	}
	if opts.ExecutionID == "" {
		opts.ExecutionID = uuid.NewString()
	}
	c := e.newCycle(ctx, CycleOptions{
		ExecutionID:   opts.ExecutionID,
		Kind:          core.KindNodeTest,
		TriggerNodeID: nodeID,
		Fires:         map[string]bool{nodeID: true},
		Pins:          opts.Pins,
		Parameters:    opts.Parameters,
		TestSuppress:  opts.TestSuppress,
	})
	for _, pred := range e.plan.Predecessors(nodeID) {
		if p, ok := e.plan.Node(pred); ok {
			c.carryOver(p)
		}
	}
	if opts.HasMockInput {
		c.mock = mockSlots(opts.MockInput, len(n.Inbound), e.cfg.Now())
	}
	// The pin on the node under test is ignored so its handler runs.
	c.opts.Pins = withoutPin(opts.Pins, nodeID)

	c.emit(c.event(EventCycleStarted).WithPayload("kind", string(core.KindNodeTest)))
	c.evalNode(n)
	c.finish()
	c.emit(c.event(EventCycleFinished).
		WithElapsed(c.rec.Duration()).
		WithPayload("status", string(c.rec.Status)))
	return c.rec, nil
}

func withoutPin(pins map[string]core.Value, nodeID string) map[string]core.Value {
	if _, ok := pins[nodeID]; !ok {
		return pins
	}
	out := make(map[string]core.Value, len(pins)-1)
	for id, v := range pins {
		if id != nodeID {
			out[id] = v
		}
	}
	return out
}

func mockSlots(mock any, ports int, now time.Time) map[int]registry.Slot {
	out := make(map[int]registry.Slot)
	if list, ok := mock.([]any); ok && ports > 1 && len(list) == ports {
		for i, raw := range list {
			out[i] = registry.Some(core.FromAny(raw).At(now))
		}
		return out
	}
	if ports > 0 {
		out[0] = registry.Some(core.FromAny(mock).At(now))
	}
	return out
}
