// Package runtime evaluates compiled flow plans one cycle at a time and
// reports what happened as sequence-numbered events.
package runtime

import (
	"time"
)

// EventKind identifies the type of event emitted by the evaluator.
type EventKind string

const (
	// EventCycleStarted is emitted when a cycle begins.
	EventCycleStarted EventKind = "cycle.started"

	// EventCycleFinished is emitted when a cycle is finalized.
	EventCycleFinished EventKind = "cycle.finished"

	// EventNodeStarted is emitted before a node handler is invoked.
	EventNodeStarted EventKind = "node.started"

	// EventNodeFinished is emitted when a node handler returns outputs.
	EventNodeFinished EventKind = "node.finished"

	// EventNodeFailed is emitted when a node handler returns an error.
	EventNodeFailed EventKind = "node.failed"

	// EventNodeSkipped is emitted when a node produces no output this
	// cycle (absent inputs, unfired trigger, closed gate).
	EventNodeSkipped EventKind = "node.skipped"

	// EventNodePinned is emitted when pin data replaces a node's output.
	EventNodePinned EventKind = "node.pinned"

	// EventWriteEmitted is emitted for each write the flush delivered or
	// decided on.
	EventWriteEmitted EventKind = "write.emitted"

	// EventWriteSuppressed is emitted for writes withheld by test mode.
	EventWriteSuppressed EventKind = "write.suppressed"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a structured record of what happened during a cycle. Events
// are small; full node outputs live in the execution record.
type Event struct {
	Kind EventKind

	FlowID      string
	ExecutionID string

	// NodeID and NodeKind are empty for cycle-level events.
	NodeID   string
	NodeKind string

	Time time.Time

	// Elapsed is the duration since the cycle or node started.
	Elapsed time.Duration

	Payload map[string]any

	// Seq is a monotonic sequence number per cycle (1-indexed).
	Seq uint64
}

// NewEvent creates an event stamped with at.
func NewEvent(kind EventKind, flowID, executionID string, at time.Time) Event {
	return Event{
		Kind:        kind,
		FlowID:      flowID,
		ExecutionID: executionID,
		Time:        at,
		Payload:     make(map[string]any),
	}
}

// WithNode sets the node information on the event.
func (e Event) WithNode(nodeID, nodeKind string) Event {
	e.NodeID = nodeID
	e.NodeKind = nodeKind
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventHandler is a function type for handling events.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelEventHandler returns a handler that sends events to a channel.
// Events are dropped if the channel is full.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
		}
	}
}
