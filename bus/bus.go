// Package bus distributes flow log entries to live observers. The journal
// publishes every persisted entry; SSE streams and tests subscribe per flow.
package bus

import "github.com/petal-labs/tagflow/core"

// LogBus distributes log entries to subscribers.
type LogBus interface {
	// Publish sends an entry to subscribers of its flow and to global
	// subscribers.
	Publish(entry core.LogEntry)

	// Subscribe registers a subscriber for a single flow.
	// Returns a Subscription that must be closed when done.
	Subscribe(flowID string) Subscription

	// SubscribeAll registers a subscriber that receives entries from all flows.
	SubscribeAll() Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives log entries.
type Subscription interface {
	// Entries returns the delivery channel. It is closed when the
	// subscription or the bus is closed.
	Entries() <-chan core.LogEntry

	// Dropped reports how many entries were discarded because the
	// subscriber fell behind.
	Dropped() uint64

	// Close unsubscribes and releases resources.
	Close() error
}
