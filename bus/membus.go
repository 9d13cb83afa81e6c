package bus

import (
	"sync"
	"sync/atomic"

	"github.com/petal-labs/tagflow/core"
)

// MemBusConfig configures an in-memory log bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber (default: 256).
	SubscriberBufferSize int
}

// MemBus is an in-memory LogBus.
type MemBus struct {
	mu         sync.RWMutex
	subs       map[string][]*memSub // flowID -> subscribers
	globalSubs []*memSub
	bufSize    int
	closed     bool
}

// NewMemBus creates a new in-memory log bus.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemBus{
		subs:    make(map[string][]*memSub),
		bufSize: bufSize,
	}
}

// Publish sends an entry to all matching subscribers. Entries published
// after Close are dropped.
func (b *MemBus) Publish(entry core.LogEntry) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs[entry.FlowID] {
		sub.send(entry)
	}
	for _, sub := range b.globalSubs {
		sub.send(entry)
	}
}

// Subscribe registers a subscriber for one flow.
func (b *MemBus) Subscribe(flowID string) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b, flowID, b.bufSize)
	if b.closed {
		sub.close()
		return sub
	}
	b.subs[flowID] = append(b.subs[flowID], sub)
	return sub
}

// SubscribeAll registers a subscriber for every flow.
func (b *MemBus) SubscribeAll() Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b, "", b.bufSize)
	sub.global = true
	if b.closed {
		sub.close()
		return sub
	}
	b.globalSubs = append(b.globalSubs, sub)
	return sub
}

// SubscriberCount returns the number of live subscribers for flowID.
func (b *MemBus) SubscriberCount(flowID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[flowID])
}

// Close shuts down the bus and all active subscriptions.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
	}
	for _, sub := range b.globalSubs {
		sub.close()
	}
	b.subs = make(map[string][]*memSub)
	b.globalSubs = nil
	return nil
}

func (b *MemBus) remove(s *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.global {
		b.globalSubs = without(b.globalSubs, s)
		return
	}
	rest := without(b.subs[s.flowID], s)
	if len(rest) == 0 {
		delete(b.subs, s.flowID)
		return
	}
	b.subs[s.flowID] = rest
}

func without(subs []*memSub, s *memSub) []*memSub {
	out := subs[:0]
	for _, x := range subs {
		if x != s {
			out = append(out, x)
		}
	}
	return out
}

type memSub struct {
	bus     *MemBus
	flowID  string
	global  bool
	ch      chan core.LogEntry
	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

func newMemSub(b *MemBus, flowID string, bufSize int) *memSub {
	return &memSub{
		bus:    b,
		flowID: flowID,
		ch:     make(chan core.LogEntry, bufSize),
	}
}

func (s *memSub) Entries() <-chan core.LogEntry {
	return s.ch
}

func (s *memSub) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *memSub) Close() error {
	s.bus.remove(s)
	s.close()
	return nil
}

func (s *memSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send delivers without blocking; a full buffer drops the entry.
func (s *memSub) send(entry core.LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	select {
	case s.ch <- entry:
	default:
		s.dropped.Add(1)
	}
}

var _ LogBus = (*MemBus)(nil)
var _ Subscription = (*memSub)(nil)
