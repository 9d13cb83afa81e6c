package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and ephemeral runs.
type MemoryStore struct {
	mu   sync.RWMutex
	kv   map[string][]byte
	logs map[string][]LogRecord
	seq  uint64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kv:   make(map[string][]byte),
		logs: make(map[string][]LogRecord),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.kv[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	return nil
}

func (m *MemoryStore) List(_ context.Context, prefix string) ([]KVEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []KVEntry
	for k, v := range m.kv {
		if strings.HasPrefix(k, prefix) {
			out = append(out, KVEntry{Key: k, Value: append([]byte(nil), v...)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.kv {
		if strings.HasPrefix(k, prefix) {
			delete(m.kv, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Append(_ context.Context, rec LogRecord) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	rec.Seq = m.seq
	rec.At = rec.At.UTC()
	rec.Data = append([]byte(nil), rec.Data...)
	m.logs[rec.Stream] = append(m.logs[rec.Stream], rec)
	return rec.Seq, nil
}

func (m *MemoryStore) filtered(stream string, q RangeQuery) []LogRecord {
	var out []LogRecord
	for _, rec := range m.logs[stream] {
		if matches(rec, q) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.At.Equal(b.At) {
			if q.Ascending {
				return a.At.Before(b.At)
			}
			return a.At.After(b.At)
		}
		if q.Ascending {
			return a.Seq < b.Seq
		}
		return a.Seq > b.Seq
	})
	return out
}

func (m *MemoryStore) Range(_ context.Context, stream string, q RangeQuery) ([]LogRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.filtered(stream, q)
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Count(_ context.Context, stream string, q RangeQuery) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.filtered(stream, q)), nil
}

func (m *MemoryStore) PruneBefore(_ context.Context, stream string, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.logs[stream]
	kept := recs[:0]
	for _, rec := range recs {
		if !rec.At.Before(before) {
			kept = append(kept, rec)
		}
	}
	n := len(recs) - len(kept)
	m.logs[stream] = kept
	return n, nil
}

func (m *MemoryStore) DeleteStream(_ context.Context, stream string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.logs[stream])
	delete(m.logs, stream)
	return n, nil
}

func (m *MemoryStore) Streams(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for s, recs := range m.logs {
		if len(recs) > 0 && strings.HasPrefix(s, prefix) {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
