// Package store is the persistence layer: a key-value interface and an
// append-only log interface, implemented on SQLite and in memory, plus
// the flow repository and per-flow script state built on them.
//
// Key layout:
//
//	flows/{id}                flow document
//	flows/{id}/version        plan version, bumped on definition changes
//	flows/{id}/state/{key}    $flow.state entries
//	flows/{id}/pin/{nodeId}   pinned outputs
//
// Log streams:
//
//	executions/{flowId}       finalized execution records
//	logs/{flowId}             flow log entries
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("store: not found")

// KVEntry is one key-value pair.
type KVEntry struct {
	Key   string
	Value []byte
}

// KV is a string-keyed byte store.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// List returns entries whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]KVEntry, error)
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// LogRecord is one entry of an append-only stream. Labels are indexed
// for equality filtering.
type LogRecord struct {
	Stream string
	Seq    uint64
	At     time.Time
	Labels map[string]string
	Data   []byte
}

// RangeQuery filters and pages a stream. Results are newest first unless
// Ascending is set.
type RangeQuery struct {
	Since     time.Time
	Until     time.Time
	Labels    map[string]string
	Limit     int
	Offset    int
	Ascending bool
}

// Log is an append-only, prunable record store.
type Log interface {
	// Append stores rec and returns its sequence number. Sequence numbers
	// increase across all streams.
	Append(ctx context.Context, rec LogRecord) (uint64, error)
	Range(ctx context.Context, stream string, q RangeQuery) ([]LogRecord, error)
	Count(ctx context.Context, stream string, q RangeQuery) (int, error)
	PruneBefore(ctx context.Context, stream string, before time.Time) (int, error)
	DeleteStream(ctx context.Context, stream string) (int, error)
	Streams(ctx context.Context, prefix string) ([]string, error)
}

// Store combines both interfaces.
type Store interface {
	KV
	Log
	Close() error
}

func matches(rec LogRecord, q RangeQuery) bool {
	if !q.Since.IsZero() && rec.At.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !rec.At.Before(q.Until) {
		return false
	}
	for k, v := range q.Labels {
		if rec.Labels[k] != v {
			return false
		}
	}
	return true
}
