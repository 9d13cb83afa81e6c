// Package writebuf batches the tag writes of a cycle and applies the
// per-tag save policy (never, always, on-change with deadband and
// heartbeat) before flushing them to the tag gateway.
package writebuf

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/petal-labs/tagflow/core"
)

// Writer is the tag gateway surface the buffer flushes to.
type Writer interface {
	Write(ctx context.Context, ref core.TagRef, v core.Value, historize bool) (core.WriteOutcome, error)
}

// Config configures a Buffer.
type Config struct {
	Writer Writer
	// Bound is the per-cycle write limit before same-tag writes collapse
	// latest-wins. Zero means 1000.
	Bound int
	// Parallelism limits concurrent writes to distinct tags. Zero means 8.
	Parallelism int
	Now         func() time.Time
	Logger      *slog.Logger
}

// Buffer holds one flow's write history: the last value written per tag
// and when. It is safe for concurrent use, though a flow flushes one
// batch at a time.
type Buffer struct {
	cfg Config

	mu   sync.Mutex
	last map[string]lastWrite
}

type lastWrite struct {
	value core.Value
	at    time.Time
}

// New creates a Buffer.
func New(cfg Config) *Buffer {
	if cfg.Bound <= 0 {
		cfg.Bound = 1000
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Buffer{cfg: cfg, last: make(map[string]lastWrite)}
}

// Reset forgets every last-written value so the next write of each tag
// is emitted unconditionally.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.last = make(map[string]lastWrite)
	b.mu.Unlock()
}

func (b *Buffer) lastFor(key string) (lastWrite, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	lw, ok := b.last[key]
	return lw, ok
}

func (b *Buffer) record(key string, v core.Value, at time.Time) {
	b.mu.Lock()
	b.last[key] = lastWrite{value: v, at: at}
	b.mu.Unlock()
}

// NewBatch starts collecting the writes of one cycle.
func (b *Buffer) NewBatch() *Batch {
	return &Batch{buf: b}
}

// ShouldWrite reports whether policy p emits v given the last written
// value (nil when the tag was never written) and when it was written.
// heartbeat is true when only the heartbeat interval forced the write.
func ShouldWrite(p core.WritePolicy, v core.Value, last *core.Value, lastAt, now time.Time) (emit bool, heartbeat bool) {
	switch p.Strategy {
	case core.SaveNever:
		return false, false
	case core.SaveOnChange:
	default:
		return true, false
	}
	if last == nil {
		return true, false
	}
	if p.HeartbeatMs > 0 && now.Sub(lastAt) >= time.Duration(p.HeartbeatMs)*time.Millisecond {
		return true, true
	}
	return changed(p, v, *last), false
}

func changed(p core.WritePolicy, v, last core.Value) bool {
	nv, ok1 := v.AsNumber()
	lv, ok2 := last.AsNumber()
	if v.Type != core.TypeNumber || last.Type != core.TypeNumber || !ok1 || !ok2 {
		return !v.Equal(last)
	}
	delta := math.Abs(nv - lv)
	if p.DeadbandType == core.DeadbandPercent {
		if delta == 0 {
			return false
		}
		return delta/math.Max(math.Abs(lv), epsilon)*100 >= p.Deadband
	}
	return delta > p.Deadband
}

const epsilon = 2.220446049250313e-16
