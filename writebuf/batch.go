package writebuf

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/petal-labs/tagflow/core"
)

// Batch collects the writes of one cycle in emission order. A batch is
// used by a single goroutine.
type Batch struct {
	buf     *Buffer
	entries []*entry
	dropped []core.WriteResult
	done    bool
}

type entry struct {
	write     core.TagWrite
	key       string
	heartbeat bool
	result    core.WriteResult
	send      bool
}

// Add queues w. When the batch exceeds the bound, older non-heartbeat
// writes to the same tag are collapsed so the latest value wins.
func (bt *Batch) Add(w core.TagWrite) {
	e := &entry{write: w, key: w.Tag.Key()}
	if w.Policy.Strategy == core.SaveOnChange && w.Policy.HeartbeatMs > 0 {
		if lw, ok := bt.buf.lastFor(e.key); ok {
			_, e.heartbeat = ShouldWrite(w.Policy, w.Value, &lw.value, lw.at, bt.buf.cfg.Now())
		}
	}
	bt.entries = append(bt.entries, e)
	if len(bt.entries) > bt.buf.cfg.Bound {
		bt.collapse(e.key)
	}
}

// Len returns the number of queued writes.
func (bt *Batch) Len() int {
	return len(bt.entries)
}

func (bt *Batch) collapse(key string) {
	kept := bt.entries[:0]
	last := len(bt.entries) - 1
	for i, e := range bt.entries {
		if i != last && e.key == key && !e.heartbeat {
			bt.dropped = append(bt.dropped, bt.result(e, core.WriteDropped, "collapsed: newer write to the same tag in this cycle"))
			continue
		}
		kept = append(kept, e)
	}
	bt.entries = kept
	if len(bt.entries) > bt.buf.cfg.Bound {
		bt.buf.cfg.Logger.Warn("writebuf: cycle exceeds write bound with distinct tags",
			"bound", bt.buf.cfg.Bound, "queued", len(bt.entries))
	}
}

func (bt *Batch) result(e *entry, outcome core.WriteOutcome, reason string) core.WriteResult {
	return core.WriteResult{
		NodeID:  e.write.NodeID,
		Path:    e.write.Tag.Path,
		Value:   e.write.Value.Interface(),
		Outcome: outcome,
		Reason:  reason,
		At:      bt.buf.cfg.Now(),
	}
}

// Discard drops every queued write without touching the gateway. Failed
// cycles discard their batch.
func (bt *Batch) Discard() []core.WriteResult {
	out := append([]core.WriteResult(nil), bt.dropped...)
	for _, e := range bt.entries {
		out = append(out, bt.result(e, core.WriteDropped, "cycle failed"))
	}
	bt.entries = nil
	bt.done = true
	return out
}

// Flush applies each write's policy in emission order and sends the
// surviving writes. Writes to one tag are sent sequentially in order;
// distinct tags are written in parallel. Rejections are reported per
// write and never fail the flush. The returned results are in emission
// order, preceded by writes collapsed under backpressure.
func (bt *Batch) Flush(ctx context.Context) []core.WriteResult {
	if bt.done {
		return nil
	}
	bt.done = true
	now := bt.buf.cfg.Now()

	// Decide in emission order. Writes earlier in the batch count as the
	// last written value for later ones.
	pending := make(map[string]lastWrite)
	groups := make(map[string][]*entry)
	var order []string
	for _, e := range bt.entries {
		w := e.write
		switch {
		case w.Policy.TestSuppress:
			e.result = bt.result(e, core.WriteSuppressed, "test mode: writes disabled")
			continue
		case !w.Value.Quality.IsGood():
			e.result = bt.result(e, core.WriteDropped, fmt.Sprintf("quality %d below good", w.Value.Quality))
			continue
		case w.Policy.Strategy == core.SaveNever:
			e.result = bt.result(e, core.WriteDropped, "save strategy is never")
			continue
		}

		var last *core.Value
		lastAt := now
		if p, ok := pending[e.key]; ok {
			last, lastAt = &p.value, p.at
		} else if lw, ok := bt.buf.lastFor(e.key); ok {
			last, lastAt = &lw.value, lw.at
		}
		emit, _ := ShouldWrite(w.Policy, w.Value, last, lastAt, now)
		if !emit {
			e.result = bt.result(e, core.WriteDeduplicated, "within deadband")
			continue
		}
		e.send = true
		pending[e.key] = lastWrite{value: w.Value, at: now}
		if _, seen := groups[e.key]; !seen {
			order = append(order, e.key)
		}
		groups[e.key] = append(groups[e.key], e)
	}

	var g errgroup.Group
	g.SetLimit(bt.buf.cfg.Parallelism)
	for _, key := range order {
		group := groups[key]
		g.Go(func() error {
			for _, e := range group {
				bt.send(ctx, e)
			}
			return nil
		})
	}
	_ = g.Wait()

	out := append([]core.WriteResult(nil), bt.dropped...)
	for _, e := range bt.entries {
		out = append(out, e.result)
	}
	return out
}

func (bt *Batch) send(ctx context.Context, e *entry) {
	w := e.write
	outcome, err := bt.buf.cfg.Writer.Write(ctx, w.Tag, w.Value, w.Policy.Historize)
	if err != nil {
		bt.buf.cfg.Logger.Warn("writebuf: write rejected", "path", w.Tag.Path, "node_id", w.NodeID, "error", err)
		e.result = bt.result(e, core.WriteRejected, err.Error())
		return
	}
	if outcome == "" {
		outcome = core.WriteAccepted
	}
	e.result = bt.result(e, outcome, "")
	if outcome == core.WriteAccepted {
		bt.buf.record(e.key, w.Value, bt.buf.cfg.Now())
	}
}
