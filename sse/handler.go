// Package sse streams a flow's log entries to HTTP clients as
// Server-Sent Events. A stream optionally replays the newest journaled
// entries, then follows the live log bus until the client disconnects.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/petal-labs/tagflow/bus"
	"github.com/petal-labs/tagflow/core"
	"github.com/petal-labs/tagflow/journal"
)

// HeartbeatInterval is the default interval between heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// maxReplay caps the ?replay= parameter.
const maxReplay = 1000

// LogSource serves journaled log pages for replay. *journal.Journal
// satisfies it.
type LogSource interface {
	Logs(ctx context.Context, flowID string, q journal.LogQuery) (journal.LogPage, error)
}

// Config configures a LogHandler.
type Config struct {
	Bus bus.LogBus
	// Source enables ?replay=. Nil disables replay.
	Source LogSource
	// Authorize checks the request's ?token= for flowID. Nil admits every
	// request.
	Authorize func(token, flowID string) bool
	// Heartbeat overrides HeartbeatInterval.
	Heartbeat time.Duration
}

// LogHandler serves the live log tail of one flow.
//
// The handler expects an "id" path value naming the flow. Optional query
// parameters: execution_id and node_id filter entries, log_level sets the
// minimum level, replay=N first sends the N newest stored entries.
//
// SSE format:
//
//	event: log
//	data: {json}
//
// A heartbeat comment ": ping\n\n" is sent every interval.
type LogHandler struct {
	cfg Config
}

// NewLogHandler creates a LogHandler.
func NewLogHandler(cfg Config) *LogHandler {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = HeartbeatInterval
	}
	return &LogHandler{cfg: cfg}
}

type filter struct {
	executionID string
	nodeID      string
	minLevel    core.LogLevel
}

func (f filter) match(e core.LogEntry) bool {
	if f.executionID != "" && e.ExecutionID != f.executionID {
		return false
	}
	if f.nodeID != "" && e.NodeID != f.nodeID {
		return false
	}
	return f.minLevel == "" || e.Level.Rank() >= f.minLevel.Rank()
}

// entryKey identifies an entry across replay and live delivery.
type entryKey struct {
	at      int64
	node    string
	message string
}

func keyOf(e core.LogEntry) entryKey {
	return entryKey{at: e.Timestamp.UnixNano(), node: e.NodeID, message: e.Message}
}

// ServeHTTP implements http.Handler.
func (h *LogHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flowID := r.PathValue("id")
	if flowID == "" {
		http.Error(w, "missing flow id", http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	if h.cfg.Authorize != nil && !h.cfg.Authorize(q.Get("token"), flowID) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	f := filter{executionID: q.Get("execution_id"), nodeID: q.Get("node_id")}
	if lv := q.Get("log_level"); lv != "" {
		level, ok := core.ParseLogLevel(lv)
		if !ok {
			http.Error(w, "invalid log_level parameter", http.StatusBadRequest)
			return
		}
		f.minLevel = level
	}
	var replay int
	if s := q.Get("replay"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, "invalid replay parameter", http.StatusBadRequest)
			return
		}
		replay = min(n, maxReplay)
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()

	// Subscribe before replaying so entries persisted in between are not
	// lost; duplicates are filtered by key.
	sub := h.cfg.Bus.Subscribe(flowID)
	defer sub.Close()

	sent, err := h.replayStored(ctx, w, flusher, flowID, f, replay)
	if err != nil {
		return
	}
	h.streamLive(ctx, w, flusher, sub, f, sent)
}

func (h *LogHandler) replayStored(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, flowID string, f filter, n int) (map[entryKey]bool, error) {
	sent := map[entryKey]bool{}
	if n == 0 || h.cfg.Source == nil {
		return sent, nil
	}
	page, err := h.cfg.Source.Logs(ctx, flowID, journal.LogQuery{
		ExecutionID: f.executionID,
		NodeID:      f.nodeID,
		Limit:       n,
	})
	if err != nil {
		return nil, err
	}
	entries := slices.Clone(page.Entries)
	slices.Reverse(entries)
	for _, e := range entries {
		if !f.match(e) {
			continue
		}
		if err := writeEntry(w, e); err != nil {
			return nil, err
		}
		sent[keyOf(e)] = true
	}
	flusher.Flush()
	return sent, nil
}

func (h *LogHandler) streamLive(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sub bus.Subscription, f filter, sent map[entryKey]bool) {
	heartbeat := time.NewTicker(h.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case e, ok := <-sub.Entries():
			if !ok {
				return
			}
			if !f.match(e) {
				continue
			}
			if k := keyOf(e); sent[k] {
				delete(sent, k)
				continue
			}
			if err := writeEntry(w, e); err != nil {
				return
			}
			flusher.Flush()

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeEntry writes a single entry in SSE format.
func writeEntry(w http.ResponseWriter, e core.LogEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: log\ndata: %s\n\n", data)
	return err
}
