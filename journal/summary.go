package journal

import (
	"fmt"
	"sync"
	"time"

	"github.com/petal-labs/tagflow/core"
)

// Summary aggregates a continuous session when per-cycle logging is off.
type Summary struct {
	FlowID      string                `json:"flowId"`
	Cycles      int64                 `json:"cycles"`
	Failed      int64                 `json:"failed"`
	Writes      int64                 `json:"writes"`
	LogCounts   map[core.LogLevel]int `json:"logCounts"`
	Dropped     int64                 `json:"dropped,omitempty"`
	LastError   string                `json:"lastError,omitempty"`
	FirstCycle  time.Time             `json:"firstCycle,omitempty"`
	LastCycle   time.Time             `json:"lastCycle,omitempty"`
	TotalTimeMs float64               `json:"totalTimeMs"`
}

type tally struct {
	mu sync.Mutex
	s  Summary
}

func (j *Journal) summary(flowID string) *tally {
	j.mu.Lock()
	defer j.mu.Unlock()
	s, ok := j.summaries[flowID]
	if !ok {
		s = &tally{s: Summary{FlowID: flowID, LogCounts: map[core.LogLevel]int{}}}
		j.summaries[flowID] = s
	}
	return s
}

func (t *tally) countLog(e core.LogEntry) {
	t.mu.Lock()
	t.s.LogCounts[e.Level]++
	if e.Level == core.LevelError {
		t.s.LastError = e.Message
	}
	t.mu.Unlock()
}

// countDropped records a log entry the store never accepted.
func (t *tally) countDropped() {
	t.mu.Lock()
	t.s.Dropped++
	t.mu.Unlock()
}

func (t *tally) countCycle(rec *core.ExecutionRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &t.s
	s.Cycles++
	if rec.Status == core.StatusFailed {
		s.Failed++
		if n := len(rec.ErrorLog); n > 0 {
			s.LastError = rec.ErrorLog[n-1]
		}
	}
	for _, w := range rec.Writes {
		if w.Outcome == core.WriteAccepted {
			s.Writes++
		}
	}
	if s.FirstCycle.IsZero() {
		s.FirstCycle = rec.StartedAt
	}
	s.LastCycle = rec.StartedAt
	s.TotalTimeMs += float64(rec.Duration()) / float64(time.Millisecond)
}

func (t *tally) snapshot() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &t.s
	out := Summary{
		FlowID:      s.FlowID,
		Cycles:      s.Cycles,
		Failed:      s.Failed,
		Writes:      s.Writes,
		LogCounts:   make(map[core.LogLevel]int, len(s.LogCounts)),
		Dropped:     s.Dropped,
		LastError:   s.LastError,
		FirstCycle:  s.FirstCycle,
		LastCycle:   s.LastCycle,
		TotalTimeMs: s.TotalTimeMs,
	}
	for k, v := range s.LogCounts {
		out.LogCounts[k] = v
	}
	return out
}

// Summary returns the current session summary of a flow.
func (j *Journal) Summary(flowID string) (Summary, bool) {
	j.mu.Lock()
	s, ok := j.summaries[flowID]
	j.mu.Unlock()
	if !ok {
		return Summary{FlowID: flowID}, false
	}
	return s.snapshot(), true
}

// FlushSummary writes the session summary as one info entry and resets
// it. Called when a continuous session stops.
func (j *Journal) FlushSummary(flowID, sessionID string) {
	j.mu.Lock()
	s, ok := j.summaries[flowID]
	delete(j.summaries, flowID)
	j.mu.Unlock()
	if !ok {
		return
	}
	snap := s.snapshot()
	if snap.Cycles == 0 && snap.Dropped == 0 {
		return
	}
	msg := fmt.Sprintf("session %s: %d cycles, %d failed, %d writes, %d warnings, %d errors",
		sessionID, snap.Cycles, snap.Failed, snap.Writes,
		snap.LogCounts[core.LevelWarn], snap.LogCounts[core.LevelError])
	if snap.Dropped > 0 {
		msg += fmt.Sprintf(", %d log entries lost", snap.Dropped)
	}
	if snap.LastError != "" {
		msg += "; last error: " + snap.LastError
	}
	level := core.LevelInfo
	if snap.Failed > 0 || snap.Dropped > 0 {
		level = core.LevelWarn
	}
	j.Log(core.LogEntry{FlowID: flowID, Timestamp: j.cfg.Now(), Level: level, Message: msg})
}
