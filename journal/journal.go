// Package journal is the execution journal: finalized execution records,
// flow log entries with retention, continuous-session summaries and the
// live tail published on the log bus.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petal-labs/tagflow/bus"
	"github.com/petal-labs/tagflow/core"
	"github.com/petal-labs/tagflow/store"
)

// ErrExecutionNotFound is returned for unknown execution ids.
var ErrExecutionNotFound = errors.New("execution not found")

// FlowSettings are the per-flow journal settings.
type FlowSettings struct {
	LogsEnabled   bool
	RetentionDays int
}

// SettingsFunc resolves a flow's journal settings.
type SettingsFunc func(ctx context.Context, flowID string) FlowSettings

// Config configures a Journal.
type Config struct {
	Log store.Log
	Bus bus.LogBus
	// Settings resolves logs_enabled and retention per flow. Nil means
	// logs enabled with DefaultRetentionDays.
	Settings             SettingsFunc
	DefaultRetentionDays int
	// QueueSize bounds pending log entries. Zero means 4096.
	QueueSize int
	// RetentionSchedule is a cron expression for retention sweeps.
	// Defaults to "@hourly".
	RetentionSchedule string
	// BlockTimeout is how long warn and error entries wait for queue
	// space before being dropped. Zero means 250ms.
	BlockTimeout time.Duration
	// RetryBackoff is the first delay between append attempts for one
	// entry; it doubles per attempt. Zero means 50ms.
	RetryBackoff time.Duration
	// RetryInterval is how often entries held during a store outage are
	// retried when no new entries arrive. Zero means 1s.
	RetryInterval time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
}

// Journal persists execution records and logs. Log entries are written
// asynchronously; records are written synchronously so they appear
// atomically once finalized.
type Journal struct {
	cfg    Config
	logger *slog.Logger

	queue   chan core.LogEntry
	sampled atomic.Int64

	// unsaved holds entries the store refused, oldest first. It is owned
	// by the writer goroutine; pending mirrors its length.
	unsaved []core.LogEntry
	pending atomic.Int64

	mu        sync.Mutex
	summaries map[string]*tally
	started   bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a Journal. Call Start to begin persisting log entries.
func New(cfg Config) (*Journal, error) {
	if cfg.Log == nil {
		return nil, errors.New("journal: log store is nil")
	}
	if cfg.DefaultRetentionDays <= 0 {
		cfg.DefaultRetentionDays = 30
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if cfg.RetentionSchedule == "" {
		cfg.RetentionSchedule = "@hourly"
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 250 * time.Millisecond
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 50 * time.Millisecond
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if _, err := parseSchedule(cfg.RetentionSchedule); err != nil {
		return nil, err
	}
	return &Journal{
		cfg:       cfg,
		logger:    cfg.Logger,
		queue:     make(chan core.LogEntry, cfg.QueueSize),
		summaries: make(map[string]*tally),
	}, nil
}

func (j *Journal) settings(ctx context.Context, flowID string) FlowSettings {
	if j.cfg.Settings == nil {
		return FlowSettings{LogsEnabled: true, RetentionDays: j.cfg.DefaultRetentionDays}
	}
	s := j.cfg.Settings(ctx, flowID)
	if s.RetentionDays <= 0 {
		s.RetentionDays = j.cfg.DefaultRetentionDays
	}
	return s
}

func logStream(flowID string) string       { return "logs/" + flowID }
func executionStream(flowID string) string { return "executions/" + flowID }

// Start launches the writer goroutine and the retention loop. A sweep
// runs once immediately.
func (j *Journal) Start() error {
	j.mu.Lock()
	if j.started {
		j.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	j.started = true
	j.cancel = cancel
	j.done = make(chan struct{})
	j.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		j.writeLoop(loopCtx)
	}()
	go func() {
		defer wg.Done()
		j.retentionLoop(loopCtx)
	}()
	go func() {
		wg.Wait()
		close(j.done)
	}()
	return nil
}

// Close stops the background goroutines after draining queued entries.
func (j *Journal) Close(ctx context.Context) error {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.cancel = nil
	j.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Log publishes e on the bus and queues it for persistence. Debug and
// info entries are sampled away when the queue is full; warn and error
// entries wait up to BlockTimeout.
func (j *Journal) Log(e core.LogEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = j.cfg.Now()
	}
	if j.cfg.Bus != nil {
		j.cfg.Bus.Publish(e)
	}
	select {
	case j.queue <- e:
		return
	default:
	}
	if e.Level.Rank() < core.LevelWarn.Rank() {
		j.sampled.Add(1)
		return
	}
	t := time.NewTimer(j.cfg.BlockTimeout)
	defer t.Stop()
	select {
	case j.queue <- e:
	case <-t.C:
		j.sampled.Add(1)
	}
}

// CycleLog handles an entry from a continuous cycle. It is persisted
// only when the flow has logs enabled; otherwise it is counted in the
// session summary and still published for live tailing.
func (j *Journal) CycleLog(ctx context.Context, e core.LogEntry) {
	if j.settings(ctx, e.FlowID).LogsEnabled {
		j.Log(e)
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = j.cfg.Now()
	}
	j.summary(e.FlowID).countLog(e)
	if j.cfg.Bus != nil {
		j.cfg.Bus.Publish(e)
	}
}

func (j *Journal) writeLoop(ctx context.Context) {
	retry := time.NewTicker(j.cfg.RetryInterval)
	defer retry.Stop()
	for {
		select {
		case e := <-j.queue:
			j.save(e)
			j.reportSampling()
		case <-retry.C:
			if len(j.unsaved) > 0 {
				j.flushUnsaved()
			}
		case <-ctx.Done():
			for {
				select {
				case e := <-j.queue:
					j.save(e)
				default:
					j.reportSampling()
					j.abandonUnsaved()
					return
				}
			}
		}
	}
}

func (j *Journal) reportSampling() {
	n := j.sampled.Swap(0)
	if n == 0 {
		return
	}
	j.logger.Warn("journal: log entries sampled under backpressure", "dropped", n)
	warning := core.LogEntry{
		Timestamp: j.cfg.Now(),
		Level:     core.LevelWarn,
		Message:   fmt.Sprintf("%s: %d log entries were dropped", core.CodeJournalBackpressure, n),
	}
	if j.cfg.Bus != nil {
		j.cfg.Bus.Publish(warning)
	}
	j.save(warning)
}

// Pending reports how many log entries are held after store failures.
func (j *Journal) Pending() int {
	return int(j.pending.Load())
}

// save persists e behind any entries held from an earlier outage, so
// a flow's entries reach the store in order.
func (j *Journal) save(e core.LogEntry) {
	if e.FlowID == "" {
		return
	}
	if len(j.unsaved) > 0 && !j.flushUnsaved() {
		j.hold(e)
		return
	}
	if err := j.persist(e); err != nil {
		j.logger.Warn("journal: persistence failing, holding log entries", "flow_id", e.FlowID, "code", core.CodePersistence, "error", err)
		j.hold(e)
	}
}

// hold queues e for a later retry. When the hold queue is full the
// oldest entry is dropped and counted in its flow's summary.
func (j *Journal) hold(e core.LogEntry) {
	j.unsaved = append(j.unsaved, e)
	j.pending.Add(1)
	if len(j.unsaved) > j.cfg.QueueSize {
		old := j.unsaved[0]
		j.unsaved[0] = core.LogEntry{}
		j.unsaved = j.unsaved[1:]
		j.pending.Add(-1)
		j.drop(old)
	}
}

// flushUnsaved writes held entries oldest first and stops at the first
// failure. It reports whether the hold queue is empty.
func (j *Journal) flushUnsaved() bool {
	n := len(j.unsaved)
	for len(j.unsaved) > 0 {
		if err := j.appendEntry(j.unsaved[0]); err != nil {
			return false
		}
		j.unsaved[0] = core.LogEntry{}
		j.unsaved = j.unsaved[1:]
		j.pending.Add(-1)
	}
	j.unsaved = nil
	if n > 0 {
		j.logger.Info("journal: persistence recovered", "flushed", n)
	}
	return true
}

// abandonUnsaved makes a last attempt at held entries on shutdown and
// accounts for whatever is left.
func (j *Journal) abandonUnsaved() {
	if len(j.unsaved) == 0 || j.flushUnsaved() {
		return
	}
	for _, e := range j.unsaved {
		j.drop(e)
	}
	j.unsaved = nil
	j.pending.Store(0)
}

func (j *Journal) drop(e core.LogEntry) {
	j.summary(e.FlowID).countDropped()
	j.logger.Error("journal: log entry not persisted", "flow_id", e.FlowID, "code", core.CodePersistence, "message", e.Message)
}

// persist writes an entry, retrying with backoff while the store fails.
func (j *Journal) persist(e core.LogEntry) error {
	backoff := j.cfg.RetryBackoff
	var err error
	for attempt := 1; attempt <= 5; attempt++ {
		if err = j.appendEntry(e); err == nil {
			return nil
		}
		if attempt < 5 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return err
}

func (j *Journal) appendEntry(e core.LogEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		j.logger.Error("journal: encode log entry", "flow_id", e.FlowID, "error", err)
		return nil
	}
	_, err = j.cfg.Log.Append(context.Background(), store.LogRecord{
		Stream: logStream(e.FlowID),
		At:     e.Timestamp,
		Labels: map[string]string{
			"execution_id": e.ExecutionID,
			"node_id":      e.NodeID,
			"level":        string(e.Level),
		},
		Data: data,
	})
	return err
}

// Record appends a finalized execution record. It is written in one
// append so readers see either nothing or the final record.
func (j *Journal) Record(ctx context.Context, rec *core.ExecutionRecord) error {
	if rec.Status == core.StatusRunning {
		return fmt.Errorf("journal: execution %s is not finalized", rec.ID)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("journal: encode execution %s: %w", rec.ID, err)
	}
	_, err = j.cfg.Log.Append(ctx, store.LogRecord{
		Stream: executionStream(rec.FlowID),
		At:     rec.StartedAt,
		Labels: map[string]string{
			"execution_id": rec.ID,
			"kind":         string(rec.Kind),
			"status":       string(rec.Status),
		},
		Data: data,
	})
	if err != nil {
		return core.Errorf(core.CodePersistence, "record execution %s: %v", rec.ID, err).WithCause(err)
	}
	return nil
}

// RecordCycle accounts one continuous cycle. Failed cycles are recorded
// in full when the flow has logs enabled; every cycle updates the
// session summary.
func (j *Journal) RecordCycle(ctx context.Context, rec *core.ExecutionRecord) error {
	j.summary(rec.FlowID).countCycle(rec)
	if rec.Status == core.StatusFailed && j.settings(ctx, rec.FlowID).LogsEnabled {
		return j.Record(ctx, rec)
	}
	return nil
}

// History returns execution records of a flow, newest first.
func (j *Journal) History(ctx context.Context, flowID string, limit, offset int) ([]core.ExecutionRecord, error) {
	recs, err := j.cfg.Log.Range(ctx, executionStream(flowID), store.RangeQuery{Limit: limit, Offset: offset})
	if err != nil {
		return nil, core.Errorf(core.CodePersistence, "history %s: %v", flowID, err).WithCause(err)
	}
	out := make([]core.ExecutionRecord, 0, len(recs))
	for _, r := range recs {
		var rec core.ExecutionRecord
		if err := json.Unmarshal(r.Data, &rec); err != nil {
			j.logger.Warn("journal: skipping malformed execution record", "flow_id", flowID, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Execution returns one execution record.
func (j *Journal) Execution(ctx context.Context, flowID, executionID string) (core.ExecutionRecord, error) {
	recs, err := j.cfg.Log.Range(ctx, executionStream(flowID), store.RangeQuery{
		Labels: map[string]string{"execution_id": executionID},
		Limit:  1,
	})
	if err != nil {
		return core.ExecutionRecord{}, core.Errorf(core.CodePersistence, "execution %s: %v", executionID, err).WithCause(err)
	}
	if len(recs) == 0 {
		return core.ExecutionRecord{}, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	var rec core.ExecutionRecord
	if err := json.Unmarshal(recs[0].Data, &rec); err != nil {
		return core.ExecutionRecord{}, fmt.Errorf("journal: decode execution %s: %w", executionID, err)
	}
	return rec, nil
}

// LogQuery filters a flow's log entries.
type LogQuery struct {
	ExecutionID string
	NodeID      string
	Level       core.LogLevel
	Since       time.Time
	Limit       int
	Offset      int
}

// LogPage is one page of log entries, newest first.
type LogPage struct {
	Entries []core.LogEntry `json:"logs"`
	Total   int             `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// Logs returns a page of a flow's log entries.
func (j *Journal) Logs(ctx context.Context, flowID string, q LogQuery) (LogPage, error) {
	labels := map[string]string{}
	if q.ExecutionID != "" {
		labels["execution_id"] = q.ExecutionID
	}
	if q.NodeID != "" {
		labels["node_id"] = q.NodeID
	}
	if q.Level != "" {
		labels["level"] = string(q.Level)
	}
	if q.Limit <= 0 {
		q.Limit = 100
	}
	rq := store.RangeQuery{Since: q.Since, Labels: labels, Limit: q.Limit, Offset: q.Offset}
	recs, err := j.cfg.Log.Range(ctx, logStream(flowID), rq)
	if err != nil {
		return LogPage{}, core.Errorf(core.CodePersistence, "logs %s: %v", flowID, err).WithCause(err)
	}
	total, err := j.cfg.Log.Count(ctx, logStream(flowID), rq)
	if err != nil {
		return LogPage{}, core.Errorf(core.CodePersistence, "logs %s: %v", flowID, err).WithCause(err)
	}
	page := LogPage{Entries: make([]core.LogEntry, 0, len(recs)), Total: total, Limit: q.Limit, Offset: q.Offset}
	for _, r := range recs {
		var e core.LogEntry
		if err := json.Unmarshal(r.Data, &e); err != nil {
			continue
		}
		e.Seq = r.Seq
		page.Entries = append(page.Entries, e)
	}
	return page, nil
}

// ClearLogs purges the log entries and summary of one flow.
func (j *Journal) ClearLogs(ctx context.Context, flowID string) (int, error) {
	n, err := j.cfg.Log.DeleteStream(ctx, logStream(flowID))
	if err != nil {
		return 0, core.Errorf(core.CodePersistence, "clear logs %s: %v", flowID, err).WithCause(err)
	}
	j.mu.Lock()
	delete(j.summaries, flowID)
	j.mu.Unlock()
	return n, nil
}

// DeleteFlow purges everything journaled for a flow.
func (j *Journal) DeleteFlow(ctx context.Context, flowID string) error {
	if _, err := j.ClearLogs(ctx, flowID); err != nil {
		return err
	}
	if _, err := j.cfg.Log.DeleteStream(ctx, executionStream(flowID)); err != nil {
		return core.Errorf(core.CodePersistence, "delete executions %s: %v", flowID, err).WithCause(err)
	}
	return nil
}
