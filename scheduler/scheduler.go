// Package scheduler runs a flow's scan loop: one cycle per scan period,
// strictly serial, with overrun accounting and metrics published as
// system tags.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	rtmetrics "runtime/metrics"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/tagflow/core"
	"github.com/petal-labs/tagflow/runtime"
)

// Cycler runs one cycle. *runtime.Evaluator satisfies it.
type Cycler interface {
	RunCycle(ctx context.Context, opts runtime.CycleOptions) (*runtime.Result, error)
}

// Recorder journals cycle records. *journal.Journal satisfies it.
type Recorder interface {
	RecordCycle(ctx context.Context, rec *core.ExecutionRecord) error
}

// TagBus is the gateway surface the loop needs: change hints and
// metric publication. *tags.Gateway satisfies it.
type TagBus interface {
	Subscribe(ctx context.Context, refs []core.TagRef, fn func(ref core.TagRef, v core.Value)) (func(), error)
	SetSystemTag(name string, v core.Value)
}

// Config configures a scan loop.
type Config struct {
	FlowID    string
	SessionID string
	ScanRate  time.Duration

	Cycler   Cycler
	Recorder Recorder
	Tags     TagBus
	// Watch lists the tags whose changes are recorded as scan hints.
	Watch []core.TagRef

	Pins         map[string]core.Value
	TestSuppress bool

	// MemoryCeilingMB raises a warning when the heap peak exceeds it.
	MemoryCeilingMB float64
	// WindowSize is the number of cycles in the rolling window. Zero
	// means 60.
	WindowSize int

	// CPUTime reads cumulative process CPU time. Nil means the
	// operating system's rusage counters.
	CPUTime func() time.Duration

	// Log receives session-level user log entries (warnings, pauses).
	Log    func(core.LogEntry)
	Now    func() time.Time
	Logger *slog.Logger
}

// Loop is one flow's scan loop.
type Loop struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	pending  map[string]bool
	dirty    bool
	acc      *accumulator
	paused   bool
	unsaved  *core.ExecutionRecord
	warnings map[string]WarningLevel

	cycleMu sync.Mutex
	loopCtx context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	unsub   func()
}

// New creates a loop. Call Start to begin scanning.
func New(cfg Config) (*Loop, error) {
	if cfg.Cycler == nil {
		return nil, errors.New("scheduler: cycler is nil")
	}
	if cfg.ScanRate <= 0 {
		return nil, errors.New("scheduler: scan rate must be positive")
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CPUTime == nil {
		cfg.CPUTime = processCPU
	}
	return &Loop{
		cfg:      cfg,
		logger:   cfg.Logger.With("flow_id", cfg.FlowID, "session_id", cfg.SessionID),
		pending:  make(map[string]bool),
		acc:      newAccumulator(cfg.ScanRate, cfg.WindowSize, cfg.MemoryCeilingMB, cfg.Now()),
		warnings: make(map[string]WarningLevel),
	}, nil
}

// SessionID returns the loop's session id.
func (l *Loop) SessionID() string {
	return l.cfg.SessionID
}

// Fire queues a trigger fire for the next cycle.
func (l *Loop) Fire(nodeID string) {
	l.mu.Lock()
	l.pending[nodeID] = true
	l.mu.Unlock()
}

// Start launches the scan goroutine.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.cancel != nil {
		l.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.loopCtx = loopCtx
	l.cancel = cancel
	l.done = done
	l.mu.Unlock()

	l.subscribe(loopCtx)

	go func() {
		defer close(done)
		l.run(loopCtx)
	}()
	_ = ctx
	return nil
}

// Watch replaces the tags whose changes are recorded as scan hints. A
// running loop drops its old subscription and subscribes to refs.
func (l *Loop) Watch(refs []core.TagRef) {
	l.mu.Lock()
	l.cfg.Watch = refs
	loopCtx, old := l.loopCtx, l.unsub
	l.unsub = nil
	running := l.cancel != nil
	l.mu.Unlock()
	if old != nil {
		old()
	}
	if running {
		l.subscribe(loopCtx)
	}
}

func (l *Loop) subscribe(loopCtx context.Context) {
	l.mu.Lock()
	refs := l.cfg.Watch
	l.mu.Unlock()
	if l.cfg.Tags == nil || len(refs) == 0 {
		return
	}
	unsub, err := l.cfg.Tags.Subscribe(loopCtx, refs, func(core.TagRef, core.Value) {
		l.mu.Lock()
		l.dirty = true
		l.mu.Unlock()
	})
	if err != nil {
		l.logger.Warn("scheduler: tag subscription failed; scanning without change hints", "error", err)
		return
	}
	l.mu.Lock()
	if l.loopCtx != loopCtx || l.cancel == nil {
		// Stopped or restarted while subscribing.
		l.mu.Unlock()
		unsub()
		return
	}
	if prev := l.unsub; prev != nil {
		defer prev()
	}
	l.unsub = unsub
	l.mu.Unlock()
}

// run paces cycles on the scan period. After an overrun the next cycle
// starts immediately and the schedule restarts from now, so successive
// overruns never accumulate more than one period of drift.
func (l *Loop) run(ctx context.Context) {
	next := l.cfg.Now()
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		// The running cycle is never interrupted by Stop.
		l.RunOnce(context.WithoutCancel(ctx))

		now := l.cfg.Now()
		next = next.Add(l.cfg.ScanRate)
		if !now.Before(next) {
			next = now
		}
		timer.Reset(next.Sub(now))
	}
}

// Stop halts the loop after the running cycle finishes.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	cancel, done, unsub := l.cancel, l.done, l.unsub
	l.cancel, l.done, l.unsub, l.loopCtx = nil, nil, nil, nil
	l.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	if unsub != nil {
		unsub()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the scan goroutine exits. It is nil before Start.
func (l *Loop) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// RunOnce runs one tick: retry any unsaved record, then one cycle.
// While the journal is unavailable the session is paused and no cycle
// runs, so no record is dropped.
func (l *Loop) RunOnce(ctx context.Context) *runtime.Result {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()

	if !l.flushUnsaved(ctx) {
		return nil
	}

	l.mu.Lock()
	fires := l.pending
	l.pending = make(map[string]bool)
	dirty := l.dirty
	l.dirty = false
	if dirty {
		l.acc.hints++
	}
	l.mu.Unlock()

	start, cpuStart := time.Now(), l.cfg.CPUTime()
	res, err := l.cfg.Cycler.RunCycle(ctx, runtime.CycleOptions{
		SessionID:    l.cfg.SessionID,
		Kind:         core.KindContinuous,
		Fires:        fires,
		Pins:         l.cfg.Pins,
		TestSuppress: l.cfg.TestSuppress,
	})
	elapsed := time.Since(start)
	cpu := max(l.cfg.CPUTime()-cpuStart, 0)
	if err != nil {
		l.logger.Error("scheduler: cycle rejected", "error", err)
		return nil
	}

	l.reportUnconsumed(fires, res.Consumed)
	failed := res.Record.Status == core.StatusFailed
	l.mu.Lock()
	l.acc.add(elapsed, cpu, heapMB(), failed, l.cfg.Now())
	m := l.acc.snapshot(l.cfg.Now())
	l.mu.Unlock()

	l.publish(m)
	l.checkWarnings(m)

	if l.cfg.Recorder != nil {
		if err := l.cfg.Recorder.RecordCycle(ctx, res.Record); err != nil {
			l.pause(res.Record, err)
		}
	}
	return res
}

// reportUnconsumed logs fires for nodes that are not triggers of the
// plan. They are dropped; a fire is never carried into a later cycle.
func (l *Loop) reportUnconsumed(fires map[string]bool, consumed []string) {
	if len(fires) == 0 {
		return
	}
	used := make(map[string]bool, len(consumed))
	for _, id := range consumed {
		used[id] = true
	}
	var dropped []string
	for id := range fires {
		if !used[id] {
			dropped = append(dropped, id)
		}
	}
	if len(dropped) > 0 {
		sort.Strings(dropped)
		l.logger.Debug("scheduler: fires not consumed", "nodes", dropped)
	}
}

func (l *Loop) pause(rec *core.ExecutionRecord, err error) {
	l.mu.Lock()
	wasPaused := l.paused
	l.paused = true
	l.unsaved = rec
	l.mu.Unlock()
	if !wasPaused {
		l.logger.Warn("scheduler: journal unavailable; session paused", "error", err)
		l.userLog(core.LevelInfo, fmt.Sprintf("%s: session paused, retrying every scan period: %v", core.CodePersistence, err))
	}
}

func (l *Loop) flushUnsaved(ctx context.Context) bool {
	l.mu.Lock()
	rec := l.unsaved
	l.mu.Unlock()
	if rec == nil {
		return true
	}
	if err := l.cfg.Recorder.RecordCycle(ctx, rec); err != nil {
		l.logger.Debug("scheduler: journal still unavailable", "error", err)
		return false
	}
	l.mu.Lock()
	l.unsaved = nil
	l.paused = false
	l.mu.Unlock()
	l.logger.Info("scheduler: journal recovered; session resumed")
	l.userLog(core.LevelInfo, "session resumed")
	return true
}

// Metrics returns the current metrics snapshot.
func (l *Loop) Metrics() Metrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.acc.snapshot(l.cfg.Now())
	m.Paused = l.paused
	return m
}

func (l *Loop) publish(m Metrics) {
	if l.cfg.Tags == nil {
		return
	}
	at := l.cfg.Now()
	for name, v := range m.systemTags() {
		l.cfg.Tags.SetSystemTag(SystemTagName(l.cfg.FlowID, name), core.Number(v).At(at))
	}
	if m.LastScanAt != nil {
		l.cfg.Tags.SetSystemTag(SystemTagName(l.cfg.FlowID, "last_scan_at"), core.String(m.LastScanAt.Format(time.RFC3339Nano)).At(at))
	}
}

// SystemTagName returns the system tag path for a flow metric.
func SystemTagName(flowID, metric string) string {
	return "flow." + flowID + "." + metric
}

// checkWarnings logs each warning when it first appears or escalates.
func (l *Loop) checkWarnings(m Metrics) {
	active := make(map[string]WarningLevel, len(m.Warnings))
	for _, w := range m.Warnings {
		active[w.Metric] = w.Level
	}
	l.mu.Lock()
	var raised []Warning
	for _, w := range m.Warnings {
		if prev, ok := l.warnings[w.Metric]; !ok || (prev == LevelWarning && w.Level == LevelCritical) {
			raised = append(raised, w)
		}
	}
	l.warnings = active
	l.mu.Unlock()

	for _, w := range raised {
		l.logger.Warn("scheduler: resource warning", "metric", w.Metric, "level", w.Level)
		l.userLog(core.LevelWarn, fmt.Sprintf("%s %s: %s", w.Level, w.Metric, w.Message))
	}
}

func (l *Loop) userLog(level core.LogLevel, msg string) {
	if l.cfg.Log == nil {
		return
	}
	l.cfg.Log(core.LogEntry{
		FlowID:    l.cfg.FlowID,
		Timestamp: l.cfg.Now(),
		Level:     level,
		Message:   msg,
	})
}

var heapSample = []rtmetrics.Sample{{Name: "/memory/classes/heap/objects:bytes"}}

// heapMB reads live heap bytes. The runtime is shared by every flow in
// the process, so the figure is process-wide.
func heapMB() float64 {
	s := make([]rtmetrics.Sample, len(heapSample))
	copy(s, heapSample)
	rtmetrics.Read(s)
	if s[0].Value.Kind() != rtmetrics.KindUint64 {
		return 0
	}
	return float64(s[0].Value.Uint64()) / (1 << 20)
}
