// Package session manages live flow sessions: one scan loop per deployed
// or test-mode flow, manual executions and single-node tests. Session
// bookkeeping is owned by a single coordinator goroutine; every start,
// stop, fire and auto-exit expiry is a message to it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/tagflow/core"
	"github.com/petal-labs/tagflow/graph"
	"github.com/petal-labs/tagflow/registry"
	"github.com/petal-labs/tagflow/runtime"
	"github.com/petal-labs/tagflow/scheduler"
	"github.com/petal-labs/tagflow/store"
	"github.com/petal-labs/tagflow/tags"
)

var (
	ErrSessionNotRunning = core.Errorf(core.CodeSessionNotRunning, "session not running")
	ErrSessionRunning    = core.Errorf(core.CodeSessionRunning, "session already running")
	ErrClosed            = errors.New("session manager closed")
)

// Journal is the journal surface sessions use. *journal.Journal
// satisfies it.
type Journal interface {
	Record(ctx context.Context, rec *core.ExecutionRecord) error
	RecordCycle(ctx context.Context, rec *core.ExecutionRecord) error
	Log(e core.LogEntry)
	CycleLog(ctx context.Context, e core.LogEntry)
	FlushSummary(flowID, sessionID string)
}

// StopReason tells why a session ended.
type StopReason string

const (
	StopUndeploy StopReason = "undeploy"
	StopTestExit StopReason = "test-exit"
	StopAutoExit StopReason = "auto-exit"
	StopDeleted  StopReason = "deleted"
	StopRestart  StopReason = "restart"
	StopShutdown StopReason = "shutdown"
)

// Config configures a Manager.
type Config struct {
	Registry *registry.Registry
	Gateway  *tags.Gateway
	Journal  Journal
	// KV backs $flow.state. Nil keeps state in memory.
	KV store.KV

	// MaxSessions is a soft cap: exceeding it logs a warning.
	MaxSessions      int
	MemoryCeilingMB  float64
	WriteBufferBound int
	EventHandler     runtime.EventHandler

	// OnStop runs after a session has fully stopped.
	OnStop func(info Info, reason StopReason)

	Now func() time.Time
	// AfterFunc schedules auto-exit. Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) (stop func() bool)
	Logger    *slog.Logger
}

// StartOptions select how a session runs.
type StartOptions struct {
	TestMode      bool
	DisableWrites bool
	// AutoExit stops a test session after this long. Zero disables it.
	AutoExit time.Duration
}

// Info describes an active session.
type Info struct {
	SessionID         string             `json:"sessionId"`
	FlowID            string             `json:"flowId"`
	StartedAt         time.Time          `json:"startedAt"`
	ScanRateMs        int                `json:"scanRateMs"`
	TestMode          bool               `json:"testMode"`
	TestDisableWrites bool               `json:"testDisableWrites"`
	TestAutoExitAt    *time.Time         `json:"testAutoExitAt,omitempty"`
	Metrics           *scheduler.Metrics `json:"metrics,omitempty"`
}

type session struct {
	info      Info
	loop      *scheduler.Loop
	stopTimer func() bool
}

// Manager is the process-wide flowId → session map.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	cmds     chan func()
	quit     chan struct{}
	stopped  chan struct{}
	sessions map[string]*session // owned by the coordinator

	rtMu     sync.Mutex
	runtimes map[string]*flowRuntime

	manual sync.Map // execution id → struct{}
	jobs   sync.WaitGroup

	closeOnce sync.Once
}

// NewManager creates a manager and starts its coordinator.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Registry == nil {
		return nil, errors.New("session: registry is nil")
	}
	if cfg.Gateway == nil {
		return nil, errors.New("session: tag gateway is nil")
	}
	if cfg.Journal == nil {
		cfg.Journal = discardJournal{}
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Manager{
		cfg:      cfg,
		logger:   cfg.Logger,
		cmds:     make(chan func()),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		sessions: make(map[string]*session),
		runtimes: make(map[string]*flowRuntime),
	}
	go m.coordinate()
	return m, nil
}

func (m *Manager) coordinate() {
	defer close(m.stopped)
	for {
		select {
		case fn := <-m.cmds:
			fn()
		case <-m.quit:
			return
		}
	}
}

// call runs fn on the coordinator and waits for it.
func (m *Manager) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case m.cmds <- func() { fn(); close(done) }:
	case <-m.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

func (m *Manager) log(flowID string, level core.LogLevel, msg string) {
	m.cfg.Journal.Log(core.LogEntry{FlowID: flowID, Timestamp: m.cfg.Now(), Level: level, Message: msg})
}

// routeLog sends entries of manual runs to the journal directly and
// entries of scanned cycles through the logs_enabled filter.
func (m *Manager) routeLog(e core.LogEntry) {
	if _, manual := m.manual.Load(e.ExecutionID); manual || e.ExecutionID == "" {
		m.cfg.Journal.Log(e)
		return
	}
	m.cfg.Journal.CycleLog(context.Background(), e)
}

// Start begins a session for flow. A flow has at most one session, and
// a test session may not start for a deployed flow.
func (m *Manager) Start(ctx context.Context, flow graph.Flow, opts StartOptions) (Info, error) {
	if opts.TestMode && flow.Deployed {
		return Info{}, graph.ErrTestModeDeployed
	}
	fr, err := m.runtimeFor(&flow)
	if err != nil {
		return Info{}, err
	}

	var (
		info    Info
		callErr error
	)
	err = m.call(ctx, func() {
		if _, running := m.sessions[flow.ID]; running {
			callErr = fmt.Errorf("%w: flow %s", ErrSessionRunning, flow.ID)
			return
		}
		if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
			m.logger.Warn("session: soft session cap exceeded", "cap", m.cfg.MaxSessions, "active", len(m.sessions)+1)
			m.log(flow.ID, core.LevelWarn, fmt.Sprintf("session cap %d exceeded (%d active)", m.cfg.MaxSessions, len(m.sessions)+1))
		}
		info, callErr = m.startLocked(fr, flow, opts)
	})
	if err != nil {
		return Info{}, err
	}
	return info, callErr
}

func (m *Manager) startLocked(fr *flowRuntime, flow graph.Flow, opts StartOptions) (Info, error) {
	now := m.cfg.Now()
	s := &session{info: Info{
		SessionID:         uuid.NewString(),
		FlowID:            flow.ID,
		StartedAt:         now,
		ScanRateMs:        flow.ScanRateMs,
		TestMode:          opts.TestMode,
		TestDisableWrites: opts.TestMode && opts.DisableWrites,
	}}
	loop, err := scheduler.New(scheduler.Config{
		FlowID:          flow.ID,
		SessionID:       s.info.SessionID,
		ScanRate:        flow.ScanRate(),
		Cycler:          fr,
		Recorder:        m.cfg.Journal,
		Tags:            m.cfg.Gateway,
		Watch:           watchRefs(fr.plan()),
		Pins:            flow.Definition.PinnedValues(),
		TestSuppress:    s.info.TestDisableWrites,
		MemoryCeilingMB: m.cfg.MemoryCeilingMB,
		Log:             m.cfg.Journal.Log,
		Now:             m.cfg.Now,
		Logger:          m.logger,
	})
	if err != nil {
		return Info{}, err
	}
	if err := loop.Start(context.Background()); err != nil {
		return Info{}, err
	}
	s.loop = loop
	if opts.TestMode && opts.AutoExit > 0 {
		at := now.Add(opts.AutoExit)
		s.info.TestAutoExitAt = &at
		flowID, sessionID := flow.ID, s.info.SessionID
		s.stopTimer = m.cfg.AfterFunc(opts.AutoExit, func() { m.expire(flowID, sessionID) })
	}
	m.sessions[flow.ID] = s

	mode := "deployed"
	if opts.TestMode {
		mode = "test mode"
		if s.info.TestDisableWrites {
			mode += ", writes disabled"
		}
	}
	m.logger.Info("session: started", "flow_id", flow.ID, "session_id", s.info.SessionID, "scan_rate_ms", flow.ScanRateMs)
	m.log(flow.ID, core.LevelInfo, fmt.Sprintf("session %s started (%s, scan %d ms)", s.info.SessionID, mode, flow.ScanRateMs))
	return s.info, nil
}

// Stop ends the flow's session after its running cycle completes.
func (m *Manager) Stop(ctx context.Context, flowID string, reason StopReason) error {
	var s *session
	err := m.call(ctx, func() {
		s = m.removeLocked(flowID, "")
	})
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("%w: flow %s", ErrSessionNotRunning, flowID)
	}
	return m.finish(ctx, s, reason)
}

// removeLocked detaches the session. A non-empty sessionID must match.
func (m *Manager) removeLocked(flowID, sessionID string) *session {
	s, ok := m.sessions[flowID]
	if !ok || (sessionID != "" && s.info.SessionID != sessionID) {
		return nil
	}
	delete(m.sessions, flowID)
	if s.stopTimer != nil {
		s.stopTimer()
	}
	return s
}

func (m *Manager) expire(flowID, sessionID string) {
	var s *session
	if err := m.call(context.Background(), func() {
		s = m.removeLocked(flowID, sessionID)
	}); err != nil || s == nil {
		return
	}
	m.jobs.Add(1)
	go func() {
		defer m.jobs.Done()
		if err := m.finish(context.Background(), s, StopAutoExit); err != nil {
			m.logger.Warn("session: auto-exit stop failed", "flow_id", flowID, "error", err)
		}
	}()
}

func (m *Manager) finish(ctx context.Context, s *session, reason StopReason) error {
	err := s.loop.Stop(ctx)
	metrics := s.loop.Metrics()
	s.info.Metrics = &metrics

	m.cfg.Journal.FlushSummary(s.info.FlowID, s.info.SessionID)
	m.cfg.Gateway.ClearSystemTags(scheduler.SystemTagName(s.info.FlowID, ""))
	m.logger.Info("session: stopped", "flow_id", s.info.FlowID, "session_id", s.info.SessionID,
		"reason", reason, "cycles", metrics.TotalCycles)
	m.log(s.info.FlowID, core.LevelInfo, fmt.Sprintf("session %s stopped (%s) after %d cycles",
		s.info.SessionID, reason, metrics.TotalCycles))
	if m.cfg.OnStop != nil {
		m.cfg.OnStop(s.info, reason)
	}
	return err
}

// Fire queues a trigger fire for the flow's running session.
func (m *Manager) Fire(ctx context.Context, flowID, nodeID string) error {
	var loop *scheduler.Loop
	if err := m.call(ctx, func() {
		if s, ok := m.sessions[flowID]; ok {
			loop = s.loop
		}
	}); err != nil {
		return err
	}
	if loop == nil {
		return fmt.Errorf("%w: flow %s", ErrSessionNotRunning, flowID)
	}
	if fr := m.existingRuntime(flowID); fr != nil && !isTrigger(fr.plan(), nodeID) {
		return core.Errorf(core.CodeInvalidNode, "node %s is not a trigger of flow %s", nodeID, flowID)
	}
	loop.Fire(nodeID)
	return nil
}

func isTrigger(plan *graph.Plan, nodeID string) bool {
	for _, id := range plan.Triggers {
		if id == nodeID {
			return true
		}
	}
	return false
}

func (m *Manager) existingRuntime(flowID string) *flowRuntime {
	m.rtMu.Lock()
	defer m.rtMu.Unlock()
	return m.runtimes[flowID]
}

// Reload recompiles a running flow's plan after an edit. The session
// picks up the new plan on its next cycle and its change hints follow
// the new plan's tag inputs.
func (m *Manager) Reload(flow graph.Flow) error {
	if m.existingRuntime(flow.ID) == nil {
		return nil
	}
	fr, err := m.runtimeFor(&flow)
	if err != nil {
		return err
	}
	var loop *scheduler.Loop
	if err := m.call(context.Background(), func() {
		if s, ok := m.sessions[flow.ID]; ok {
			loop = s.loop
		}
	}); err != nil {
		return err
	}
	if loop != nil {
		loop.Watch(watchRefs(fr.plan()))
	}
	return nil
}

// Active reports whether flowID has a session.
func (m *Manager) Active(ctx context.Context, flowID string) bool {
	var ok bool
	_ = m.call(ctx, func() { _, ok = m.sessions[flowID] })
	return ok
}

// ListActive returns every session with current metrics, ordered by
// flow id.
func (m *Manager) ListActive(ctx context.Context) ([]Info, error) {
	var list []*session
	if err := m.call(ctx, func() {
		for _, s := range m.sessions {
			list = append(list, s)
		}
	}); err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(list))
	for _, s := range list {
		info := s.info
		metrics := s.loop.Metrics()
		info.Metrics = &metrics
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FlowID < out[j].FlowID })
	return out, nil
}

// Metrics returns the metrics of flowID's session.
func (m *Manager) Metrics(ctx context.Context, flowID string) (scheduler.Metrics, bool) {
	var loop *scheduler.Loop
	_ = m.call(ctx, func() {
		if s, ok := m.sessions[flowID]; ok {
			loop = s.loop
		}
	})
	if loop == nil {
		return scheduler.Metrics{}, false
	}
	return loop.Metrics(), true
}

// Close stops every session and waits for in-flight manual runs.
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	m.closeOnce.Do(func() {
		var all []*session
		_ = m.call(ctx, func() {
			for id := range m.sessions {
				all = append(all, m.removeLocked(id, ""))
			}
		})
		for _, s := range all {
			if err := m.finish(ctx, s, StopShutdown); err != nil {
				errs = append(errs, err)
			}
		}
		waited := make(chan struct{})
		go func() {
			m.jobs.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
		close(m.quit)
		<-m.stopped
	})
	return errors.Join(errs...)
}

type discardJournal struct{}

func (discardJournal) Record(context.Context, *core.ExecutionRecord) error { return nil }
func (discardJournal) RecordCycle(context.Context, *core.ExecutionRecord) error { return nil }
func (discardJournal) Log(core.LogEntry) {}
func (discardJournal) CycleLog(context.Context, core.LogEntry) {}
func (discardJournal) FlushSummary(string, string) {}
