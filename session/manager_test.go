package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/tagflow/core"
	"github.com/petal-labs/tagflow/graph"
	"github.com/petal-labs/tagflow/nodes"
	"github.com/petal-labs/tagflow/tags"
)

type fakeJournal struct {
	mu      sync.Mutex
	records []*core.ExecutionRecord
	cycles  int
	logs    []core.LogEntry
	flushed []string
}

func (j *fakeJournal) Record(_ context.Context, rec *core.ExecutionRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, rec)
	return nil
}

func (j *fakeJournal) RecordCycle(context.Context, *core.ExecutionRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cycles++
	return nil
}

func (j *fakeJournal) Log(e core.LogEntry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.logs = append(j.logs, e)
}

func (j *fakeJournal) CycleLog(_ context.Context, e core.LogEntry) { j.Log(e) }

func (j *fakeJournal) FlushSummary(flowID, sessionID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.flushed = append(j.flushed, flowID+"/"+sessionID)
}

func (j *fakeJournal) messages() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	var b strings.Builder
	for _, e := range j.logs {
		b.WriteString(e.Message)
		b.WriteByte('\n')
	}
	return b.String()
}

func (j *fakeJournal) recordCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.records)
}

type stopEvent struct {
	info   Info
	reason StopReason
}

type fixture struct {
	m        *Manager
	journal  *fakeJournal
	provider *tags.MemProvider
	stops    chan stopEvent
	timers   chan func()
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		journal:  &fakeJournal{},
		provider: tags.NewMemProvider(tags.MemProviderConfig{}),
		stops:    make(chan stopEvent, 8),
		timers:   make(chan func(), 8),
	}
	cfg := Config{
		Registry: nodes.Default(),
		Gateway:  tags.NewGateway(tags.GatewayConfig{Provider: f.provider}),
		Journal:  f.journal,
		OnStop:   func(info Info, reason StopReason) { f.stops <- stopEvent{info, reason} },
		AfterFunc: func(_ time.Duration, fn func()) func() bool {
			f.timers <- fn
			return func() bool { return true }
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	f.m = m
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return f
}

func (f *fixture) tag(path string) (core.Value, bool) {
	vals, _ := f.provider.Read(context.Background(), tags.InternalConnection, []string{path})
	v, ok := vals[path]
	return v, ok
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testFlow(id string) graph.Flow {
	return graph.Flow{
		ID:            id,
		Name:          id,
		ScanRateMs:    20,
		ExecutionMode: graph.ModeContinuous,
		Version:       1,
		Definition: graph.Definition{
			Nodes: []graph.NodeDef{
				{ID: "k", Kind: nodes.KindConstant, Properties: map[string]any{"valueType": "number", "numberValue": 5.0}},
				{ID: "out", Kind: nodes.KindTagOutput, Properties: map[string]any{"tagId": id + "/value"}},
				{ID: "go", Kind: nodes.KindTriggerManual},
				{ID: "pulse", Kind: nodes.KindScriptJS, Properties: map[string]any{"code": "return $input;"}},
				{ID: "fired", Kind: nodes.KindTagOutput, Properties: map[string]any{"tagId": id + "/fired"}},
			},
			Edges: []graph.EdgeDef{
				{ID: "e1", Source: "k", Target: "out"},
				{ID: "e2", Source: "go", Target: "pulse"},
				{ID: "e3", Source: "pulse", Target: "fired"},
			},
		},
	}
}

func TestStartStopLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	flow := testFlow("f1")
	flow.Deployed = true

	info, err := f.m.Start(ctx, flow, StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if info.SessionID == "" || info.FlowID != "f1" || info.ScanRateMs != 20 {
		t.Fatalf("info = %+v", info)
	}
	if _, err := f.m.Start(ctx, flow, StartOptions{}); !core.HasCode(err, core.CodeSessionRunning) {
		t.Fatalf("second Start err = %v, want SESSION_ALREADY_RUNNING", err)
	}

	waitFor(t, "scanned write", func() bool {
		v, ok := f.tag("f1/value")
		return ok && v.Num == 5
	})
	active, err := f.m.ListActive(ctx)
	if err != nil || len(active) != 1 || active[0].Metrics == nil || active[0].Metrics.TotalCycles == 0 {
		t.Fatalf("ListActive = %+v, %v", active, err)
	}
	if m, ok := f.m.Metrics(ctx, "f1"); !ok || m.ScanRateMs != 20 {
		t.Fatalf("Metrics = %+v, %v", m, ok)
	}

	if err := f.m.Stop(ctx, "f1", StopUndeploy); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	ev := <-f.stops
	if ev.reason != StopUndeploy || ev.info.SessionID != info.SessionID || ev.info.Metrics == nil {
		t.Fatalf("stop event = %+v", ev)
	}
	if err := f.m.Stop(ctx, "f1", StopUndeploy); !errors.Is(err, ErrSessionNotRunning) {
		t.Fatalf("second Stop err = %v", err)
	}
	if f.m.Active(ctx, "f1") {
		t.Fatal("session still active")
	}
	msgs := f.journal.messages()
	if !strings.Contains(msgs, "started") || !strings.Contains(msgs, "stopped (undeploy)") {
		t.Errorf("logs = %q", msgs)
	}
	if len(f.journal.flushed) != 1 {
		t.Errorf("summaries flushed = %v", f.journal.flushed)
	}
	if _, ok := f.m.cfg.Gateway.SystemTag("flow.f1.total_cycles"); ok {
		t.Error("system tags survived stop")
	}
}

func TestTestModeExcludesDeployed(t *testing.T) {
	f := newFixture(t, nil)
	flow := testFlow("f1")
	flow.Deployed = true
	if _, err := f.m.Start(context.Background(), flow, StartOptions{TestMode: true}); !errors.Is(err, graph.ErrTestModeDeployed) {
		t.Fatalf("err = %v", err)
	}
}

func TestFire(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	flow := testFlow("f1")

	if err := f.m.Fire(ctx, "f1", "go"); !core.HasCode(err, core.CodeSessionNotRunning) {
		t.Fatalf("Fire without session err = %v", err)
	}
	if _, err := f.m.Start(ctx, flow, StartOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := f.m.Fire(ctx, "f1", "k"); !core.HasCode(err, core.CodeInvalidNode) {
		t.Fatalf("Fire(non-trigger) err = %v", err)
	}
	if _, ok := f.tag("f1/fired"); ok {
		t.Fatal("trigger output written before fire")
	}
	if err := f.m.Fire(ctx, "f1", "go"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "fired write", func() bool {
		v, ok := f.tag("f1/fired")
		return ok && v.Bool
	})
}

func TestAutoExit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	info, err := f.m.Start(ctx, testFlow("f1"), StartOptions{TestMode: true, AutoExit: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	if info.TestAutoExitAt == nil || !info.TestMode {
		t.Fatalf("info = %+v", info)
	}
	expire := <-f.timers
	expire()
	select {
	case ev := <-f.stops:
		if ev.reason != StopAutoExit {
			t.Fatalf("reason = %s", ev.reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session did not auto-exit")
	}
	if f.m.Active(ctx, "f1") {
		t.Fatal("still active after auto-exit")
	}

	// A stale timer from an earlier session must not stop a new one.
	if _, err := f.m.Start(ctx, testFlow("f1"), StartOptions{TestMode: true, AutoExit: time.Minute}); err != nil {
		t.Fatal(err)
	}
	<-f.timers
	expire()
	time.Sleep(20 * time.Millisecond)
	if !f.m.Active(ctx, "f1") {
		t.Fatal("stale timer stopped the new session")
	}
}

func TestTestModeDisablesWrites(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if _, err := f.m.Start(ctx, testFlow("f1"), StartOptions{TestMode: true, DisableWrites: true}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "cycles", func() bool {
		m, _ := f.m.Metrics(ctx, "f1")
		return m.TotalCycles >= 3
	})
	if _, ok := f.tag("f1/value"); ok {
		t.Fatal("tag written with writes disabled")
	}
	if !strings.Contains(f.journal.messages(), "suppressed") {
		t.Error("suppressed writes not logged")
	}
}

func TestSoftSessionCap(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxSessions = 1 })
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, err := f.m.Start(ctx, testFlow(id), StartOptions{}); err != nil {
			t.Fatalf("Start(%s): %v", id, err)
		}
	}
	if !strings.Contains(f.journal.messages(), "session cap 1 exceeded") {
		t.Errorf("logs = %q", f.journal.messages())
	}
	active, _ := f.m.ListActive(ctx)
	if len(active) != 2 || active[0].FlowID != "a" {
		t.Fatalf("active = %+v", active)
	}
}

func TestExecute(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	flow := testFlow("f1")
	flow.ExecutionMode = graph.ModeManual

	rec, err := f.m.ExecuteSync(ctx, flow, ExecuteRequest{TriggerNodeID: "go", Parameters: map[string]any{"x": 1.0}})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != core.StatusCompleted || rec.TriggerNodeID != "go" || rec.NodeOutputs["fired"].Status != core.NodeCompleted {
		t.Fatalf("record = %+v", rec)
	}
	if v, _ := f.tag("f1/fired"); !v.Bool {
		t.Fatal("manual run did not write")
	}

	job, err := f.m.Execute(ctx, flow, ExecuteRequest{TriggerNodeID: "go"})
	if err != nil || job.ID == "" {
		t.Fatalf("Execute = %+v, %v", job, err)
	}
	waitFor(t, "async record", func() bool { return f.journal.recordCount() == 2 })

	if _, err := f.m.Execute(ctx, flow, ExecuteRequest{TriggerNodeID: "k"}); !core.HasCode(err, core.CodeInvalidNode) {
		t.Fatalf("non-trigger err = %v", err)
	}
	job, err = f.m.Execute(ctx, flow, ExecuteRequest{StartNodeID: "k"})
	if err != nil {
		t.Fatal(err)
	}
	if job.StartNode != "k" || strings.Join(job.NodesInSubgraph, ",") != "k,out" {
		t.Fatalf("partial job = %+v", job)
	}
	if _, err := f.m.Execute(ctx, flow, ExecuteRequest{StartNodeID: "nope"}); !core.HasCode(err, core.CodeInvalidNode) {
		t.Fatalf("unknown start err = %v", err)
	}
}

func TestExecuteRejectsInvalidFlow(t *testing.T) {
	f := newFixture(t, nil)
	flow := testFlow("f1")
	flow.Definition.Edges = append(flow.Definition.Edges, graph.EdgeDef{ID: "bad", Source: "k", Target: "missing"})
	_, err := f.m.ExecuteSync(context.Background(), flow, ExecuteRequest{})
	var de *graph.DiagnosticError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want DiagnosticError", err)
	}
}

func TestTestNodeJournaled(t *testing.T) {
	f := newFixture(t, nil)
	flow := testFlow("f1")
	flow.TestMode = true
	flow.TestDisableWrites = true
	rec, err := f.m.TestNode(context.Background(), flow, "out", 12.0, true)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Kind != core.KindNodeTest || len(rec.Writes) != 1 || rec.Writes[0].Outcome != core.WriteSuppressed {
		t.Fatalf("record = %+v", rec)
	}
	if f.journal.recordCount() != 1 {
		t.Fatal("node test not journaled")
	}
	if _, err := f.m.TestNode(context.Background(), flow, "nope", nil, false); !core.HasCode(err, core.CodeInvalidNode) {
		t.Fatalf("err = %v", err)
	}
}

func TestReloadPicksUpEdits(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	flow := testFlow("f1")
	if _, err := f.m.Start(ctx, flow, StartOptions{}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first value", func() bool {
		v, _ := f.tag("f1/value")
		return v.Num == 5
	})

	flow.Version = 2
	flow.Definition.Nodes[0].Properties = map[string]any{"valueType": "number", "numberValue": 9.0}
	if err := f.m.Reload(flow); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "reloaded value", func() bool {
		v, _ := f.tag("f1/value")
		return v.Num == 9
	})
}

func TestReloadWatchesNewTagInputs(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	flow := testFlow("f1")
	if _, err := f.m.Start(ctx, flow, StartOptions{}); err != nil {
		t.Fatal(err)
	}

	flow.Version = 2
	flow.Definition.Nodes = append(flow.Definition.Nodes,
		graph.NodeDef{ID: "in", Kind: nodes.KindTagInput, Properties: map[string]any{"tagId": "f1/in"}},
		graph.NodeDef{ID: "copy", Kind: nodes.KindTagOutput, Properties: map[string]any{"tagId": "f1/copy"}},
	)
	flow.Definition.Edges = append(flow.Definition.Edges, graph.EdgeDef{ID: "e4", Source: "in", Target: "copy"})
	if err := f.m.Reload(flow); err != nil {
		t.Fatal(err)
	}

	n := 0.0
	waitFor(t, "change hint for the new input", func() bool {
		n++
		if err := f.provider.Set(tags.InternalConnection, "f1/in", core.Number(n)); err != nil {
			t.Fatal(err)
		}
		m, ok := f.m.Metrics(ctx, "f1")
		return ok && m.TagChangeHints > 0
	})
}
