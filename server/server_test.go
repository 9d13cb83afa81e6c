package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/tagflow/bus"
	"github.com/petal-labs/tagflow/core"
	"github.com/petal-labs/tagflow/graph"
	"github.com/petal-labs/tagflow/journal"
	"github.com/petal-labs/tagflow/nodes"
	"github.com/petal-labs/tagflow/session"
	"github.com/petal-labs/tagflow/store"
	"github.com/petal-labs/tagflow/tags"
)

type testEnv struct {
	srv      *Server
	handler  http.Handler
	flows    *store.FlowRepo
	sessions *session.Manager
	provider *tags.MemProvider
}

// newTestEnv wires a Server over in-memory stores, a real journal and a
// real session manager.
func newTestEnv(t *testing.T, mutate func(*ServerConfig)) *testEnv {
	t.Helper()
	mem := store.NewMemoryStore()
	flows := store.NewFlowRepo(mem, graph.FlowDefaults{ScanRateMs: 1000, LogsRetentionDays: 30}, nil)
	logBus := bus.NewMemBus(bus.MemBusConfig{})

	j, err := journal.New(journal.Config{Log: mem, Bus: logBus})
	if err != nil {
		t.Fatalf("journal.New: %v", err)
	}
	if err := j.Start(); err != nil {
		t.Fatalf("journal.Start: %v", err)
	}

	provider := tags.NewMemProvider(tags.MemProviderConfig{})
	gateway := tags.NewGateway(tags.GatewayConfig{Provider: provider})
	sessions, err := session.NewManager(session.Config{
		Registry: nodes.Default(),
		Gateway:  gateway,
		Journal:  j,
		KV:       mem,
		OnStop:   ClearTestModeOnExit(flows, nil),
	})
	if err != nil {
		t.Fatalf("session.NewManager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sessions.Close(ctx)
		_ = j.Close(ctx)
	})

	cfg := ServerConfig{
		Flows:    flows,
		Sessions: sessions,
		Journal:  j,
		Registry: nodes.Default(),
		Gateway:  gateway,
		Bus:      logBus,
		MaxBody:  1 << 20,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := NewServer(cfg)
	return &testEnv{
		srv:      srv,
		handler:  srv.Handler(),
		flows:    flows,
		sessions: sessions,
		provider: provider,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, r)
	return w
}

// create posts a flow document and returns the stored flow.
func (e *testEnv) create(t *testing.T, body string) graph.Flow {
	t.Helper()
	w := e.do(t, http.MethodPost, "/flows", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status %d: %s", w.Code, w.Body.String())
	}
	var f graph.Flow
	decode(t, w, &f)
	return f
}

func (e *testEnv) tag(path string) (core.Value, bool) {
	vals, _ := e.provider.Read(context.Background(), tags.InternalConnection, []string{path})
	v, ok := vals[path]
	return v, ok
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body apiError
	decode(t, w, &body)
	return body.Error.Code
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

// sumFlow adds two constants into a tag-output writing name/sum.
func sumFlow(name, mode string) string {
	return `{
		"name": "` + name + `",
		"execution_mode": "` + mode + `",
		"scan_rate_ms": 100,
		"definition": {
			"nodes": [
				{"id": "a", "kind": "constant", "properties": {"valueType": "number", "numberValue": 2}},
				{"id": "b", "kind": "constant", "properties": {"valueType": "number", "numberValue": 3}},
				{"id": "sum", "kind": "math", "properties": {"operation": "add", "inputCount": 2}},
				{"id": "out", "kind": "tag-output", "properties": {"tagId": "` + name + `/sum"}}
			],
			"edges": [
				{"id": "e1", "source": "a", "target": "sum", "targetHandle": "input-0"},
				{"id": "e2", "source": "b", "target": "sum", "targetHandle": "input-1"},
				{"id": "e3", "source": "sum", "target": "out"}
			]
		}
	}`
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d", w.Code, http.StatusOK)
	}
	var body map[string]string
	decode(t, w, &body)
	if body["status"] != "ok" {
		t.Fatalf("got status %q, want %q", body["status"], "ok")
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("CORS origin = %q, want %q", got, "*")
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodOptions, "/flows", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("OPTIONS status = %d, want %d", w.Code, http.StatusNoContent)
	}
}

func TestMaxBody(t *testing.T) {
	env := newTestEnv(t, func(c *ServerConfig) { c.MaxBody = 10 })
	w := env.do(t, http.MethodPost, "/flows", strings.Repeat("x", 100))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("got status %d, want %d", w.Code, http.StatusRequestEntityTooLarge)
	}
}

func TestNodeTypes(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodGet, "/node-types", "")
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d", w.Code)
	}
	var types []map[string]any
	decode(t, w, &types)
	if len(types) != 9 {
		t.Fatalf("got %d node types, want 9", len(types))
	}
}

func TestFlowCRUD(t *testing.T) {
	env := newTestEnv(t, nil)
	f := env.create(t, sumFlow("crud", "manual"))
	if f.ID == "" || f.Version != 1 || f.Deployed || f.TestMode {
		t.Fatalf("created flow = %+v", f)
	}

	w := env.do(t, http.MethodGet, "/flows/"+f.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get: status %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/flows", "")
	var list []graph.Flow
	decode(t, w, &list)
	if len(list) != 1 || list[0].ID != f.ID {
		t.Fatalf("list = %+v", list)
	}

	// A rename keeps the plan version.
	renamed := strings.Replace(sumFlow("crud", "manual"), `"name": "crud"`, `"name": "renamed"`, 1)
	w = env.do(t, http.MethodPut, "/flows/"+f.ID, renamed)
	var updated graph.Flow
	decode(t, w, &updated)
	if w.Code != http.StatusOK || updated.Name != "renamed" || updated.Version != 1 || updated.ID != f.ID {
		t.Fatalf("rename: status %d, flow %+v", w.Code, updated)
	}

	// A definition edit bumps it.
	edited := strings.Replace(sumFlow("crud", "manual"), `"numberValue": 3`, `"numberValue": 4`, 1)
	w = env.do(t, http.MethodPut, "/flows/"+f.ID, edited)
	decode(t, w, &updated)
	if updated.Version != 2 {
		t.Fatalf("version after edit = %d, want 2", updated.Version)
	}

	w = env.do(t, http.MethodDelete, "/flows/"+f.ID, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d", w.Code)
	}
	w = env.do(t, http.MethodGet, "/flows/"+f.ID, "")
	if w.Code != http.StatusNotFound || errorCode(t, w) != "NOT_FOUND" {
		t.Fatalf("get after delete: status %d: %s", w.Code, w.Body.String())
	}
}

func TestCreateFlowErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantErr  string
	}{
		{"malformed", `{"name":`, http.StatusBadRequest, "PARSE_ERROR"},
		{"scan rate", strings.Replace(sumFlow("x", "manual"), `"scan_rate_ms": 100`, `"scan_rate_ms": 10`, 1),
			http.StatusBadRequest, string(core.CodeInvalidSettings)},
		{"object ports", `{"name": "p", "definition": {"nodes": [{"id": "n", "kind": "constant", "inputs": {"a": 1}}], "edges": []}}`,
			http.StatusUnprocessableEntity, string(core.CodeInvalidNode)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			w := env.do(t, http.MethodPost, "/flows", tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantCode, w.Body.String())
			}
			if got := errorCode(t, w); got != tt.wantErr {
				t.Fatalf("code = %q, want %q", got, tt.wantErr)
			}
		})
	}
}

func TestDeployLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	f := env.create(t, sumFlow("dep", "continuous"))

	w := env.do(t, http.MethodPost, "/flows/"+f.ID+"/deploy", `{"deployed": true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("deploy: status %d: %s", w.Code, w.Body.String())
	}
	var resp deployResponse
	decode(t, w, &resp)
	if !resp.Flow.Deployed || resp.Session == nil {
		t.Fatalf("deploy response = %+v", resp)
	}

	waitFor(t, "scanned write", func() bool {
		v, ok := env.tag("dep/sum")
		return ok && v.Num == 5
	})

	w = env.do(t, http.MethodGet, "/sessions", "")
	var active []session.Info
	decode(t, w, &active)
	if len(active) != 1 || active[0].FlowID != f.ID {
		t.Fatalf("sessions = %+v", active)
	}

	w = env.do(t, http.MethodGet, "/flows/"+f.ID+"/resources", "")
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) == "null" {
		t.Fatalf("resources: status %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodPost, "/flows/"+f.ID+"/test/start", `{}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("test/start on deployed flow: status %d, want 409", w.Code)
	}

	w = env.do(t, http.MethodPost, "/flows/"+f.ID+"/deploy", `{"deployed": false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("undeploy: status %d: %s", w.Code, w.Body.String())
	}
	if env.sessions.Active(context.Background(), f.ID) {
		t.Fatal("session still active after undeploy")
	}
	w = env.do(t, http.MethodGet, "/flows/"+f.ID+"/resources", "")
	if strings.TrimSpace(w.Body.String()) != "null" {
		t.Fatalf("resources without session = %s, want null", w.Body.String())
	}
}

func TestDeployRejectsDormantOutput(t *testing.T) {
	env := newTestEnv(t, nil)
	f := env.create(t, `{
		"name": "dormant",
		"definition": {
			"nodes": [
				{"id": "k", "kind": "constant", "properties": {"valueType": "number", "numberValue": 1}},
				{"id": "out", "kind": "tag-output", "properties": {"tagId": "dormant/x"}}
			],
			"edges": []
		}
	}`)
	w := env.do(t, http.MethodPost, "/flows/"+f.ID+"/deploy", `{"deployed": true}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %s", w.Code, w.Body.String())
	}
	stored, err := env.flows.Get(context.Background(), f.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Deployed {
		t.Fatal("rejected flow was marked deployed")
	}
}

func TestTestModeLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	f := env.create(t, sumFlow("tm", "continuous"))

	w := env.do(t, http.MethodPost, "/flows/"+f.ID+"/test/start", `{"disable_writes": true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("test/start: status %d: %s", w.Code, w.Body.String())
	}
	var info session.Info
	decode(t, w, &info)
	if !info.TestMode || !info.TestDisableWrites {
		t.Fatalf("info = %+v", info)
	}

	w = env.do(t, http.MethodPost, "/flows/"+f.ID+"/deploy", `{"deployed": true}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("deploy during test mode: status %d, want 409", w.Code)
	}

	time.Sleep(250 * time.Millisecond)
	if _, ok := env.tag("tm/sum"); ok {
		t.Fatal("write reached the gateway with writes disabled")
	}

	w = env.do(t, http.MethodPost, "/flows/"+f.ID+"/test/stop", "")
	if w.Code != http.StatusOK {
		t.Fatalf("test/stop: status %d: %s", w.Code, w.Body.String())
	}
	var stop struct {
		Stopped bool       `json:"stopped"`
		Flow    graph.Flow `json:"flow"`
	}
	decode(t, w, &stop)
	if !stop.Stopped || stop.Flow.TestMode {
		t.Fatalf("test/stop response = %+v", stop)
	}
}

func TestExecuteWait(t *testing.T) {
	env := newTestEnv(t, nil)
	f := env.create(t, sumFlow("ex", "manual"))

	w := env.do(t, http.MethodPost, "/flows/"+f.ID+"/execute?wait=true", `{"parameters": {"batch": "7"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("execute: status %d: %s", w.Code, w.Body.String())
	}
	var rec core.ExecutionRecord
	decode(t, w, &rec)
	if rec.Status != core.StatusCompleted {
		t.Fatalf("status = %s, errors %v", rec.Status, rec.ErrorLog)
	}
	if out := rec.NodeOutputs["sum"]; out == nil || out.Output != 5.0 {
		t.Fatalf("sum output = %+v", out)
	}
	if v, ok := env.tag("ex/sum"); !ok || v.Num != 5 {
		t.Fatalf("tag ex/sum = %+v, %v", v, ok)
	}

	w = env.do(t, http.MethodGet, "/flows/"+f.ID+"/history", "")
	var hist struct {
		Executions []core.ExecutionRecord `json:"executions"`
		Limit      int                    `json:"limit"`
	}
	decode(t, w, &hist)
	if len(hist.Executions) != 1 || hist.Limit != defaultHistoryLimit {
		t.Fatalf("history = %+v", hist)
	}

	w = env.do(t, http.MethodGet, "/flows/"+f.ID+"/executions/"+rec.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("execution: status %d", w.Code)
	}
	w = env.do(t, http.MethodGet, "/flows/"+f.ID+"/executions/nope", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown execution: status %d, want 404", w.Code)
	}
}

func TestExecuteAsync(t *testing.T) {
	env := newTestEnv(t, nil)
	f := env.create(t, sumFlow("async", "manual"))

	w := env.do(t, http.MethodPost, "/flows/"+f.ID+"/execute", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("execute: status %d: %s", w.Code, w.Body.String())
	}
	var job session.Job
	decode(t, w, &job)
	if job.ID == "" {
		t.Fatal("empty job id")
	}
	waitFor(t, "journaled execution", func() bool {
		w := env.do(t, http.MethodGet, "/flows/"+f.ID+"/executions/"+job.ID, "")
		return w.Code == http.StatusOK
	})
}

func TestExecuteFrom(t *testing.T) {
	env := newTestEnv(t, nil)
	f := env.create(t, sumFlow("from", "manual"))

	w := env.do(t, http.MethodPost, "/flows/"+f.ID+"/execute-from/sum", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("execute-from: status %d: %s", w.Code, w.Body.String())
	}
	var job session.Job
	decode(t, w, &job)
	if job.StartNode != "sum" || strings.Join(job.NodesInSubgraph, ",") != "sum,out" {
		t.Fatalf("job = %+v", job)
	}

	w = env.do(t, http.MethodPost, "/flows/"+f.ID+"/execute-from/ghost", "")
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unknown start node: status %d, want 422", w.Code)
	}
}

func TestNodeTestWithMock(t *testing.T) {
	env := newTestEnv(t, nil)
	f := env.create(t, sumFlow("nt", "manual"))

	w := env.do(t, http.MethodPost, "/flows/"+f.ID+"/nodes/sum/test", `{"mockInputData": [10, 20]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("node test: status %d: %s", w.Code, w.Body.String())
	}
	var resp nodeTestResponse
	decode(t, w, &resp)
	if resp.NodeID != "sum" || resp.Status != core.NodeCompleted || resp.Output != 30.0 {
		t.Fatalf("response = %+v", resp)
	}
	if resp.ExecutionID == "" {
		t.Fatal("node test was not given an execution id")
	}
}

func TestTriggerWithoutSession(t *testing.T) {
	env := newTestEnv(t, nil)
	f := env.create(t, sumFlow("trig", "continuous"))

	w := env.do(t, http.MethodPost, "/flows/"+f.ID+"/trigger/a", "")
	if w.Code != http.StatusConflict || errorCode(t, w) != string(core.CodeSessionNotRunning) {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
}

func TestExecutionOrder(t *testing.T) {
	env := newTestEnv(t, nil)
	f := env.create(t, sumFlow("order", "manual"))

	w := env.do(t, http.MethodPost, "/flows/"+f.ID+"/calculate-execution-order", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		ExecutionOrder []graph.OrderEntry `json:"executionOrder"`
		TotalNodes     int                `json:"totalNodes"`
	}
	decode(t, w, &resp)
	if resp.TotalNodes != 4 || resp.ExecutionOrder[3].NodeID != "out" {
		t.Fatalf("order = %+v", resp)
	}

	cyclic := `{"nodes": [
		{"id": "x", "kind": "math", "properties": {"inputCount": 2}},
		{"id": "y", "kind": "math", "properties": {"inputCount": 2}}
	], "edges": [
		{"id": "xy", "source": "x", "target": "y", "targetHandle": "input-1"},
		{"id": "yx", "source": "y", "target": "x", "targetHandle": "input-1"}
	]}`
	w = env.do(t, http.MethodPost, "/flows/"+f.ID+"/calculate-execution-order", cyclic)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("cyclic: status %d: %s", w.Code, w.Body.String())
	}
}

func TestPins(t *testing.T) {
	env := newTestEnv(t, nil)
	f := env.create(t, sumFlow("pins", "manual"))

	w := env.do(t, http.MethodPut, "/flows/"+f.ID+"/pins/a", `{"value": 10}`)
	if w.Code != http.StatusOK {
		t.Fatalf("set pin: status %d: %s", w.Code, w.Body.String())
	}
	w = env.do(t, http.MethodPost, "/flows/"+f.ID+"/execute?wait=true", "")
	var rec core.ExecutionRecord
	decode(t, w, &rec)
	if out := rec.NodeOutputs["sum"]; out == nil || out.Output != 13.0 {
		t.Fatalf("pinned sum = %+v", out)
	}

	w = env.do(t, http.MethodPut, "/flows/"+f.ID+"/pins/ghost", `{"value": 1}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("pin on unknown node: status %d, want 404", w.Code)
	}

	w = env.do(t, http.MethodDelete, "/flows/"+f.ID+"/pins/a", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete pin: status %d", w.Code)
	}
	stored, err := env.flows.Get(context.Background(), f.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, ok := stored.Definition.PinData["a"]; ok {
		t.Fatal("pin survived delete")
	}
}

func TestLogsConfig(t *testing.T) {
	env := newTestEnv(t, nil)
	f := env.create(t, sumFlow("logs", "manual"))

	w := env.do(t, http.MethodPut, "/flows/"+f.ID+"/logs/config", `{"logs_enabled": true, "logs_retention_days": 7}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	decode(t, w, &resp)
	if resp["logs_enabled"] != true || resp["logs_retention_days"] != 7.0 {
		t.Fatalf("response = %v", resp)
	}

	w = env.do(t, http.MethodPut, "/flows/"+f.ID+"/logs/config", `{"logs_retention_days": 500}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("out of range retention: status %d, want 400", w.Code)
	}

	w = env.do(t, http.MethodGet, "/flows/"+f.ID+"/logs?log_level=loud", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad log_level: status %d, want 400", w.Code)
	}
	w = env.do(t, http.MethodGet, "/flows/"+f.ID+"/logs?since=1700000000000", "")
	if w.Code != http.StatusOK {
		t.Fatalf("logs: status %d: %s", w.Code, w.Body.String())
	}
	w = env.do(t, http.MethodPost, "/flows/"+f.ID+"/logs/clear", "")
	if w.Code != http.StatusOK {
		t.Fatalf("clear: status %d", w.Code)
	}
}

func TestUnknownFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/flows/nope"},
		{http.MethodDelete, "/flows/nope"},
		{http.MethodGet, "/flows/nope/history"},
		{http.MethodGet, "/flows/nope/logs"},
		{http.MethodGet, "/flows/nope/resources"},
		{http.MethodPost, "/flows/nope/execute"},
		{http.MethodPost, "/flows/nope/deploy"},
	} {
		w := env.do(t, tc.method, tc.path, "")
		if w.Code != http.StatusNotFound {
			t.Errorf("%s %s: status %d, want 404", tc.method, tc.path, w.Code)
		}
	}
}

func TestClearTestModeOnExit(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	f := env.create(t, sumFlow("exit", "continuous"))
	if _, err := env.flows.Mutate(ctx, f.ID, func(f *graph.Flow) error {
		f.TestMode = true
		return nil
	}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	hook := ClearTestModeOnExit(env.flows, nil)
	hook(session.Info{FlowID: f.ID}, session.StopTestExit)
	if got, _ := env.flows.Get(ctx, f.ID); !got.TestMode {
		t.Fatal("test mode cleared on a non-expiry stop")
	}
	hook(session.Info{FlowID: f.ID}, session.StopAutoExit)
	if got, _ := env.flows.Get(ctx, f.ID); got.TestMode {
		t.Fatal("test mode kept after auto-exit")
	}
}

func TestResumeDeployed(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	deployed := env.create(t, sumFlow("resume", "continuous"))
	stale := env.create(t, sumFlow("stale", "continuous"))
	env.create(t, sumFlow("idle", "manual"))

	if _, err := env.flows.Mutate(ctx, deployed.ID, func(f *graph.Flow) error {
		f.Deployed = true
		return nil
	}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if _, err := env.flows.Mutate(ctx, stale.ID, func(f *graph.Flow) error {
		f.TestMode = true
		return nil
	}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	n, err := ResumeDeployed(ctx, env.flows, env.sessions, nil)
	if err != nil {
		t.Fatalf("ResumeDeployed: %v", err)
	}
	if n != 1 || !env.sessions.Active(ctx, deployed.ID) {
		t.Fatalf("started %d, deployed active %v", n, env.sessions.Active(ctx, deployed.ID))
	}
	if env.sessions.Active(ctx, stale.ID) {
		t.Fatal("stale test flow was resumed")
	}
	if got, _ := env.flows.Get(ctx, stale.ID); got.TestMode {
		t.Fatal("stale test flag not cleared")
	}
}
