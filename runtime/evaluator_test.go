package runtime_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/tagflow/core"
	"github.com/petal-labs/tagflow/graph"
	"github.com/petal-labs/tagflow/nodes"
	"github.com/petal-labs/tagflow/runtime"
	"github.com/petal-labs/tagflow/script"
	"github.com/petal-labs/tagflow/tags"
	"github.com/petal-labs/tagflow/writebuf"
)

type harness struct {
	eval     *runtime.Evaluator
	provider *tags.MemProvider
	logs     []core.LogEntry
	events   []runtime.Event
}

func node(id, kind string, props map[string]any) graph.NodeDef {
	return graph.NodeDef{ID: id, Kind: kind, Properties: props}
}

func edge(src, dst, handle string) graph.EdgeDef {
	return graph.EdgeDef{ID: src + "-" + dst, Source: src, Target: dst, TargetHandle: handle}
}

func scriptNode(id, code string, extra map[string]any) graph.NodeDef {
	props := map[string]any{"code": code}
	for k, v := range extra {
		props[k] = v
	}
	return node(id, nodes.KindScriptJS, props)
}

func newHarness(t *testing.T, def graph.Definition) *harness {
	t.Helper()
	cfg := script.DefaultConfig()
	cfg.FSRoot = t.TempDir()
	cfg.MemoryLimitBytes = 0
	reg := nodes.New(script.New(cfg))

	plan, diags := graph.Compile("flow-1", 1, def, reg)
	if graph.HasErrors(diags) {
		t.Fatalf("compile: %+v", diags)
	}
	h := &harness{provider: tags.NewMemProvider(tags.MemProviderConfig{})}
	gw := tags.NewGateway(tags.GatewayConfig{Provider: h.provider})
	ev, err := runtime.NewEvaluator(plan, runtime.Config{
		Registry:     reg,
		Tags:         gw,
		Writes:       writebuf.New(writebuf.Config{Writer: gw}),
		OnLog:        func(e core.LogEntry) { h.logs = append(h.logs, e) },
		EventHandler: func(e runtime.Event) { h.events = append(h.events, e) },
	})
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	h.eval = ev
	return h
}

func (h *harness) set(t *testing.T, path string, v float64) {
	t.Helper()
	if err := h.provider.Set(tags.InternalConnection, path, core.Number(v)); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) tag(t *testing.T, path string) (core.Value, bool) {
	t.Helper()
	vals, err := h.provider.Read(context.Background(), tags.InternalConnection, []string{path})
	if err != nil {
		t.Fatal(err)
	}
	v, ok := vals[path]
	return v, ok
}

func (h *harness) run(t *testing.T, opts runtime.CycleOptions) *runtime.Result {
	t.Helper()
	res, err := h.eval.RunCycle(context.Background(), opts)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	return res
}

func TestAddTwoTagsAndWrite(t *testing.T) {
	h := newHarness(t, graph.Definition{
		Nodes: []graph.NodeDef{
			node("a", nodes.KindTagInput, map[string]any{"tagId": "A"}),
			node("b", nodes.KindTagInput, map[string]any{"tagId": "B"}),
			node("sum", nodes.KindMath, map[string]any{"operation": "add"}),
			node("c", nodes.KindTagOutput, map[string]any{"tagId": "C", "saveStrategy": "always"}),
		},
		Edges: []graph.EdgeDef{
			edge("a", "sum", "input-0"),
			edge("b", "sum", "input-1"),
			edge("sum", "c", ""),
		},
	})
	h.set(t, "A", 2)
	h.set(t, "B", 3)
	h.set(t, "C", 0)

	res := h.run(t, runtime.CycleOptions{})
	rec := res.Record
	if rec.Status != core.StatusCompleted || rec.CompletedAt == nil {
		t.Fatalf("status = %s", rec.Status)
	}
	if got := rec.NodeOutputs["sum"].Output; got != 5.0 {
		t.Errorf("sum output = %v, want 5", got)
	}
	if v, _ := h.tag(t, "C"); v.Num != 5 {
		t.Errorf("C = %v, want 5", v.Num)
	}
	if len(rec.Writes) != 1 || rec.Writes[0].Outcome != core.WriteAccepted {
		t.Errorf("writes = %+v", rec.Writes)
	}
	if strings.Join(res.Evaluated, ",") != "a,b,sum,c" {
		t.Errorf("evaluated = %v", res.Evaluated)
	}
}

func TestEventsAreSequenced(t *testing.T) {
	h := newHarness(t, graph.Definition{
		Nodes: []graph.NodeDef{
			node("k", nodes.KindConstant, map[string]any{"valueType": "number", "numberValue": 4.0}),
			node("out", nodes.KindTagOutput, map[string]any{"tagId": "X"}),
		},
		Edges: []graph.EdgeDef{edge("k", "out", "")},
	})
	h.run(t, runtime.CycleOptions{})

	if len(h.events) < 4 {
		t.Fatalf("events = %d", len(h.events))
	}
	if h.events[0].Kind != runtime.EventCycleStarted || h.events[len(h.events)-1].Kind != runtime.EventCycleFinished {
		t.Errorf("first/last = %s/%s", h.events[0].Kind, h.events[len(h.events)-1].Kind)
	}
	kinds := map[runtime.EventKind]int{}
	for i, e := range h.events {
		if e.Seq != uint64(i+1) {
			t.Errorf("event %d seq = %d", i, e.Seq)
		}
		kinds[e.Kind]++
	}
	if kinds[runtime.EventNodeFinished] != 2 || kinds[runtime.EventWriteEmitted] != 1 {
		t.Errorf("kinds = %v", kinds)
	}
}

func TestTriggerGating(t *testing.T) {
	h := newHarness(t, graph.Definition{
		Nodes: []graph.NodeDef{
			node("go", nodes.KindTriggerManual, nil),
			scriptNode("s", "return 7;", nil),
			node("out", nodes.KindTagOutput, map[string]any{"tagId": "T"}),
		},
		Edges: []graph.EdgeDef{edge("go", "s", ""), edge("s", "out", "")},
	})

	res := h.run(t, runtime.CycleOptions{})
	if res.Record.NodeOutputs["go"].Status != core.NodeSkipped || res.Record.NodeOutputs["s"].Status != core.NodeSkipped {
		t.Fatalf("unfired cycle outputs = %+v", res.Record.NodeOutputs)
	}
	if _, ok := h.tag(t, "T"); ok {
		t.Fatal("unfired trigger wrote T")
	}
	if len(res.Consumed) != 0 {
		t.Fatalf("consumed = %v", res.Consumed)
	}

	res = h.run(t, runtime.CycleOptions{Fires: map[string]bool{"go": true, "other": true}, TriggerNodeID: "go"})
	if strings.Join(res.Consumed, ",") != "go" {
		t.Fatalf("consumed = %v, want [go]", res.Consumed)
	}
	if v, _ := h.tag(t, "T"); v.Num != 7 {
		t.Fatalf("T = %v, want 7", v.Num)
	}
}

func TestPinnedOverride(t *testing.T) {
	h := newHarness(t, graph.Definition{
		Nodes: []graph.NodeDef{
			node("a", nodes.KindTagInput, map[string]any{"tagId": "A"}),
			node("out", nodes.KindTagOutput, map[string]any{"tagId": "B"}),
		},
		Edges: []graph.EdgeDef{edge("a", "out", "")},
	})
	// A is unknown; the pin still yields a Good value.
	res := h.run(t, runtime.CycleOptions{Pins: map[string]core.Value{"a": core.Number(10).WithQuality(core.QualityBad)}})
	out := res.Record.NodeOutputs["a"]
	if out.Status != core.NodePinned || out.Output != 10.0 || !out.Quality.IsGood() {
		t.Fatalf("pinned output = %+v", out)
	}
	if v, _ := h.tag(t, "B"); v.Num != 10 {
		t.Fatalf("B = %v, want 10", v.Num)
	}
}

func TestScriptTimeoutAbortsWithinGrace(t *testing.T) {
	h := newHarness(t, graph.Definition{
		Nodes: []graph.NodeDef{
			node("k", nodes.KindConstant, map[string]any{"valueType": "number", "numberValue": 1.0}),
			scriptNode("spin", "while(true){}", map[string]any{"timeout": 300.0, "onError": "continue"}),
			scriptNode("after", "return $input === null ? 'null' : 'value';", nil),
		},
		Edges: []graph.EdgeDef{edge("k", "spin", ""), edge("spin", "after", "")},
	})

	start := time.Now()
	res := h.run(t, runtime.CycleOptions{})
	elapsed := time.Since(start)

	spin := res.Record.NodeOutputs["spin"]
	if spin == nil || spin.Error == nil || spin.Error.Code != core.CodeScriptTimeout {
		t.Fatalf("spin = %+v, want %s", spin, core.CodeScriptTimeout)
	}
	if spin.ExecutionTime < 300 || spin.ExecutionTime >= 400 {
		t.Errorf("spin ran %.1fms, want within [300, 400)", spin.ExecutionTime)
	}
	if elapsed >= 450*time.Millisecond {
		t.Errorf("cycle took %s", elapsed)
	}

	slots, ok := h.eval.Memory().Last("spin")
	if !ok || len(slots) == 0 || !slots[0].Present {
		t.Fatalf("spin outputs = %+v, %v", slots, ok)
	}
	if v := slots[0].Value; !v.IsNull() || v.Quality != core.QualityBad {
		t.Errorf("spin output = %+v, want Bad null", v)
	}
	if after := res.Record.NodeOutputs["after"]; after == nil || after.Output != "null" {
		t.Errorf("after = %+v, want null input", after)
	}
}

func TestScriptTimeoutOnError(t *testing.T) {
	tests := []struct {
		name       string
		onError    string
		wantStatus core.ExecutionStatus
		wantDown   bool
	}{
		{name: "continue", onError: "continue", wantStatus: core.StatusCompleted, wantDown: true},
		{name: "stop", onError: "stop", wantStatus: core.StatusFailed, wantDown: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, graph.Definition{
				Nodes: []graph.NodeDef{
					node("k", nodes.KindConstant, map[string]any{"valueType": "number", "numberValue": 1.0}),
					scriptNode("loop", "while(true){}", map[string]any{"timeout": 200.0, "onError": tt.onError}),
					scriptNode("after", "return $input === null ? 'null' : 'value';", nil),
					node("out", nodes.KindTagOutput, map[string]any{"tagId": "Z"}),
				},
				Edges: []graph.EdgeDef{edge("k", "loop", ""), edge("loop", "after", ""), edge("k", "out", "")},
			})
			start := time.Now()
			res := h.run(t, runtime.CycleOptions{})
			if elapsed := time.Since(start); elapsed > 2*time.Second {
				t.Fatalf("cycle took %s", elapsed)
			}
			rec := res.Record
			if rec.Status != tt.wantStatus {
				t.Fatalf("status = %s, want %s", rec.Status, tt.wantStatus)
			}
			loop := rec.NodeOutputs["loop"]
			if loop.Status != core.NodeFailed || loop.Error == nil || loop.Error.Code != core.CodeScriptTimeout {
				t.Fatalf("loop = %+v", loop)
			}
			if len(rec.ErrorLog) == 0 {
				t.Fatal("empty error log")
			}
			after, ok := rec.NodeOutputs["after"]
			if ok != tt.wantDown {
				t.Fatalf("downstream evaluated = %v, want %v", ok, tt.wantDown)
			}
			if tt.wantDown && after.Output != "null" {
				t.Fatalf("downstream saw %v, want null", after.Output)
			}
			_, wrote := h.tag(t, "Z")
			if wrote != tt.wantDown {
				t.Fatalf("Z written = %v, want %v", wrote, tt.wantDown)
			}
			foundErr := false
			for _, e := range h.logs {
				if e.NodeID == "loop" && e.Level == core.LevelError {
					foundErr = true
				}
			}
			if !foundErr {
				t.Error("no error log entry for loop")
			}
		})
	}
}

func chainDef() graph.Definition {
	return graph.Definition{
		Nodes: []graph.NodeDef{
			node("A", nodes.KindConstant, map[string]any{"valueType": "number", "numberValue": 1.0}),
			scriptNode("B", "return $input + 1;", nil),
			scriptNode("C", "return $input * 2;", nil),
			node("D", nodes.KindTagOutput, map[string]any{"tagId": "D"}),
		},
		Edges: []graph.EdgeDef{edge("A", "B", ""), edge("B", "C", ""), edge("C", "D", "")},
	}
}

func TestPartialExecution(t *testing.T) {
	h := newHarness(t, chainDef())
	h.run(t, runtime.CycleOptions{})
	if v, _ := h.tag(t, "D"); v.Num != 4 {
		t.Fatalf("full run D = %v, want 4", v.Num)
	}
	lastA, _ := h.eval.Memory().Last("A")

	res := h.run(t, runtime.CycleOptions{StartNodeID: "C", Pins: map[string]core.Value{"B": core.Number(42)}})
	if strings.Join(res.Evaluated, ",") != "C,D" {
		t.Fatalf("evaluated = %v, want C,D", res.Evaluated)
	}
	rec := res.Record
	if rec.Kind != core.KindPartial || rec.StartNodeID != "C" {
		t.Errorf("kind/start = %s/%s", rec.Kind, rec.StartNodeID)
	}
	if len(rec.NodeOutputs) != 2 {
		t.Errorf("node outputs = %d, want 2", len(rec.NodeOutputs))
	}
	if got := rec.NodeOutputs["C"].Output; got != 84.0 {
		t.Errorf("C = %v, want 84", got)
	}
	if v, _ := h.tag(t, "D"); v.Num != 84 {
		t.Errorf("D = %v, want 84", v.Num)
	}
	if got, _ := h.eval.Memory().Last("A"); got[0].Value.Num != lastA[0].Value.Num {
		t.Errorf("A changed: %v", got)
	}

	// Without a pin, B's last known output (2) feeds C.
	res = h.run(t, runtime.CycleOptions{StartNodeID: "C"})
	if got := res.Record.NodeOutputs["C"].Output; got != 4.0 {
		t.Errorf("C from last known = %v, want 4", got)
	}
}

func TestPartialExecutionWithoutHistory(t *testing.T) {
	h := newHarness(t, chainDef())
	res := h.run(t, runtime.CycleOptions{StartNodeID: "C"})
	if res.Record.NodeOutputs["C"].Status != core.NodeSkipped {
		t.Fatalf("C = %+v, want skipped", res.Record.NodeOutputs["C"])
	}
	if _, err := h.eval.RunCycle(context.Background(), runtime.CycleOptions{StartNodeID: "nope"}); !errors.Is(err, runtime.ErrUnknownNode) {
		t.Fatalf("unknown start err = %v", err)
	}
}

func TestTestSuppressWithholdsWrites(t *testing.T) {
	h := newHarness(t, graph.Definition{
		Nodes: []graph.NodeDef{
			node("k", nodes.KindConstant, map[string]any{"valueType": "number", "numberValue": 3.0}),
			node("out", nodes.KindTagOutput, map[string]any{"tagId": "S", "saveStrategy": "always"}),
			scriptNode("s", `$tags.write("S2", $input); return $input;`, nil),
		},
		Edges: []graph.EdgeDef{edge("k", "out", ""), edge("k", "s", "")},
	})
	res := h.run(t, runtime.CycleOptions{TestSuppress: true})
	if len(res.Record.Writes) != 2 {
		t.Fatalf("writes = %+v", res.Record.Writes)
	}
	for _, w := range res.Record.Writes {
		if w.Outcome != core.WriteSuppressed {
			t.Errorf("write %s outcome = %s", w.Path, w.Outcome)
		}
	}
	for _, p := range []string{"S", "S2"} {
		if _, ok := h.tag(t, p); ok {
			t.Errorf("%s written under test suppression", p)
		}
	}
	suppressed := 0
	for _, e := range h.events {
		if e.Kind == runtime.EventWriteSuppressed {
			suppressed++
		}
	}
	if suppressed != 2 {
		t.Errorf("suppressed events = %d", suppressed)
	}
}

func TestCycleWritesVisibleToNextCycle(t *testing.T) {
	h := newHarness(t, graph.Definition{
		Nodes: []graph.NodeDef{
			node("in", nodes.KindTagInput, map[string]any{"tagId": "N"}),
			scriptNode("inc", "return $input + 1;", nil),
			node("out", nodes.KindTagOutput, map[string]any{"tagId": "N"}),
		},
		Edges: []graph.EdgeDef{edge("in", "inc", ""), edge("inc", "out", "")},
	})
	h.set(t, "N", 0)
	for i := 0; i < 3; i++ {
		h.run(t, runtime.CycleOptions{Kind: core.KindContinuous})
	}
	if v, _ := h.tag(t, "N"); v.Num != 3 {
		t.Fatalf("N = %v, want 3", v.Num)
	}
}

func TestTestNode(t *testing.T) {
	h := newHarness(t, chainDef())
	rec, err := h.eval.TestNode(context.Background(), "C", runtime.NodeTestOptions{MockInput: 5.0, HasMockInput: true})
	if err != nil {
		t.Fatal(err)
	}
	out := rec.NodeOutputs["C"]
	if rec.Kind != core.KindNodeTest || out.Output != 10.0 || out.Input[0] != 5.0 {
		t.Fatalf("record = %+v, output = %+v", rec, out)
	}
	if len(rec.NodeOutputs) != 1 {
		t.Fatalf("node outputs = %d", len(rec.NodeOutputs))
	}

	// Without mock input the predecessor's pin feeds the node.
	rec, _ = h.eval.TestNode(context.Background(), "C", runtime.NodeTestOptions{Pins: map[string]core.Value{"B": core.Number(3)}})
	if got := rec.NodeOutputs["C"].Output; got != 6.0 {
		t.Fatalf("C from pin = %v, want 6", got)
	}

	rec, _ = h.eval.TestNode(context.Background(), "D", runtime.NodeTestOptions{MockInput: 9.0, HasMockInput: true, TestSuppress: true})
	if len(rec.Writes) != 1 || rec.Writes[0].Outcome != core.WriteSuppressed {
		t.Fatalf("writes = %+v", rec.Writes)
	}

	if _, err := h.eval.TestNode(context.Background(), "nope", runtime.NodeTestOptions{}); !errors.Is(err, runtime.ErrUnknownNode) {
		t.Fatalf("err = %v", err)
	}
}

func TestMultiEventHandler(t *testing.T) {
	ch := make(chan runtime.Event, 1)
	var n int
	h := runtime.MultiEventHandler(func(runtime.Event) { n++ }, nil, runtime.ChannelEventHandler(ch))
	h(runtime.NewEvent(runtime.EventCycleStarted, "f", "e", time.Now()))
	h(runtime.NewEvent(runtime.EventCycleFinished, "f", "e", time.Now()))
	if n != 2 || len(ch) != 1 {
		t.Fatalf("n = %d, buffered = %d", n, len(ch))
	}
}
