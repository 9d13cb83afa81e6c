package session

import (
	"context"
	"sync"

	"github.com/petal-labs/tagflow/core"
	"github.com/petal-labs/tagflow/graph"
	"github.com/petal-labs/tagflow/nodes"
	"github.com/petal-labs/tagflow/runtime"
	"github.com/petal-labs/tagflow/store"
	"github.com/petal-labs/tagflow/writebuf"
)

// flowRuntime owns one flow's evaluator and cross-cycle state. Every
// cycle of the flow, whether scanned, manual or a node test, runs under
// mu so cycles never overlap.
type flowRuntime struct {
	mu      sync.Mutex
	flowID  string
	version int64
	hash    string
	eval    *runtime.Evaluator
	buf     *writebuf.Buffer
	mem     *runtime.Memory
}

func (f *flowRuntime) RunCycle(ctx context.Context, opts runtime.CycleOptions) (*runtime.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.eval.RunCycle(ctx, opts)
}

func (f *flowRuntime) TestNode(ctx context.Context, nodeID string, opts runtime.NodeTestOptions) (*core.ExecutionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.eval.TestNode(ctx, nodeID, opts)
}

func (f *flowRuntime) plan() *graph.Plan {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.eval.Plan()
}

// runtimeFor returns the flow's runtime, recompiling when the flow's
// version moved. Node memory and last-written values survive a
// recompile; state of removed nodes is dropped.
func (m *Manager) runtimeFor(flow *graph.Flow) (*flowRuntime, error) {
	m.rtMu.Lock()
	defer m.rtMu.Unlock()

	fr, ok := m.runtimes[flow.ID]
	if ok && fr.version == flow.Version {
		return fr, nil
	}
	plan, diags := graph.Compile(flow.ID, flow.Version, flow.Definition, m.cfg.Registry)
	if graph.HasErrors(diags) {
		return nil, &graph.DiagnosticError{Diagnostics: graph.Errors(diags)}
	}
	if ok && fr.hash == plan.Hash() {
		fr.version = flow.Version
		return fr, nil
	}

	var (
		mem *runtime.Memory
		buf *writebuf.Buffer
	)
	if ok {
		fr.mu.Lock()
		defer fr.mu.Unlock()
		mem, buf = fr.mem, fr.buf
		mem.Forget(func(id string) bool { return plan.Index(id) >= 0 })
	} else {
		mem = runtime.NewMemory()
		buf = writebuf.New(writebuf.Config{
			Writer: m.cfg.Gateway,
			Bound:  m.cfg.WriteBufferBound,
			Now:    m.cfg.Now,
			Logger: m.cfg.Logger,
		})
	}
	cfg := runtime.Config{
		Registry:     m.cfg.Registry,
		Tags:         m.cfg.Gateway,
		Writes:       buf,
		Memory:       mem,
		EventHandler: m.cfg.EventHandler,
		Now:          m.cfg.Now,
		Logger:       m.cfg.Logger,
		OnLog:        m.routeLog,
	}
	if m.cfg.KV != nil {
		cfg.State = store.NewFlowState(m.cfg.KV, flow.ID)
	}
	eval, err := runtime.NewEvaluator(plan, cfg)
	if err != nil {
		return nil, err
	}
	if ok {
		fr.eval, fr.version, fr.hash = eval, flow.Version, plan.Hash()
		return fr, nil
	}
	fr = &flowRuntime{flowID: flow.ID, version: flow.Version, hash: plan.Hash(), eval: eval, buf: buf, mem: mem}
	m.runtimes[flow.ID] = fr
	return fr, nil
}

// Forget drops a deleted flow's runtime.
func (m *Manager) Forget(flowID string) {
	m.rtMu.Lock()
	delete(m.runtimes, flowID)
	m.rtMu.Unlock()
}

// watchRefs lists the tags read by the plan's tag-input nodes.
func watchRefs(plan *graph.Plan) []core.TagRef {
	var refs []core.TagRef
	seen := map[string]bool{}
	for _, n := range plan.Nodes {
		if n.Kind != nodes.KindTagInput || n.Dormant {
			continue
		}
		ref := nodes.TagRefFromProps(n.Props)
		if ref.Path == "" || seen[ref.Key()] {
			continue
		}
		seen[ref.Key()] = true
		refs = append(refs, ref)
	}
	return refs
}
