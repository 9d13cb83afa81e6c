package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/petal-labs/tagflow/core"
	"github.com/petal-labs/tagflow/graph"
	"github.com/petal-labs/tagflow/registry"
)

// evalContext is the registry.EvalContext handed to one node handler.
type evalContext struct {
	c    *cycle
	node *graph.PlanNode
	out  *core.NodeOutput
}

var _ registry.EvalContext = (*evalContext)(nil)

func (x *evalContext) Context() context.Context { return x.c.ctx }
func (x *evalContext) FlowID() string { return x.c.rec.FlowID }
func (x *evalContext) NodeID() string { return x.node.ID }
func (x *evalContext) Now() time.Time { return x.c.e.cfg.Now() }

// Fired consumes the node's pending fire, if any.
func (x *evalContext) Fired() bool {
	if !x.c.opts.Fires[x.node.ID] {
		return false
	}
	x.c.fired[x.node.ID] = true
	return true
}

func (x *evalContext) Parameters() map[string]any { return x.c.opts.Parameters }

func (x *evalContext) Tags() registry.TagReader {
	if x.c.e.cfg.Tags == nil {
		return noTags{}
	}
	return x.c.e.cfg.Tags
}

func (x *evalContext) Emit(w core.TagWrite) {
	if w.NodeID == "" {
		w.NodeID = x.node.ID
	}
	if x.c.opts.TestSuppress {
		w.Policy.TestSuppress = true
	}
	x.c.batch.Add(w)
}

func (x *evalContext) TestSuppress() bool { return x.c.opts.TestSuppress }
func (x *evalContext) State() registry.StateStore { return x.c.e.cfg.State }

func (x *evalContext) Log(level core.LogLevel, msg string) {
	x.c.log(x.node.ID, level, msg)
}

type noTags struct{}

func (noTags) Get(_ context.Context, ref core.TagRef, _ int64) (core.Value, error) {
	return core.Value{}, core.Errorf(core.CodeTagUnavailable, "no tag gateway for %s", ref.Path)
}

func (noTags) History(_ context.Context, ref core.TagRef, _ string) ([]core.Value, error) {
	return nil, core.Errorf(core.CodeTagUnavailable, "no tag gateway for %s", ref.Path)
}

func (noTags) InternalTagsSnapshot(context.Context) (map[string]core.Value, error) {
	return map[string]core.Value{}, nil
}

// memState is the $flow.state used when no persistent store is wired.
type memState struct {
	mu sync.Mutex
	m  map[string]any
}

func newMemState() *memState {
	return &memState{m: make(map[string]any)}
}

func (s *memState) Get(key string) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok, nil
}

func (s *memState) All() (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.m))
	for k, v := range s.m {
		out[k] = v
	}
	return out, nil
}

func (s *memState) Set(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == nil {
		delete(s.m, key)
		return nil
	}
	s.m[key] = value
	return nil
}
