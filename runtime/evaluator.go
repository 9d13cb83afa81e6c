package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/tagflow/core"
	"github.com/petal-labs/tagflow/graph"
	"github.com/petal-labs/tagflow/registry"
	"github.com/petal-labs/tagflow/writebuf"
)

// ErrUnknownNode is returned when a cycle names a node outside the plan.
var ErrUnknownNode = errors.New("node is not in the plan")

// Config wires an Evaluator to the rest of the runtime.
type Config struct {
	Registry *registry.Registry
	Tags     registry.TagReader
	// Writes receives the cycle's tag writes at cycle end.
	Writes *writebuf.Buffer
	// State backs $flow.state. Nil gives handlers an in-memory store.
	State registry.StateStore
	// Memory survives between cycles. Nil allocates a fresh one.
	Memory *Memory

	// OnLog receives every user-visible log entry as it is produced.
	OnLog        func(core.LogEntry)
	EventHandler EventHandler

	Now    func() time.Time
	Logger *slog.Logger
}

// CycleOptions describe one cycle.
type CycleOptions struct {
	// ExecutionID defaults to a new UUID.
	ExecutionID   string
	SessionID     string
	Kind          core.ExecutionKind
	TriggerNodeID string
	// Fires are the pending trigger fires this cycle may consume.
	Fires map[string]bool
	// Pins override node outputs. Pinned outputs are Good quality.
	Pins       map[string]core.Value
	Parameters map[string]any
	// StartNodeID restricts the cycle to the forward closure of the node.
	StartNodeID string
	// TestSuppress withholds every write from the tag gateway.
	TestSuppress bool
}

// Result is the outcome of one cycle.
type Result struct {
	Record *core.ExecutionRecord
	// Consumed lists the trigger fires the cycle used.
	Consumed []string
	// Evaluated lists the node ids the cycle evaluated, in plan order.
	Evaluated []string
}

// Evaluator runs cycles of one compiled plan. A flow's cycles must not
// overlap; the scheduler and manual executions serialize on the session.
type Evaluator struct {
	plan *graph.Plan
	cfg  Config
}

// NewEvaluator binds plan to cfg.
func NewEvaluator(plan *graph.Plan, cfg Config) (*Evaluator, error) {
	if plan == nil {
		return nil, errors.New("runtime: plan is nil")
	}
	if cfg.Registry == nil {
		return nil, errors.New("runtime: registry is nil")
	}
	if cfg.Writes == nil {
		return nil, errors.New("runtime: write buffer is nil")
	}
	if cfg.Memory == nil {
		cfg.Memory = NewMemory()
	}
	if cfg.State == nil {
		cfg.State = newMemState()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Evaluator{plan: plan, cfg: cfg}, nil
}

// Plan returns the evaluated plan.
func (e *Evaluator) Plan() *graph.Plan {
	return e.plan
}

// Memory returns the cross-cycle memory.
func (e *Evaluator) Memory() *Memory {
	return e.cfg.Memory
}

// cycle is the mutable state of one RunCycle call.
type cycle struct {
	e       *Evaluator
	ctx     context.Context
	opts    CycleOptions
	rec     *core.ExecutionRecord
	batch   *writebuf.Batch
	seq     *tally
	outputs map[string][]registry.Slot
	fresh   map[string][]registry.Slot
	fired   map[string]bool

	// mock replaces gathered inputs by port for single-node tests.
	mock map[int]registry.Slot
}

func (c *cycle) emit(ev Event) {
	c.seq.stamp(&ev)
	if c.e.cfg.EventHandler != nil {
		c.e.cfg.EventHandler(ev)
	}
}

func (c *cycle) event(kind EventKind) Event {
	return NewEvent(kind, c.rec.FlowID, c.rec.ID, c.e.cfg.Now())
}

// RunCycle evaluates the plan once. Node failures are reported in the
// returned record; the error is non-nil only when the options are
// unusable.
func (e *Evaluator) RunCycle(ctx context.Context, opts CycleOptions) (*Result, error) {
	var closure map[string]bool
	if opts.StartNodeID != "" {
		cl, err := e.plan.ForwardClosure(opts.StartNodeID)
		if err != nil {
			return nil, fmt.Errorf("runtime: start node %q: %w", opts.StartNodeID, ErrUnknownNode)
		}
		closure = cl
	}
	if opts.ExecutionID == "" {
		opts.ExecutionID = uuid.NewString()
	}
	if opts.Kind == "" {
		opts.Kind = core.KindManual
		if opts.StartNodeID != "" {
			opts.Kind = core.KindPartial
		}
	}

	c := e.newCycle(ctx, opts)
	c.emit(c.event(EventCycleStarted).
		WithPayload("kind", string(opts.Kind)).
		WithPayload("start_node", opts.StartNodeID))

	res := &Result{Record: c.rec}
	for i := range e.plan.Nodes {
		n := &e.plan.Nodes[i]
		if n.Dormant {
			continue
		}
		if closure != nil && !closure[n.ID] {
			c.carryOver(n)
			continue
		}
		if err := ctx.Err(); err != nil {
			c.fail(fmt.Sprintf("cycle canceled before node %s: %v", n.ID, err))
			break
		}
		res.Evaluated = append(res.Evaluated, n.ID)
		if !c.evalNode(n) {
			break
		}
	}

	c.finish()
	for id := range c.fired {
		res.Consumed = append(res.Consumed, id)
	}
	sort.Strings(res.Consumed)
	c.emit(c.event(EventCycleFinished).
		WithElapsed(c.rec.Duration()).
		WithPayload("status", string(c.rec.Status)).
		WithPayload("nodes", len(res.Evaluated)).
		WithPayload("failed_nodes", c.seq.count(EventNodeFailed)).
		WithPayload("writes", len(c.rec.Writes)))
	return res, nil
}

func (e *Evaluator) newCycle(ctx context.Context, opts CycleOptions) *cycle {
	c := &cycle{
		e:    e,
		ctx:  ctx,
		opts: opts,
		rec: &core.ExecutionRecord{
			ID:            opts.ExecutionID,
			FlowID:        e.plan.FlowID,
			SessionID:     opts.SessionID,
			TriggerNodeID: opts.TriggerNodeID,
			StartNodeID:   opts.StartNodeID,
			Kind:          opts.Kind,
			Parameters:    opts.Parameters,
			Status:        core.StatusRunning,
			StartedAt:     e.cfg.Now(),
			NodeOutputs:   make(map[string]*core.NodeOutput),
		},
		batch:   e.cfg.Writes.NewBatch(),
		seq:     newTally(),
		outputs: make(map[string][]registry.Slot),
		fresh:   make(map[string][]registry.Slot),
		fired:   make(map[string]bool),
	}
	return c
}

// finish flushes or discards the batch and finalizes the record.
func (c *cycle) finish() {
	if c.rec.Status == core.StatusFailed {
		c.rec.Writes = c.batch.Discard()
	} else {
		c.rec.Writes = c.batch.Flush(c.ctx)
		c.e.cfg.Memory.remember(c.fresh)
	}
	for _, w := range c.rec.Writes {
		kind := EventWriteEmitted
		if w.Outcome == core.WriteSuppressed {
			kind = EventWriteSuppressed
			c.log(w.NodeID, core.LevelInfo, fmt.Sprintf("write to %s suppressed (test mode): %v", w.Path, w.Value))
		}
		if w.Outcome == core.WriteRejected {
			c.log(w.NodeID, core.LevelWarn, fmt.Sprintf("%s: write to %s rejected: %s", core.CodeTagWriteRejected, w.Path, w.Reason))
		}
		c.emit(c.event(kind).
			WithNode(w.NodeID, "").
			WithPayload("path", w.Path).
			WithPayload("outcome", string(w.Outcome)))
	}
	c.rec.Finalize(c.e.cfg.Now())
}

// carryOver feeds a node outside the partial-execution closure: its pin,
// else its last known outputs, else nothing.
func (c *cycle) carryOver(n *graph.PlanNode) {
	if pin, ok := c.opts.Pins[n.ID]; ok {
		c.outputs[n.ID] = pinnedSlots(n, pin)
		return
	}
	if last, ok := c.e.cfg.Memory.Last(n.ID); ok {
		c.outputs[n.ID] = last
	}
}

func pinnedSlots(n *graph.PlanNode, pin core.Value) []registry.Slot {
	count := len(n.Outputs)
	if count == 0 {
		count = 1
	}
	slots := make([]registry.Slot, count)
	for i := range slots {
		slots[i] = registry.Some(pin.WithQuality(core.QualityGood))
	}
	return slots
}

func (c *cycle) gather(n *graph.PlanNode) ([]registry.Slot, bool) {
	in := make([]registry.Slot, len(n.Inbound))
	complete := true
	for i, b := range n.Inbound {
		if m, ok := c.mock[i]; ok {
			in[i] = m
			continue
		}
		if b == nil {
			complete = false
			continue
		}
		src, ok := c.outputs[b.Source]
		if !ok || b.SourcePort >= len(src) || !src[b.SourcePort].Present {
			complete = false
			continue
		}
		in[i] = src[b.SourcePort]
	}
	return in, complete
}

// evalNode evaluates one node and reports whether the cycle continues.
func (c *cycle) evalNode(n *graph.PlanNode) bool {
	startedAt := c.e.cfg.Now()
	out := &core.NodeOutput{StartedAt: startedAt}
	c.rec.NodeOutputs[n.ID] = out

	if pin, ok := c.opts.Pins[n.ID]; ok {
		slots := pinnedSlots(n, pin)
		c.produce(n.ID, slots)
		out.Status = core.NodePinned
		out.Output = pin.Interface()
		out.Quality = core.QualityGood
		out.CompletedAt = startedAt
		c.emit(c.event(EventNodePinned).WithNode(n.ID, n.Kind))
		return true
	}

	def, ok := c.e.cfg.Registry.Get(n.Kind)
	if !ok {
		return c.nodeFailed(n, out, core.Errorf(core.CodeInvalidNode, "unknown node kind %q", n.Kind))
	}

	in, complete := c.gather(n)
	out.Input = slotsToAny(in)
	if !complete && !def.AcceptsAbsent {
		c.skip(n, out, "input absent")
		return true
	}

	c.emit(c.event(EventNodeStarted).WithNode(n.ID, n.Kind))
	ectx := &evalContext{c: c, node: n, out: out}
	slots, err := c.invoke(def, ectx, in, n.Props, c.e.cfg.Memory.NodeState(n.ID))
	completedAt := c.e.cfg.Now()
	out.CompletedAt = completedAt
	out.ExecutionTime = float64(completedAt.Sub(startedAt)) / float64(time.Millisecond)

	switch {
	case errors.Is(err, registry.ErrSkip):
		c.skip(n, out, "no output this cycle")
		return true
	case err != nil:
		return c.nodeFailed(n, out, err)
	}

	c.produce(n.ID, slots)
	out.Status = core.NodeCompleted
	if len(slots) > 0 && slots[0].Present {
		out.Output = slots[0].Value.Interface()
		out.Quality = slots[0].Value.Quality
	}
	c.emit(c.event(EventNodeFinished).
		WithNode(n.ID, n.Kind).
		WithElapsed(completedAt.Sub(startedAt)))
	return true
}

func (c *cycle) invoke(def registry.NodeTypeDef, ectx *evalContext, in []registry.Slot, props registry.Props, state map[string]any) (slots []registry.Slot, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = core.Errorf(core.CodeNodeHandler, "handler panic: %v", r)
		}
	}()
	return def.Evaluate(ectx, in, props, state)
}

func (c *cycle) produce(nodeID string, slots []registry.Slot) {
	c.outputs[nodeID] = slots
	c.fresh[nodeID] = slots
}

func (c *cycle) skip(n *graph.PlanNode, out *core.NodeOutput, reason string) {
	out.Status = core.NodeSkipped
	out.CompletedAt = c.e.cfg.Now()
	c.emit(c.event(EventNodeSkipped).WithNode(n.ID, n.Kind).WithPayload("reason", reason))
}

// nodeFailed applies the node's onError policy. With "continue" the node
// outputs a Bad-quality null and the cycle proceeds.
func (c *cycle) nodeFailed(n *graph.PlanNode, out *core.NodeOutput, err error) bool {
	nerr := core.NewNodeError(n.ID, n.Kind, err, c.e.cfg.Now())
	out.Status = core.NodeFailed
	out.Error = nerr
	out.Quality = core.QualityBad
	if out.CompletedAt.IsZero() {
		out.CompletedAt = c.e.cfg.Now()
	}
	c.log(n.ID, core.LevelError, fmt.Sprintf("%s: %s", nerr.Code, nerr.Message))
	c.emit(c.event(EventNodeFailed).
		WithNode(n.ID, n.Kind).
		WithPayload("code", string(nerr.Code)).
		WithPayload("error", nerr.Message))

	if n.Props.StringOr("onError", "stop") == "continue" {
		c.rec.ErrorLog = append(c.rec.ErrorLog, nerr.Error())
		c.produce(n.ID, []registry.Slot{registry.Some(core.Null().WithQuality(core.QualityBad).At(out.CompletedAt))})
		return true
	}
	c.fail(nerr.Error())
	return false
}

func (c *cycle) fail(msg string) {
	c.rec.Status = core.StatusFailed
	c.rec.ErrorLog = append(c.rec.ErrorLog, msg)
}

func (c *cycle) log(nodeID string, level core.LogLevel, msg string) core.LogEntry {
	entry := core.LogEntry{
		FlowID:      c.rec.FlowID,
		ExecutionID: c.rec.ID,
		NodeID:      nodeID,
		Timestamp:   c.e.cfg.Now(),
		Level:       level,
		Message:     msg,
	}
	if out, ok := c.rec.NodeOutputs[nodeID]; ok {
		out.Logs = append(out.Logs, entry)
	}
	if c.e.cfg.OnLog != nil {
		c.e.cfg.OnLog(entry)
	}
	return entry
}

func slotsToAny(slots []registry.Slot) []any {
	out := make([]any, len(slots))
	for i, s := range slots {
		if s.Present {
			out[i] = s.Value.Interface()
		}
	}
	return out
}
