package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/petal-labs/tagflow/core"
	"github.com/petal-labs/tagflow/graph"
	"github.com/petal-labs/tagflow/runtime"
)

// ExecuteRequest describes a manual execution.
type ExecuteRequest struct {
	// TriggerNodeID is fired for the run. Empty fires every trigger.
	TriggerNodeID string
	// StartNodeID limits the run to the node's forward closure.
	StartNodeID string
	Parameters  map[string]any
}

// Job identifies an accepted manual execution. Its id is the execution
// record id.
type Job struct {
	ID              string   `json:"jobId"`
	StartNode       string   `json:"startNode,omitempty"`
	NodesInSubgraph []string `json:"nodesInSubgraph,omitempty"`
}

// prepare validates req against the flow's plan and returns the job it
// would run.
func (m *Manager) prepare(flow *graph.Flow, req ExecuteRequest) (*flowRuntime, Job, error) {
	fr, err := m.runtimeFor(flow)
	if err != nil {
		return nil, Job{}, err
	}
	plan := fr.plan()
	if req.TriggerNodeID != "" && !isTrigger(plan, req.TriggerNodeID) {
		return nil, Job{}, core.Errorf(core.CodeInvalidNode, "node %s is not a trigger of flow %s", req.TriggerNodeID, flow.ID).
			WithDetail("node_id", req.TriggerNodeID)
	}
	job := Job{ID: uuid.NewString()}
	if req.StartNodeID != "" {
		ids, err := plan.ClosureIDs(req.StartNodeID)
		if err != nil {
			return nil, Job{}, core.Errorf(core.CodeInvalidNode, "start node %s is not in flow %s", req.StartNodeID, flow.ID).
				WithDetail("node_id", req.StartNodeID)
		}
		job.StartNode = req.StartNodeID
		job.NodesInSubgraph = ids
	}
	return fr, job, nil
}

func (m *Manager) cycleOptions(flow *graph.Flow, plan *graph.Plan, req ExecuteRequest, executionID string) runtime.CycleOptions {
	fires := map[string]bool{}
	if req.TriggerNodeID != "" {
		fires[req.TriggerNodeID] = true
	} else {
		for _, id := range plan.Triggers {
			fires[id] = true
		}
	}
	return runtime.CycleOptions{
		ExecutionID:   executionID,
		TriggerNodeID: req.TriggerNodeID,
		Fires:         fires,
		Pins:          flow.Definition.PinnedValues(),
		Parameters:    req.Parameters,
		StartNodeID:   req.StartNodeID,
		TestSuppress:  flow.TestMode && flow.TestDisableWrites,
	}
}

// Execute starts a manual execution in the background and returns its
// job. The record is journaled when the run completes.
func (m *Manager) Execute(ctx context.Context, flow graph.Flow, req ExecuteRequest) (Job, error) {
	fr, job, err := m.prepare(&flow, req)
	if err != nil {
		return Job{}, err
	}
	m.manual.Store(job.ID, struct{}{})
	m.jobs.Add(1)
	go func() {
		defer m.jobs.Done()
		if _, err := m.run(context.WithoutCancel(ctx), fr, &flow, req, job.ID); err != nil {
			m.logger.Error("session: manual execution failed", "flow_id", flow.ID, "execution_id", job.ID, "error", err)
		}
	}()
	return job, nil
}

// ExecuteSync runs a manual execution and returns its record.
func (m *Manager) ExecuteSync(ctx context.Context, flow graph.Flow, req ExecuteRequest) (*core.ExecutionRecord, error) {
	fr, job, err := m.prepare(&flow, req)
	if err != nil {
		return nil, err
	}
	m.manual.Store(job.ID, struct{}{})
	return m.run(ctx, fr, &flow, req, job.ID)
}

func (m *Manager) run(ctx context.Context, fr *flowRuntime, flow *graph.Flow, req ExecuteRequest, executionID string) (*core.ExecutionRecord, error) {
	defer m.manual.Delete(executionID)
	res, err := fr.RunCycle(ctx, m.cycleOptions(flow, fr.plan(), req, executionID))
	if err != nil {
		return nil, err
	}
	if err := m.cfg.Journal.Record(ctx, res.Record); err != nil {
		return res.Record, fmt.Errorf("session: journal execution %s: %w", executionID, err)
	}
	return res.Record, nil
}

// TestNode runs one node of the flow with optional mock input and
// journals the result.
func (m *Manager) TestNode(ctx context.Context, flow graph.Flow, nodeID string, mock any, hasMock bool) (*core.ExecutionRecord, error) {
	fr, err := m.runtimeFor(&flow)
	if err != nil {
		return nil, err
	}
	if _, ok := fr.plan().Node(nodeID); !ok {
		return nil, core.Errorf(core.CodeInvalidNode, "node %s is not in flow %s", nodeID, flow.ID).WithDetail("node_id", nodeID)
	}
	executionID := uuid.NewString()
	m.manual.Store(executionID, struct{}{})
	defer m.manual.Delete(executionID)
	rec, err := fr.TestNode(ctx, nodeID, runtime.NodeTestOptions{
		ExecutionID:  executionID,
		MockInput:    mock,
		HasMockInput: hasMock,
		Pins:         flow.Definition.PinnedValues(),
		TestSuppress: flow.TestMode && flow.TestDisableWrites,
	})
	if err != nil {
		return nil, err
	}
	if err := m.cfg.Journal.Record(ctx, rec); err != nil {
		return rec, fmt.Errorf("session: journal node test %s: %w", rec.ID, err)
	}
	return rec, nil
}

// Plan returns the compiled plan for flow.
func (m *Manager) Plan(flow graph.Flow) (*graph.Plan, error) {
	fr, err := m.runtimeFor(&flow)
	if err != nil {
		return nil, err
	}
	return fr.plan(), nil
}
