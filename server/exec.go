package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/petal-labs/tagflow/core"
	"github.com/petal-labs/tagflow/graph"
	"github.com/petal-labs/tagflow/loader"
	"github.com/petal-labs/tagflow/session"
)

type executeRequest struct {
	TriggerNodeID string         `json:"trigger_node_id"`
	Parameters    map[string]any `json:"parameters"`
}

// handleExecute runs a flow manually. The run is asynchronous unless
// ?wait=true asks for the finished record.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.execute(w, r, session.ExecuteRequest{
		TriggerNodeID: req.TriggerNodeID,
		Parameters:    req.Parameters,
	})
}

// handleExecuteFrom runs the forward closure of one node.
func (s *Server) handleExecuteFrom(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.execute(w, r, session.ExecuteRequest{
		TriggerNodeID: req.TriggerNodeID,
		StartNodeID:   r.PathValue("nodeId"),
		Parameters:    req.Parameters,
	})
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request, req session.ExecuteRequest) {
	ctx := r.Context()
	flow, err := s.flows.Get(ctx, r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		rec, err := s.sessions.ExecuteSync(ctx, flow, req)
		if err != nil && rec == nil {
			s.writeErr(w, err)
			return
		}
		if err != nil {
			s.logger.Warn("server: execution not journaled", "flow_id", flow.ID, "error", err)
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}
	job, err := s.sessions.Execute(ctx, flow, req)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

type nodeTestResponse struct {
	ExecutionID   string             `json:"executionId"`
	NodeID        string             `json:"nodeId"`
	Status        core.NodeStatus    `json:"status"`
	Input         []any              `json:"input"`
	Output        any                `json:"output"`
	ExecutionTime float64            `json:"executionTime"`
	Error         *core.NodeError    `json:"error,omitempty"`
	Logs          []core.LogEntry    `json:"logs"`
	Writes        []core.WriteResult `json:"writes"`
}

// handleTestNode runs a single node, with mockInputData standing in for
// its upstream values when given.
func (s *Server) handleTestNode(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("nodeId")
	var body map[string]json.RawMessage
	if !decodeBody(w, r, &body) {
		return
	}
	var mock any
	raw, hasMock := body["mockInputData"]
	if hasMock {
		if err := json.Unmarshal(raw, &mock); err != nil {
			writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
			return
		}
	}

	ctx := r.Context()
	flow, err := s.flows.Get(ctx, r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	rec, err := s.sessions.TestNode(ctx, flow, nodeID, mock, hasMock)
	if err != nil && rec == nil {
		s.writeErr(w, err)
		return
	}
	if err != nil {
		s.logger.Warn("server: node test not journaled", "flow_id", flow.ID, "node_id", nodeID, "error", err)
	}

	resp := nodeTestResponse{
		ExecutionID: rec.ID,
		NodeID:      nodeID,
		Status:      core.NodeStatus(rec.Status),
		Logs:        []core.LogEntry{},
		Writes:      rec.Writes,
	}
	if out, ok := rec.NodeOutputs[nodeID]; ok {
		resp.Status = out.Status
		resp.Input = out.Input
		resp.Output = out.Output
		resp.ExecutionTime = out.ExecutionTime
		resp.Error = out.Error
		if out.Logs != nil {
			resp.Logs = out.Logs
		}
	}
	if resp.Writes == nil {
		resp.Writes = []core.WriteResult{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleTrigger fires a trigger node. A running session consumes the
// fire on its next cycle; a manual flow without one runs immediately.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	id, nodeID := r.PathValue("id"), r.PathValue("nodeId")
	ctx := r.Context()
	flow, err := s.flows.Get(ctx, id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if s.sessions.Active(ctx, id) {
		if err := s.sessions.Fire(ctx, id, nodeID); err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"fired": nodeID})
		return
	}
	if flow.ExecutionMode != graph.ModeManual {
		s.writeErr(w, session.ErrSessionNotRunning)
		return
	}
	job, err := s.sessions.Execute(ctx, flow, session.ExecuteRequest{TriggerNodeID: nodeID})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// handleExecutionOrder compiles the posted definition, or the stored one
// when the body is empty, and returns its evaluation order.
func (s *Server) handleExecutionOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	flow, err := s.flows.Get(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	def := flow.Definition
	if len(body) > 0 {
		def, err = loader.ParseDefinition(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
			return
		}
	}
	plan, diags := graph.Compile(id, flow.Version, def, s.registry)
	if graph.HasErrors(diags) {
		s.writeErr(w, &graph.DiagnosticError{Diagnostics: graph.Errors(diags)})
		return
	}
	order := plan.ExecutionOrder()
	writeJSON(w, http.StatusOK, map[string]any{
		"executionOrder": order,
		"totalNodes":     len(order),
	})
}

// handleResources returns the live session metrics, or null without a
// session.
func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()
	if _, err := s.flows.Get(ctx, id); err != nil {
		s.writeErr(w, err)
		return
	}
	m, ok := s.sessions.Metrics(ctx, id)
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
