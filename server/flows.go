package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/petal-labs/tagflow/core"
	"github.com/petal-labs/tagflow/graph"
	"github.com/petal-labs/tagflow/loader"
	"github.com/petal-labs/tagflow/session"
)

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleNodeTypes returns the node-type catalog.
func (s *Server) handleNodeTypes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.All())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	active, err := s.sessions.ListActive(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, active)
}

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	flows, err := s.flows.List(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if flows == nil {
		flows = []graph.Flow{}
	}
	writeJSON(w, http.StatusOK, flows)
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	flow, err := s.flows.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

// parseFlow decodes a flow document body.
func (s *Server) parseFlow(w http.ResponseWriter, r *http.Request) (graph.Flow, bool) {
	body, ok := readBody(w, r)
	if !ok {
		return graph.Flow{}, false
	}
	flow, err := loader.Parse(body, "")
	if err != nil {
		var ce *core.Error
		if errors.As(err, &ce) {
			s.writeErr(w, err)
			return graph.Flow{}, false
		}
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return graph.Flow{}, false
	}
	return flow, true
}

// handleCreateFlow stores a new flow. Deployment and test mode are only
// entered through their endpoints.
func (s *Server) handleCreateFlow(w http.ResponseWriter, r *http.Request) {
	flow, ok := s.parseFlow(w, r)
	if !ok {
		return
	}
	flow.Deployed = false
	flow.TestMode = false
	created, err := s.flows.Create(r.Context(), flow)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// handleUpdateFlow replaces a flow's definition and settings. A deployed
// flow must still pass deploy validation; a running session picks up the
// change.
func (s *Server) handleUpdateFlow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	next, ok := s.parseFlow(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	var prev graph.Flow
	updated, err := s.flows.Mutate(ctx, id, func(f *graph.Flow) error {
		prev = *f
		next.ID = f.ID
		next.Deployed = f.Deployed
		next.TestMode = f.TestMode
		next.TestDisableWrites = f.TestDisableWrites
		next.TestAutoExit = f.TestAutoExit
		next.TestAutoExitMinutes = f.TestAutoExitMinutes
		if next.Definition.PinData == nil {
			next.Definition.PinData = f.Definition.PinData
		}
		if next.Deployed {
			if _, diags := graph.ValidateDeploy(id, f.Version, next.Definition, s.registry); graph.HasErrors(diags) {
				return &graph.DiagnosticError{Diagnostics: graph.Errors(diags)}
			}
		}
		*f = next
		return nil
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if err := s.syncSession(ctx, prev, updated); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteFlow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()
	if _, err := s.flows.Get(ctx, id); err != nil {
		s.writeErr(w, err)
		return
	}
	if err := s.stopIfRunning(ctx, id, session.StopDeleted); err != nil {
		s.writeErr(w, err)
		return
	}
	s.sessions.Forget(id)
	if s.journal != nil {
		if err := s.journal.DeleteFlow(ctx, id); err != nil {
			s.writeErr(w, err)
			return
		}
	}
	if err := s.flows.Delete(ctx, id); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type deployRequest struct {
	Deployed bool `json:"deployed"`
}

type deployResponse struct {
	Flow     graph.Flow         `json:"flow"`
	Warnings []graph.Diagnostic `json:"warnings,omitempty"`
	Session  *session.Info      `json:"session,omitempty"`
}

// handleDeploy deploys or undeploys a flow. Deploying a continuous flow
// starts its session.
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req deployRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ctx := r.Context()

	if !req.Deployed {
		flow, err := s.flows.Mutate(ctx, id, func(f *graph.Flow) error {
			f.Deployed = false
			return nil
		})
		if err != nil {
			s.writeErr(w, err)
			return
		}
		if err := s.stopIfRunning(ctx, id, session.StopUndeploy); err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, deployResponse{Flow: flow})
		return
	}

	var warnings []graph.Diagnostic
	flow, err := s.flows.Mutate(ctx, id, func(f *graph.Flow) error {
		if f.TestMode {
			return graph.ErrTestModeDeployed
		}
		_, diags := graph.ValidateDeploy(f.ID, f.Version, f.Definition, s.registry)
		if graph.HasErrors(diags) {
			return &graph.DiagnosticError{Diagnostics: diags}
		}
		warnings = graph.Warnings(diags)
		f.Deployed = true
		return nil
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}

	resp := deployResponse{Flow: flow, Warnings: warnings}
	if flow.ExecutionMode == graph.ModeContinuous {
		info, err := s.sessions.Start(ctx, flow, session.StartOptions{})
		switch {
		case err == nil:
			resp.Session = &info
		case core.HasCode(err, core.CodeSessionRunning):
		default:
			s.rollbackDeploy(id)
			s.writeErr(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) rollbackDeploy(id string) {
	if _, err := s.flows.Mutate(context.Background(), id, func(f *graph.Flow) error {
		f.Deployed = false
		return nil
	}); err != nil {
		s.logger.Warn("server: deploy rollback failed", "flow_id", id, "error", err)
	}
}

type testStartRequest struct {
	DisableWrites   bool `json:"disable_writes"`
	AutoExit        bool `json:"auto_exit"`
	AutoExitMinutes int  `json:"auto_exit_minutes"`
}

// handleTestStart puts an undeployed flow into test mode and starts its
// session.
func (s *Server) handleTestStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req testStartRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AutoExit && req.AutoExitMinutes <= 0 {
		req.AutoExitMinutes = s.autoExitMinutes
	}
	ctx := r.Context()

	flow, err := s.flows.Mutate(ctx, id, func(f *graph.Flow) error {
		if f.Deployed {
			return graph.ErrTestModeDeployed
		}
		f.TestMode = true
		f.TestDisableWrites = req.DisableWrites
		f.TestAutoExit = req.AutoExit
		f.TestAutoExitMinutes = req.AutoExitMinutes
		return nil
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	info, err := s.sessions.Start(ctx, flow, testOptions(flow))
	if err != nil {
		if !core.HasCode(err, core.CodeSessionRunning) {
			s.clearTestMode(id)
		}
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleTestStop leaves test mode. Stopping a flow without a session
// only clears its flags.
func (s *Server) handleTestStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()
	flow, err := s.flows.Get(ctx, id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	stopped := false
	if !flow.Deployed {
		err := s.sessions.Stop(ctx, id, session.StopTestExit)
		switch {
		case err == nil:
			stopped = true
		case !errors.Is(err, session.ErrSessionNotRunning):
			s.writeErr(w, err)
			return
		}
	}
	flow, err = s.flows.Mutate(ctx, id, func(f *graph.Flow) error {
		f.TestMode = false
		return nil
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": stopped, "flow": flow})
}

func (s *Server) clearTestMode(id string) {
	if _, err := s.flows.Mutate(context.Background(), id, func(f *graph.Flow) error {
		f.TestMode = false
		return nil
	}); err != nil {
		s.logger.Warn("server: clearing test mode failed", "flow_id", id, "error", err)
	}
}

type pinRequest struct {
	Value any `json:"value"`
}

func (s *Server) handleSetPin(w http.ResponseWriter, r *http.Request) {
	id, nodeID := r.PathValue("id"), r.PathValue("nodeId")
	var req pinRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ctx := r.Context()
	flow, err := s.flows.Get(ctx, id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if _, ok := flow.Definition.FindNode(nodeID); !ok {
		writeError(w, http.StatusNotFound, string(core.CodeInvalidNode), "node "+nodeID+" not found", map[string]any{"node_id": nodeID})
		return
	}
	if err := s.flows.SetPin(ctx, id, nodeID, req.Value); err != nil {
		s.writeErr(w, err)
		return
	}
	s.afterPinChange(ctx, id)
	writeJSON(w, http.StatusOK, map[string]any{"nodeId": nodeID, "value": req.Value})
}

func (s *Server) handleDeletePin(w http.ResponseWriter, r *http.Request) {
	id, nodeID := r.PathValue("id"), r.PathValue("nodeId")
	ctx := r.Context()
	if _, err := s.flows.Get(ctx, id); err != nil {
		s.writeErr(w, err)
		return
	}
	if err := s.flows.DeletePin(ctx, id, nodeID); err != nil {
		s.writeErr(w, err)
		return
	}
	s.afterPinChange(ctx, id)
	w.WriteHeader(http.StatusNoContent)
}

// afterPinChange restarts a running session so it cycles with the new
// pins.
func (s *Server) afterPinChange(ctx context.Context, id string) {
	if !s.sessions.Active(ctx, id) {
		return
	}
	flow, err := s.flows.Get(ctx, id)
	if err == nil {
		err = s.restart(ctx, flow)
	}
	if err != nil {
		s.logger.Warn("server: session restart after pin change failed", "flow_id", id, "error", err)
	}
}

// wantsSession reports whether flow should have a running session.
func wantsSession(f graph.Flow) bool {
	return f.TestMode || (f.Deployed && f.ExecutionMode == graph.ModeContinuous)
}

func testOptions(f graph.Flow) session.StartOptions {
	if !f.TestMode {
		return session.StartOptions{}
	}
	return session.StartOptions{
		TestMode:      true,
		DisableWrites: f.TestDisableWrites,
		AutoExit:      f.AutoExitAfter(),
	}
}

// syncSession brings a flow's session in line with an edit: settings the
// scheduler was started with force a restart, definition edits reload
// the plan in place.
func (s *Server) syncSession(ctx context.Context, prev, cur graph.Flow) error {
	if !s.sessions.Active(ctx, cur.ID) {
		return nil
	}
	if !wantsSession(cur) || prev.ScanRateMs != cur.ScanRateMs || prev.ExecutionMode != cur.ExecutionMode {
		return s.restart(ctx, cur)
	}
	return s.sessions.Reload(cur)
}

func (s *Server) restart(ctx context.Context, flow graph.Flow) error {
	if err := s.stopIfRunning(ctx, flow.ID, session.StopRestart); err != nil {
		return err
	}
	if !wantsSession(flow) {
		return nil
	}
	_, err := s.sessions.Start(ctx, flow, testOptions(flow))
	return err
}

func (s *Server) stopIfRunning(ctx context.Context, id string, reason session.StopReason) error {
	err := s.sessions.Stop(ctx, id, reason)
	if err != nil && !errors.Is(err, session.ErrSessionNotRunning) {
		return err
	}
	return nil
}
