package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/petal-labs/tagflow/core"
	"github.com/petal-labs/tagflow/graph"
	"github.com/petal-labs/tagflow/journal"
)

const defaultHistoryLimit = 50

// queryInt parses a non-negative integer query parameter.
func queryInt(r *http.Request, key string, def int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// parseSince accepts RFC 3339 or unix milliseconds.
func parseSince(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, true
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, true
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit, ok := queryInt(r, "limit", defaultHistoryLimit)
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "limit must be a non-negative integer")
		return
	}
	offset, ok := queryInt(r, "offset", 0)
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "offset must be a non-negative integer")
		return
	}
	if limit == 0 {
		limit = defaultHistoryLimit
	}
	ctx := r.Context()
	if _, err := s.flows.Get(ctx, id); err != nil {
		s.writeErr(w, err)
		return
	}
	recs, err := s.journal.History(ctx, id, limit, offset)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if recs == nil {
		recs = []core.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executions": recs,
		"limit":      limit,
		"offset":     offset,
	})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	rec, err := s.journal.Execution(r.Context(), r.PathValue("id"), r.PathValue("execId"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleExecutionLogs returns the log entries of one execution.
func (s *Server) handleExecutionLogs(w http.ResponseWriter, r *http.Request) {
	q, ok := logQuery(w, r)
	if !ok {
		return
	}
	q.ExecutionID = r.PathValue("execId")
	s.writeLogs(w, r, q)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q, ok := logQuery(w, r)
	if !ok {
		return
	}
	s.writeLogs(w, r, q)
}

func (s *Server) writeLogs(w http.ResponseWriter, r *http.Request, q journal.LogQuery) {
	id := r.PathValue("id")
	ctx := r.Context()
	if _, err := s.flows.Get(ctx, id); err != nil {
		s.writeErr(w, err)
		return
	}
	page, err := s.journal.Logs(ctx, id, q)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func logQuery(w http.ResponseWriter, r *http.Request) (journal.LogQuery, bool) {
	v := r.URL.Query()
	q := journal.LogQuery{
		ExecutionID: v.Get("execution_id"),
		NodeID:      v.Get("node_id"),
	}
	if raw := v.Get("log_level"); raw != "" {
		lvl, ok := core.ParseLogLevel(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", "unknown log_level "+strconv.Quote(raw))
			return q, false
		}
		q.Level = lvl
	}
	since, ok := parseSince(v.Get("since"))
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "since must be RFC 3339 or unix milliseconds")
		return q, false
	}
	q.Since = since
	if q.Limit, ok = queryInt(r, "limit", 0); !ok {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "limit must be a non-negative integer")
		return q, false
	}
	if q.Offset, ok = queryInt(r, "offset", 0); !ok {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "offset must be a non-negative integer")
		return q, false
	}
	return q, true
}

func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()
	if _, err := s.flows.Get(ctx, id); err != nil {
		s.writeErr(w, err)
		return
	}
	n, err := s.journal.ClearLogs(ctx, id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

type logsConfigRequest struct {
	LogsEnabled       *bool `json:"logs_enabled"`
	LogsRetentionDays *int  `json:"logs_retention_days"`
}

// handleLogsConfig updates a flow's journal settings. Settings outside
// their bounds are rejected by flow validation.
func (s *Server) handleLogsConfig(w http.ResponseWriter, r *http.Request) {
	var req logsConfigRequest
	if !decodeBody(w, r, &req) {
		return
	}
	flow, err := s.flows.Mutate(r.Context(), r.PathValue("id"), func(f *graph.Flow) error {
		if req.LogsEnabled != nil {
			f.LogsEnabled = *req.LogsEnabled
		}
		if req.LogsRetentionDays != nil {
			f.LogsRetentionDays = *req.LogsRetentionDays
		}
		return nil
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"logs_enabled":        flow.LogsEnabled,
		"logs_retention_days": flow.LogsRetentionDays,
	})
}

// handleLogStream serves the live log stream.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		writeError(w, http.StatusServiceUnavailable, "STREAM_UNAVAILABLE", "live logs are not configured")
		return
	}
	s.stream.ServeHTTP(w, r)
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := s.gateway.Connections(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conns)
}

func (s *Server) handleConnectionTags(w http.ResponseWriter, r *http.Request) {
	list, err := s.gateway.Tags(r.Context(), r.PathValue("conn"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleInternalTags(w http.ResponseWriter, r *http.Request) {
	list, err := s.gateway.InternalTags(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}
