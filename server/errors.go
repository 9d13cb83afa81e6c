package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/petal-labs/tagflow/core"
	"github.com/petal-labs/tagflow/graph"
	"github.com/petal-labs/tagflow/journal"
	"github.com/petal-labs/tagflow/session"
	"github.com/petal-labs/tagflow/store"
)

// writeErr maps err onto the error envelope.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	var de *graph.DiagnosticError
	var ce *core.Error
	switch {
	case errors.As(err, &de):
		writeError(w, http.StatusUnprocessableEntity, string(de.Code()), de.Error(), de.Diagnostics)
	case errors.Is(err, store.ErrFlowNotFound), errors.Is(err, journal.ErrExecutionNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, store.ErrFlowExists):
		writeError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", err.Error())
	case errors.As(err, &ce):
		if ce.Details != nil {
			writeError(w, ce.Code.HTTPStatus(), string(ce.Code), err.Error(), ce.Details)
			return
		}
		writeError(w, ce.Code.HTTPStatus(), string(ce.Code), err.Error())
	default:
		s.logger.Error("server: request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

// readBody reads the request body, answering 413 or 400 itself on
// failure.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "READ_ERROR", err.Error())
		return nil, false
	}
	return body, true
}

// decodeBody decodes an optional JSON body into v. An empty body leaves
// v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, ok := readBody(w, r)
	if !ok {
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", fmt.Sprintf("invalid JSON body: %v", err))
		return false
	}
	return true
}

// isMaxBytesError checks if the error is from http.MaxBytesReader.
func isMaxBytesError(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}
