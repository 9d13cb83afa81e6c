package core

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode is a wire-visible error classification.
type ErrorCode string

const (
	CodeInvalidNode         ErrorCode = "VALIDATION_INVALID_NODE"
	CodeInvalidEdge         ErrorCode = "VALIDATION_INVALID_EDGE"
	CodeCycle               ErrorCode = "VALIDATION_CYCLE"
	CodeEmpty               ErrorCode = "VALIDATION_EMPTY"
	CodeInvalidSettings     ErrorCode = "VALIDATION_INVALID_SETTINGS"
	CodeNodeConfigMissing   ErrorCode = "NODE_CONFIG_MISSING"
	CodeTypeMismatch        ErrorCode = "TYPE_MISMATCH"
	CodeTagUnavailable      ErrorCode = "TAG_UNAVAILABLE"
	CodeTagStale            ErrorCode = "TAG_STALE"
	CodeTagWriteRejected    ErrorCode = "TAG_WRITE_REJECTED"
	CodeScriptTimeout       ErrorCode = "SCRIPT_TIMEOUT"
	CodeScriptRuntime       ErrorCode = "SCRIPT_RUNTIME_ERROR"
	CodeScriptMemory        ErrorCode = "SCRIPT_MEMORY"
	CodeNodeHandler         ErrorCode = "NODE_HANDLER_ERROR"
	CodeSessionNotRunning   ErrorCode = "SESSION_NOT_RUNNING"
	CodeSessionRunning      ErrorCode = "SESSION_ALREADY_RUNNING"
	CodePersistence         ErrorCode = "PERSISTENCE_FAILURE"
	CodeJournalBackpressure ErrorCode = "JOURNAL_BACKPRESSURE"
)

// HTTPStatus maps a code onto the status the API responds with.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case CodeInvalidSettings:
		return http.StatusBadRequest
	case CodeInvalidNode, CodeInvalidEdge, CodeCycle, CodeEmpty, CodeNodeConfigMissing, CodeTypeMismatch:
		return http.StatusUnprocessableEntity
	case CodeSessionNotRunning, CodeSessionRunning:
		return http.StatusConflict
	case CodeTagUnavailable, CodeTagStale:
		return http.StatusServiceUnavailable
	case CodeScriptTimeout:
		return http.StatusGatewayTimeout
	case CodeJournalBackpressure:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is a typed error carrying a wire code.
type Error struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

// Errorf builds an *Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithCause attaches an underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetail adds a key to Details.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the wire code from err. Errors that carry no code are
// reported as CodeNodeHandler.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var ne *NodeError
	if errors.As(err, &ne) && ne.Code != "" {
		return ne.Code
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeNodeHandler
}

// HasCode reports whether err carries code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// NodeError is recorded when a node handler fails during a cycle.
type NodeError struct {
	NodeID  string    `json:"node_id"`
	Kind    string    `json:"kind"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
	Cause   error     `json:"-"`
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s (%s): %s", e.NodeID, e.Kind, e.Message)
}

func (e *NodeError) Unwrap() error {
	return e.Cause
}

// NewNodeError wraps err for nodeID, inheriting err's code when it has one.
func NewNodeError(nodeID, kind string, err error, at time.Time) *NodeError {
	var ne *NodeError
	if errors.As(err, &ne) {
		return ne
	}
	return &NodeError{
		NodeID:  nodeID,
		Kind:    kind,
		Code:    CodeOf(err),
		Message: err.Error(),
		At:      at.UTC(),
		Cause:   err,
	}
}
