package core

import (
	"strings"
	"time"
)

// ExecutionStatus is the lifecycle state of an execution record.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// ExecutionKind tells manual runs apart from continuous scan cycles.
type ExecutionKind string

const (
	KindManual     ExecutionKind = "manual"
	KindContinuous ExecutionKind = "continuous"
	KindPartial    ExecutionKind = "partial"
	KindNodeTest   ExecutionKind = "node-test"
)

// NodeStatus is the per-node outcome inside a cycle.
type NodeStatus string

const (
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
	NodePinned    NodeStatus = "pinned"
)

// NodeOutput captures one node's evaluation inside an execution.
type NodeOutput struct {
	Status        NodeStatus `json:"status"`
	Input         []any      `json:"input"`
	Output        any        `json:"output"`
	Quality       Quality    `json:"quality"`
	ExecutionTime float64    `json:"executionTime"` // milliseconds
	StartedAt     time.Time  `json:"startedAt"`
	CompletedAt   time.Time  `json:"completedAt"`
	Error         *NodeError `json:"error,omitempty"`
	Logs          []LogEntry `json:"logs,omitempty"`
}

// ExecutionRecord is the journaled result of one manual run or one
// continuous cycle.
type ExecutionRecord struct {
	ID            string                 `json:"id"`
	FlowID        string                 `json:"flowId"`
	SessionID     string                 `json:"sessionId,omitempty"`
	TriggerNodeID string                 `json:"triggerNodeId,omitempty"`
	StartNodeID   string                 `json:"startNodeId,omitempty"`
	Kind          ExecutionKind          `json:"kind"`
	Parameters    map[string]any         `json:"parameters,omitempty"`
	Status        ExecutionStatus        `json:"status"`
	StartedAt     time.Time              `json:"startedAt"`
	CompletedAt   *time.Time             `json:"completedAt,omitempty"`
	NodeOutputs   map[string]*NodeOutput `json:"nodeOutputs"`
	ErrorLog      []string               `json:"errorLog,omitempty"`
	Writes        []WriteResult          `json:"writes,omitempty"`
}

// Finalize stamps the completion time. A record still running becomes
// completed; a failed record must carry at least one error line.
func (r *ExecutionRecord) Finalize(at time.Time) {
	t := at.UTC()
	r.CompletedAt = &t
	switch r.Status {
	case StatusRunning, "":
		r.Status = StatusCompleted
	case StatusFailed:
		if len(r.ErrorLog) == 0 {
			r.ErrorLog = []string{"execution failed"}
		}
	}
}

// Duration returns the wall time of a finalized record.
func (r *ExecutionRecord) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// LogLevel is the severity of a flow log entry.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// ParseLogLevel accepts the four levels plus "warning" and "log".
func ParseLogLevel(s string) (LogLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, true
	case "info", "log":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	}
	return "", false
}

// Rank orders levels from debug (0) to error (3).
func (l LogLevel) Rank() int {
	switch l {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	}
	return 1
}

// LogEntry is one user-visible flow log line.
type LogEntry struct {
	Seq         uint64    `json:"seq,omitempty"`
	FlowID      string    `json:"flowId"`
	ExecutionID string    `json:"executionId,omitempty"`
	NodeID      string    `json:"nodeId,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Level       LogLevel  `json:"level"`
	Message     string    `json:"message"`
}
