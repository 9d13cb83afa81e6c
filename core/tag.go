package core

import "time"

// TagRef addresses a tag in the tag subsystem.
type TagRef struct {
	Source       string `json:"source,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
	Path         string `json:"path"`
}

// Key returns a stable identity for the tag.
func (r TagRef) Key() string {
	return r.Source + "|" + r.ConnectionID + "|" + r.Path
}

// Well-known tag sources.
const (
	SourceInternal = "internal"
	SourceSystem   = "system"
)

// SaveStrategy selects when a tag-output value is written.
type SaveStrategy string

const (
	SaveAlways   SaveStrategy = "always"
	SaveOnChange SaveStrategy = "on-change"
	SaveNever    SaveStrategy = "never"
)

// DeadbandType selects absolute or percent deadband comparison.
type DeadbandType string

const (
	DeadbandAbsolute DeadbandType = "absolute"
	DeadbandPercent  DeadbandType = "percent"
)

// WritePolicy governs whether an emitted value reaches the tag subsystem.
type WritePolicy struct {
	Strategy     SaveStrategy `json:"strategy"`
	Deadband     float64      `json:"deadband"`
	DeadbandType DeadbandType `json:"deadbandType"`
	HeartbeatMs  int64        `json:"heartbeatMs"`
	TestSuppress bool         `json:"testSuppress"`
	Historize    bool         `json:"historize"` // record the sample in tag history
}

// TagWrite is a write request produced during a cycle.
type TagWrite struct {
	NodeID string      `json:"nodeId"`
	Tag    TagRef      `json:"tag"`
	Value  Value       `json:"value"`
	Policy WritePolicy `json:"policy"`
}

// WriteOutcome is the result of submitting a write.
type WriteOutcome string

const (
	WriteAccepted     WriteOutcome = "accepted"
	WriteDeduplicated WriteOutcome = "deduplicated"
	WriteRejected     WriteOutcome = "rejected"
	WriteSuppressed   WriteOutcome = "suppressed"
	WriteDropped      WriteOutcome = "dropped"
)

// WriteResult records what happened to one TagWrite.
type WriteResult struct {
	NodeID  string       `json:"nodeId"`
	Path    string       `json:"path"`
	Value   any          `json:"value"`
	Outcome WriteOutcome `json:"outcome"`
	Reason  string       `json:"reason,omitempty"`
	At      time.Time    `json:"at"`
}
