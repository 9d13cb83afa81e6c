// Package graph holds the persisted flow document and the compiler that
// turns a flow definition into an immutable execution Plan.
package graph

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/petal-labs/tagflow/core"
	"github.com/petal-labs/tagflow/registry"
)

// Diagnostic is a validation error or warning produced by the compiler or
// by deploy validation.
type Diagnostic struct {
	Code     core.ErrorCode `json:"code"`
	Severity string         `json:"severity"` // "error" or "warning"
	Message  string         `json:"message"`
	NodeID   string         `json:"nodeId,omitempty"`
	EdgeID   string         `json:"edgeId,omitempty"`
}

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// HasErrors returns true if any diagnostic has error severity.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns only the error-severity diagnostics.
func Errors(diags []Diagnostic) []Diagnostic {
	var errs []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		}
	}
	return errs
}

// Warnings returns only the warning-severity diagnostics.
func Warnings(diags []Diagnostic) []Diagnostic {
	var warns []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityWarning {
			warns = append(warns, d)
		}
	}
	return warns
}

// DiagnosticError wraps error diagnostics so they can travel as an error.
type DiagnosticError struct {
	Diagnostics []Diagnostic
}

func (e *DiagnosticError) Error() string {
	errs := Errors(e.Diagnostics)
	if len(errs) == 0 {
		return "flow validation failed"
	}
	if len(errs) == 1 {
		return fmt.Sprintf("%s: %s", errs[0].Code, errs[0].Message)
	}
	return fmt.Sprintf("%s: %s (and %d more)", errs[0].Code, errs[0].Message, len(errs)-1)
}

// Code returns the code of the first error diagnostic.
func (e *DiagnosticError) Code() core.ErrorCode {
	if errs := Errors(e.Diagnostics); len(errs) > 0 {
		return errs[0].Code
	}
	return core.CodeInvalidNode
}

func errorDiag(code core.ErrorCode, nodeID, edgeID, format string, args ...any) Diagnostic {
	return Diagnostic{
		Code:     code,
		Severity: SeverityError,
		Message:  fmt.Sprintf(format, args...),
		NodeID:   nodeID,
		EdgeID:   edgeID,
	}
}

// Definition is the editable body of a flow.
type Definition struct {
	Nodes   []NodeDef      `json:"nodes"`
	Edges   []EdgeDef      `json:"edges"`
	PinData map[string]any `json:"pinData,omitempty"`
}

// Position is a node's canvas coordinate. The runtime ignores it.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeDef is one vertex of a flow.
type NodeDef struct {
	ID            string             `json:"id"`
	Kind          string             `json:"kind"`
	Position      Position           `json:"position"`
	Properties    map[string]any     `json:"properties,omitempty"`
	ExposedParams []string           `json:"exposedParams,omitempty"`
	InputCount    int                `json:"inputCount,omitempty"`
	Inputs        []registry.PortDef `json:"inputs,omitempty"`
	Outputs       []registry.PortDef `json:"outputs,omitempty"`
}

// Arity returns the declared input count, falling back to the inputCount
// property and then to the length of the inputs metadata.
func (n NodeDef) Arity() int {
	if n.InputCount > 0 {
		return n.InputCount
	}
	if c := registry.Props(n.Properties).Int("inputCount", 0); c > 0 {
		return c
	}
	return len(n.Inputs)
}

// EdgeDef connects an output port to an input port.
type EdgeDef struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	Target       string `json:"target"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// Label renders the edge for messages.
func (e EdgeDef) Label() string {
	if e.ID != "" {
		return fmt.Sprintf("%q (%s -> %s)", e.ID, e.Source, e.Target)
	}
	return fmt.Sprintf("%s -> %s", e.Source, e.Target)
}

// ParseHandle extracts the port index from handles like "input-2" or
// "output-0". An empty handle, or one without an index, is port 0.
func ParseHandle(handle string) (int, error) {
	h := strings.TrimSpace(handle)
	if h == "" {
		return 0, nil
	}
	i := strings.LastIndexByte(h, '-')
	if i < 0 {
		switch h {
		case "input", "output", "main":
			return 0, nil
		}
		return 0, fmt.Errorf("invalid handle %q", handle)
	}
	n, err := strconv.Atoi(h[i+1:])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid handle %q", handle)
	}
	return n, nil
}

// FindNode returns the node with id.
func (d *Definition) FindNode(id string) (NodeDef, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeDef{}, false
}

// PinnedValues converts PinData into values. Pinned outputs are always
// Good quality.
func (d *Definition) PinnedValues() map[string]core.Value {
	if len(d.PinData) == 0 {
		return nil
	}
	out := make(map[string]core.Value, len(d.PinData))
	for id, raw := range d.PinData {
		v := core.FromAny(raw)
		out[id] = v.WithQuality(core.QualityGood)
	}
	return out
}
