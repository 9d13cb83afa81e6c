package registry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/petal-labs/tagflow/core"
)

// PortType is the declared data type of a port.
type PortType string

const (
	PortNumber  PortType = "number"
	PortBoolean PortType = "boolean"
	PortString  PortType = "string"
	PortJSON    PortType = "json"
	PortMain    PortType = "main"
	PortTrigger PortType = "trigger"
	PortAny     PortType = "any"
)

// ValidPortType reports whether t is one of the declared port types.
func ValidPortType(t PortType) bool {
	switch t {
	case PortNumber, PortBoolean, PortString, PortJSON, PortMain, PortTrigger, PortAny:
		return true
	}
	return false
}

// Compatible reports whether a source port of type src may feed a target
// port of type dst. Trigger sources only enter trigger or any targets.
func Compatible(src, dst PortType) bool {
	switch {
	case src == dst:
		return true
	case src == PortTrigger:
		return dst == PortAny
	case src == PortMain || src == PortAny || dst == PortMain || dst == PortAny:
		return true
	case dst == PortString:
		return true
	default:
		// number and boolean targets need a matching source.
		return false
	}
}

// PortDef describes a single port.
type PortDef struct {
	Name string   `json:"name"`
	Type PortType `json:"type"`
}

func portName(base string, i int) string {
	return base + strconv.Itoa(i)
}

// PropertyType is the editor type of a property.
type PropertyType string

const (
	PropString  PropertyType = "string"
	PropNumber  PropertyType = "number"
	PropBoolean PropertyType = "boolean"
	PropOptions PropertyType = "options"
	PropJSON    PropertyType = "json"
	PropCode    PropertyType = "code"
)

// DisplayOptions gates a property on the values of other properties.
type DisplayOptions struct {
	// Show lists, per other property, the values under which this one is
	// visible. All entries must match.
	Show map[string][]any `json:"show,omitempty"`
}

// PropertyDef declares one configurable property of a node kind.
type PropertyDef struct {
	Name           string          `json:"name"`
	DisplayName    string          `json:"displayName,omitempty"`
	Type           PropertyType    `json:"type"`
	Default        any             `json:"default,omitempty"`
	Options        []string        `json:"options,omitempty"`
	Required       bool            `json:"required,omitempty"`
	UserExposable  bool            `json:"userExposable,omitempty"`
	DisplayOptions *DisplayOptions `json:"displayOptions,omitempty"`
}

// Visible evaluates DisplayOptions against props. Required properties are
// only enforced while visible.
func (p PropertyDef) Visible(props Props) bool {
	if p.DisplayOptions == nil {
		return true
	}
	for other, allowed := range p.DisplayOptions.Show {
		cur, ok := props[other]
		if !ok {
			return false
		}
		matched := false
		for _, a := range allowed {
			if fmt.Sprint(a) == fmt.Sprint(cur) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// Props is a node's property map.
type Props map[string]any

// String returns the string property key, or "" when unset.
func (p Props) String(key string) string {
	switch v := p[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// StringOr returns the string property key or def when unset or empty.
func (p Props) StringOr(key, def string) string {
	if s := p.String(key); s != "" {
		return s
	}
	return def
}

// Number returns a numeric property, accepting JSON, YAML and string
// encodings.
func (p Props) Number(key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

// Float returns the numeric property key or def.
func (p Props) Float(key string, def float64) float64 {
	if f, ok := p.Number(key); ok {
		return f
	}
	return def
}

// Int returns the integer property key or def.
func (p Props) Int(key string, def int) int {
	if f, ok := p.Number(key); ok {
		return int(f)
	}
	return def
}

// Bool returns the boolean property key or def.
func (p Props) Bool(key string, def bool) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Has reports whether key is set to a non-empty value.
func (p Props) Has(key string) bool {
	v, ok := p[key]
	if !ok || v == nil {
		return false
	}
	if s, isStr := v.(string); isStr && s == "" {
		return false
	}
	return true
}

// Slot is an input or output port value; absent ports have Present=false.
type Slot struct {
	Value   core.Value
	Present bool
}

// Some wraps v as a present slot.
func Some(v core.Value) Slot {
	return Slot{Value: v, Present: true}
}

// Absent returns an empty slot.
func Absent() Slot {
	return Slot{}
}

// EvalFunc evaluates one node instance. State is private to the node and
// survives between cycles of the same flow.
type EvalFunc func(ctx EvalContext, inputs []Slot, props Props, state map[string]any) ([]Slot, error)

// EvalContext is the runtime surface a handler may use.
type EvalContext interface {
	Context() context.Context
	FlowID() string
	NodeID() string
	Now() time.Time

	// Fired reports whether this cycle consumed a pending fire for the node.
	Fired() bool
	// Parameters are user-supplied values for manual executions.
	Parameters() map[string]any

	Tags() TagReader
	// Emit queues a tag write into the cycle's write batch.
	Emit(w core.TagWrite)
	// TestSuppress reports whether writes from this flow are suppressed.
	TestSuppress() bool

	State() StateStore
	Log(level core.LogLevel, msg string)
}

// TagReader is the read side of the tag gateway.
type TagReader interface {
	Get(ctx context.Context, ref core.TagRef, maxAgeMs int64) (core.Value, error)
	History(ctx context.Context, ref core.TagRef, window string) ([]core.Value, error)
	// InternalTagsSnapshot returns internal and system tag values by path.
	InternalTagsSnapshot(ctx context.Context) (map[string]core.Value, error)
}

// StateStore is a flow's persistent key/value state.
type StateStore interface {
	Get(key string) (any, bool, error)
	All() (map[string]any, error)
	Set(key string, value any) error
}
