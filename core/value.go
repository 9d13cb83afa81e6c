// Package core provides the foundational types shared by every tagflow
// component.
//
// This package contains:
//   - Value and Quality: the typed sample carried along flow edges
//   - Wire error codes and the typed Error / NodeError values
//   - Execution records and log entries produced by the evaluator
//   - Tag references and write policies consumed by the tag gateway
package core

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ValueType discriminates the Value union.
type ValueType string

const (
	TypeNull    ValueType = "null"
	TypeNumber  ValueType = "number"
	TypeBoolean ValueType = "boolean"
	TypeString  ValueType = "string"
	TypeJSON    ValueType = "json"
)

// Quality is an OPC-style data quality code.
type Quality int

const (
	QualityBad       Quality = 0
	QualityUncertain Quality = 64
	QualityGood      Quality = 192
)

// IsGood reports whether q is at or above the Good threshold.
func (q Quality) IsGood() bool {
	return q >= QualityGood
}

// String returns a short label for the quality band.
func (q Quality) String() string {
	switch {
	case q >= QualityGood:
		return "good"
	case q >= QualityUncertain:
		return "uncertain"
	default:
		return "bad"
	}
}

// Value is a typed sample with quality and timestamp. The zero Value is a
// Bad-quality null.
type Value struct {
	Type      ValueType
	Num       float64
	Bool      bool
	Str       string
	JSON      any // decoded JSON (map[string]any, []any, ...)
	Quality   Quality
	Timestamp time.Time
}

// Null returns a Good-quality null value.
func Null() Value {
	return Value{Type: TypeNull, Quality: QualityGood}
}

// Number returns a Good-quality number.
func Number(f float64) Value {
	return Value{Type: TypeNumber, Num: f, Quality: QualityGood}
}

// Bool returns a Good-quality boolean.
func Bool(b bool) Value {
	return Value{Type: TypeBoolean, Bool: b, Quality: QualityGood}
}

// String returns a Good-quality string.
func String(s string) Value {
	return Value{Type: TypeString, Str: s, Quality: QualityGood}
}

// JSON returns a Good-quality opaque JSON value.
func JSON(v any) Value {
	return Value{Type: TypeJSON, JSON: v, Quality: QualityGood}
}

// FromAny converts a Go value (as produced by encoding/json or a script
// export) into a Good-quality Value.
func FromAny(v any) Value {
	switch x := v.(type) {
	case nil:
		return Null()
	case Value:
		return x
	case float64:
		return Number(x)
	case float32:
		return Number(float64(x))
	case int:
		return Number(float64(x))
	case int32:
		return Number(float64(x))
	case int64:
		return Number(float64(x))
	case uint64:
		return Number(float64(x))
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return String(x.String())
		}
		return Number(f)
	case bool:
		return Bool(x)
	case string:
		return String(x)
	default:
		return JSON(x)
	}
}

// WithQuality returns a copy of v carrying q.
func (v Value) WithQuality(q Quality) Value {
	v.Quality = q
	return v
}

// At returns a copy of v stamped with ts (normalized to UTC).
func (v Value) At(ts time.Time) Value {
	v.Timestamp = ts.UTC()
	return v
}

// IsNull reports whether v holds no data.
func (v Value) IsNull() bool {
	return v.Type == TypeNull || v.Type == ""
}

// Interface returns v's payload as a plain Go value.
func (v Value) Interface() any {
	switch v.Type {
	case TypeNumber:
		return v.Num
	case TypeBoolean:
		return v.Bool
	case TypeString:
		return v.Str
	case TypeJSON:
		return v.JSON
	default:
		return nil
	}
}

// AsNumber converts v to a float64. Booleans map to 1/0 and strings are
// parsed as decimals; JSON and null never convert.
func (v Value) AsNumber() (float64, bool) {
	switch v.Type {
	case TypeNumber:
		return v.Num, true
	case TypeBoolean:
		if v.Bool {
			return 1, true
		}
		return 0, true
	case TypeString:
		f, err := strconv.ParseFloat(v.Str, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// AsBool converts v to a boolean. Numbers are true when non-zero.
func (v Value) AsBool() (bool, bool) {
	switch v.Type {
	case TypeBoolean:
		return v.Bool, true
	case TypeNumber:
		return v.Num != 0, true
	case TypeString:
		b, err := strconv.ParseBool(v.Str)
		if err != nil {
			return false, false
		}
		return b, true
	default:
		return false, false
	}
}

// AsString renders v in canonical form.
func (v Value) AsString() string {
	switch v.Type {
	case TypeNumber:
		return FormatNumber(v.Num)
	case TypeBoolean:
		return strconv.FormatBool(v.Bool)
	case TypeString:
		return v.Str
	case TypeJSON:
		b, err := json.Marshal(v.JSON)
		if err != nil {
			return fmt.Sprint(v.JSON)
		}
		return string(b)
	default:
		return ""
	}
}

// FormatNumber renders f as the shortest decimal that round-trips.
func FormatNumber(f float64) string {
	if math.IsInf(f, 1) {
		return "Infinity"
	}
	if math.IsInf(f, -1) {
		return "-Infinity"
	}
	if math.IsNaN(f) {
		return "NaN"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Equal compares payloads, ignoring quality and timestamp.
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case TypeNumber:
		return v.Num == o.Num
	case TypeBoolean:
		return v.Bool == o.Bool
	case TypeString:
		return v.Str == o.Str
	case TypeJSON:
		return v.AsString() == o.AsString()
	default:
		return true
	}
}

type wireValue struct {
	Type      ValueType `json:"type"`
	Value     any       `json:"value"`
	Quality   Quality   `json:"quality"`
	Timestamp string    `json:"timestamp,omitempty"`
}

// MarshalJSON encodes v as {"type","value","quality","timestamp"}.
func (v Value) MarshalJSON() ([]byte, error) {
	t := v.Type
	if t == "" {
		t = TypeNull
	}
	w := wireValue{Type: t, Value: v.Interface(), Quality: v.Quality}
	if !v.Timestamp.IsZero() {
		w.Timestamp = v.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire form written by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	out := FromAny(w.Value)
	switch w.Type {
	case TypeJSON:
		out = JSON(w.Value)
	case TypeString:
		if s, ok := w.Value.(string); ok {
			out = String(s)
		}
	}
	out.Quality = w.Quality
	if w.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
		if err != nil {
			return fmt.Errorf("core: invalid value timestamp: %w", err)
		}
		out.Timestamp = ts.UTC()
	}
	*v = out
	return nil
}
