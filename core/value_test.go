package core

import (
	"encoding/json"
	"testing"
	"time"
)

func TestValueConversions(t *testing.T) {
	tests := []struct {
		name    string
		v       Value
		num     float64
		numOK   bool
		boolean bool
		boolOK  bool
		str     string
	}{
		{"number", Number(2.5), 2.5, true, true, true, "2.5"},
		{"zero", Number(0), 0, true, false, true, "0"},
		{"true", Bool(true), 1, true, true, true, "true"},
		{"false", Bool(false), 0, true, false, true, "false"},
		{"numeric string", String("42"), 42, true, false, false, "42"},
		{"bool string", String("true"), 0, false, true, true, "true"},
		{"json", JSON(map[string]any{"a": 1.0}), 0, false, false, false, `{"a":1}`},
		{"null", Null(), 0, false, false, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok := tt.v.AsNumber()
			if ok != tt.numOK || (ok && n != tt.num) {
				t.Errorf("AsNumber() = %v, %v; want %v, %v", n, ok, tt.num, tt.numOK)
			}
			b, ok := tt.v.AsBool()
			if ok != tt.boolOK || (ok && b != tt.boolean) {
				t.Errorf("AsBool() = %v, %v; want %v, %v", b, ok, tt.boolean, tt.boolOK)
			}
			if got := tt.v.AsString(); got != tt.str {
				t.Errorf("AsString() = %q, want %q", got, tt.str)
			}
		})
	}
}

func TestFormatNumberCanonical(t *testing.T) {
	cases := map[float64]string{
		1:        "1",
		0.1:      "0.1",
		-3.25:    "-3.25",
		1e21:     "1000000000000000000000",
		10.60001: "10.60001",
	}
	for in, want := range cases {
		if got := FormatNumber(in); got != want {
			t.Errorf("FormatNumber(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestFromAny(t *testing.T) {
	if v := FromAny(nil); v.Type != TypeNull || !v.Quality.IsGood() {
		t.Errorf("FromAny(nil) = %+v", v)
	}
	if v := FromAny(3); v.Type != TypeNumber || v.Num != 3 {
		t.Errorf("FromAny(3) = %+v", v)
	}
	if v := FromAny([]any{1.0}); v.Type != TypeJSON {
		t.Errorf("FromAny(slice) type = %s, want json", v.Type)
	}
	in := Number(1).WithQuality(QualityBad)
	if v := FromAny(in); v.Quality != QualityBad {
		t.Error("FromAny(Value) should pass the value through unchanged")
	}
}

func TestQualityBands(t *testing.T) {
	if !QualityGood.IsGood() || !Quality(255).IsGood() {
		t.Error("192 and above should be good")
	}
	if Quality(191).IsGood() || QualityBad.IsGood() {
		t.Error("below 192 should not be good")
	}
	if QualityUncertain.String() != "uncertain" {
		t.Errorf("String() = %q", QualityUncertain.String())
	}
}

func TestValueJSONRoundTrip(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	in := String("7").WithQuality(QualityUncertain).At(ts)

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out Value
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Type != TypeString || out.Str != "7" {
		t.Errorf("string payload lost: %+v", out)
	}
	if out.Quality != QualityUncertain || !out.Timestamp.Equal(ts) {
		t.Errorf("metadata lost: %+v", out)
	}
}

func TestValueEqual(t *testing.T) {
	if !Number(1).Equal(Number(1).WithQuality(QualityBad)) {
		t.Error("Equal should ignore quality")
	}
	if Number(1).Equal(String("1")) {
		t.Error("Equal should compare types")
	}
	if !JSON(map[string]any{"a": 1.0}).Equal(JSON(map[string]any{"a": 1.0})) {
		t.Error("json payloads with same content should be equal")
	}
}
