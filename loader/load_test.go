package loader

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/petal-labs/tagflow/core"
)

const flowJSON = `{
  "name": "boiler",
  "scan_rate_ms": 500,
  "execution_mode": "continuous",
  "definition": {
    "nodes": [
      {"id": "in", "kind": "tag-input", "properties": {"tagId": "boiler/temp"}},
      {"id": "out", "kind": "tag-output", "properties": {"tagId": "boiler/alarm"},
       "inputs": [{"name": "value", "type": "main"}]}
    ],
    "edges": [{"id": "e1", "source": "in", "target": "out", "targetHandle": "input-0"}],
    "pinData": {"in": 21.5}
  }
}`

const flowYAML = `name: boiler
scan_rate_ms: 500
execution_mode: continuous
definition:
  nodes:
    - id: in
      kind: tag-input
      properties:
        tagId: boiler/temp
    - id: out
      kind: tag-output
      properties:
        tagId: boiler/alarm
      inputs:
        - name: value
          type: main
  edges:
    - id: e1
      source: in
      target: out
      targetHandle: input-0
  pinData:
    in: 21.5
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile_FlowJSON(t *testing.T) {
	flow, err := LoadFile(writeFile(t, "boiler.json", flowJSON))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if flow.Name != "boiler" || flow.ScanRateMs != 500 || flow.ExecutionMode != "continuous" {
		t.Errorf("settings = %+v", flow)
	}
	if len(flow.Definition.Nodes) != 2 || len(flow.Definition.Edges) != 1 {
		t.Fatalf("definition = %+v", flow.Definition)
	}
	if flow.Definition.PinData["in"] != 21.5 {
		t.Errorf("pinData = %v", flow.Definition.PinData)
	}
}

func TestLoadFile_YAMLMatchesJSON(t *testing.T) {
	fromJSON, err := LoadFile(writeFile(t, "boiler.json", flowJSON))
	if err != nil {
		t.Fatal(err)
	}
	fromYAML, err := LoadFile(writeFile(t, "boiler.yaml", flowYAML))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(fromJSON, fromYAML) {
		t.Errorf("YAML flow differs from JSON flow:\n%+v\n%+v", fromYAML, fromJSON)
	}
}

func TestLoadFile_BareDefinitionNamedAfterFile(t *testing.T) {
	flow, err := LoadFile(writeFile(t, "pump-control.yml", "nodes:\n  - id: k\n    kind: constant\nedges: []\n"))
	if err != nil {
		t.Fatal(err)
	}
	if flow.Name != "pump-control" || len(flow.Definition.Nodes) != 1 {
		t.Errorf("flow = %+v", flow)
	}
}

func TestLoadFile_NotFound(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestParse_RejectsObjectShapedPorts(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"inputs object", `{"nodes":[{"id":"n1","kind":"math","inputs":{"a":{"type":"number"}}}],"edges":[]}`},
		{"outputs object", `{"definition":{"nodes":[{"id":"n1","kind":"math","outputs":{"out":"number"}}],"edges":[]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), "flow.json")
			if !core.HasCode(err, core.CodeInvalidNode) {
				t.Fatalf("err = %v, want %s", err, core.CodeInvalidNode)
			}
			var ce *core.Error
			if errors.As(err, &ce) && ce.Details["node_id"] != "n1" {
				t.Errorf("details = %v", ce.Details)
			}
		})
	}
}

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(`{"nodes":[{"id":"a","kind":"constant"}],"edges":[]}`))
	if err != nil || len(def.Nodes) != 1 {
		t.Fatalf("ParseDefinition = %+v, %v", def, err)
	}
	if _, err := ParseDefinition([]byte(`{"nodes":[{"id":"a","inputs":{}}]}`)); !core.HasCode(err, core.CodeInvalidNode) {
		t.Fatalf("err = %v", err)
	}
}
