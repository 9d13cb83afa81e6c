package loader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/petal-labs/tagflow/core"
	"github.com/petal-labs/tagflow/graph"
)

// LoadFile reads a flow document from path. A bare definition gets the
// file's base name as its flow name.
func LoadFile(path string) (graph.Flow, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return graph.Flow{}, fmt.Errorf("reading file %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse decodes a flow document. The path only selects the format: a
// .yaml or .yml extension means YAML, anything else JSON.
func Parse(data []byte, path string) (graph.Flow, error) {
	raw, err := parseRaw(data, path)
	if err != nil {
		return graph.Flow{}, err
	}
	kind, err := detectRaw(raw)
	if err != nil {
		return graph.Flow{}, err
	}

	def := raw
	if kind == KindFlow {
		def = raw["definition"].(map[string]any)
	}
	if err := checkPorts(def); err != nil {
		return graph.Flow{}, err
	}

	jsonData, err := toJSON(data, path)
	if err != nil {
		return graph.Flow{}, err
	}
	var flow graph.Flow
	if kind == KindFlow {
		if err := json.Unmarshal(jsonData, &flow); err != nil {
			return graph.Flow{}, fmt.Errorf("parsing flow: %w", err)
		}
		return flow, nil
	}
	if err := json.Unmarshal(jsonData, &flow.Definition); err != nil {
		return graph.Flow{}, fmt.Errorf("parsing definition: %w", err)
	}
	if path != "" {
		flow.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return flow, nil
}

// ParseDefinition decodes a bare definition from JSON.
func ParseDefinition(data []byte) (graph.Definition, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return graph.Definition{}, fmt.Errorf("parsing JSON: %w", err)
	}
	if err := checkPorts(raw); err != nil {
		return graph.Definition{}, err
	}
	var def graph.Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return graph.Definition{}, fmt.Errorf("parsing definition: %w", err)
	}
	return def, nil
}

// checkPorts rejects node port metadata that is not an array. Object
// shaped inputs or outputs are refused rather than guessed at.
func checkPorts(def map[string]any) error {
	nodes, ok := def["nodes"].([]any)
	if !ok {
		if def["nodes"] == nil {
			return nil
		}
		return core.Errorf(core.CodeInvalidNode, "definition nodes must be an array")
	}
	for i, n := range nodes {
		node, ok := n.(map[string]any)
		if !ok {
			return core.Errorf(core.CodeInvalidNode, "node %d is not an object", i)
		}
		id, _ := node["id"].(string)
		for _, field := range []string{"inputs", "outputs"} {
			v, present := node[field]
			if !present || v == nil {
				continue
			}
			if _, ok := v.([]any); !ok {
				return core.Errorf(core.CodeInvalidNode, "node %q: %s must be an array", id, field).
					WithDetail("node_id", id)
			}
		}
	}
	return nil
}

// toJSON converts data to JSON bytes, handling YAML conversion if the path
// indicates a YAML file.
func toJSON(data []byte, path string) ([]byte, error) {
	if isYAML(path) {
		return yamlToJSON(data)
	}
	return data, nil
}
