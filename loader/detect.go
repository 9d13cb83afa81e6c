// Package loader reads flow documents from JSON or YAML. A document is
// either a full flow (settings plus a "definition" object) or a bare
// definition with "nodes" and "edges".
package loader

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DocumentKind identifies the shape of a flow document.
type DocumentKind string

const (
	KindFlow       DocumentKind = "flow"
	KindDefinition DocumentKind = "definition"
)

// DetectKind parses data according to filePath's extension and reports
// the document shape:
//  1. a "definition" object means a full flow document
//  2. "nodes" and "edges" at the top level mean a bare definition
//  3. anything else is an error
func DetectKind(data []byte, filePath string) (DocumentKind, error) {
	raw, err := parseRaw(data, filePath)
	if err != nil {
		return "", err
	}
	return detectRaw(raw)
}

func detectRaw(raw map[string]any) (DocumentKind, error) {
	if _, ok := raw["definition"].(map[string]any); ok {
		return KindFlow, nil
	}
	if hasKey(raw, "nodes") && hasKey(raw, "edges") {
		return KindDefinition, nil
	}
	return "", fmt.Errorf("unable to detect document format: expected a flow with a definition, or nodes and edges")
}

func parseRaw(data []byte, filePath string) (map[string]any, error) {
	var raw map[string]any
	if isYAML(filePath) {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing JSON: %w", err)
		}
	}
	if raw == nil {
		return nil, fmt.Errorf("empty document")
	}
	return raw, nil
}

// isYAML returns true if the file path has a YAML extension.
func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// hasKey checks if a key exists in a map.
func hasKey(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}

// yamlToJSON converts YAML bytes to JSON bytes: YAML -> map[string]any ->
// JSON -> typed struct.
func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	return json.Marshal(raw)
}
