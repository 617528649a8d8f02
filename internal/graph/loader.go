package graph

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/rendis/flowpilot/pkg/schema"
)

// LoadFile reads a graph definition from a .json, .yaml or .yml file.
func LoadFile(path string) (*schema.GraphDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return ParseJSON(data)
	}
}

// ParseJSON decodes a graph definition from JSON.
func ParseJSON(data []byte) (*schema.GraphDefinition, error) {
	var def schema.GraphDefinition
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode graph: %v", err).WithCause(err)
	}
	return &def, nil
}

// ParseYAML decodes a graph definition from YAML. Node configs are free-form
// in YAML, so the document is bridged through JSON to keep them raw.
func ParseYAML(data []byte) (*schema.GraphDefinition, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode graph yaml: %v", err).WithCause(err)
	}
	b, err := json.Marshal(normalizeYAML(doc))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "convert graph yaml: %v", err).WithCause(err)
	}
	return ParseJSON(b)
}

// normalizeYAML converts map[any]any nodes (non-string keys) into
// map[string]any so the document can be JSON-encoded.
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeYAML(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalizeYAML(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeYAML(item)
		}
		return out
	default:
		return v
	}
}
