package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// decodeDocument turns a raw config file into a Config. Both formats funnel
// through one strict JSON decoder: files with a .yaml/.yml extension are
// decoded with yaml v3 and re-marshaled as JSON first, everything else is
// treated as JSON directly. Unknown fields and trailing tokens are errors so
// a typo'd key fails loudly instead of silently disabling a mission.
func decodeDocument(path string, data []byte) (*Config, error) {
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
		j, err := json.Marshal(stringifyKeys(doc))
		if err != nil {
			return nil, fmt.Errorf("convert yaml document: %w", err)
		}
		data = j
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	switch err := dec.Decode(&struct{}{}); err {
	case io.EOF:
		return &cfg, nil
	case nil:
		return nil, fmt.Errorf("invalid config: trailing data after document")
	default:
		return nil, err
	}
}

// stringifyKeys rewrites map[any]any mappings, which yaml v3 can still
// produce for nested nodes, into string-keyed maps json.Marshal accepts.
func stringifyKeys(v any) any {
	switch node := v.(type) {
	case map[string]any:
		for k, child := range node {
			node[k] = stringifyKeys(child)
		}
		return node
	case map[any]any:
		out := make(map[string]any, len(node))
		for k, child := range node {
			out[fmt.Sprint(k)] = stringifyKeys(child)
		}
		return out
	case []any:
		for i, child := range node {
			node[i] = stringifyKeys(child)
		}
		return node
	}
	return v
}
