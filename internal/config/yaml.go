package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// isYAML reports whether name is a YAML config file.
func isYAML(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// yamlToJSON turns a herald.yaml document into JSON so both formats go
// through the same strict decoder. An empty file is an empty config. A file
// holding more than one document is rejected.
func yamlToJSON(name string, data []byte) ([]byte, error) {
	base := filepath.Base(name)
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return []byte("{}"), nil
		}
		return nil, fmt.Errorf("%s: %w", base, err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err != nil {
			return nil, fmt.Errorf("%s: %w", base, err)
		}
		return nil, fmt.Errorf("%s: only one YAML document is allowed", base)
	}

	out, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", base, err)
	}
	return out, nil
}

// stringKeys rewrites nested mappings with non-string keys (yes: 1, 8080: x)
// into the string-keyed form encoding/json accepts.
func stringKeys(in any) any {
	switch x := in.(type) {
	case map[string]any:
		for k, v := range x {
			x[k] = stringKeys(v)
		}
		return x
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = stringKeys(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = stringKeys(x[i])
		}
		return x
	}
	return in
}
