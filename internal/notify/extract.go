package notify

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// lookup walks a dotted path ("task.projectId") through nested objects.
func (s Snapshot) lookup(path string) (any, bool) {
	if s == nil || path == "" {
		return nil, false
	}
	var cur any = map[string]any(s)
	for _, key := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		if cur, ok = m[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// String returns the scalar at path as a string, or "".
func (s Snapshot) String(path string) string {
	v, ok := s.lookup(path)
	if !ok {
		return ""
	}
	return scalarString(v)
}

// IDs collects user ids stored at path: a single id, a list of ids, or a
// list of objects carrying an "id" field.
func (s Snapshot) IDs(path string) []string {
	v, ok := s.lookup(path)
	if !ok {
		return nil
	}
	switch x := v.(type) {
	case []string:
		return append([]string(nil), x...)
	case []any:
		out := make([]string, 0, len(x))
		for _, it := range x {
			if m, ok := asMap(it); ok {
				out = append(out, scalarString(m["id"]))
				continue
			}
			out = append(out, scalarString(it))
		}
		return out
	default:
		if id := scalarString(v); id != "" {
			return []string{id}
		}
	}
	return nil
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Snapshot:
		return m, true
	}
	return nil, false
}

func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	}
	return ""
}

// firstString returns the first non-empty value of fields, searching every
// snapshot in order before moving on.
func firstString(fields []string, snaps ...Snapshot) string {
	for _, s := range snaps {
		for _, f := range fields {
			if v := s.String(f); v != "" {
				return v
			}
		}
	}
	return ""
}

// ExtractEntityID searches the result snapshot, then the request snapshot,
// for the first non-empty candidate field, falling back to "id".
func ExtractEntityID(fields []string, result, request Snapshot) string {
	if id := firstString(fields, result, request); id != "" {
		return id
	}
	return firstString([]string{"id"}, result, request)
}

// DecodeSnapshot decodes a JSON object, keeping numbers exact.
func DecodeSnapshot(b []byte) (Snapshot, error) {
	if len(b) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var s Snapshot
	if err := dec.Decode(&s); err != nil {
		return nil, err
	}
	return s, nil
}
