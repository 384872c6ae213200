package warehouse

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidJSONPath is returned for a manifest entry outside the supported JSONPath subset.
var ErrInvalidJSONPath = errors.New("invalid JSONPath expression")

type (
	// JSONPath is a parsed path expression: a sequence of object keys and array indexes
	// rooted at "$". Supported forms are $.key, $['key'], $["key"] and $[0].
	JSONPath struct {
		raw   string
		steps []pathStep
	}

	pathStep struct {
		key     string
		index   int
		isIndex bool
	}

	manifest struct {
		JSONPaths []string `json:"jsonpaths"`
	}
)

// ParseManifest parses a JSONPaths manifest document: {"jsonpaths": ["$.a", ...]}.
func ParseManifest(data []byte) ([]JSONPath, error) {
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse JSONPaths manifest: %w", err)
	}

	if len(m.JSONPaths) == 0 {
		return nil, fmt.Errorf("JSONPaths manifest lists no paths")
	}

	paths := make([]JSONPath, len(m.JSONPaths))

	for i, raw := range m.JSONPaths {
		p, err := ParseJSONPath(raw)
		if err != nil {
			return nil, fmt.Errorf("jsonpaths[%d]: %w", i, err)
		}

		paths[i] = p
	}

	return paths, nil
}

// ParseJSONPath parses one path expression.
func ParseJSONPath(raw string) (JSONPath, error) {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "$") {
		return JSONPath{}, fmt.Errorf("%w: %q must start with $", ErrInvalidJSONPath, raw)
	}

	p := JSONPath{raw: raw}
	rest := s[1:]

	for rest != "" {
		switch rest[0] {
		case '.':
			end := strings.IndexAny(rest[1:], ".[")
			if end == -1 {
				end = len(rest) - 1
			}

			key := rest[1 : end+1]
			if key == "" {
				return JSONPath{}, fmt.Errorf("%w: %q has an empty key", ErrInvalidJSONPath, raw)
			}

			p.steps = append(p.steps, pathStep{key: key})
			rest = rest[end+1:]
		case '[':
			end := strings.IndexByte(rest, ']')
			if end == -1 {
				return JSONPath{}, fmt.Errorf("%w: %q has an unterminated bracket", ErrInvalidJSONPath, raw)
			}

			step, err := parseBracket(rest[1:end])
			if err != nil {
				return JSONPath{}, fmt.Errorf("%w: %q: %w", ErrInvalidJSONPath, raw, err)
			}

			p.steps = append(p.steps, step)
			rest = rest[end+1:]
		default:
			return JSONPath{}, fmt.Errorf("%w: %q: unexpected %q", ErrInvalidJSONPath, raw, rest[0])
		}
	}

	if len(p.steps) == 0 {
		return JSONPath{}, fmt.Errorf("%w: %q selects the whole record", ErrInvalidJSONPath, raw)
	}

	return p, nil
}

func parseBracket(inner string) (pathStep, error) {
	inner = strings.TrimSpace(inner)
	if len(inner) >= 2 && (inner[0] == '\'' || inner[0] == '"') && inner[len(inner)-1] == inner[0] {
		return pathStep{key: inner[1 : len(inner)-1]}, nil
	}

	idx, err := strconv.Atoi(inner)
	if err != nil || idx < 0 {
		return pathStep{}, fmt.Errorf("bracket must hold a quoted key or a non-negative index, got %q", inner)
	}

	return pathStep{index: idx, isIndex: true}, nil
}

// String returns the expression as written in the manifest.
func (p JSONPath) String() string {
	return p.raw
}

// Lookup evaluates the path against a decoded record. A path that does not resolve
// yields (nil, false); the loader stores NULL for it.
func (p JSONPath) Lookup(record any) (any, bool) {
	cur := record

	for _, step := range p.steps {
		if step.isIndex {
			arr, ok := cur.([]any)
			if !ok || step.index >= len(arr) {
				return nil, false
			}

			cur = arr[step.index]

			continue
		}

		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}

		cur, ok = obj[step.key]
		if !ok {
			return nil, false
		}
	}

	return cur, true
}

// lookupKey finds key in record ignoring case, the way automatic key inference matches
// JSON keys to column names.
func lookupKey(record map[string]any, key string) (any, bool) {
	if v, ok := record[key]; ok {
		return v, true
	}

	for k, v := range record {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}

	return nil, false
}
