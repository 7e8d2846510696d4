package state

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	relayerrors "github.com/shorelink/shorelink/internal/errors"
)

// Tree is the raw JSON-shaped representation of the vessel state: maps,
// slices, float64, string, bool, nil. Every value entering a Document is
// normalized to this shape so deep equality and patch application agree
// with the wire encoding.
type Tree = map[string]any

// splitPath validates a dotted path and returns its segments.
func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, relayerrors.NewInvalidPath(path)
	}
	segs := strings.Split(path, ".")
	for _, seg := range segs {
		if seg == "" {
			return nil, relayerrors.NewInvalidPath(path)
		}
	}
	return segs, nil
}

// Lookup walks a dotted path through a tree.
func Lookup(tree Tree, path string) (any, bool) {
	segs, err := splitPath(path)
	if err != nil {
		return nil, false
	}
	var cur any = tree
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// LookupTree returns the subtree at path, or nil when absent or not a map.
func LookupTree(tree Tree, path string) Tree {
	v, ok := Lookup(tree, path)
	if !ok {
		return nil
	}
	sub, _ := v.(map[string]any)
	return sub
}

// LookupSlice returns the array at path, or nil.
func LookupSlice(tree Tree, path string) []any {
	v, ok := Lookup(tree, path)
	if !ok {
		return nil
	}
	s, _ := v.([]any)
	return s
}

// LookupFloat returns the number at path. Values wrapped as {value, units}
// are unwrapped first.
func LookupFloat(tree Tree, path string) (float64, bool) {
	v, ok := Lookup(tree, path)
	if !ok {
		return 0, false
	}
	return asFloat(v)
}

// LookupString returns the string at path.
func LookupString(tree Tree, path string) (string, bool) {
	v, ok := Lookup(tree, path)
	if !ok {
		return "", false
	}
	if m, isMap := v.(map[string]any); isMap {
		v = m["value"]
	}
	s, ok := v.(string)
	return s, ok
}

// LookupBool returns the boolean at path.
func LookupBool(tree Tree, path string) (bool, bool) {
	v, ok := Lookup(tree, path)
	if !ok {
		return false, false
	}
	if m, isMap := v.(map[string]any); isMap {
		v = m["value"]
	}
	b, ok := v.(bool)
	return b, ok
}

// asFloat unwraps {value, units} wrappers and coerces JSON numbers.
func asFloat(v any) (float64, bool) {
	if m, ok := v.(map[string]any); ok {
		v = m["value"]
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// deepCopyValue clones a JSON-shaped value.
func deepCopyValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		cloned := make(map[string]any, len(v))
		for k, val := range v {
			cloned[k] = deepCopyValue(val)
		}
		return cloned
	case []any:
		cloned := make([]any, len(v))
		for i, val := range v {
			cloned[i] = deepCopyValue(val)
		}
		return cloned
	default:
		return v
	}
}

// DeepCopyTree clones a whole tree.
func DeepCopyTree(tree Tree) Tree {
	if tree == nil {
		return Tree{}
	}
	return deepCopyValue(tree).(map[string]any)
}

// scrubValue recursively replaces NaN and Inf with nil so JSON encoding
// never fails on sensor glitches.
func scrubValue(data any) any {
	switch v := data.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil
		}
		return v
	case float32:
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil
		}
		return v
	case map[string]any:
		scrubbed := make(map[string]any, len(v))
		for k, val := range v {
			scrubbed[k] = scrubValue(val)
		}
		return scrubbed
	case []any:
		scrubbed := make([]any, len(v))
		for i, val := range v {
			scrubbed[i] = scrubValue(val)
		}
		return scrubbed
	default:
		return v
	}
}

// normalizeValue scrubs non-finite floats and round-trips the value through
// JSON so the stored shape matches the wire shape (float64 numbers,
// map[string]any objects, []any arrays).
func normalizeValue(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	value = scrubValue(value)
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("normalize value: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("normalize value: %w", err)
	}
	return out, nil
}
