package canon

import (
	"fmt"
	"strconv"
	"strings"
)

// SplitPath splits a dotted field path into segments.
func SplitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// GetPath resolves a dotted path against v. Numeric segments index arrays.
func GetPath(v any, path string) (any, bool) {
	cur := v
	for _, seg := range SplitPath(path) {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// SetPath assigns value at a dotted path inside m, creating intermediate
// objects as needed. It fails when an intermediate segment holds a scalar.
func SetPath(m map[string]any, path string, value any) error {
	segs := SplitPath(path)
	if len(segs) == 0 {
		return fmt.Errorf("empty path")
	}

	cur := m
	for i, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg]
		if !ok || next == nil {
			child := map[string]any{}
			cur[seg] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("path %q: segment %q holds %T, not an object",
				path, strings.Join(segs[:i+1], "."), next)
		}
		cur = child
	}
	cur[segs[len(segs)-1]] = value
	return nil
}

// DeletePath removes the key addressed by path. Missing paths are ignored.
func DeletePath(m map[string]any, path string) {
	segs := SplitPath(path)
	if len(segs) == 0 {
		return
	}
	cur := m
	for _, seg := range segs[:len(segs)-1] {
		child, ok := cur[seg].(map[string]any)
		if !ok {
			return
		}
		cur = child
	}
	delete(cur, segs[len(segs)-1])
}

// Project copies the listed fields of data into a new object, keeping the
// nested shape: Project({"a":{"b":1,"c":2}}, ["a.b"]) is {"a":{"b":1}}.
// Fields absent from data are absent from the result.
func Project(data map[string]any, fields []string) map[string]any {
	out := map[string]any{}
	for _, f := range fields {
		v, ok := GetPath(data, f)
		if !ok {
			continue
		}
		// Conflicting projections ("a" and "a.b") keep the wider one.
		_ = SetPath(out, f, Clone(v))
	}
	return out
}
