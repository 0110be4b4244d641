package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// Wildcard iterates a list inside a rule path.
const Wildcard = "*"

// PathValue is one concrete path produced by ExpandWildcardPaths.
type PathValue struct {
	Path  string
	Value any
	Found bool
}

// DeepGet walks a dot path. A "*" segment fans out over a list and the
// result becomes a list of the values found below it.
func DeepGet(data any, path string) (any, bool) {
	if path == "" {
		return data, data != nil
	}
	segs := strings.Split(path, ".")
	if !strings.Contains(path, Wildcard) {
		return walk(data, segs)
	}
	var out []any
	for _, pv := range ExpandWildcardPaths(data, path) {
		if pv.Found {
			out = append(out, pv.Value)
		}
	}
	return out, len(out) > 0
}

// ExpandWildcardPaths resolves every "*" against the data and returns the
// concrete paths with their values. Missing leaves are reported with
// Found=false; a missing or empty list under a wildcard yields nothing.
// A non-list value at a wildcard position is treated as a one-element list.
func ExpandWildcardPaths(data any, path string) []PathValue {
	var out []PathValue
	expand(data, strings.Split(path, "."), nil, &out)
	return out
}

func expand(node any, segs, prefix []string, out *[]PathValue) {
	if len(segs) == 0 {
		*out = append(*out, PathValue{Path: strings.Join(prefix, "."), Value: node, Found: node != nil})
		return
	}
	seg := segs[0]
	if seg == Wildcard {
		if node == nil {
			return
		}
		items, ok := node.([]any)
		if !ok {
			items = []any{node}
		}
		for i, item := range items {
			expand(item, segs[1:], appendSeg(prefix, strconv.Itoa(i)), out)
		}
		return
	}
	var child any
	if m, ok := node.(map[string]any); ok {
		child = m[seg]
	}
	if child == nil && len(segs) > 1 {
		if containsWildcard(segs[1:]) {
			return
		}
		*out = append(*out, PathValue{Path: strings.Join(append(appendSeg(prefix, seg), segs[1:]...), ".")})
		return
	}
	expand(child, segs[1:], appendSeg(prefix, seg), out)
}

func containsWildcard(segs []string) bool {
	for _, s := range segs {
		if s == Wildcard {
			return true
		}
	}
	return false
}

func appendSeg(prefix []string, seg string) []string {
	out := make([]string, len(prefix), len(prefix)+1)
	copy(out, prefix)
	return append(out, seg)
}

func walk(node any, segs []string) (any, bool) {
	for _, seg := range segs {
		switch t := node.(type) {
		case map[string]any:
			v, ok := t[seg]
			if !ok {
				return nil, false
			}
			node = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(t) {
				return nil, false
			}
			node = t[idx]
		default:
			return nil, false
		}
	}
	return node, node != nil
}

// SetPath writes value at a concrete dot path, creating intermediate maps.
// Numeric segments index lists; index 0 on a non-list wraps it first.
func SetPath(data map[string]any, path string, value any) error {
	if path == "" {
		return fmt.Errorf("set path: empty path")
	}
	_, err := setIn(data, strings.Split(path, "."), value)
	return err
}

func setIn(node any, segs []string, value any) (any, error) {
	if len(segs) == 0 {
		return value, nil
	}
	seg := segs[0]
	if idx, err := strconv.Atoi(seg); err == nil {
		list, ok := node.([]any)
		if !ok {
			if idx != 0 || node == nil {
				return nil, fmt.Errorf("set path: segment %q indexes a non-list", seg)
			}
			list = []any{node}
		}
		if idx < 0 || idx >= len(list) {
			return nil, fmt.Errorf("set path: index %d out of range", idx)
		}
		v, err := setIn(list[idx], segs[1:], value)
		if err != nil {
			return nil, err
		}
		list[idx] = v
		return list, nil
	}

	m, ok := node.(map[string]any)
	if !ok {
		if node != nil {
			return nil, fmt.Errorf("set path: segment %q on a non-dict", seg)
		}
		m = map[string]any{}
	}
	v, err := setIn(m[seg], segs[1:], value)
	if err != nil {
		return nil, err
	}
	m[seg] = v
	return m, nil
}
