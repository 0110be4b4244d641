package schema

import (
	"strings"
)

var semanticNulls = map[string]struct{}{
	"未知":        {},
	"无":         {},
	"不详":        {},
	"暂无":        {},
	"null":      {},
	"none":      {},
	"n/a":       {},
	"na":        {},
	"unknown":   {},
	"undefined": {},
	"-":         {},
}

// IsSemanticNull reports whether s is blank or a placeholder such as "未知" or "n/a".
func IsSemanticNull(s string) bool {
	t := strings.ToLower(strings.TrimSpace(s))
	if t == "" {
		return true
	}
	_, ok := semanticNulls[t]
	return ok
}

// StripMetadata returns a shallow copy of data without MetaPrefix keys.
func StripMetadata(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if strings.HasPrefix(k, MetaPrefix) {
			continue
		}
		out[k] = v
	}
	return out
}

// CleanNulls returns a copy of v with null, blank, placeholder and empty
// values removed. Containers emptied by cleaning are removed as well; the
// top-level value itself becomes nil when nothing survives.
func CleanNulls(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if IsSemanticNull(t) {
			return nil
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			if c := CleanNulls(child); c != nil {
				out[k] = c
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case []any:
		out := make([]any, 0, len(t))
		for _, child := range t {
			if c := CleanNulls(child); c != nil {
				out = append(out, c)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case []string:
		out := make([]any, 0, len(t))
		for _, s := range t {
			if !IsSemanticNull(s) {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}
	return v
}

// Effective reports whether v carries content: a non-blank string, a number,
// a bool, or a container holding at least one effective value.
func Effective(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(t) != ""
	case bool:
		return true
	case map[string]any:
		for _, child := range t {
			if Effective(child) {
				return true
			}
		}
		return false
	case []any:
		for _, child := range t {
			if Effective(child) {
				return true
			}
		}
		return false
	case []string:
		for _, s := range t {
			if strings.TrimSpace(s) != "" {
				return true
			}
		}
		return false
	}
	_, isNum := number(v)
	return isNum
}

// Clone deep-copies a JSON-like tree.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = Clone(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = Clone(child)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	}
	return v
}

// CloneMap deep-copies a JSON object.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out, _ := Clone(m).(map[string]any)
	return out
}
