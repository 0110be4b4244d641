package fragment

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/metalagman/percept/internal/pipeline"
	"github.com/metalagman/percept/internal/schema"
)

// Describe renders the context values named by fields as an outline:
//
//	## <top field description>
//	  - <sub field description><value>
//
// List values are joined with ", ", list-of-dict items become one sub-bullet
// each, and empty values are left out. prefix is prepended to every line.
func Describe(ctx map[string]any, fields []pipeline.Field, prefix string) string {
	var b strings.Builder
	for _, f := range fields {
		v := ctx[f.Name]
		if !schema.Effective(v) {
			continue
		}
		b.WriteString(prefix + "## " + title(f) + "\n")
		if m, ok := v.(map[string]any); ok && len(f.Fields) > 0 {
			for _, sub := range f.Fields {
				writeField(&b, prefix, sub, m[sub.Name], 1)
			}
			continue
		}
		writeField(&b, prefix, pipeline.Field{Name: f.Name, Type: f.Type, Items: f.Items}, v, 1)
	}
	return b.String()
}

func writeField(b *strings.Builder, prefix string, f pipeline.Field, v any, depth int) {
	if !schema.Effective(v) {
		return
	}
	pad := prefix + strings.Repeat("  ", depth)
	switch t := v.(type) {
	case []any:
		if f.Items != nil && len(f.Items.Fields) > 0 {
			b.WriteString(pad + "- " + label(f) + "\n")
			for _, item := range t {
				m, ok := item.(map[string]any)
				if !ok {
					if schema.Effective(item) {
						b.WriteString(pad + "  - " + formatValue(item) + "\n")
					}
					continue
				}
				if line := inline(f.Items.Fields, m); line != "" {
					b.WriteString(pad + "  - " + line + "\n")
				}
			}
			return
		}
		b.WriteString(pad + "- " + label(f) + joinList(t) + "\n")
	case map[string]any:
		if len(f.Fields) == 0 {
			b.WriteString(pad + "- " + label(f) + formatValue(t) + "\n")
			return
		}
		b.WriteString(pad + "- " + label(f) + "\n")
		for _, sub := range f.Fields {
			writeField(b, prefix, sub, t[sub.Name], depth+1)
		}
	default:
		b.WriteString(pad + "- " + label(f) + formatValue(t) + "\n")
	}
}

// inline renders one list-of-dict item on a single line.
func inline(fields []pipeline.Field, m map[string]any) string {
	var parts []string
	for _, f := range fields {
		v := m[f.Name]
		if !schema.Effective(v) {
			continue
		}
		if list, ok := v.([]any); ok {
			parts = append(parts, label(f)+joinList(list))
			continue
		}
		parts = append(parts, label(f)+formatValue(v))
	}
	return strings.Join(parts, "; ")
}

func title(f pipeline.Field) string {
	if d := strings.TrimRight(strings.TrimSpace(f.Description), ": "); d != "" {
		return d
	}
	return f.Name
}

func label(f pipeline.Field) string {
	if f.Description != "" {
		return f.Description
	}
	if f.Name == "" {
		return ""
	}
	return f.Name + ": "
}

func joinList(items []any) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		if schema.Effective(item) {
			parts = append(parts, formatValue(item))
		}
	}
	return strings.Join(parts, ", ")
}

func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case nil:
		return ""
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return ""
	}
	return strings.TrimRight(buf.String(), "\n")
}
