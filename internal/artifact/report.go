package artifact

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/metalagman/percept/internal/config"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Section is one analysis module rendered in the report.
type Section struct {
	Name     string
	Summary  string
	Evidence []string
	Events   []Event
	Extra    []Pair
}

// Event is one rendered perception event.
type Event struct {
	Experiencer string
	Notation    string
	Evidence    string
	Details     []Pair
}

// Pair is a labelled value.
type Pair struct {
	Key   string
	Value string
}

type reportView struct {
	Title      string
	Content    string
	Template   string
	Model      string
	Timestamp  string
	Validity   string
	Privacy    string
	Suggestion string
	Sections   []Section
}

// Renderer renders final records into HTML reports.
type Renderer struct {
	writer *Writer
	tmpl   *template.Template
}

// NewRenderer parses the embedded report template.
func NewRenderer(w *Writer) (*Renderer, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/report.html")
	if err != nil {
		return nil, fmt.Errorf("parse report template: %w", err)
	}
	return &Renderer{writer: w, tmpl: tmpl}, nil
}

// Render writes reports/<title>_<hex>_<unix>.html and returns the file name.
func (r *Renderer) Render(record map[string]any, title string, names Names) (string, error) {
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, view(record, title)); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	dir := r.writer.Dir(config.DirReports)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create reports dir: %w", err)
	}
	file := names.File(title, ".html")
	if err := os.WriteFile(filepath.Join(dir, file), buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return file, nil
}

var basicKeys = map[string]struct{}{
	"id": {}, "type": {}, "schema_version": {}, "timestamp": {}, "source": {}, "meta": {}, "analysis": {},
}

func view(record map[string]any, title string) reportView {
	meta, _ := record["meta"].(map[string]any)
	source, _ := record["source"].(map[string]any)
	analysis, _ := record["analysis"].(map[string]any)
	privacy := ""
	if scope, ok := meta["privacy_scope"].(map[string]any); ok {
		privacy = text(scope["privacy_level"])
	}

	v := reportView{
		Title:      title,
		Content:    text(source["content"]),
		Template:   text(meta["template"]),
		Model:      text(meta["model"]),
		Timestamp:  text(record["timestamp"]),
		Validity:   text(meta["validity_level"]),
		Privacy:    privacy,
		Suggestion: text(analysis["suggestion"]),
	}

	keys := make([]string, 0, len(record))
	for k := range record {
		if _, skip := basicKeys[k]; !skip {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		v.Sections = append(v.Sections, section(k, record[k]))
	}
	return v
}

func section(name string, value any) Section {
	s := Section{Name: name}
	block, ok := value.(map[string]any)
	if !ok {
		s.Extra = []Pair{{Key: name, Value: text(value)}}
		return s
	}
	s.Summary = text(block["summary"])
	if items, ok := block["evidence"].([]any); ok {
		for _, item := range items {
			if t := text(item); t != "" {
				s.Evidence = append(s.Evidence, t)
			}
		}
	}
	events, _ := block["events"].([]any)
	for _, item := range events {
		ev, ok := item.(map[string]any)
		if !ok {
			continue
		}
		e := Event{
			Experiencer: text(ev["experiencer"]),
			Notation:    text(ev["semantic_notation"]),
			Evidence:    text(ev["evidence"]),
		}
		e.Details = pairs(ev, "experiencer", "semantic_notation", "evidence")
		s.Events = append(s.Events, e)
	}
	s.Extra = pairs(block, "summary", "evidence", "events")
	return s
}

func pairs(m map[string]any, skip ...string) []Pair {
	skipped := map[string]struct{}{}
	for _, k := range skip {
		skipped[k] = struct{}{}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		if _, ok := skipped[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]Pair, 0, len(keys))
	for _, k := range keys {
		if t := text(m[k]); t != "" {
			out = append(out, Pair{Key: k, Value: t})
		}
	}
	return out
}

func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := text(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	case map[string]any:
		ps := pairs(t)
		parts := make([]string, 0, len(ps))
		for _, p := range ps {
			parts = append(parts, p.Key+": "+p.Value)
		}
		return strings.Join(parts, "; ")
	case float64:
		return fmt.Sprintf("%g", t)
	}
	return fmt.Sprint(v)
}
