// Package fragment builds the marker-wrapped context blocks that later steps see.
package fragment

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/metalagman/percept/internal/pipeline"
)

// Stable fragment markers.
const (
	MarkerUserInput    = "USER_INPUT"
	MarkerParticipants = "PARTICIPANTS_VALID_INFORMATION"
	MarkerLegitimate   = "LEGITIMATE_PARTICIPANTS"
	MarkerBatch        = "PERCEPTUAL_CONTEXT_BATCH"
	MarkerInference    = "INFERENCE_CONTEXT"
	MarkerMotivation   = "EXPLICIT_MOTIVATION_CONTEXT"

	modulePrefix = "PERCEPTUAL_CONTEXT_"
)

// ModuleMarker returns the marker of a perception module fragment.
func ModuleMarker(module string) string {
	return modulePrefix + strings.ToUpper(module)
}

// SerialMarker returns the marker of a serial step fragment, e.g. INFERENCE_CONTEXT.
func SerialMarker(drivenBy string) string {
	return strings.ToUpper(drivenBy) + "_CONTEXT"
}

// Fragment is one context block.
type Fragment struct {
	Marker  string
	Tag     string
	Content string
}

func (f Fragment) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "### %s BEGIN\n", f.Marker)
	if f.Tag != "" {
		fmt.Fprintf(&b, "[%s]\n", f.Tag)
	}
	b.WriteString(strings.TrimRight(f.Content, "\n"))
	fmt.Fprintf(&b, "\n### %s END", f.Marker)
	return b.String()
}

// Log is the ordered set of fragments produced during a run.
type Log struct {
	mu    sync.Mutex
	items []Fragment
}

// Put appends f, or replaces the fragment with the same marker in place.
func (l *Log) Put(f Fragment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.items {
		if l.items[i].Marker == f.Marker {
			l.items[i] = f
			return
		}
	}
	l.items = append(l.items, f)
}

// Fragments returns a copy of the log in insertion order.
func (l *Log) Fragments() []Fragment {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Fragment(nil), l.items...)
}

// Select returns the fragments whose marker is allowed, in insertion order.
func (l *Log) Select(allowed []string) []Fragment {
	set := make(map[string]struct{}, len(allowed))
	for _, m := range allowed {
		set[m] = struct{}{}
	}
	var out []Fragment
	for _, f := range l.Fragments() {
		if _, ok := set[f.Marker]; ok {
			out = append(out, f)
		}
	}
	return out
}

// Visible renders the allowed fragments separated by blank lines.
func (l *Log) Visible(allowed []string) string {
	selected := l.Select(allowed)
	parts := make([]string, len(selected))
	for i, f := range selected {
		parts[i] = f.String()
	}
	return strings.Join(parts, "\n\n")
}

// Attach appends visible context to a prompt template.
func Attach(prompt, visible string) string {
	if visible == "" {
		return prompt
	}
	return prompt + "\n\n" + visible
}

// Allowed returns the markers a step may see. A non-empty sees list from the
// step descriptor replaces the default table.
func Allowed(category pipeline.Category, index int, sees []string) []string {
	if len(sees) > 0 {
		return append([]string(nil), sees...)
	}
	base := []string{MarkerUserInput, MarkerParticipants, MarkerLegitimate}
	switch category {
	case pipeline.CategoryParallel:
		return base
	case pipeline.CategorySerial:
		allowed := append(base, MarkerBatch)
		if index >= 1 {
			allowed = append(allowed, MarkerInference)
		}
		if index >= 2 {
			allowed = append(allowed, MarkerMotivation)
		}
		return allowed
	case pipeline.CategorySuggestion:
		return append(base, MarkerBatch, MarkerInference, MarkerMotivation)
	}
	return []string{MarkerUserInput}
}

// UserInput wraps the raw user text.
func UserInput(text string) Fragment {
	return Fragment{Marker: MarkerUserInput, Tag: "user input", Content: text}
}

var participantColumns = []string{"entity", "role", "age_band", "gender", "relation"}

// Participants renders the participants list as a table.
func Participants(participants any) Fragment {
	rows, _ := participants.([]any)
	cols := append([]string(nil), participantColumns...)
	extra := map[string]struct{}{}
	for _, r := range rows {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		for k := range m {
			if !contains(cols, k) {
				extra[k] = struct{}{}
			}
		}
	}
	extraCols := make([]string, 0, len(extra))
	for k := range extra {
		extraCols = append(extraCols, k)
	}
	sort.Strings(extraCols)
	cols = append(cols, extraCols...)

	var b strings.Builder
	b.WriteString("| " + strings.Join(cols, " | ") + " |\n")
	b.WriteString("|" + strings.Repeat(" --- |", len(cols)) + "\n")
	for _, r := range rows {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		cells := make([]string, len(cols))
		for i, c := range cols {
			cells[i] = "-"
			if v, ok := m[c]; ok && v != nil {
				if s := formatValue(v); s != "" {
					cells[i] = s
				}
			}
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
	return Fragment{Marker: MarkerParticipants, Tag: "participants", Content: b.String()}
}

// LegitimateParticipants renders the legitimate entity set as sorted bullets.
func LegitimateParticipants(entities []string) Fragment {
	sorted := append([]string(nil), entities...)
	sort.Strings(sorted)
	var b strings.Builder
	for _, e := range sorted {
		b.WriteString("- " + e + "\n")
	}
	return Fragment{Marker: MarkerLegitimate, Tag: "legitimate participants", Content: b.String()}
}

// Module renders one perception module from the context.
func Module(d pipeline.Descriptor, ctx map[string]any) (Fragment, bool) {
	content := Describe(ctx, d.Fields, "")
	if content == "" {
		return Fragment{}, false
	}
	return Fragment{Marker: ModuleMarker(d.DrivenBy), Tag: d.DrivenBy, Content: content}, true
}

// Batch concatenates every effective perception module in plan order.
func Batch(modules []pipeline.Descriptor, ctx map[string]any) (Fragment, bool) {
	var parts []string
	for _, d := range modules {
		if content := Describe(ctx, d.Fields, ""); content != "" {
			parts = append(parts, content)
		}
	}
	if len(parts) == 0 {
		return Fragment{}, false
	}
	return Fragment{Marker: MarkerBatch, Tag: "perceptual context", Content: strings.Join(parts, "\n")}, true
}

// Serial renders a serial step's output for the steps after it.
func Serial(d pipeline.Descriptor, ctx map[string]any) (Fragment, bool) {
	content := Describe(ctx, d.Fields, "")
	if content == "" {
		return Fragment{}, false
	}
	return Fragment{Marker: SerialMarker(d.DrivenBy), Tag: d.DrivenBy, Content: content}, true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
