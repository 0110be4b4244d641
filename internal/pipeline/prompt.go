package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/metalagman/percept/internal/schema"
)

// CorePrinciples is prepended to the step-specific principles of every structured prompt.
const CorePrinciples = `- Output a single JSON object and nothing else.
- Use only information stated in the user input or the provided context blocks.
- Keep the keys exactly as given in the structure below; do not add keys.
- Leave a field out instead of guessing its value.`

// Prompt is a rendered step prompt. Context fragments are appended at call time.
type Prompt struct {
	StepID         string
	DrivenBy       string
	Index          int
	Category       Category
	PromptType     string
	SuggestionType string
	Sees           []string
	Text           string
}

// Groups holds the rendered prompts of a plan, one list per stage.
type Groups struct {
	Preprocessing []Prompt
	Parallel      []Prompt
	Serial        []Prompt
	Suggestion    []Prompt
}

// All returns every prompt in stage order.
func (g Groups) All() []Prompt {
	out := make([]Prompt, 0, len(g.Preprocessing)+len(g.Parallel)+len(g.Serial)+len(g.Suggestion))
	out = append(out, g.Preprocessing...)
	out = append(out, g.Parallel...)
	out = append(out, g.Serial...)
	return append(out, g.Suggestion...)
}

// Builder renders step descriptors into prompt templates.
type Builder struct{}

// Build renders every step of the plan.
func (b Builder) Build(plan *Plan) Groups {
	render := func(ds []Descriptor) []Prompt {
		out := make([]Prompt, 0, len(ds))
		for _, d := range ds {
			out = append(out, b.Render(d))
		}
		return out
	}
	return Groups{
		Preprocessing: render(plan.Preprocessing),
		Parallel:      render(plan.Parallel),
		Serial:        render(plan.Serial),
		Suggestion:    render(plan.Suggestion),
	}
}

// Render renders one step. Sections appear in a fixed order: role, core
// principles, rules, output prefix, JSON structure, fallback, output suffix.
// Free-text suggestion steps have no core principles and no structure.
func (b Builder) Render(d Descriptor) Prompt {
	var sections []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			sections = append(sections, s)
		}
	}

	add(d.Role)
	if d.Category != CategorySuggestion {
		principles := []string{CorePrinciples}
		for _, p := range d.Principles {
			principles = append(principles, "- "+strings.TrimSpace(p))
		}
		add("Core principles:\n" + strings.Join(principles, "\n"))
	} else if len(d.Principles) > 0 {
		add("Principles:\n- " + strings.Join(d.Principles, "\n- "))
	}
	if d.Rules != "" {
		add("Rules:\n" + strings.TrimSpace(d.Rules))
	}
	add(d.OutputPrefix)
	if len(d.Fields) > 0 {
		add(Skeleton(d.Fields))
	}
	add(d.Fallback)
	add(d.OutputSuffix)

	return Prompt{
		StepID:         d.ID,
		DrivenBy:       d.DrivenBy,
		Index:          d.Index,
		Category:       d.Category,
		PromptType:     d.Type(),
		SuggestionType: d.SuggestionType,
		Sees:           d.Sees,
		Text:           strings.Join(sections, "\n\n"),
	}
}

// Skeleton renders the field tree as an example JSON object with two-space
// indentation, keeping the declared field order.
func Skeleton(fields []Field) string {
	var buf bytes.Buffer
	writeObject(&buf, fields, 0)
	return buf.String()
}

func writeObject(buf *bytes.Buffer, fields []Field, depth int) {
	if len(fields) == 0 {
		buf.WriteString("{}")
		return
	}
	buf.WriteString("{\n")
	for i, f := range fields {
		indent(buf, depth+1)
		buf.WriteString(quote(f.Name))
		buf.WriteString(": ")
		writeValue(buf, f, depth+1)
		if i < len(fields)-1 {
			buf.WriteByte(',')
		}
		buf.WriteByte('\n')
	}
	indent(buf, depth)
	buf.WriteByte('}')
}

func writeValue(buf *bytes.Buffer, f Field, depth int) {
	switch f.Type {
	case schema.TypeDict:
		writeObject(buf, f.Fields, depth)
	case schema.TypeList:
		if f.Items == nil {
			buf.WriteString("[]")
			return
		}
		buf.WriteString("[\n")
		indent(buf, depth+1)
		writeValue(buf, *f.Items, depth+1)
		buf.WriteByte('\n')
		indent(buf, depth)
		buf.WriteByte(']')
	case schema.TypeInt:
		buf.WriteString("0")
	case schema.TypeFloat:
		buf.WriteString("0.0")
	case schema.TypeBool:
		buf.WriteString("false")
	default:
		if len(f.Fields) > 0 {
			writeObject(buf, f.Fields, depth)
			return
		}
		buf.WriteString(quote(placeholder(f)))
	}
}

func placeholder(f Field) string {
	desc := strings.TrimRight(strings.TrimSpace(f.Description), ": ")
	if desc == "" {
		desc = "string"
	}
	if f.Required {
		return desc + " (required)"
	}
	return desc
}

func quote(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	return strings.TrimRight(buf.String(), "\n")
}

func indent(buf *bytes.Buffer, depth int) {
	buf.WriteString(strings.Repeat("  ", depth))
}

// CoreferencePrompt asks the model to map pronoun indices to legitimate participants.
func CoreferencePrompt(userText string, legit []string, pronouns map[int]string) string {
	names := append([]string(nil), legit...)
	sort.Strings(names)
	indices := make([]int, 0, len(pronouns))
	for i := range pronouns {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	var b strings.Builder
	b.WriteString("You resolve pronouns in a narrative to the people they refer to.\n\n")
	b.WriteString("Original text:\n")
	b.WriteString(userText)
	b.WriteString("\n\nLegitimate participants:\n")
	for _, n := range names {
		fmt.Fprintf(&b, "- %s\n", n)
	}
	b.WriteString("\nPronouns to resolve (event index -> pronoun):\n")
	for _, i := range indices {
		fmt.Fprintf(&b, "%d -> %s\n", i, quote(pronouns[i]))
	}
	b.WriteString("\nReturn a JSON object whose keys are the event indices as strings and whose values are ")
	b.WriteString("names copied exactly from the legitimate participants list. Leave out any index you cannot resolve.")
	return b.String()
}
