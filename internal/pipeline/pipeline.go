// Package pipeline compiles declarative step definitions into execution plans and prompts.
package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/metalagman/percept/internal/schema"
)

var (
	// ErrUnknownTemplate is returned when no definition exists for a template name.
	ErrUnknownTemplate = errors.New("unknown template")
	// ErrUnknownCategory is returned for a step whose category is not recognized.
	ErrUnknownCategory = errors.New("unknown step category")
)

// Category is the stage a step belongs to.
type Category string

// Step categories in execution order.
const (
	CategoryPreprocessing Category = "preprocessing"
	CategoryParallel      Category = "parallel"
	CategorySerial        Category = "serial"
	CategorySuggestion    Category = "suggestion"
)

// PromptTypeCoreference labels the coreference call in params and diagnostics.
const PromptTypeCoreference = "coreference"

// Field is a node of a step's output schema.
type Field struct {
	Name        string      `yaml:"name"`
	Type        schema.Type `yaml:"type"`
	Required    bool        `yaml:"required"`
	Description string      `yaml:"description"`
	Validator   string      `yaml:"validator"`
	Items       *Field      `yaml:"items"`
	Fields      []Field     `yaml:"fields"`
}

// Descriptor defines one pipeline step. Descriptors are not modified after Compile.
type Descriptor struct {
	ID             string   `yaml:"id"`
	Category       Category `yaml:"category"`
	Index          int      `yaml:"index"`
	DrivenBy       string   `yaml:"driven_by"`
	PromptType     string   `yaml:"prompt_type"`
	SuggestionType string   `yaml:"suggestion_type"`
	Role           string   `yaml:"role"`
	Principles     []string `yaml:"principles"`
	Rules          string   `yaml:"rules"`
	Fields         []Field  `yaml:"fields"`
	OutputPrefix   string   `yaml:"output_prefix"`
	OutputSuffix   string   `yaml:"output_suffix"`
	Fallback       string   `yaml:"fallback"`
	Sees           []string `yaml:"sees"`
}

// Type returns the prompt type used for parameter lookup and diagnostics.
func (d Descriptor) Type() string {
	if d.PromptType != "" {
		return d.PromptType
	}
	return string(d.Category)
}

// Levels names the modules checked by the validity tiers.
type Levels struct {
	Perceptual        []string `yaml:"perceptual"`
	Inference         string   `yaml:"inference"`
	Motivation        string   `yaml:"motivation"`
	Advice            string   `yaml:"advice"`
	AdviceSubstantive []string `yaml:"advice_substantive"`
}

// Definition is the declarative pipeline for one template.
type Definition struct {
	Template    string       `yaml:"template"`
	Description string       `yaml:"description"`
	Levels      Levels       `yaml:"levels"`
	Steps       []Descriptor `yaml:"steps"`
}

// Plan is the ordered partition of a definition's steps.
type Plan struct {
	Template      string
	Description   string
	Levels        Levels
	Preprocessing []Descriptor
	Parallel      []Descriptor
	Serial        []Descriptor
	Suggestion    []Descriptor
}

// Steps returns every step in execution order.
func (p *Plan) Steps() []Descriptor {
	out := make([]Descriptor, 0, len(p.Preprocessing)+len(p.Parallel)+len(p.Serial)+len(p.Suggestion))
	out = append(out, p.Preprocessing...)
	out = append(out, p.Parallel...)
	out = append(out, p.Serial...)
	return append(out, p.Suggestion...)
}

// Step looks a step up by id.
func (p *Plan) Step(id string) (Descriptor, bool) {
	for _, d := range p.Steps() {
		if d.ID == id {
			return d, true
		}
	}
	return Descriptor{}, false
}

// SuggestionFor returns the suggestion step for a suggestion type, falling
// back to the first suggestion step.
func (p *Plan) SuggestionFor(suggestionType string) (Descriptor, bool) {
	for _, d := range p.Suggestion {
		if d.SuggestionType == suggestionType {
			return d, true
		}
	}
	if len(p.Suggestion) > 0 {
		return p.Suggestion[0], true
	}
	return Descriptor{}, false
}

// Compile validates a definition and partitions its steps by category,
// each group sorted by index.
func Compile(def Definition) (*Plan, error) {
	if strings.TrimSpace(def.Template) == "" {
		return nil, fmt.Errorf("compile pipeline: template name is required")
	}
	plan := &Plan{Template: def.Template, Description: def.Description, Levels: def.Levels}
	seen := map[string]bool{}
	for _, d := range def.Steps {
		if d.ID == "" {
			return nil, fmt.Errorf("compile pipeline %s: step without id", def.Template)
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("compile pipeline %s: duplicate step id %q", def.Template, d.ID)
		}
		seen[d.ID] = true
		if d.DrivenBy == "" && d.Category != CategorySuggestion {
			return nil, fmt.Errorf("compile pipeline %s: step %q has no driven_by", def.Template, d.ID)
		}
		if err := checkFields(d.Fields, d.ID); err != nil {
			return nil, fmt.Errorf("compile pipeline %s: %w", def.Template, err)
		}
		switch d.Category {
		case CategoryPreprocessing:
			plan.Preprocessing = append(plan.Preprocessing, d)
		case CategoryParallel:
			plan.Parallel = append(plan.Parallel, d)
		case CategorySerial:
			plan.Serial = append(plan.Serial, d)
		case CategorySuggestion:
			plan.Suggestion = append(plan.Suggestion, d)
		default:
			return nil, fmt.Errorf("compile pipeline %s: step %q: %w %q", def.Template, d.ID, ErrUnknownCategory, d.Category)
		}
	}
	for _, group := range [][]Descriptor{plan.Preprocessing, plan.Parallel, plan.Serial, plan.Suggestion} {
		sort.SliceStable(group, func(i, j int) bool { return group[i].Index < group[j].Index })
	}
	plan.Levels = resolveLevels(plan)
	return plan, nil
}

func checkFields(fields []Field, stepID string) error {
	for _, f := range fields {
		if f.Name == "" {
			return fmt.Errorf("step %q: field without name", stepID)
		}
		if !f.Type.Known() {
			return fmt.Errorf("step %q: field %q has unknown type %q", stepID, f.Name, f.Type)
		}
		if f.Validator != "" && !schema.KnownValidator(f.Validator) {
			return fmt.Errorf("step %q: field %q has unknown validator %q", stepID, f.Name, f.Validator)
		}
		if err := checkFields(f.Fields, stepID); err != nil {
			return err
		}
		if f.Items != nil {
			item := *f.Items
			if item.Name == "" {
				item.Name = f.Name + "[]"
			}
			if err := checkFields([]Field{item}, stepID); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveLevels fills unset level names from the plan shape: every parallel
// module is perceptual and the serial chain is inference, motivation, advice.
func resolveLevels(p *Plan) Levels {
	lv := p.Levels
	if len(lv.Perceptual) == 0 {
		for _, d := range p.Parallel {
			lv.Perceptual = append(lv.Perceptual, d.DrivenBy)
		}
	}
	serial := func(i int) string {
		if i < len(p.Serial) {
			return p.Serial[i].DrivenBy
		}
		return ""
	}
	if lv.Inference == "" {
		lv.Inference = serial(0)
	}
	if lv.Motivation == "" {
		lv.Motivation = serial(1)
	}
	if lv.Advice == "" {
		lv.Advice = serial(2)
	}
	return lv
}
