package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/percept/internal/schema"
)

func loadRaw(t *testing.T) *Plan {
	t.Helper()
	cat, err := LoadCatalog("")
	require.NoError(t, err)
	plan, err := cat.Plan("raw")
	require.NoError(t, err)
	return plan
}

func TestLoadCatalog_EmbeddedRawPlan(t *testing.T) {
	t.Parallel()

	plan := loadRaw(t)

	ids := func(ds []Descriptor) []string {
		out := make([]string, 0, len(ds))
		for _, d := range ds {
			out = append(out, d.ID)
		}
		return out
	}
	assert.Equal(t, []string{"participants", "pre_screening", "eligibility"}, ids(plan.Preprocessing))
	assert.Equal(t, []string{"visual", "auditory", "olfactory", "gustatory", "tactile", "interoceptive", "cognitive", "emotional"}, ids(plan.Parallel))
	assert.Equal(t, []string{"inference", "explicit_motivation", "rational_advice"}, ids(plan.Serial))
	assert.Equal(t, []string{"suggestion_default", "suggestion_professional"}, ids(plan.Suggestion))

	assert.Equal(t, "rational_advice", plan.Levels.Advice)
	assert.Contains(t, plan.Levels.AdviceSubstantive, "suggestions")
	assert.Len(t, plan.Levels.Perceptual, 8)

	d, ok := plan.SuggestionFor("professional")
	require.True(t, ok)
	assert.Equal(t, "suggestion_professional", d.ID)
	d, ok = plan.SuggestionFor("unknown")
	require.True(t, ok)
	assert.Equal(t, "suggestion_default", d.ID)
}

func TestCatalog_UnknownTemplate(t *testing.T) {
	t.Parallel()

	cat, err := LoadCatalog("")
	require.NoError(t, err)
	_, err = cat.Plan("nope")
	require.ErrorIs(t, err, ErrUnknownTemplate)
	assert.Equal(t, []string{"raw"}, cat.Templates())
}

func TestLoadCatalog_DirectoryOverride(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mini.yaml"), []byte(`
steps:
  - id: participants
    category: preprocessing
    index: 0
    driven_by: participants
    fields:
      - name: participants
        type: list
        items: { type: dict, fields: [{ name: entity, type: string, required: true }] }
`), 0o644))

	cat, err := LoadCatalog(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"mini", "raw"}, cat.Templates())
}

func TestParseDefinition_RejectsSchemaViolations(t *testing.T) {
	t.Parallel()

	_, err := ParseDefinition([]byte(`steps: [{id: a, category: parallel, index: -1, bogus: true}]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "definition schema validation failed")
}

func TestCompile_Errors(t *testing.T) {
	t.Parallel()

	_, err := Compile(Definition{Template: "t", Steps: []Descriptor{{ID: "a", Category: "batch", DrivenBy: "a"}}})
	require.True(t, errors.Is(err, ErrUnknownCategory))

	_, err = Compile(Definition{Template: "t", Steps: []Descriptor{
		{ID: "a", Category: CategoryParallel, DrivenBy: "a"},
		{ID: "a", Category: CategoryParallel, DrivenBy: "b"},
	}})
	require.ErrorContains(t, err, "duplicate step id")

	_, err = Compile(Definition{Template: "t", Steps: []Descriptor{
		{ID: "a", Category: CategoryParallel, DrivenBy: "a", Fields: []Field{{Name: "x", Type: "matrix"}}},
	}})
	require.ErrorContains(t, err, "unknown type")

	_, err = Compile(Definition{Template: "t", Steps: []Descriptor{
		{ID: "a", Category: CategoryParallel, DrivenBy: "a", Fields: []Field{{Name: "x", Type: schema.TypeFloat, Validator: "fuzzy"}}},
	}})
	require.ErrorContains(t, err, "unknown validator")
}

func TestCompile_SortsByIndex(t *testing.T) {
	t.Parallel()

	plan, err := Compile(Definition{Template: "t", Steps: []Descriptor{
		{ID: "b", Category: CategorySerial, Index: 1, DrivenBy: "b"},
		{ID: "a", Category: CategorySerial, Index: 0, DrivenBy: "a"},
	}})
	require.NoError(t, err)
	require.Len(t, plan.Serial, 2)
	assert.Equal(t, "a", plan.Serial[0].ID)
	assert.Equal(t, "a", plan.Levels.Inference)
	assert.Equal(t, "b", plan.Levels.Motivation)
	assert.Empty(t, plan.Levels.Advice)
}

func TestSchemaRules_FlattensWildcards(t *testing.T) {
	t.Parallel()

	plan := loadRaw(t)
	d, ok := plan.Step("visual")
	require.True(t, ok)

	paths := map[string]schema.Rule{}
	for _, r := range d.SchemaRules() {
		paths[r.Path] = r
	}
	require.Contains(t, paths, "visual.events.*.experiencer")
	assert.True(t, paths["visual.events.*.experiencer"].Required)
	assert.Equal(t, schema.TypeString, paths["visual.evidence.*"].Type)
	assert.Equal(t, schema.TypeList, paths["visual.events"].Type)

	reg := schema.NewRegistry()
	RegisterRules(reg, plan)
	res := reg.Validate("raw", "visual", map[string]any{"visual": map[string]any{
		"summary":  "saw flowers",
		"evidence": "flowers",
		"events":   map[string]any{"experiencer": "A", "evidence": []any{"flowers"}, "semantic_notation": "see(A, flowers)"},
	}})
	assert.True(t, res.IsValid, "errors: %v", res.Errors)
}

func TestBuilder_RenderOrder(t *testing.T) {
	t.Parallel()

	d := Descriptor{
		ID:           "visual",
		Category:     CategoryParallel,
		DrivenBy:     "visual",
		Role:         "ROLE",
		Principles:   []string{"STEP PRINCIPLE"},
		Rules:        "RULES",
		OutputPrefix: "PREFIX",
		Fallback:     "FALLBACK",
		OutputSuffix: "SUFFIX",
		Fields: []Field{{Name: "visual", Type: schema.TypeDict, Fields: []Field{
			{Name: "summary", Type: schema.TypeString, Required: true, Description: "summary: "},
			{Name: "events", Type: schema.TypeList, Items: &Field{Type: schema.TypeDict, Fields: []Field{
				{Name: "experiencer", Type: schema.TypeString},
				{Name: "intensity", Type: schema.TypeFloat},
			}}},
		}}},
	}

	p := Builder{}.Render(d)
	order := []string{"ROLE", "Output a single JSON object", "STEP PRINCIPLE", "RULES", "PREFIX", `"visual": {`, "FALLBACK", "SUFFIX"}
	last := -1
	for _, marker := range order {
		idx := strings.Index(p.Text, marker)
		require.GreaterOrEqual(t, idx, 0, "missing %q", marker)
		assert.Greater(t, idx, last, "%q out of order", marker)
		last = idx
	}
	assert.Equal(t, "parallel", p.PromptType)
	assert.NotContains(t, p.Text, "{{")

	want := `{
  "visual": {
    "summary": "summary (required)",
    "events": [
      {
        "experiencer": "string",
        "intensity": 0.0
      }
    ]
  }
}`
	assert.Equal(t, want, Skeleton(d.Fields))
}

func TestBuilder_BuildGroups(t *testing.T) {
	t.Parallel()

	groups := Builder{}.Build(loadRaw(t))
	assert.Len(t, groups.Preprocessing, 3)
	assert.Len(t, groups.Parallel, 8)
	assert.Len(t, groups.Serial, 3)
	assert.Len(t, groups.Suggestion, 2)
	assert.Len(t, groups.All(), 16)

	sugg := groups.Suggestion[0]
	assert.NotContains(t, sugg.Text, "JSON object and nothing else")
	assert.Equal(t, "default", sugg.SuggestionType)
}

func TestCoreferencePrompt(t *testing.T) {
	t.Parallel()

	text := CoreferencePrompt("A met B. He smiled.", []string{"B", "A"}, map[int]string{3: "她", 1: "他"})
	assert.Contains(t, text, "- A\n- B\n")
	assert.Contains(t, text, "1 -> \"他\"\n3 -> \"她\"\n")
	assert.Contains(t, text, "A met B. He smiled.")
}
