package fragment

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/percept/internal/pipeline"
	"github.com/metalagman/percept/internal/schema"
)

func visualFields() []pipeline.Field {
	return []pipeline.Field{{
		Name: "visual", Type: schema.TypeDict, Description: "visual perception",
		Fields: []pipeline.Field{
			{Name: "summary", Type: schema.TypeString, Description: "summary: "},
			{Name: "evidence", Type: schema.TypeList, Description: "evidence: ", Items: &pipeline.Field{Type: schema.TypeString}},
			{Name: "events", Type: schema.TypeList, Description: "events", Items: &pipeline.Field{Type: schema.TypeDict, Fields: []pipeline.Field{
				{Name: "experiencer", Type: schema.TypeString, Description: "who: "},
				{Name: "evidence", Type: schema.TypeList, Description: "evidence: "},
				{Name: "intensity", Type: schema.TypeFloat, Description: "intensity: "},
			}}},
		},
	}}
}

func TestFragmentString(t *testing.T) {
	t.Parallel()

	f := Fragment{Marker: "M", Tag: "tag", Content: "body\n"}
	assert.Equal(t, "### M BEGIN\n[tag]\nbody\n### M END", f.String())
	assert.Equal(t, "### M BEGIN\nbody\n### M END", Fragment{Marker: "M", Content: "body"}.String())
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	ctx := map[string]any{
		"visual": map[string]any{
			"summary":  "saw flowers",
			"evidence": []any{"red flowers", "", "a bench"},
			"events": []any{
				map[string]any{"experiencer": "张三", "evidence": []any{"red flowers"}, "intensity": 0.5},
				map[string]any{"experiencer": ""},
			},
		},
	}

	got := Describe(ctx, visualFields(), "")
	want := "## visual perception\n" +
		"  - summary: saw flowers\n" +
		"  - evidence: red flowers, a bench\n" +
		"  - events\n" +
		"    - who: 张三; evidence: red flowers; intensity: 0.5\n"
	assert.Equal(t, want, got)

	assert.Empty(t, Describe(map[string]any{"visual": map[string]any{"summary": " "}}, visualFields(), ""))
	assert.True(t, strings.HasPrefix(Describe(ctx, visualFields(), "> "), "> ## visual perception\n>   - summary"))
}

func TestVisibleMatchesAllowedSubsetInOrder(t *testing.T) {
	t.Parallel()

	var log Log
	log.Put(UserInput("text"))
	log.Put(Participants([]any{map[string]any{"entity": "A"}}))
	log.Put(LegitimateParticipants([]string{"A"}))
	log.Put(Fragment{Marker: ModuleMarker("visual"), Content: "v"})
	log.Put(Fragment{Marker: MarkerBatch, Content: "batch"})
	log.Put(Fragment{Marker: MarkerInference, Content: "inf"})
	log.Put(Fragment{Marker: MarkerMotivation, Content: "mot"})

	for idx := range 3 {
		allowed := Allowed(pipeline.CategorySerial, idx, nil)
		var want []string
		for _, f := range log.Fragments() {
			for _, m := range allowed {
				if f.Marker == m {
					want = append(want, f.String())
				}
			}
		}
		assert.Equal(t, strings.Join(want, "\n\n"), log.Visible(allowed), "serial %d", idx)
	}

	parallel := log.Visible(Allowed(pipeline.CategoryParallel, 4, nil))
	assert.Contains(t, parallel, "### USER_INPUT BEGIN")
	assert.NotContains(t, parallel, MarkerBatch)
	assert.NotContains(t, parallel, "PERCEPTUAL_CONTEXT_VISUAL")

	serial0 := log.Visible(Allowed(pipeline.CategorySerial, 0, nil))
	assert.Contains(t, serial0, MarkerBatch)
	assert.NotContains(t, serial0, MarkerInference)

	serial2 := log.Visible(Allowed(pipeline.CategorySerial, 2, nil))
	assert.Less(t, strings.Index(serial2, MarkerInference), strings.Index(serial2, MarkerMotivation))

	assert.Equal(t, []string{"X"}, Allowed(pipeline.CategoryParallel, 0, []string{"X"}))
	assert.Equal(t, []string{MarkerUserInput}, Allowed(pipeline.CategoryPreprocessing, 0, nil))
	assert.Contains(t, Allowed(pipeline.CategorySuggestion, 0, nil), MarkerMotivation)
}

func TestLogPutReplacesInPlace(t *testing.T) {
	t.Parallel()

	var log Log
	log.Put(Fragment{Marker: "A", Content: "1"})
	log.Put(Fragment{Marker: "B", Content: "2"})
	log.Put(Fragment{Marker: "A", Content: "3"})

	frags := log.Fragments()
	require.Len(t, frags, 2)
	assert.Equal(t, "3", frags[0].Content)
}

func TestLogConcurrentPut(t *testing.T) {
	t.Parallel()

	var log Log
	var wg sync.WaitGroup
	for _, m := range []string{"visual", "auditory", "tactile", "emotional"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Put(Fragment{Marker: ModuleMarker(m), Content: m})
		}()
	}
	wg.Wait()
	assert.Len(t, log.Fragments(), 4)
}

func TestParticipantsAndLegitimate(t *testing.T) {
	t.Parallel()

	f := Participants([]any{
		map[string]any{"entity": "张三", "role": "narrator", "mood": "calm"},
		map[string]any{"entity": "李四"},
	})
	assert.Equal(t, MarkerParticipants, f.Marker)
	assert.Contains(t, f.Content, "| entity | role | age_band | gender | relation | mood |")
	assert.Contains(t, f.Content, "| 张三 | narrator | - | - | - | calm |")
	assert.Contains(t, f.Content, "| 李四 | - | - | - | - | - |")

	l := LegitimateParticipants([]string{"B", "A"})
	assert.Equal(t, "- A\n- B\n", l.Content)
}

func TestBatchAndSerial(t *testing.T) {
	t.Parallel()

	modules := []pipeline.Descriptor{
		{ID: "visual", DrivenBy: "visual", Fields: visualFields()},
		{ID: "auditory", DrivenBy: "auditory", Fields: []pipeline.Field{{Name: "auditory", Type: schema.TypeDict, Fields: []pipeline.Field{{Name: "summary"}}}}},
	}
	ctx := map[string]any{"visual": map[string]any{"summary": "s"}}

	batch, ok := Batch(modules, ctx)
	require.True(t, ok)
	assert.Equal(t, MarkerBatch, batch.Marker)
	assert.Contains(t, batch.Content, "visual perception")
	assert.NotContains(t, batch.Content, "auditory")

	_, ok = Batch(modules, map[string]any{})
	assert.False(t, ok)

	inf := pipeline.Descriptor{ID: "inference", DrivenBy: "inference", Fields: []pipeline.Field{{Name: "inference", Type: schema.TypeDict, Fields: []pipeline.Field{{Name: "summary"}}}}}
	frag, ok := Serial(inf, map[string]any{"inference": map[string]any{"summary": "x"}})
	require.True(t, ok)
	assert.Equal(t, MarkerInference, frag.Marker)
	assert.Contains(t, frag.Content, "summary: x")
}
