package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/percept/internal/cache"
	"github.com/metalagman/percept/internal/config"
	"github.com/metalagman/percept/internal/llm"
	"github.com/metalagman/percept/internal/llm/llmtest"
)

func newExecutor(t *testing.T, b llm.Backend) (*Executor, cache.Cache) {
	t.Helper()
	c, err := cache.NewMemory(16, time.Hour)
	require.NoError(t, err)
	cfg := config.LLMConfig{
		Model:  "qwen-plus",
		Params: map[string]map[string]any{"parallel": {"temperature": 0.3}},
	}
	return New(c, Static{Backend: b}, cfg), c
}

func TestExecute_CacheHitSkipsBackend(t *testing.T) {
	t.Parallel()

	fake := llmtest.New().Step("visual", map[string]any{"visual": map[string]any{"summary": "s"}})
	exec, _ := newExecutor(t, fake)
	ctx := context.Background()
	task := Task{Prompt: "p", Template: "raw", Step: "visual", CacheKey: "run:visual:0", PromptType: "parallel"}

	first := exec.Execute(ctx, task)
	require.True(t, first.Success)
	assert.False(t, first.Cached)
	assert.Equal(t, "qwen-plus", first.Model)

	miss := exec.Execute(ctx, task)
	assert.False(t, miss.Cached, "executor must not populate the cache itself")
	assert.Equal(t, 2, fake.StepCalls("visual"))

	require.NoError(t, exec.Store(ctx, task.CacheKey, first))
	hit := exec.Execute(ctx, task)
	assert.True(t, hit.Cached)
	assert.Equal(t, first.Data, hit.Data)
	assert.Equal(t, 2, fake.StepCalls("visual"))
}

type brokenSource struct{}

func (brokenSource) Get(context.Context, config.LLMConfig) (llm.Backend, error) {
	return nil, errors.New("no api key")
}

type panicBackend struct{ llm.Backend }

func (panicBackend) Call(context.Context, llm.Request) llm.StepResult { panic("boom") }

func TestExecute_FailuresBecomeSystemErrors(t *testing.T) {
	t.Parallel()

	exec := New(nil, brokenSource{}, config.LLMConfig{Model: "m"})
	res := exec.Execute(context.Background(), Task{Step: "visual", PromptType: "parallel"})
	require.NotNil(t, res.SystemError)
	assert.Equal(t, "no api key", *res.SystemError)
	assert.False(t, res.Success)
	assert.False(t, res.ValidStructure)
	assert.NotNil(t, res.Data)

	exec = New(nil, Static{Backend: panicBackend{}}, config.LLMConfig{})
	res = exec.Execute(context.Background(), Task{Step: "visual"})
	require.NotNil(t, res.SystemError)
	assert.Equal(t, "panic: boom", *res.SystemError)
	assert.NotEmpty(t, res.Traceback)
}

type paramsBackend struct {
	llm.Backend
	got map[string]any
}

func (p *paramsBackend) Call(_ context.Context, req llm.Request) llm.StepResult {
	p.got = req.Params
	res := llm.NewStepResult(req)
	res.Success, res.ValidStructure = true, true
	return res
}

func TestExecute_MergesRecommendedParams(t *testing.T) {
	t.Parallel()

	pb := &paramsBackend{}
	exec, _ := newExecutor(t, pb)
	exec.Execute(context.Background(), Task{Step: "visual", PromptType: "parallel", Params: map[string]any{"top_p": 0.9}})
	assert.Equal(t, map[string]any{"temperature": 0.3, "top_p": 0.9}, pb.got)
}

func TestSpecializedCallsAndRecorder(t *testing.T) {
	t.Parallel()

	fake := llmtest.New().Text("walk more").Pronouns(map[int]string{0: "A"})
	exec, _ := newExecutor(t, fake)
	rec := &Recorder{}
	exec = exec.WithRecorder(rec)
	ctx := context.Background()

	text := exec.GenerateText(ctx, "suggest", "suggestion_default", "suggestion")
	assert.True(t, text.ValidStructure)
	assert.Empty(t, text.Data)
	require.NotNil(t, text.RawResponse)
	assert.Equal(t, "walk more", *text.RawResponse)

	resolved, res := exec.ResolvePronouns(ctx, "who", "visual_coreference")
	assert.True(t, res.Success)
	assert.Equal(t, map[int]string{0: "A"}, resolved)

	records := rec.Records()
	require.Len(t, records, 2)
	assert.Equal(t, "suggestion_default", records[0].Step)
	assert.Equal(t, "coreference", records[1].PromptType)
	assert.Equal(t, "success", records[1].Outcome)
}
