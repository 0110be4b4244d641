// Package executor runs single pipeline steps against the shared LLM backend.
package executor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/metalagman/percept/internal/cache"
	"github.com/metalagman/percept/internal/config"
	"github.com/metalagman/percept/internal/llm"
	"github.com/metalagman/percept/internal/logging"
	"github.com/metalagman/percept/internal/metrics"
	"github.com/metalagman/percept/internal/pipeline"
)

// BackendSource hands out the shared backend for a configuration.
// llm.Registry implements it.
type BackendSource interface {
	Get(ctx context.Context, cfg config.LLMConfig) (llm.Backend, error)
}

// Static serves one fixed backend.
type Static struct {
	Backend llm.Backend
}

func (s Static) Get(context.Context, config.LLMConfig) (llm.Backend, error) {
	return s.Backend, nil
}

// Task is one structured step call.
type Task struct {
	Prompt     string
	Template   string
	Step       string
	CacheKey   string
	PromptType string
	Params     map[string]any
}

// PromptRecord is the diagnostic trace of one prompt sent (or answered from cache).
// Response is only kept with debug logging on.
type PromptRecord struct {
	Step       string    `json:"step"`
	PromptType string    `json:"prompt_type"`
	Prompt     string    `json:"prompt"`
	Response   string    `json:"response,omitempty"`
	Cached     bool      `json:"cached"`
	Outcome    string    `json:"outcome"`
	LatencyMS  int64     `json:"latency_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// Recorder collects prompt records for one run.
type Recorder struct {
	mu      sync.Mutex
	records []PromptRecord
}

func (r *Recorder) add(rec PromptRecord) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

// Records returns a copy of the collected records.
func (r *Recorder) Records() []PromptRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PromptRecord{}, r.records...)
}

// Executor performs cache lookup, backend call and result normalization.
// It never writes step results to the cache; see Store.
type Executor struct {
	cache    cache.Cache
	source   BackendSource
	cfg      config.LLMConfig
	recorder *Recorder
}

// New returns an executor.
func New(c cache.Cache, source BackendSource, cfg config.LLMConfig) *Executor {
	return &Executor{cache: c, source: source, cfg: cfg}
}

// WithRecorder returns a copy of e that records prompts into r.
func (e *Executor) WithRecorder(r *Recorder) *Executor {
	cp := *e
	cp.recorder = r
	return &cp
}

// Model returns the configured model name.
func (e *Executor) Model() string {
	return e.cfg.Model
}

// Execute runs a structured step. A cache hit is returned as is with Cached set.
func (e *Executor) Execute(ctx context.Context, t Task) llm.StepResult {
	if t.CacheKey != "" {
		if res, ok := e.Lookup(ctx, t.CacheKey); ok {
			log.Debug().Str("step", t.Step).Str("prompt_type", t.PromptType).Msg("executor: cache hit")
			metrics.StepCalls.WithLabelValues(t.PromptType, "cached").Inc()
			e.record(t.Step, t.PromptType, t.Prompt, res)
			return res
		}
	}

	req := e.request(t.Prompt, t.Template, t.Step, t.PromptType, t.Params)
	res := e.guard(ctx, req, func(b llm.Backend) llm.StepResult {
		return b.Call(ctx, req)
	})
	e.observe(t.PromptType, res)
	e.record(t.Step, t.PromptType, t.Prompt, res)
	if res.SystemError != nil || res.APIError != nil {
		log.Warn().Str("step", t.Step).Str("outcome", res.Outcome()).Msg("executor: step failed")
	}
	return res
}

// GenerateText runs a free-text step.
func (e *Executor) GenerateText(ctx context.Context, prompt, step, promptType string) llm.StepResult {
	req := e.request(prompt, "", step, promptType, nil)
	res := e.guard(ctx, req, func(b llm.Backend) llm.StepResult {
		return b.GenerateText(ctx, req)
	})
	res.Data = map[string]any{}
	if res.SystemError == nil && res.APIError == nil {
		res.ValidStructure = true
	}
	e.observe(promptType, res)
	e.record(step, promptType, prompt, res)
	return res
}

// ResolvePronouns runs the coreference call for one step.
func (e *Executor) ResolvePronouns(ctx context.Context, prompt, step string) (map[int]string, llm.StepResult) {
	promptType := pipeline.PromptTypeCoreference
	req := e.request(prompt, "", step, promptType, nil)
	var resolved map[int]string
	res := e.guard(ctx, req, func(b llm.Backend) llm.StepResult {
		var r llm.StepResult
		resolved, r = b.ResolvePronouns(ctx, req)
		return r
	})
	if resolved == nil {
		resolved = map[int]string{}
	}
	e.observe(promptType, res)
	e.record(step, promptType, prompt, res)
	return resolved, res
}

// Lookup reads a cached StepResult.
func (e *Executor) Lookup(ctx context.Context, key string) (llm.StepResult, bool) {
	if e.cache == nil {
		return llm.StepResult{}, false
	}
	hit := e.cache.Get(ctx, key)
	if !hit.Hit() {
		return llm.StepResult{}, false
	}
	var res llm.StepResult
	if err := cache.Decode(hit.Data, &res); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("executor: ignoring undecodable cache entry")
		return llm.StepResult{}, false
	}
	res.Cached = true
	return res, true
}

// Store writes a StepResult under key.
func (e *Executor) Store(ctx context.Context, key string, res llm.StepResult) error {
	if e.cache == nil {
		return nil
	}
	res.Cached = false
	tree, err := cache.Encode(res)
	if err != nil {
		return fmt.Errorf("encode step result: %w", err)
	}
	if r := e.cache.Set(ctx, key, tree); !r.Success {
		return fmt.Errorf("store step result: %s", r.Error)
	}
	return nil
}

func (e *Executor) request(prompt, template, step, promptType string, params map[string]any) llm.Request {
	merged := map[string]any{}
	for k, v := range e.cfg.Params[promptType] {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}
	return llm.Request{
		Prompt:     prompt,
		Model:      e.cfg.Model,
		Params:     merged,
		Template:   template,
		Step:       step,
		PromptType: promptType,
	}
}

// guard obtains the backend and turns init errors and panics into system errors.
func (e *Executor) guard(ctx context.Context, req llm.Request, call func(llm.Backend) llm.StepResult) (res llm.StepResult) {
	defer func() {
		if r := recover(); r != nil {
			res = llm.NewStepResult(req).SystemFailure(fmt.Sprintf("panic: %v", r))
			res.Traceback = string(debug.Stack())
		}
	}()
	b, err := e.source.Get(ctx, e.cfg)
	if err != nil {
		return llm.NewStepResult(req).SystemFailure(err.Error())
	}
	res = call(b)
	if res.Data == nil {
		res.Data = map[string]any{}
	}
	if res.ValidationErrors == nil {
		res.ValidationErrors = []string{}
	}
	return res
}

func (e *Executor) observe(promptType string, res llm.StepResult) {
	metrics.StepCalls.WithLabelValues(promptType, res.Outcome()).Inc()
	metrics.StepLatency.WithLabelValues(promptType).Observe(float64(res.LatencyMS) / 1000)
}

func (e *Executor) record(step, promptType, prompt string, res llm.StepResult) {
	rec := PromptRecord{
		Step:       step,
		PromptType: promptType,
		Prompt:     prompt,
		Cached:     res.Cached,
		Outcome:    res.Outcome(),
		LatencyMS:  res.LatencyMS,
		Timestamp:  time.Now().UTC(),
	}
	if logging.DebugEnabled() && res.RawResponse != nil {
		rec.Response = *res.RawResponse
	}
	e.recorder.add(rec)
}
