package run

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/metalagman/percept/internal/assemble"
	"github.com/metalagman/percept/internal/executor"
	"github.com/metalagman/percept/internal/fragment"
	"github.com/metalagman/percept/internal/llm"
	"github.com/metalagman/percept/internal/participant"
	"github.com/metalagman/percept/internal/pipeline"
)

// state is owned by the Extract goroutine. Step tasks never touch ctx;
// their outcomes are merged here in completion order.
type state struct {
	r        *Runner
	plan     *pipeline.Plan
	groups   pipeline.Groups
	req      Request
	runKey   string
	exec     *executor.Executor
	recorder *executor.Recorder
	frags    *fragment.Log
	ctx      map[string]any
	results  []llm.StepResult
	legit    participant.Set
}

type job struct {
	desc   pipeline.Descriptor
	prompt pipeline.Prompt
}

type outcome struct {
	step   job
	result llm.StepResult
	extra  []llm.StepResult
}

func newState(r *Runner, plan *pipeline.Plan, req Request, runKey string) *state {
	rec := &executor.Recorder{}
	st := &state{
		r:        r,
		plan:     plan,
		groups:   r.builder.Build(plan),
		req:      req,
		runKey:   runKey,
		exec:     r.exec.WithRecorder(rec),
		recorder: rec,
		frags:    &fragment.Log{},
		ctx: map[string]any{
			assemble.KeyUserInput: req.UserInput,
			assemble.KeyLLMModel:  r.exec.Model(),
		},
		legit: participant.Set{},
	}
	st.frags.Put(fragment.UserInput(req.UserInput))
	return st
}

func jobs(ds []pipeline.Descriptor, ps []pipeline.Prompt) []job {
	out := make([]job, len(ds))
	for i := range ds {
		out[i] = job{desc: ds[i], prompt: ps[i]}
	}
	return out
}

// preprocess runs the preprocessing group and publishes the participant fragments.
func (s *state) preprocess(ctx context.Context) error {
	err := s.group(ctx, jobs(s.plan.Preprocessing, s.groups.Preprocessing), s.structured)
	if err != nil {
		return err
	}
	participants := s.ctx[assemble.KeyParticipants]
	if items, ok := participants.([]any); ok && len(items) > 0 {
		s.frags.Put(fragment.Participants(participants))
	}
	s.legit = participant.LegitimateSet(participants)
	if len(s.legit) > 0 {
		s.frags.Put(fragment.LegitimateParticipants(s.legit.Sorted()))
	}
	return nil
}

// perceive runs the parallel steps whose pre-screening gate is open.
func (s *state) perceive(ctx context.Context) error {
	var open []job
	for _, j := range jobs(s.plan.Parallel, s.groups.Parallel) {
		if gateOpen(s.ctx, assemble.KeyPreScreening, j.desc.DrivenBy) {
			open = append(open, j)
			continue
		}
		log.Debug().Str("step", j.desc.ID).Msg("run: step gated off by pre-screening")
	}
	return s.group(ctx, open, s.perception)
}

// reason runs the serial chain when the eligibility gate is open.
func (s *state) reason(ctx context.Context) error {
	if !gateOpen(s.ctx, assemble.KeyEligibility, "eligible") {
		log.Debug().Str("template", s.plan.Template).Msg("run: serial group skipped by eligibility gate")
		return nil
	}
	if f, ok := fragment.Batch(s.plan.Parallel, s.ctx); ok {
		s.frags.Put(f)
	}
	chain := jobs(s.plan.Serial, s.groups.Serial)
	for i, j := range chain {
		s.merge(ctx, s.structured(ctx, j))
		if err := ctx.Err(); err != nil {
			return err
		}
		if i < len(chain)-1 {
			if f, ok := fragment.Serial(j.desc, s.ctx); ok {
				s.frags.Put(f)
			}
		}
	}
	return nil
}

// suggest attaches the free-text suggestion to record.analysis.
func (s *state) suggest(ctx context.Context, record map[string]any) {
	d, ok := s.plan.SuggestionFor(s.req.SuggestionType)
	if !ok {
		return
	}
	p := s.r.builder.Render(d)
	res := s.exec.GenerateText(ctx, visible(s.frags, p), d.ID, d.Type())
	s.results = append(s.results, res)
	if !res.Success || res.RawResponse == nil || strings.TrimSpace(*res.RawResponse) == "" {
		log.Warn().Str("step", d.ID).Str("outcome", res.Outcome()).Msg("run: suggestion unavailable")
		return
	}
	analysis, _ := record[assemble.KeyAnalysis].(map[string]any)
	if analysis == nil {
		analysis = map[string]any{}
		record[assemble.KeyAnalysis] = analysis
	}
	analysis["suggestion"] = strings.TrimSpace(*res.RawResponse)
}

// structured executes one step with its visible context.
func (s *state) structured(ctx context.Context, j job) outcome {
	res := s.exec.Execute(ctx, executor.Task{
		Prompt:     visible(s.frags, j.prompt),
		Template:   s.plan.Template,
		Step:       j.desc.ID,
		CacheKey:   StepKey(s.runKey, j.desc),
		PromptType: j.desc.Type(),
	})
	return outcome{step: j, result: res}
}

// perception executes a perception step and filters its events.
func (s *state) perception(ctx context.Context, j job) outcome {
	out := s.structured(ctx, j)
	if !usable(out.result) || out.result.Cached {
		return out
	}
	f := participant.Filter{Legit: s.legit, Resolver: s.exec}
	rep := f.Apply(ctx, j.desc.DrivenBy, out.result.Data, s.req.UserInput)
	if rep.Coreference != nil {
		out.extra = append(out.extra, *rep.Coreference)
	}
	return out
}

// group runs jobs concurrently under the configured semaphore and merges
// each outcome as it completes.
func (s *state) group(ctx context.Context, js []job, task func(context.Context, job) outcome) error {
	if len(js) == 0 {
		return nil
	}
	sem := semaphore.NewWeighted(int64(s.r.cfg.Concurrency.Current))
	g, gctx := errgroup.WithContext(ctx)
	done := make(chan outcome, len(js))
	for _, j := range js {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			done <- s.protect(gctx, j, task)
			return nil
		})
	}
	errc := make(chan error, 1)
	go func() {
		errc <- g.Wait()
		close(done)
	}()
	for out := range done {
		s.merge(ctx, out)
	}
	if err := <-errc; err != nil {
		return err
	}
	return ctx.Err()
}

// protect turns a panicking task into a system-error result.
func (s *state) protect(ctx context.Context, j job, task func(context.Context, job) outcome) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			res := llm.NewStepResult(llm.Request{
				Model:      s.exec.Model(),
				Template:   s.plan.Template,
				Step:       j.desc.ID,
				PromptType: j.desc.Type(),
			}).SystemFailure(fmt.Sprintf("panic: %v", r))
			res.Traceback = string(debug.Stack())
			out = outcome{step: j, result: res}
		}
	}()
	return task(ctx, j)
}

// merge applies a finished step to the run: results, context, step cache and fragments.
func (s *state) merge(ctx context.Context, out outcome) {
	s.results = append(s.results, out.result)
	s.results = append(s.results, out.extra...)
	if !usable(out.result) {
		return
	}
	for k, v := range out.result.Data {
		s.ctx[k] = v
	}
	if !out.result.Cached {
		key := StepKey(s.runKey, out.step.desc)
		if err := s.exec.Store(context.WithoutCancel(ctx), key, out.result); err != nil {
			log.Warn().Err(err).Str("step", out.step.desc.ID).Msg("run: step result not cached")
		}
	}
	if out.step.desc.Category == pipeline.CategoryParallel {
		if f, ok := fragment.Module(out.step.desc, s.ctx); ok {
			s.frags.Put(f)
		}
	}
}

// usable reports whether a step's data may enter the context.
func usable(res llm.StepResult) bool {
	return res.Success && res.ValidStructure && res.SystemError == nil && res.APIError == nil
}

func gateOpen(ctx map[string]any, key, field string) bool {
	gate, ok := ctx[key].(map[string]any)
	if !ok {
		return false
	}
	open, ok := gate[field].(bool)
	return ok && open
}
