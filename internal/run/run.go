// Package run implements the orchestrator for perception pipeline runs.
package run

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/metalagman/percept/internal/artifact"
	"github.com/metalagman/percept/internal/assemble"
	"github.com/metalagman/percept/internal/cache"
	"github.com/metalagman/percept/internal/config"
	"github.com/metalagman/percept/internal/db"
	"github.com/metalagman/percept/internal/executor"
	"github.com/metalagman/percept/internal/fragment"
	"github.com/metalagman/percept/internal/llm"
	"github.com/metalagman/percept/internal/metrics"
	"github.com/metalagman/percept/internal/pipeline"
)

// Request is one extraction.
type Request struct {
	Template       string
	UserInput      string
	SuggestionType string
	Title          string
	Vars           map[string]any
}

// Result summarizes a run. ReportURL is empty unless the run succeeded.
type Result struct {
	RunID           string
	RunKey          string
	ReportURL       string
	Cached          bool
	Validity        assemble.Validity
	DiagnosticsPath string
	RawPath         string
}

// Catalog resolves template names. pipeline.Catalog implements it.
type Catalog interface {
	Plan(template string) (*pipeline.Plan, error)
}

// Ledger keeps the run history. db.Store implements it.
type Ledger interface {
	CreateRun(ctx context.Context, runID, runKey, template string) error
	RecordSteps(ctx context.Context, runID string, steps []db.StepRecord) error
	FinishRun(ctx context.Context, runID string, f db.Finish) error
}

// Runner executes pipeline runs.
type Runner struct {
	cfg      config.Config
	catalog  Catalog
	cache    cache.Cache
	exec     *executor.Executor
	writer   *artifact.Writer
	renderer *artifact.Renderer
	ledger   Ledger
	builder  pipeline.Builder
	now      func() time.Time
}

// NewRunner constructs a Runner. The ledger may be nil.
func NewRunner(
	cfg config.Config,
	catalog Catalog,
	c cache.Cache,
	exec *executor.Executor,
	writer *artifact.Writer,
	renderer *artifact.Renderer,
	ledger Ledger,
) *Runner {
	return &Runner{
		cfg:      cfg,
		catalog:  catalog,
		cache:    c,
		exec:     exec,
		writer:   writer,
		renderer: renderer,
		ledger:   ledger,
		now:      time.Now,
	}
}

// Extract runs the pipeline of req.Template over req.UserInput.
//
// Step failures are reported through the diagnostics bundle, never as an
// error. Extract returns an error for unknown templates, artifact I/O
// failures and cancellation; a cancelled run writes no artifact.
func (r *Runner) Extract(ctx context.Context, req Request) (res Result, err error) {
	req = r.normalize(req)
	plan, err := r.catalog.Plan(req.Template)
	if err != nil {
		return Result{}, err
	}

	startedAt := r.now()
	res.RunKey = RunKey(req, r.exec.Model())
	if url, level, ok := r.cachedRun(ctx, res.RunKey); ok {
		res.ReportURL = url
		res.Cached = true
		res.Validity = assemble.Validity{Success: true, Level: level}
		log.Info().Str("template", req.Template).Str("run_key", res.RunKey).Msg("run served from cache")
		r.recordCachedRun(ctx, res, req.Template)
		return res, nil
	}

	res.RunID = uuid.NewString()
	r.ledgerCreate(ctx, res.RunID, res.RunKey, req.Template)

	st := newState(r, plan, req, res.RunKey)
	defer func() {
		status := db.StatusFailed
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			status = db.StatusCancelled
		case err == nil && res.Validity.Success && res.ReportURL != "":
			status = db.StatusSucceeded
		}
		r.ledgerFinish(ctx, res, st.results, status)
		event := log.Info().
			Str("template", req.Template).
			Str("run_key", res.RunKey).
			Str("validity_level", res.Validity.Level).
			Str("status", status).
			Dur("latency", r.now().Sub(startedAt))
		if err != nil {
			event = event.Err(err)
		}
		event.Msg("run finished")
	}()

	if err := st.preprocess(ctx); err != nil {
		return res, err
	}
	if err := st.perceive(ctx); err != nil {
		return res, err
	}
	if err := st.reason(ctx); err != nil {
		return res, err
	}

	basic := assemble.BasicData(
		assemble.Source{Content: req.UserInput, Title: req.Title, Vars: req.Vars},
		assemble.Meta{Template: req.Template, Model: r.exec.Model(), SuggestionType: req.SuggestionType},
		startedAt,
	)
	record, err := assemble.Assemble(basic, st.ctx, plan.Levels)
	if err != nil {
		return res, fmt.Errorf("assemble record: %w", err)
	}
	res.Validity = assemble.Classify(record, plan.Levels)
	assemble.SetMeta(record, "validity_level", res.Validity.Level)
	metrics.Runs.WithLabelValues(req.Template, res.Validity.Level).Inc()

	if res.Validity.Success {
		st.suggest(ctx, record)
		if err := ctx.Err(); err != nil {
			return res, err
		}
	}

	names, err := artifact.NewNames(r.now())
	if err != nil {
		return res, err
	}
	diag := assemble.BuildDiagnostics(assemble.DiagnosticsInput{
		RunKey:   res.RunKey,
		Template: req.Template,
		Model:    r.exec.Model(),
		Results:  st.results,
		Prompts:  st.recorder.Records(),
		Validity: res.Validity,
		Now:      r.now(),
	})
	if res.DiagnosticsPath, err = r.writer.WriteDiagnostics(req.Template, names, diag); err != nil {
		return res, err
	}
	if !res.Validity.Success {
		log.Warn().
			Str("template", req.Template).
			Str("run_key", res.RunKey).
			Strs("errors", res.Validity.Errors()).
			Msg("run did not reach a valid record")
		return res, nil
	}

	file, err := r.renderer.Render(record, req.Title, names)
	if err != nil {
		return res, err
	}
	url := artifact.ReportURL(file)
	assemble.SetMeta(record, "report_url", url)
	if res.RawPath, err = r.writer.WriteRaw(req.Template, names, record); err != nil {
		return res, err
	}
	res.ReportURL = url
	r.storeRun(ctx, res.RunKey, record)
	return res, nil
}

func (r *Runner) normalize(req Request) Request {
	if req.Template == "" {
		req.Template = r.cfg.Defaults.Template
	}
	if req.Title == "" {
		req.Title = r.cfg.Defaults.ReportTitle
	}
	if req.SuggestionType == "" {
		req.SuggestionType = r.cfg.Defaults.SuggestionType
	}
	return req
}

// RunKey fingerprints everything that determines a run's outcome.
func RunKey(req Request, model string) string {
	vars := make(map[string]any, len(req.Vars)+4)
	for k, v := range req.Vars {
		vars[k] = v
	}
	vars[assemble.KeyUserInput] = req.UserInput
	vars[assemble.KeyLLMModel] = model
	vars["suggestion_type"] = req.SuggestionType
	vars["title"] = req.Title
	return cache.MakeKey(req.Template, vars)
}

// StepKey is the cache key of one step of a run.
func StepKey(runKey string, d pipeline.Descriptor) string {
	return fmt.Sprintf("%s:%s:%d", runKey, d.ID, d.Index)
}

// cachedRun returns the report url and validity level of a stored run record.
func (r *Runner) cachedRun(ctx context.Context, runKey string) (url, level string, ok bool) {
	if r.cache == nil {
		return "", "", false
	}
	hit := r.cache.Get(ctx, runKey)
	if !hit.Hit() {
		return "", "", false
	}
	record, isMap := hit.Data.(map[string]any)
	if !isMap || len(record) == 0 {
		return "", "", false
	}
	meta, _ := record["meta"].(map[string]any)
	url, _ = meta["report_url"].(string)
	level, _ = meta["validity_level"].(string)
	return url, level, url != ""
}

func (r *Runner) storeRun(ctx context.Context, runKey string, record map[string]any) {
	if r.cache == nil {
		return
	}
	tree, err := cache.Encode(record)
	if err != nil {
		log.Warn().Err(err).Str("run_key", runKey).Msg("encode run record")
		return
	}
	if res := r.cache.Set(context.WithoutCancel(ctx), runKey, tree); !res.Success {
		log.Warn().Str("run_key", runKey).Str("error", res.Error).Msg("store run record")
	}
}

func (r *Runner) ledgerCreate(ctx context.Context, runID, runKey, template string) {
	if r.ledger == nil {
		return
	}
	if err := r.ledger.CreateRun(context.WithoutCancel(ctx), runID, runKey, template); err != nil {
		log.Warn().Err(err).Str("run_key", runKey).Msg("ledger: create run")
	}
}

func (r *Runner) ledgerFinish(ctx context.Context, res Result, results []llm.StepResult, status string) {
	if r.ledger == nil || res.RunID == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	steps := make([]db.StepRecord, 0, len(results))
	for _, sr := range results {
		steps = append(steps, stepRecord(sr))
	}
	if err := r.ledger.RecordSteps(ctx, res.RunID, steps); err != nil {
		log.Warn().Err(err).Str("run_key", res.RunKey).Msg("ledger: record steps")
	}
	if err := r.ledger.FinishRun(ctx, res.RunID, db.Finish{
		Status:          status,
		ValidityLevel:   res.Validity.Level,
		ReportURL:       res.ReportURL,
		DiagnosticsPath: res.DiagnosticsPath,
		RawPath:         res.RawPath,
	}); err != nil {
		log.Warn().Err(err).Str("run_key", res.RunKey).Msg("ledger: finish run")
	}
}

func (r *Runner) recordCachedRun(ctx context.Context, res Result, template string) {
	if r.ledger == nil {
		return
	}
	res.RunID = uuid.NewString()
	r.ledgerCreate(ctx, res.RunID, res.RunKey, template)
	r.ledgerFinish(ctx, res, nil, db.StatusCached)
}

func stepRecord(sr llm.StepResult) db.StepRecord {
	rec := db.StepRecord{
		StepName:       sr.StepName,
		PromptType:     sr.PromptType,
		Success:        sr.Success,
		ValidStructure: sr.ValidStructure,
		Cached:         sr.Cached,
		Latency:        time.Duration(sr.LatencyMS) * time.Millisecond,
	}
	if sr.APIError != nil {
		rec.APIError = *sr.APIError
	}
	if sr.SystemError != nil {
		rec.SystemError = *sr.SystemError
	}
	return rec
}

// visible renders the fragments a step may see and attaches them to its prompt.
func visible(frags *fragment.Log, p pipeline.Prompt) string {
	return fragment.Attach(p.Text, frags.Visible(fragment.Allowed(p.Category, p.Index, p.Sees)))
}
