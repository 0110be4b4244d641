// Package llmtest provides a scripted llm.Backend for tests.
package llmtest

import (
	"context"
	"sync"

	"github.com/metalagman/percept/internal/llm"
	"github.com/metalagman/percept/internal/schema"
)

// Fake answers Call with the data scripted for the step name and counts calls.
// Unscripted steps succeed with empty data.
type Fake struct {
	// Validator, when set, validates scripted data the way llm.Client does.
	Validator schema.Validator

	mu       sync.Mutex
	steps    map[string]map[string]any
	failures map[string]llm.StepResult
	text     string
	pronouns map[int]string
	calls    int
	perStep  map[string]int
	prompts  map[string]string
	coref    int
	textN    int
	closed   bool
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		steps:    map[string]map[string]any{},
		failures: map[string]llm.StepResult{},
		pronouns: map[int]string{},
		perStep:  map[string]int{},
		prompts:  map[string]string{},
		text:     "suggestion text",
	}
}

// Step scripts the data returned for a step.
func (f *Fake) Step(step string, data map[string]any) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps[step] = data
	return f
}

// Fail scripts a failed result for a step. Identity fields are filled in.
func (f *Fake) Fail(step string, res llm.StepResult) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[step] = res
	return f
}

// Text scripts the GenerateText content.
func (f *Fake) Text(content string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.text = content
	return f
}

// Pronouns scripts the coreference answer.
func (f *Fake) Pronouns(resolved map[int]string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pronouns = resolved
	return f
}

func (f *Fake) Call(ctx context.Context, req llm.Request) llm.StepResult {
	res := llm.NewStepResult(req)
	if err := ctx.Err(); err != nil {
		return res.SystemFailure(err.Error())
	}

	f.mu.Lock()
	f.calls++
	f.perStep[req.Step]++
	f.prompts[req.Step] = req.Prompt
	failure, failed := f.failures[req.Step]
	scripted, ok := f.steps[req.Step]
	data := schema.CloneMap(scripted)
	f.mu.Unlock()

	if failed {
		failure.Model = req.Model
		failure.TemplateName = req.Template
		failure.StepName = req.Step
		failure.PromptType = req.PromptType
		if failure.Data == nil {
			failure.Data = map[string]any{}
		}
		if failure.ValidationErrors == nil {
			failure.ValidationErrors = []string{}
		}
		return failure
	}

	res.Success = true
	res.ValidStructure = true
	if !ok {
		return res
	}
	if f.Validator != nil {
		v := f.Validator.Validate(req.Template, req.Step, data)
		res.ValidStructure = v.IsValid
		res.Data = v.CleanedData
		res.ValidationErrors = append([]string{}, v.Errors...)
		return res
	}
	res.Data = data
	return res
}

func (f *Fake) GenerateText(ctx context.Context, req llm.Request) llm.StepResult {
	res := llm.NewStepResult(req)
	if err := ctx.Err(); err != nil {
		return res.SystemFailure(err.Error())
	}
	f.mu.Lock()
	f.calls++
	f.textN++
	content := f.text
	f.mu.Unlock()

	res.Success = true
	res.ValidStructure = true
	res.RawResponse = &content
	return res
}

func (f *Fake) ResolvePronouns(ctx context.Context, req llm.Request) (map[int]string, llm.StepResult) {
	res := llm.NewStepResult(req)
	if err := ctx.Err(); err != nil {
		return map[int]string{}, res.SystemFailure(err.Error())
	}
	f.mu.Lock()
	f.calls++
	f.coref++
	f.prompts[req.Step] = req.Prompt
	out := make(map[int]string, len(f.pronouns))
	for k, v := range f.pronouns {
		out[k] = v
	}
	f.mu.Unlock()

	res.Success = true
	res.ValidStructure = true
	return out, res
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Calls returns the total number of backend calls of every kind.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// StepCalls returns the number of Call invocations for a step.
func (f *Fake) StepCalls(step string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.perStep[step]
}

// CoreferenceCalls returns the number of ResolvePronouns invocations.
func (f *Fake) CoreferenceCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.coref
}

// TextCalls returns the number of GenerateText invocations.
func (f *Fake) TextCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.textN
}

// Prompt returns the last prompt sent for a step.
func (f *Fake) Prompt(step string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompts[step]
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
