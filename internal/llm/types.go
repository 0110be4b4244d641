// Package llm provides the LLM backend used by pipeline steps.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmptyContent is returned by providers when a 2xx response has no content.
var ErrEmptyContent = errors.New("empty response content")

// StatusError is a non-2xx provider response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Retryable reports whether the status is worth retrying (5xx and 429).
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == 429
}

// Usage is the token accounting reported by a provider.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// StepResult is the normalized outcome of every step execution.
type StepResult struct {
	Success          bool           `json:"success"`
	ValidStructure   bool           `json:"valid_structure"`
	Data             map[string]any `json:"data"`
	RawResponse      *string        `json:"raw_response,omitempty"`
	ValidationErrors []string       `json:"validation_errors"`
	APIError         *string        `json:"api_error,omitempty"`
	SystemError      *string        `json:"system_error,omitempty"`
	Traceback        string         `json:"traceback,omitempty"`
	Model            string         `json:"model"`
	TemplateName     string         `json:"template_name"`
	StepName         string         `json:"step_name"`
	PromptType       string         `json:"prompt_type"`
	LatencyMS        int64          `json:"latency_ms"`
	Usage            Usage          `json:"usage"`
	Cached           bool           `json:"cached,omitempty"`
}

// Outcome labels the result for metrics and the ledger.
func (r StepResult) Outcome() string {
	switch {
	case r.SystemError != nil:
		return "system_error"
	case r.APIError != nil:
		return "api_error"
	case !r.ValidStructure:
		return "invalid"
	}
	return "success"
}

// NewStepResult returns a result with identity fields set and empty data.
func NewStepResult(req Request) StepResult {
	return StepResult{
		Data:             map[string]any{},
		ValidationErrors: []string{},
		Model:            req.Model,
		TemplateName:     req.Template,
		StepName:         req.Step,
		PromptType:       req.PromptType,
	}
}

// SystemFailure fills r as a system error.
func (r StepResult) SystemFailure(msg string) StepResult {
	r.Success = false
	r.ValidStructure = false
	r.SystemError = &msg
	return r
}

// APIFailure fills r as an API error.
func (r StepResult) APIFailure(msg string) StepResult {
	r.Success = false
	r.ValidStructure = false
	r.APIError = &msg
	return r
}

// Request is one step call.
type Request struct {
	Prompt     string
	Model      string
	Params     map[string]any
	Template   string
	Step       string
	PromptType string
}

// Backend is the capability consumed by the step executor.
type Backend interface {
	// Call expects a JSON object and validates it against the step's rules.
	Call(ctx context.Context, req Request) StepResult
	// GenerateText returns free text in RawResponse.
	GenerateText(ctx context.Context, req Request) StepResult
	// ResolvePronouns maps event indices to names.
	ResolvePronouns(ctx context.Context, req Request) (map[int]string, StepResult)
	Close() error
}

// Completion is one provider request. Params carry provider wire names.
type Completion struct {
	System string
	Prompt string
	Model  string
	Params map[string]any
}

// Output is one provider response.
type Output struct {
	Content string
	Usage   Usage
}

// Provider speaks one wire protocol.
type Provider interface {
	Name() string
	Complete(ctx context.Context, c Completion) (Output, error)
	Close() error
}
