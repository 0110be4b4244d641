package assemble

import (
	"time"

	"github.com/metalagman/percept/internal/executor"
	"github.com/metalagman/percept/internal/llm"
)

// Category stamped into every diagnostics bundle.
const Category = "perception"

// StepError is one failure attributed to a step.
type StepError struct {
	Step       string `json:"step"`
	PromptType string `json:"prompt_type"`
	Message    string `json:"message"`
}

// ErrorsSummary buckets every failure of a run.
type ErrorsSummary struct {
	SystemErrors     []StepError `json:"system_errors"`
	APIErrors        []StepError `json:"api_errors"`
	ValidationErrors []StepError `json:"validation_errors"`
	FinalValidation  []string    `json:"final_validation"`
}

// RawResponse is one raw model answer kept for post-hoc debugging.
type RawResponse struct {
	Step     string `json:"step"`
	Response string `json:"response"`
}

// Diagnostics is the dye-vat bundle written for every run.
type Diagnostics struct {
	Success            bool                     `json:"success"`
	PartialSuccess     bool                     `json:"partial_success"`
	ValidityLevel      string                   `json:"validity_level"`
	RunKey             string                   `json:"run_key"`
	Template           string                   `json:"template"`
	ErrorsSummary      ErrorsSummary            `json:"errors_summary"`
	PromptRecords      []executor.PromptRecord  `json:"prompt_records"`
	RawResponseRecords map[string][]RawResponse `json:"raw_response_records"`
	StepResults        []llm.StepResult         `json:"step_results"`
	Model              string                   `json:"model"`
	Category           string                   `json:"category"`
	Timestamp          string                   `json:"timestamp"`
}

// DiagnosticsInput carries everything a bundle is built from.
type DiagnosticsInput struct {
	RunKey   string
	Template string
	Model    string
	Results  []llm.StepResult
	Prompts  []executor.PromptRecord
	Validity Validity
	Now      time.Time
}

// Summarize buckets step errors and raw responses.
func Summarize(results []llm.StepResult) (ErrorsSummary, map[string][]RawResponse) {
	sum := ErrorsSummary{
		SystemErrors:     []StepError{},
		APIErrors:        []StepError{},
		ValidationErrors: []StepError{},
		FinalValidation:  []string{},
	}
	raw := map[string][]RawResponse{}
	for _, r := range results {
		if r.SystemError != nil {
			sum.SystemErrors = append(sum.SystemErrors, StepError{Step: r.StepName, PromptType: r.PromptType, Message: *r.SystemError})
		}
		if r.APIError != nil {
			sum.APIErrors = append(sum.APIErrors, StepError{Step: r.StepName, PromptType: r.PromptType, Message: *r.APIError})
		}
		for _, msg := range r.ValidationErrors {
			sum.ValidationErrors = append(sum.ValidationErrors, StepError{Step: r.StepName, PromptType: r.PromptType, Message: msg})
		}
		if r.RawResponse != nil {
			raw[r.PromptType] = append(raw[r.PromptType], RawResponse{Step: r.StepName, Response: *r.RawResponse})
		}
	}
	return sum, raw
}

// BuildDiagnostics assembles the bundle. Partial success means the run failed
// overall while at least one step succeeded.
func BuildDiagnostics(in DiagnosticsInput) Diagnostics {
	sum, raw := Summarize(in.Results)
	sum.FinalValidation = append(sum.FinalValidation, in.Validity.Errors()...)

	anyStep := false
	for _, r := range in.Results {
		if r.Success {
			anyStep = true
			break
		}
	}
	prompts := in.Prompts
	if prompts == nil {
		prompts = []executor.PromptRecord{}
	}
	results := in.Results
	if results == nil {
		results = []llm.StepResult{}
	}
	return Diagnostics{
		Success:            in.Validity.Success,
		PartialSuccess:     !in.Validity.Success && anyStep,
		ValidityLevel:      in.Validity.Level,
		RunKey:             in.RunKey,
		Template:           in.Template,
		ErrorsSummary:      sum,
		PromptRecords:      prompts,
		RawResponseRecords: raw,
		StepResults:        results,
		Model:              in.Model,
		Category:           Category,
		Timestamp:          in.Now.UTC().Format(time.RFC3339),
	}
}
