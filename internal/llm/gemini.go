package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/metalagman/percept/internal/config"
)

// Gemini uses the Gemini API through the genai SDK.
type Gemini struct {
	model  string
	client *genai.Client
}

// NewGemini constructs the provider.
func NewGemini(ctx context.Context, cfg config.LLMConfig, httpClient *http.Client) (*Gemini, error) {
	model, err := requireModel(cfg)
	if err != nil {
		return nil, err
	}
	apiKey, err := requireAPIKey(cfg)
	if err != nil {
		return nil, err
	}
	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if httpClient != nil {
		cc.HTTPClient = httpClient
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: base}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Gemini{model: model, client: client}, nil
}

func (p *Gemini) Name() string { return ProviderGemini }

// Complete runs one GenerateContent call.
func (p *Gemini) Complete(ctx context.Context, c Completion) (Output, error) {
	model := c.Model
	if model == "" {
		model = p.model
	}
	resp, err := p.client.Models.GenerateContent(ctx, model, genai.Text(c.Prompt), geminiConfig(c))
	if err != nil {
		if se := geminiStatus(err); se != nil {
			return Output{}, se
		}
		return Output{}, fmt.Errorf("gemini generate content: %w", err)
	}

	out := Output{Content: resp.Text()}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = Usage{
			PromptTokens:     int64(u.PromptTokenCount),
			CompletionTokens: int64(u.CandidatesTokenCount),
			TotalTokens:      int64(u.TotalTokenCount),
		}
	}
	return out, nil
}

// geminiConfig maps a completion onto the generate config. The system
// instruction carries no role.
func geminiConfig(c Completion) *genai.GenerateContentConfig {
	gc := &genai.GenerateContentConfig{}
	if strings.TrimSpace(c.System) != "" {
		gc.SystemInstruction = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(c.System)}}
	}
	if v, ok := floatParam(c.Params, ParamTemperature); ok {
		gc.Temperature = genai.Ptr(float32(v))
	}
	if v, ok := floatParam(c.Params, ParamTopP); ok {
		gc.TopP = genai.Ptr(float32(v))
	}
	if v, ok := intParam(c.Params, ParamMaxOutputTokens); ok {
		gc.MaxOutputTokens = int32(v)
	}
	if mime, ok := c.Params[wireResponseMIMEType].(string); ok {
		gc.ResponseMIMEType = mime
	}
	return gc
}

func geminiStatus(err error) *StatusError {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &StatusError{Code: apiErr.Code, Message: apiErr.Message}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return &StatusError{Code: apiErrPtr.Code, Message: apiErrPtr.Message}
	}
	return nil
}

func (p *Gemini) Close() error { return nil }
