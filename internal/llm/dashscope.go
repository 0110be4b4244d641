package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/metalagman/percept/internal/config"
)

const (
	defaultDashScopeBaseURL = "https://dashscope.aliyuncs.com/api/v1"
	dashScopeGenerationPath = "/services/aigc/text-generation/generation"
)

// DashScope speaks the DashScope text-generation protocol over plain HTTP.
type DashScope struct {
	model   string
	apiKey  string
	baseURL string
	http    *http.Client
}

type dashScopeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type dashScopeRequest struct {
	Model      string         `json:"model"`
	Input      dashScopeInput `json:"input"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type dashScopeInput struct {
	Messages []dashScopeMessage `json:"messages"`
}

type dashScopeChoice struct {
	Message dashScopeMessage `json:"message"`
}

type dashScopeResponse struct {
	Output struct {
		Text    string            `json:"text"`
		Choices []dashScopeChoice `json:"choices"`
	} `json:"output"`
	Choices []dashScopeChoice `json:"choices"`
	Usage   struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
		TotalTokens  int64 `json:"total_tokens"`
	} `json:"usage"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewDashScope constructs the provider.
func NewDashScope(cfg config.LLMConfig, httpClient *http.Client) (*DashScope, error) {
	model, err := requireModel(cfg)
	if err != nil {
		return nil, err
	}
	apiKey, err := requireAPIKey(cfg)
	if err != nil {
		return nil, err
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultDashScopeBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &DashScope{model: model, apiKey: apiKey, baseURL: baseURL, http: httpClient}, nil
}

func (p *DashScope) Name() string { return ProviderDashScope }

// Complete posts one generation request.
func (p *DashScope) Complete(ctx context.Context, c Completion) (Output, error) {
	model := c.Model
	if model == "" {
		model = p.model
	}
	body, err := json.Marshal(dashScopeRequest{
		Model: model,
		Input: dashScopeInput{Messages: []dashScopeMessage{
			{Role: "system", Content: c.System},
			{Role: "user", Content: c.Prompt},
		}},
		Parameters: c.Params,
	})
	if err != nil {
		return Output{}, fmt.Errorf("marshal dashscope request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+dashScopeGenerationPath, bytes.NewReader(body))
	if err != nil {
		return Output{}, fmt.Errorf("build dashscope request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.http.Do(req)
	if err != nil {
		return Output{}, fmt.Errorf("dashscope request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Output{}, fmt.Errorf("read dashscope response: %w", err)
	}

	var decoded dashScopeResponse
	decodeErr := json.Unmarshal(raw, &decoded)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(decoded.Message)
		if decodeErr != nil || msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return Output{}, &StatusError{Code: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return Output{}, fmt.Errorf("decode dashscope response: %w", decodeErr)
	}

	return Output{
		Content: decoded.content(),
		Usage: Usage{
			PromptTokens:     decoded.Usage.InputTokens,
			CompletionTokens: decoded.Usage.OutputTokens,
			TotalTokens:      decoded.Usage.TotalTokens,
		},
	}, nil
}

// content reads output.choices, then output.text, then top-level choices.
func (r dashScopeResponse) content() string {
	if len(r.Output.Choices) > 0 && r.Output.Choices[0].Message.Content != "" {
		return r.Output.Choices[0].Message.Content
	}
	if r.Output.Text != "" {
		return r.Output.Text
	}
	if len(r.Choices) > 0 {
		return r.Choices[0].Message.Content
	}
	return ""
}

func (p *DashScope) Close() error {
	p.http.CloseIdleConnections()
	return nil
}
