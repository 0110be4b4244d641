package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/metalagman/percept/internal/config"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAI talks to any OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	model  string
	client openai.Client
}

// NewOpenAI constructs the provider. Retries are handled by Client, so the
// SDK's own retry loop is disabled.
func NewOpenAI(cfg config.LLMConfig, httpClient *http.Client) (*OpenAI, error) {
	model, err := requireModel(cfg)
	if err != nil {
		return nil, err
	}
	apiKey, err := requireAPIKey(cfg)
	if err != nil {
		return nil, err
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(0),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}

	return &OpenAI{model: model, client: openai.NewClient(opts...)}, nil
}

func (p *OpenAI) Name() string { return ProviderOpenAI }

// Complete executes one chat completion.
func (p *OpenAI) Complete(ctx context.Context, c Completion) (Output, error) {
	model := c.Model
	if model == "" {
		model = p.model
	}

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(c.System),
			openai.UserMessage(c.Prompt),
		},
	}
	if v, ok := floatParam(c.Params, ParamTemperature); ok {
		params.Temperature = openai.Float(v)
	}
	if v, ok := floatParam(c.Params, ParamTopP); ok {
		params.TopP = openai.Float(v)
	}
	if v, ok := intParam(c.Params, "max_tokens"); ok {
		params.MaxTokens = openai.Int(v)
	}
	if c.Params[wireResponseFormat] == "json_object" {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			msg := strings.TrimSpace(apiErr.Message)
			if msg == "" {
				msg = http.StatusText(apiErr.StatusCode)
			}
			return Output{}, &StatusError{Code: apiErr.StatusCode, Message: msg}
		}
		return Output{}, fmt.Errorf("openai chat.completions.create: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Output{}, ErrEmptyContent
	}

	return Output{
		Content: resp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func (p *OpenAI) Close() error { return nil }
