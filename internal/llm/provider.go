package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/metalagman/percept/internal/config"
)

// Provider names accepted in llm.backend.
const (
	ProviderOpenAI    = "openai"
	ProviderDashScope = "dashscope"
	ProviderGemini    = "gemini"
	ProviderMock      = "mock"
)

// NewProvider builds the provider selected by cfg.Backend.
func NewProvider(ctx context.Context, cfg config.LLMConfig, httpClient *http.Client) (Provider, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	switch backend {
	case ProviderOpenAI:
		return NewOpenAI(cfg, httpClient)
	case ProviderDashScope, "":
		return NewDashScope(cfg, httpClient)
	case ProviderGemini:
		return NewGemini(ctx, cfg, httpClient)
	case ProviderMock:
		return NewMock(nil), nil
	default:
		return nil, fmt.Errorf("unsupported llm backend %q", cfg.Backend)
	}
}

func requireModel(cfg config.LLMConfig) (string, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return "", fmt.Errorf("%s model is required", cfg.Backend)
	}
	return model, nil
}

func requireAPIKey(cfg config.LLMConfig) (string, error) {
	key := cfg.ResolveAPIKey()
	if key == "" {
		return "", fmt.Errorf("%s api key is required (set api_key or api_key_env)", cfg.Backend)
	}
	return key, nil
}

func floatParam(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func intParam(params map[string]any, key string) (int64, bool) {
	switch v := params[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	}
	return 0, false
}
