package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/percept/internal/config"
	"github.com/metalagman/percept/internal/schema"
)

func fastOptions() ClientOptions {
	return ClientOptions{
		MaxRetries:      3,
		Timeout:         5 * time.Second,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}
}

func dashScopeConfig(url string) config.LLMConfig {
	return config.LLMConfig{
		Backend: ProviderDashScope,
		Model:   "qwen-plus",
		BaseURL: url,
		APIKey:  "test-key",
	}
}

func summaryValidator() *schema.Registry {
	reg := schema.NewRegistry()
	reg.Register("raw", "visual", []schema.Rule{
		{Path: "visual", Required: true, Type: schema.TypeDict},
		{Path: "visual.summary", Required: true, Type: schema.TypeString},
		{Path: "visual.evidence", Required: true, Type: schema.TypeList},
	})
	return reg
}

func writeDashScope(t *testing.T, w http.ResponseWriter, content string) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"output": map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": content}}},
		},
		"usage": map[string]any{"input_tokens": 10, "output_tokens": 5, "total_tokens": 15},
	})
}

func newDashScopeClient(t *testing.T, srv *httptest.Server, validator schema.Validator) *Client {
	t.Helper()
	p, err := NewDashScope(dashScopeConfig(srv.URL), srv.Client())
	require.NoError(t, err)
	return NewClient(p, validator, fastOptions())
}

func visualRequest() Request {
	return Request{Prompt: "p", Model: "qwen-plus", Template: "raw", Step: "visual", PromptType: "parallel"}
}

func TestClientCall_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"code":"InternalError","message":"boom"}`))
			return
		}
		writeDashScope(t, w, "```json\n{\"visual\":{\"summary\":\"s\",\"evidence\":\"e\"}}\n```")
	}))
	t.Cleanup(srv.Close)

	c := newDashScopeClient(t, srv, summaryValidator())
	res := c.Call(context.Background(), visualRequest())

	assert.Equal(t, int32(3), hits.Load())
	assert.True(t, res.Success)
	assert.True(t, res.ValidStructure)
	assert.Nil(t, res.APIError)
	assert.Nil(t, res.SystemError)
	assert.Equal(t, []any{"e"}, res.Data["visual"].(map[string]any)["evidence"])
	assert.Equal(t, int64(15), res.Usage.TotalTokens)
	assert.Equal(t, "visual", res.StepName)
}

func TestClientCall_ExhaustedRetriesAreAPIErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message":"slow down"}`))
	}))
	t.Cleanup(srv.Close)

	res := newDashScopeClient(t, srv, nil).Call(context.Background(), visualRequest())

	assert.Equal(t, int32(4), hits.Load())
	assert.False(t, res.Success)
	require.NotNil(t, res.APIError)
	assert.Equal(t, "[429] slow down", *res.APIError)
}

func TestClientCall_ClientErrorIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"bad input"}`))
	}))
	t.Cleanup(srv.Close)

	res := newDashScopeClient(t, srv, nil).Call(context.Background(), visualRequest())

	assert.Equal(t, int32(1), hits.Load())
	assert.False(t, res.Success)
	assert.False(t, res.ValidStructure)
	require.NotNil(t, res.APIError)
	assert.Equal(t, "[400] bad input", *res.APIError)
	assert.Equal(t, "api_error", res.Outcome())
}

func TestClientCall_EmptyContentIsAPIError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeDashScope(t, w, "  ")
	}))
	t.Cleanup(srv.Close)

	res := newDashScopeClient(t, srv, nil).Call(context.Background(), visualRequest())

	assert.Equal(t, int32(1), hits.Load())
	require.NotNil(t, res.APIError)
	assert.Equal(t, ErrEmptyContent.Error(), *res.APIError)
}

func TestClientCall_UnparsableContentIsSystemError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeDashScope(t, w, "I cannot answer that")
	}))
	t.Cleanup(srv.Close)

	res := newDashScopeClient(t, srv, nil).Call(context.Background(), visualRequest())

	assert.False(t, res.Success)
	require.NotNil(t, res.SystemError)
	assert.Contains(t, *res.SystemError, "no JSON object")
	require.NotNil(t, res.RawResponse)
	assert.Equal(t, "I cannot answer that", *res.RawResponse)
}

func TestClientCall_ValidationFailureKeepsCleanedData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeDashScope(t, w, `{"visual":{"summary":"未知","evidence":["e"]}}`)
	}))
	t.Cleanup(srv.Close)

	res := newDashScopeClient(t, srv, summaryValidator()).Call(context.Background(), visualRequest())

	assert.True(t, res.Success)
	assert.False(t, res.ValidStructure)
	assert.Equal(t, []string{"visual.summary: missing required field"}, res.ValidationErrors)
	assert.Equal(t, map[string]any{"visual": map[string]any{"evidence": []any{"e"}}}, res.Data)
	assert.Equal(t, "invalid", res.Outcome())
}

func TestClient_RecoversPanics(t *testing.T) {
	c := NewClient(NewMock(func(Completion) (string, error) { panic("kaboom") }), nil, fastOptions())

	res := c.Call(context.Background(), visualRequest())

	require.NotNil(t, res.SystemError)
	assert.Equal(t, "panic: kaboom", *res.SystemError)
	assert.NotEmpty(t, res.Traceback)
	assert.False(t, res.Success)
}

func TestClientGenerateText(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		writeDashScope(t, w, "Take a walk.")
	}))
	t.Cleanup(srv.Close)

	c := newDashScopeClient(t, srv, nil)
	res := c.GenerateText(context.Background(), Request{
		Prompt: "p",
		Step:   "suggestion",
		Params: map[string]any{ParamMaxOutputTokens: 100, "response_format": "json_object"},
	})

	assert.True(t, res.Success)
	assert.True(t, res.ValidStructure)
	assert.Empty(t, res.Data)
	require.NotNil(t, res.RawResponse)
	assert.Equal(t, "Take a walk.", *res.RawResponse)

	params := body["parameters"].(map[string]any)
	assert.Equal(t, "message", params["result_format"])
	assert.NotContains(t, params, "response_format")
	assert.InDelta(t, 100, params["max_tokens"], 0)
}

func TestClientResolvePronouns_DropsInvalidEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeDashScope(t, w, `{"0":"A","1":"","x":"B","2":3,"3":"B"}`)
	}))
	t.Cleanup(srv.Close)

	got, res := newDashScopeClient(t, srv, nil).ResolvePronouns(context.Background(), Request{Prompt: "p", Step: "coreference"})

	assert.True(t, res.Success)
	assert.Equal(t, map[int]string{0: "A", 3: "B"}, got)
}

func TestDashScope_RequestShapeAndFallbackPaths(t *testing.T) {
	var gotPath, gotAuth string
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"output":{"text":"{\"a\":1}"}}`))
	}))
	t.Cleanup(srv.Close)

	p, err := NewDashScope(dashScopeConfig(srv.URL), srv.Client())
	require.NoError(t, err)

	out, err := p.Complete(context.Background(), Completion{System: "sys", Prompt: "hi", Params: map[string]any{"temperature": 0.1}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, out.Content)
	assert.Equal(t, dashScopeGenerationPath, gotPath)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "qwen-plus", body["model"])

	msgs := body["input"].(map[string]any)["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "hi", msgs[1].(map[string]any)["content"])

	top := dashScopeResponse{}
	require.NoError(t, json.Unmarshal([]byte(`{"choices":[{"message":{"content":"x"}}]}`), &top))
	assert.Equal(t, "x", top.content())
}

func TestNewProvider(t *testing.T) {
	_, err := NewProvider(context.Background(), config.LLMConfig{Backend: "nope", Model: "m"}, nil)
	require.Error(t, err)

	_, err = NewProvider(context.Background(), config.LLMConfig{Backend: ProviderDashScope, Model: "m", APIKeyEnv: "PERCEPT_TEST_NO_SUCH_KEY"}, nil)
	require.ErrorContains(t, err, "api key is required")

	_, err = NewProvider(context.Background(), config.LLMConfig{Backend: ProviderOpenAI, APIKey: "k"}, nil)
	require.ErrorContains(t, err, "model is required")

	p, err := NewProvider(context.Background(), config.LLMConfig{Backend: ProviderMock}, nil)
	require.NoError(t, err)
	assert.Equal(t, ProviderMock, p.Name())
}
