package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/percept/internal/config"
)

func TestNormalizeParams(t *testing.T) {
	t.Parallel()

	in := map[string]any{
		ParamMaxOutputTokens: 512,
		ParamResultFormat:    "text",
		ParamTemperature:     0.2,
		"seed":               7,
	}

	tests := []struct {
		name     string
		provider string
		profile  Profile
		want     map[string]any
	}{
		{
			name: "openai json", provider: ProviderOpenAI, profile: ProfileJSON,
			want: map[string]any{"max_tokens": 512, "temperature": 0.2, "seed": 7, "response_format": "json_object"},
		},
		{
			name: "dashscope json", provider: ProviderDashScope, profile: ProfileJSON,
			want: map[string]any{
				"max_tokens": 512, "temperature": 0.2, "seed": 7,
				"result_format":   "message",
				"response_format": map[string]any{"type": "json_object"},
			},
		},
		{
			name: "dashscope text", provider: ProviderDashScope, profile: ProfileText,
			want: map[string]any{"max_tokens": 512, "temperature": 0.2, "seed": 7, "result_format": "message"},
		},
		{
			name: "gemini json", provider: ProviderGemini, profile: ProfileJSON,
			want: map[string]any{"max_output_tokens": 512, "temperature": 0.2, "seed": 7, "response_mime_type": "application/json"},
		},
		{
			name: "openai text", provider: ProviderOpenAI, profile: ProfileText,
			want: map[string]any{"max_tokens": 512, "temperature": 0.2, "seed": 7},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, NormalizeParams(tt.provider, tt.profile, in))
		})
	}
	assert.Len(t, in, 4, "input must not be mutated")
}

func TestExtractJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{in: `{"a":1}`, want: `{"a":1}`, ok: true},
		{in: "```json\n{\"a\":{\"b\":2}}\n```", want: `{"a":{"b":2}}`, ok: true},
		{in: `Sure! {"a":"}{"} trailing {"b":1}`, want: `{"a":"}{"}`, ok: true},
		{in: `{"a":"say \"}\""}`, want: `{"a":"say \"}\""}`, ok: true},
		{in: `{"a":1`, ok: false},
		{in: `no json here`, ok: false},
	}
	for _, tt := range tests {
		got, ok := ExtractJSON(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestPronounMap(t *testing.T) {
	t.Parallel()

	got := PronounMap(map[string]any{"0": "A", " 2 ": "B", "-1": "C", "x": "D", "3": nil, "4": " "})
	assert.Equal(t, map[int]string{0: "A", 2: "B"}, got)
}

func TestRegistry_ReusesAndFlushes(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil, nil)
	ctx := context.Background()
	cfg := config.LLMConfig{Backend: ProviderMock, Model: "m"}

	a, err := reg.Get(ctx, cfg)
	require.NoError(t, err)
	b, err := reg.Get(ctx, cfg)
	require.NoError(t, err)
	assert.Same(t, a, b)

	cfg.Model = "other"
	c, err := reg.Get(ctx, cfg)
	require.NoError(t, err)
	assert.NotSame(t, a, c)
	assert.Equal(t, 2, reg.Len())

	require.NoError(t, reg.Flush())
	assert.Equal(t, 0, reg.Len())

	_, err = reg.Get(ctx, config.LLMConfig{Backend: "bogus"})
	require.Error(t, err)
	require.NoError(t, reg.Close())
}

func TestMockDefaultResponses(t *testing.T) {
	t.Parallel()

	c := NewClient(NewMock(nil), nil, ClientOptions{})
	res := c.Call(context.Background(), Request{Template: "raw", Step: "visual"})
	assert.True(t, res.Success)
	assert.True(t, res.ValidStructure)

	text := c.GenerateText(context.Background(), Request{Step: "suggestion"})
	require.NotNil(t, text.RawResponse)
	assert.Equal(t, "mock response", *text.RawResponse)
}
