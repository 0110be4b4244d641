package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/metalagman/percept/internal/metrics"
	"github.com/metalagman/percept/internal/schema"
)

// StrictJSONInstruction is the system message sent with every structured call.
const StrictJSONInstruction = "You are a precise information extraction engine. " +
	"Respond with exactly one valid JSON object. Do not wrap it in Markdown, " +
	"do not add commentary, and do not include keys that were not requested."

const textInstruction = "Respond in plain text without JSON or Markdown code fences."

// ClientOptions tunes retries and timeouts.
type ClientOptions struct {
	MaxRetries      int
	Timeout         time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Timeout <= 0 {
		o.Timeout = 90 * time.Second
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 500 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 8 * time.Second
	}
	return o
}

// Client implements Backend on top of a Provider.
type Client struct {
	provider  Provider
	validator schema.Validator
	opts      ClientOptions
}

// NewClient wraps a provider. A nil validator only cleans responses.
func NewClient(provider Provider, validator schema.Validator, opts ClientOptions) *Client {
	if validator == nil {
		validator = schema.NewRegistry()
	}
	return &Client{provider: provider, validator: validator, opts: opts.withDefaults()}
}

// Provider returns the wrapped provider.
func (c *Client) Provider() Provider {
	return c.provider
}

// Call sends a structured request and validates the JSON response.
func (c *Client) Call(ctx context.Context, req Request) (res StepResult) {
	res = NewStepResult(req)
	defer c.recoverInto(&res)

	start := time.Now()
	out, err := c.complete(ctx, req, StrictJSONInstruction, ProfileJSON)
	res.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		return classify(res, err)
	}
	res.Usage = out.Usage
	content := out.Content
	res.RawResponse = &content

	data, err := decodeObject(content)
	if err != nil {
		res = res.SystemFailure(err.Error())
		return res
	}

	v := c.validator.Validate(req.Template, req.Step, data)
	res.Success = true
	res.ValidStructure = v.IsValid
	res.Data = v.CleanedData
	res.ValidationErrors = append([]string{}, v.Errors...)
	if !v.IsValid {
		log.Debug().Str("template", req.Template).Str("step", req.Step).Strs("errors", v.Errors).Msg("llm: response failed validation")
	}
	return res
}

// GenerateText sends a free-text request. The content is returned verbatim in RawResponse.
func (c *Client) GenerateText(ctx context.Context, req Request) (res StepResult) {
	res = NewStepResult(req)
	defer c.recoverInto(&res)

	start := time.Now()
	out, err := c.complete(ctx, req, textInstruction, ProfileText)
	res.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		return classify(res, err)
	}
	content := out.Content
	res.RawResponse = &content
	res.Usage = out.Usage
	res.Success = true
	res.ValidStructure = true
	return res
}

// ResolvePronouns parses a {"<index>": "<name>"} object. Keys that are not
// non-negative integers and values that are not non-empty strings are dropped.
func (c *Client) ResolvePronouns(ctx context.Context, req Request) (resolved map[int]string, res StepResult) {
	resolved = map[int]string{}
	res = NewStepResult(req)
	defer c.recoverInto(&res)

	start := time.Now()
	out, err := c.complete(ctx, req, StrictJSONInstruction, ProfileJSON)
	res.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		return resolved, classify(res, err)
	}
	content := out.Content
	res.RawResponse = &content
	res.Usage = out.Usage

	data, err := decodeObject(content)
	if err != nil {
		return resolved, res.SystemFailure(err.Error())
	}
	resolved = PronounMap(data)
	res.Success = true
	res.ValidStructure = true
	res.Data = data
	return resolved, res
}

// PronounMap keeps the entries of a coreference response that map a decimal
// index to a non-empty string.
func PronounMap(data map[string]any) map[int]string {
	out := map[int]string{}
	for k, v := range data {
		idx, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil || idx < 0 {
			continue
		}
		name, ok := v.(string)
		if !ok || strings.TrimSpace(name) == "" {
			continue
		}
		out[idx] = strings.TrimSpace(name)
	}
	return out
}

func (c *Client) Close() error {
	return c.provider.Close()
}

func (c *Client) complete(ctx context.Context, req Request, system string, profile Profile) (Output, error) {
	comp := Completion{
		System: system,
		Prompt: req.Prompt,
		Model:  req.Model,
		Params: NormalizeParams(c.provider.Name(), profile, req.Params),
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.opts.InitialInterval
	eb.MaxInterval = c.opts.MaxInterval

	attempt := 0
	op := func() (Output, error) {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()

		out, err := c.provider.Complete(callCtx, comp)
		if err == nil && strings.TrimSpace(out.Content) == "" {
			err = ErrEmptyContent
		}
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil || errors.Is(err, ErrEmptyContent) {
			return Output{}, backoff.Permanent(err)
		}
		var se *StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return Output{}, backoff.Permanent(err)
		}
		log.Debug().
			Err(err).
			Str("provider", c.provider.Name()).
			Str("step", req.Step).
			Int("attempt", attempt).
			Msg("llm: retryable failure")
		if attempt <= c.opts.MaxRetries {
			metrics.LLMRetries.WithLabelValues(c.provider.Name()).Inc()
		}
		return Output{}, err
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(c.opts.MaxRetries+1)),
	)
}

// classify maps a transport outcome onto the error taxonomy: status codes and
// empty bodies are API errors, everything else is a system error.
func classify(res StepResult, err error) StepResult {
	var se *StatusError
	switch {
	case errors.As(err, &se):
		return res.APIFailure(se.Error())
	case errors.Is(err, ErrEmptyContent):
		return res.APIFailure(err.Error())
	default:
		return res.SystemFailure(err.Error())
	}
}

func decodeObject(content string) (map[string]any, error) {
	raw, ok := ExtractJSON(content)
	if !ok {
		return nil, fmt.Errorf("parse response: no JSON object found")
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return data, nil
}

func (c *Client) recoverInto(res *StepResult) {
	if r := recover(); r != nil {
		*res = res.SystemFailure(fmt.Sprintf("panic: %v", r))
		res.Traceback = string(debug.Stack())
		log.Error().Str("step", res.StepName).Interface("panic", r).Msg("llm: recovered panic")
	}
}
