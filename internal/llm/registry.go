package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/metalagman/percept/internal/cache"
	"github.com/metalagman/percept/internal/config"
	"github.com/metalagman/percept/internal/schema"
)

// Registry lazily builds one Client per (backend, configuration fingerprint).
type Registry struct {
	validator  schema.Validator
	httpClient *http.Client

	mu      sync.Mutex
	clients map[string]*Client
}

// NewRegistry returns an empty registry. httpClient may be nil.
func NewRegistry(validator schema.Validator, httpClient *http.Client) *Registry {
	return &Registry{
		validator:  validator,
		httpClient: httpClient,
		clients:    map[string]*Client{},
	}
}

func registryKey(cfg config.LLMConfig) string {
	fp := cache.Fingerprint(map[string]any{
		"model":       cfg.Model,
		"base_url":    cfg.BaseURL,
		"api_key":     cfg.ResolveAPIKey(),
		"timeout":     cfg.Timeout.String(),
		"max_retries": cfg.MaxRetries,
	})
	return strings.ToLower(strings.TrimSpace(cfg.Backend)) + ":" + fp
}

// Get returns the client for cfg, creating it on first use.
func (r *Registry) Get(ctx context.Context, cfg config.LLMConfig) (Backend, error) {
	key := registryKey(cfg)

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[key]; ok {
		return c, nil
	}
	p, err := NewProvider(ctx, cfg, r.httpClient)
	if err != nil {
		return nil, fmt.Errorf("init llm backend: %w", err)
	}
	c := NewClient(p, r.validator, ClientOptions{
		MaxRetries: cfg.MaxRetries,
		Timeout:    cfg.Timeout,
	})
	r.clients[key] = c
	log.Debug().Str("backend", p.Name()).Str("model", cfg.Model).Msg("llm: backend initialized")
	return c, nil
}

// Len reports the number of live clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Flush closes and forgets every client. Later Get calls rebuild them.
func (r *Registry) Flush() error {
	r.mu.Lock()
	clients := r.clients
	r.clients = map[string]*Client{}
	r.mu.Unlock()

	var errs []error
	for key, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// Close releases every client.
func (r *Registry) Close() error {
	return r.Flush()
}
