package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/metalagman/percept/internal/metrics"
)

const backendMemory = "memory"

type entry struct {
	value    any
	storedAt time.Time
}

// Memory is an in-process LRU cache with optional TTL.
type Memory struct {
	mu        sync.Mutex
	lru       *lru.Cache[string, entry]
	ttl       time.Duration
	now       func() time.Time
	explicit  bool
	evictions int
}

// MemoryOption customizes a Memory cache.
type MemoryOption func(*Memory)

// WithClock replaces the time source used for TTL checks.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates an LRU cache holding at most maxSize entries. A zero ttl disables expiry.
func NewMemory(maxSize int, ttl time.Duration, opts ...MemoryOption) (*Memory, error) {
	m := &Memory{ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	c, err := lru.NewWithEvict[string, entry](maxSize, m.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	m.lru = c
	return m, nil
}

// onEvict runs under m.mu; explicit removals are not capacity evictions.
func (m *Memory) onEvict(key string, _ entry) {
	if m.explicit {
		return
	}
	m.evictions++
	log.Debug().Str("key", key).Msg("cache: evicted least recently used entry")
}

func (m *Memory) Get(_ context.Context, key string) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, found := m.lru.Get(key)
	if !found {
		metrics.CacheRequests.WithLabelValues(backendMemory, "get", "miss").Inc()
		return fail(ErrMiss)
	}
	if m.expired(e) {
		m.remove(key)
		metrics.CacheRequests.WithLabelValues(backendMemory, "get", "expired").Inc()
		return fail(ErrMiss)
	}
	metrics.CacheRequests.WithLabelValues(backendMemory, "get", "hit").Inc()
	return ok(e.value)
}

func (m *Memory) Set(_ context.Context, key string, value any) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lru.Add(key, entry{value: value, storedAt: m.now()})
	metrics.CacheRequests.WithLabelValues(backendMemory, "set", "ok").Inc()
	return ok(nil)
}

func (m *Memory) Delete(_ context.Context, key string) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.remove(key)
	return ok(nil)
}

func (m *Memory) Clear(_ context.Context) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.explicit = true
	m.lru.Purge()
	m.explicit = false
	return ok(nil)
}

// Keys returns live keys from least to most recently used.
func (m *Memory) Keys(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := m.lru.Keys()
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		e, found := m.lru.Peek(k)
		if !found || m.expired(e) {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

// Len returns the number of stored entries, including not yet collected expired ones.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}

// Evictions returns the number of capacity evictions since creation.
func (m *Memory) Evictions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictions
}

func (m *Memory) Close() error { return nil }

func (m *Memory) expired(e entry) bool {
	return m.ttl > 0 && m.now().Sub(e.storedAt) > m.ttl
}

func (m *Memory) remove(key string) {
	m.explicit = true
	m.lru.Remove(key)
	m.explicit = false
}
