package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/metalagman/percept/internal/config"
	"github.com/metalagman/percept/internal/metrics"
)

const (
	backendRedis  = "redis"
	scanBatchSize = 200
)

// Redis stores JSON-encoded values in a namespaced Redis keyspace.
type Redis struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis connects to Redis and verifies the connection with PING.
func NewRedis(ctx context.Context, cfg config.RedisConfig, ttl time.Duration) (*Redis, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	log.Info().Str("addr", addr).Int("db", cfg.DB).Msg("cache: connected to redis")

	return NewRedisWithClient(rdb, cfg.Prefix, ttl), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(rdb *redis.Client, prefix string, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (r *Redis) Get(ctx context.Context, key string) Result {
	raw, err := r.rdb.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.CacheRequests.WithLabelValues(backendRedis, "get", "miss").Inc()
		return fail(ErrMiss)
	}
	if err != nil {
		metrics.CacheRequests.WithLabelValues(backendRedis, "get", "error").Inc()
		log.Warn().Err(err).Str("key", key).Msg("cache: redis get failed")
		return fail(err)
	}
	v, err := Unmarshal(raw)
	if err != nil {
		metrics.CacheRequests.WithLabelValues(backendRedis, "get", "error").Inc()
		return fail(err)
	}
	metrics.CacheRequests.WithLabelValues(backendRedis, "get", "hit").Inc()
	return ok(v)
}

func (r *Redis) Set(ctx context.Context, key string, value any) Result {
	raw, err := Marshal(value)
	if err != nil {
		return fail(err)
	}
	if err := r.rdb.Set(ctx, r.prefix+key, raw, r.ttl).Err(); err != nil {
		metrics.CacheRequests.WithLabelValues(backendRedis, "set", "error").Inc()
		log.Warn().Err(err).Str("key", key).Msg("cache: redis set failed")
		return fail(err)
	}
	metrics.CacheRequests.WithLabelValues(backendRedis, "set", "ok").Inc()
	return ok(nil)
}

func (r *Redis) Delete(ctx context.Context, key string) Result {
	if err := r.rdb.Del(ctx, r.prefix+key).Err(); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// Clear removes every key in the namespace.
func (r *Redis) Clear(ctx context.Context) Result {
	keys, err := r.scan(ctx)
	if err != nil {
		return fail(err)
	}
	for start := 0; start < len(keys); start += scanBatchSize {
		end := min(start+scanBatchSize, len(keys))
		if err := r.rdb.Del(ctx, keys[start:end]...).Err(); err != nil {
			return fail(err)
		}
	}
	return ok(nil)
}

// Keys lists namespace keys with the prefix stripped.
func (r *Redis) Keys(ctx context.Context) ([]string, error) {
	keys, err := r.scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = strings.TrimPrefix(k, r.prefix)
	}
	return out, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

func (r *Redis) scan(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, r.prefix+"*", scanBatchSize).Result()
		if err != nil {
			return nil, fmt.Errorf("scan redis keys: %w", err)
		}
		out = append(out, keys...)
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}
