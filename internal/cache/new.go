package cache

import (
	"context"

	"github.com/metalagman/percept/internal/config"
)

// New selects the cache variant configured by storage.backend.
func New(ctx context.Context, cfg config.StorageConfig) (Cache, error) {
	if cfg.Backend == config.StorageRedis || cfg.Backend == config.StorageExternal {
		return NewRedis(ctx, cfg.Redis, cfg.TTL)
	}
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = config.Default().Storage.MaxSize
	}
	return NewMemory(maxSize, cfg.TTL)
}
