package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"mercator-hq/tokengate/pkg/config"
	"mercator-hq/tokengate/pkg/database"
)

// Store backends selectable in configuration.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQL    = "sql"
)

// New builds the store selected by cfg.Store. rdb is required for the
// redis backend and db for the sql backend; both stay owned by the caller.
func New(ctx context.Context, cfg config.BucketConfig, rdb redis.UniversalClient, db *database.DB) (Store, error) {
	switch strings.ToLower(cfg.Store) {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendRedis:
		return NewRedisStore(rdb, RedisStoreConfig{
			KeyPrefix: cfg.KeyPrefix,
			EntryTTL:  cfg.EntryTTL,
		})
	case BackendSQL:
		return NewSQLStore(ctx, db)
	default:
		return nil, fmt.Errorf("unknown bucket store %q", cfg.Store)
	}
}
