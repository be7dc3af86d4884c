package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mercator-hq/tokengate/pkg/limits/ratelimit"
)

// RedisStore implements Store on Redis. Each bucket is a JSON string at
// "<prefix>:<subject>:<provider>" and expires after the entry TTL, so
// Cleanup has nothing to do.
//
// Updates use WATCH/MULTI/EXEC. A concurrent writer aborts the EXEC and
// the update is retried with fresh state, which means fn may run more than
// once per Update call.
type RedisStore struct {
	client     redis.UniversalClient
	keyPrefix  string
	ttl        time.Duration
	maxRetries int
}

// RedisStoreConfig configures the Redis store.
type RedisStoreConfig struct {
	// KeyPrefix is prepended to every bucket key.
	// Default: "token-bucket"
	KeyPrefix string

	// EntryTTL is the expiry applied on every write. Zero disables expiry.
	EntryTTL time.Duration

	// MaxRetries bounds optimistic-transaction retries.
	// Default: 10
	MaxRetries int
}

// NewRedisStore creates a Redis-backed store. The client is owned by the
// caller; Close does not close it.
func NewRedisStore(client redis.UniversalClient, cfg RedisStoreConfig) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "token-bucket"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}

	return &RedisStore{
		client:     client,
		keyPrefix:  cfg.KeyPrefix,
		ttl:        cfg.EntryTTL,
		maxRetries: cfg.MaxRetries,
	}, nil
}

// Update runs fn inside a WATCH transaction on the bucket key.
func (r *RedisStore) Update(ctx context.Context, key Key, fn UpdateFunc) error {
	if err := key.Validate(); err != nil {
		return err
	}
	redisKey := r.redisKey(key)

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			current, _, err := r.get(ctx, tx, redisKey)
			if err != nil {
				return err
			}

			next, err := fn(current)
			if err != nil {
				return err
			}

			data, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("failed to marshal bucket state: %w", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, redisKey, data, r.ttl)
				return nil
			})
			return err
		}, redisKey)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}

	return fmt.Errorf("%w: %s after %d attempts", ErrConflict, key, r.maxRetries)
}

// Load returns the stored state for key.
func (r *RedisStore) Load(ctx context.Context, key Key) (ratelimit.State, bool, error) {
	if err := key.Validate(); err != nil {
		return ratelimit.State{}, false, err
	}
	return r.get(ctx, r.client, r.redisKey(key))
}

// Cleanup is a no-op; Redis expires idle buckets itself.
func (r *RedisStore) Cleanup(ctx context.Context, idleBefore time.Time) (int, error) {
	return 0, nil
}

// Close is a no-op; the client belongs to the caller.
func (r *RedisStore) Close() error {
	return nil
}

func (r *RedisStore) redisKey(key Key) string {
	return fmt.Sprintf("%s:%s:%s", r.keyPrefix, key.Subject, key.Provider)
}

// getter is satisfied by both the client and a WATCH transaction.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisStore) get(ctx context.Context, c getter, redisKey string) (ratelimit.State, bool, error) {
	data, err := c.Get(ctx, redisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return ratelimit.State{}, false, nil
	}
	if err != nil {
		return ratelimit.State{}, false, fmt.Errorf("failed to load bucket state: %w", err)
	}

	var state ratelimit.State
	if err := json.Unmarshal(data, &state); err != nil {
		return ratelimit.State{}, false, fmt.Errorf("failed to unmarshal bucket state: %w", err)
	}
	return state, true, nil
}
