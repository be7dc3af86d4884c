// Package limits applies per-caller rate limits to token consumption.
//
// # Overview
//
// A BucketService keeps one bucket per (subject, provider) pair. Each
// consume runs ratelimit.TryConsume inside the bucket's critical section in
// a storage.Store, so concurrent calls for the same key never see the same
// starting level while calls for different keys proceed in parallel.
//
// # Architecture
//
// The package is organized into sub-packages:
//
//   - ratelimit: leaky bucket, token bucket and fixed window algorithms
//   - storage: bucket state stores (memory, Redis, SQL)
//   - quota: prepaid token pools for users and organizations
//   - tier: role to tier resolution and bucket scaling
//
// # Usage
//
//	store, _ := storage.New(ctx, cfg.Bucket, rdb, db)
//	buckets, _ := limits.NewBucketService(store, limits.BucketServiceConfig{
//	    Bucket: cfg.Bucket,
//	    DB:     db,
//	})
//
//	result, err := buckets.Consume(ctx, "user-1", "openai", 250, resolver.Resolve(roles))
//	if err == nil && !result.Allowed {
//	    // retry after result.WaitSeconds
//	}
//
// Every consume attempt, allowed or not, appends a TOKEN_USAGE outbox
// entry unless usage events are disabled.
//
// # Configuration
//
// Base settings apply to every provider unless bucket.providers overrides
// them. UpdateConfig swaps settings atomically on config reload.
package limits
