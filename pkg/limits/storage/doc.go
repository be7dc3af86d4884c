// Package storage provides persistence backends for rate-limiter state.
//
// # Overview
//
// A Store keeps one ratelimit.State per (subject, provider) Key and runs
// read-modify-write cycles inside a per-key critical section:
//
//   - Memory: sharded in-process map, one mutex per shard (default)
//   - Redis: WATCH/MULTI optimistic transactions, entries expire by TTL
//   - SQL: a bucket_states table on SQLite or Postgres
//
// # Usage
//
//	store := storage.NewMemoryStore()
//	err := store.Update(ctx, storage.Key{Subject: "u1", Provider: "openai"},
//	    func(s ratelimit.State) (ratelimit.State, error) {
//	        next, res, err := ratelimit.TryConsume(s, cfg, 10, time.Now())
//	        result = res
//	        return next, err
//	    })
//
// # Thread Safety
//
// Callers for the same key serialize; callers for different keys never
// wait on each other in the memory store and only contend on the single
// connection in the SQLite store.
package storage
