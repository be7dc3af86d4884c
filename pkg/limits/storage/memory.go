package storage

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"mercator-hq/tokengate/pkg/limits/ratelimit"
)

// shardCount is the number of independently locked partitions.
const shardCount = 64

// MemoryStore implements Store using an in-process sharded map.
// All data is lost when the process exits. Entries are only removed by
// Cleanup, so memory grows with the number of subjects active within the
// entry TTL.
type MemoryStore struct {
	shards [shardCount]*memoryShard
}

type memoryShard struct {
	mu     sync.Mutex
	states map[Key]ratelimit.State
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{}
	for i := range m.shards {
		m.shards[i] = &memoryShard{states: make(map[Key]ratelimit.State)}
	}
	return m
}

// Update runs fn under the shard lock owning key.
func (m *MemoryStore) Update(ctx context.Context, key Key, fn UpdateFunc) error {
	if err := key.Validate(); err != nil {
		return err
	}

	shard := m.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	next, err := fn(shard.states[key])
	if err != nil {
		return err
	}
	shard.states[key] = next
	return nil
}

// Load returns the stored state for key.
func (m *MemoryStore) Load(ctx context.Context, key Key) (ratelimit.State, bool, error) {
	if err := key.Validate(); err != nil {
		return ratelimit.State{}, false, err
	}

	shard := m.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	state, ok := shard.states[key]
	return state, ok, nil
}

// Cleanup removes entries whose last touch is before idleBefore.
func (m *MemoryStore) Cleanup(ctx context.Context, idleBefore time.Time) (int, error) {
	removed := 0
	for _, shard := range m.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		shard.mu.Lock()
		for key, state := range shard.states {
			touched := state.LastTouched()
			if !touched.IsZero() && touched.Before(idleBefore) {
				delete(shard.states, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed, nil
}

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() error {
	return nil
}

// Size returns the number of stored buckets.
func (m *MemoryStore) Size() int {
	n := 0
	for _, shard := range m.shards {
		shard.mu.Lock()
		n += len(shard.states)
		shard.mu.Unlock()
	}
	return n
}

func (m *MemoryStore) shardFor(key Key) *memoryShard {
	h := fnv.New32a()
	h.Write([]byte(key.Subject))
	h.Write([]byte{0})
	h.Write([]byte(key.Provider))
	return m.shards[h.Sum32()%shardCount]
}
