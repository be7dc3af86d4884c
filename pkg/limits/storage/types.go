package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mercator-hq/tokengate/pkg/database"
	"mercator-hq/tokengate/pkg/limits/ratelimit"
)

// Key identifies a bucket.
type Key struct {
	// Subject is the caller identity (user or API key).
	Subject string

	// Provider is the AI provider name.
	Provider string
}

// String returns "subject:provider".
func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Subject, k.Provider)
}

// Validate returns an error if either part of the key is empty.
func (k Key) Validate() error {
	if k.Subject == "" {
		return fmt.Errorf("subject cannot be empty")
	}
	if k.Provider == "" {
		return fmt.Errorf("provider cannot be empty")
	}
	return nil
}

// UpdateFunc receives the current state (the zero State when none exists)
// and returns the state to persist. Returning an error aborts the update
// and nothing is written.
type UpdateFunc func(state ratelimit.State) (ratelimit.State, error)

// TxUpdateFunc is an UpdateFunc that also receives the transaction the
// update runs in. Writes made through tx commit or roll back together with
// the state.
type TxUpdateFunc func(tx *database.Tx, state ratelimit.State) (ratelimit.State, error)

// TxStore is implemented by stores whose updates run in a SQL transaction.
type TxStore interface {
	Store
	UpdateTx(ctx context.Context, key Key, fn TxUpdateFunc) error
}

// Store defines the interface for rate-limiter state persistence.
// Implementations must be thread-safe.
type Store interface {
	// Update runs fn inside the key's critical section and persists its
	// result. Two concurrent updates for the same key never observe the
	// same starting state.
	Update(ctx context.Context, key Key, fn UpdateFunc) error

	// Load returns the stored state and whether it exists.
	Load(ctx context.Context, key Key) (ratelimit.State, bool, error)

	// Cleanup removes entries not touched since idleBefore and returns
	// how many were removed. Stores that expire entries natively return 0.
	Cleanup(ctx context.Context, idleBefore time.Time) (int, error)

	// Close releases any resources held by the store.
	Close() error
}

// ErrConflict is returned when an optimistic update kept losing races and
// gave up.
var ErrConflict = errors.New("bucket state update conflict")
