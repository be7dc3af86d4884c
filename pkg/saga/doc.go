// Package saga coordinates token purchases.
//
// A purchase moves through STARTED, PAYMENT_RESERVED, TOKENS_ALLOCATED and
// COMPLETED. Any non-terminal step may end in FAILED instead, which emits a
// PAYMENT_RELEASE_REQUESTED compensation event. Each transition is written
// together with its outbox events in a single transaction, so the event log
// never runs ahead of or behind the stored status.
//
// Purchases carrying an idempotency key are deduplicated: a repeated key
// with the same payload returns the existing saga, while a repeated key
// with a different payload fails with ErrIdempotencyConflict.
//
// RecoveryJob finalizes sagas left in a non-terminal state by a crashed
// process. Because the quota credit and the TOKENS_ALLOCATED transition
// commit together, a stale TOKENS_ALLOCATED saga can be completed without
// re-checking the pool.
package saga
