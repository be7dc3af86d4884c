// Package outbox implements the transactional outbox.
//
// Components that change durable state append an Entry with Append inside
// the same transaction as the change, so an event exists if and only if the
// change committed. The Publisher drains unpublished entries to a bus.Bus
// in creation order and marks each one published only after the broker
// acknowledges it. A failed send stops the batch; the same entries are
// retried on the next tick, so delivery is at-least-once and never skips
// ahead of a stuck entry.
package outbox
