package saga

import (
	"errors"
	"fmt"
	"time"
)

// Status is the state of a purchase saga.
type Status string

const (
	StatusStarted         Status = "STARTED"
	StatusPaymentReserved Status = "PAYMENT_RESERVED"
	StatusTokensAllocated Status = "TOKENS_ALLOCATED"
	StatusCompleted       Status = "COMPLETED"
	StatusFailed          Status = "FAILED"
)

// Event types written to the outbox.
const (
	EventPurchaseStarted         = "TOKEN_PURCHASE_STARTED"
	EventPaymentReserved         = "TOKEN_PAYMENT_RESERVED"
	EventTokensAllocated         = "TOKEN_ALLOCATED"
	EventPurchaseCompleted       = "TOKEN_PURCHASE_COMPLETED"
	EventPurchaseFailed          = "TOKEN_PURCHASE_FAILED"
	EventPaymentReleaseRequested = "PAYMENT_RELEASE_REQUESTED"
)

// Aggregate types written to the outbox.
const (
	AggregateSaga                 = "TokenPurchaseSaga"
	AggregateCompensation         = "TokenPurchaseSagaCompensation"
	AggregateRecovery             = "TokenPurchaseSagaRecovery"
	AggregateRecoveryCompensation = "TokenPurchaseSagaRecoveryCompensation"
)

// MaxIdempotencyKeyLength is the longest accepted idempotency key.
const MaxIdempotencyKeyLength = 100

var (
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("saga: invalid request")

	// ErrIdempotencyConflict is returned when an idempotency key is reused
	// with a different payload.
	ErrIdempotencyConflict = errors.New("saga: idempotency key reused with a different request")

	// ErrInvalidTransition is returned for a status change the state
	// machine does not allow.
	ErrInvalidTransition = errors.New("saga: invalid status transition")

	// ErrNotFound is returned when no saga has the requested id.
	ErrNotFound = errors.New("saga: not found")

	// errStatusChanged signals that a guarded update found the saga in a
	// different status than expected.
	errStatusChanged = errors.New("saga: status changed concurrently")
)

// transitions lists the allowed moves out of each status. Terminal states
// have no entry.
var transitions = map[Status][]Status{
	StatusStarted:         {StatusPaymentReserved, StatusFailed},
	StatusPaymentReserved: {StatusTokensAllocated, StatusFailed},
	StatusTokensAllocated: {StatusCompleted, StatusFailed},
}

// Next validates a move from current to to and returns to when allowed.
func Next(current, to Status) (Status, error) {
	for _, allowed := range transitions[current] {
		if allowed == to {
			return to, nil
		}
	}
	return current, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Saga is a stored purchase.
type Saga struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"userId"`
	OrgID          string    `json:"orgId,omitempty"`
	Provider       string    `json:"provider"`
	Tokens         int64     `json:"tokens"`
	Status         Status    `json:"status"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	FailureReason  string    `json:"failureReason,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Request is a purchase of Tokens for Provider. When OrgID is set the
// tokens are credited to the organization pool instead of the user's.
type Request struct {
	OwnerID  string
	OrgID    string
	Provider string
	Tokens   int64
}

// Result is returned by Start.
type Result struct {
	SagaID    string    `json:"sagaId"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// Snapshot is the outbox payload for a saga event. It is built when the
// transition happens and never changes afterwards.
type Snapshot struct {
	SagaID     string    `json:"sagaId"`
	OwnerID    string    `json:"ownerId"`
	OrgID      string    `json:"orgId,omitempty"`
	Provider   string    `json:"provider"`
	Tokens     int64     `json:"tokens"`
	Status     Status    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

func (s *Saga) snapshot(at time.Time) Snapshot {
	return Snapshot{
		SagaID:     s.ID,
		OwnerID:    s.OwnerID,
		OrgID:      s.OrgID,
		Provider:   s.Provider,
		Tokens:     s.Tokens,
		Status:     s.Status,
		Reason:     s.FailureReason,
		OccurredAt: at,
	}
}

func (s *Saga) result() Result {
	return Result{SagaID: s.ID, Status: s.Status, CreatedAt: s.CreatedAt}
}

// matches reports whether req describes the same purchase as s.
func (s *Saga) matches(req Request) bool {
	return s.OwnerID == req.OwnerID &&
		s.OrgID == req.OrgID &&
		s.Provider == req.Provider &&
		s.Tokens == req.Tokens
}

// ValidationError describes a rejected purchase request.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("saga: invalid %s: %s", e.Field, e.Message)
}

// Is makes errors.Is(err, ErrValidation) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ConflictError reports an idempotency key reused with another payload.
type ConflictError struct {
	IdempotencyKey string
	SagaID         string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("saga: idempotency key %q already used by saga %s with a different request", e.IdempotencyKey, e.SagaID)
}

// Unwrap returns ErrIdempotencyConflict.
func (e *ConflictError) Unwrap() error {
	return ErrIdempotencyConflict
}
