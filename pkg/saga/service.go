package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"mercator-hq/tokengate/pkg/database"
	"mercator-hq/tokengate/pkg/limits/quota"
	"mercator-hq/tokengate/pkg/limits/tier"
	"mercator-hq/tokengate/pkg/outbox"
	"mercator-hq/tokengate/pkg/telemetry/metrics"
	"mercator-hq/tokengate/pkg/telemetry/tracing"
)

var tracer = otel.Tracer("tokengate/saga")

// Config configures a Service.
type Config struct {
	// SimulateFailure forces purchases to fail after payment reservation.
	// It is consulted per purchase so a config reload applies at once.
	// Nil means never.
	SimulateFailure func() bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *metrics.Collector

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Service runs purchase sagas.
type Service struct {
	db              *database.DB
	repo            Repository
	quota           *quota.Service
	simulateFailure func() bool
	logger          *slog.Logger
	metrics         *metrics.Collector
	clock           func() time.Time
}

// NewService creates a saga service that credits purchases through q.
func NewService(db *database.DB, q *quota.Service, cfg Config) *Service {
	if cfg.SimulateFailure == nil {
		cfg.SimulateFailure = func() bool { return false }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Service{
		db:              db,
		repo:            NewSQLRepository(),
		quota:           q,
		simulateFailure: cfg.SimulateFailure,
		logger:          cfg.Logger.With("component", "saga"),
		metrics:         cfg.Metrics,
		clock:           cfg.Clock,
	}
}

// event is one outbox entry to write alongside a transition.
type event struct {
	aggregateType string
	eventType     string
}

// Start runs a purchase to completion or failure and returns its final
// status. A failed step is reported as StatusFailed, not as an error; only
// invalid input, idempotency conflicts and storage failures are errors.
func (s *Service) Start(ctx context.Context, req Request, t tier.Tier, idempotencyKey string) (Result, error) {
	key, err := normalize(&req, idempotencyKey)
	if err != nil {
		return Result{}, err
	}

	ctx, span := tracer.Start(ctx, "saga.start")
	defer span.End()
	tracing.SetAdmissionAttributes(span, req.OwnerID, req.Provider, req.Tokens)

	if key != "" {
		existing, err := s.repo.FindByIdempotencyKey(ctx, s.db, key)
		switch {
		case err == nil:
			return s.replay(span, existing, req)
		case !errors.Is(err, ErrNotFound):
			tracing.SetError(span, err)
			return Result{}, err
		}
	}

	saga, err := s.create(ctx, req, key)
	if err != nil {
		if key != "" && database.IsUniqueViolation(err) {
			existing, findErr := s.repo.FindByIdempotencyKey(ctx, s.db, key)
			if findErr != nil {
				tracing.SetError(span, findErr)
				return Result{}, findErr
			}
			return s.replay(span, existing, req)
		}
		tracing.SetError(span, err)
		return Result{}, err
	}

	result, err := s.run(ctx, saga, t)
	if err != nil {
		tracing.SetError(span, err)
		return Result{}, err
	}
	tracing.SetSagaAttributes(span, result.SagaID, string(result.Status))
	return result, nil
}

// Get returns the saga with id.
func (s *Service) Get(ctx context.Context, id string) (*Saga, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, &ValidationError{Field: "sagaId", Message: "must be a UUID"}
	}
	return s.repo.FindByID(ctx, s.db, id)
}

func (s *Service) replay(span trace.Span, existing *Saga, req Request) (Result, error) {
	if !existing.matches(req) {
		err := &ConflictError{IdempotencyKey: existing.IdempotencyKey, SagaID: existing.ID}
		tracing.SetError(span, err)
		return Result{}, err
	}
	tracing.SetSagaAttributes(span, existing.ID, string(existing.Status))
	tracing.AddEvent(span, "saga.replayed")
	return existing.result(), nil
}

func (s *Service) create(ctx context.Context, req Request, key string) (*Saga, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("saga: generate id: %w", err)
	}

	now := s.now()
	saga := &Saga{
		ID:             id.String(),
		OwnerID:        req.OwnerID,
		OrgID:          req.OrgID,
		Provider:       req.Provider,
		Tokens:         req.Tokens,
		Status:         StatusStarted,
		IdempotencyKey: key,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = s.db.InTx(ctx, func(tx *database.Tx) error {
		if err := s.repo.Insert(ctx, tx, saga); err != nil {
			return err
		}
		return appendEvents(ctx, tx, saga, now, event{AggregateSaga, EventPurchaseStarted})
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordSagaTransition(string(StatusStarted))
	s.logger.InfoContext(ctx, "purchase saga started",
		"saga_id", saga.ID,
		"provider", saga.Provider,
		"tokens", saga.Tokens,
	)
	return saga, nil
}

// run drives a STARTED saga through the remaining steps.
func (s *Service) run(ctx context.Context, saga *Saga, t tier.Tier) (Result, error) {
	reserved := *saga
	err := s.db.InTx(ctx, func(tx *database.Tx) error {
		return s.transition(ctx, tx, &reserved, StatusPaymentReserved, "", event{AggregateSaga, EventPaymentReserved})
	})
	if err != nil {
		return s.fail(ctx, saga, err)
	}
	*saga = reserved
	s.metrics.RecordSagaTransition(string(StatusPaymentReserved))

	if s.simulateFailure() {
		return s.fail(ctx, saga, errors.New("simulated failure"))
	}

	owner := quota.UserOwner(saga.OwnerID)
	if saga.OrgID != "" {
		owner = quota.OrgOwner(saga.OrgID)
	}

	allocated := *saga
	err = s.db.InTx(ctx, func(tx *database.Tx) error {
		if _, err := s.quota.AddTokensTx(ctx, tx, owner, saga.Provider, saga.Tokens, t); err != nil {
			return fmt.Errorf("allocate tokens: %w", err)
		}
		return s.transition(ctx, tx, &allocated, StatusTokensAllocated, "", event{AggregateSaga, EventTokensAllocated})
	})
	if err != nil {
		return s.fail(ctx, saga, err)
	}
	*saga = allocated
	s.metrics.RecordSagaTransition(string(StatusTokensAllocated))

	completed := *saga
	err = s.db.InTx(ctx, func(tx *database.Tx) error {
		return s.transition(ctx, tx, &completed, StatusCompleted, "", event{AggregateSaga, EventPurchaseCompleted})
	})
	if err != nil {
		// The credit is durable; recovery completes the saga later.
		s.logger.WarnContext(ctx, "failed to complete purchase saga",
			"saga_id", saga.ID,
			"error", err,
		)
		return saga.result(), nil
	}
	*saga = completed
	s.metrics.RecordSagaTransition(string(StatusCompleted))

	s.logger.InfoContext(ctx, "purchase saga completed",
		"saga_id", saga.ID,
		"owner", owner.String(),
		"tokens", saga.Tokens,
	)
	return saga.result(), nil
}

// fail moves saga to FAILED and requests a payment release. The cause is
// recorded on the saga rather than returned.
func (s *Service) fail(ctx context.Context, saga *Saga, cause error) (Result, error) {
	s.logger.WarnContext(ctx, "purchase saga step failed",
		"saga_id", saga.ID,
		"status", saga.Status,
		"error", cause,
	)

	failed := *saga
	err := s.db.InTx(ctx, func(tx *database.Tx) error {
		return s.transition(ctx, tx, &failed, StatusFailed, cause.Error(),
			event{AggregateSaga, EventPurchaseFailed},
			event{AggregateCompensation, EventPaymentReleaseRequested},
		)
	})
	if errors.Is(err, errStatusChanged) {
		// Recovery got there first; report what it stored.
		current, findErr := s.repo.FindByID(ctx, s.db, saga.ID)
		if findErr != nil {
			return Result{}, findErr
		}
		return current.result(), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("saga %s: record failure: %w", saga.ID, err)
	}
	*saga = failed
	s.metrics.RecordSagaTransition(string(StatusFailed))
	return saga.result(), nil
}

// transition moves saga to status inside tx and appends events. saga is
// updated in place, so callers pass a copy when the tx may roll back.
func (s *Service) transition(ctx context.Context, tx *database.Tx, saga *Saga, to Status, reason string, events ...event) error {
	return applyTransition(ctx, tx, s.repo, saga, to, reason, s.now(), events...)
}

func (s *Service) now() time.Time {
	return s.clock().UTC().Truncate(time.Millisecond)
}

func applyTransition(ctx context.Context, tx *database.Tx, repo Repository, saga *Saga, to Status, reason string, now time.Time, events ...event) error {
	next, err := Next(saga.Status, to)
	if err != nil {
		return err
	}
	if err := repo.UpdateStatus(ctx, tx, saga.ID, saga.Status, next, reason, now); err != nil {
		return err
	}

	saga.Status = next
	saga.UpdatedAt = now
	if reason != "" {
		saga.FailureReason = reason
	}
	return appendEvents(ctx, tx, saga, now, events...)
}

func appendEvents(ctx context.Context, q database.Querier, saga *Saga, now time.Time, events ...event) error {
	snapshot := saga.snapshot(now)
	for _, ev := range events {
		entry, err := outbox.NewEntry(ev.aggregateType, saga.ID, ev.eventType, snapshot, now)
		if err != nil {
			return err
		}
		if err := outbox.Append(ctx, q, entry); err != nil {
			return err
		}
	}
	return nil
}

// normalize validates req in place and returns the trimmed idempotency key.
func normalize(req *Request, idempotencyKey string) (string, error) {
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	req.OrgID = strings.TrimSpace(req.OrgID)
	req.Provider = strings.TrimSpace(req.Provider)

	if req.OwnerID == "" {
		return "", &ValidationError{Field: "userId", Message: "is required"}
	}
	if _, err := uuid.Parse(req.OwnerID); err != nil {
		return "", &ValidationError{Field: "userId", Message: "must be a UUID"}
	}
	if req.OrgID != "" {
		if _, err := uuid.Parse(req.OrgID); err != nil {
			return "", &ValidationError{Field: "orgId", Message: "must be a UUID"}
		}
	}
	if req.Provider == "" {
		return "", &ValidationError{Field: "provider", Message: "is required"}
	}
	if req.Tokens <= 0 {
		return "", &ValidationError{Field: "tokens", Message: "must be positive"}
	}

	key := strings.TrimSpace(idempotencyKey)
	if len(key) > MaxIdempotencyKeyLength {
		return "", &ValidationError{
			Field:   "idempotencyKey",
			Message: fmt.Sprintf("must be at most %d characters", MaxIdempotencyKeyLength),
		}
	}
	return key, nil
}
