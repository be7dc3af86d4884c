package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"mercator-hq/tokengate/pkg/database"
	"mercator-hq/tokengate/pkg/limits/tier"
	"mercator-hq/tokengate/pkg/telemetry/tracing"
)

// DefaultMaxRetries bounds compare-and-swap attempts per operation.
const DefaultMaxRetries = 5

var tracer = otel.Tracer("tokengate/quota")

// Config configures a Service.
type Config struct {
	// Window is the reset period. Zero or negative disables resets.
	Window time.Duration

	// MaxRetries bounds compare-and-swap attempts.
	// Default: 5
	MaxRetries int

	// Enforcement reports whether quotas are enforced. It is consulted on
	// every call so a config reload takes effect immediately. Nil means
	// always enforced.
	Enforcement func() bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Service applies reservations, releases and top-ups to token pools.
type Service struct {
	db          *database.DB
	repo        *SQLRepository
	window      time.Duration
	maxRetries  int
	enforcement func() bool
	logger      *slog.Logger
	clock       func() time.Time
}

// NewService creates a quota service on db.
func NewService(db *database.DB, cfg Config) *Service {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Enforcement == nil {
		cfg.Enforcement = func() bool { return true }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Service{
		db:          db,
		repo:        NewSQLRepository(),
		window:      cfg.Window,
		maxRetries:  cfg.MaxRetries,
		enforcement: cfg.Enforcement,
		logger:      cfg.Logger.With("component", "quota"),
		clock:       cfg.Clock,
	}
}

// Enforced reports whether quota enforcement is currently on.
func (s *Service) Enforced() bool {
	return s.enforcement()
}

// Reserve debits tokens from the owner's pool if enough remain. A missing
// pool is reported as not allowed with zero totals.
func (s *Service) Reserve(ctx context.Context, owner Owner, provider string, tokens int64, t tier.Tier) (Reservation, error) {
	if err := validate(owner, provider, tokens); err != nil {
		return Reservation{}, err
	}

	ctx, span := s.startSpan(ctx, "quota.reserve", owner, provider, tokens)
	defer span.End()

	if !s.enforcement() {
		return s.unenforcedReservation(ctx, owner, provider)
	}

	var res Reservation
	err := s.mutate(ctx, owner, provider, func(pool *Pool, now time.Time) bool {
		dirty := s.applyReset(pool, t, now)
		dirty = applyCap(pool, t, now) || dirty

		if pool.RemainingTokens < tokens {
			res = Reservation{Allowed: false, Total: pool.TotalTokens, Remaining: pool.RemainingTokens}
			return dirty
		}

		pool.reserveTokens(tokens, now)
		applyCap(pool, t, now)
		res = Reservation{Allowed: true, Total: pool.TotalTokens, Remaining: pool.RemainingTokens}
		return true
	})
	if errors.Is(err, ErrNotFound) {
		span.SetAttributes(attribute.Bool("tokengate.quota.pool_found", false))
		return Reservation{}, nil
	}
	if err != nil {
		tracing.SetError(span, err)
		return Reservation{}, err
	}

	span.SetAttributes(
		attribute.Bool("tokengate.quota.allowed", res.Allowed),
		attribute.Int64("tokengate.quota.remaining", res.Remaining),
	)
	return res, nil
}

func (s *Service) unenforcedReservation(ctx context.Context, owner Owner, provider string) (Reservation, error) {
	pool, err := s.repo.Find(ctx, s.db, owner, provider, false)
	if errors.Is(err, database.ErrNotFound) {
		return Reservation{Allowed: true, Remaining: UnboundedRemaining}, nil
	}
	if err != nil {
		return Reservation{}, err
	}
	return Reservation{Allowed: true, Total: pool.TotalTokens, Remaining: pool.RemainingTokens}, nil
}

// Release credits tokens back to the owner's pool, never above the
// purchased total or the tier cap. It does nothing when the owner has no
// pool or enforcement is off.
func (s *Service) Release(ctx context.Context, owner Owner, provider string, tokens int64, t tier.Tier) error {
	if err := validate(owner, provider, tokens); err != nil {
		return err
	}
	if !s.enforcement() {
		return nil
	}

	ctx, span := s.startSpan(ctx, "quota.release", owner, provider, tokens)
	defer span.End()

	err := s.mutate(ctx, owner, provider, func(pool *Pool, now time.Time) bool {
		s.applyReset(pool, t, now)
		pool.releaseTokens(tokens, now)
		applyCap(pool, t, now)
		return true
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		tracing.SetError(span, err)
	}
	return err
}

// AddTokens credits a purchase to the owner's pool, creating the pool on
// first use.
func (s *Service) AddTokens(ctx context.Context, owner Owner, provider string, tokens int64, t tier.Tier) (*Pool, error) {
	if err := validate(owner, provider, tokens); err != nil {
		return nil, err
	}

	ctx, span := s.startSpan(ctx, "quota.add_tokens", owner, provider, tokens)
	defer span.End()

	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		var pool *Pool
		err := s.db.InTx(ctx, func(tx *database.Tx) error {
			var err error
			pool, err = s.addTokens(ctx, tx, owner, provider, tokens, t)
			return err
		})
		if errors.Is(err, errStaleVersion) {
			s.logger.Debug("pool version conflict, retrying",
				"owner", owner.String(),
				"provider", provider,
				"attempt", attempt,
			)
			continue
		}
		if err != nil {
			tracing.SetError(span, err)
			return nil, err
		}
		return pool, nil
	}

	tracing.SetError(span, ErrConcurrentUpdate)
	return nil, ErrConcurrentUpdate
}

// AddTokensTx credits a purchase inside the caller's transaction so the
// credit commits or rolls back together with the caller's other writes.
// There is no retry; a lost compare-and-swap returns ErrConcurrentUpdate.
func (s *Service) AddTokensTx(ctx context.Context, tx *database.Tx, owner Owner, provider string, tokens int64, t tier.Tier) (*Pool, error) {
	if err := validate(owner, provider, tokens); err != nil {
		return nil, err
	}

	pool, err := s.addTokens(ctx, tx, owner, provider, tokens, t)
	if errors.Is(err, errStaleVersion) {
		return nil, ErrConcurrentUpdate
	}
	return pool, err
}

func (s *Service) addTokens(ctx context.Context, tx *database.Tx, owner Owner, provider string, tokens int64, t tier.Tier) (*Pool, error) {
	now := s.clock().UTC()

	// Insert an empty pool first so the locked read below always finds a
	// row, even when two first purchases race.
	empty := &Pool{Owner: owner, Provider: provider, CreatedAt: now, UpdatedAt: now}
	if s.window > 0 {
		next := now.Add(s.window)
		empty.ResetTime = &next
	}
	if _, err := s.repo.Create(ctx, tx, empty); err != nil {
		return nil, err
	}

	pool, err := s.repo.Find(ctx, tx, owner, provider, true)
	if err != nil {
		return nil, err
	}

	s.applyReset(pool, t, now)
	pool.addTokens(tokens, now)
	if s.window > 0 {
		pool.ensureResetTime(now, s.window)
	}
	applyCap(pool, t, now)

	if err := s.repo.Update(ctx, tx, pool); err != nil {
		return nil, err
	}
	return pool, nil
}

// GetQuota returns the owner's pool after applying any due reset and the
// tier's quota cap. It returns ErrNotFound when no pool exists.
func (s *Service) GetQuota(ctx context.Context, owner Owner, provider string, t tier.Tier) (*Pool, error) {
	if err := validate(owner, provider, 1); err != nil {
		return nil, err
	}

	var found *Pool
	err := s.mutate(ctx, owner, provider, func(pool *Pool, now time.Time) bool {
		found = pool
		dirty := s.applyReset(pool, t, now)
		return applyCap(pool, t, now) || dirty
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// mutate loads the pool under lock, applies fn and writes the pool back
// when fn reports a change. Lost compare-and-swaps are retried.
func (s *Service) mutate(ctx context.Context, owner Owner, provider string, fn func(pool *Pool, now time.Time) bool) error {
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		err := s.db.InTx(ctx, func(tx *database.Tx) error {
			pool, err := s.repo.Find(ctx, tx, owner, provider, true)
			if errors.Is(err, database.ErrNotFound) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}

			if !fn(pool, s.clock().UTC()) {
				return nil
			}
			return s.repo.Update(ctx, tx, pool)
		})
		if errors.Is(err, errStaleVersion) {
			s.logger.Debug("pool version conflict, retrying",
				"owner", owner.String(),
				"provider", provider,
				"attempt", attempt,
			)
			continue
		}
		return err
	}
	return ErrConcurrentUpdate
}

// applyReset backfills a missing reset time and restores the balance once
// the window has elapsed. It reports whether the pool changed.
func (s *Service) applyReset(pool *Pool, t tier.Tier, now time.Time) bool {
	if s.window <= 0 {
		return false
	}
	if pool.ResetTime == nil {
		return pool.ensureResetTime(now, s.window)
	}
	if pool.ResetTime.After(now) {
		return false
	}
	pool.resetWindow(now, s.window)
	applyCap(pool, t, now)
	return true
}

func applyCap(pool *Pool, t tier.Tier, now time.Time) bool {
	limit, ok := t.QuotaCap()
	if !ok {
		return false
	}
	return pool.capRemaining(limit, now)
}

func (s *Service) startSpan(ctx context.Context, name string, owner Owner, provider string, tokens int64) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String(tracing.AttrOwnerKind, string(owner.Kind)),
		attribute.String(tracing.AttrProvider, provider),
		attribute.Int64(tracing.AttrTokens, tokens),
	))
}

func validate(owner Owner, provider string, tokens int64) error {
	if err := owner.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(provider) == "" {
		return fmt.Errorf("quota: provider cannot be empty")
	}
	if tokens <= 0 {
		return ErrInvalidAmount
	}
	return nil
}
