package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"mercator-hq/tokengate/pkg/limits"
	"mercator-hq/tokengate/pkg/limits/quota"
	"mercator-hq/tokengate/pkg/limits/ratelimit"
	"mercator-hq/tokengate/pkg/limits/tier"
	"mercator-hq/tokengate/pkg/telemetry/metrics"
	"mercator-hq/tokengate/pkg/telemetry/tracing"
)

var tracer = otel.Tracer("tokengate/admission")

// Reason explains a denied Decision.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonRateLimited       Reason = "RATE_LIMITED"
	ReasonQuotaInsufficient Reason = "QUOTA_INSUFFICIENT"
)

// Consume outcomes, used as the metrics label.
const (
	OutcomeAttempt           = "attempt"
	OutcomeAllowed           = "allowed"
	OutcomeRateLimited       = "rate_limited"
	OutcomeQuotaInsufficient = "quota_insufficient"
	OutcomeError             = "error"
)

// ErrValidation matches every *ValidationError.
var ErrValidation = errors.New("admission: invalid request")

// ValidationError describes a rejected consume request.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("admission: invalid %s: %s", e.Field, e.Message)
}

// Is makes errors.Is(err, ErrValidation) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Request asks to spend Tokens against Provider. OrgID, when set, charges
// the organization pool; the bucket is always the subject's.
type Request struct {
	SubjectID string
	OrgID     string
	Provider  string
	Tokens    int64
	Tier      tier.Tier
}

// Decision is the outcome of Consume.
type Decision struct {
	Allowed bool
	Reason  Reason

	// Bucket is the rate-limit result. It is zero when the quota check
	// denied the request before the bucket was consulted.
	Bucket ratelimit.Result

	// Quota is the reservation outcome.
	Quota quota.Reservation
}

// Config configures a Consumer.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Consumer runs the reserve, consume and release-on-denial flow.
type Consumer struct {
	buckets *limits.BucketService
	quotas  *quota.Service
	logger  *slog.Logger
	metrics *metrics.Collector
}

// NewConsumer creates a consumer.
func NewConsumer(buckets *limits.BucketService, quotas *quota.Service, cfg Config) *Consumer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Consumer{
		buckets: buckets,
		quotas:  quotas,
		logger:  cfg.Logger.With("component", "admission"),
		metrics: cfg.Metrics,
	}
}

// Consume admits or denies req. Denials are decisions, not errors; an
// error means the request was malformed or a backing store failed.
func (c *Consumer) Consume(ctx context.Context, req Request) (Decision, error) {
	if err := normalize(&req); err != nil {
		return Decision{}, err
	}

	ctx, span := tracer.Start(ctx, "admission.consume")
	defer span.End()
	tracing.SetAdmissionAttributes(span, req.SubjectID, req.Provider, req.Tokens)

	c.metrics.RecordConsume(req.Provider, OutcomeAttempt)

	owner := quota.UserOwner(req.SubjectID)
	if req.OrgID != "" {
		owner = quota.OrgOwner(req.OrgID)
	}

	reservation, err := c.quotas.Reserve(ctx, owner, req.Provider, req.Tokens, req.Tier)
	if err != nil {
		return c.fail(ctx, span, req, fmt.Errorf("reserve quota: %w", err))
	}
	if !reservation.Allowed {
		c.metrics.RecordConsume(req.Provider, OutcomeQuotaInsufficient)
		tracing.SetDecisionAttributes(span, false, string(ReasonQuotaInsufficient))
		return Decision{Reason: ReasonQuotaInsufficient, Quota: reservation}, nil
	}

	result, err := c.buckets.Consume(ctx, req.SubjectID, req.Provider, req.Tokens, req.Tier)
	if err != nil {
		c.release(ctx, owner, req)
		return c.fail(ctx, span, req, err)
	}

	if !result.Allowed {
		c.release(ctx, owner, req)
		c.metrics.RecordConsume(req.Provider, OutcomeRateLimited)
		tracing.SetDecisionAttributes(span, false, string(ReasonRateLimited))
		return Decision{Reason: ReasonRateLimited, Bucket: result, Quota: reservation}, nil
	}

	c.metrics.RecordConsume(req.Provider, OutcomeAllowed)
	tracing.SetDecisionAttributes(span, true, string(ReasonNone))
	return Decision{Allowed: true, Bucket: result, Quota: reservation}, nil
}

func (c *Consumer) release(ctx context.Context, owner quota.Owner, req Request) {
	if err := c.quotas.Release(ctx, owner, req.Provider, req.Tokens, req.Tier); err != nil {
		c.logger.ErrorContext(ctx, "failed to release quota reservation",
			"owner", owner.String(),
			"provider", req.Provider,
			"tokens", req.Tokens,
			"error", err,
		)
	}
}

func (c *Consumer) fail(ctx context.Context, span trace.Span, req Request, err error) (Decision, error) {
	c.metrics.RecordConsume(req.Provider, OutcomeError)
	tracing.SetError(span, err)
	c.logger.ErrorContext(ctx, "consume failed",
		"subject", req.SubjectID,
		"provider", req.Provider,
		"error", err,
	)
	return Decision{}, err
}

func normalize(req *Request) error {
	req.SubjectID = strings.TrimSpace(req.SubjectID)
	req.OrgID = strings.TrimSpace(req.OrgID)
	req.Provider = strings.TrimSpace(req.Provider)

	if req.SubjectID == "" {
		return &ValidationError{Field: "userId", Message: "is required"}
	}
	if req.Provider == "" {
		return &ValidationError{Field: "provider", Message: "is required"}
	}
	if req.Tokens <= 0 {
		return &ValidationError{Field: "tokens", Message: "must be positive"}
	}
	if _, err := uuid.Parse(req.SubjectID); err != nil {
		return &ValidationError{Field: "userId", Message: "must be a UUID"}
	}
	if req.OrgID != "" {
		if _, err := uuid.Parse(req.OrgID); err != nil {
			return &ValidationError{Field: "orgId", Message: "must be a UUID"}
		}
	}
	return nil
}
