package limits

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"mercator-hq/tokengate/pkg/config"
	"mercator-hq/tokengate/pkg/database"
	"mercator-hq/tokengate/pkg/limits/ratelimit"
	"mercator-hq/tokengate/pkg/limits/storage"
	"mercator-hq/tokengate/pkg/limits/tier"
	"mercator-hq/tokengate/pkg/outbox"
	"mercator-hq/tokengate/pkg/telemetry/metrics"
	"mercator-hq/tokengate/pkg/telemetry/tracing"
)

// Usage event identifiers written to the outbox.
const (
	AggregateUsage = "TokenUsage"
	EventUsage     = "TOKEN_USAGE"
)

var tracer = otel.Tracer("tokengate/limits")

// BucketServiceConfig configures a BucketService.
type BucketServiceConfig struct {
	// Bucket holds the base bucket settings and per-provider overrides.
	Bucket config.BucketConfig

	// DB receives usage events. Nil disables them regardless of
	// Bucket.UsageEvents.
	DB *database.DB

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *metrics.Collector

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// bucketSettings is the parsed, immutable form of config.BucketConfig.
type bucketSettings struct {
	base        ratelimit.Config
	providers   map[string]ratelimit.Config
	usageEvents bool
	entryTTL    time.Duration
}

// BucketService applies the per-(subject, provider) rate limit.
//
// Bucket state lives in a storage.Store; the decision itself is the pure
// ratelimit.TryConsume, run inside the store's per-key critical section.
type BucketService struct {
	store    storage.Store
	db       *database.DB
	settings atomic.Pointer[bucketSettings]
	logger   *slog.Logger
	metrics  *metrics.Collector
	clock    func() time.Time
}

// UsageEvent is the payload of a TOKEN_USAGE outbox entry.
type UsageEvent struct {
	UserID    string    `json:"userId"`
	Provider  string    `json:"provider"`
	Tokens    int64     `json:"tokens"`
	Allowed   bool      `json:"allowed"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBucketService creates a bucket service over store.
func NewBucketService(store storage.Store, cfg BucketServiceConfig) (*BucketService, error) {
	if store == nil {
		return nil, fmt.Errorf("bucket store cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	s := &BucketService{
		store:   store,
		db:      cfg.DB,
		logger:  cfg.Logger.With("component", "limits.bucket"),
		metrics: cfg.Metrics,
		clock:   cfg.Clock,
	}
	if err := s.UpdateConfig(cfg.Bucket); err != nil {
		return nil, err
	}
	return s, nil
}

// UpdateConfig swaps in new bucket settings. Buckets already stored keep
// their level; a changed strategy resets them on next use.
func (s *BucketService) UpdateConfig(cfg config.BucketConfig) error {
	base, err := bucketConfig(cfg.Strategy, cfg.Capacity, cfg.LeakRatePerSecond, cfg.WindowSeconds)
	if err != nil {
		return err
	}

	settings := &bucketSettings{
		base:        base,
		providers:   make(map[string]ratelimit.Config, len(cfg.Providers)),
		usageEvents: config.Bool(cfg.UsageEvents, config.DefaultBucketUsageEvents),
		entryTTL:    cfg.EntryTTL,
	}
	for name, o := range cfg.Providers {
		override := base
		if o.Strategy != "" {
			if override.Strategy, err = ratelimit.ParseStrategy(o.Strategy); err != nil {
				return fmt.Errorf("provider %s: %w", name, err)
			}
		}
		if o.Capacity > 0 {
			override.Capacity = o.Capacity
		}
		if o.LeakRatePerSecond > 0 {
			override.Rate = o.LeakRatePerSecond
		}
		if o.WindowSeconds > 0 {
			override.WindowSeconds = o.WindowSeconds
		}
		settings.providers[normalizeProvider(name)] = override
	}

	s.settings.Store(settings)
	return nil
}

// ConfigFor returns the effective bucket configuration for provider after
// applying t's multipliers.
func (s *BucketService) ConfigFor(provider string, t tier.Tier) ratelimit.Config {
	settings := s.settings.Load()
	cfg, ok := settings.providers[normalizeProvider(provider)]
	if !ok {
		cfg = settings.base
	}
	return cfg.Scale(t.CapacityMultiplier, t.RateMultiplier)
}

// Consume takes tokens from the caller's bucket. A denial is a result with
// Allowed false, not an error.
func (s *BucketService) Consume(ctx context.Context, subject, provider string, tokens int64, t tier.Tier) (ratelimit.Result, error) {
	key := storage.Key{Subject: subject, Provider: provider}
	if err := key.Validate(); err != nil {
		return ratelimit.Result{}, err
	}
	if tokens <= 0 {
		return ratelimit.Result{}, ratelimit.ErrInvalidAmount
	}

	ctx, span := tracer.Start(ctx, "bucket.consume")
	defer span.End()
	tracing.SetAdmissionAttributes(span, subject, provider, tokens)

	cfg := s.ConfigFor(provider, t)
	span.SetAttributes(
		attribute.String(tracing.AttrStrategy, string(cfg.Strategy)),
		attribute.String(tracing.AttrTier, t.Name),
	)

	var result ratelimit.Result
	consume := func(state ratelimit.State) (ratelimit.State, error) {
		next, r, err := ratelimit.TryConsume(state, cfg, tokens, s.clock().UTC())
		if err != nil {
			return state, err
		}
		result = r
		return next, nil
	}

	// A SQL store commits the usage event with the bucket transition.
	// Other stores cannot share a transaction, so the event follows the
	// update.
	usage := s.db != nil && s.settings.Load().usageEvents
	txStore, inTx := s.store.(storage.TxStore)
	inTx = inTx && usage

	var err error
	if inTx {
		err = txStore.UpdateTx(ctx, key, func(tx *database.Tx, state ratelimit.State) (ratelimit.State, error) {
			next, err := consume(state)
			if err != nil {
				return state, err
			}
			entry, err := usageEntry(subject, provider, tokens, result)
			if err != nil {
				return state, err
			}
			return next, outbox.Append(ctx, tx, entry)
		})
	} else {
		err = s.store.Update(ctx, key, consume)
	}
	if err != nil {
		tracing.SetError(span, err)
		return ratelimit.Result{}, fmt.Errorf("consume from bucket %s: %w", key, err)
	}

	span.SetAttributes(attribute.Bool(tracing.AttrAllowed, result.Allowed))
	if !result.Allowed {
		s.metrics.RecordBucketWait(provider, string(cfg.Strategy), result.WaitSeconds, result.WaitSeconds == ratelimit.UnboundedWait)
		s.logger.DebugContext(ctx, "bucket denied",
			"subject", subject,
			"provider", provider,
			"tokens", tokens,
			"wait_seconds", result.WaitSeconds,
		)
	}

	if usage && !inTx {
		s.recordUsage(ctx, subject, provider, tokens, result)
	}
	return result, nil
}

// Peek reports the caller's bucket without consuming from it.
func (s *BucketService) Peek(ctx context.Context, subject, provider string, t tier.Tier) (ratelimit.Result, error) {
	key := storage.Key{Subject: subject, Provider: provider}
	if err := key.Validate(); err != nil {
		return ratelimit.Result{}, err
	}

	state, _, err := s.store.Load(ctx, key)
	if err != nil {
		return ratelimit.Result{}, fmt.Errorf("load bucket %s: %w", key, err)
	}
	return ratelimit.Peek(state, s.ConfigFor(provider, t), s.clock().UTC()), nil
}

// Cleanup evicts buckets idle for longer than the configured entry TTL.
func (s *BucketService) Cleanup(ctx context.Context) (int, error) {
	ttl := s.settings.Load().entryTTL
	if ttl <= 0 {
		return 0, nil
	}

	removed, err := s.store.Cleanup(ctx, s.clock().Add(-ttl))
	if err != nil {
		return 0, err
	}
	s.metrics.RecordBucketEvictions(removed)
	return removed, nil
}

// recordUsage appends a TOKEN_USAGE event after the bucket update has
// committed. Failures are logged; the consume decision stands.
func (s *BucketService) recordUsage(ctx context.Context, subject, provider string, tokens int64, result ratelimit.Result) {
	entry, err := usageEntry(subject, provider, tokens, result)
	if err == nil {
		err = outbox.Append(ctx, s.db, entry)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "failed to record usage event",
			"subject", subject,
			"provider", provider,
			"error", err,
		)
	}
}

func usageEntry(subject, provider string, tokens int64, result ratelimit.Result) (outbox.Entry, error) {
	return outbox.NewEntry(AggregateUsage, "", EventUsage, UsageEvent{
		UserID:    subject,
		Provider:  provider,
		Tokens:    tokens,
		Allowed:   result.Allowed,
		Timestamp: result.Timestamp,
	}, result.Timestamp)
}

func bucketConfig(strategy string, capacity int64, rate float64, windowSeconds int64) (ratelimit.Config, error) {
	parsed, err := ratelimit.ParseStrategy(strategy)
	if err != nil {
		return ratelimit.Config{}, err
	}
	if capacity <= 0 {
		return ratelimit.Config{}, fmt.Errorf("bucket capacity must be positive, got %d", capacity)
	}
	return ratelimit.Config{
		Strategy:      parsed,
		Capacity:      capacity,
		Rate:          rate,
		WindowSeconds: windowSeconds,
	}, nil
}

func normalizeProvider(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
