package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"mercator-hq/tokengate/pkg/config"
	"mercator-hq/tokengate/pkg/outbox/bus"
	"mercator-hq/tokengate/pkg/telemetry/metrics"
	"mercator-hq/tokengate/pkg/telemetry/tracing"
)

var tracer = otel.Tracer("tokengate/outbox")

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	// BatchSize bounds entries read per tick.
	BatchSize int

	// PollInterval is the Run tick period.
	PollInterval time.Duration

	// Topic is the destination passed to the bus.
	Topic string

	// MaxPublishRate caps sends per second. Zero means unlimited.
	MaxPublishRate float64

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *metrics.Collector

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Publisher drains the outbox to a bus.
type Publisher struct {
	store   *SQLStore
	bus     bus.Bus
	cfg     PublisherConfig
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewPublisher creates a publisher. Zero config values take the package
// defaults from config.
func NewPublisher(store *SQLStore, b bus.Bus, cfg PublisherConfig) *Publisher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = config.DefaultOutboxBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = config.DefaultOutboxPollInterval
	}
	if cfg.Topic == "" {
		cfg.Topic = config.DefaultOutboxTopic
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	p := &Publisher{
		store:  store,
		bus:    b,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "outbox", "bus", b.Name()),
	}
	if cfg.MaxPublishRate > 0 {
		burst := max(1, int(cfg.MaxPublishRate))
		p.limiter = rate.NewLimiter(rate.Limit(cfg.MaxPublishRate), burst)
	}
	return p
}

// PublishBatch sends one batch of unpublished entries in creation order.
// It stops at the first failed send or mark and returns the number of
// entries published before it.
func (p *Publisher) PublishBatch(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "outbox.publish_batch")
	defer span.End()

	entries, err := p.store.FetchUnpublished(ctx, p.cfg.BatchSize)
	if err != nil {
		tracing.SetError(span, err)
		return 0, err
	}
	span.SetAttributes(
		attribute.Int(tracing.AttrBatchSize, len(entries)),
		attribute.String(tracing.AttrBus, p.bus.Name()),
	)

	published := 0
	for _, entry := range entries {
		if err := p.publish(ctx, entry); err != nil {
			tracing.SetError(span, err)
			p.refreshPending(ctx)
			return published, err
		}
		published++
	}

	if len(entries) > 0 {
		p.refreshPending(ctx)
	}
	return published, nil
}

func (p *Publisher) publish(ctx context.Context, entry Entry) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	if err := p.bus.Publish(ctx, p.message(ctx, entry)); err != nil {
		p.cfg.Metrics.RecordOutboxFailure(entry.EventType)
		p.logger.WarnContext(ctx, "failed to publish outbox entry",
			"event_id", entry.ID,
			"event_type", entry.EventType,
			"error", err,
		)
		return fmt.Errorf("publish %s: %w", entry.ID, err)
	}

	if _, err := p.store.MarkPublished(ctx, entry.ID, p.cfg.Clock()); err != nil {
		p.logger.ErrorContext(ctx, "failed to mark outbox entry published",
			"event_id", entry.ID,
			"error", err,
		)
		return err
	}

	p.cfg.Metrics.RecordOutboxPublished(entry.EventType)
	p.logger.DebugContext(ctx, "outbox entry published", "event_id", entry.ID, "event_type", entry.EventType)
	return nil
}

func (p *Publisher) message(ctx context.Context, entry Entry) bus.Message {
	headers := map[string]string{
		bus.HeaderAggregateType: entry.AggregateType,
		bus.HeaderEventType:     entry.EventType,
	}
	if entry.AggregateID != "" {
		headers[bus.HeaderAggregateID] = entry.AggregateID
	}
	tracing.InjectToMap(ctx, headers)

	return bus.Message{
		Topic:       p.cfg.Topic,
		Key:         entry.ID,
		OrderingKey: entry.AggregateID,
		Headers:     headers,
		Body:        entry.Payload,
		Timestamp:   entry.CreatedAt,
	}
}

func (p *Publisher) refreshPending(ctx context.Context) {
	n, err := p.store.PendingCount(ctx)
	if err != nil {
		p.logger.WarnContext(ctx, "failed to count pending outbox entries", "error", err)
		return
	}
	p.cfg.Metrics.SetOutboxPending(n)
}

// Run publishes a batch every PollInterval until ctx is cancelled. Batch
// errors are logged and retried on the next tick.
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.Info("outbox publisher started",
		"poll_interval", p.cfg.PollInterval,
		"batch_size", p.cfg.BatchSize,
		"topic", p.cfg.Topic,
	)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("outbox publisher stopped")
			return nil
		case <-ticker.C:
			if n, err := p.PublishBatch(ctx); err != nil {
				if ctx.Err() != nil {
					continue
				}
				p.logger.Warn("outbox batch stopped early", "published", n, "error", err)
			} else if n > 0 {
				p.logger.Debug("outbox batch published", "published", n)
			}
		}
	}
}
