package bus

import (
	"context"
	"log/slog"
)

// LogBus writes messages to a logger instead of a broker.
type LogBus struct {
	logger *slog.Logger
}

// NewLogBus returns a bus that logs every message at info level.
func NewLogBus(logger *slog.Logger) *LogBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogBus{logger: logger}
}

func (b *LogBus) Name() string { return "log" }

// Publish logs msg and always succeeds.
func (b *LogBus) Publish(ctx context.Context, msg Message) error {
	b.logger.InfoContext(ctx, "outbox message",
		"topic", msg.Topic,
		"key", msg.Key,
		"event_type", msg.Headers[HeaderEventType],
		"aggregate_type", msg.Headers[HeaderAggregateType],
		"body", string(msg.Body),
	)
	return nil
}

func (b *LogBus) Health(context.Context) error { return nil }

func (b *LogBus) Close() error { return nil }
