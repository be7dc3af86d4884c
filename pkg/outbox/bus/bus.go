// Package bus delivers outbox messages to an external message broker.
//
// Every adapter implements Bus. Publish returns only after the broker has
// acknowledged the message, so a nil error means the message is durable on
// the broker side and the outbox entry may be marked published.
//
// Supported adapters:
//
//   - log: writes messages to the logger (default, for development)
//   - kafka: confluent-kafka-go producer, keyed by outbox entry id
//   - amqp: RabbitMQ publish with publisher confirms
//   - redis: XADD into a stream named after the topic
//   - sqs: SendMessage to a queue
//   - sns: Publish to a topic
//   - pubsub: Google Cloud Pub/Sub, ordered by aggregate id
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"mercator-hq/tokengate/pkg/config"
)

// Header names set on every message.
const (
	HeaderAggregateType = "aggregate_type"
	HeaderAggregateID   = "aggregate_id"
	HeaderEventType     = "event_type"
)

// Message is one outbound event.
type Message struct {
	// Topic is the destination topic, stream, queue routing key or
	// subject, depending on the adapter.
	Topic string

	// Key identifies the message. Adapters use it as partition key or
	// deduplication id.
	Key string

	// OrderingKey groups messages that must be delivered in order. Empty
	// when the event has no aggregate.
	OrderingKey string

	// Headers carry event metadata.
	Headers map[string]string

	// Body is the JSON payload.
	Body []byte

	// Timestamp is when the event was recorded.
	Timestamp time.Time
}

// Bus publishes messages to a broker.
type Bus interface {
	// Name returns the adapter name.
	Name() string

	// Publish sends msg and waits for the broker's acknowledgement.
	Publish(ctx context.Context, msg Message) error

	// Health checks connectivity to the broker.
	Health(ctx context.Context) error

	// Close releases connections owned by the adapter.
	Close() error
}

// New builds the adapter selected by cfg.Type. The redis client is only
// needed for the redis adapter; it stays owned by the caller.
func New(ctx context.Context, cfg config.BusConfig, rdb redis.UniversalClient, logger *slog.Logger) (Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bus", "bus_type", cfg.Type)

	switch cfg.Type {
	case "", "log":
		return NewLogBus(logger), nil
	case "kafka":
		return NewKafkaBus(cfg.Kafka, logger)
	case "amqp":
		return DialAMQP(cfg.AMQP, logger)
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis bus requires a redis client")
		}
		return NewStreamBus(rdb, cfg.Redis, logger), nil
	case "sqs":
		return NewSQSBus(ctx, cfg.SQS, logger)
	case "sns":
		return NewSNSBus(ctx, cfg.SNS, logger)
	case "pubsub":
		return DialPubSub(ctx, cfg.PubSub, logger)
	default:
		return nil, fmt.Errorf("unsupported bus type: %q", cfg.Type)
	}
}
