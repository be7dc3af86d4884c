package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"mercator-hq/tokengate/pkg/config"
)

// KafkaBus produces messages with the confluent client. The outbox entry id
// is the record key.
type KafkaBus struct {
	producer        *kafka.Producer
	deliveryTimeout time.Duration
	logger          *slog.Logger
}

// NewKafkaBus creates an idempotent producer for cfg.Brokers.
func NewKafkaBus(cfg config.KafkaConfig, logger *slog.Logger) (*KafkaBus, error) {
	if cfg.Brokers == "" {
		return nil, fmt.Errorf("kafka brokers cannot be empty")
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = config.DefaultKafkaDeliveryTimeout
	}

	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Brokers,
		"client.id":          cfg.ClientID,
		"acks":               "all",
		"enable.idempotence": true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	b := &KafkaBus{
		producer:        producer,
		deliveryTimeout: cfg.DeliveryTimeout,
		logger:          logger,
	}
	go b.drainEvents()
	return b, nil
}

func (b *KafkaBus) Name() string { return "kafka" }

// drainEvents logs producer-level errors that are not tied to a delivery.
func (b *KafkaBus) drainEvents() {
	for ev := range b.producer.Events() {
		if kerr, ok := ev.(kafka.Error); ok {
			b.logger.Warn("kafka producer error", "error", kerr)
		}
	}
}

// Publish produces msg and waits for its delivery report.
func (b *KafkaBus) Publish(ctx context.Context, msg Message) error {
	delivery := make(chan kafka.Event, 1)
	if err := b.producer.Produce(toKafkaMessage(msg), delivery); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}

	timer := time.NewTimer(b.deliveryTimeout)
	defer timer.Stop()

	select {
	case ev := <-delivery:
		m, ok := ev.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event: %v", ev)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("delivery failed: %w", m.TopicPartition.Error)
		}
		b.logger.Debug("message delivered",
			"topic", msg.Topic,
			"partition", m.TopicPartition.Partition,
			"offset", m.TopicPartition.Offset,
		)
		return nil
	case <-timer.C:
		return fmt.Errorf("delivery to topic %s timed out after %v", msg.Topic, b.deliveryTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health fetches cluster metadata.
func (b *KafkaBus) Health(ctx context.Context) error {
	timeout := b.deliveryTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	metadata, err := b.producer.GetMetadata(nil, false, int(timeout.Milliseconds()))
	if err != nil {
		return fmt.Errorf("failed to get kafka metadata: %w", err)
	}
	if len(metadata.Brokers) == 0 {
		return fmt.Errorf("no kafka brokers available")
	}
	return nil
}

// Close flushes outstanding messages and closes the producer.
func (b *KafkaBus) Close() error {
	b.producer.Flush(int(b.deliveryTimeout.Milliseconds()))
	b.producer.Close()
	return nil
}

// toKafkaMessage keys the record by aggregate so one aggregate's events
// land on one partition in order. Events without an aggregate fall back to
// the message id.
func toKafkaMessage(msg Message) *kafka.Message {
	topic := msg.Topic
	key := msg.OrderingKey
	if key == "" {
		key = msg.Key
	}
	km := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(key),
		Value:          msg.Body,
		Timestamp:      msg.Timestamp,
	}
	for k, v := range msg.Headers {
		km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return km
}
