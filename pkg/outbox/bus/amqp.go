package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streadway/amqp"

	"mercator-hq/tokengate/pkg/config"
)

// AMQPBus publishes to a RabbitMQ exchange with the topic as routing key.
// The channel runs in confirm mode so Publish returns once the broker has
// taken responsibility for the message.
type AMQPBus struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	confirms chan amqp.Confirmation
	exchange string
	logger   *slog.Logger
}

// DialAMQP connects to cfg.URL and opens a confirming channel.
func DialAMQP(cfg config.AMQPConfig, logger *slog.Logger) (*AMQPBus, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to amqp broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}

	if cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
		}
	}

	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	return &AMQPBus{
		conn:     conn,
		ch:       ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		exchange: cfg.Exchange,
		logger:   logger,
	}, nil
}

func (b *AMQPBus) Name() string { return "amqp" }

// Publish sends msg and waits for the broker confirm.
func (b *AMQPBus) Publish(ctx context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ch.Publish(b.exchange, msg.Topic, false, false, toPublishing(msg)); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	select {
	case confirm, ok := <-b.confirms:
		if !ok {
			return errors.New("amqp channel closed before confirm")
		}
		if !confirm.Ack {
			return fmt.Errorf("broker rejected message %s", msg.Key)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health reports whether the connection is still open.
func (b *AMQPBus) Health(context.Context) error {
	if b.conn == nil || b.conn.IsClosed() {
		return errors.New("amqp connection closed")
	}
	return nil
}

// Close closes the channel and connection.
func (b *AMQPBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn.Close()
	}
	return nil
}

func toPublishing(msg Message) amqp.Publishing {
	headers := make(amqp.Table, len(msg.Headers))
	for k, v := range msg.Headers {
		headers[k] = v
	}
	return amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.Key,
		Timestamp:    msg.Timestamp,
		Body:         msg.Body,
	}
}
