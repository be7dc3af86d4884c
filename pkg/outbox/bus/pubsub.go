package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"mercator-hq/tokengate/pkg/config"
)

// PubSubBus publishes to Google Cloud Pub/Sub topics named after the
// message topic. Messages with an ordering key are delivered in order per
// aggregate.
type PubSubBus struct {
	client *pubsub.Client
	logger *slog.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// DialPubSub creates a client for cfg.ProjectID.
func DialPubSub(ctx context.Context, cfg config.PubSubConfig, logger *slog.Logger) (*PubSubBus, error) {
	var opts []option.ClientOption
	switch {
	case cfg.Endpoint != "":
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	return NewPubSubBus(client, logger), nil
}

// NewPubSubBus wraps an existing client. Close closes the client.
func NewPubSubBus(client *pubsub.Client, logger *slog.Logger) *PubSubBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &PubSubBus{
		client: client,
		logger: logger,
		topics: make(map[string]*pubsub.Topic),
	}
}

func (b *PubSubBus) Name() string { return "pubsub" }

func (b *PubSubBus) topic(name string) *pubsub.Topic {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[name]
	if !ok {
		t = b.client.Topic(name)
		t.EnableMessageOrdering = true
		b.topics[name] = t
	}
	return t
}

// Publish sends msg and waits for the server-assigned id.
func (b *PubSubBus) Publish(ctx context.Context, msg Message) error {
	t := b.topic(msg.Topic)

	result := t.Publish(ctx, toPubSubMessage(msg))
	id, err := result.Get(ctx)
	if err != nil {
		if msg.OrderingKey != "" {
			// A failed ordered publish pauses the key until resumed.
			t.ResumePublish(msg.OrderingKey)
		}
		return fmt.Errorf("failed to publish message to pubsub: %w", err)
	}

	b.logger.Debug("message published to pubsub", "topic", msg.Topic, "message_id", id)
	return nil
}

// Health checks that the client can reach the service by listing at most
// one topic.
func (b *PubSubBus) Health(ctx context.Context) error {
	it := b.client.Topics(ctx)
	if _, err := it.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return fmt.Errorf("pubsub health check failed: %w", err)
	}
	return nil
}

// Close flushes pending publishes and closes the client.
func (b *PubSubBus) Close() error {
	b.mu.Lock()
	for _, t := range b.topics {
		t.Stop()
	}
	b.mu.Unlock()
	return b.client.Close()
}

func toPubSubMessage(msg Message) *pubsub.Message {
	attrs := make(map[string]string, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		attrs[k] = v
	}
	attrs["message_id"] = msg.Key

	return &pubsub.Message{
		Data:        msg.Body,
		Attributes:  attrs,
		OrderingKey: msg.OrderingKey,
	}
}
