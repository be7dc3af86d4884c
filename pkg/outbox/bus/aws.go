package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"mercator-hq/tokengate/pkg/config"
)

// sqsAPI is the part of the SQS client the bus uses.
type sqsAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// snsAPI is the part of the SNS client the bus uses.
type snsAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
	GetTopicAttributes(ctx context.Context, in *sns.GetTopicAttributesInput, optFns ...func(*sns.Options)) (*sns.GetTopicAttributesOutput, error)
}

// SQSBus sends each message to one queue. The topic travels as a message
// attribute.
type SQSBus struct {
	client   sqsAPI
	queueURL string
	fifo     bool
	logger   *slog.Logger
}

// NewSQSBus loads AWS configuration and returns an SQS bus.
func NewSQSBus(ctx context.Context, cfg config.SQSConfig, logger *slog.Logger) (*SQSBus, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg.Region, cfg.AccessKeyID, cfg.SecretAccessKey)
	if err != nil {
		return nil, err
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newSQSBus(client, cfg.QueueURL, logger), nil
}

func newSQSBus(client sqsAPI, queueURL string, logger *slog.Logger) *SQSBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQSBus{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
		logger:   logger,
	}
}

func (b *SQSBus) Name() string { return "sqs" }

// Publish sends msg to the queue.
func (b *SQSBus) Publish(ctx context.Context, msg Message) error {
	out, err := b.client.SendMessage(ctx, b.sendInput(msg))
	if err != nil {
		return fmt.Errorf("failed to send message to sqs: %w", err)
	}
	b.logger.Debug("message sent to sqs", "message_id", aws.ToString(out.MessageId))
	return nil
}

func (b *SQSBus) sendInput(msg Message) *sqs.SendMessageInput {
	attrs := map[string]sqstypes.MessageAttributeValue{
		"Topic":     {DataType: aws.String("String"), StringValue: aws.String(msg.Topic)},
		"Timestamp": {DataType: aws.String("Number"), StringValue: aws.String(strconv.FormatInt(msg.Timestamp.UnixMilli(), 10))},
	}
	for k, v := range msg.Headers {
		attrs[k] = sqstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}

	in := &sqs.SendMessageInput{
		QueueUrl:          aws.String(b.queueURL),
		MessageBody:       aws.String(string(msg.Body)),
		MessageAttributes: attrs,
	}
	if b.fifo {
		in.MessageGroupId = aws.String(groupID(msg))
		in.MessageDeduplicationId = aws.String(msg.Key)
	}
	return in
}

// Health reads the queue attributes.
func (b *SQSBus) Health(ctx context.Context) error {
	_, err := b.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(b.queueURL),
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameApproximateNumberOfMessages},
	})
	return err
}

// Close is a no-op; SDK clients hold no connections to release.
func (b *SQSBus) Close() error { return nil }

// SNSBus publishes each message to one topic.
type SNSBus struct {
	client   snsAPI
	topicARN string
	fifo     bool
	logger   *slog.Logger
}

// NewSNSBus loads AWS configuration and returns an SNS bus.
func NewSNSBus(ctx context.Context, cfg config.SNSConfig, logger *slog.Logger) (*SNSBus, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg.Region, cfg.AccessKeyID, cfg.SecretAccessKey)
	if err != nil {
		return nil, err
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newSNSBus(client, cfg.TopicARN, logger), nil
}

func newSNSBus(client snsAPI, topicARN string, logger *slog.Logger) *SNSBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &SNSBus{
		client:   client,
		topicARN: topicARN,
		fifo:     strings.HasSuffix(topicARN, ".fifo"),
		logger:   logger,
	}
}

func (b *SNSBus) Name() string { return "sns" }

// Publish sends msg to the topic.
func (b *SNSBus) Publish(ctx context.Context, msg Message) error {
	out, err := b.client.Publish(ctx, b.publishInput(msg))
	if err != nil {
		return fmt.Errorf("failed to publish message to sns: %w", err)
	}
	b.logger.Debug("message published to sns", "message_id", aws.ToString(out.MessageId))
	return nil
}

func (b *SNSBus) publishInput(msg Message) *sns.PublishInput {
	attrs := map[string]snstypes.MessageAttributeValue{
		"Topic": {DataType: aws.String("String"), StringValue: aws.String(msg.Topic)},
	}
	for k, v := range msg.Headers {
		attrs[k] = snstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}

	in := &sns.PublishInput{
		TopicArn:          aws.String(b.topicARN),
		Message:           aws.String(string(msg.Body)),
		MessageAttributes: attrs,
	}
	if b.fifo {
		in.MessageGroupId = aws.String(groupID(msg))
		in.MessageDeduplicationId = aws.String(msg.Key)
	}
	return in
}

// Health reads the topic attributes.
func (b *SNSBus) Health(ctx context.Context) error {
	_, err := b.client.GetTopicAttributes(ctx, &sns.GetTopicAttributesInput{TopicArn: aws.String(b.topicARN)})
	return err
}

func (b *SNSBus) Close() error { return nil }

func loadAWSConfig(ctx context.Context, region, accessKeyID, secretAccessKey string) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load aws config: %w", err)
	}
	return cfg, nil
}

// groupID is the FIFO message group: the aggregate when there is one,
// otherwise the topic.
func groupID(msg Message) string {
	if msg.OrderingKey != "" {
		return msg.OrderingKey
	}
	return msg.Topic
}
