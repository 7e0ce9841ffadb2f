// Package queue provides the SQS-backed publish and consume primitives for
// the gateway's three channels: outgoing_messages, incoming_messages, and
// webhook_notifications.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"numota/internal/config"
	"numota/internal/types"
)

// SQSSender abstracts the SQS operations the publisher needs, for
// testability. Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// NewSQSClient builds an SQS client from the process AWS configuration.
// EndpointURL is honored for LocalStack in local environments.
func NewSQSClient(ctx context.Context, cfg config.AWSConfig) (*sqs.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("queue: failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}
	}), nil
}

// Publisher serializes channel payloads to JSON and dispatches them to the
// SQS queue backing each channel.
type Publisher struct {
	client SQSSender
	queues map[string]string
	logger *slog.Logger
}

func NewPublisher(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *Publisher {
	return &Publisher{
		client: client,
		queues: map[string]string{
			types.ChannelOutgoing:      awsCfg.OutgoingQueueURL,
			types.ChannelIncoming:      awsCfg.IncomingQueueURL,
			types.ChannelWebhookFanout: awsCfg.WebhookQueueURL,
		},
		logger: logger,
	}
}

// Publish sends one payload on the named channel. The payload's JSON shape
// is the queue contract consumed by the workers.
func (p *Publisher) Publish(ctx context.Context, channel string, payload any) error {
	queueURL, ok := p.queues[channel]
	if !ok || queueURL == "" {
		return types.NewAppError(types.ErrCodeUpstreamQueue,
			fmt.Sprintf("no queue configured for channel %q", channel), nil)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal queue payload", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"channel": {
				DataType:    aws.String("String"),
				StringValue: aws.String(channel),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamQueue,
			fmt.Sprintf("failed to publish to channel %q", channel), err)
	}

	p.logger.InfoContext(ctx, "message published",
		"channel", channel,
		"queue_url", queueURL,
	)
	return nil
}

// Available probes the outgoing queue with a short deadline. The message
// service uses a false result to switch to inline synchronous delivery
// rather than accepting sends it cannot enqueue.
func (p *Publisher) Available(ctx context.Context) bool {
	queueURL := p.queues[types.ChannelOutgoing]
	if queueURL == "" {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_, err := p.client.GetQueueAttributes(probeCtx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(queueURL),
		AttributeNames: []sqsTypes.QueueAttributeName{sqsTypes.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		p.logger.WarnContext(ctx, "queue availability probe failed", "error", err)
		return false
	}
	return true
}
