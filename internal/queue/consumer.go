package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"golang.org/x/sync/errgroup"

	"numota/internal/config"
	"numota/internal/types"
)

// SQSReceiver abstracts the SQS operations the consumer needs.
type SQSReceiver interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// ErrPoison marks a message body the handler could not even parse. The
// consumer deletes poison messages after logging them; redelivering a body
// that can never parse would loop forever.
var ErrPoison = errors.New("queue: poison message")

// Handler processes one raw message body. Returning nil acknowledges the
// message (it is deleted from the queue). Returning an error other than
// ErrPoison leaves the message in flight so SQS redelivers it after the
// visibility timeout, preserving at-least-once semantics.
//
// A failed provider send is NOT a handler error: the handler records the
// failure on the message row and returns nil, because retrying delivery
// through redelivery would risk duplicate sends.
type Handler func(ctx context.Context, body []byte) error

// Consumer runs long-polling receive loops against one SQS queue and feeds
// each message to a Handler.
type Consumer struct {
	client   SQSReceiver
	queueURL string
	cfg      config.ConsumerConfig
	handler  Handler
	logger   *slog.Logger
}

func NewConsumer(client SQSReceiver, queueURL string, cfg config.ConsumerConfig, handler Handler, logger *slog.Logger) *Consumer {
	return &Consumer{
		client:   client,
		queueURL: queueURL,
		cfg:      cfg,
		handler:  handler,
		logger:   logger,
	}
}

// Run starts the configured number of worker loops and blocks until the
// context is cancelled or a worker gives up reconnecting. Each worker
// tolerates up to ReconnectTries consecutive receive failures, sleeping
// ReconnectDelay between attempts, then fails the group so the process can
// exit and be restarted by its supervisor.
func (c *Consumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	workers := c.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		worker := i
		g.Go(func() error {
			return c.receiveLoop(ctx, worker)
		})
	}
	return g.Wait()
}

func (c *Consumer) receiveLoop(ctx context.Context, worker int) error {
	log := c.logger.With("worker", worker, "queue_url", c.queueURL)
	log.InfoContext(ctx, "consumer worker started")

	consecutiveFailures := 0
	for {
		if ctx.Err() != nil {
			log.InfoContext(ctx, "consumer worker stopping")
			return nil
		}

		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: int32(c.cfg.MaxMessages),
			WaitTimeSeconds:     int32(c.cfg.WaitTime / time.Second),
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			consecutiveFailures++
			log.ErrorContext(ctx, "receive failed",
				"error", err,
				"consecutive_failures", consecutiveFailures,
			)
			if consecutiveFailures >= c.cfg.ReconnectTries {
				return types.NewAppError(types.ErrCodeUpstreamQueue,
					"queue unreachable after repeated receive failures", err)
			}
			select {
			case <-time.After(c.cfg.ReconnectDelay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		consecutiveFailures = 0

		for _, msg := range out.Messages {
			c.process(ctx, log, aws.ToString(msg.Body), aws.ToString(msg.ReceiptHandle), aws.ToString(msg.MessageId))
		}
	}
}

func (c *Consumer) process(ctx context.Context, log *slog.Logger, body, receiptHandle, messageID string) {
	err := c.handler(ctx, []byte(body))
	switch {
	case err == nil:
		c.ack(ctx, log, receiptHandle, messageID)
	case errors.Is(err, ErrPoison):
		log.ErrorContext(ctx, "poison message discarded",
			"message_id", messageID,
			"error", err,
		)
		c.ack(ctx, log, receiptHandle, messageID)
	default:
		// Leave the message in flight for redelivery.
		log.WarnContext(ctx, "message processing failed, will be redelivered",
			"message_id", messageID,
			"error", err,
		)
	}
}

func (c *Consumer) ack(ctx context.Context, log *slog.Logger, receiptHandle, messageID string) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		// The handler already ran; a delete failure only risks a duplicate
		// delivery, which handlers must tolerate.
		log.ErrorContext(ctx, "failed to delete message", "message_id", messageID, "error", err)
	}
}
