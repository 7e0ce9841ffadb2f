// Package main is the entry point for the Numota delivery worker.
//
// The worker drains the three SQS channels concurrently: outgoing_messages
// (provider sends), incoming_messages (inbound rows from webhook events),
// and webhook_notifications (signed fan-out to tenant endpoints). Each
// channel gets its own consumer with the configured worker count. SIGINT
// or SIGTERM stops all three.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"numota/internal/config"
	"numota/internal/db"
	"numota/internal/delivery"
	"numota/internal/external"
	"numota/internal/metrics"
	"numota/internal/queue"
	"numota/internal/webhookfan"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg)
	logger.Info("numota delivery worker starting",
		"environment", cfg.Environment,
		"workers", cfg.Consumer.Workers,
	)

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	tenants := db.NewTenantRepository(pool)
	accounts := db.NewAccountRepository(pool)
	msgs := db.NewMessageRepository(pool)
	scheduled := db.NewScheduledRepository(pool)
	webhookLogs := db.NewWebhookLogRepository(pool)

	sqsClient, err := queue.NewSQSClient(ctx, cfg.AWS)
	if err != nil {
		return fmt.Errorf("creating SQS client: %w", err)
	}

	cwClient, err := metrics.NewCloudWatchClient(ctx, cfg.AWS)
	if err != nil {
		return fmt.Errorf("creating CloudWatch client: %w", err)
	}
	recorder := metrics.NewRecorder(cwClient, cfg.AWS, logger)

	sender := external.NewWhatsAppClient(cfg.WhatsApp)
	outgoing := delivery.NewHandler(msgs, scheduled, accounts, sender, recorder, logger)
	incoming := delivery.NewIncomingHandler(msgs, accounts, sender, logger)
	fanout := webhookfan.NewFanout(tenants, webhookLogs, cfg.Webhook, logger)

	consumers := []*queue.Consumer{
		queue.NewConsumer(sqsClient, cfg.AWS.OutgoingQueueURL, cfg.Consumer, outgoing.HandleOutgoing,
			logger.With("channel", "outgoing_messages")),
		queue.NewConsumer(sqsClient, cfg.AWS.IncomingQueueURL, cfg.Consumer, incoming.HandleIncoming,
			logger.With("channel", "incoming_messages")),
		queue.NewConsumer(sqsClient, cfg.AWS.WebhookQueueURL, cfg.Consumer, fanout.HandleNotification,
			logger.With("channel", "webhook_notifications")),
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range consumers {
		consumer := c
		g.Go(func() error {
			return consumer.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("delivery worker: %w", err)
	}

	logger.Info("numota delivery worker stopped cleanly")
	return nil
}

// newLogger builds the process logger: JSON in deployed environments,
// text locally.
func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	var handler slog.Handler
	if cfg.Environment == "local" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler).With("service", cfg.Service)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
