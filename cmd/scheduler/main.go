// Package main is the entry point for the Numota scheduler process.
//
// The scheduler runs two things side by side: the dispatch loop, which
// claims due scheduled messages and publishes them to the outgoing queue,
// and the maintenance crons (monthly quota counter reset, daily billing
// usage report). Both stop on SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"numota/internal/billing"
	"numota/internal/config"
	"numota/internal/db"
	"numota/internal/metrics"
	"numota/internal/queue"
	"numota/internal/scheduler"
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
	logger.Info("numota scheduler starting",
		"environment", cfg.Environment,
		"poll_interval", cfg.Scheduler.PollInterval.String(),
		"batch_size", cfg.Scheduler.BatchSize,
	)

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	tenants := db.NewTenantRepository(pool)
	accounts := db.NewAccountRepository(pool)
	scheduled := db.NewScheduledRepository(pool)

	sqsClient, err := queue.NewSQSClient(ctx, cfg.AWS)
	if err != nil {
		return fmt.Errorf("creating SQS client: %w", err)
	}
	publisher := queue.NewPublisher(sqsClient, cfg.AWS, logger)

	cwClient, err := metrics.NewCloudWatchClient(ctx, cfg.AWS)
	if err != nil {
		return fmt.Errorf("creating CloudWatch client: %w", err)
	}
	recorder := metrics.NewRecorder(cwClient, cfg.AWS, logger)

	dispatcher := scheduler.NewDispatcher(scheduled, accounts, publisher, recorder, cfg.Scheduler, logger)
	loop := scheduler.NewLoop(dispatcher, cfg.Scheduler, logger)

	var reporter scheduler.UsageReporter
	if cfg.Billing.Enabled {
		reporter = billing.NewReporter(tenants, billing.ReporterConfig{Billing: cfg.Billing}, logger)
	}
	crons := scheduler.NewCrons(tenants, reporter, cfg.Scheduler, logger)
	if err := crons.Start(ctx); err != nil {
		return fmt.Errorf("starting maintenance crons: %w", err)
	}
	defer crons.Stop()

	if err := loop.Run(ctx); err != nil && !isShutdown(err) {
		return fmt.Errorf("scheduler: %w", err)
	}

	logger.Info("numota scheduler stopped cleanly")
	return nil
}

func isShutdown(err error) bool {
	return errors.Is(err, context.Canceled)
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
