package scheduler

import (
	"context"
	"log/slog"
	"time"

	"numota/internal/config"
)

// Loop drives the dispatcher on a fixed interval. A cycle-level error
// shortens the next sleep to the error backoff so a transient database
// outage is retried promptly, but the loop itself never exits on error:
// only context cancellation stops it.
type Loop struct {
	dispatcher *Dispatcher
	cfg        config.SchedulerConfig
	logger     *slog.Logger
}

func NewLoop(dispatcher *Dispatcher, cfg config.SchedulerConfig, logger *slog.Logger) *Loop {
	return &Loop{dispatcher: dispatcher, cfg: cfg, logger: logger}
}

// Run blocks until ctx is cancelled. The first cycle runs immediately so a
// restart does not add a full poll interval of latency to overdue rows.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.InfoContext(ctx, "scheduler loop started",
		"poll_interval", l.cfg.PollInterval.String(),
		"error_backoff", l.cfg.ErrorBackoff.String(),
		"batch_size", l.cfg.BatchSize,
	)

	for {
		delay := l.cfg.PollInterval
		if err := l.runCycle(ctx); err != nil {
			l.logger.ErrorContext(ctx, "poll cycle failed", "error", err)
			delay = l.cfg.ErrorBackoff
		}

		select {
		case <-ctx.Done():
			l.logger.InfoContext(ctx, "scheduler loop stopping")
			return nil
		case <-time.After(delay):
		}
	}
}

// runCycle isolates panics so a bad cycle cannot take the process down.
func (l *Loop) runCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.ErrorContext(ctx, "poll cycle panic recovered", "panic", r)
		}
	}()

	start := time.Now()
	_, err = l.dispatcher.RunCycle(ctx)
	if err == nil {
		l.logger.DebugContext(ctx, "poll cycle timing", "duration_ms", time.Since(start).Milliseconds())
	}
	return err
}
