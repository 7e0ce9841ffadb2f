// Package scheduler contains the due-message poll loop, the claim/dispatch
// cycle, and the periodic maintenance jobs run by the scheduler process.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"numota/internal/config"
	"numota/internal/types"
)

// ScheduledStore is the slice of the scheduled-message repository the
// dispatcher needs.
type ScheduledStore interface {
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*types.ScheduledMessage, error)
	MarkFailed(ctx context.Context, id, errMsg string) error
}

// AccountStore resolves the sending account for tenants that scheduled
// without naming one.
type AccountStore interface {
	FirstActive(ctx context.Context, tenantID string) (*types.WhatsAppAccount, error)
}

// Publisher enqueues dispatch payloads on the outgoing channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload any) error
}

// MetricSink records dispatch counters. Implemented by metrics.Recorder.
type MetricSink interface {
	Count(ctx context.Context, name string, value float64)
}

// CycleStats summarizes one poll cycle.
type CycleStats struct {
	Claimed   int
	Published int
	Failed    int
}

// Dispatcher runs the claim-and-publish cycle. Claiming flips rows to
// processing; the delivery worker is responsible for the terminal sent or
// failed transition after the actual provider call. The dispatcher only
// marks a row failed itself when the dispatch never reached the queue.
type Dispatcher struct {
	store     ScheduledStore
	accounts  AccountStore
	publisher Publisher
	metrics   MetricSink
	batchSize int
	logger    *slog.Logger
	nowFn     func() time.Time
}

func NewDispatcher(store ScheduledStore, accounts AccountStore, publisher Publisher, metrics MetricSink, cfg config.SchedulerConfig, logger *slog.Logger) *Dispatcher {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Dispatcher{
		store:     store,
		accounts:  accounts,
		publisher: publisher,
		metrics:   metrics,
		batchSize: batchSize,
		logger:    logger,
		nowFn:     time.Now,
	}
}

// WithNow overrides the clock, for tests.
func (d *Dispatcher) WithNow(fn func() time.Time) *Dispatcher {
	d.nowFn = fn
	return d
}

// RunCycle claims everything due as of now and hands each row to the
// outgoing queue. Claims run in batches of batchSize until the backlog
// due at the cycle's start is drained, so an overdue pile larger than one
// batch does not wait out extra poll intervals. Per-row failures are
// recorded on the row and never abort the rest of the batch; only the
// claim query itself can fail the cycle.
func (d *Dispatcher) RunCycle(ctx context.Context) (CycleStats, error) {
	// One timestamp for the whole cycle: rows becoming due while the
	// backlog drains belong to the next cycle.
	now := d.nowFn().UTC()

	var stats CycleStats
	for {
		claimed, err := d.store.ClaimDue(ctx, now, d.batchSize)
		if err != nil {
			return stats, err
		}
		stats.Claimed += len(claimed)

		for _, m := range claimed {
			if err := d.dispatch(ctx, m); err != nil {
				stats.Failed++
				d.logger.ErrorContext(ctx, "scheduled dispatch failed",
					"scheduled_message_id", m.ID,
					"tenant_id", m.TenantID,
					"attempt", m.Attempts,
					"max_attempts", m.MaxAttempts,
					"error", err,
				)
				if markErr := d.store.MarkFailed(ctx, m.ID, err.Error()); markErr != nil {
					d.logger.ErrorContext(ctx, "failed to record dispatch failure",
						"scheduled_message_id", m.ID, "error", markErr)
				}
				continue
			}
			stats.Published++
		}

		if len(claimed) < d.batchSize {
			break
		}
	}

	if stats.Claimed == 0 {
		return stats, nil
	}

	d.logger.InfoContext(ctx, "poll cycle complete",
		"claimed", stats.Claimed,
		"published", stats.Published,
		"failed", stats.Failed,
	)
	if d.metrics != nil {
		d.metrics.Count(ctx, "ScheduledClaimed", float64(stats.Claimed))
		d.metrics.Count(ctx, "ScheduledPublished", float64(stats.Published))
		d.metrics.Count(ctx, "ScheduledDispatchFailed", float64(stats.Failed))
	}
	return stats, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, m *types.ScheduledMessage) error {
	accountID := m.AccountID
	if accountID == "" {
		account, err := d.accounts.FirstActive(ctx, m.TenantID)
		if err != nil {
			return err
		}
		accountID = account.ID
	}

	payload := types.OutgoingMessage{
		MessageID:   m.ID,
		TenantID:    m.TenantID,
		AccountID:   accountID,
		ToNumber:    m.ToNumber,
		Content:     m.Content,
		MessageType: string(m.MessageType),
		IsScheduled: true,
	}
	return d.publisher.Publish(ctx, types.ChannelOutgoing, payload)
}
