package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"numota/internal/config"
)

// TenantCounters is the slice of the tenant repository the quota reset
// job needs.
type TenantCounters interface {
	ResetMonthlyCounts(ctx context.Context) (int64, error)
}

// UsageReporter pushes month-to-date usage to the billing provider.
// Implemented by billing.Reporter.
type UsageReporter interface {
	ReportUsage(ctx context.Context) error
}

// Crons owns the periodic maintenance jobs of the scheduler process: the
// monthly quota counter reset and the daily billing usage report. Specs
// are standard five-field cron expressions evaluated in UTC, matching the
// UTC convention of scheduled_at.
type Crons struct {
	c       *cron.Cron
	tenants TenantCounters
	billing UsageReporter
	cfg     config.SchedulerConfig
	logger  *slog.Logger
}

func NewCrons(tenants TenantCounters, billing UsageReporter, cfg config.SchedulerConfig, logger *slog.Logger) *Crons {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Crons{
		c:       cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC)),
		tenants: tenants,
		billing: billing,
		cfg:     cfg,
		logger:  logger,
	}
}

// Start registers and launches the cron jobs. The billing job is only
// registered when a reporter is wired (billing disabled in config leaves
// it nil).
func (s *Crons) Start(ctx context.Context) error {
	if _, err := s.c.AddFunc(s.cfg.QuotaResetSpec, func() {
		s.resetQuotas(ctx)
	}); err != nil {
		return err
	}

	if s.billing != nil {
		if _, err := s.c.AddFunc(s.cfg.UsageReportSpec, func() {
			s.reportUsage(ctx)
		}); err != nil {
			return err
		}
	}

	s.c.Start()
	s.logger.InfoContext(ctx, "maintenance crons started",
		"quota_reset", s.cfg.QuotaResetSpec,
		"usage_report", s.cfg.UsageReportSpec,
		"billing_enabled", s.billing != nil,
	)
	return nil
}

// Stop halts the cron scheduler and waits for any running job to finish.
func (s *Crons) Stop() {
	<-s.c.Stop().Done()
}

func (s *Crons) resetQuotas(ctx context.Context) {
	n, err := s.tenants.ResetMonthlyCounts(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "monthly quota reset failed", "error", err)
		return
	}
	s.logger.InfoContext(ctx, "monthly quota counters reset", "tenants", n)
}

func (s *Crons) reportUsage(ctx context.Context) {
	if err := s.billing.ReportUsage(ctx); err != nil {
		s.logger.ErrorContext(ctx, "billing usage report failed", "error", err)
		return
	}
	s.logger.InfoContext(ctx, "billing usage reported")
}
