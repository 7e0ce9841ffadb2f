// Package billing reports metered message usage to Stripe. Each billable
// tenant's month-to-date count is pushed to its metered subscription item
// by a daily job in the scheduler process.
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"numota/internal/config"
	"numota/internal/external"
	"numota/internal/types"
)

const stripeAPIBase = "https://api.stripe.com"

// TenantLister returns the tenants that carry a Stripe subscription item.
type TenantLister interface {
	ListBillable(ctx context.Context) ([]*types.Tenant, error)
}

// Reporter pushes usage records over the Stripe REST API. Calls go through
// the shared BaseClient so Stripe outages hit a circuit breaker instead of
// hanging the cron job.
type Reporter struct {
	base      *external.BaseClient
	secretKey types.SecretString
	baseURL   string
	tenants   TenantLister
	logger    *slog.Logger
	nowFn     func() time.Time
}

// ReporterConfig holds construction parameters. BaseURL is overridable
// for testing against httptest.
type ReporterConfig struct {
	Billing config.BillingConfig
	BaseURL string
}

func NewReporter(tenants TenantLister, cfg ReporterConfig, logger *slog.Logger) *Reporter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	httpClient := &http.Client{Timeout: 20 * time.Second}
	return &Reporter{
		base:      external.NewBaseClient(httpClient, "stripe", 0, "Numota-Gateway/1.0"),
		secretKey: cfg.Billing.StripeSecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		tenants:   tenants,
		logger:    logger,
		nowFn:     time.Now,
	}
}

// WithNow overrides the clock, for tests.
func (r *Reporter) WithNow(fn func() time.Time) *Reporter {
	r.nowFn = fn
	return r
}

// ReportUsage sets each billable tenant's month-to-date count on its
// subscription item. action=set makes the job idempotent: re-running a
// day's report overwrites rather than double-counts.
func (r *Reporter) ReportUsage(ctx context.Context) error {
	tenants, err := r.tenants.ListBillable(ctx)
	if err != nil {
		return err
	}

	var failures int
	for _, t := range tenants {
		if err := r.reportTenant(ctx, t); err != nil {
			failures++
			r.logger.ErrorContext(ctx, "usage report failed for tenant",
				"tenant_id", t.ID,
				"stripe_item_id", t.StripeItemID,
				"error", err,
			)
		}
	}

	r.logger.InfoContext(ctx, "usage report complete",
		"tenants", len(tenants),
		"failures", failures,
	)
	if failures > 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected,
			fmt.Sprintf("usage report failed for %d of %d tenants", failures, len(tenants)), nil)
	}
	return nil
}

func (r *Reporter) reportTenant(ctx context.Context, t *types.Tenant) error {
	endpoint := fmt.Sprintf("%s/v1/subscription_items/%s/usage_records", r.baseURL, t.StripeItemID)

	params := url.Values{}
	params.Set("quantity", strconv.Itoa(t.CurrentMonthCount))
	params.Set("timestamp", strconv.FormatInt(r.nowFn().UTC().Unix(), 10))
	params.Set("action", "set")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+r.secretKey.Unmask())
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Stripe-Version", stripe.APIVersion)

	resp, err := r.base.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var stripeErr struct {
			Error struct {
				Message string `json:"message"`
				Code    string `json:"code"`
			} `json:"error"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&stripeErr); decodeErr == nil && stripeErr.Error.Message != "" {
			return fmt.Errorf("stripe returned %d: %s", resp.StatusCode, stripeErr.Error.Message)
		}
		return fmt.Errorf("stripe returned %d", resp.StatusCode)
	}
	return nil
}
