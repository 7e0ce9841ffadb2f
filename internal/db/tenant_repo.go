package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"numota/internal/types"
)

// TenantRepository provides data access for the tenants table.
type TenantRepository struct {
	db DBTX
}

// NewTenantRepository creates a new TenantRepository backed by the given
// database connection (pool or transaction).
func NewTenantRepository(db DBTX) *TenantRepository {
	return &TenantRepository{db: db}
}

const tenantColumns = `id, name, email, api_key, hmac_secret, webhook_url, is_active,
	monthly_message_limit, current_month_count, rate_limit_per_minute,
	timezone, billing_tier, stripe_item_id, max_whatsapp_accounts,
	created_at, updated_at`

// Create inserts a new tenant. The caller must have populated APIKey and
// HMACSecret; the ID is generated here when empty.
func (r *TenantRepository) Create(ctx context.Context, t *types.Tenant) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := r.db.Exec(ctx,
		`INSERT INTO tenants
		 (id, name, email, api_key, hmac_secret, webhook_url, is_active,
		  monthly_message_limit, current_month_count, rate_limit_per_minute,
		  timezone, billing_tier, stripe_item_id, max_whatsapp_accounts,
		  created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		t.ID, t.Name, nilIfEmpty(t.Email), t.APIKey, t.HMACSecret.Unmask(),
		nilIfEmpty(t.WebhookURL), t.IsActive,
		t.MonthlyMessageLimit, t.CurrentMonthCount, t.RateLimitPerMinute,
		t.Timezone, string(t.BillingTier), nilIfEmpty(t.StripeItemID),
		t.MaxAccounts, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictName, "tenant name already exists", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create tenant", err)
	}
	return nil
}

// GetByAPIKey returns the active tenant matching the given client
// identifier. Inactive tenants are invisible to this lookup so that
// deactivation immediately revokes access.
func (r *TenantRepository) GetByAPIKey(ctx context.Context, apiKey string) (*types.Tenant, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE api_key = $1 AND is_active = TRUE`,
		apiKey,
	)
	t, err := scanTenant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeAuthUnknownClient, "unknown or inactive client", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to look up tenant", err)
	}
	return t, nil
}

// GetByID returns a tenant regardless of active flag.
func (r *TenantRepository) GetByID(ctx context.Context, id string) (*types.Tenant, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	t, err := scanTenant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundTenant, "tenant not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get tenant", err)
	}
	return t, nil
}

// List returns all tenants ordered by creation time. Admin surface only.
func (r *TenantRepository) List(ctx context.Context) ([]*types.Tenant, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+tenantColumns+` FROM tenants ORDER BY created_at`)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list tenants", err)
	}
	defer rows.Close()

	var out []*types.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan tenant row", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating tenant rows", err)
	}
	return out, nil
}

// Deactivate flips is_active to false. Tenants are never hard-deleted.
func (r *TenantRepository) Deactivate(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE tenants SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to deactivate tenant", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundTenant, "tenant not found", nil)
	}
	return nil
}

// IncrementUsage bumps the monthly usage counter, guarded so the counter
// never exceeds the quota once enforced. Returns ErrCodeLimitQuota when
// the guard rejects the increment.
func (r *TenantRepository) IncrementUsage(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE tenants SET current_month_count = current_month_count + 1, updated_at = NOW()
		 WHERE id = $1
		   AND (monthly_message_limit <= 0 OR current_month_count < monthly_message_limit)`,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to increment usage", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeLimitQuota, "monthly message quota exceeded", nil)
	}
	return nil
}

// ResetMonthlyCounts zeroes every tenant's usage counter. Invoked by the
// monthly cron in the scheduler process.
func (r *TenantRepository) ResetMonthlyCounts(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE tenants SET current_month_count = 0, updated_at = NOW()
		 WHERE current_month_count <> 0`)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to reset monthly counts", err)
	}
	return tag.RowsAffected(), nil
}

// ListBillable returns active tenants with a Stripe subscription item
// attached, for the usage reporter.
func (r *TenantRepository) ListBillable(ctx context.Context) ([]*types.Tenant, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+tenantColumns+` FROM tenants
		 WHERE is_active = TRUE AND stripe_item_id IS NOT NULL AND stripe_item_id <> ''
		 ORDER BY created_at`)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list billable tenants", err)
	}
	defer rows.Close()

	var out []*types.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan tenant row", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating tenant rows", err)
	}
	return out, nil
}

// scanTenant scans one tenants row from either a pgx.Row or pgx.Rows.
func scanTenant(row pgx.Row) (*types.Tenant, error) {
	var (
		t          types.Tenant
		email      *string
		webhookURL *string
		stripeItem *string
		secret     string
		tier       string
	)
	err := row.Scan(
		&t.ID, &t.Name, &email, &t.APIKey, &secret, &webhookURL, &t.IsActive,
		&t.MonthlyMessageLimit, &t.CurrentMonthCount, &t.RateLimitPerMinute,
		&t.Timezone, &tier, &stripeItem, &t.MaxAccounts,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.HMACSecret = types.SecretString(secret)
	t.BillingTier = types.BillingTier(tier)
	t.Email = deref(email)
	t.WebhookURL = deref(webhookURL)
	t.StripeItemID = deref(stripeItem)
	return &t, nil
}
