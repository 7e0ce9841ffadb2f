package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"numota/internal/types"
)

// AccountRepository provides data access for the whatsapp_accounts table.
type AccountRepository struct {
	db DBTX
}

func NewAccountRepository(db DBTX) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `id, tenant_id, phone_number_id, access_token, phone_number, is_active, created_at`

// Create inserts a provider account for a tenant. Active accounts must
// carry a non-empty phone number id and access token.
func (r *AccountRepository) Create(ctx context.Context, a *types.WhatsAppAccount) error {
	if a.IsActive && (a.PhoneNumberID == "" || a.AccessToken.Unmask() == "") {
		return types.NewAppError(types.ErrCodeValidationMissingField,
			"active accounts require phone_number_id and access_token", nil)
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.CreatedAt = time.Now().UTC()

	_, err := r.db.Exec(ctx,
		`INSERT INTO whatsapp_accounts
		 (id, tenant_id, phone_number_id, access_token, phone_number, is_active, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		a.ID, a.TenantID, a.PhoneNumberID, a.AccessToken.Unmask(),
		nilIfEmpty(a.PhoneNumber), a.IsActive, a.CreatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create account", err)
	}
	return nil
}

// FirstActive returns the tenant's first active account, ordered by
// creation time for determinism. This is the account selection rule for
// outbound sends; no further precedence is defined.
func (r *AccountRepository) FirstActive(ctx context.Context, tenantID string) (*types.WhatsAppAccount, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM whatsapp_accounts
		 WHERE tenant_id = $1 AND is_active = TRUE
		 ORDER BY created_at LIMIT 1`,
		tenantID,
	)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundAccount,
				"no active WhatsApp account configured", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get active account", err)
	}
	return a, nil
}

// GetByID returns an account by id, scoped to a tenant.
func (r *AccountRepository) GetByID(ctx context.Context, tenantID, id string) (*types.WhatsAppAccount, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM whatsapp_accounts WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get account", err)
	}
	return a, nil
}

// ListByTenant returns all of a tenant's accounts ordered by creation time.
func (r *AccountRepository) ListByTenant(ctx context.Context, tenantID string) ([]*types.WhatsAppAccount, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+accountColumns+` FROM whatsapp_accounts
		 WHERE tenant_id = $1 ORDER BY created_at`,
		tenantID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list accounts", err)
	}
	defer rows.Close()

	var out []*types.WhatsAppAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan account row", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating account rows", err)
	}
	return out, nil
}

// GetByPhoneNumberID resolves the owning account for an inbound webhook
// event. The provider only identifies the receiving number, not the tenant.
func (r *AccountRepository) GetByPhoneNumberID(ctx context.Context, phoneNumberID string) (*types.WhatsAppAccount, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM whatsapp_accounts
		 WHERE phone_number_id = $1 AND is_active = TRUE`,
		phoneNumberID,
	)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundAccount,
				"no account registered for phone number id", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to resolve account", err)
	}
	return a, nil
}

// CountByTenant returns the number of accounts a tenant owns, used to
// enforce max_whatsapp_accounts.
func (r *AccountRepository) CountByTenant(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM whatsapp_accounts WHERE tenant_id = $1`, tenantID,
	).Scan(&n)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count accounts", err)
	}
	return n, nil
}

func scanAccount(row pgx.Row) (*types.WhatsAppAccount, error) {
	var (
		a     types.WhatsAppAccount
		token string
		phone *string
	)
	if err := row.Scan(&a.ID, &a.TenantID, &a.PhoneNumberID, &token, &phone, &a.IsActive, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.AccessToken = types.SecretString(token)
	a.PhoneNumber = deref(phone)
	return &a, nil
}
