package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"numota/internal/types"
)

// MessageRepository provides data access for the messages table.
type MessageRepository struct {
	db DBTX
}

func NewMessageRepository(db DBTX) *MessageRepository {
	return &MessageRepository{db: db}
}

const messageColumns = `id, tenant_id, whatsapp_account_id, wamid, from_number, to_number,
	content, message_type, direction, status, error_code, error_message,
	template_name, delivery_attempts, is_scheduled, created_at, updated_at`

// Create inserts a new message row. The ID is generated when empty.
func (r *MessageRepository) Create(ctx context.Context, m *types.Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	// Inbound rows keep the provider timestamp when one was carried over.
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	_, err := r.db.Exec(ctx,
		`INSERT INTO messages
		 (id, tenant_id, whatsapp_account_id, wamid, from_number, to_number,
		  content, message_type, direction, status, error_code, error_message,
		  template_name, delivery_attempts, is_scheduled, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		m.ID, m.TenantID, nilIfEmpty(m.AccountID), nilIfEmpty(m.WAMID),
		m.FromNumber, m.ToNumber, m.Content, string(m.MessageType),
		string(m.Direction), string(m.Status), nilIfEmpty(m.ErrorCode),
		nilIfEmpty(m.ErrorMessage), nilIfEmpty(m.TemplateName),
		m.DeliveryAttempts, m.IsScheduled, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create message", err)
	}
	return nil
}

// MarkSent records a successful delivery attempt: status, provider id,
// and the attempt counter in one statement.
func (r *MessageRepository) MarkSent(ctx context.Context, id, wamid string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE messages SET
			status = 'sent',
			wamid = $2,
			delivery_attempts = delivery_attempts + 1,
			updated_at = NOW()
		 WHERE id = $1`,
		id, wamid,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark message sent", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundMessage, "message not found", nil)
	}
	return nil
}

// MarkFailed records a failed delivery attempt with the provider's error
// detail. The immediate-send path never retries, so failed is terminal here.
func (r *MessageRepository) MarkFailed(ctx context.Context, id, errCode, errMsg string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE messages SET
			status = 'failed',
			error_code = $2,
			error_message = $3,
			delivery_attempts = delivery_attempts + 1,
			updated_at = NOW()
		 WHERE id = $1`,
		id, nilIfEmpty(errCode), nilIfEmpty(errMsg),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark message failed", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundMessage, "message not found", nil)
	}
	return nil
}

// History paging bounds. maxHistoryLimit must match what the messages
// handler accepts, otherwise a validated limit silently shrinks here.
const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// ListByTenant returns the tenant's message history, newest first.
func (r *MessageRepository) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*types.Message, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`,
		tenantID, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list messages", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// GetByID returns a message scoped to a tenant.
func (r *MessageRepository) GetByID(ctx context.Context, tenantID, id string) (*types.Message, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundMessage, "message not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get message", err)
	}
	return m, nil
}

// Summary aggregates message counts by status and direction for the
// analytics endpoints.
func (r *MessageRepository) Summary(ctx context.Context, tenantID string) (*types.AnalyticsSummary, error) {
	rows, err := r.db.Query(ctx,
		`SELECT status, direction, COUNT(*) FROM messages
		 WHERE tenant_id = $1 GROUP BY status, direction`,
		tenantID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to summarize messages", err)
	}
	defer rows.Close()

	sum := &types.AnalyticsSummary{
		TenantID:    tenantID,
		ByStatus:    map[string]int{},
		ByDirection: map[string]int{},
	}
	for rows.Next() {
		var status, direction string
		var n int
		if err := rows.Scan(&status, &direction, &n); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan summary row", err)
		}
		sum.ByStatus[status] += n
		sum.ByDirection[direction] += n
		sum.TotalMessages += n
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating summary rows", err)
	}
	return sum, nil
}

// ExportByTenant streams all messages for a tenant in creation order, for
// the NDJSON analytics export.
func (r *MessageRepository) ExportByTenant(ctx context.Context, tenantID string) ([]*types.Message, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE tenant_id = $1 ORDER BY created_at`,
		tenantID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to export messages", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func collectMessages(rows pgx.Rows) ([]*types.Message, error) {
	var out []*types.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan message row", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating message rows", err)
	}
	return out, nil
}

func scanMessage(row pgx.Row) (*types.Message, error) {
	var (
		m                                           types.Message
		accountID, wamid, errCode, errMsg, template *string
		msgType, direction, status                  string
	)
	err := row.Scan(
		&m.ID, &m.TenantID, &accountID, &wamid, &m.FromNumber, &m.ToNumber,
		&m.Content, &msgType, &direction, &status, &errCode, &errMsg,
		&template, &m.DeliveryAttempts, &m.IsScheduled, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.AccountID = deref(accountID)
	m.WAMID = deref(wamid)
	m.ErrorCode = deref(errCode)
	m.ErrorMessage = deref(errMsg)
	m.TemplateName = deref(template)
	m.MessageType = types.MessageType(msgType)
	m.Direction = types.Direction(direction)
	m.Status = types.MessageStatus(status)
	return &m, nil
}
