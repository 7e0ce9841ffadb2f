package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"numota/internal/types"
)

// ScheduledRepository provides data access for the scheduled_messages
// table, including the atomic claim operation the scheduler loop depends
// on for exclusive ownership of due rows.
type ScheduledRepository struct {
	db DBTX
}

func NewScheduledRepository(db DBTX) *ScheduledRepository {
	return &ScheduledRepository{db: db}
}

const scheduledColumns = `id, tenant_id, whatsapp_account_id, to_number, message, message_type,
	scheduled_at, timezone, status, sent_at, attempts, max_attempts,
	error_message, last_attempt_at, created_at, updated_at`

// DefaultMaxAttempts is the attempts cap applied to new scheduled rows.
const DefaultMaxAttempts = 3

// Create inserts a new scheduled message in the "scheduled" state.
// ScheduledAt must already be normalized to UTC by the caller; it is
// immutable after this insert.
func (r *ScheduledRepository) Create(ctx context.Context, m *types.ScheduledMessage) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.MaxAttempts <= 0 {
		m.MaxAttempts = DefaultMaxAttempts
	}
	m.Status = types.ScheduledPending
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	_, err := r.db.Exec(ctx,
		`INSERT INTO scheduled_messages
		 (id, tenant_id, whatsapp_account_id, to_number, message, message_type,
		  scheduled_at, timezone, status, attempts, max_attempts, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		m.ID, m.TenantID, nilIfEmpty(m.AccountID), m.ToNumber, m.Content,
		string(m.MessageType), m.ScheduledAt, m.Timezone, string(m.Status),
		m.Attempts, m.MaxAttempts, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create scheduled message", err)
	}
	return nil
}

// ClaimDue atomically claims rows that are due for a send attempt as of
// now: status in (scheduled, failed), scheduled_at <= now (inclusive, so a
// row due exactly "now" is eligible), and attempts below the cap.
//
// Claimed rows transition to processing with attempts incremented and
// last_attempt_at stamped in the same statement, so two concurrent
// scheduler instances can never both own a row: the inner SELECT uses
// FOR UPDATE SKIP LOCKED and the UPDATE re-checks every eligibility guard.
// The returned rows reflect post-claim state.
func (r *ScheduledRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*types.ScheduledMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.Query(ctx,
		`UPDATE scheduled_messages SET
			status = 'processing',
			attempts = attempts + 1,
			last_attempt_at = $1,
			updated_at = $1
		 WHERE id IN (
			SELECT id FROM scheduled_messages
			WHERE status IN ('scheduled', 'failed')
			  AND scheduled_at <= $1
			  AND attempts < max_attempts
			ORDER BY scheduled_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		 )
		   AND status IN ('scheduled', 'failed')
		   AND attempts < max_attempts
		 RETURNING `+scheduledColumns,
		now, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to claim due messages", err)
	}
	defer rows.Close()

	var out []*types.ScheduledMessage
	for rows.Next() {
		m, err := scanScheduled(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan claimed row", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating claimed rows", err)
	}
	return out, nil
}

// MarkSent completes a claimed row: processing -> sent with sent_at set.
// The status guard makes the transition a no-op if the row is not in
// processing (e.g. after an operator intervention).
func (r *ScheduledRepository) MarkSent(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE scheduled_messages SET
			status = 'sent',
			sent_at = $2,
			error_message = NULL,
			updated_at = NOW()
		 WHERE id = $1 AND status = 'processing'`,
		id, at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark scheduled message sent", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictAlreadyClaimed,
			"scheduled message is not in processing state", nil)
	}
	return nil
}

// MarkFailed records a failed dispatch attempt on a claimed row. If the
// attempts cap is reached the row becomes permanently_failed and is never
// claimed again; otherwise it returns to failed and stays eligible for
// the next poll cycle.
func (r *ScheduledRepository) MarkFailed(ctx context.Context, id, errMsg string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE scheduled_messages SET
			status = CASE WHEN attempts >= max_attempts THEN 'permanently_failed' ELSE 'failed' END,
			error_message = $2,
			updated_at = NOW()
		 WHERE id = $1 AND status = 'processing'`,
		id, errMsg,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark scheduled message failed", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictAlreadyClaimed,
			"scheduled message is not in processing state", nil)
	}
	return nil
}

// Cancel transitions scheduled -> cancelled. The status guard in the
// WHERE clause makes cancel-vs-claim races safe: the loser observes zero
// affected rows and reports a conflict instead of corrupting state.
func (r *ScheduledRepository) Cancel(ctx context.Context, tenantID, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE scheduled_messages SET status = 'cancelled', updated_at = NOW()
		 WHERE id = $1 AND tenant_id = $2 AND status = 'scheduled'`,
		id, tenantID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to cancel scheduled message", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish "not found" from "not cancellable" for the API.
		if _, getErr := r.GetByID(ctx, tenantID, id); getErr != nil {
			return getErr
		}
		return types.NewAppError(types.ErrCodeConflictNotCancellable,
			"only messages still in scheduled state can be cancelled", nil)
	}
	return nil
}

// GetByID returns a scheduled message scoped to a tenant.
func (r *ScheduledRepository) GetByID(ctx context.Context, tenantID, id string) (*types.ScheduledMessage, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+scheduledColumns+` FROM scheduled_messages
		 WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	)
	m, err := scanScheduled(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundScheduled, "scheduled message not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get scheduled message", err)
	}
	return m, nil
}

// ListByTenant returns all of a tenant's scheduled messages ordered by
// scheduled time ascending.
func (r *ScheduledRepository) ListByTenant(ctx context.Context, tenantID string) ([]*types.ScheduledMessage, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+scheduledColumns+` FROM scheduled_messages
		 WHERE tenant_id = $1 ORDER BY scheduled_at`,
		tenantID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list scheduled messages", err)
	}
	defer rows.Close()

	var out []*types.ScheduledMessage
	for rows.Next() {
		m, err := scanScheduled(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan scheduled row", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating scheduled rows", err)
	}
	return out, nil
}

// CountPending returns the number of still-dispatchable rows for a tenant,
// used by the analytics summary.
func (r *ScheduledRepository) CountPending(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM scheduled_messages
		 WHERE tenant_id = $1 AND status IN ('scheduled', 'failed')`,
		tenantID,
	).Scan(&n)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count pending scheduled messages", err)
	}
	return n, nil
}

func scanScheduled(row pgx.Row) (*types.ScheduledMessage, error) {
	var (
		m         types.ScheduledMessage
		accountID *string
		errMsg    *string
		msgType   string
		status    string
		sentAt    *time.Time
		lastAt    *time.Time
	)
	err := row.Scan(
		&m.ID, &m.TenantID, &accountID, &m.ToNumber, &m.Content, &msgType,
		&m.ScheduledAt, &m.Timezone, &status, &sentAt, &m.Attempts,
		&m.MaxAttempts, &errMsg, &lastAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.AccountID = deref(accountID)
	m.ErrorMessage = deref(errMsg)
	m.MessageType = types.MessageType(msgType)
	m.Status = types.ScheduledStatus(status)
	m.SentAt = sentAt
	m.LastAttemptAt = lastAt
	return &m, nil
}
