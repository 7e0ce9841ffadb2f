package db

import (
	"context"
	"time"

	"github.com/google/uuid"

	"numota/internal/types"
)

// APILogRepository persists per-request audit records. Writes are
// best-effort: callers log failures but never fail the request over them.
type APILogRepository struct {
	db DBTX
}

func NewAPILogRepository(db DBTX) *APILogRepository {
	return &APILogRepository{db: db}
}

func (r *APILogRepository) Insert(ctx context.Context, l *types.APILog) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO api_logs
		 (id, tenant_id, endpoint, method, status_code, response_time_ms,
		  user_agent, ip_address, error_message, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		l.ID, nilIfEmpty(l.TenantID), l.Endpoint, l.Method, l.StatusCode,
		l.ResponseTime, nilIfEmpty(l.UserAgent), nilIfEmpty(l.IPAddress),
		nilIfEmpty(l.ErrorMessage), l.CreatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert api log", err)
	}
	return nil
}

// WebhookLogRepository records webhook fan-out attempts.
type WebhookLogRepository struct {
	db DBTX
}

func NewWebhookLogRepository(db DBTX) *WebhookLogRepository {
	return &WebhookLogRepository{db: db}
}

func (r *WebhookLogRepository) Insert(ctx context.Context, l *types.WebhookDeliveryLog) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.InitiatedAt.IsZero() {
		l.InitiatedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO webhook_delivery_logs
		 (id, tenant_id, message_id, webhook_url, payload, response_status,
		  delivery_attempt, error_message, initiated_at, completed_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		l.ID, l.TenantID, nilIfEmpty(l.MessageID), l.WebhookURL,
		nilIfEmpty(l.Payload), l.ResponseStatus, l.Attempt,
		nilIfEmpty(l.ErrorMessage), l.InitiatedAt, l.CompletedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert webhook delivery log", err)
	}
	return nil
}
