package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"numota/internal/core"
	"numota/internal/types"
)

// ScheduledStore is the repository slice for scheduled message endpoints.
// Implemented by db.ScheduledRepository.
type ScheduledStore interface {
	Create(ctx context.Context, m *types.ScheduledMessage) error
	ListByTenant(ctx context.Context, tenantID string) ([]*types.ScheduledMessage, error)
	GetByID(ctx context.Context, tenantID, id string) (*types.ScheduledMessage, error)
	Cancel(ctx context.Context, tenantID, id string) error
}

// ScheduleMessageRequest is the body for POST /api/v1/messages/schedule.
// scheduled_at is RFC 3339; a zone offset in the value wins over the
// timezone field, which is informational.
type ScheduleMessageRequest struct {
	AccountID   string `json:"whatsapp_account_id,omitempty"`
	ToNumber    string `json:"to_number" validate:"required,phone"`
	Content     string `json:"message" validate:"required,max=4096"`
	MessageType string `json:"message_type,omitempty" validate:"omitempty,oneof=text template"`
	ScheduledAt string `json:"scheduled_at" validate:"required"`
	Timezone    string `json:"timezone,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty" validate:"omitempty,min=1,max=10"`
}

// ScheduledHandler serves the scheduled-message endpoints.
type ScheduledHandler struct {
	store     ScheduledStore
	validator *core.Validator
	logger    *slog.Logger
	nowFn     func() time.Time
}

func NewScheduledHandler(store ScheduledStore, v *core.Validator, l *slog.Logger) *ScheduledHandler {
	if l == nil {
		l = slog.Default()
	}
	return &ScheduledHandler{store: store, validator: v, logger: l, nowFn: time.Now}
}

// WithNow overrides the clock used for the future-time check. For tests.
func (h *ScheduledHandler) WithNow(fn func() time.Time) *ScheduledHandler {
	h.nowFn = fn
	return h
}

// RegisterRoutes mounts the scheduled-message routes on a tenant-scoped
// router.
func (h *ScheduledHandler) RegisterRoutes(r chi.Router) {
	r.Post("/messages/schedule", h.Schedule)
	r.Get("/messages/scheduled", h.List)
	r.Get("/messages/scheduled/{id}", h.Get)
	r.Delete("/messages/scheduled/{id}", h.Cancel)
}

// Schedule handles POST /api/v1/messages/schedule. The scheduled time is
// normalized to UTC at the boundary; everything downstream compares in UTC.
func (h *ScheduledHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	tenant, ok := types.TenantFromContext(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthHeadersMissing, "authentication required", nil))
		return
	}

	var req ScheduleMessageRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.Error(w, r, err)
		return
	}

	scheduledAt, err := time.Parse(time.RFC3339, req.ScheduledAt)
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidTime,
			"scheduled_at must be an RFC 3339 timestamp", err))
		return
	}
	scheduledAt = scheduledAt.UTC()

	if !scheduledAt.After(h.nowFn().UTC()) {
		core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationPastSchedule,
			"scheduled_at must be in the future", nil,
			map[string]any{"scheduled_at": scheduledAt.Format(time.RFC3339)}))
		return
	}

	msgType := types.MessageType(req.MessageType)
	if msgType == "" {
		msgType = types.MessageTypeText
	}

	msg := &types.ScheduledMessage{
		TenantID:    tenant.ID,
		AccountID:   req.AccountID,
		ToNumber:    req.ToNumber,
		Content:     req.Content,
		MessageType: msgType,
		ScheduledAt: scheduledAt,
		Timezone:    req.Timezone,
		MaxAttempts: req.MaxAttempts,
	}
	if err := h.store.Create(r.Context(), msg); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "message scheduled",
		"scheduled_message_id", msg.ID,
		"tenant_id", tenant.ID,
		"scheduled_at", scheduledAt,
	)
	core.Created(w, r, msg)
}

// List handles GET /api/v1/messages/scheduled.
func (h *ScheduledHandler) List(w http.ResponseWriter, r *http.Request) {
	tenant, ok := types.TenantFromContext(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthHeadersMissing, "authentication required", nil))
		return
	}

	msgs, err := h.store.ListByTenant(r.Context(), tenant.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []*types.ScheduledMessage{}
	}
	core.OK(w, r, msgs)
}

// Get handles GET /api/v1/messages/scheduled/{id}.
func (h *ScheduledHandler) Get(w http.ResponseWriter, r *http.Request) {
	tenant, ok := types.TenantFromContext(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthHeadersMissing, "authentication required", nil))
		return
	}

	msg, err := h.store.GetByID(r.Context(), tenant.ID, chi.URLParam(r, "id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.OK(w, r, msg)
}

// Cancel handles DELETE /api/v1/messages/scheduled/{id}. Only rows still
// in the scheduled state can be cancelled; a row the scheduler has already
// claimed comes back as a 409.
func (h *ScheduledHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	tenant, ok := types.TenantFromContext(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthHeadersMissing, "authentication required", nil))
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.store.Cancel(r.Context(), tenant.ID, id); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "scheduled message cancelled",
		"scheduled_message_id", id,
		"tenant_id", tenant.ID,
	)
	core.OK(w, r, map[string]string{"id": id, "status": string(types.ScheduledCancelled)})
}
