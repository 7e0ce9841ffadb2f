// Package handlers contains the HTTP handler implementations for the
// Numota gateway API. Each handler depends on small locally defined
// interfaces so tests can inject fakes without a database or queue.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"numota/internal/core"
	"numota/internal/external"
	"numota/internal/messages"
	"numota/internal/types"
)

// defaultHistoryLimit bounds GET /messages when no limit is given.
const defaultHistoryLimit = 50

// maxHistoryLimit is the hard cap for a single history page.
const maxHistoryLimit = 500

// MessageSender accepts one outbound message. Implemented by
// messages.Service.
type MessageSender interface {
	Send(ctx context.Context, tenant *types.Tenant, req messages.SendRequest) (*types.Message, error)
}

// MessageHistory reads a tenant's message rows. Implemented by
// db.MessageRepository.
type MessageHistory interface {
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]*types.Message, error)
	GetByID(ctx context.Context, tenantID, id string) (*types.Message, error)
}

// SendMessageRequest is the body for POST /api/v1/messages/send.
type SendMessageRequest struct {
	AccountID    string `json:"whatsapp_account_id,omitempty"`
	ToNumber     string `json:"to_number" validate:"required,phone"`
	Content      string `json:"content" validate:"required,max=4096"`
	MessageType  string `json:"message_type,omitempty" validate:"omitempty,oneof=text template"`
	TemplateName string `json:"template_name,omitempty" validate:"required_if=MessageType template"`
}

// MessageHandler serves the immediate send endpoint and message history.
type MessageHandler struct {
	sender    MessageSender
	history   MessageHistory
	validator *core.Validator
	logger    *slog.Logger
}

func NewMessageHandler(sender MessageSender, history MessageHistory, v *core.Validator, l *slog.Logger) *MessageHandler {
	if l == nil {
		l = slog.Default()
	}
	return &MessageHandler{sender: sender, history: history, validator: v, logger: l}
}

// RegisterRoutes mounts the message routes on a tenant-scoped router.
func (h *MessageHandler) RegisterRoutes(r chi.Router) {
	r.Post("/messages/send", h.Send)
	r.Get("/messages", h.List)
	r.Get("/messages/{id}", h.Get)
}

// Send handles POST /api/v1/messages/send. A queue-path send returns 202
// with the queued row; a degraded-mode inline send returns 200 on success
// and the provider error otherwise.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	tenant, ok := types.TenantFromContext(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthHeadersMissing, "authentication required", nil))
		return
	}

	var req SendMessageRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.Error(w, r, err)
		return
	}

	msgType := types.MessageType(req.MessageType)
	if msgType == "" {
		msgType = types.MessageTypeText
	}

	msg, err := h.sender.Send(r.Context(), tenant, messages.SendRequest{
		AccountID:    req.AccountID,
		ToNumber:     req.ToNumber,
		Content:      req.Content,
		MessageType:  msgType,
		TemplateName: req.TemplateName,
	})
	if err != nil {
		// An inline send that reached the provider and failed still has
		// a persisted row; surface the row alongside the error status.
		var failure *external.SendFailure
		if msg != nil && errors.As(err, &failure) {
			core.JSON(w, r, http.StatusBadGateway, core.APIResponse{Data: msg})
			return
		}
		core.Error(w, r, err)
		return
	}

	status := http.StatusAccepted
	if msg.Status == types.MessageSent {
		status = http.StatusOK
	}
	core.JSON(w, r, status, core.APIResponse{Data: msg})
}

// List handles GET /api/v1/messages.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	tenant, ok := types.TenantFromContext(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthHeadersMissing, "authentication required", nil))
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
				"limit must be a positive integer", err))
			return
		}
		if n > maxHistoryLimit {
			n = maxHistoryLimit
		}
		limit = n
	}

	msgs, err := h.history.ListByTenant(r.Context(), tenant.ID, limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []*types.Message{}
	}
	core.OK(w, r, msgs)
}

// Get handles GET /api/v1/messages/{id}.
func (h *MessageHandler) Get(w http.ResponseWriter, r *http.Request) {
	tenant, ok := types.TenantFromContext(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthHeadersMissing, "authentication required", nil))
		return
	}

	msg, err := h.history.GetByID(r.Context(), tenant.ID, chi.URLParam(r, "id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.OK(w, r, msg)
}
