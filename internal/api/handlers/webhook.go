package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"numota/internal/core"
	"numota/internal/types"
)

// maxWebhookBodySize caps inbound provider event bodies.
const maxWebhookBodySize = 1 << 20

// AccountResolver maps a provider phone number id to the owning account.
// Implemented by db.AccountRepository.
type AccountResolver interface {
	GetByPhoneNumberID(ctx context.Context, phoneNumberID string) (*types.WhatsAppAccount, error)
}

// EventPublisher publishes queue payloads extracted from webhook events.
// Implemented by queue.Publisher.
type EventPublisher interface {
	Publish(ctx context.Context, channel string, payload any) error
}

// Graph API webhook payload. Only the fields the gateway consumes are
// declared; everything else rides along in the raw change value.
type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Field string          `json:"field"`
			Value json.RawMessage `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type webhookChangeValue struct {
	Metadata struct {
		PhoneNumberID string `json:"phone_number_id"`
	} `json:"metadata"`
	Messages []struct {
		ID        string `json:"id"`
		From      string `json:"from"`
		Type      string `json:"type"`
		Timestamp string `json:"timestamp"`
		Text      struct {
			Body string `json:"body"`
		} `json:"text"`
	} `json:"messages"`
	Statuses []struct {
		ID          string `json:"id"`
		Status      string `json:"status"`
		RecipientID string `json:"recipient_id"`
	} `json:"statuses"`
}

// WebhookHandler terminates the provider's webhook callbacks: the GET
// verification handshake and the POST event feed. Events are not processed
// inline; they are published to the incoming and fan-out queues so the
// webhook endpoint stays fast and the provider does not retry on slow
// downstream work.
type WebhookHandler struct {
	verifyToken string
	accounts    AccountResolver
	publisher   EventPublisher
	logger      *slog.Logger
}

func NewWebhookHandler(verifyToken string, accounts AccountResolver, publisher EventPublisher, l *slog.Logger) *WebhookHandler {
	if l == nil {
		l = slog.Default()
	}
	return &WebhookHandler{
		verifyToken: verifyToken,
		accounts:    accounts,
		publisher:   publisher,
		logger:      l,
	}
}

// RegisterRoutes mounts the webhook endpoints on the public router.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Get("/webhook", h.Verify)
	r.Post("/webhook", h.Receive)
}

// Verify handles the subscription handshake: echo hub.challenge as plain
// text when hub.mode is "subscribe" and the token matches, 403 otherwise.
func (h *WebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode != "subscribe" || token == "" || token != h.verifyToken {
		h.logger.WarnContext(r.Context(), "webhook verification rejected", "mode", mode)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

// Receive handles POST /webhook. The provider retries non-2xx responses,
// so event-level failures (unknown account, publish error) are logged and
// answered 200; only an unreadable body is rejected. The strict DecodeJSON
// is deliberately not used here: the provider payload carries fields the
// gateway does not declare.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodySize))
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationContentSize,
			"webhook body too large", err))
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"malformed webhook payload", err))
		return
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			h.processChange(r.Context(), change.Value)
		}
	}

	core.OK(w, r, map[string]string{"status": "processed"})
}

func (h *WebhookHandler) processChange(ctx context.Context, raw json.RawMessage) {
	var value webhookChangeValue
	if err := json.Unmarshal(raw, &value); err != nil {
		h.logger.WarnContext(ctx, "unparseable webhook change value", "error", err)
		return
	}

	account, err := h.accounts.GetByPhoneNumberID(ctx, value.Metadata.PhoneNumberID)
	if err != nil {
		h.logger.WarnContext(ctx, "webhook event for unknown phone number id",
			"phone_number_id", value.Metadata.PhoneNumberID, "error", err)
		return
	}

	for _, msg := range value.Messages {
		ts, _ := strconv.ParseInt(msg.Timestamp, 10, 64)
		incoming := types.IncomingMessage{
			TenantID:   account.TenantID,
			AccountID:  account.ID,
			WAMID:      msg.ID,
			FromNumber: msg.From,
			Content:    msg.Text.Body,
			Timestamp:  ts,
		}
		if err := h.publisher.Publish(ctx, types.ChannelIncoming, incoming); err != nil {
			h.logger.ErrorContext(ctx, "failed to publish incoming message",
				"wamid", msg.ID, "error", err)
			continue
		}

		h.notify(ctx, account.TenantID, msg.ID, "message.received", raw)
	}

	for _, st := range value.Statuses {
		h.notify(ctx, account.TenantID, st.ID, "message.status."+st.Status, raw)
	}
}

// notify publishes one fan-out notification carrying the raw change value
// so tenants see the provider payload unaltered.
func (h *WebhookHandler) notify(ctx context.Context, tenantID, messageID, eventType string, raw json.RawMessage) {
	notification := types.WebhookNotification{
		TenantID:  tenantID,
		MessageID: messageID,
		EventType: eventType,
		Payload:   raw,
		TraceID:   types.GetRequestID(ctx),
	}
	if err := h.publisher.Publish(ctx, types.ChannelWebhookFanout, notification); err != nil {
		h.logger.ErrorContext(ctx, "failed to publish webhook notification",
			"tenant_id", tenantID, "event_type", eventType, "error", err)
	}
}
