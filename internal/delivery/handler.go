// Package delivery contains the queue-side message processor run by the
// delivery worker: it turns outgoing_messages payloads into provider
// calls and records the terminal outcome on the owning rows.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"numota/internal/external"
	"numota/internal/queue"
	"numota/internal/types"
)

// MessageStore is the slice of the message repository the handler needs.
type MessageStore interface {
	Create(ctx context.Context, m *types.Message) error
	MarkSent(ctx context.Context, id, wamid string) error
	MarkFailed(ctx context.Context, id, errCode, errMsg string) error
}

// ScheduledStore records terminal outcomes on claimed scheduled rows.
type ScheduledStore interface {
	MarkSent(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id, errMsg string) error
}

// AccountStore loads the sending account credentials.
type AccountStore interface {
	GetByID(ctx context.Context, tenantID, id string) (*types.WhatsAppAccount, error)
	FirstActive(ctx context.Context, tenantID string) (*types.WhatsAppAccount, error)
}

// MetricSink records delivery outcomes and provider call timings.
// Implemented by metrics.Recorder.
type MetricSink interface {
	Outcome(ctx context.Context, result string)
	Latency(ctx context.Context, name string, d time.Duration)
}

// Handler processes one outgoing queue payload per invocation.
//
// Outcome semantics follow at-least-once consumption: a nil return acks
// the message. Provider failures are terminal here, recorded as failed on
// the row and acked, because a queue redelivery after a provider rejection
// would just repeat the same rejected call. Only infrastructure errors
// that happened before any provider call (account lookup against a down
// database) propagate out for redelivery.
type Handler struct {
	messages  MessageStore
	scheduled ScheduledStore
	accounts  AccountStore
	sender    external.WhatsAppSender
	metrics   MetricSink
	logger    *slog.Logger
	nowFn     func() time.Time
}

func NewHandler(messages MessageStore, scheduled ScheduledStore, accounts AccountStore, sender external.WhatsAppSender, metrics MetricSink, logger *slog.Logger) *Handler {
	return &Handler{
		messages:  messages,
		scheduled: scheduled,
		accounts:  accounts,
		sender:    sender,
		metrics:   metrics,
		logger:    logger,
		nowFn:     time.Now,
	}
}

// WithNow overrides the clock, for tests.
func (h *Handler) WithNow(fn func() time.Time) *Handler {
	h.nowFn = fn
	return h
}

// HandleOutgoing is the queue.Handler for the outgoing_messages channel.
func (h *Handler) HandleOutgoing(ctx context.Context, body []byte) error {
	var msg types.OutgoingMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("%w: %v", queue.ErrPoison, err)
	}
	if msg.MessageID == "" || msg.TenantID == "" || msg.ToNumber == "" {
		return fmt.Errorf("%w: missing required fields", queue.ErrPoison)
	}

	account, err := h.loadAccount(ctx, &msg)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundAccount {
			// No configured account is a terminal failure for this message.
			h.recordFailure(ctx, &msg, string(types.ErrCodeNotFoundAccount), appErr.Message)
			return nil
		}
		return err
	}

	start := h.nowFn()
	result, sendErr := h.send(ctx, account, &msg)
	if h.metrics != nil {
		h.metrics.Latency(ctx, "ProviderSendLatency", h.nowFn().Sub(start))
	}
	if sendErr != nil {
		code, detail := failureDetail(sendErr)
		h.logger.WarnContext(ctx, "provider send failed",
			"message_id", msg.MessageID,
			"tenant_id", msg.TenantID,
			"is_scheduled", msg.IsScheduled,
			"error_code", code,
			"error", sendErr,
		)
		h.recordFailure(ctx, &msg, code, detail)
		return nil
	}

	h.recordSuccess(ctx, &msg, account, result.WAMID)
	return nil
}

func (h *Handler) loadAccount(ctx context.Context, msg *types.OutgoingMessage) (*types.WhatsAppAccount, error) {
	if msg.AccountID != "" {
		return h.accounts.GetByID(ctx, msg.TenantID, msg.AccountID)
	}
	return h.accounts.FirstActive(ctx, msg.TenantID)
}

func (h *Handler) send(ctx context.Context, account *types.WhatsAppAccount, msg *types.OutgoingMessage) (*external.SendResult, error) {
	if types.MessageType(msg.MessageType) == types.MessageTypeTemplate {
		return h.sender.SendTemplate(ctx, account, msg.ToNumber, msg.Content, "")
	}
	return h.sender.SendText(ctx, account, msg.ToNumber, msg.Content)
}

// recordSuccess writes the terminal sent state. For scheduled dispatches
// it also inserts the Message row that represents the actual send, so
// history and analytics see scheduled traffic alongside immediate sends.
// Writeback failures are logged but still acked: redelivering a message
// that already reached the provider would duplicate the send.
func (h *Handler) recordSuccess(ctx context.Context, msg *types.OutgoingMessage, account *types.WhatsAppAccount, wamid string) {
	now := h.nowFn().UTC()

	if msg.IsScheduled {
		if err := h.scheduled.MarkSent(ctx, msg.MessageID, now); err != nil {
			h.logger.ErrorContext(ctx, "failed to mark scheduled message sent",
				"scheduled_message_id", msg.MessageID, "error", err)
		}
		record := &types.Message{
			TenantID:         msg.TenantID,
			AccountID:        account.ID,
			WAMID:            wamid,
			FromNumber:       account.PhoneNumber,
			ToNumber:         msg.ToNumber,
			Content:          msg.Content,
			MessageType:      types.MessageType(msg.MessageType),
			Direction:        types.DirectionOutbound,
			Status:           types.MessageSent,
			DeliveryAttempts: 1,
			IsScheduled:      true,
		}
		if err := h.messages.Create(ctx, record); err != nil {
			h.logger.ErrorContext(ctx, "failed to insert message row for scheduled send",
				"scheduled_message_id", msg.MessageID, "error", err)
		}
	} else {
		if err := h.messages.MarkSent(ctx, msg.MessageID, wamid); err != nil {
			h.logger.ErrorContext(ctx, "failed to mark message sent",
				"message_id", msg.MessageID, "error", err)
		}
	}

	h.logger.InfoContext(ctx, "message delivered",
		"message_id", msg.MessageID,
		"tenant_id", msg.TenantID,
		"wamid", wamid,
		"is_scheduled", msg.IsScheduled,
	)
	if h.metrics != nil {
		h.metrics.Outcome(ctx, "success")
	}
}

func (h *Handler) recordFailure(ctx context.Context, msg *types.OutgoingMessage, code, detail string) {
	if msg.IsScheduled {
		if err := h.scheduled.MarkFailed(ctx, msg.MessageID, detail); err != nil {
			h.logger.ErrorContext(ctx, "failed to mark scheduled message failed",
				"scheduled_message_id", msg.MessageID, "error", err)
		}
	} else {
		if err := h.messages.MarkFailed(ctx, msg.MessageID, code, detail); err != nil {
			h.logger.ErrorContext(ctx, "failed to mark message failed",
				"message_id", msg.MessageID, "error", err)
		}
	}
	if h.metrics != nil {
		h.metrics.Outcome(ctx, "failure")
	}
}

func failureDetail(err error) (code, detail string) {
	var failure *external.SendFailure
	if errors.As(err, &failure) {
		return failure.Code, failure.Message
	}
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return string(appErr.Code), appErr.Message
	}
	return string(types.ErrCodeUpstreamWhatsApp), err.Error()
}
