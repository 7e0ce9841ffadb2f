package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"numota/internal/external"
	"numota/internal/queue"
	"numota/internal/types"
)

// IncomingHandler drains the incoming_messages channel: each payload
// becomes an inbound Message row so conversations show up in history and
// analytics, and the provider is told the message was read.
type IncomingHandler struct {
	messages MessageStore
	accounts AccountStore
	sender   external.WhatsAppSender
	logger   *slog.Logger
}

func NewIncomingHandler(messages MessageStore, accounts AccountStore, sender external.WhatsAppSender, logger *slog.Logger) *IncomingHandler {
	return &IncomingHandler{messages: messages, accounts: accounts, sender: sender, logger: logger}
}

// HandleIncoming is the queue.Handler for the incoming_messages channel.
// Duplicate deliveries produce duplicate rows; inbound history tolerates
// that, so the insert is not deduplicated by WAMID.
func (h *IncomingHandler) HandleIncoming(ctx context.Context, body []byte) error {
	var payload types.IncomingMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("%w: %s", queue.ErrPoison, err)
	}
	if payload.TenantID == "" || payload.WAMID == "" {
		return fmt.Errorf("%w: missing tenant_id or wamid", queue.ErrPoison)
	}

	msg := &types.Message{
		TenantID:   payload.TenantID,
		AccountID:  payload.AccountID,
		WAMID:      payload.WAMID,
		FromNumber: payload.FromNumber,
		Content:    payload.Content,

		MessageType: types.MessageTypeText,
		Direction:   types.DirectionInbound,
		Status:      types.MessageReceived,
	}
	if payload.Timestamp > 0 {
		msg.CreatedAt = time.Unix(payload.Timestamp, 0).UTC()
	}

	if err := h.messages.Create(ctx, msg); err != nil {
		// Store failure; leave in flight for redelivery.
		return err
	}

	h.logger.InfoContext(ctx, "inbound message recorded",
		"message_id", msg.ID,
		"tenant_id", msg.TenantID,
		"wamid", msg.WAMID,
	)

	h.markRead(ctx, &payload)
	return nil
}

// markRead sends the read receipt back to the provider. Best effort: the
// row is already recorded and acked, so a receipt failure is only logged.
func (h *IncomingHandler) markRead(ctx context.Context, payload *types.IncomingMessage) {
	account, err := h.loadReceiptAccount(ctx, payload)
	if err != nil {
		h.logger.WarnContext(ctx, "read receipt skipped, no account",
			"tenant_id", payload.TenantID,
			"wamid", payload.WAMID,
			"error", err,
		)
		return
	}
	if err := h.sender.MarkRead(ctx, account, payload.WAMID); err != nil {
		h.logger.WarnContext(ctx, "read receipt failed",
			"tenant_id", payload.TenantID,
			"wamid", payload.WAMID,
			"error", err,
		)
	}
}

func (h *IncomingHandler) loadReceiptAccount(ctx context.Context, payload *types.IncomingMessage) (*types.WhatsAppAccount, error) {
	if payload.AccountID != "" {
		return h.accounts.GetByID(ctx, payload.TenantID, payload.AccountID)
	}
	return h.accounts.FirstActive(ctx, payload.TenantID)
}
