package types

import "encoding/json"

// Queue channel names. Each maps to a dedicated SQS queue URL in config.
const (
	ChannelOutgoing      = "outgoing_messages"
	ChannelIncoming      = "incoming_messages"
	ChannelWebhookFanout = "webhook_notifications"
)

// OutgoingMessage is the wire format published on the outgoing_messages
// channel and consumed by the delivery worker. JSON field names are part
// of the queue contract and must not change.
type OutgoingMessage struct {
	// MessageID is the Message row id for immediate sends, or the
	// ScheduledMessage row id when IsScheduled is true.
	MessageID   string `json:"message_id"`
	TenantID    string `json:"tenant_id"`
	AccountID   string `json:"whatsapp_account_id"`
	ToNumber    string `json:"to_number"`
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
	IsScheduled bool   `json:"is_scheduled,omitempty"`
}

// IncomingMessage is the wire format for inbound messages extracted from
// provider webhook events and published on the incoming_messages channel.
type IncomingMessage struct {
	TenantID   string `json:"tenant_id"`
	AccountID  string `json:"whatsapp_account_id"`
	WAMID      string `json:"wamid"`
	FromNumber string `json:"from_number"`
	Content    string `json:"content"`
	Timestamp  int64  `json:"timestamp"`
}

// WebhookNotification is published on the webhook_notifications channel
// and fanned out to the owning tenant's configured webhook URL.
type WebhookNotification struct {
	TenantID  string          `json:"tenant_id"`
	MessageID string          `json:"message_id,omitempty"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	TraceID   string          `json:"trace_id,omitempty"`
}
