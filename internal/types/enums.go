package types

// Direction indicates whether a message was sent by a tenant or received
// from a counterpart via the provider webhook.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// MessageStatus is the lifecycle status of a Message row.
type MessageStatus string

const (
	// MessagePending is the initial status before the row is handed anywhere.
	MessagePending MessageStatus = "pending"
	// MessageQueued means the row has been published to the outgoing queue.
	MessageQueued MessageStatus = "queued"
	// MessageSent means the provider accepted the message.
	MessageSent MessageStatus = "sent"
	// MessageFailed means the delivery attempt failed. The immediate-send
	// path never retries; the tenant must resubmit.
	MessageFailed MessageStatus = "failed"
	// MessageReceived marks inbound messages created from webhook events.
	MessageReceived MessageStatus = "received"
)

// ScheduledStatus is the lifecycle status of a ScheduledMessage row.
//
// Legal transitions:
//
//	scheduled  -> processing            (claim)
//	scheduled  -> cancelled             (explicit cancel, only from scheduled)
//	processing -> sent                  (dispatch delivered)
//	processing -> failed                (dispatch failed, attempts < max)
//	processing -> permanently_failed    (dispatch failed, attempts == max)
//	failed     -> processing            (re-claim on a later poll cycle)
type ScheduledStatus string

const (
	ScheduledPending    ScheduledStatus = "scheduled"
	ScheduledProcessing ScheduledStatus = "processing"
	ScheduledSent       ScheduledStatus = "sent"
	ScheduledFailed     ScheduledStatus = "failed"
	ScheduledCancelled  ScheduledStatus = "cancelled"
	ScheduledPermFailed ScheduledStatus = "permanently_failed"
)

// Terminal reports whether no further transition may leave this status.
// A failed row is not terminal: it stays eligible for re-claim until the
// attempts cap is reached.
func (s ScheduledStatus) Terminal() bool {
	switch s {
	case ScheduledSent, ScheduledCancelled, ScheduledPermFailed:
		return true
	}
	return false
}

// MessageType identifies the provider payload shape.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeTemplate MessageType = "template"
)

// BillingTier classifies a tenant's subscription level.
type BillingTier string

const (
	TierStarter    BillingTier = "starter"
	TierGrowth     BillingTier = "growth"
	TierEnterprise BillingTier = "enterprise"
)
