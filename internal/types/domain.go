// Package types defines the shared domain model for the Numota messaging
// gateway: tenants, provider accounts, messages, scheduled messages, and
// the cross-cutting error and context types used by every layer.
//
// The package has no dependencies on other internal packages so that it
// can be imported from anywhere without cycles.
package types

import "time"

// Tenant is a business customer of the gateway. Tenants authenticate with
// an API key (client identifier) plus an HMAC secret, own zero or more
// WhatsApp accounts, and are metered against a monthly message quota.
//
// Tenants are deactivated, never hard-deleted, to preserve the audit trail.
type Tenant struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Email      string       `json:"email,omitempty"`
	APIKey     string       `json:"api_key,omitempty"`
	HMACSecret SecretString `json:"-"`
	WebhookURL string       `json:"webhook_url,omitempty"`
	IsActive   bool         `json:"is_active"`

	// Quota and traffic controls.
	MonthlyMessageLimit int `json:"monthly_message_limit"`
	CurrentMonthCount   int `json:"current_month_count"`
	RateLimitPerMinute  int `json:"rate_limit_per_minute"`

	Timezone    string      `json:"timezone"`
	BillingTier BillingTier `json:"billing_tier"`
	// StripeItemID is the metered subscription item usage reports are
	// attached to. Empty for tenants without billing enabled.
	StripeItemID string `json:"-"`
	MaxAccounts  int    `json:"max_whatsapp_accounts"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// QuotaExceeded reports whether the tenant has used up its monthly quota.
// A non-positive limit means unlimited.
func (t *Tenant) QuotaExceeded() bool {
	return t.MonthlyMessageLimit > 0 && t.CurrentMonthCount >= t.MonthlyMessageLimit
}

// WhatsAppAccount is a provider-side sending identity (phone number id +
// access credential) owned by a tenant. Active accounts must carry a
// non-empty phone number id and access token.
type WhatsAppAccount struct {
	ID            string       `json:"id"`
	TenantID      string       `json:"tenant_id"`
	PhoneNumberID string       `json:"phone_number_id"`
	AccessToken   SecretString `json:"-"`
	PhoneNumber   string       `json:"phone_number,omitempty"`
	IsActive      bool         `json:"is_active"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Message is a single outbound or inbound message instance.
type Message struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	AccountID string `json:"whatsapp_account_id,omitempty"`

	// WAMID is the provider-assigned message id, set once sent.
	WAMID      string `json:"wamid,omitempty"`
	FromNumber string `json:"from_number"`
	ToNumber   string `json:"to_number"`
	Content    string `json:"content"`

	MessageType MessageType   `json:"message_type"`
	Direction   Direction     `json:"direction"`
	Status      MessageStatus `json:"status"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	TemplateName string `json:"template_name,omitempty"`

	DeliveryAttempts int `json:"delivery_attempts"`
	// IsScheduled marks rows inserted for dispatched scheduled messages so
	// history queries can distinguish provenance.
	IsScheduled bool `json:"is_scheduled,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScheduledMessage is a deferred send instruction. It is a distinct record
// from Message: a Message row is only created when the delivery worker
// actually dispatches the scheduled send.
//
// Invariants:
//   - Attempts <= MaxAttempts at every observed instant.
//   - ScheduledAt is immutable after creation; comparisons are in UTC.
//   - Rows are never deleted; terminal rows are retained for audit.
type ScheduledMessage struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	AccountID string `json:"whatsapp_account_id,omitempty"`

	ToNumber    string      `json:"to_number"`
	Content     string      `json:"message"`
	MessageType MessageType `json:"message_type"`

	ScheduledAt time.Time `json:"scheduled_at"`
	Timezone    string    `json:"timezone"`

	Status        ScheduledStatus `json:"status"`
	SentAt        *time.Time      `json:"sent_at,omitempty"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageTemplate is a reusable, named message body owned by a tenant.
type MessageTemplate struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Category  string    `json:"category,omitempty"`
	Language  string    `json:"language"`
	Body      string    `json:"body"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// APILog is an audit record written by the authentication middleware for
// every tenant-scoped request, successful or not.
type APILog struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id,omitempty"`
	Endpoint     string    `json:"endpoint"`
	Method       string    `json:"method"`
	StatusCode   int       `json:"status_code"`
	ResponseTime int       `json:"response_time_ms"`
	UserAgent    string    `json:"user_agent,omitempty"`
	IPAddress    string    `json:"ip_address,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// WebhookDeliveryLog records one attempt to deliver an event to a tenant's
// configured webhook URL.
type WebhookDeliveryLog struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	MessageID      string     `json:"message_id,omitempty"`
	WebhookURL     string     `json:"webhook_url"`
	Payload        string     `json:"payload,omitempty"`
	ResponseStatus int        `json:"response_status,omitempty"`
	Attempt        int        `json:"delivery_attempt"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	InitiatedAt    time.Time  `json:"initiated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// AnalyticsSummary aggregates a tenant's message traffic for reporting.
type AnalyticsSummary struct {
	TenantID      string         `json:"tenant_id"`
	TotalMessages int            `json:"total_messages"`
	ByStatus      map[string]int `json:"by_status"`
	ByDirection   map[string]int `json:"by_direction"`
	ScheduledOpen int            `json:"scheduled_pending"`
	MonthToDate   int            `json:"month_to_date"`
}
