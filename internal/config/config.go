// Package config defines the global configuration structure for the Numota
// gateway. Configuration is loaded once at process startup and is immutable
// thereafter, following 12-Factor principles: values come from the OS
// environment, optionally seeded from a .env file for local development.
//
// Any missing required value or invalid format fails the process
// immediately on startup (fail fast).
package config

import (
	"time"

	"numota/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging.
type SecretString = types.SecretString

// Config is the top-level configuration struct. It is populated once during
// process initialization and never modified. Sub-components receive only
// the specific subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"numota-gateway"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server    ServerConfig
	Database  DatabaseConfig
	AWS       AWSConfig
	Redis     RedisConfig
	WhatsApp  WhatsAppConfig
	Security  SecurityConfig
	Scheduler SchedulerConfig
	Consumer  ConsumerConfig
	Billing   BillingConfig
	Webhook   WebhookConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"15s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds the queue URLs for the gateway's three channels plus
// regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	OutgoingQueueURL string `envconfig:"SQS_OUTGOING_MESSAGES" validate:"required,url"`
	IncomingQueueURL string `envconfig:"SQS_INCOMING_MESSAGES" validate:"required,url"`
	WebhookQueueURL  string `envconfig:"SQS_WEBHOOK_NOTIFICATIONS" validate:"required,url"`

	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Numota"`

	// LocalStack support (empty in prod).
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// RedisConfig holds the rate-limiter Redis connection settings.
type RedisConfig struct {
	Addr     string       `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password SecretString `envconfig:"REDIS_PASSWORD"`
	DB       int          `envconfig:"REDIS_DB" default:"0"`
}

// WhatsAppConfig holds the provider API settings for the delivery client.
type WhatsAppConfig struct {
	APIBaseURL string        `envconfig:"WHATSAPP_API_URL" default:"https://graph.facebook.com/v18.0"`
	Timeout    time.Duration `envconfig:"WHATSAPP_API_TIMEOUT" default:"30s"`
	// MaxMessageSize is enforced client-side before calling the provider.
	MaxMessageSize int `envconfig:"MAX_MESSAGE_SIZE" default:"4096"`
	// RequestsPerSecond caps the outbound call rate to the provider.
	RequestsPerSecond float64 `envconfig:"WHATSAPP_RPS" default:"20"`
	VerifyToken       string  `envconfig:"WHATSAPP_WEBHOOK_VERIFY_TOKEN" validate:"required"`
}

// SecurityConfig holds authentication settings.
type SecurityConfig struct {
	// AuthWindow is the maximum allowed skew between the X-Timestamp
	// header and server time.
	AuthWindow time.Duration `envconfig:"AUTH_TIMESTAMP_WINDOW" default:"300s"`
	// AdminKeyHash is a bcrypt hash of the admin API key. Admin endpoints
	// are disabled when empty.
	AdminKeyHash SecretString `envconfig:"ADMIN_API_KEY_HASH"`

	RateLimitEnabled bool `envconfig:"ENABLE_RATE_LIMITING" default:"true"`
}

// SchedulerConfig holds the scheduler loop timing knobs.
type SchedulerConfig struct {
	// PollInterval is the sleep between poll cycles.
	PollInterval time.Duration `envconfig:"SCHEDULER_POLL_INTERVAL" default:"60s"`
	// ErrorBackoff is the shorter sleep applied after a cycle-level error.
	ErrorBackoff time.Duration `envconfig:"SCHEDULER_ERROR_BACKOFF" default:"30s"`
	// BatchSize is the number of due rows claimed per ClaimDue call. A
	// poll cycle keeps claiming batches until the backlog that was due at
	// the start of the cycle is drained. Non-positive falls back to 100.
	BatchSize int `envconfig:"SCHEDULER_BATCH_SIZE" default:"100"`

	// QuotaResetSpec is the cron spec for the monthly usage counter reset.
	QuotaResetSpec string `envconfig:"QUOTA_RESET_CRON" default:"0 0 1 * *"`
	// UsageReportSpec is the cron spec for the daily billing usage report.
	UsageReportSpec string `envconfig:"USAGE_REPORT_CRON" default:"30 0 * * *"`
}

// ConsumerConfig holds the delivery worker settings.
type ConsumerConfig struct {
	Workers         int           `envconfig:"CONSUMER_WORKERS" default:"2"`
	WaitTime        time.Duration `envconfig:"CONSUMER_WAIT_TIME" default:"20s"`
	MaxMessages     int           `envconfig:"CONSUMER_MAX_MESSAGES" default:"10"`
	ReconnectTries  int           `envconfig:"CONSUMER_RECONNECT_TRIES" default:"3"`
	ReconnectDelay  time.Duration `envconfig:"CONSUMER_RECONNECT_DELAY" default:"5s"`
}

// BillingConfig holds Stripe usage-reporting credentials.
type BillingConfig struct {
	StripeSecretKey SecretString `envconfig:"STRIPE_SECRET_KEY"`
	Enabled         bool         `envconfig:"BILLING_REPORTS_ENABLED" default:"false"`
}

// WebhookConfig holds settings for outbound webhook fan-out delivery.
type WebhookConfig struct {
	UserAgent string        `envconfig:"WEBHOOK_USER_AGENT" default:"Numota-Webhook/1.0"`
	Timeout   time.Duration `envconfig:"WEBHOOK_TIMEOUT" default:"10s"`
}
