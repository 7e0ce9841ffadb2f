// Package webhookfan delivers queued webhook notifications to each
// tenant's configured webhook URL, signing every request so receivers can
// authenticate the gateway.
package webhookfan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"numota/internal/auth"
	"numota/internal/config"
	"numota/internal/queue"
	"numota/internal/types"
)

// SignatureHeader carries the delivery signature:
// t=<unix-ts>,v1=<hex hmac-sha256 over "ts.body">.
const SignatureHeader = "X-Numota-Signature"

// TenantStore resolves the receiving tenant.
type TenantStore interface {
	GetByID(ctx context.Context, id string) (*types.Tenant, error)
}

// DeliveryLog records fan-out attempts.
type DeliveryLog interface {
	Insert(ctx context.Context, l *types.WebhookDeliveryLog) error
}

// Fanout is the queue handler for the webhook_notifications channel.
type Fanout struct {
	tenants   TenantStore
	logs      DeliveryLog
	client    *http.Client
	userAgent string
	logger    *slog.Logger
	nowFn     func() time.Time
}

func NewFanout(tenants TenantStore, logs DeliveryLog, cfg config.WebhookConfig, logger *slog.Logger) *Fanout {
	return &Fanout{
		tenants:   tenants,
		logs:      logs,
		client:    &http.Client{Timeout: cfg.Timeout},
		userAgent: cfg.UserAgent,
		logger:    logger,
		nowFn:     time.Now,
	}
}

// WithNow overrides the clock, for tests.
func (f *Fanout) WithNow(fn func() time.Time) *Fanout {
	f.nowFn = fn
	return f
}

// HandleNotification delivers one notification. Delivery failures are
// terminal: the attempt is logged with its error and the queue message is
// acked, so a dead tenant endpoint cannot back up the channel.
func (f *Fanout) HandleNotification(ctx context.Context, body []byte) error {
	var note types.WebhookNotification
	if err := json.Unmarshal(body, &note); err != nil {
		return fmt.Errorf("%w: %v", queue.ErrPoison, err)
	}
	if note.TenantID == "" || note.EventType == "" {
		return fmt.Errorf("%w: missing tenant_id or event_type", queue.ErrPoison)
	}

	tenant, err := f.tenants.GetByID(ctx, note.TenantID)
	if err != nil {
		return err
	}
	if tenant.WebhookURL == "" {
		f.logger.DebugContext(ctx, "tenant has no webhook url, dropping notification",
			"tenant_id", tenant.ID, "event_type", note.EventType)
		return nil
	}

	payload, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("%w: %v", queue.ErrPoison, err)
	}

	log := &types.WebhookDeliveryLog{
		TenantID:    tenant.ID,
		MessageID:   note.MessageID,
		WebhookURL:  tenant.WebhookURL,
		Payload:     string(payload),
		Attempt:     1,
		InitiatedAt: f.nowFn().UTC(),
	}

	status, deliverErr := f.deliver(ctx, tenant, payload)
	completed := f.nowFn().UTC()
	log.CompletedAt = &completed
	log.ResponseStatus = status
	if deliverErr != nil {
		log.ErrorMessage = deliverErr.Error()
		f.logger.WarnContext(ctx, "webhook delivery failed",
			"tenant_id", tenant.ID,
			"webhook_url", tenant.WebhookURL,
			"event_type", note.EventType,
			"status", status,
			"error", deliverErr,
		)
	} else {
		f.logger.InfoContext(ctx, "webhook delivered",
			"tenant_id", tenant.ID,
			"event_type", note.EventType,
			"status", status,
		)
	}

	if err := f.logs.Insert(ctx, log); err != nil {
		f.logger.ErrorContext(ctx, "failed to record webhook delivery log",
			"tenant_id", tenant.ID, "error", err)
	}
	return nil
}

func (f *Fanout) deliver(ctx context.Context, tenant *types.Tenant, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tenant.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}

	ts := strconv.FormatInt(f.nowFn().UTC().Unix(), 10)
	sig := auth.ComputeSignature(tenant.HMACSecret.Unmask(), ts, payload)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set(SignatureHeader, fmt.Sprintf("t=%s,v1=%s", ts, sig))

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("receiver returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}
