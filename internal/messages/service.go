// Package messages implements the immediate send path: quota accounting,
// message row creation, queue publish, and the inline degraded-mode
// fallback used when the queue is unreachable.
package messages

import (
	"context"
	"errors"
	"log/slog"

	"numota/internal/external"
	"numota/internal/types"
)

// TenantStore meters sends against the monthly quota.
type TenantStore interface {
	IncrementUsage(ctx context.Context, id string) error
}

// MessageStore is the slice of the message repository the service needs.
type MessageStore interface {
	Create(ctx context.Context, m *types.Message) error
	MarkSent(ctx context.Context, id, wamid string) error
	MarkFailed(ctx context.Context, id, errCode, errMsg string) error
}

// AccountStore resolves the sending account.
type AccountStore interface {
	GetByID(ctx context.Context, tenantID, id string) (*types.WhatsAppAccount, error)
	FirstActive(ctx context.Context, tenantID string) (*types.WhatsAppAccount, error)
}

// TemplateStore resolves an active template by name for template sends.
type TemplateStore interface {
	GetByName(ctx context.Context, tenantID, name string) (*types.MessageTemplate, error)
}

// Publisher is the queue-side publish surface plus the availability probe
// that selects the delivery path.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload any) error
	Available(ctx context.Context) bool
}

// SendRequest is the validated input for one immediate send.
type SendRequest struct {
	AccountID    string
	ToNumber     string
	Content      string
	MessageType  types.MessageType
	TemplateName string
}

// Service coordinates one immediate send end to end.
type Service struct {
	tenants   TenantStore
	messages  MessageStore
	accounts  AccountStore
	templates TemplateStore
	publisher Publisher
	sender    external.WhatsAppSender
	logger    *slog.Logger
}

func NewService(tenants TenantStore, messages MessageStore, accounts AccountStore, templates TemplateStore, publisher Publisher, sender external.WhatsAppSender, logger *slog.Logger) *Service {
	return &Service{
		tenants:   tenants,
		messages:  messages,
		accounts:  accounts,
		templates: templates,
		publisher: publisher,
		sender:    sender,
		logger:    logger,
	}
}

// Send accepts one outbound message for the tenant. The normal path
// creates a queued Message row and publishes it for asynchronous
// delivery. When the queue availability probe fails, the send falls back
// to a synchronous provider call so the gateway degrades to slower
// delivery instead of rejecting traffic.
//
// The quota is charged only after the account and template resolve, so a
// request that cannot be delivered never consumes an attempt. Once
// charged it is not rolled back: a send that fails downstream still
// counted.
func (s *Service) Send(ctx context.Context, tenant *types.Tenant, req SendRequest) (*types.Message, error) {
	// Cheap pre-check on the loaded tenant row. The conditional UPDATE in
	// IncrementUsage stays the authoritative gate under concurrency.
	if tenant.QuotaExceeded() {
		return nil, types.NewAppError(types.ErrCodeLimitQuota, "monthly message quota exceeded", nil)
	}

	account, err := s.resolveAccount(ctx, tenant.ID, req.AccountID)
	if err != nil {
		return nil, err
	}

	if req.MessageType == types.MessageTypeTemplate {
		if _, err := s.templates.GetByName(ctx, tenant.ID, req.TemplateName); err != nil {
			return nil, err
		}
	}

	if err := s.tenants.IncrementUsage(ctx, tenant.ID); err != nil {
		return nil, err
	}

	msg := &types.Message{
		TenantID:     tenant.ID,
		AccountID:    account.ID,
		FromNumber:   account.PhoneNumber,
		ToNumber:     req.ToNumber,
		Content:      req.Content,
		MessageType:  req.MessageType,
		TemplateName: req.TemplateName,
		Direction:    types.DirectionOutbound,
		Status:       types.MessageQueued,
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, err
	}

	if !s.publisher.Available(ctx) {
		s.logger.WarnContext(ctx, "queue unavailable, sending inline",
			"message_id", msg.ID,
			"tenant_id", tenant.ID,
		)
		return s.sendInline(ctx, msg, account)
	}

	payload := types.OutgoingMessage{
		MessageID:   msg.ID,
		TenantID:    msg.TenantID,
		AccountID:   msg.AccountID,
		ToNumber:    msg.ToNumber,
		Content:     msg.Content,
		MessageType: string(msg.MessageType),
	}
	if err := s.publisher.Publish(ctx, types.ChannelOutgoing, payload); err != nil {
		// The probe passed but the publish still failed; take the inline
		// path rather than stranding a queued row.
		s.logger.WarnContext(ctx, "publish failed after probe, sending inline",
			"message_id", msg.ID,
			"error", err,
		)
		return s.sendInline(ctx, msg, account)
	}

	s.logger.InfoContext(ctx, "message accepted for delivery",
		"message_id", msg.ID,
		"tenant_id", tenant.ID,
	)
	return msg, nil
}

// sendInline is the degraded-mode path: one synchronous provider call with
// the terminal outcome recorded immediately.
func (s *Service) sendInline(ctx context.Context, msg *types.Message, account *types.WhatsAppAccount) (*types.Message, error) {
	var result *external.SendResult
	var err error
	if msg.MessageType == types.MessageTypeTemplate {
		result, err = s.sender.SendTemplate(ctx, account, msg.ToNumber, msg.TemplateName, "")
	} else {
		result, err = s.sender.SendText(ctx, account, msg.ToNumber, msg.Content)
	}

	if err != nil {
		code, detail := inlineFailureDetail(err)
		if markErr := s.messages.MarkFailed(ctx, msg.ID, code, detail); markErr != nil {
			s.logger.ErrorContext(ctx, "failed to record inline send failure",
				"message_id", msg.ID, "error", markErr)
		}
		msg.Status = types.MessageFailed
		msg.ErrorCode = code
		msg.ErrorMessage = detail
		return msg, err
	}

	if markErr := s.messages.MarkSent(ctx, msg.ID, result.WAMID); markErr != nil {
		s.logger.ErrorContext(ctx, "failed to record inline send success",
			"message_id", msg.ID, "error", markErr)
	}
	msg.Status = types.MessageSent
	msg.WAMID = result.WAMID
	return msg, nil
}

func inlineFailureDetail(err error) (code, detail string) {
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

func (s *Service) resolveAccount(ctx context.Context, tenantID, accountID string) (*types.WhatsAppAccount, error) {
	if accountID != "" {
		return s.accounts.GetByID(ctx, tenantID, accountID)
	}
	return s.accounts.FirstActive(ctx, tenantID)
}
