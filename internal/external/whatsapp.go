package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"numota/internal/config"
	"numota/internal/types"
)

// WhatsAppSender is the delivery surface the workers depend on.
type WhatsAppSender interface {
	SendText(ctx context.Context, account *types.WhatsAppAccount, toNumber, body string) (*SendResult, error)
	SendTemplate(ctx context.Context, account *types.WhatsAppAccount, toNumber, templateName, languageCode string) (*SendResult, error)
	MarkRead(ctx context.Context, account *types.WhatsAppAccount, wamid string) error
}

// SendResult is the structured outcome of a successful provider call.
type SendResult struct {
	WAMID string
}

// SendFailure carries the provider's error detail for a rejected send. It
// implements error so callers can persist the code and message on the
// affected row.
type SendFailure struct {
	StatusCode int
	Code       string
	Message    string
}

func (f *SendFailure) Error() string {
	return fmt.Sprintf("whatsapp send failed (%d): %s %s", f.StatusCode, f.Code, f.Message)
}

// WhatsAppClient calls the WhatsApp Business Cloud API. Credentials are
// per-account, not per-client: every call takes the tenant's account.
type WhatsAppClient struct {
	base           *BaseClient
	baseURL        string
	maxMessageSize int
}

func NewWhatsAppClient(cfg config.WhatsAppConfig) *WhatsAppClient {
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &WhatsAppClient{
		base:           NewBaseClient(httpClient, "whatsapp", cfg.RequestsPerSecond, "Numota-Gateway/1.0"),
		baseURL:        strings.TrimSuffix(cfg.APIBaseURL, "/"),
		maxMessageSize: cfg.MaxMessageSize,
	}
}

// NormalizeNumber reduces a recipient number to its digits. The provider
// rejects numbers with spaces, dashes, or a leading plus.
func NormalizeNumber(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// normalizedTo rejects recipients with no digits at all before the payload
// is built, otherwise the provider gets an empty "to".
func normalizedTo(raw string) (string, error) {
	to := NormalizeNumber(raw)
	if to == "" {
		return "", types.NewAppError(types.ErrCodeValidationInvalidNumber,
			"recipient number contains no digits", nil)
	}
	return to, nil
}

type textPayload struct {
	MessagingProduct string   `json:"messaging_product"`
	RecipientType    string   `json:"recipient_type"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

type textBody struct {
	Body string `json:"body"`
}

type templatePayload struct {
	MessagingProduct string       `json:"messaging_product"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Template         templateSpec `json:"template"`
}

type templateSpec struct {
	Name     string           `json:"name"`
	Language templateLanguage `json:"language"`
}

type templateLanguage struct {
	Code string `json:"code"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// SendText delivers one text message. The content size check runs here so
// an oversized body never leaves the process.
func (c *WhatsAppClient) SendText(ctx context.Context, account *types.WhatsAppAccount, toNumber, body string) (*SendResult, error) {
	if c.maxMessageSize > 0 && len(body) > c.maxMessageSize {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationContentSize,
			"message content exceeds provider limit", nil,
			map[string]any{"size": len(body), "limit": c.maxMessageSize})
	}

	to, err := normalizedTo(toNumber)
	if err != nil {
		return nil, err
	}

	payload := textPayload{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "text",
		Text:             textBody{Body: body},
	}
	return c.send(ctx, account, payload)
}

// SendTemplate delivers a pre-approved template by name.
func (c *WhatsAppClient) SendTemplate(ctx context.Context, account *types.WhatsAppAccount, toNumber, templateName, languageCode string) (*SendResult, error) {
	if languageCode == "" {
		languageCode = "en"
	}
	to, err := normalizedTo(toNumber)
	if err != nil {
		return nil, err
	}
	payload := templatePayload{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "template",
		Template: templateSpec{
			Name:     templateName,
			Language: templateLanguage{Code: languageCode},
		},
	}
	return c.send(ctx, account, payload)
}

func (c *WhatsAppClient) send(ctx context.Context, account *types.WhatsAppAccount, payload any) (*SendResult, error) {
	resp, err := c.do(ctx, account, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamWhatsApp, "failed to read provider response", err)
	}

	var decoded sendResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamWhatsApp, "unparseable provider response", err)
	}

	if resp.StatusCode != http.StatusOK || len(decoded.Messages) == 0 {
		failure := &SendFailure{StatusCode: resp.StatusCode}
		if decoded.Error != nil {
			failure.Code = fmt.Sprintf("%d", decoded.Error.Code)
			failure.Message = decoded.Error.Message
		} else {
			failure.Message = strings.TrimSpace(string(raw))
		}
		return nil, failure
	}

	return &SendResult{WAMID: decoded.Messages[0].ID}, nil
}

// MarkRead flags an inbound message as read in the provider UI.
// Best-effort: callers log failures and move on.
func (c *WhatsAppClient) MarkRead(ctx context.Context, account *types.WhatsAppAccount, wamid string) error {
	payload := map[string]string{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        wamid,
	}
	resp, err := c.do(ctx, account, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.NewAppError(types.ErrCodeUpstreamWhatsApp,
			fmt.Sprintf("mark read returned %d", resp.StatusCode), nil)
	}
	return nil
}

func (c *WhatsAppClient) do(ctx context.Context, account *types.WhatsAppAccount, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal provider payload", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, account.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build provider request", err)
	}
	req.Header.Set("Authorization", "Bearer "+account.AccessToken.Unmask())
	req.Header.Set("Content-Type", "application/json")

	return c.base.Do(req)
}
