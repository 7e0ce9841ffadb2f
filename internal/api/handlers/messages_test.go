package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"numota/internal/external"
	"numota/internal/messages"
	"numota/internal/types"
)

type mockSender struct {
	msg *types.Message
	err error

	gotTenant *types.Tenant
	gotReq    messages.SendRequest
	calls     int
}

func (m *mockSender) Send(_ context.Context, tenant *types.Tenant, req messages.SendRequest) (*types.Message, error) {
	m.calls++
	m.gotTenant = tenant
	m.gotReq = req
	return m.msg, m.err
}

type mockHistory struct {
	msgs     []*types.Message
	msg      *types.Message
	err      error
	gotLimit int
}

func (m *mockHistory) ListByTenant(_ context.Context, _ string, limit int) ([]*types.Message, error) {
	m.gotLimit = limit
	return m.msgs, m.err
}

func (m *mockHistory) GetByID(_ context.Context, _, _ string) (*types.Message, error) {
	return m.msg, m.err
}

func newMessageHandler(sender *mockSender, history *mockHistory) *MessageHandler {
	return NewMessageHandler(sender, history, testValidator(), testLogger())
}

func TestMessageSend_QueuedReturns202(t *testing.T) {
	sender := &mockSender{msg: &types.Message{ID: "m1", Status: types.MessageQueued}}
	h := newMessageHandler(sender, &mockHistory{})

	req := jsonRequest(t, http.MethodPost, "/messages/send",
		`{"to_number":"+14155550100","content":"hello"}`)
	rec := serve(t, h.RegisterRoutes, tenantForTests(), req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "tenant-1", sender.gotTenant.ID)
	assert.Equal(t, types.MessageTypeText, sender.gotReq.MessageType)
	assert.Equal(t, "+14155550100", sender.gotReq.ToNumber)
}

func TestMessageSend_InlineSentReturns200(t *testing.T) {
	sender := &mockSender{msg: &types.Message{ID: "m1", Status: types.MessageSent, WAMID: "wamid.1"}}
	h := newMessageHandler(sender, &mockHistory{})

	req := jsonRequest(t, http.MethodPost, "/messages/send",
		`{"to_number":"+14155550100","content":"hello"}`)
	rec := serve(t, h.RegisterRoutes, tenantForTests(), req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "wamid.1")
}

func TestMessageSend_InlineProviderFailureReturns502WithRow(t *testing.T) {
	sender := &mockSender{
		msg: &types.Message{ID: "m1", Status: types.MessageFailed, ErrorCode: "131026"},
		err: &external.SendFailure{StatusCode: 400, Code: "131026", Message: "not on whatsapp"},
	}
	h := newMessageHandler(sender, &mockHistory{})

	req := jsonRequest(t, http.MethodPost, "/messages/send",
		`{"to_number":"+14155550100","content":"hello"}`)
	rec := serve(t, h.RegisterRoutes, tenantForTests(), req)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"failed"`)
}

func TestMessageSend_QuotaErrorPassesThrough(t *testing.T) {
	sender := &mockSender{err: types.NewAppError(types.ErrCodeLimitQuota, "quota exceeded", nil)}
	h := newMessageHandler(sender, &mockHistory{})

	req := jsonRequest(t, http.MethodPost, "/messages/send",
		`{"to_number":"+14155550100","content":"hello"}`)
	rec := serve(t, h.RegisterRoutes, tenantForTests(), req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	requireErrorCode(t, rec, types.ErrCodeLimitQuota)
}

func TestMessageSend_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing to_number", `{"content":"hi"}`},
		{"invalid phone", `{"to_number":"abc","content":"hi"}`},
		{"missing content", `{"to_number":"+14155550100"}`},
		{"bad message type", `{"to_number":"+14155550100","content":"hi","message_type":"video"}`},
		{"template without name", `{"to_number":"+14155550100","content":"x","message_type":"template"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &mockSender{}
			h := newMessageHandler(sender, &mockHistory{})

			rec := serve(t, h.RegisterRoutes, tenantForTests(),
				jsonRequest(t, http.MethodPost, "/messages/send", tt.body))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Zero(t, sender.calls)
		})
	}
}

func TestMessageList(t *testing.T) {
	history := &mockHistory{msgs: []*types.Message{{ID: "m1"}, {ID: "m2"}}}
	h := newMessageHandler(&mockSender{}, history)

	rec := serve(t, h.RegisterRoutes, tenantForTests(),
		jsonRequest(t, http.MethodGet, "/messages?limit=10", ""))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, history.gotLimit)
	assert.Contains(t, rec.Body.String(), `"m2"`)
}

func TestMessageList_DefaultAndCappedLimit(t *testing.T) {
	history := &mockHistory{}
	h := newMessageHandler(&mockSender{}, history)

	serve(t, h.RegisterRoutes, tenantForTests(),
		jsonRequest(t, http.MethodGet, "/messages", ""))
	assert.Equal(t, defaultHistoryLimit, history.gotLimit)

	serve(t, h.RegisterRoutes, tenantForTests(),
		jsonRequest(t, http.MethodGet, "/messages?limit=99999", ""))
	assert.Equal(t, maxHistoryLimit, history.gotLimit)

	rec := serve(t, h.RegisterRoutes, tenantForTests(),
		jsonRequest(t, http.MethodGet, "/messages?limit=zero", ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessageGet_NotFound(t *testing.T) {
	history := &mockHistory{err: types.NewAppError(types.ErrCodeNotFoundMessage, "message not found", nil)}
	h := newMessageHandler(&mockSender{}, history)

	rec := serve(t, h.RegisterRoutes, tenantForTests(),
		jsonRequest(t, http.MethodGet, "/messages/nope", ""))

	require.Equal(t, http.StatusNotFound, rec.Code)
	requireErrorCode(t, rec, types.ErrCodeNotFoundMessage)
}
