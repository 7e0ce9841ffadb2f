package core

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"numota/internal/types"
)

func TestError_AppErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"validation", types.NewAppError(types.ErrCodeValidationMissingField, "missing", nil), http.StatusBadRequest, "validation_missing_required_field"},
		{"auth", types.NewAppError(types.ErrCodeAuthSignatureInvalid, "bad sig", nil), http.StatusUnauthorized, "auth_signature_invalid"},
		{"rate limit", types.NewAppError(types.ErrCodeRateLimit, "slow down", nil), http.StatusTooManyRequests, "rate_limit_exceeded"},
		{"quota", types.NewAppError(types.ErrCodeLimitQuota, "quota", nil), http.StatusTooManyRequests, "limit_monthly_quota_exceeded"},
		{"not found", types.NewAppError(types.ErrCodeNotFoundScheduled, "gone", nil), http.StatusNotFound, "not_found_scheduled_message"},
		{"conflict", types.NewAppError(types.ErrCodeConflictNotCancellable, "too late", nil), http.StatusConflict, "conflict_not_cancellable"},
		{"upstream", types.NewAppError(types.ErrCodeUpstreamQueue, "sqs down", nil), http.StatusBadGateway, "upstream_queue_unavailable"},
		{"generic error", errors.New("database exploded"), http.StatusInternalServerError, "internal_unexpected_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req = req.WithContext(types.WithRequestID(req.Context(), "req-1"))

			Error(rec, req, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)

			var resp APIErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantCode, resp.Error.Code)
			assert.Equal(t, "req-1", resp.Error.RequestID)
		})
	}
}

func TestError_NeverLeaksInternalMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	Error(rec, req, errors.New("pq: password authentication failed for user"))

	assert.NotContains(t, rec.Body.String(), "password")
	assert.Contains(t, rec.Body.String(), "an unexpected error occurred")
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"valid", `{"name":"x"}`, ""},
		{"empty body", ``, "must not be empty"},
		{"malformed", `{"name":`, "malformed JSON"},
		{"unknown field", `{"name":"x","bogus":1}`, "unknown field"},
		{"wrong type", `{"name":7}`, "invalid value for field"},
		{"two documents", `{"name":"x"}{"name":"y"}`, "single JSON object"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()

			var dst payload
			err := DecodeJSON(rec, req, &dst)

			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, "x", dst.Name)
				return
			}
			require.Error(t, err)

			var appErr *types.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, errCodeValidationInvalidJSON, appErr.Code)
			assert.Contains(t, appErr.Message, tt.wantErr)
		})
	}
}

func TestDecodeJSON_BodyTooLarge(t *testing.T) {
	big := `{"name":"` + strings.Repeat("a", maxRequestBodySize) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(big))
	rec := httptest.NewRecorder()

	var dst struct {
		Name string `json:"name"`
	}
	err := DecodeJSON(rec, req, &dst)
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Contains(t, appErr.Message, "1MB")
}

func TestValidator_PhoneRule(t *testing.T) {
	val := NewValidator()

	type req struct {
		To string `json:"to_number" validate:"required,phone"`
	}

	require.NoError(t, val.ValidateStruct(&req{To: "+14155552671"}))
	require.NoError(t, val.ValidateStruct(&req{To: "4915112345678"}))

	err := val.ValidateStruct(&req{To: "not-a-number"})
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, http.StatusBadRequest, appErr.HTTPStatus())
	assert.Contains(t, appErr.Details, "to_number")
}

func TestValidator_RequiredUsesJSONNames(t *testing.T) {
	val := NewValidator()

	type req struct {
		Content string `json:"content" validate:"required"`
	}

	err := val.ValidateStruct(&req{})
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Contains(t, appErr.Details, "content")
}
