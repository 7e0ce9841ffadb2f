package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. Handlers and services MUST use these constants
// instead of hardcoded strings so that HTTP status mapping stays in one
// place.
const (
	// Validation (400)
	ErrCodeValidationMissingField  ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidTime   ErrorCode = "validation_invalid_timestamp"
	ErrCodeValidationPastSchedule  ErrorCode = "validation_schedule_not_in_future"
	ErrCodeValidationContentSize   ErrorCode = "validation_content_too_large"
	ErrCodeValidationInvalidNumber ErrorCode = "validation_invalid_phone_number"

	// Auth (401)
	ErrCodeAuthHeadersMissing   ErrorCode = "auth_headers_missing"
	ErrCodeAuthTimestampSkew    ErrorCode = "auth_timestamp_out_of_window"
	ErrCodeAuthSignatureInvalid ErrorCode = "auth_signature_invalid"
	ErrCodeAuthUnknownClient    ErrorCode = "auth_unknown_client"
	ErrCodeAuthTenantInactive   ErrorCode = "auth_tenant_inactive"
	ErrCodeAuthAdminKeyInvalid  ErrorCode = "auth_admin_key_invalid"

	// Limits (429 / 403)
	ErrCodeRateLimit     ErrorCode = "rate_limit_exceeded"
	ErrCodeLimitQuota    ErrorCode = "limit_monthly_quota_exceeded"
	ErrCodeLimitAccounts ErrorCode = "limit_accounts_exceeded"

	// Not Found (404)
	ErrCodeNotFoundTenant    ErrorCode = "not_found_tenant"
	ErrCodeNotFoundAccount   ErrorCode = "not_found_account"
	ErrCodeNotFoundMessage   ErrorCode = "not_found_message"
	ErrCodeNotFoundScheduled ErrorCode = "not_found_scheduled_message"
	ErrCodeNotFoundTemplate  ErrorCode = "not_found_template"

	// Conflict (409)
	ErrCodeConflictNotCancellable ErrorCode = "conflict_not_cancellable"
	ErrCodeConflictAlreadyClaimed ErrorCode = "conflict_already_claimed"
	ErrCodeConflictName           ErrorCode = "conflict_name_exists"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamWhatsApp   ErrorCode = "upstream_whatsapp_unavailable"
	ErrCodeUpstreamQueue      ErrorCode = "upstream_queue_unavailable"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case s == string(ErrCodeAuthTenantInactive):
		return http.StatusForbidden
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized
	case s == string(ErrCodeRateLimit), s == string(ErrCodeLimitQuota):
		return http.StatusTooManyRequests
	case s == string(ErrCodeLimitAccounts):
		return http.StatusForbidden
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the standard application error type. All domain and handler
// errors are expressed as AppError to enable consistent formatting, HTTP
// status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// NewAppErrorWithDetails creates a new AppError carrying structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{Code: code, Message: message, Err: err, Details: details}
}
