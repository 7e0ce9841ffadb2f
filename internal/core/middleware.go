package core

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"numota/internal/auth"
	"numota/internal/types"
)

// Authentication header names for the tenant-scoped API.
const (
	HeaderClientID  = "X-Client-ID"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
	HeaderAdminKey  = "X-Admin-Key"
)

// responseCapture records the status written by downstream handlers so the
// logging and audit middleware can observe it after the chain completes.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rc *responseCapture) WriteHeader(code int) {
	if !rc.written {
		rc.statusCode = code
		rc.written = true
	}
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	if !rc.written {
		rc.statusCode = http.StatusOK
		rc.written = true
	}
	return rc.ResponseWriter.Write(b)
}

// Unwrap exposes the underlying writer for http.ResponseController.
func (rc *responseCapture) Unwrap() http.ResponseWriter {
	return rc.ResponseWriter
}

// RequestIDMiddleware propagates an incoming X-Request-Id or generates a
// fresh one, stores it in the context, and echoes it on the response.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := types.WithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "fallback-" + hex.EncodeToString([]byte(time.Now().String()))
	}
	return hex.EncodeToString(b)
}

// Recoverer catches panics, logs the stack, and writes a 500 envelope.
// Must be the outermost middleware.
func (s *Server) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				s.Logger.Error("panic recovered",
					"method", r.Method,
					"path", r.URL.Path,
					"panic", fmt.Sprintf("%v", rvr),
					"stack", string(debug.Stack()),
				)
				Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected,
					"an unexpected error occurred", nil))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// RequestLogger logs method, path, status, and duration for every request.
// The signature headers never appear in log output.
func (s *Server) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rc := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rc, r)

		args := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rc.statusCode,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		}
		switch {
		case rc.statusCode >= 500:
			s.Logger.ErrorContext(r.Context(), "request completed", args...)
		case rc.statusCode >= 400:
			s.Logger.WarnContext(r.Context(), "request completed", args...)
		default:
			s.Logger.InfoContext(r.Context(), "request completed", args...)
		}
	})
}

// TenantAuth enforces the three-header HMAC contract:
//
//	X-Client-ID:  the tenant's API key
//	X-Timestamp:  unix epoch seconds, within the configured window
//	X-Signature:  hex(HMAC-SHA256(secret, "timestamp.rawBody"))
//
// The middleware reads the whole body (bounded by maxRequestBodySize) to
// verify the signature, then restores it for the handler. On success the
// tenant is stored in the request context. Every outcome, including auth
// failures, produces an audit log row.
func (s *Server) TenantAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rc := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}

		tenant, err := s.authenticate(rc, r)
		if err != nil {
			Error(rc, r, err)
			s.audit(r, nil, rc.statusCode, start, err)
			return
		}

		ctx := types.WithTenant(r.Context(), tenant)
		r = r.WithContext(ctx)

		if err := s.enforceRateLimit(ctx, tenant); err != nil {
			Error(rc, r, err)
			s.audit(r, tenant, rc.statusCode, start, err)
			return
		}

		next.ServeHTTP(rc, r)
		s.audit(r, tenant, rc.statusCode, start, nil)
	})
}

// authenticate resolves and verifies the three auth headers, returning the
// tenant on success. The request body is consumed and replaced.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*types.Tenant, error) {
	clientID := r.Header.Get(HeaderClientID)
	timestamp := r.Header.Get(HeaderTimestamp)
	signature := r.Header.Get(HeaderSignature)
	if clientID == "" || timestamp == "" || signature == "" {
		return nil, types.NewAppError(types.ErrCodeAuthHeadersMissing,
			"X-Client-ID, X-Timestamp and X-Signature headers are required", nil)
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return nil, types.NewAppError(errCodeValidationInvalidJSON,
				"request body must not exceed 1MB", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to read request body", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	tenant, err := s.Tenants.GetByAPIKey(r.Context(), clientID)
	if err != nil {
		return nil, err
	}

	if err := s.Verifier.Verify(tenant.HMACSecret, timestamp, body, signature); err != nil {
		return nil, err
	}
	return tenant, nil
}

// enforceRateLimit applies the tenant's per-minute window. A limiter
// backend failure fails open: a Redis outage must not take down the whole
// send path.
func (s *Server) enforceRateLimit(ctx context.Context, tenant *types.Tenant) error {
	if s.Limiter == nil || !s.Config.Security.RateLimitEnabled {
		return nil
	}

	allowed, err := s.Limiter.Allow(ctx, tenant.ID, tenant.RateLimitPerMinute)
	if err != nil {
		s.Logger.WarnContext(ctx, "rate limiter unavailable, allowing request",
			"tenant_id", tenant.ID, "error", err)
		return nil
	}
	if !allowed {
		return types.NewAppErrorWithDetails(types.ErrCodeRateLimit,
			"request rate limit exceeded", nil,
			map[string]any{"limit_per_minute": tenant.RateLimitPerMinute})
	}
	return nil
}

// audit writes the api_logs row for a tenant-scoped request. Best effort:
// the response has already been written, so failures are only logged. The
// insert runs detached from the request context to survive client
// disconnects.
func (s *Server) audit(r *http.Request, tenant *types.Tenant, status int, start time.Time, reqErr error) {
	if s.AuditLogs == nil {
		return
	}

	entry := &types.APILog{
		Endpoint:     r.URL.Path,
		Method:       r.Method,
		StatusCode:   status,
		ResponseTime: int(time.Since(start).Milliseconds()),
		UserAgent:    r.UserAgent(),
		IPAddress:    remoteIP(r),
	}
	if tenant != nil {
		entry.TenantID = tenant.ID
	}
	if reqErr != nil {
		entry.ErrorMessage = reqErr.Error()
	}

	ctx := context.WithoutCancel(r.Context())
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.AuditLogs.Insert(ctx, entry); err != nil {
			s.Logger.WarnContext(ctx, "failed to write api audit log", "error", err)
		}
	}()
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// AdminAuth gates the admin surface on the X-Admin-Key header, verified
// against the configured bcrypt hash. An empty hash disables the surface
// entirely.
func (s *Server) AdminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := auth.VerifyAdminKey(s.Config.Security.AdminKeyHash, r.Header.Get(HeaderAdminKey)); err != nil {
			Error(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
