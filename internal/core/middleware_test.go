package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"numota/internal/auth"
	"numota/internal/config"
	"numota/internal/types"
)

type mockTenantResolver struct {
	tenant *types.Tenant
	err    error
}

func (m *mockTenantResolver) GetByAPIKey(_ context.Context, apiKey string) (*types.Tenant, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.tenant == nil || m.tenant.APIKey != apiKey {
		return nil, types.NewAppError(types.ErrCodeAuthUnknownClient, "unknown client", nil)
	}
	return m.tenant, nil
}

type mockLimiter struct {
	allowed bool
	err     error

	gotTenantID string
	gotLimit    int
}

func (m *mockLimiter) Allow(_ context.Context, tenantID string, limit int) (bool, error) {
	m.gotTenantID = tenantID
	m.gotLimit = limit
	return m.allowed, m.err
}

type mockAuditLog struct {
	entries chan *types.APILog
}

func newMockAuditLog() *mockAuditLog {
	return &mockAuditLog{entries: make(chan *types.APILog, 8)}
}

func (m *mockAuditLog) Insert(_ context.Context, l *types.APILog) error {
	m.entries <- l
	return nil
}

func (m *mockAuditLog) wait(t *testing.T) *types.APILog {
	t.Helper()
	select {
	case entry := <-m.entries:
		return entry
	case <-time.After(2 * time.Second):
		t.Fatal("no audit log entry written")
		return nil
	}
}

func testTenant() *types.Tenant {
	return &types.Tenant{
		ID:                 "tenant-1",
		Name:               "Acme",
		APIKey:             "nm_testkey",
		HMACSecret:         types.SecretString("topsecret"),
		IsActive:           true,
		RateLimitPerMinute: 60,
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: "local",
		Service:     "numota-gateway",
		Server:      config.ServerConfig{Port: "0", ShutdownTimeout: time.Second},
		Security: config.SecurityConfig{
			AuthWindow:       300 * time.Second,
			RateLimitEnabled: true,
		},
	}
}

// newTestServer mounts a tenant-scoped echo route that reports the tenant
// id resolved from context, so tests can assert context injection.
func newTestServer(t *testing.T, tenants TenantResolver) *Server {
	t.Helper()

	s, err := NewServer(testConfig(), tenants, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	s.TenantRoutes = []func(chi.Router){
		func(r chi.Router) {
			r.Post("/echo", func(w http.ResponseWriter, r *http.Request) {
				tenant, ok := types.TenantFromContext(r.Context())
				require.True(t, ok)
				OK(w, r, map[string]string{"tenant_id": tenant.ID})
			})
		},
	}
	s.MountRoutes()
	return s
}

// signedRequest builds a POST with a valid three-header signature for body.
func signedRequest(t *testing.T, apiKey, secret, body string) *http.Request {
	t.Helper()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/echo", strings.NewReader(body))
	req.Header.Set(HeaderClientID, apiKey)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, auth.ComputeSignature(secret, ts, []byte(body)))
	return req
}

func TestTenantAuth_ValidSignature(t *testing.T) {
	s := newTestServer(t, &mockTenantResolver{tenant: testTenant()})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, signedRequest(t, "nm_testkey", "topsecret", `{"x":1}`))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"tenant_id":"tenant-1"`)
}

func TestTenantAuth_MissingHeaders(t *testing.T) {
	s := newTestServer(t, &mockTenantResolver{tenant: testTenant()})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/echo", strings.NewReader("{}"))
	req.Header.Set(HeaderClientID, "nm_testkey")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), string(types.ErrCodeAuthHeadersMissing))
}

func TestTenantAuth_WrongSignature(t *testing.T) {
	s := newTestServer(t, &mockTenantResolver{tenant: testTenant()})

	req := signedRequest(t, "nm_testkey", "wrong-secret", `{"x":1}`)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), string(types.ErrCodeAuthSignatureInvalid))
}

func TestTenantAuth_TamperedBody(t *testing.T) {
	s := newTestServer(t, &mockTenantResolver{tenant: testTenant()})

	req := signedRequest(t, "nm_testkey", "topsecret", `{"x":1}`)
	req.Body = io.NopCloser(strings.NewReader(`{"x":2}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), string(types.ErrCodeAuthSignatureInvalid))
}

func TestTenantAuth_StaleTimestamp(t *testing.T) {
	s := newTestServer(t, &mockTenantResolver{tenant: testTenant()})

	body := `{"x":1}`
	ts := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/echo", strings.NewReader(body))
	req.Header.Set(HeaderClientID, "nm_testkey")
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, auth.ComputeSignature("topsecret", ts, []byte(body)))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), string(types.ErrCodeAuthTimestampSkew))
}

func TestTenantAuth_UnknownClient(t *testing.T) {
	s := newTestServer(t, &mockTenantResolver{tenant: testTenant()})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, signedRequest(t, "nm_otherkey", "topsecret", "{}"))

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), string(types.ErrCodeAuthUnknownClient))
}

func TestTenantAuth_RateLimitExceeded(t *testing.T) {
	s := newTestServer(t, &mockTenantResolver{tenant: testTenant()})
	limiter := &mockLimiter{allowed: false}
	s.Limiter = limiter

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, signedRequest(t, "nm_testkey", "topsecret", "{}"))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), string(types.ErrCodeRateLimit))
	assert.Equal(t, "tenant-1", limiter.gotTenantID)
	assert.Equal(t, 60, limiter.gotLimit)
}

func TestTenantAuth_RateLimiterDownFailsOpen(t *testing.T) {
	s := newTestServer(t, &mockTenantResolver{tenant: testTenant()})
	s.Limiter = &mockLimiter{err: errors.New("redis down")}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, signedRequest(t, "nm_testkey", "topsecret", "{}"))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTenantAuth_RateLimitDisabledByConfig(t *testing.T) {
	s := newTestServer(t, &mockTenantResolver{tenant: testTenant()})
	s.Config.Security.RateLimitEnabled = false
	s.Limiter = &mockLimiter{allowed: false}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, signedRequest(t, "nm_testkey", "topsecret", "{}"))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTenantAuth_WritesAuditLog(t *testing.T) {
	s := newTestServer(t, &mockTenantResolver{tenant: testTenant()})
	audit := newMockAuditLog()
	s.AuditLogs = audit

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, signedRequest(t, "nm_testkey", "topsecret", "{}"))
	require.Equal(t, http.StatusOK, rec.Code)

	entry := audit.wait(t)
	assert.Equal(t, "tenant-1", entry.TenantID)
	assert.Equal(t, "/api/v1/echo", entry.Endpoint)
	assert.Equal(t, http.MethodPost, entry.Method)
	assert.Equal(t, http.StatusOK, entry.StatusCode)
	assert.Empty(t, entry.ErrorMessage)
}

func TestTenantAuth_AuditsAuthFailures(t *testing.T) {
	s := newTestServer(t, &mockTenantResolver{tenant: testTenant()})
	audit := newMockAuditLog()
	s.AuditLogs = audit

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, signedRequest(t, "nm_testkey", "wrong-secret", "{}"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	entry := audit.wait(t)
	assert.Empty(t, entry.TenantID)
	assert.Equal(t, http.StatusUnauthorized, entry.StatusCode)
	assert.NotEmpty(t, entry.ErrorMessage)
}

func TestTenantAuth_BodyRestoredForHandler(t *testing.T) {
	s, err := NewServer(testConfig(), &mockTenantResolver{tenant: testTenant()},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	var seenBody string
	s.TenantRoutes = []func(chi.Router){
		func(r chi.Router) {
			r.Post("/echo", func(w http.ResponseWriter, r *http.Request) {
				b, readErr := io.ReadAll(r.Body)
				require.NoError(t, readErr)
				seenBody = string(b)
				OK(w, r, nil)
			})
		},
	}
	s.MountRoutes()

	body := `{"hello":"world"}`
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, signedRequest(t, "nm_testkey", "topsecret", body))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body, seenBody)
}

func TestAdminAuth(t *testing.T) {
	hash, err := auth.HashAdminKey("super-admin-key")
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Security.AdminKeyHash = types.SecretString(hash)
	s, err := NewServer(cfg, &mockTenantResolver{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	s.AdminRoutes = []func(chi.Router){
		func(r chi.Router) {
			r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
				OK(w, r, map[string]string{"pong": "true"})
			})
		},
	}
	s.MountRoutes()

	tests := []struct {
		name       string
		key        string
		wantStatus int
	}{
		{"valid key", "super-admin-key", http.StatusOK},
		{"wrong key", "not-the-key", http.StatusUnauthorized},
		{"missing key", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/ping", nil)
			if tt.key != "" {
				req.Header.Set(HeaderAdminKey, tt.key)
			}
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestRecoverer(t *testing.T) {
	s, err := NewServer(testConfig(), &mockTenantResolver{},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	s.PublicRoutes = []func(chi.Router){
		func(r chi.Router) {
			r.Get("/boom", func(http.ResponseWriter, *http.Request) {
				panic("kaboom")
			})
		},
	}
	s.MountRoutes()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), string(types.ErrCodeInternalUnexpected))
	assert.NotContains(t, rec.Body.String(), "kaboom")
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &mockTenantResolver{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestRequestID_EchoedAndGenerated(t *testing.T) {
	s := newTestServer(t, &mockTenantResolver{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-Id"))

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}
