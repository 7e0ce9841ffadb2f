package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"numota/internal/core"
	"numota/internal/types"
)

// Shared test helpers for the handler suite.

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testValidator() *core.Validator {
	return core.NewValidator()
}

func tenantForTests() *types.Tenant {
	return &types.Tenant{
		ID:                  "tenant-1",
		Name:                "Acme",
		IsActive:            true,
		MonthlyMessageLimit: 1000,
		CurrentMonthCount:   42,
		RateLimitPerMinute:  60,
		MaxAccounts:         2,
	}
}

// serve mounts the routes registered by register on a chi router and
// executes req with tenant injected into the context, mirroring what the
// auth middleware does in production.
func serve(t *testing.T, register func(chi.Router), tenant *types.Tenant, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()

	r := chi.NewRouter()
	register(r)

	if tenant != nil {
		req = req.WithContext(types.WithTenant(req.Context(), tenant))
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func jsonRequest(t *testing.T, method, target, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func requireErrorCode(t *testing.T, rec *httptest.ResponseRecorder, code types.ErrorCode) {
	t.Helper()
	require.Contains(t, rec.Body.String(), string(code))
}
