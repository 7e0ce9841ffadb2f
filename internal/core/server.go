// Package core provides the API chassis for the Numota gateway. It builds
// the chi router, enforces the cross-cutting concerns (request IDs, panic
// recovery, structured request logging, HMAC tenant authentication, rate
// limiting, audit logging) and exposes the JSON response envelope used by
// every handler.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"numota/internal/auth"
	"numota/internal/config"
	"numota/internal/types"
)

// TenantResolver maps an API key from the X-Client-ID header to an active
// tenant. Implemented by db.TenantRepository.
type TenantResolver interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*types.Tenant, error)
}

// RateLimiter enforces the per-tenant fixed-window request limit.
// Implemented by cache.RateLimiter.
type RateLimiter interface {
	Allow(ctx context.Context, tenantID string, limit int) (bool, error)
}

// AuditLog persists one api_logs row per tenant-scoped request.
// Implemented by db.APILogRepository.
type AuditLog interface {
	Insert(ctx context.Context, l *types.APILog) error
}

// Server holds the API dependencies. Collaborators are interfaces so tests
// can inject fakes without a database or Redis.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	Tenants   TenantResolver
	Limiter   RateLimiter // nil disables rate limiting
	AuditLogs AuditLog    // nil disables audit logging
	Verifier  *auth.Verifier

	// Route registrars populated by main before MountRoutes. The
	// indirection keeps handler packages importable from core tests
	// without a cycle.
	PublicRoutes []func(chi.Router)
	TenantRoutes []func(chi.Router)
	AdminRoutes  []func(chi.Router)

	router *chi.Mux
}

// NewServer wires the chassis. It fails fast on missing critical
// dependencies rather than deferring the nil dereference to request time.
func NewServer(cfg *config.Config, tenants TenantResolver, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if tenants == nil {
		return nil, fmt.Errorf("tenant resolver must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(),
		Tenants:   tenants,
		Verifier:  auth.NewVerifier(cfg.Security.AuthWindow),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler for http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for tests that mount extra routes.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ListenAndServe runs the HTTP server until ctx is cancelled, then drains
// in-flight requests within the configured shutdown timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         ":" + s.Config.Server.Port,
		Handler:      s.router,
		ReadTimeout:  s.Config.Server.ReadTimeout,
		WriteTimeout: s.Config.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.Logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.Config.Server.ShutdownTimeout)
	defer cancel()

	s.Logger.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return <-errCh
}
