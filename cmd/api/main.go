// Package main is the entry point for the Numota API server.
//
// It loads configuration, connects the Postgres pool, Redis, and SQS,
// builds the HTTP chassis with its middleware chain (request IDs, panic
// recovery, request logging, HMAC tenant authentication, rate limiting,
// audit logging), mounts the public, tenant, and admin route groups, and
// serves until SIGINT or SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"numota/internal/api/handlers"
	"numota/internal/cache"
	"numota/internal/config"
	"numota/internal/core"
	"numota/internal/db"
	"numota/internal/external"
	"numota/internal/messages"
	"numota/internal/queue"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so main can exit cleanly on error.
func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg)
	logger.Info("numota API starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"port", cfg.Server.Port,
	)

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	tenants := db.NewTenantRepository(pool)
	accounts := db.NewAccountRepository(pool)
	msgs := db.NewMessageRepository(pool)
	scheduled := db.NewScheduledRepository(pool)
	templates := db.NewTemplateRepository(pool)
	apiLogs := db.NewAPILogRepository(pool)

	sqsClient, err := queue.NewSQSClient(ctx, cfg.AWS)
	if err != nil {
		return fmt.Errorf("creating SQS client: %w", err)
	}
	publisher := queue.NewPublisher(sqsClient, cfg.AWS, logger)

	sender := external.NewWhatsAppClient(cfg.WhatsApp)
	sendService := messages.NewService(tenants, msgs, accounts, templates, publisher, sender, logger)

	srv, err := core.NewServer(cfg, tenants, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.AuditLogs = apiLogs
	if cfg.Security.RateLimitEnabled {
		rdb := cache.NewClient(cfg.Redis)
		defer rdb.Close()
		srv.Limiter = cache.NewRateLimiter(rdb)
	}

	messageHandler := handlers.NewMessageHandler(sendService, msgs, srv.Validator, logger)
	scheduledHandler := handlers.NewScheduledHandler(scheduled, srv.Validator, logger)
	tenantHandler := handlers.NewTenantHandler(tenants, srv.Validator, logger)
	accountHandler := handlers.NewAccountHandler(accounts, srv.Validator, logger)
	templateHandler := handlers.NewTemplateHandler(templates, srv.Validator, logger)
	analyticsHandler := handlers.NewAnalyticsHandler(msgs, scheduled, logger)
	webhookHandler := handlers.NewWebhookHandler(cfg.WhatsApp.VerifyToken, accounts, publisher, logger)

	srv.PublicRoutes = append(srv.PublicRoutes,
		tenantHandler.RegisterPublicRoutes,
		webhookHandler.RegisterRoutes,
	)
	srv.TenantRoutes = append(srv.TenantRoutes,
		messageHandler.RegisterRoutes,
		scheduledHandler.RegisterRoutes,
		accountHandler.RegisterRoutes,
		templateHandler.RegisterRoutes,
		analyticsHandler.RegisterRoutes,
		tenantHandler.RegisterTenantRoutes,
	)
	srv.AdminRoutes = append(srv.AdminRoutes,
		tenantHandler.RegisterAdminRoutes,
	)

	srv.MountRoutes()

	if err := srv.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	logger.Info("numota API stopped cleanly")
	return nil
}

// newLogger builds the process logger: JSON in deployed environments,
// text locally.
func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	var handler slog.Handler
	if cfg.Environment == "local" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler).With("service", cfg.Service)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
