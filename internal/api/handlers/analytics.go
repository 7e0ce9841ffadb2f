package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzip"

	"numota/internal/core"
	"numota/internal/types"
)

// AnalyticsStore aggregates and exports a tenant's message traffic.
// Implemented by db.MessageRepository.
type AnalyticsStore interface {
	Summary(ctx context.Context, tenantID string) (*types.AnalyticsSummary, error)
	ExportByTenant(ctx context.Context, tenantID string) ([]*types.Message, error)
}

// PendingCounter reports the tenant's open scheduled messages for the
// summary view. Implemented by db.ScheduledRepository.
type PendingCounter interface {
	CountPending(ctx context.Context, tenantID string) (int, error)
}

// AnalyticsHandler serves the summary and export endpoints.
type AnalyticsHandler struct {
	store   AnalyticsStore
	pending PendingCounter
	logger  *slog.Logger
}

func NewAnalyticsHandler(store AnalyticsStore, pending PendingCounter, l *slog.Logger) *AnalyticsHandler {
	if l == nil {
		l = slog.Default()
	}
	return &AnalyticsHandler{store: store, pending: pending, logger: l}
}

// RegisterRoutes mounts the analytics routes on a tenant-scoped router.
func (h *AnalyticsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/analytics/summary", h.Summary)
	r.Get("/analytics/export", h.Export)
}

// Summary handles GET /api/v1/analytics/summary.
func (h *AnalyticsHandler) Summary(w http.ResponseWriter, r *http.Request) {
	tenant, ok := types.TenantFromContext(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthHeadersMissing, "authentication required", nil))
		return
	}

	sum, err := h.store.Summary(r.Context(), tenant.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if h.pending != nil {
		pending, err := h.pending.CountPending(r.Context(), tenant.ID)
		if err != nil {
			// Summary still renders without the pending count.
			h.logger.WarnContext(r.Context(), "failed to count pending scheduled messages",
				"tenant_id", tenant.ID, "error", err)
		} else {
			sum.ScheduledOpen = pending
		}
	}
	sum.MonthToDate = tenant.CurrentMonthCount

	core.OK(w, r, sum)
}

// Export handles GET /api/v1/analytics/export: the tenant's full message
// history as gzip-compressed NDJSON, one message per line.
func (h *AnalyticsHandler) Export(w http.ResponseWriter, r *http.Request) {
	tenant, ok := types.TenantFromContext(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthHeadersMissing, "authentication required", nil))
		return
	}

	msgs, err := h.store.ExportByTenant(r.Context(), tenant.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Set("Content-Disposition", `attachment; filename="messages.ndjson.gz"`)
	w.WriteHeader(http.StatusOK)

	gz := gzip.NewWriter(w)
	enc := json.NewEncoder(gz)
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			// Headers are gone; all we can do is stop and log.
			h.logger.ErrorContext(r.Context(), "export stream aborted",
				"tenant_id", tenant.ID, "error", err)
			break
		}
	}
	if err := gz.Close(); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to flush export stream",
			"tenant_id", tenant.ID, "error", err)
	}
}
