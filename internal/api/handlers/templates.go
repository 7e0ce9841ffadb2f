package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"numota/internal/core"
	"numota/internal/types"
)

// TemplateStore is the repository slice for the template endpoints.
// Implemented by db.TemplateRepository.
type TemplateStore interface {
	Create(ctx context.Context, t *types.MessageTemplate) error
	ListByTenant(ctx context.Context, tenantID string) ([]*types.MessageTemplate, error)
	Delete(ctx context.Context, tenantID, id string) error
}

// CreateTemplateRequest is the body for POST /api/v1/templates.
type CreateTemplateRequest struct {
	Name     string `json:"name" validate:"required,max=200"`
	Category string `json:"category,omitempty" validate:"omitempty,max=100"`
	Language string `json:"language,omitempty" validate:"omitempty,max=10"`
	Body     string `json:"body" validate:"required,max=4096"`
}

// TemplateHandler manages a tenant's reusable message templates.
type TemplateHandler struct {
	store     TemplateStore
	validator *core.Validator
	logger    *slog.Logger
}

func NewTemplateHandler(store TemplateStore, v *core.Validator, l *slog.Logger) *TemplateHandler {
	if l == nil {
		l = slog.Default()
	}
	return &TemplateHandler{store: store, validator: v, logger: l}
}

// RegisterRoutes mounts the template routes on a tenant-scoped router.
func (h *TemplateHandler) RegisterRoutes(r chi.Router) {
	r.Post("/templates", h.Create)
	r.Get("/templates", h.List)
	r.Delete("/templates/{id}", h.Delete)
}

// Create handles POST /api/v1/templates. Template names are unique per
// tenant; a duplicate comes back as a 409.
func (h *TemplateHandler) Create(w http.ResponseWriter, r *http.Request) {
	tenant, ok := types.TenantFromContext(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthHeadersMissing, "authentication required", nil))
		return
	}

	var req CreateTemplateRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.Error(w, r, err)
		return
	}

	tmpl := &types.MessageTemplate{
		TenantID: tenant.ID,
		Name:     req.Name,
		Category: req.Category,
		Language: req.Language,
		Body:     req.Body,
	}
	if err := h.store.Create(r.Context(), tmpl); err != nil {
		core.Error(w, r, err)
		return
	}

	core.Created(w, r, tmpl)
}

// List handles GET /api/v1/templates.
func (h *TemplateHandler) List(w http.ResponseWriter, r *http.Request) {
	tenant, ok := types.TenantFromContext(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthHeadersMissing, "authentication required", nil))
		return
	}

	templates, err := h.store.ListByTenant(r.Context(), tenant.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if templates == nil {
		templates = []*types.MessageTemplate{}
	}
	core.OK(w, r, templates)
}

// Delete handles DELETE /api/v1/templates/{id} (soft delete).
func (h *TemplateHandler) Delete(w http.ResponseWriter, r *http.Request) {
	tenant, ok := types.TenantFromContext(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthHeadersMissing, "authentication required", nil))
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.store.Delete(r.Context(), tenant.ID, id); err != nil {
		core.Error(w, r, err)
		return
	}
	core.OK(w, r, map[string]string{"id": id, "status": "deleted"})
}
