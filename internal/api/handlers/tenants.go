package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"numota/internal/auth"
	"numota/internal/core"
	"numota/internal/types"
)

// Default limits applied to newly registered tenants.
const (
	defaultMonthlyMessageLimit = 1000
	defaultRateLimitPerMinute  = 60
	defaultMaxAccounts         = 3
)

// TenantStore is the repository slice for the tenant endpoints.
// Implemented by db.TenantRepository.
type TenantStore interface {
	Create(ctx context.Context, t *types.Tenant) error
	GetByID(ctx context.Context, id string) (*types.Tenant, error)
	List(ctx context.Context) ([]*types.Tenant, error)
	Deactivate(ctx context.Context, id string) error
}

// RegisterTenantRequest is the body for POST /api/v1/tenants/register.
type RegisterTenantRequest struct {
	Name                string `json:"name" validate:"required,max=200"`
	Email               string `json:"email,omitempty" validate:"omitempty,email"`
	WebhookURL          string `json:"webhook_url,omitempty" validate:"omitempty,url"`
	Timezone            string `json:"timezone,omitempty"`
	MonthlyMessageLimit int    `json:"monthly_message_limit,omitempty" validate:"omitempty,min=0"`
}

// RegisterTenantResponse returns the credentials exactly once, at
// registration. The HMAC secret is never readable again.
type RegisterTenantResponse struct {
	Tenant     *types.Tenant `json:"tenant"`
	APIKey     string        `json:"api_key"`
	HMACSecret string        `json:"hmac_secret"`
}

// TenantHandler serves registration, the tenant self view, and the
// admin-gated tenant management surface.
type TenantHandler struct {
	store     TenantStore
	validator *core.Validator
	logger    *slog.Logger
}

func NewTenantHandler(store TenantStore, v *core.Validator, l *slog.Logger) *TenantHandler {
	if l == nil {
		l = slog.Default()
	}
	return &TenantHandler{store: store, validator: v, logger: l}
}

// RegisterPublicRoutes mounts the unauthenticated registration endpoint.
func (h *TenantHandler) RegisterPublicRoutes(r chi.Router) {
	r.Post("/api/v1/tenants/register", h.Register)
}

// RegisterTenantRoutes mounts the tenant-scoped self view.
func (h *TenantHandler) RegisterTenantRoutes(r chi.Router) {
	r.Get("/me", h.Me)
}

// RegisterAdminRoutes mounts the admin surface (already behind AdminAuth).
func (h *TenantHandler) RegisterAdminRoutes(r chi.Router) {
	r.Get("/tenants", h.List)
	r.Delete("/tenants/{id}", h.Deactivate)
}

// Register handles POST /api/v1/tenants/register. Credentials are
// generated server side and returned in plaintext once.
func (h *TenantHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterTenantRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.Error(w, r, err)
		return
	}

	apiKey, err := auth.GenerateAPIKey()
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to generate credentials", err))
		return
	}
	secret, err := auth.GenerateHMACSecret()
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to generate credentials", err))
		return
	}

	monthlyLimit := req.MonthlyMessageLimit
	if monthlyLimit == 0 {
		monthlyLimit = defaultMonthlyMessageLimit
	}
	timezone := req.Timezone
	if timezone == "" {
		timezone = "UTC"
	}

	tenant := &types.Tenant{
		Name:                req.Name,
		Email:               req.Email,
		APIKey:              apiKey,
		HMACSecret:          secret,
		WebhookURL:          req.WebhookURL,
		IsActive:            true,
		MonthlyMessageLimit: monthlyLimit,
		RateLimitPerMinute:  defaultRateLimitPerMinute,
		Timezone:            timezone,
		BillingTier:         types.TierStarter,
		MaxAccounts:         defaultMaxAccounts,
	}
	if err := h.store.Create(r.Context(), tenant); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "tenant registered",
		"tenant_id", tenant.ID,
		"name", tenant.Name,
	)
	core.Created(w, r, RegisterTenantResponse{
		Tenant:     tenant,
		APIKey:     apiKey,
		HMACSecret: secret.Unmask(),
	})
}

// Me handles GET /api/v1/me: the authenticated tenant's own record.
func (h *TenantHandler) Me(w http.ResponseWriter, r *http.Request) {
	tenant, ok := types.TenantFromContext(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthHeadersMissing, "authentication required", nil))
		return
	}
	core.OK(w, r, tenant)
}

// List handles GET /api/v1/admin/tenants.
func (h *TenantHandler) List(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.store.List(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if tenants == nil {
		tenants = []*types.Tenant{}
	}
	core.OK(w, r, tenants)
}

// Deactivate handles DELETE /api/v1/admin/tenants/{id}. Tenants are
// deactivated, not deleted; their data stays for audit.
func (h *TenantHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.Deactivate(r.Context(), id); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "tenant deactivated", "tenant_id", id)
	core.OK(w, r, map[string]string{"id": id, "is_active": "false"})
}
