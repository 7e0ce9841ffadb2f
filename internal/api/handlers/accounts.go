package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"numota/internal/core"
	"numota/internal/types"
)

// AccountStore is the repository slice for the account endpoints.
// Implemented by db.AccountRepository.
type AccountStore interface {
	Create(ctx context.Context, a *types.WhatsAppAccount) error
	ListByTenant(ctx context.Context, tenantID string) ([]*types.WhatsAppAccount, error)
	CountByTenant(ctx context.Context, tenantID string) (int, error)
}

// AddAccountRequest is the body for POST /api/v1/accounts.
type AddAccountRequest struct {
	PhoneNumberID string `json:"phone_number_id" validate:"required"`
	AccessToken   string `json:"access_token" validate:"required"`
	PhoneNumber   string `json:"phone_number,omitempty" validate:"omitempty,phone"`
}

// AccountHandler manages a tenant's WhatsApp provider accounts.
type AccountHandler struct {
	store     AccountStore
	validator *core.Validator
	logger    *slog.Logger
}

func NewAccountHandler(store AccountStore, v *core.Validator, l *slog.Logger) *AccountHandler {
	if l == nil {
		l = slog.Default()
	}
	return &AccountHandler{store: store, validator: v, logger: l}
}

// RegisterRoutes mounts the account routes on a tenant-scoped router.
func (h *AccountHandler) RegisterRoutes(r chi.Router) {
	r.Post("/accounts", h.Add)
	r.Get("/accounts", h.List)
}

// Add handles POST /api/v1/accounts, enforcing the tenant's account cap.
func (h *AccountHandler) Add(w http.ResponseWriter, r *http.Request) {
	tenant, ok := types.TenantFromContext(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthHeadersMissing, "authentication required", nil))
		return
	}

	var req AddAccountRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.Error(w, r, err)
		return
	}

	count, err := h.store.CountByTenant(r.Context(), tenant.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if tenant.MaxAccounts > 0 && count >= tenant.MaxAccounts {
		core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeLimitAccounts,
			"maximum number of WhatsApp accounts reached", nil,
			map[string]any{"max_accounts": tenant.MaxAccounts}))
		return
	}

	account := &types.WhatsAppAccount{
		TenantID:      tenant.ID,
		PhoneNumberID: req.PhoneNumberID,
		AccessToken:   types.SecretString(req.AccessToken),
		PhoneNumber:   req.PhoneNumber,
		IsActive:      true,
	}
	if err := h.store.Create(r.Context(), account); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "whatsapp account added",
		"account_id", account.ID,
		"tenant_id", tenant.ID,
	)
	core.Created(w, r, account)
}

// List handles GET /api/v1/accounts.
func (h *AccountHandler) List(w http.ResponseWriter, r *http.Request) {
	tenant, ok := types.TenantFromContext(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthHeadersMissing, "authentication required", nil))
		return
	}

	accounts, err := h.store.ListByTenant(r.Context(), tenant.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if accounts == nil {
		accounts = []*types.WhatsAppAccount{}
	}
	core.OK(w, r, accounts)
}
