package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"numota/internal/types"
)

// TemplateRepository provides data access for tenant message templates.
type TemplateRepository struct {
	db DBTX
}

func NewTemplateRepository(db DBTX) *TemplateRepository {
	return &TemplateRepository{db: db}
}

const templateColumns = `id, tenant_id, name, category, language, body, status, created_at`

func (r *TemplateRepository) Create(ctx context.Context, t *types.MessageTemplate) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Language == "" {
		t.Language = "en"
	}
	if t.Status == "" {
		t.Status = "active"
	}
	t.CreatedAt = time.Now().UTC()

	_, err := r.db.Exec(ctx,
		`INSERT INTO message_templates (id, tenant_id, name, category, language, body, status, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		t.ID, t.TenantID, t.Name, nilIfEmpty(t.Category), t.Language, t.Body, t.Status, t.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictName,
				"a template with this name already exists", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create template", err)
	}
	return nil
}

// GetByName resolves a template for rendering at send time. Only active
// templates resolve.
func (r *TemplateRepository) GetByName(ctx context.Context, tenantID, name string) (*types.MessageTemplate, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+templateColumns+` FROM message_templates
		 WHERE tenant_id = $1 AND name = $2 AND status = 'active'`,
		tenantID, name,
	)
	t, err := scanTemplate(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundTemplate, "template not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get template", err)
	}
	return t, nil
}

func (r *TemplateRepository) ListByTenant(ctx context.Context, tenantID string) ([]*types.MessageTemplate, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+templateColumns+` FROM message_templates
		 WHERE tenant_id = $1 ORDER BY name`,
		tenantID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list templates", err)
	}
	defer rows.Close()

	var out []*types.MessageTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan template row", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating template rows", err)
	}
	return out, nil
}

// Delete retires a template. Rows are soft-deleted so historical sends can
// still reference the template name.
func (r *TemplateRepository) Delete(ctx context.Context, tenantID, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE message_templates SET status = 'deleted'
		 WHERE id = $1 AND tenant_id = $2 AND status <> 'deleted'`,
		id, tenantID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete template", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundTemplate, "template not found", nil)
	}
	return nil
}

func scanTemplate(row pgx.Row) (*types.MessageTemplate, error) {
	var (
		t        types.MessageTemplate
		category *string
	)
	err := row.Scan(&t.ID, &t.TenantID, &t.Name, &category, &t.Language, &t.Body, &t.Status, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Category = deref(category)
	return &t, nil
}
