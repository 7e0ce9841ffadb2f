package db

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"numota/internal/types"
)

// Note: mockDBTX, mockRow, and mockRows are defined in
// scheduled_repo_test.go and reused here.

func TestTenantRepository_GetByAPIKey_UnknownKey(t *testing.T) {
	db := new(mockDBTX)
	repo := NewTenantRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByAPIKey(context.Background(), "nm_deadbeef")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeAuthUnknownClient, appErr.Code)
}

func TestTenantRepository_GetByAPIKey_FiltersInactive(t *testing.T) {
	db := new(mockDBTX)
	repo := NewTenantRepository(db)

	db.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "is_active = TRUE")
	}), mock.Anything).Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByAPIKey(context.Background(), "nm_inactive")
	require.Error(t, err)
	db.AssertExpectations(t)
}

func TestTenantRepository_IncrementUsage_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewTenantRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := repo.IncrementUsage(context.Background(), "tenant_1")
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestTenantRepository_IncrementUsage_QuotaExhausted(t *testing.T) {
	db := new(mockDBTX)
	repo := NewTenantRepository(db)

	// The guard lives in the UPDATE's WHERE clause, so a tenant at its
	// limit shows up as zero affected rows rather than a post-hoc check.
	db.On("Exec", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "current_month_count < monthly_message_limit")
	}), mock.Anything).Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := repo.IncrementUsage(context.Background(), "tenant_1")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeLimitQuota, appErr.Code)
}

func TestTenantRepository_Create_DuplicateName(t *testing.T) {
	db := new(mockDBTX)
	repo := NewTenantRepository(db)

	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "tenants_name_key"}
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, pgErr)

	err := repo.Create(context.Background(), &types.Tenant{Name: "acme", Email: "ops@acme.test"})
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeConflictName, appErr.Code)
}

func TestTenantRepository_ResetMonthlyCounts_ReturnsAffected(t *testing.T) {
	db := new(mockDBTX)
	repo := NewTenantRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 42"), nil)

	n, err := repo.ResetMonthlyCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}
