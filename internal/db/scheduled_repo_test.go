package db

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"numota/internal/types"
)

// --- Shared mocks (reused by the other *_repo_test.go files) ---

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

type mockRow struct {
	scanErr error
	scanFn  func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanFn != nil {
		return r.scanFn(dest...)
	}
	return r.scanErr
}

type mockRows struct {
	data    [][]any
	idx     int
	closed  bool
	scanErr error
	errVal  error
}

func newMockRows(data [][]any) *mockRows {
	return &mockRows{data: data, idx: -1}
}

func (r *mockRows) Next() bool {
	if r.closed {
		return false
	}
	r.idx++
	return r.idx < len(r.data)
}

func (r *mockRows) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	row := r.data[r.idx]
	for i, d := range dest {
		if row[i] == nil {
			continue
		}
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(row[i]))
	}
	return nil
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.errVal }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }

// scheduledRowData builds a claimed-row tuple in scheduledColumns order.
func scheduledRowData(id string, status string, attempts int, at time.Time) []any {
	return []any{
		id, "tenant_1", nil, "+14155550100", "hello", "text",
		at, "UTC", status, nil, attempts, 3,
		nil, nil, at, at,
	}
}

// --- Create ---

func TestScheduledRepository_Create_Defaults(t *testing.T) {
	db := new(mockDBTX)
	repo := NewScheduledRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	m := &types.ScheduledMessage{
		TenantID:    "tenant_1",
		ToNumber:    "+14155550100",
		Content:     "hello",
		MessageType: types.MessageTypeText,
		ScheduledAt: time.Now().UTC().Add(time.Hour),
		Timezone:    "UTC",
	}
	err := repo.Create(context.Background(), m)
	require.NoError(t, err)

	assert.NotEmpty(t, m.ID, "id should be generated")
	assert.Equal(t, types.ScheduledPending, m.Status)
	assert.Equal(t, DefaultMaxAttempts, m.MaxAttempts)
	assert.Zero(t, m.Attempts)
	db.AssertExpectations(t)
}

func TestScheduledRepository_Create_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewScheduledRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	err := repo.Create(context.Background(), &types.ScheduledMessage{TenantID: "tenant_1"})
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

// --- ClaimDue ---

func TestScheduledRepository_ClaimDue_ReturnsClaimedRows(t *testing.T) {
	db := new(mockDBTX)
	repo := NewScheduledRepository(db)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := newMockRows([][]any{
		scheduledRowData("sm_1", "processing", 1, now),
		scheduledRowData("sm_2", "processing", 2, now),
	})

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(rows, nil)

	claimed, err := repo.ClaimDue(context.Background(), now, 100)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "sm_1", claimed[0].ID)
	assert.Equal(t, types.ScheduledProcessing, claimed[0].Status)
	assert.Equal(t, 1, claimed[0].Attempts)
	assert.Equal(t, 2, claimed[1].Attempts)
	db.AssertExpectations(t)
}

func TestScheduledRepository_ClaimDue_EligibilityGuardsInQuery(t *testing.T) {
	db := new(mockDBTX)
	repo := NewScheduledRepository(db)

	now := time.Now().UTC()
	db.On("Query", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "FOR UPDATE SKIP LOCKED") &&
			strings.Contains(sql, "attempts < max_attempts") &&
			strings.Contains(sql, "scheduled_at <= $1") &&
			strings.Contains(sql, "'scheduled', 'failed'")
	}), mock.Anything).Return(newMockRows(nil), nil)

	claimed, err := repo.ClaimDue(context.Background(), now, 50)
	require.NoError(t, err)
	assert.Empty(t, claimed)
	db.AssertExpectations(t)
}

func TestScheduledRepository_ClaimDue_PassesNowAndLimit(t *testing.T) {
	db := new(mockDBTX)
	repo := NewScheduledRepository(db)

	now := time.Date(2026, 5, 10, 9, 30, 0, 0, time.UTC)
	db.On("Query", mock.Anything, mock.AnythingOfType("string"),
		mock.MatchedBy(func(args []any) bool {
			if len(args) != 2 {
				return false
			}
			ts, ok := args[0].(time.Time)
			return ok && ts.Equal(now) && args[1] == 25
		})).Return(newMockRows(nil), nil)

	_, err := repo.ClaimDue(context.Background(), now, 25)
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestScheduledRepository_ClaimDue_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewScheduledRepository(db)

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(nil, errors.New("connection refused"))

	_, err := repo.ClaimDue(context.Background(), time.Now(), 100)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

// --- MarkSent / MarkFailed ---

func TestScheduledRepository_MarkSent_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewScheduledRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := repo.MarkSent(context.Background(), "sm_1", time.Now().UTC())
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestScheduledRepository_MarkSent_NotProcessing(t *testing.T) {
	db := new(mockDBTX)
	repo := NewScheduledRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := repo.MarkSent(context.Background(), "sm_1", time.Now().UTC())
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeConflictAlreadyClaimed, appErr.Code)
}

func TestScheduledRepository_MarkFailed_GuardedByProcessingState(t *testing.T) {
	db := new(mockDBTX)
	repo := NewScheduledRepository(db)

	db.On("Exec", mock.Anything, mock.MatchedBy(func(sql string) bool {
		// The terminal transition must be decided in SQL so it stays
		// consistent with the attempts counter read under the row lock.
		return strings.Contains(sql, "permanently_failed") &&
			strings.Contains(sql, "attempts >= max_attempts") &&
			strings.Contains(sql, "status = 'processing'")
	}), mock.Anything).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := repo.MarkFailed(context.Background(), "sm_1", "provider timeout")
	require.NoError(t, err)
	db.AssertExpectations(t)
}

// --- Cancel ---

func TestScheduledRepository_Cancel_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewScheduledRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := repo.Cancel(context.Background(), "tenant_1", "sm_1")
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestScheduledRepository_Cancel_AlreadyClaimed(t *testing.T) {
	db := new(mockDBTX)
	repo := NewScheduledRepository(db)

	// Cancel races with a scheduler claim: zero rows updated, then the
	// follow-up read finds the row in processing.
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	at := time.Now().UTC()
	row := &mockRow{scanFn: func(dest ...any) error {
		data := scheduledRowData("sm_1", "processing", 1, at)
		for i, d := range dest {
			if data[i] == nil {
				continue
			}
			reflect.ValueOf(d).Elem().Set(reflect.ValueOf(data[i]))
		}
		return nil
	}}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(row)

	err := repo.Cancel(context.Background(), "tenant_1", "sm_1")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeConflictNotCancellable, appErr.Code)
}

func TestScheduledRepository_Cancel_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewScheduledRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	err := repo.Cancel(context.Background(), "tenant_1", "sm_missing")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundScheduled, appErr.Code)
}

// --- GetByID / ListByTenant ---

func TestScheduledRepository_GetByID_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewScheduledRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByID(context.Background(), "tenant_1", "sm_missing")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundScheduled, appErr.Code)
}

func TestScheduledRepository_ListByTenant_OrderedAscending(t *testing.T) {
	db := new(mockDBTX)
	repo := NewScheduledRepository(db)

	early := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	late := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	rows := newMockRows([][]any{
		scheduledRowData("sm_1", "scheduled", 0, early),
		scheduledRowData("sm_2", "scheduled", 0, late),
	})

	db.On("Query", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "ORDER BY scheduled_at")
	}), mock.Anything).Return(rows, nil)

	out, err := repo.ListByTenant(context.Background(), "tenant_1")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.True(t, out[0].ScheduledAt.Before(out[1].ScheduledAt))
	db.AssertExpectations(t)
}

// --- Claim contention ---

// contentionDB hands out each pending row at most once, mirroring what
// FOR UPDATE SKIP LOCKED guarantees under concurrent claimants: a row
// already taken by one UPDATE is invisible to the other.
type contentionDB struct {
	mu      sync.Mutex
	pending []string
}

func (d *contentionDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (d *contentionDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return &mockRow{scanErr: pgx.ErrNoRows}
}

func (d *contentionDB) Query(_ context.Context, _ string, args ...any) (pgx.Rows, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := args[0].(time.Time)
	limit := args[1].(int)

	var data [][]any
	for len(data) < limit && len(d.pending) > 0 {
		id := d.pending[0]
		d.pending = d.pending[1:]
		data = append(data, scheduledRowData(id, "processing", 1, now))
	}
	return newMockRows(data), nil
}

func TestScheduledRepository_ClaimDue_ConcurrentClaimantsSplitTheBacklog(t *testing.T) {
	const rows = 40
	db := &contentionDB{}
	for i := 0; i < rows; i++ {
		db.pending = append(db.pending, fmt.Sprintf("sm_%d", i))
	}
	repo := NewScheduledRepository(db)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	claims := make([][]string, 2)
	var wg sync.WaitGroup
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				claimed, err := repo.ClaimDue(context.Background(), now, 5)
				if err != nil || len(claimed) == 0 {
					return
				}
				for _, m := range claimed {
					claims[w] = append(claims[w], m.ID)
				}
			}
		}(w)
	}
	wg.Wait()

	seen := map[string]int{}
	for _, ids := range claims {
		for _, id := range ids {
			seen[id]++
		}
	}
	require.Len(t, seen, rows, "every row must be claimed")
	for id, n := range seen {
		assert.Equal(t, 1, n, "row %s claimed more than once", id)
	}
	assert.Len(t, claims[0], rows-len(claims[1]), "claimants split the backlog without overlap")
}
