package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"blastengine/internal/types"
)

// --- Mock DBTX ---

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

// --- Mock Row ---

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

func sqlContains(fragment string) any {
	return mock.MatchedBy(func(sql string) bool { return strings.Contains(sql, fragment) })
}

func tag(s string) pgconn.CommandTag { return pgconn.NewCommandTag(s) }

func appCode(t *testing.T, err error) types.ErrorCode {
	t.Helper()
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	return appErr.Code
}

// --- CampaignRepository ---

func TestCampaignRepository_ReserveBudget(t *testing.T) {
	ctx := context.Background()

	t.Run("within cap", func(t *testing.T) {
		db := new(mockDBTX)
		db.On("Exec", ctx, sqlContains("reserved_cost = reserved_cost + $2"), []any{"c1", types.Money(500)}).
			Return(tag("UPDATE 1"), nil)

		ok, err := NewCampaignRepository(db).ReserveBudget(ctx, "c1", 500)
		require.NoError(t, err)
		assert.True(t, ok)
		db.AssertExpectations(t)
	})

	t.Run("over cap", func(t *testing.T) {
		db := new(mockDBTX)
		db.On("Exec", ctx, mock.Anything, mock.Anything).Return(tag("UPDATE 0"), nil)
		db.On("QueryRow", ctx, sqlContains("SELECT 1 FROM campaigns"), []any{"c1"}).
			Return(&mockRow{scanFn: func(dest ...any) error { *dest[0].(*int) = 1; return nil }})

		ok, err := NewCampaignRepository(db).ReserveBudget(ctx, "c1", 500)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("missing campaign", func(t *testing.T) {
		db := new(mockDBTX)
		db.On("Exec", ctx, mock.Anything, mock.Anything).Return(tag("UPDATE 0"), nil)
		db.On("QueryRow", ctx, mock.Anything, mock.Anything).Return(&mockRow{scanErr: pgx.ErrNoRows})

		_, err := NewCampaignRepository(db).ReserveBudget(ctx, "nope", 500)
		assert.Equal(t, types.ErrCodeNotFoundCampaign, appCode(t, err))
	})
}

func TestCampaignRepository_Transition(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	db := new(mockDBTX)
	db.On("Exec", ctx, sqlContains("status = ANY($2)"),
		[]any{"c1", []string{"draft", "scheduled"}, "running", "", now}).
		Return(tag("UPDATE 1"), nil)

	ok, err := NewCampaignRepository(db).Transition(ctx, "c1",
		[]types.CampaignStatus{types.CampaignDraft, types.CampaignScheduled}, types.CampaignRunning, "", now)
	require.NoError(t, err)
	assert.True(t, ok)
	db.AssertExpectations(t)
}

func TestCampaignRepository_IncrementCounter(t *testing.T) {
	ctx := context.Background()
	db := new(mockDBTX)
	db.On("Exec", ctx, "UPDATE campaigns SET clicked_count = clicked_count + $2 WHERE id = $1", []any{"c1", int64(1)}).
		Return(tag("UPDATE 1"), nil)

	repo := NewCampaignRepository(db)
	require.NoError(t, repo.IncrementCounter(ctx, "c1", types.CounterClicked, 1))

	err := repo.IncrementCounter(ctx, "c1", types.CounterField("total_cost; DROP TABLE campaigns"), 1)
	assert.Equal(t, types.ErrCodeInternalUnexpected, appCode(t, err))
	db.AssertNumberOfCalls(t, "Exec", 1)
}

func TestCampaignRepository_GetNotFound(t *testing.T) {
	db := new(mockDBTX)
	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := NewCampaignRepository(db).Get(context.Background(), "missing")
	assert.Equal(t, types.ErrCodeNotFoundCampaign, appCode(t, err))
}

// --- RecipientRepository ---

func TestRecipientRepository_SaveState(t *testing.T) {
	ctx := context.Background()
	next := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	rec := &types.Recipient{ID: "r1", CurrentStep: 2, Status: types.RecipientProcessing, AttemptsCount: 1, NextAttemptAt: &next}

	t.Run("applied", func(t *testing.T) {
		db := new(mockDBTX)
		db.On("Exec", ctx, sqlContains("GREATEST(current_step, $2)"), []any{"r1", 2, "processing", 1, &next}).
			Return(tag("UPDATE 1"), nil)

		ok, err := NewRecipientRepository(db).SaveState(ctx, rec)
		require.NoError(t, err)
		assert.True(t, ok)
		db.AssertExpectations(t)
	})

	t.Run("terminal row is left alone", func(t *testing.T) {
		db := new(mockDBTX)
		db.On("Exec", ctx, mock.Anything, mock.Anything).Return(tag("UPDATE 0"), nil)
		db.On("QueryRow", ctx, sqlContains("FROM recipients WHERE id = $1"), []any{"r1"}).
			Return(&mockRow{scanFn: func(dest ...any) error { return nil }})

		ok, err := NewRecipientRepository(db).SaveState(ctx, rec)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestRecipientRepository_InsertBatchFallsBackToExec(t *testing.T) {
	ctx := context.Background()
	db := new(mockDBTX)
	db.On("Exec", ctx, sqlContains("ON CONFLICT (campaign_id, customer_id) DO NOTHING"), mock.Anything).
		Return(tag("INSERT 0 1"), nil).Once()
	db.On("Exec", ctx, sqlContains("ON CONFLICT (campaign_id, customer_id) DO NOTHING"), mock.Anything).
		Return(tag("INSERT 0 0"), nil).Once()

	n, err := NewRecipientRepository(db).InsertBatch(ctx, []*types.Recipient{
		{ID: "r1", CampaignID: "c1", CustomerID: "a", Status: types.RecipientPending},
		{ID: "r2", CampaignID: "c1", CustomerID: "a", Status: types.RecipientPending},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	db.AssertExpectations(t)
}

func TestRecipientRepository_MarkConvertedOnce(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	db := new(mockDBTX)
	db.On("Exec", ctx, sqlContains("converted_at IS NULL"), []any{"r1", at}).Return(tag("UPDATE 1"), nil).Once()

	ok, err := NewRecipientRepository(db).MarkConverted(ctx, "r1", at)
	require.NoError(t, err)
	assert.True(t, ok)
}

// --- AttemptRepository ---

func TestAttemptRepository_MarkSentDuplicateExternalID(t *testing.T) {
	db := new(mockDBTX)
	db.On("Exec", mock.Anything, mock.Anything, mock.Anything).
		Return(pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"})

	err := NewAttemptRepository(db).MarkSent(context.Background(), "a1", "ext-1", 100, time.Now())
	assert.Equal(t, types.ErrCodeConflictConcurrent, appCode(t, err))
}

func TestAttemptRepository_SetMilestone(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	db := new(mockDBTX)
	stampAndCount := mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "SET delivered_at = $2 WHERE id = $1 AND delivered_at IS NULL") &&
			strings.Contains(sql, "SET delivered_count = delivered_count + 1")
	})
	db.On("Exec", ctx, stampAndCount, []any{"a1", at}).
		Return(tag("UPDATE 1"), nil).Once()
	db.On("Exec", ctx, mock.Anything, mock.Anything).Return(tag("UPDATE 0"), nil)

	repo := NewAttemptRepository(db)
	won, err := repo.SetMilestone(ctx, "a1", types.MilestoneDelivered, at)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = repo.SetMilestone(ctx, "a1", types.MilestoneDelivered, at)
	require.NoError(t, err)
	assert.False(t, won)

	won, err = repo.SetMilestone(ctx, "a1", types.MilestoneNone, at)
	require.NoError(t, err)
	assert.False(t, won)
}

func TestAttemptRepository_CountRecent(t *testing.T) {
	ctx := context.Background()
	since := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	db := new(mockDBTX)
	db.On("QueryRow", ctx, sqlContains("JOIN campaigns c"), []any{"cust", "sms", since, "b1"}).
		Return(&mockRow{scanFn: func(dest ...any) error { *dest[0].(*int) = 2; return nil }})

	n, err := NewAttemptRepository(db).CountRecent(ctx, types.FrequencyQuery{
		BusinessID: "b1", CustomerID: "cust", Channel: types.ChannelSMS, Since: since,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestAttemptRepository_Cleanup(t *testing.T) {
	ctx := context.Background()
	cutoff := time.Date(2025, 12, 2, 0, 0, 0, 0, time.UTC)

	t.Run("dry run counts", func(t *testing.T) {
		db := new(mockDBTX)
		db.On("QueryRow", ctx, sqlContains("SELECT COUNT(*) FROM delivery_attempts"), []any{cutoff}).
			Return(&mockRow{scanFn: func(dest ...any) error { *dest[0].(*int64) = 7; return nil }})

		n, err := NewAttemptRepository(db).DeleteFailedBefore(ctx, cutoff, true)
		require.NoError(t, err)
		assert.Equal(t, int64(7), n)
		db.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("delete", func(t *testing.T) {
		db := new(mockDBTX)
		db.On("Exec", ctx, sqlContains("DELETE FROM click_events"), []any{cutoff}).Return(tag("DELETE 4"), nil)

		n, err := NewAttemptRepository(db).DeleteClicksBefore(ctx, cutoff, false)
		require.NoError(t, err)
		assert.Equal(t, int64(4), n)
	})
}

// --- DirectoryRepository ---

func TestDirectoryRepository_GetPreferences(t *testing.T) {
	ctx := context.Background()

	t.Run("defaults when missing", func(t *testing.T) {
		db := new(mockDBTX)
		db.On("QueryRow", ctx, mock.Anything, mock.Anything).Return(&mockRow{scanErr: pgx.ErrNoRows})

		p, err := NewDirectoryRepository(db).GetPreferences(ctx, "b1", "c1")
		require.NoError(t, err)
		assert.Equal(t, types.DefaultPreferences(), p)
	})

	t.Run("stored quiet hours", func(t *testing.T) {
		db := new(mockDBTX)
		db.On("QueryRow", ctx, mock.Anything, []any{"b1", "c1"}).Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*[]byte) = []byte(`{"start":"22:00","end":"08:00","timezone":"Europe/Moscow"}`)
			*dest[1].(*int) = 1
			*dest[2].(*int) = 4
			*dest[3].(*string) = "en"
			return nil
		}})

		p, err := NewDirectoryRepository(db).GetPreferences(ctx, "b1", "c1")
		require.NoError(t, err)
		require.NotNil(t, p.QuietHours)
		assert.Equal(t, "Europe/Moscow", p.QuietHours.Timezone)
		assert.Equal(t, 1, p.MaxPerDay)
		assert.Equal(t, "en", p.Locale)
	})
}

// --- Migrate ---

func TestMigrate_AppliesEmbeddedSchema(t *testing.T) {
	ctx := context.Background()
	db := new(mockDBTX)
	db.On("Exec", ctx, sqlContains("CREATE TABLE IF NOT EXISTS campaigns"), mock.Anything).Return(tag("CREATE TABLE"), nil)

	require.NoError(t, Migrate(ctx, db))
	db.AssertExpectations(t)
}

// --- AdvisoryLocker ---

type fakeLockConn struct {
	execErr   error
	unlockErr error
	sqls      []string
	released  int
	discarded int
}

func (c *fakeLockConn) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	c.sqls = append(c.sqls, sql)
	if strings.Contains(sql, "unlock") {
		return pgconn.CommandTag{}, c.unlockErr
	}
	return pgconn.CommandTag{}, c.execErr
}
func (c *fakeLockConn) Release() { c.released++ }
func (c *fakeLockConn) Discard() { c.discarded++ }

func TestAdvisoryLocker(t *testing.T) {
	ctx := context.Background()

	t.Run("lock and release once", func(t *testing.T) {
		conn := &fakeLockConn{}
		l := newAdvisoryLocker(func(context.Context) (lockConn, error) { return conn, nil }, nil)

		release, err := l.Lock(ctx, "recipient:r1")
		require.NoError(t, err)
		release()
		release()
		assert.Equal(t, 1, conn.released)
		require.Len(t, conn.sqls, 2)
		assert.Contains(t, conn.sqls[0], "pg_advisory_lock(hashtext($1))")
		assert.Contains(t, conn.sqls[1], "pg_advisory_unlock")
	})

	t.Run("failed unlock drops the connection", func(t *testing.T) {
		conn := &fakeLockConn{unlockErr: errors.New("conn reset")}
		l := newAdvisoryLocker(func(context.Context) (lockConn, error) { return conn, nil }, nil)

		release, err := l.Lock(ctx, "recipient:r1")
		require.NoError(t, err)
		release()
		assert.Zero(t, conn.released)
		assert.Equal(t, 1, conn.discarded)
	})

	t.Run("cancelled wait", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		conn := &fakeLockConn{execErr: errors.New("canceling statement")}
		l := newAdvisoryLocker(func(context.Context) (lockConn, error) { return conn, nil }, nil)

		_, err := l.Lock(cctx, "recipient:r1")
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, conn.discarded)
	})
}
