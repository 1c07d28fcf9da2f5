package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanshika/refnet/backend/internal/domain"
	"github.com/vanshika/refnet/backend/internal/store"
	"github.com/vanshika/refnet/backend/internal/store/storetest"
)

func TestSQLiteStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		dsn := filepath.Join(t.TempDir(), "refnet.db")
		s, err := Open(context.Background(), DriverSQLite, dsn, "member")
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestPostgresStoreConformance(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(context.Background(), DriverPostgres, dsn, "member")
		require.NoError(t, err)
		for _, table := range []string{"promotion_history", "referral_codes", "users"} {
			_, err := s.db.Exec("DELETE FROM " + table)
			require.NoError(t, err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "dsn", "member")
	assert.Error(t, err)
}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(sqlx.NewDb(db, DriverPostgres), "member"), mock
}

func TestMigrateStopsOnFailure(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS users").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX").WillReturnError(errors.New("permission denied"))

	err := s.Migrate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema statement 1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUserWrapsDriverErrors(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`SELECT .* FROM users WHERE id = \$1`).
		WithArgs("u1").
		WillReturnError(errors.New("connection reset"))

	_, err := s.GetUser(context.Background(), "u1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, store.ErrNotFound)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestPromoteUserReportsConflict(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE users SET role_name = \$1`).
		WithArgs("organizer", sqlmock.AnyArg(), "u1", "member").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM users WHERE id = \$1`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	err := s.PromoteUser(context.Background(), "u1", "member", domain.PromotionRecord{From: "member", To: "organizer"})
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementRejectsUnknownCounter(t *testing.T) {
	s, _ := newMock(t)
	err := s.IncrementCodeCounter(context.Background(), "TARAAAAAA", store.Counter("likes"), 1)
	assert.Error(t, err)
}

func openSQLite(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "refnet.db"), "member")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func promotedUsers(n int) []store.WriteOp {
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	ops := make([]store.WriteOp, 0, n)
	for i := range n {
		u := domain.User{
			ID:               fmt.Sprintf("u%05d", i),
			CurrentRole:      "leader",
			PromotionHistory: []domain.PromotionRecord{{From: "member", To: "leader", At: at}},
			SchemaVersion:    domain.CurrentSchemaVersion,
			RegisteredAt:     at,
			UpdatedAt:        at,
		}
		ops = append(ops, store.WriteOp{User: &u})
	}
	return ops
}

func TestQueryUsersLoadsHistoryAcrossChunks(t *testing.T) {
	prev := historyChunk
	historyChunk = 3
	t.Cleanup(func() { historyChunk = prev })

	s := openSQLite(t)
	ctx := context.Background()
	require.NoError(t, s.BatchWrite(ctx, promotedUsers(7)))

	users, err := s.QueryUsers(ctx, store.UserQuery{})
	require.NoError(t, err)
	require.Len(t, users, 7)
	for _, u := range users {
		require.Len(t, u.PromotionHistory, 1, u.ID)
		assert.Equal(t, "leader", u.PromotionHistory[0].To)
	}
}

func TestQueryUsersBeyondSQLiteVariableLimit(t *testing.T) {
	if testing.Short() {
		t.Skip("writes 33000 users")
	}
	s := openSQLite(t)
	ctx := context.Background()
	require.NoError(t, s.BatchWrite(ctx, promotedUsers(33000)))

	users, err := s.QueryUsers(ctx, store.UserQuery{})
	require.NoError(t, err)
	require.Len(t, users, 33000)
	assert.Len(t, users[32999].PromotionHistory, 1)
}
