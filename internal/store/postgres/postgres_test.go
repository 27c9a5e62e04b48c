package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/dropleader/internal/store"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return sqlx.NewDb(db, "postgres"), mock
}

func TestBacktestRepoUpsertSwallowsUniqueViolationRace(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBacktestRepo(db)

	mock.ExpectExec("INSERT INTO backtest_rows").
		WillReturnError(&pq.Error{Code: "23505"})

	row := store.BacktestRow{Timestamp: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, repo.Upsert(context.Background(), row))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBacktestRepoUpsertSurfacesOtherErrors(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBacktestRepo(db)

	mock.ExpectExec("INSERT INTO backtest_rows").
		WillReturnError(&pq.Error{Code: "08006"})

	row := store.BacktestRow{Timestamp: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)}
	require.Error(t, repo.Upsert(context.Background(), row))
}

func TestBacktestRepoGetByTimestampReturnsNilOnNoRows(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBacktestRepo(db)

	mock.ExpectQuery("SELECT \\* FROM backtest_rows WHERE ts = \\$1").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"ts"}))

	row, err := repo.GetByTimestamp(context.Background(), time.Now())
	require.NoError(t, err)
	require.Nil(t, row)
}

func TestFilterCacheRepoDeleteOlderThan(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewFilterCacheRepo(db)

	mock.ExpectExec("DELETE FROM symbol_filter_cache").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.DeleteOlderThan(context.Background(), time.Now().UTC().AddDate(0, 0, -30))
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}
