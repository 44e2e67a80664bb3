package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/stocksync/pkg/session"
)

const pgTestNamespace = "agent-1"

func newTestPartition(t *testing.T, cfg Config) (*Partition, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	if cfg.Namespace == "" {
		cfg.Namespace = pgTestNamespace
	}
	return New(db, cfg), mock
}

func TestNew_DefaultNamespace(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	p := New(db, Config{})
	assert.Equal(t, defaultNamespace, p.Namespace())
}

func TestGet_Found(t *testing.T) {
	p, mock := newTestPartition(t, Config{})

	rows := sqlmock.NewRows([]string{"value"}).AddRow("tok")
	mock.ExpectQuery("SELECT value FROM session_kv").
		WithArgs("token", pgTestNamespace).
		WillReturnRows(rows)

	got, ok, err := p.Get(context.Background(), session.KeyAccessToken)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "tok", got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_NotFound(t *testing.T) {
	p, mock := newTestPartition(t, Config{})

	mock.ExpectQuery("SELECT value FROM session_kv").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	_, ok, err := p.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_DBError(t *testing.T) {
	p, mock := newTestPartition(t, Config{})

	mock.ExpectQuery("SELECT value FROM session_kv").
		WillReturnError(errors.New("db unavailable"))

	_, _, err := p.Get(context.Background(), "token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading token")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSet_Upserts(t *testing.T) {
	p, mock := newTestPartition(t, Config{})

	mock.ExpectExec(`INSERT INTO session_kv .+ ON CONFLICT \(namespace, key\) DO UPDATE`).
		WithArgs(pgTestNamespace, "token", "tok").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, p.Set(context.Background(), "token", "tok"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSet_DBError(t *testing.T) {
	p, mock := newTestPartition(t, Config{})

	mock.ExpectExec("INSERT INTO session_kv").
		WillReturnError(errors.New("connection lost"))

	err := p.Set(context.Background(), "token", "tok")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "writing token")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDelete_Keys(t *testing.T) {
	p, mock := newTestPartition(t, Config{})

	mock.ExpectExec("DELETE FROM session_kv WHERE").
		WithArgs("a", "b", pgTestNamespace).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, p.Delete(context.Background(), "a", "b"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDelete_NoKeysSkipsQuery(t *testing.T) {
	p, mock := newTestPartition(t, Config{})

	require.NoError(t, p.Delete(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKeys_Sorted(t *testing.T) {
	p, mock := newTestPartition(t, Config{})

	rows := sqlmock.NewRows([]string{"key"}).AddRow("a").AddRow("b")
	mock.ExpectQuery("SELECT key FROM session_kv .+ ORDER BY key").
		WithArgs(pgTestNamespace).
		WillReturnRows(rows)

	keys, err := p.Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKeys_DBError(t *testing.T) {
	p, mock := newTestPartition(t, Config{})

	mock.ExpectQuery("SELECT key FROM session_kv").
		WillReturnError(errors.New("timeout"))

	_, err := p.Keys(context.Background())
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClear(t *testing.T) {
	p, mock := newTestPartition(t, Config{})

	mock.ExpectExec("DELETE FROM session_kv WHERE namespace").
		WithArgs(pgTestNamespace).
		WillReturnResult(sqlmock.NewResult(0, 5))

	require.NoError(t, p.Clear(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPrune(t *testing.T) {
	p, mock := newTestPartition(t, Config{MaxAge: 24 * time.Hour})

	mock.ExpectExec("DELETE FROM session_kv WHERE .+ updated_at").
		WithArgs(pgTestNamespace, "86400 seconds").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := p.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPrune_Disabled(t *testing.T) {
	p, mock := newTestPartition(t, Config{})

	n, err := p.Prune(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStartPruneRoutine_Close(t *testing.T) {
	p, _ := newTestPartition(t, Config{})

	p.StartPruneRoutine(time.Hour)
	assert.NoError(t, p.Close())
	assert.NoError(t, p.Close())
}
