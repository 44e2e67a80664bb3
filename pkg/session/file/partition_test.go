package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/stocksync/pkg/session"
)

func newTestPartition(t *testing.T) *Partition {
	t.Helper()
	p, err := Open(filepath.Join(t.TempDir(), "nested", "session.json"))
	require.NoError(t, err)
	return p
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}

func TestOpen_MissingFileIsEmpty(t *testing.T) {
	p := newTestPartition(t)

	keys, err := p.Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestPartition_PersistsAcrossOpen(t *testing.T) {
	p := newTestPartition(t)
	ctx := context.Background()

	require.NoError(t, p.Set(ctx, session.KeyAccessToken, "tok"))
	require.NoError(t, p.Set(ctx, session.KeyRefreshToken, "ref"))

	reopened, err := Open(p.Path())
	require.NoError(t, err)

	got, ok, err := reopened.Get(ctx, session.KeyRefreshToken)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ref", got)

	info, err := os.Stat(p.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(fileMode), info.Mode().Perm())
}

func TestPartition_Delete(t *testing.T) {
	p := newTestPartition(t)
	ctx := context.Background()

	require.NoError(t, p.Set(ctx, "a", "1"))
	require.NoError(t, p.Set(ctx, "b", "2"))
	require.NoError(t, p.Delete(ctx, "a", "missing"))
	require.NoError(t, p.Delete(ctx, "missing"))

	reopened, err := Open(p.Path())
	require.NoError(t, err)
	keys, err := reopened.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, keys)
}

func TestPartition_ClearRemovesFile(t *testing.T) {
	p := newTestPartition(t)
	ctx := context.Background()

	require.NoError(t, p.Set(ctx, "a", "1"))
	require.NoError(t, p.Clear(ctx))
	require.NoError(t, p.Clear(ctx), "clearing twice should not error")

	_, err := os.Stat(p.Path())
	assert.True(t, os.IsNotExist(err))

	keys, err := p.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.NoError(t, p.Close())
}

func TestOpen_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o600))

	_, err := Open(path)
	assert.Error(t, err)
}

func TestOpen_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	p, err := Open(path)
	require.NoError(t, err)
	keys, err := p.Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestPartition_WorksWithStore(t *testing.T) {
	durable := newTestPartition(t)
	store := session.NewStore(durable, session.NewMemoryPartition())
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &session.Session{
		AccessToken:  "tok",
		RefreshToken: "ref",
		AccountID:    "acct",
		RememberMe:   true,
	}))

	reopened, err := Open(durable.Path())
	require.NoError(t, err)
	restored, err := session.NewStore(reopened, session.NewMemoryPartition()).Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.Equal(t, "tok", restored.AccessToken)
	assert.Equal(t, "ref", restored.RefreshToken)
	assert.True(t, restored.RememberMe)
}
