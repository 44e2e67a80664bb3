package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func logN(t *testing.T, l Logger, n int) {
	t.Helper()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range n {
		kind := KindRefresh
		if i%2 == 0 {
			kind = KindLogin
		}
		e := NewEvent(kind).
			WithAccount(fmt.Sprintf("acct-%d", i%3)).
			WithTimestamp(base.Add(time.Duration(i) * time.Minute))
		e.ID = fmt.Sprintf("evt-%d", i)
		require.NoError(t, l.Log(context.Background(), *e))
	}
}

func ids(events []Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.ID)
	}
	return out
}

func TestMemoryLogger_NewestFirst(t *testing.T) {
	l := NewMemoryLogger(10)
	logN(t, l, 3)

	got, err := l.Query(context.Background(), QueryFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"evt-2", "evt-1", "evt-0"}, ids(got))
}

func TestMemoryLogger_RingOverwritesOldest(t *testing.T) {
	l := NewMemoryLogger(3)
	logN(t, l, 5)

	got, err := l.Query(context.Background(), QueryFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"evt-4", "evt-3", "evt-2"}, ids(got))
}

func TestMemoryLogger_Filter(t *testing.T) {
	l := NewMemoryLogger(0)
	logN(t, l, 6)
	ctx := context.Background()

	got, err := l.Query(ctx, QueryFilter{Kind: KindLogin})
	require.NoError(t, err)
	assert.Equal(t, []string{"evt-4", "evt-2", "evt-0"}, ids(got))

	got, err = l.Query(ctx, QueryFilter{AccountID: "acct-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"evt-4", "evt-1"}, ids(got))

	got, err = l.Query(ctx, QueryFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"evt-4", "evt-3"}, ids(got))

	start := time.Date(2026, 1, 1, 0, 3, 0, 0, time.UTC)
	got, err = l.Query(ctx, QueryFilter{StartTime: &start})
	require.NoError(t, err)
	assert.Equal(t, []string{"evt-5", "evt-4", "evt-3"}, ids(got))

	failed := false
	got, err = l.Query(ctx, QueryFilter{Success: &failed})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestNoopLogger(t *testing.T) {
	var l NoopLogger
	require.NoError(t, l.Log(context.Background(), *NewEvent(KindLogout)))
	got, err := l.Query(context.Background(), QueryFilter{})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, l.Close())
}
