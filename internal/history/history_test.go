package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_RecordAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := Run{
		Session:     "s1",
		Source:      "/data",
		Destination: "/backups/1",
		Started:     base,
		Finished:    base.Add(90 * time.Second),
		Result:      "ok",
		FilesCopied: 10,
		BytesCopied: 4096,
	}
	second := Run{
		Session:     "s2",
		Source:      "/data",
		Destination: "/backups/2",
		Started:     base.Add(time.Hour),
		Finished:    base.Add(time.Hour + time.Second),
		Result:      "failed",
		ErrorCode:   28,
		Error:       "write /backups/2/db: no space left on device",
		Mismatches:  []string{"db/main", "db/wal"},
	}
	require.NoError(t, s.Record(ctx, first))
	require.NoError(t, s.Record(ctx, second))

	runs, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, "s2", runs[0].Session, "newest first")
	assert.Equal(t, 28, runs[0].ErrorCode)
	assert.Equal(t, []string{"db/main", "db/wal"}, runs[0].Mismatches)

	assert.Equal(t, "s1", runs[1].Session)
	assert.Equal(t, 90*time.Second, runs[1].Duration())
	assert.Equal(t, int64(4096), runs[1].BytesCopied)
	assert.True(t, base.Equal(runs[1].Started))
	assert.Empty(t, runs[1].Mismatches)

	limited, err := s.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	last, err := s.Last(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s2", last.Session)
}

func TestStore_Errors(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Last(ctx)
	assert.ErrorIs(t, err, ErrNoRuns)

	assert.Error(t, s.Record(ctx, Run{}))

	r := Run{Session: "dup", Started: time.Now(), Finished: time.Now(), Result: "ok"}
	require.NoError(t, s.Record(ctx, r))
	assert.Error(t, s.Record(ctx, r), "session ids are unique")
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Record(context.Background(), Run{Session: "kept", Started: time.Now(), Finished: time.Now(), Result: "ok"}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	last, err := s.Last(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "kept", last.Session)
	assert.Equal(t, path, s.Path())
}
