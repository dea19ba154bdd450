package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// makeSparse writes head at 0 and tail at size-len(tail), leaving a hole
// between them. It reports whether the filesystem kept the hole.
func makeSparse(t *testing.T, path string, size int64, head, tail string) bool {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Truncate(size))
	_, err = f.WriteAt([]byte(head), 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte(tail), size-int64(len(tail)))
	require.NoError(t, err)
	require.NoError(t, f.Sync())

	next, err := unix.Seek(int(f.Fd()), 1<<20, unix.SEEK_DATA)
	return err == nil && next > 1<<20
}

func TestBackup_SparseFile(t *testing.T) {
	src, dst := backupDirs(t)
	const size = 4 << 20
	holes := makeSparse(t, filepath.Join(src, "disk.img"), size, "head", "tail")

	m := NewManager(Options{Logger: testLogger(), ChunkSize: 64 << 10})
	res := m.DoBackup(context.Background(), Config{Source: src, Destination: dst})
	require.NoError(t, res.Err)

	assertTreesEqual(t, src, dst)
	assert.Equal(t, int64(size), res.Stats.BytesTotal)
	assert.Equal(t, int64(size), res.Stats.BytesCopied+res.Stats.BytesSparse)
	if !holes {
		t.Skip("filesystem does not report holes")
	}
	assert.Positive(t, res.Stats.BytesSparse)

	var st unix.Stat_t
	require.NoError(t, unix.Stat(filepath.Join(dst, "disk.img"), &st))
	assert.Less(t, st.Blocks*512, int64(size), "backup copy keeps the hole")
}

func TestBackup_WriteIntoHoleDuringCopy(t *testing.T) {
	src, dst := backupDirs(t)
	path := filepath.Join(src, "disk.img")
	const size = 1 << 20
	makeSparse(t, path, size, "head", "tail")

	var m *Manager
	m = NewManager(Options{Logger: testLogger(), ChunkSize: 64 << 10})
	m.hooks = pauseAt(AfterCreateDestination, "disk.img", func() {
		fd, err := m.Open(path, unix.O_WRONLY, 0)
		require.NoError(t, err)
		_, err = m.Pwrite(fd, []byte("filled"), 512<<10)
		require.NoError(t, err)
		require.NoError(t, m.Close(fd))
	})

	res := m.DoBackup(context.Background(), Config{Source: src, Destination: dst})
	require.NoError(t, res.Err)
	assertTreesEqual(t, src, dst)
}
