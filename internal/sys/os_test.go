package sys

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestOS_ReadWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	var f OS

	fd, err := f.Open(path, unix.O_RDWR|unix.O_CREAT, 0o644)
	require.NoError(t, err)
	defer f.Close(fd)

	n, err := f.Pwrite(fd, []byte("hello world"), 0)
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	buf := make([]byte, 5)
	n, err = f.Pread(fd, buf, 6)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))

	require.NoError(t, f.Ftruncate(fd, 5))
	st, err := f.Fstat(fd)
	require.NoError(t, err)
	assert.True(t, st.IsRegular())
	assert.Equal(t, int64(5), st.Size)
}

func TestOS_ErrnoPreserved(t *testing.T) {
	var f OS
	_, err := f.Lstat(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, unix.ENOENT))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	dir := t.TempDir()
	err = f.Mkdir(dir, 0o755)
	assert.True(t, errors.Is(err, unix.EEXIST))
}

func TestOS_ReadDirAndLstat(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("a"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.Symlink("a", filepath.Join(dir, "link")))

	var f OS
	names, err := f.ReadDir(dir)
	require.NoError(t, err)
	sort.Strings(names)
	assert.Equal(t, []string{"a", "link", "sub"}, names)

	st, err := f.Lstat(filepath.Join(dir, "link"))
	require.NoError(t, err)
	assert.True(t, st.IsSymlink())

	st, err = f.Lstat(filepath.Join(dir, "sub"))
	require.NoError(t, err)
	assert.True(t, st.IsDir())
}

func TestOS_Realpath(t *testing.T) {
	dir := t.TempDir()
	real, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "x"), 0o755))
	require.NoError(t, os.Symlink("x", filepath.Join(dir, "y")))

	var f OS
	got, err := f.Realpath(filepath.Join(dir, "y", "..", "y"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(real, "x"), got)
}
