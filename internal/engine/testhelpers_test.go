package engine

import (
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, hooks *Hooks) *Manager {
	t.Helper()
	return NewManager(Options{Logger: testLogger(), Hooks: hooks})
}

// backupDirs returns an empty source and an empty destination.
func backupDirs(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.Mkdir(src, 0o755))
	require.NoError(t, os.Mkdir(dst, 0o755))
	return src, dst
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// createTestTree populates root with:
//
//	a.txt b.txt c.txt
//	one/{x,y,z}.txt
//	two/deep/{x,y,z}.txt
func createTestTree(t *testing.T, root string) {
	t.Helper()
	for _, rel := range []string{
		"a.txt", "b.txt", "c.txt",
		"one/x.txt", "one/y.txt", "one/z.txt",
		"two/deep/x.txt", "two/deep/y.txt", "two/deep/z.txt",
	} {
		writeFile(t, filepath.Join(root, rel), "content of "+rel)
	}
}

// listTree maps every entry under root to its content; directories map to
// "/".
func listTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			out[rel] = "/"
		case d.Type().IsRegular():
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			out[rel] = string(data)
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func assertTreesEqual(t *testing.T, want, got string) {
	t.Helper()
	assert.Equal(t, listTree(t, want), listTree(t, got))
}
