package filter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.rules")
	content := `# runtime state
+ *.db
- *.sock

- cache/
scratch.txt
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	c := NewChain()
	require.NoError(t, c.LoadFile(path))

	require.Len(t, c.rules, 4)
	assert.True(t, c.rules[0].Include)
	for _, r := range c.rules[1:] {
		assert.False(t, r.Include, r.Pattern.String())
	}

	assert.True(t, c.Match("main.db", false, 1))
	assert.False(t, c.Match("run/app.sock", false, 1))
	assert.False(t, c.Match("cache", true, 0))
	assert.False(t, c.Match("scratch.txt", false, 1))
}

func TestLoadFile_Errors(t *testing.T) {
	assert.Error(t, NewChain().LoadFile(filepath.Join(t.TempDir(), "missing")))

	path := filepath.Join(t.TempDir(), "bad.rules")
	require.NoError(t, os.WriteFile(path, []byte("- ok\n+ [broken\n"), 0o644))
	err := NewChain().LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ":2:")
}
