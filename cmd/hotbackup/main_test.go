package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/hotbackup/internal/config"
	"github.com/bamsammich/hotbackup/internal/engine"
	"github.com/bamsammich/hotbackup/internal/filter"
	"github.com/bamsammich/hotbackup/internal/history"
)

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func TestApplyConfigDefaults(t *testing.T) {
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--throttle", "5M"}))

	f := flags{throttle: "5M", history: true}
	chain := filter.NewChain()
	err := applyConfigDefaults(cmd, config.DefaultsConfig{
		Throttle:  strPtr("1M"),
		ChunkSize: strPtr("64K"),
		Verify:    boolPtr(true),
		History:   boolPtr(false),
		Exclude:   []string{"*.tmp"},
	}, &f, chain)
	require.NoError(t, err)

	assert.Equal(t, "5M", f.throttle, "flag set on the command line wins")
	assert.Equal(t, "64K", f.chunkSize)
	assert.True(t, f.verify)
	assert.False(t, f.history)
	assert.False(t, chain.Empty())
	assert.False(t, chain.Match("scratch.tmp", false, 1))
}

func TestApplyConfigDefaults_BadExclude(t *testing.T) {
	cmd := newRootCmd()
	f := flags{}
	err := applyConfigDefaults(cmd, config.DefaultsConfig{Exclude: []string{"[unclosed"}}, &f, filter.NewChain())
	assert.Error(t, err)
}

func TestBuildOptions(t *testing.T) {
	src := t.TempDir()

	opts, err := buildOptions(flags{throttle: "2M", chunkSize: "64K"}, filter.NewChain(), src, "/dst")
	require.NoError(t, err)
	assert.Equal(t, uint64(2<<20), opts.Throttle)
	assert.Equal(t, 64<<10, opts.ChunkSize)
	assert.Nil(t, opts.Exclude, "no rules means no predicate")

	chain := filter.NewChain()
	require.NoError(t, chain.AddExclude("*.log"))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.log"), []byte("x"), 0o644))
	opts, err = buildOptions(flags{}, chain, src, "/dst")
	require.NoError(t, err)
	require.NotNil(t, opts.Exclude)
	assert.True(t, opts.Exclude(filepath.Join(canonicalRoot(src), "a.log")))

	for _, bad := range []flags{
		{throttle: "fast"},
		{chunkSize: "0"},
		{chunkSize: "2G"},
		{minSize: "x"},
		{filterFile: filepath.Join(src, "missing")},
	} {
		_, err := buildOptions(bad, filter.NewChain(), src, "/dst")
		assert.Error(t, err, "%+v", bad)
	}
}

func TestResultLabel(t *testing.T) {
	assert.Equal(t, "ok", resultLabel(nil))
	assert.Equal(t, "aborted", resultLabel(&engine.AbortError{Code: 3}))
	assert.Equal(t, "aborted", resultLabel(context.Canceled))
	assert.Equal(t, "failed", resultLabel(assert.AnError))
}

func TestExitCodeFor(t *testing.T) {
	partial := engine.Result{}
	partial.Stats.FilesCopied = 3
	assert.Equal(t, 1, exitCodeFor(partial))
	assert.Equal(t, 2, exitCodeFor(engine.Result{}))
}

func TestLockDestination(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())
	dst := t.TempDir()

	lock, err := lockDestination(dst)
	require.NoError(t, err)
	defer lock.Unlock() //nolint:errcheck

	_, err = lockDestination(dst)
	assert.ErrorIs(t, err, errLocked)
}

func TestRunBackup(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())
	t.Setenv("XDG_STATE_HOME", t.TempDir())
	src, dst := t.TempDir(), t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "f"), []byte("hello"), 0o644))

	err := runBackup(context.Background(), backupOptions{
		Source:      src,
		Destination: dst,
		Verify:      true,
		History:     true,
		Quiet:       true,
	}, testLogger())
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dst, "sub", "f"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	store, err := history.Open(config.HistoryPath())
	require.NoError(t, err)
	defer store.Close()
	last, err := store.Last(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", last.Result)
	assert.Equal(t, int64(1), last.FilesCopied)
	assert.Empty(t, last.Mismatches)
}

func TestRunBackup_NonEmptyDestination(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())
	src, dst := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dst, "old"), []byte("x"), 0o644))

	err := runBackup(context.Background(), backupOptions{Source: src, Destination: dst, Quiet: true}, testLogger())
	var exitErr *exitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.code)
}

func TestVerifyBackup(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "f"), []byte("same"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dst, "f"), []byte("same"), 0o644))

	var out bytes.Buffer
	require.NoError(t, verifyBackup(context.Background(), src, dst, &out))
	assert.Contains(t, out.String(), "verified 1, mismatched 0")

	require.NoError(t, os.WriteFile(filepath.Join(dst, "f"), []byte("diff"), 0o644))
	out.Reset()
	err := verifyBackup(context.Background(), src, dst, &out)
	var exitErr *exitError
	require.ErrorAs(t, err, &exitErr)
	assert.Contains(t, out.String(), "MISMATCH: f")
}

func TestPrintRuns(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.Local)
	var out bytes.Buffer
	require.NoError(t, printRuns(&out, []history.Run{{
		Session:     "s",
		Source:      "/data",
		Destination: "/bk",
		Started:     start,
		Finished:    start.Add(time.Minute),
		Result:      "ok",
		FilesCopied: 1200,
		Mismatches:  []string{"x"},
	}}))
	assert.Contains(t, out.String(), "2026-01-02 03:04:05")
	assert.Contains(t, out.String(), "ok (1 mismatched)")
	assert.Contains(t, out.String(), "1,200")
	assert.Contains(t, out.String(), "1m 00s")
}

func TestServeMetrics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serveMetrics(ctx, "127.0.0.1:0", testLogger()) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not stop")
	}

	err := serveMetrics(context.Background(), "not-an-address", testLogger())
	assert.Error(t, err)
}
