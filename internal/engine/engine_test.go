package engine

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/bamsammich/hotbackup/internal/event"
)

func TestBackup_CopiesTree(t *testing.T) {
	src, dst := backupDirs(t)
	createTestTree(t, src)
	require.NoError(t, os.Symlink("a.txt", filepath.Join(src, "link")))

	events := make(chan event.Event, 256)
	m := newTestManager(t, nil)
	res := m.DoBackup(context.Background(), Config{Source: src, Destination: dst, Events: events})
	close(events)
	require.NoError(t, res.Err)

	_, err := os.Lstat(filepath.Join(dst, "link"))
	assert.ErrorIs(t, err, os.ErrNotExist, "symlinks are not copied")
	require.NoError(t, os.Remove(filepath.Join(src, "link")))
	assertTreesEqual(t, src, dst)

	assert.NotEmpty(t, res.Session)
	assert.Equal(t, int64(9), res.Stats.FilesCopied)
	assert.Equal(t, int64(9), res.Stats.FilesTotal)
	assert.Equal(t, int64(3), res.Stats.DirsCreated)
	assert.Equal(t, int64(1), res.Stats.SymlinksSkipped)
	assert.Equal(t, res.Stats.BytesTotal, res.Stats.BytesCopied)

	assert.Equal(t, StateIdle, m.State())
	assert.False(t, m.Capturing())
	assert.Equal(t, 0, m.Files().Len())

	seen := make(map[event.Type]int)
	for e := range events {
		seen[e.Type]++
	}
	assert.Equal(t, 1, seen[event.BackupStarted])
	assert.Equal(t, 9, seen[event.FileCompleted])
	assert.Equal(t, 1, seen[event.BackupComplete])
	assert.Zero(t, seen[event.BackupFailed])
}

func TestBackup_LargeFileInChunks(t *testing.T) {
	src, dst := backupDirs(t)
	data := bytes.Repeat([]byte("0123456789abcdef"), 3*DefaultChunkSize/16+100)
	require.NoError(t, os.WriteFile(filepath.Join(src, "big.bin"), data, 0o644))

	var polls int
	m := newTestManager(t, nil)
	res := m.DoBackup(context.Background(), Config{
		Source:      src,
		Destination: dst,
		Callbacks: Callbacks{
			Poll: func(progress float64, _ string) int {
				assert.GreaterOrEqual(t, progress, 0.0)
				assert.LessOrEqual(t, progress, 1.0)
				polls++
				return 0
			},
		},
	})
	require.NoError(t, res.Err)

	got, err := os.ReadFile(filepath.Join(dst, "big.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
	// Two work items plus one poll per full chunk.
	assert.GreaterOrEqual(t, polls, 5)
}

func TestBackup_DestinationValidation(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, src, dst string) string
		want  unix.Errno
	}{
		{
			name:  "missing",
			setup: func(_ *testing.T, _, dst string) string { return filepath.Join(dst, "nope") },
			want:  unix.ENOENT,
		},
		{
			name: "not a directory",
			setup: func(t *testing.T, _, dst string) string {
				p := filepath.Join(dst, "file")
				writeFile(t, p, "x")
				return p
			},
			want: unix.ENOTDIR,
		},
		{
			name: "not empty",
			setup: func(t *testing.T, _, dst string) string {
				writeFile(t, filepath.Join(dst, "leftover"), "x")
				return dst
			},
			want: unix.ENOTEMPTY,
		},
		{
			name: "inside source",
			setup: func(t *testing.T, src, _ string) string {
				p := filepath.Join(src, "backup")
				require.NoError(t, os.Mkdir(p, 0o755))
				return p
			},
			want: unix.EINVAL,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, dst := backupDirs(t)
			createTestTree(t, src)
			target := tt.setup(t, src, dst)

			var reported int
			m := newTestManager(t, nil)
			res := m.DoBackup(context.Background(), Config{
				Source:      src,
				Destination: target,
				Callbacks: Callbacks{
					ReportError: func(code int, _ string) { reported = code },
				},
			})
			require.ErrorIs(t, res.Err, tt.want)
			assert.Equal(t, int(tt.want), reported)
			assert.Equal(t, StateIdle, m.State())
			assert.False(t, m.Dead())
		})
	}
}

func TestBackup_SetupFailureReturnsToIdle(t *testing.T) {
	src, dst := backupDirs(t)
	createTestTree(t, src)
	inside := filepath.Join(src, "backup")
	require.NoError(t, os.Mkdir(inside, 0o755))

	m := newTestManager(t, nil)
	res := m.DoBackup(context.Background(), Config{Source: src, Destination: inside})
	require.ErrorIs(t, res.Err, unix.EINVAL)
	assert.Equal(t, StateIdle, m.State())
	assert.False(t, m.Capturing())

	require.NoError(t, os.Remove(inside))
	res = m.DoBackup(context.Background(), Config{Source: src, Destination: dst})
	require.NoError(t, res.Err)
	assertTreesEqual(t, src, dst)
}

func TestBackup_AlreadyRunning(t *testing.T) {
	src, dst := backupDirs(t)
	createTestTree(t, src)
	otherDst := filepath.Join(filepath.Dir(dst), "other")
	require.NoError(t, os.Mkdir(otherDst, 0o755))

	paused := make(chan struct{})
	resume := make(chan struct{})
	var once sync.Once
	m := newTestManager(t, &Hooks{Pause: func(p HookPoint, _ string) {
		if p == BeforeChunk {
			once.Do(func() {
				close(paused)
				<-resume
			})
		}
	}})

	done := make(chan Result, 1)
	go func() {
		done <- m.DoBackup(context.Background(), Config{Source: src, Destination: dst})
	}()
	<-paused
	assert.Equal(t, StateCapturing, m.State())
	assert.True(t, m.Capturing())

	var reported int
	res := m.DoBackup(context.Background(), Config{
		Source:      src,
		Destination: otherDst,
		Callbacks:   Callbacks{ReportError: func(code int, _ string) { reported = code }},
	})
	require.ErrorIs(t, res.Err, ErrAlreadyRunning)
	assert.Equal(t, int(unix.EALREADY), reported)

	close(resume)
	first := <-done
	require.NoError(t, first.Err)
	assertTreesEqual(t, src, dst)
	assert.Empty(t, listTree(t, otherDst))
}

func TestBackup_AbortFromPoll(t *testing.T) {
	src, dst := backupDirs(t)
	createTestTree(t, src)

	var polls int
	var reported int
	m := newTestManager(t, nil)
	res := m.DoBackup(context.Background(), Config{
		Source:      src,
		Destination: dst,
		Callbacks: Callbacks{
			Poll: func(float64, string) int {
				polls++
				if polls == 4 {
					return 7
				}
				return 0
			},
			ReportError: func(code int, _ string) { reported = code },
		},
	})

	var abort *AbortError
	require.ErrorAs(t, res.Err, &abort)
	assert.Equal(t, 7, abort.Code)
	assert.Equal(t, 7, reported)
	assert.Equal(t, 4, polls, "no polls after the abort")
	assert.Equal(t, 0, m.Files().Len())
	assert.Equal(t, StateIdle, m.State())
	assert.False(t, m.Dead())

	// The manager is reusable after an abort.
	fresh := filepath.Join(filepath.Dir(dst), "fresh")
	require.NoError(t, os.Mkdir(fresh, 0o755))
	res = m.DoBackup(context.Background(), Config{Source: src, Destination: fresh})
	require.NoError(t, res.Err)
	assertTreesEqual(t, src, fresh)
}

func TestBackup_ContextCanceled(t *testing.T) {
	src, dst := backupDirs(t)
	createTestTree(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var reported int
	m := newTestManager(t, nil)
	res := m.DoBackup(ctx, Config{
		Source:      src,
		Destination: dst,
		Callbacks:   Callbacks{ReportError: func(code int, _ string) { reported = code }},
	})
	require.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, int(unix.ECANCELED), reported)
	assert.Equal(t, 0, m.Files().Len())
}

func TestBackup_Throttle(t *testing.T) {
	src, dst := backupDirs(t)
	data := bytes.Repeat([]byte{'x'}, 256<<10)
	require.NoError(t, os.WriteFile(filepath.Join(src, "f"), data, 0o644))

	m := NewManager(Options{
		Logger:    testLogger(),
		ChunkSize: 64 << 10,
	})

	var reads int
	start := time.Now()
	res := m.DoBackup(context.Background(), Config{
		Source:      src,
		Destination: dst,
		Callbacks: Callbacks{
			Throttle: func() uint64 {
				reads++
				return 512 << 10
			},
		},
	})
	elapsed := time.Since(start)
	require.NoError(t, res.Err)

	// 256 KiB at 512 KiB/s.
	assert.GreaterOrEqual(t, elapsed, 450*time.Millisecond)
	assert.GreaterOrEqual(t, reads, 4, "rate is re-read for every chunk")
	assertTreesEqual(t, src, dst)
}

func TestBackup_ThrottleIsPerFile(t *testing.T) {
	src, dst := backupDirs(t)
	writeFile(t, filepath.Join(src, "a"), "x")
	require.NoError(t, os.WriteFile(filepath.Join(src, "b"), bytes.Repeat([]byte{'y'}, 256<<10), 0o644))

	var bStart time.Time
	m := NewManager(Options{
		Logger:    testLogger(),
		ChunkSize: 64 << 10,
		Hooks: &Hooks{Pause: func(p HookPoint, rel string) {
			if p != BeforeCreateDestination {
				return
			}
			switch rel {
			case "a":
				// Time spent before b must not count toward b's budget.
				time.Sleep(time.Second)
			case "b":
				bStart = time.Now()
			}
		}},
	})

	res := m.DoBackup(context.Background(), Config{
		Source:      src,
		Destination: dst,
		Callbacks:   Callbacks{Throttle: func() uint64 { return 512 << 10 }},
	})
	require.NoError(t, res.Err)
	require.False(t, bStart.IsZero())

	// b alone is 256 KiB at 512 KiB/s.
	assert.GreaterOrEqual(t, time.Since(bStart), 450*time.Millisecond)
	assertTreesEqual(t, src, dst)
}

func TestBackup_ThrottleLiftedMidSleep(t *testing.T) {
	src, dst := backupDirs(t)
	require.NoError(t, os.WriteFile(filepath.Join(src, "f"), bytes.Repeat([]byte{'z'}, 128<<10), 0o644))

	m := NewManager(Options{Logger: testLogger(), ChunkSize: 64 << 10})

	var lifted atomic.Bool
	time.AfterFunc(200*time.Millisecond, func() { lifted.Store(true) })

	start := time.Now()
	res := m.DoBackup(context.Background(), Config{
		Source:      src,
		Destination: dst,
		Callbacks: Callbacks{Throttle: func() uint64 {
			if lifted.Load() {
				return 0
			}
			return 1
		}},
	})
	require.NoError(t, res.Err)

	// At 1 B/s a single chunk would take hours; the lifted limit is picked
	// up within one capped sleep.
	assert.Less(t, time.Since(start), 5*time.Second)
	assertTreesEqual(t, src, dst)
}

func TestBackup_ThrottleUnlimited(t *testing.T) {
	src, dst := backupDirs(t)
	createTestTree(t, src)

	m := newTestManager(t, nil)
	m.SetThrottle(0)
	assert.Equal(t, ^uint64(0), m.Throttle())

	res := m.DoBackup(context.Background(), Config{Source: src, Destination: dst})
	require.NoError(t, res.Err)
	assertTreesEqual(t, src, dst)
}

func TestBackup_Exclude(t *testing.T) {
	src, dst := backupDirs(t)
	createTestTree(t, src)
	writeFile(t, filepath.Join(src, "one", "scratch.tmp"), "skip me")

	m := newTestManager(t, nil)
	res := m.DoBackup(context.Background(), Config{
		Source:      src,
		Destination: dst,
		Callbacks: Callbacks{
			Exclude: func(p string) bool {
				return filepath.Ext(p) == ".tmp" || filepath.Base(p) == "two"
			},
		},
	})
	require.NoError(t, res.Err)

	got := listTree(t, dst)
	assert.NotContains(t, got, "one/scratch.tmp")
	assert.NotContains(t, got, "two")
	assert.Contains(t, got, "one/x.txt")
	assert.Equal(t, int64(2), res.Stats.FilesExcluded)
}

func TestManager_DeadAfterFatalError(t *testing.T) {
	src, dst := backupDirs(t)

	m := newTestManager(t, nil)
	f := m.files.GetOrCreate(filepath.Join(src, "x"))
	require.NoError(t, m.files.Release(f))
	m.release(f)

	assert.True(t, m.Dead())
	assert.Equal(t, StateDead, m.State())

	var reported int
	res := m.DoBackup(context.Background(), Config{
		Source:      src,
		Destination: dst,
		Callbacks:   Callbacks{ReportError: func(code int, _ string) { reported = code }},
	})
	require.ErrorIs(t, res.Err, ErrDead)
	assert.Equal(t, int(unix.ENOTRECOVERABLE), reported)
	assert.Empty(t, listTree(t, dst))
}
