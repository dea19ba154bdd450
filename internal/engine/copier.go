package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/bamsammich/hotbackup/internal/event"
	"github.com/bamsammich/hotbackup/internal/stats"
)

// chunkResult says what happened to one chunk of a file copy.
type chunkResult int

const (
	chunkCopied chunkResult = iota
	chunkEOF
	chunkGone // the source name was unlinked mid-copy
	chunkHole // the whole chunk is a hole; nothing written
)

// copier walks the source tree depth-first and copies every regular file
// into the backup, one chunk per lock hold.
type copier struct {
	m     *Manager
	sess  *Session
	cb    Callbacks
	stats *stats.Collector
	log   *slog.Logger
	buf   []byte

	mu   sync.Mutex
	todo []string // relative paths; a stack
}

func newCopier(m *Manager, sess *Session, cb Callbacks, collector *stats.Collector, log *slog.Logger) *copier {
	return &copier{
		m:     m,
		sess:  sess,
		cb:    cb,
		stats: collector,
		log:   log,
		buf:   make([]byte, m.chunkSize),
		todo:  []string{"."},
	}
}

// enqueue schedules rel for a (possibly repeated) copy.
func (c *copier) enqueue(rel string) {
	c.mu.Lock()
	c.todo = append(c.todo, rel)
	c.mu.Unlock()
}

func (c *copier) pop() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.todo) == 0 {
		return "", false
	}
	rel := c.todo[len(c.todo)-1]
	c.todo = c.todo[:len(c.todo)-1]
	return rel, true
}

func (c *copier) run(ctx context.Context) error {
	for {
		if err := c.checkpoint(ctx); err != nil {
			return err
		}
		rel, ok := c.pop()
		if !ok {
			return nil
		}
		if err := c.poll(rel); err != nil {
			return err
		}
		if err := c.copyEntry(ctx, rel); err != nil {
			return err
		}
	}
}

// checkpoint stops the copy once an error was recorded or ctx is done.
func (c *copier) checkpoint(ctx context.Context) error {
	if !c.m.copying.Load() {
		return errCopyStopped
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("backup canceled: %w", err)
	}
	return nil
}

func (c *copier) poll(msg string) error {
	if c.cb.Poll == nil {
		return nil
	}
	if code := c.cb.Poll(c.stats.Progress(), msg); code != 0 {
		return &AbortError{Code: code}
	}
	return nil
}

func (c *copier) emit(typ event.Type, rel string, size int64) {
	c.m.emit(event.Event{Type: typ, Session: c.sess.ID(), Path: rel, Size: size})
}

func (c *copier) vanished(rel string) {
	c.log.Debug("file vanished", "path", rel)
	c.stats.AddFilesVanished(1)
	c.emit(event.FileVanished, rel, 0)
}

func (c *copier) copyEntry(ctx context.Context, rel string) error {
	src := c.sess.SourcePath(rel)
	if rel != "." && c.m.excluded(src) {
		c.stats.AddFilesExcluded(1)
		c.emit(event.FileExcluded, rel, 0)
		return nil
	}

	st, err := c.m.sys.Lstat(src)
	if err != nil {
		if isNotExist(err) {
			c.vanished(rel)
			return nil
		}
		return envError("stat", src, err)
	}

	switch {
	case st.IsDir():
		return c.copyDir(rel, src, uint32(st.Mode.Perm()))
	case st.IsRegular():
		return c.copyFile(ctx, rel, src)
	case st.IsSymlink():
		c.log.Debug("skipping symlink", "path", rel)
		c.stats.AddSymlinksSkipped(1)
		c.emit(event.SymlinkSkipped, rel, 0)
	default:
		c.log.Debug("skipping special file", "path", rel, "mode", st.Mode.String())
	}
	return nil
}

func (c *copier) copyDir(rel, src string, perm uint32) error {
	if rel != "." {
		dst := c.sess.BackupPath(rel)
		if err := c.m.sys.Mkdir(dst, perm|0o700); err != nil {
			switch {
			case isExist(err):
			case isNotExist(err):
				// The parent left the backup with a concurrent rename.
				c.vanished(rel)
				return nil
			default:
				return envError("mkdir", dst, err)
			}
		} else {
			c.stats.AddDirsCreated(1)
			c.emit(event.DirCreated, rel, 0)
		}
	}

	names, err := c.m.sys.ReadDir(src)
	if err != nil {
		if isNotExist(err) {
			c.vanished(rel)
			return nil
		}
		return envError("readdir", src, err)
	}
	sort.Strings(names)

	children := make([]string, 0, len(names))
	for _, name := range names {
		child := name
		if rel != "." {
			child = rel + "/" + name
		}
		children = append(children, child)
		childSrc := c.sess.SourcePath(child)
		if c.m.excluded(childSrc) {
			continue
		}
		if st, err := c.m.sys.Lstat(childSrc); err == nil && st.IsRegular() {
			c.stats.AddFilesTotal(1)
			c.stats.AddBytesTotal(st.Size)
		}
	}

	// Pushed in reverse so entries pop in name order.
	c.mu.Lock()
	for i := len(children) - 1; i >= 0; i-- {
		c.todo = append(c.todo, children[i])
	}
	c.mu.Unlock()
	return nil
}

func (c *copier) copyFile(ctx context.Context, rel, src string) error {
	f := c.m.files.GetOrCreate(src)
	// Registered before the call below so it runs after the source close.
	defer c.m.release(f)

	fd, err := c.m.sys.Open(src, unix.O_RDONLY, 0)
	if err != nil {
		if isNotExist(err) {
			c.vanished(rel)
			return nil
		}
		return envError("open", src, err)
	}
	defer func() {
		if err := c.m.sys.Close(fd); err != nil {
			c.log.Debug("close source", "path", rel, "error", err)
		}
	}()
	c.emit(event.FileStarted, rel, 0)

	c.m.hooks.pause(BeforeCreateDestination, rel)
	f.LockRange(0, rangeEnd)
	dest, err := c.m.ensureDestination(c.sess, f)
	f.UnlockRange(0, rangeEnd)
	if err != nil {
		return err
	}
	if dest == nil {
		c.vanished(rel)
		return nil
	}
	c.m.hooks.pause(AfterCreateDestination, rel)

	chunk := int64(len(c.buf))
	lim := c.newLimiter()
	var off int64
	for {
		if err := c.checkpoint(ctx); err != nil {
			return err
		}
		c.m.hooks.pause(BeforeChunk, rel)

		f.LockRange(off, off+chunk)
		n, res, err := c.copyChunk(f, fd, off)
		f.UnlockRange(off, off+chunk)
		if err != nil {
			return err
		}

		switch {
		case res == chunkHole:
			off += n
			c.stats.AddBytesSparse(n)
			continue
		case n > 0:
			off += n
			c.stats.AddBytesCopied(n)
			copiedBytesTotal.Add(float64(n))
		}
		switch res {
		case chunkGone:
			c.vanished(rel)
			return nil
		case chunkEOF:
			c.stats.AddFilesCopied(1)
			c.emit(event.FileCompleted, rel, off)
			return nil
		}

		if err := c.poll("copying " + rel); err != nil {
			return err
		}
		if err := c.throttle(ctx, lim, int(n)); err != nil {
			return err
		}
	}
}

// copyChunk copies at most one buffer from off. A chunk that lies wholly
// in a hole is skipped, leaving a hole in the backup too. At EOF the backup
// copy is cut to the source's current size, which drops bytes a concurrent
// truncate removed behind the copier. Caller holds f's range lock.
func (c *copier) copyChunk(f *TrackedFile, fd int, off int64) (int64, chunkResult, error) {
	if f.Unlinked() {
		return 0, chunkGone, nil
	}
	dest := f.destinationFor(c.sess)
	if dest == nil {
		return 0, chunkGone, nil
	}

	chunk := int64(len(c.buf))
	next, err := c.nextData(fd, off)
	if err != nil {
		return 0, chunkCopied, envError("seek", f.Path(), err)
	}
	if next < 0 {
		return 0, chunkEOF, c.finish(f, fd, dest)
	}
	if next >= off+chunk {
		return chunk, chunkHole, nil
	}

	n, err := c.m.sys.Pread(fd, c.buf, off)
	if err != nil {
		return 0, chunkCopied, envError("read", f.Path(), err)
	}
	if n == 0 {
		return 0, chunkEOF, c.finish(f, fd, dest)
	}
	if err := dest.Pwrite(c.buf[:n], off); err != nil {
		return 0, chunkCopied, err
	}
	return int64(n), chunkCopied, nil
}

// finish sets the backup copy's size to the source's.
func (c *copier) finish(f *TrackedFile, fd int, dest *DestinationFile) error {
	st, err := c.m.sys.Fstat(fd)
	if err != nil {
		return envError("stat", f.Path(), err)
	}
	return dest.Truncate(st.Size)
}

// rate returns the current limit in bytes/sec, re-read on every call so a
// change takes effect before the next chunk.
func (c *copier) rate() uint64 {
	if c.cb.Throttle != nil {
		return c.cb.Throttle()
	}
	return c.m.throttle.Load()
}

func limitFor(bps uint64) rate.Limit {
	if bps == 0 || bps == math.MaxUint64 {
		return rate.Inf
	}
	return rate.Limit(bps)
}

// newLimiter returns a limiter for one file's copy. Its bucket starts empty
// so the file's first chunk is paced like the rest.
func (c *copier) newLimiter() *rate.Limiter {
	burst := len(c.buf)
	lim := rate.NewLimiter(limitFor(c.rate()), burst)
	lim.AllowN(c.m.sys.Now(), burst)
	return lim
}

// throttle waits until n more bytes fit the file's rate limit. Sleeps are
// capped at a second so cancellation and rate changes are seen promptly.
func (c *copier) throttle(ctx context.Context, lim *rate.Limiter, n int) error {
	now := c.m.sys.Now()
	limit := limitFor(c.rate())
	lim.SetLimitAt(now, limit)
	res := lim.ReserveN(now, n)
	for {
		if !res.OK() {
			return nil
		}
		if err := c.checkpoint(ctx); err != nil {
			res.CancelAt(c.m.sys.Now())
			return err
		}
		now = c.m.sys.Now()
		if l := limitFor(c.rate()); l != limit {
			res.CancelAt(now)
			limit = l
			lim.SetLimitAt(now, limit)
			res = lim.ReserveN(now, n)
			if !res.OK() {
				return nil
			}
		}
		delay := res.DelayFrom(now)
		if delay <= 0 {
			return nil
		}
		wait := min(delay, time.Second)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			res.CancelAt(c.m.sys.Now())
			return fmt.Errorf("backup canceled: %w", ctx.Err())
		case <-t.C:
		}
		throttleSleepSeconds.Add(wait.Seconds())
	}
}
