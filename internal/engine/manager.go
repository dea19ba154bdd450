package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bamsammich/hotbackup/internal/event"
	"github.com/bamsammich/hotbackup/internal/stats"
	"github.com/bamsammich/hotbackup/internal/sys"
)

// State is the manager's lifecycle state. Transitions:
//
//	idle      -> preparing
//	preparing -> capturing | disabling
//	preparing -> idle      (the session could not be set up)
//	capturing -> disabling
//	disabling -> idle
//	any       -> dead (terminal)
type State int32

const (
	StateIdle State = iota
	StatePreparing
	StateCapturing
	StateDisabling
	StateDead
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StateCapturing:
		return "capturing"
	case StateDisabling:
		return "disabling"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// DefaultChunkSize is the copier's read/write unit.
const DefaultChunkSize = 1 << 20 // 1 MiB

// Options configures a Manager.
type Options struct {
	Sys       sys.Facade
	Logger    *slog.Logger
	Hooks     *Hooks
	ChunkSize int
	// Throttle is the initial copy rate in bytes/sec; zero is unlimited.
	Throttle uint64
}

// Manager coordinates hot backups of a live directory tree. The embedding
// application routes its file operations through the Manager's Open, Write,
// Rename, ... methods; DoBackup copies the tree while those operations are
// mirrored into the backup.
type Manager struct {
	sys       sys.Facade
	log       *slog.Logger
	hooks     *Hooks
	chunkSize int

	files *Registry
	fds   *DescriptorTable

	// backupMu admits one DoBackup at a time; contenders fail fast.
	backupMu sync.Mutex

	sessionMu sync.RWMutex
	session   *Session

	state     atomic.Int32
	dead      atomic.Bool
	capturing atomic.Bool
	copying   atomic.Bool
	throttle  atomic.Uint64

	copier    atomic.Pointer[copier]
	stats     atomic.Pointer[stats.Collector]
	events    atomic.Pointer[chan<- event.Event]
	callbacks atomic.Pointer[Callbacks]

	errMu  sync.Mutex
	runErr error
}

// NewManager creates an idle manager.
func NewManager(opts Options) *Manager {
	m := &Manager{
		sys:       opts.Sys,
		log:       opts.Logger,
		hooks:     opts.Hooks,
		chunkSize: opts.ChunkSize,
		files:     NewRegistry(),
		fds:       NewDescriptorTable(),
	}
	if m.sys == nil {
		m.sys = sys.OS{}
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.chunkSize <= 0 {
		m.chunkSize = DefaultChunkSize
	}
	m.SetThrottle(opts.Throttle)
	m.stats.Store(stats.NewCollector())
	return m
}

// SetThrottle sets the copy rate limit in bytes/sec. It may be called at
// any time; the copier picks it up before its next chunk. Zero means
// unlimited.
func (m *Manager) SetThrottle(bytesPerSec uint64) {
	if bytesPerSec == 0 {
		bytesPerSec = math.MaxUint64
	}
	m.throttle.Store(bytesPerSec)
}

// Throttle returns the current copy rate limit in bytes/sec.
func (m *Manager) Throttle() uint64 { return m.throttle.Load() }

// State returns the current lifecycle state.
func (m *Manager) State() State { return State(m.state.Load()) }

// Dead reports whether a fatal error has disabled the manager.
func (m *Manager) Dead() bool { return m.dead.Load() }

// Capturing reports whether live writes are being mirrored.
func (m *Manager) Capturing() bool { return m.capturing.Load() }

// Stats returns counters for the current or most recent backup.
func (m *Manager) Stats() stats.Snapshot { return m.stats.Load().Snapshot() }

// Files exposes the tracked-file registry.
func (m *Manager) Files() *Registry { return m.files }

// Descriptors exposes the live descriptor table.
func (m *Manager) Descriptors() *DescriptorTable { return m.fds }

// DoBackup copies cfg.Source into the empty directory cfg.Destination while
// mirroring live changes, and blocks until the copy finishes or fails.
func (m *Manager) DoBackup(ctx context.Context, cfg Config) Result {
	if m.dead.Load() {
		return m.reject(cfg, ErrDead, "dead")
	}
	if err := m.validateDestination(cfg.Destination); err != nil {
		return m.reject(cfg, err, "failed")
	}
	if !m.backupMu.TryLock() {
		return m.reject(cfg, ErrAlreadyRunning, "busy")
	}
	defer m.backupMu.Unlock()
	if m.dead.Load() {
		return m.reject(cfg, ErrDead, "dead")
	}

	start := time.Now()
	collector := cfg.Stats
	if collector == nil {
		collector = stats.NewCollector()
	}
	m.stats.Store(collector)
	events := cfg.Events
	m.events.Store(&events)
	cb := cfg.Callbacks
	m.callbacks.Store(&cb)
	m.errMu.Lock()
	m.runErr = nil
	m.errMu.Unlock()

	res := m.run(ctx, cfg, collector)
	res.Stats = collector.Snapshot()

	backupDuration.Observe(time.Since(start).Seconds())
	var abort *AbortError
	switch {
	case res.Err == nil:
		backupsTotal.WithLabelValues("ok").Inc()
		m.emit(event.Event{Type: event.BackupComplete, Session: res.Session, Size: res.Stats.BytesCopied})
	case errors.As(res.Err, &abort):
		backupsTotal.WithLabelValues("aborted").Inc()
	default:
		backupsTotal.WithLabelValues("failed").Inc()
	}
	if res.Err != nil {
		m.emit(event.Event{Type: event.BackupFailed, Session: res.Session, Error: res.Err})
		m.report(cfg.Callbacks, res.Err)
	}
	return res
}

func (m *Manager) run(ctx context.Context, cfg Config, collector *stats.Collector) Result {
	m.setState(StatePreparing)

	sess, err := NewSession(m.sys, cfg.Source, cfg.Destination)
	if err == nil {
		err = m.checkRoots(sess)
	}
	if err != nil {
		m.setState(StateIdle)
		return Result{Err: err}
	}
	log := m.log.With("session", sess.ID())
	log.Info("backup started", "source", sess.Source(), "destination", sess.Destination())
	m.emit(event.Event{Type: event.BackupStarted, Session: sess.ID()})

	m.sessionMu.Lock()
	m.session = sess
	m.copying.Store(true)
	m.sessionMu.Unlock()

	// Files opened before the session existed get their backup handle
	// before capture starts.
	m.prepareDescriptors(sess, log)

	var copyErr error
	if m.firstError() == nil {
		m.capturing.Store(true)
		m.setState(StateCapturing)
		m.emit(event.Event{Type: event.CaptureEnabled, Session: sess.ID()})

		c := newCopier(m, sess, cfg.Callbacks, collector, log)
		m.copier.Store(c)
		copyErr = c.run(ctx)
		m.copier.Store(nil)
	}

	m.setState(StateDisabling)
	m.capturing.Store(false)
	m.copying.Store(false)
	m.retireSession(sess, log)
	m.emit(event.Event{Type: event.CaptureDisabled, Session: sess.ID()})
	m.setState(StateIdle)

	if copyErr != nil && !errors.Is(copyErr, errCopyStopped) {
		m.fail(copyErr)
	}
	err = m.firstError()
	if err == nil && copyErr != nil {
		err = copyErr
	}
	if err != nil {
		log.Error("backup failed", "error", err)
	} else {
		log.Info("backup complete", "stats", collector.Snapshot().String())
	}
	return Result{Session: sess.ID(), Err: err}
}

// reject ends a DoBackup call that never acquired the manager.
func (m *Manager) reject(cfg Config, err error, result string) Result {
	backupsTotal.WithLabelValues(result).Inc()
	m.report(cfg.Callbacks, err)
	return Result{Err: err}
}

func (m *Manager) report(cb Callbacks, err error) {
	if cb.ReportError == nil {
		return
	}
	cb.ReportError(ErrorCode(err), err.Error())
}

func (m *Manager) validateDestination(dest string) error {
	path, err := m.sys.Realpath(dest)
	if err != nil {
		return envError("realpath", dest, err)
	}
	st, err := m.sys.Lstat(path)
	if err != nil {
		return envError("stat", path, err)
	}
	if !st.IsDir() {
		return envError("backup to", path, unix.ENOTDIR)
	}
	names, err := m.sys.ReadDir(path)
	if err != nil {
		return envError("readdir", path, err)
	}
	if len(names) > 0 {
		return envError("backup to", path, unix.ENOTEMPTY)
	}
	return nil
}

func (m *Manager) checkRoots(sess *Session) error {
	st, err := m.sys.Lstat(sess.Source())
	if err != nil {
		return envError("stat", sess.Source(), err)
	}
	if !st.IsDir() {
		return envError("backup from", sess.Source(), unix.ENOTDIR)
	}
	if sess.Contains(sess.Destination()) {
		return envError("backup to", sess.Destination(),
			fmt.Errorf("destination lies inside source %s: %w", sess.Source(), unix.EINVAL))
	}
	return nil
}

// prepareDescriptors gives every descriptor already open under the source
// root a backup handle.
func (m *Manager) prepareDescriptors(sess *Session, log *slog.Logger) {
	for fd, d := range m.fds.Snapshot() {
		f := d.File()
		if f.Unlinked() || !sess.Contains(f.Path()) {
			continue
		}
		d.Enable()
		f.LockRange(0, rangeEnd)
		_, err := m.ensureDestination(sess, f)
		f.UnlockRange(0, rangeEnd)
		if err != nil {
			m.fail(err)
			return
		}
		log.Debug("prepared open descriptor", "fd", fd, "path", f.Path())
	}
}

// retireSession stops mirroring for every descriptor and closes the backup
// handles that belong to sess.
func (m *Manager) retireSession(sess *Session, log *slog.Logger) {
	m.sessionMu.Lock()
	m.session = nil
	m.sessionMu.Unlock()

	for _, d := range m.fds.Snapshot() {
		d.Disable()
		f := d.File()
		f.LockRange(0, rangeEnd)
		var stale *DestinationFile
		if f.destinationFor(sess) != nil {
			stale = f.detachDestination()
		}
		f.UnlockRange(0, rangeEnd)
		if stale == nil {
			continue
		}
		if err := stale.Close(); err != nil {
			log.Warn("close backup handle", "error", err)
		}
	}
	m.fds.DisableAll()
}

// currentSession returns the active session, or nil between backups.
func (m *Manager) currentSession() *Session {
	m.sessionMu.RLock()
	defer m.sessionMu.RUnlock()
	return m.session
}

// ensureDestination returns f's backup handle for sess, creating the file
// and any missing parent directories. It returns nil when f has no place
// in the backup (outside the tree, or already unlinked). The caller holds
// f's range lock.
func (m *Manager) ensureDestination(sess *Session, f *TrackedFile) (*DestinationFile, error) {
	if sess == nil || f.Unlinked() {
		return nil, nil
	}
	if d := f.dest; d != nil {
		if d.session == sess {
			return d, nil
		}
		// Left over from an earlier backup.
		if err := f.detachDestination().Close(); err != nil {
			m.log.Debug("close stale backup handle", "error", err)
		}
	}

	src := f.Path()
	dst, ok := sess.Translate(src)
	if !ok || dst == sess.Destination() || m.excluded(src) {
		return nil, nil
	}
	if err := m.mkdirAll(sess.Destination(), filepath.Dir(dst)); err != nil {
		return nil, err
	}
	perm := uint32(0o644)
	if st, err := m.sys.Lstat(src); err == nil {
		perm = uint32(st.Mode.Perm()) | 0o200
	}
	d, err := openDestination(m.sys, sess, dst, perm)
	if err != nil {
		return nil, err
	}
	f.dest = d
	return d, nil
}

// mkdirAll creates dir and its missing parents below root. Directories
// that appear concurrently are fine.
func (m *Manager) mkdirAll(root, dir string) error {
	if dir == root || !strings.HasPrefix(dir, root+"/") {
		return nil
	}
	st, err := m.sys.Lstat(dir)
	if err == nil {
		if st.IsDir() {
			return nil
		}
		return envError("mkdir", dir, unix.ENOTDIR)
	}
	if !isNotExist(err) {
		return envError("stat", dir, err)
	}
	if err := m.mkdirAll(root, filepath.Dir(dir)); err != nil {
		return err
	}
	if err := m.sys.Mkdir(dir, 0o755); err != nil && !isExist(err) {
		return envError("mkdir", dir, err)
	}
	return nil
}

// fail records err as the run's error unless one is already recorded, and
// stops the copier. Fatal errors also kill the manager.
func (m *Manager) fail(err error) {
	if err == nil {
		return
	}
	var fatal *FatalError
	var abort *AbortError
	kind := "environment"
	switch {
	case errors.As(err, &fatal):
		kind = "fatal"
		m.kill(err)
	case errors.As(err, &abort):
		kind = "abort"
	}
	errorsTotal.WithLabelValues(kind).Inc()

	m.errMu.Lock()
	first := m.runErr == nil
	if first {
		m.runErr = err
	}
	m.errMu.Unlock()

	m.copying.Store(false)
	if !first {
		m.log.Debug("dropping subsequent backup error", "error", err)
	}
}

func (m *Manager) firstError() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.runErr
}

// kill moves the manager to the terminal dead state.
func (m *Manager) kill(err error) {
	if m.dead.Swap(true) {
		return
	}
	m.state.Store(int32(StateDead))
	m.capturing.Store(false)
	m.copying.Store(false)
	m.log.Error("backup manager disabled", "error", err)
}

func (m *Manager) setState(s State) {
	for {
		cur := m.state.Load()
		if State(cur) == StateDead {
			return
		}
		if m.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// excluded reports whether the running backup leaves srcPath out.
func (m *Manager) excluded(srcPath string) bool {
	cb := m.callbacks.Load()
	return cb != nil && cb.Exclude != nil && cb.Exclude(srcPath)
}

func (m *Manager) emit(e event.Event) {
	if ch := m.events.Load(); ch != nil {
		event.Emit(*ch, e)
	}
}

// release drops a reference taken on the registry. A failure here is
// recorded against the running backup, never returned to the application.
func (m *Manager) release(f *TrackedFile) {
	err := m.files.Release(f)
	if err == nil {
		return
	}
	var fatal *FatalError
	if errors.As(err, &fatal) || m.currentSession() != nil {
		m.fail(err)
		return
	}
	m.log.Warn("release tracked file", "path", f.Path(), "error", err)
}
