package engine

import (
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/bamsammich/hotbackup/internal/sys"
)

// The methods below are the live application's file operations. Each one
// performs the real operation through the facade and returns its result
// unchanged; bookkeeping and mirroring into a running backup happen
// alongside. A failure on the backup side is recorded against the backup
// and never surfaces to the application.

// Open opens path and tracks the descriptor. Only regular files are
// tracked.
func (m *Manager) Open(path string, flags int, perm uint32) (int, error) {
	canon, ok := m.canonical(path)
	if !ok {
		return m.sys.Open(path, flags, perm)
	}

	f := m.files.GetOrCreate(canon)
	f.LockRange(0, rangeEnd)
	fd, err := m.sys.Open(path, flags, perm)
	if err != nil {
		f.UnlockRange(0, rangeEnd)
		m.release(f)
		return fd, err
	}
	if st, err := m.sys.Fstat(fd); err != nil || !st.IsRegular() {
		f.UnlockRange(0, rangeEnd)
		m.release(f)
		return fd, nil
	}

	d := newDescription(f, flags)
	stale := m.fds.Put(fd, d)
	if sess := m.currentSession(); sess != nil && sess.Contains(canon) {
		d.Enable()
		dest, err := m.ensureDestination(sess, f)
		switch {
		case err != nil:
			m.fail(err)
		case dest != nil && flags&unix.O_TRUNC != 0:
			m.mirrorTruncate(dest, 0)
		}
	}
	f.UnlockRange(0, rangeEnd)

	if stale != nil {
		m.release(stale.File())
	}
	return fd, nil
}

// Create is open(path, O_CREAT|O_WRONLY|O_TRUNC, perm).
func (m *Manager) Create(path string, perm uint32) (int, error) {
	return m.Open(path, unix.O_CREAT|unix.O_WRONLY|unix.O_TRUNC, perm)
}

// Close closes fd and drops its reference on the tracked file.
func (m *Manager) Close(fd int) error {
	d, ok := m.fds.Remove(fd)
	err := m.sys.Close(fd)
	if ok {
		m.release(d.File())
	}
	return err
}

// Read reads from fd and advances its tracked offset.
func (m *Manager) Read(fd int, p []byte) (int, error) {
	n, err := m.sys.Read(fd, p)
	if n > 0 {
		if d, ok := m.fds.Get(fd); ok {
			d.Advance(int64(n))
		}
	}
	return n, err
}

// Seek repositions fd and records the new offset.
func (m *Manager) Seek(fd int, off int64, whence int) (int64, error) {
	pos, err := m.sys.Seek(fd, off, whence)
	if err == nil {
		if d, ok := m.fds.Get(fd); ok {
			d.SetOffset(pos)
		}
	}
	return pos, err
}

// Write writes at fd's current offset and mirrors the bytes.
func (m *Manager) Write(fd int, p []byte) (int, error) {
	d, ok := m.fds.Get(fd)
	if !ok {
		return m.sys.Write(fd, p)
	}

	f := d.File()
	// An append lands wherever EOF is, so the whole file is locked.
	f.LockRange(0, rangeEnd)
	defer f.UnlockRange(0, rangeEnd)

	n, err := m.sys.Write(fd, p)
	if n <= 0 {
		return n, err
	}
	var off int64
	if d.appendMode() {
		end, serr := m.sys.Seek(fd, 0, sys.SeekCur)
		if serr != nil {
			m.failLive(envError("seek", f.Path(), serr))
			return n, err
		}
		off = end - int64(n)
		d.SetOffset(end)
	} else {
		off = d.Advance(int64(n))
	}
	m.mirrorWrite(d, p[:n], off)
	return n, err
}

// Pwrite writes at an explicit offset and mirrors the bytes.
func (m *Manager) Pwrite(fd int, p []byte, off int64) (int, error) {
	d, ok := m.fds.Get(fd)
	if !ok {
		return m.sys.Pwrite(fd, p, off)
	}

	f := d.File()
	f.LockRange(off, off+int64(len(p)))
	defer f.UnlockRange(off, off+int64(len(p)))

	n, err := m.sys.Pwrite(fd, p, off)
	if n > 0 {
		m.mirrorWrite(d, p[:n], off)
	}
	return n, err
}

// Ftruncate resizes the file behind fd and mirrors the new size.
func (m *Manager) Ftruncate(fd int, size int64) error {
	d, ok := m.fds.Get(fd)
	if !ok {
		return m.sys.Ftruncate(fd, size)
	}

	f := d.File()
	f.LockRange(size, rangeEnd)
	defer f.UnlockRange(size, rangeEnd)

	if err := m.sys.Ftruncate(fd, size); err != nil {
		return err
	}
	if dest := f.destinationFor(m.currentSession()); dest != nil {
		m.mirrorTruncate(dest, size)
	}
	return nil
}

// Truncate resizes the file at path and mirrors the new size.
func (m *Manager) Truncate(path string, size int64) error {
	sess := m.currentSession()
	canon, ok := m.canonical(path)
	if !ok || sess == nil || !sess.Contains(canon) {
		return m.sys.Truncate(path, size)
	}

	// Taking the entry serializes with a copier working on the same file.
	f := m.files.GetOrCreate(canon)
	f.LockRange(size, rangeEnd)
	err := m.sys.Truncate(path, size)
	if err == nil {
		if dest := f.destinationFor(sess); dest != nil {
			m.mirrorTruncate(dest, size)
		} else {
			m.mirrorPathTruncate(sess, canon, size)
		}
	}
	f.UnlockRange(size, rangeEnd)
	m.release(f)
	return err
}

// Rename renames oldPath to newPath and carries the change into the backup.
func (m *Manager) Rename(oldPath, newPath string) error {
	oldC, ok := m.canonicalParent(oldPath)
	newC, ok2 := m.canonicalParent(newPath)
	if !ok || !ok2 {
		return m.sys.Rename(oldPath, newPath)
	}

	f := m.files.Lookup(oldC)
	if f != nil {
		f.LockRange(0, rangeEnd)
	}
	if err := m.sys.Rename(oldPath, newPath); err != nil {
		if f != nil {
			f.UnlockRange(0, rangeEnd)
			m.release(f)
		}
		return err
	}

	sess := m.currentSession()
	if st, err := m.sys.Lstat(newC); err == nil && st.IsDir() {
		moved := m.files.RenameTree(oldC, newC)
		m.mirrorRenameDir(sess, oldC, newC, moved)
		if f != nil {
			f.UnlockRange(0, rangeEnd)
			m.release(f)
		}
		for _, mf := range moved {
			m.release(mf)
		}
		return nil
	}

	moved := m.files.Rename(oldC, newC)
	if moved != f {
		// The name was recreated after the lookup. Only moved is mirrored,
		// and f's lock is dropped first so at most one range lock is held.
		if f != nil {
			f.UnlockRange(0, rangeEnd)
			m.release(f)
			f = nil
		}
		if moved != nil {
			moved.LockRange(0, rangeEnd)
		}
	}
	m.mirrorRenameFile(sess, oldC, newC, moved)
	if moved != nil {
		moved.UnlockRange(0, rangeEnd)
		m.release(moved)
	}
	if f != nil {
		m.release(f)
	}
	return nil
}

// Unlink removes path. An entry still in play is marked unlinked so nothing
// recreates it in the backup.
func (m *Manager) Unlink(path string) error {
	canon, ok := m.canonicalParent(path)
	if !ok {
		return m.sys.Unlink(path)
	}

	f := m.files.Lookup(canon)
	if f != nil {
		f.LockRange(0, rangeEnd)
	}
	err := m.sys.Unlink(path)
	if err == nil {
		if f != nil {
			f.unlinked.Store(true)
			m.files.Remove(f)
		}
		m.mirrorUnlink(canon, f)
	}
	if f != nil {
		f.UnlockRange(0, rangeEnd)
		m.release(f)
	}
	return err
}

// Mkdir creates a directory and its backup counterpart.
func (m *Manager) Mkdir(path string, perm uint32) error {
	if err := m.sys.Mkdir(path, perm); err != nil {
		return err
	}
	sess := m.currentSession()
	if sess == nil {
		return nil
	}
	canon, ok := m.canonicalParent(path)
	if !ok {
		return nil
	}
	dst, ok := sess.Translate(canon)
	if !ok {
		return nil
	}
	if err := m.mkdirAll(sess.Destination(), dst); err != nil {
		m.failLive(err)
		return nil
	}
	mirroredOpsTotal.WithLabelValues("mkdir").Inc()
	return nil
}

// Rmdir removes an empty directory and its backup counterpart.
func (m *Manager) Rmdir(path string) error {
	canon, ok := m.canonicalParent(path)
	if err := m.sys.Rmdir(path); err != nil {
		return err
	}
	sess := m.currentSession()
	if !ok || sess == nil {
		return nil
	}
	dst, ok := sess.Translate(canon)
	if !ok || dst == sess.Destination() {
		return nil
	}
	if err := m.removeAll(dst); err != nil {
		m.failLive(err)
		return nil
	}
	mirroredOpsTotal.WithLabelValues("rmdir").Inc()
	return nil
}

// mirrorWrite copies bytes written through d into the backup. Caller holds
// d's file range lock.
func (m *Manager) mirrorWrite(d *Description, p []byte, off int64) {
	if !m.capturing.Load() || !d.Enabled() {
		return
	}
	dest := d.File().destinationFor(m.currentSession())
	if dest == nil {
		return
	}
	if err := dest.Pwrite(p, off); err != nil {
		m.failLive(err)
		return
	}
	mirroredOpsTotal.WithLabelValues("write").Inc()
	mirroredBytesTotal.Add(float64(len(p)))
	m.stats.Load().AddWriteMirrored(int64(len(p)))
}

func (m *Manager) mirrorTruncate(dest *DestinationFile, size int64) {
	if err := dest.Truncate(size); err != nil {
		m.failLive(err)
		return
	}
	mirroredOpsTotal.WithLabelValues("truncate").Inc()
	m.stats.Load().AddTruncatesMirrored(1)
}

// mirrorPathTruncate truncates a backup file nobody holds open. A file the
// copier has not reached yet is fine.
func (m *Manager) mirrorPathTruncate(sess *Session, canon string, size int64) {
	dst, ok := sess.Translate(canon)
	if !ok {
		return
	}
	if err := m.sys.Truncate(dst, size); err != nil {
		if !isNotExist(err) {
			m.failLive(envError("truncate", dst, err))
		}
		return
	}
	mirroredOpsTotal.WithLabelValues("truncate").Inc()
	m.stats.Load().AddTruncatesMirrored(1)
}

// mirrorRenameFile carries a file rename into the backup. A rename into the
// tree is queued for the copier since the new name may sit in a directory
// it already walked. Caller holds f's range lock when f is non-nil.
func (m *Manager) mirrorRenameFile(sess *Session, oldC, newC string, f *TrackedFile) {
	if sess == nil {
		return
	}
	oldRel, oldIn := sess.Relative(oldC)
	newRel, newIn := sess.Relative(newC)
	dest := f.destinationFor(sess)

	switch {
	case oldIn && newIn:
		dst := sess.BackupPath(newRel)
		if err := m.mkdirAll(sess.Destination(), filepath.Dir(dst)); err != nil {
			m.failLive(err)
			return
		}
		if dest != nil {
			if err := dest.Rename(dst); err != nil {
				m.failLive(err)
				return
			}
		} else if err := m.renameBackup(sess.BackupPath(oldRel), dst); err != nil {
			m.failLive(err)
			return
		}
		m.enqueue(newRel)
	case oldIn:
		if dest != nil {
			if err := dest.Unlink(); err != nil {
				m.failLive(err)
				return
			}
		} else if err := m.removeAll(sess.BackupPath(oldRel)); err != nil {
			m.failLive(err)
			return
		}
	case newIn:
		m.enqueue(newRel)
		return
	default:
		return
	}
	mirroredOpsTotal.WithLabelValues("rename").Inc()
	m.stats.Load().AddRenamesMirrored(1)
}

// mirrorRenameDir carries a directory rename into the backup and points
// the backup handles of the moved entries at their new names.
func (m *Manager) mirrorRenameDir(sess *Session, oldC, newC string, moved []*TrackedFile) {
	if sess == nil {
		return
	}
	oldRel, oldIn := sess.Relative(oldC)
	newRel, newIn := sess.Relative(newC)

	switch {
	case oldIn && newIn:
		dst := sess.BackupPath(newRel)
		if err := m.mkdirAll(sess.Destination(), filepath.Dir(dst)); err != nil {
			m.failLive(err)
			return
		}
		if err := m.renameBackup(sess.BackupPath(oldRel), dst); err != nil {
			m.failLive(err)
			return
		}
		for _, f := range moved {
			f.LockRange(0, rangeEnd)
			if dest := f.destinationFor(sess); dest != nil {
				if p, ok := sess.Translate(f.Path()); ok {
					dest.path = p
				}
			}
			f.UnlockRange(0, rangeEnd)
		}
		m.enqueue(newRel)
	case oldIn:
		if err := m.removeAll(sess.BackupPath(oldRel)); err != nil {
			m.failLive(err)
			return
		}
	case newIn:
		m.enqueue(newRel)
		return
	default:
		return
	}
	mirroredOpsTotal.WithLabelValues("rename").Inc()
	m.stats.Load().AddRenamesMirrored(1)
}

// mirrorUnlink removes the backup name of an unlinked source file. Caller
// holds f's range lock when f is non-nil.
func (m *Manager) mirrorUnlink(canon string, f *TrackedFile) {
	sess := m.currentSession()
	if sess == nil {
		return
	}
	dst, ok := sess.Translate(canon)
	if !ok {
		return
	}
	var err error
	if dest := f.destinationFor(sess); dest != nil {
		err = dest.Unlink()
	} else if uerr := m.sys.Unlink(dst); uerr != nil && !isNotExist(uerr) {
		err = envError("unlink", dst, uerr)
	}
	if err != nil {
		m.failLive(err)
		return
	}
	mirroredOpsTotal.WithLabelValues("unlink").Inc()
	m.stats.Load().AddUnlinksMirrored(1)
}

// renameBackup renames within the backup tree. A source name the copier
// has not created yet is fine.
func (m *Manager) renameBackup(oldPath, newPath string) error {
	if err := m.sys.Rename(oldPath, newPath); err != nil && !isNotExist(err) {
		return envError("rename", oldPath, err)
	}
	return nil
}

// removeAll deletes a backup path and everything beneath it.
func (m *Manager) removeAll(path string) error {
	st, err := m.sys.Lstat(path)
	if err != nil {
		if isNotExist(err) {
			return nil
		}
		return envError("stat", path, err)
	}
	if !st.IsDir() {
		if err := m.sys.Unlink(path); err != nil && !isNotExist(err) {
			return envError("unlink", path, err)
		}
		return nil
	}
	names, err := m.sys.ReadDir(path)
	if err != nil && !isNotExist(err) {
		return envError("readdir", path, err)
	}
	for _, name := range names {
		if err := m.removeAll(filepath.Join(path, name)); err != nil {
			return err
		}
	}
	if err := m.sys.Rmdir(path); err != nil && !isNotExist(err) {
		return envError("rmdir", path, err)
	}
	return nil
}

// failLive records a backup-side failure seen by a live operation. Outside
// a backup there is nothing to fail, so it is only logged.
func (m *Manager) failLive(err error) {
	if m.currentSession() != nil {
		m.fail(err)
		return
	}
	m.log.Warn("mirror live operation", "error", err)
}

func (m *Manager) enqueue(rel string) {
	if c := m.copier.Load(); c != nil {
		c.enqueue(rel)
	}
}

// canonical resolves path, following a final symlink. A path that does not
// exist yet resolves through its parent.
func (m *Manager) canonical(path string) (string, bool) {
	if p, err := m.sys.Realpath(path); err == nil {
		return p, true
	}
	return m.canonicalParent(path)
}

// canonicalParent resolves the parent directory only, so the final
// component names the link itself rather than its target.
func (m *Manager) canonicalParent(path string) (string, bool) {
	dir, err := m.sys.Realpath(filepath.Dir(path))
	if err != nil {
		return "", false
	}
	return filepath.Join(dir, filepath.Base(path)), true
}
