package engine

import (
	"github.com/bamsammich/hotbackup/internal/sys"
	"golang.org/x/sys/unix"
)

// DestinationFile is the open backup-side copy of one tracked file. It is
// owned by its TrackedFile and used only under that file's range lock.
type DestinationFile struct {
	sys     sys.Facade
	session *Session
	fd      int
	path    string
}

func openDestination(s sys.Facade, sess *Session, path string, perm uint32) (*DestinationFile, error) {
	fd, err := s.Open(path, unix.O_WRONLY|unix.O_CREAT, perm)
	if err != nil {
		return nil, envError("open", path, err)
	}
	return &DestinationFile{sys: s, session: sess, fd: fd, path: path}, nil
}

// Path returns the current backup path.
func (d *DestinationFile) Path() string { return d.path }

// Pwrite writes p at off.
func (d *DestinationFile) Pwrite(p []byte, off int64) error {
	if _, err := d.sys.Pwrite(d.fd, p, off); err != nil {
		return envError("write", d.path, err)
	}
	return nil
}

// Truncate sets the backup copy's size.
func (d *DestinationFile) Truncate(size int64) error {
	if err := d.sys.Ftruncate(d.fd, size); err != nil {
		return envError("truncate", d.path, err)
	}
	return nil
}

// Rename moves the backup copy to newPath. A missing source name is not an
// error.
func (d *DestinationFile) Rename(newPath string) error {
	if newPath == d.path {
		return nil
	}
	if err := d.sys.Rename(d.path, newPath); err != nil && !isNotExist(err) {
		return envError("rename", d.path, err)
	}
	d.path = newPath
	return nil
}

// Unlink removes the backup copy's name. The handle stays open until Close.
func (d *DestinationFile) Unlink() error {
	if err := d.sys.Unlink(d.path); err != nil && !isNotExist(err) {
		return envError("unlink", d.path, err)
	}
	return nil
}

// Close releases the backup-side handle.
func (d *DestinationFile) Close() error {
	if err := d.sys.Close(d.fd); err != nil {
		return envError("close", d.path, err)
	}
	return nil
}
