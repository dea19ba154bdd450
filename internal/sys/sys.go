// Package sys defines the filesystem capabilities the backup engine needs
// from its host. The engine never issues syscalls on its own; whatever
// intercepts the application's calls hands it a Facade that performs the
// real operations.
package sys

import (
	"io/fs"
	"time"
)

// Whence values for Seek, matching lseek(2).
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// Stat is the subset of stat(2) output the engine consumes.
type Stat struct {
	Mode fs.FileMode
	Size int64
}

// IsDir reports whether the entry is a directory.
func (s Stat) IsDir() bool { return s.Mode.IsDir() }

// IsRegular reports whether the entry is a regular file.
func (s Stat) IsRegular() bool { return s.Mode.IsRegular() }

// IsSymlink reports whether the entry is a symbolic link.
func (s Stat) IsSymlink() bool { return s.Mode&fs.ModeSymlink != 0 }

// Facade performs real filesystem operations with POSIX semantics. Errors
// carry the underlying errno (unix.Errno, possibly wrapped) so callers can
// match them with errors.Is.
type Facade interface {
	Open(path string, flags int, perm uint32) (int, error)
	Close(fd int) error
	Read(fd int, p []byte) (int, error)
	Write(fd int, p []byte) (int, error)
	Pread(fd int, p []byte, off int64) (int, error)
	Pwrite(fd int, p []byte, off int64) (int, error)
	Seek(fd int, off int64, whence int) (int64, error)
	Rename(oldpath, newpath string) error
	Unlink(path string) error
	Ftruncate(fd int, size int64) error
	Truncate(path string, size int64) error
	Mkdir(path string, perm uint32) error
	Rmdir(path string) error
	Lstat(path string) (Stat, error)
	Fstat(fd int) (Stat, error)
	// ReadDir lists the names in a directory, excluding "." and "..".
	ReadDir(path string) ([]string, error)
	// Realpath returns the absolute path with symlinks and relative
	// components resolved.
	Realpath(path string) (string, error)
	// Now returns a reading of the monotonic clock.
	Now() time.Time
}
