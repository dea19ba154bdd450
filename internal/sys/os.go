package sys

import (
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// OS is the Facade backed by the running kernel.
type OS struct{}

var _ Facade = OS{}

func (OS) Open(path string, flags int, perm uint32) (int, error) {
	for {
		fd, err := unix.Open(path, flags|unix.O_CLOEXEC, perm)
		if err == unix.EINTR {
			continue
		}
		return fd, err
	}
}

func (OS) Close(fd int) error { return unix.Close(fd) }

func (OS) Read(fd int, p []byte) (int, error) {
	n, err := unix.Read(fd, p)
	return clampN(n), err
}

func (OS) Write(fd int, p []byte) (int, error) {
	n, err := unix.Write(fd, p)
	return clampN(n), err
}

func (OS) Pread(fd int, p []byte, off int64) (int, error) {
	n, err := unix.Pread(fd, p, off)
	return clampN(n), err
}

// Pwrite loops until all of p is written or an error occurs.
func (OS) Pwrite(fd int, p []byte, off int64) (int, error) {
	written := 0
	for written < len(p) {
		n, err := unix.Pwrite(fd, p[written:], off+int64(written))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return written, err
		}
		if n == 0 {
			return written, unix.EIO
		}
		written += n
	}
	return written, nil
}

func (OS) Seek(fd int, off int64, whence int) (int64, error) {
	return unix.Seek(fd, off, whence)
}

func (OS) Rename(oldpath, newpath string) error { return unix.Rename(oldpath, newpath) }

func (OS) Unlink(path string) error { return unix.Unlink(path) }

func (OS) Ftruncate(fd int, size int64) error { return unix.Ftruncate(fd, size) }

func (OS) Truncate(path string, size int64) error { return unix.Truncate(path, size) }

func (OS) Mkdir(path string, perm uint32) error { return unix.Mkdir(path, perm) }

func (OS) Rmdir(path string) error { return unix.Rmdir(path) }

func (OS) Lstat(path string) (Stat, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return Stat{}, err
	}
	return fromUnix(&st), nil
}

func (OS) Fstat(fd int) (Stat, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return Stat{}, err
	}
	return fromUnix(&st), nil
}

func (OS) ReadDir(path string) ([]string, error) {
	dir, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer dir.Close()
	return dir.Readdirnames(-1)
}

func (OS) Realpath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

func (OS) Now() time.Time { return time.Now() }

func fromUnix(st *unix.Stat_t) Stat {
	mode := fs.FileMode(st.Mode & 0o777)
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFDIR:
		mode |= fs.ModeDir
	case unix.S_IFLNK:
		mode |= fs.ModeSymlink
	case unix.S_IFIFO:
		mode |= fs.ModeNamedPipe
	case unix.S_IFSOCK:
		mode |= fs.ModeSocket
	case unix.S_IFCHR:
		mode |= fs.ModeDevice | fs.ModeCharDevice
	case unix.S_IFBLK:
		mode |= fs.ModeDevice
	}
	return Stat{Mode: mode, Size: st.Size}
}

// clampN maps the -1 unix returns on error to 0.
func clampN(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
