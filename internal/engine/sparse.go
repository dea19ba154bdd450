package engine

import (
	"errors"

	"golang.org/x/sys/unix"
)

// nextData returns the offset of the first data byte at or after off, or
// -1 when the rest of the file is a hole. Filesystems without
// SEEK_DATA report off itself, so every chunk is treated as data.
func (c *copier) nextData(fd int, off int64) (int64, error) {
	n, err := c.m.sys.Seek(fd, off, unix.SEEK_DATA)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, unix.ENXIO):
		return -1, nil
	case errors.Is(err, unix.EINVAL), errors.Is(err, unix.EOPNOTSUPP):
		return off, nil
	}
	return 0, err
}
