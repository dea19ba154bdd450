package engine

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrAlreadyRunning is returned when DoBackup is called while another
	// backup holds the manager.
	ErrAlreadyRunning = errors.New("backup already in progress")

	// ErrDead is returned by every DoBackup after a fatal error.
	ErrDead = errors.New("backup manager disabled after a fatal error")

	// errCopyStopped unwinds the copier after the copy-enabled flag was
	// cleared. The recorded error that cleared it is what DoBackup reports.
	errCopyStopped = errors.New("copy stopped")
)

// AbortError reports that the poll callback asked the backup to stop.
type AbortError struct {
	Code int
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("backup aborted by caller (code %d)", e.Code)
}

// BackupError is a filesystem failure on the source or backup side. It
// aborts the current backup only.
type BackupError struct {
	Op   string
	Path string
	Err  error
}

func (e *BackupError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *BackupError) Unwrap() error { return e.Err }

// FatalError marks a broken internal invariant. The manager refuses to run
// any further backups once one has been recorded.
type FatalError struct {
	Msg string
}

func (e *FatalError) Error() string { return "fatal: " + e.Msg }

func envError(op, path string, err error) *BackupError {
	return &BackupError{Op: op, Path: path, Err: err}
}

// ErrorCode maps an error returned by the engine to the integer code handed
// to Callbacks.ReportError.
func ErrorCode(err error) int {
	if err == nil {
		return 0
	}
	var abort *AbortError
	if errors.As(err, &abort) {
		return abort.Code
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return int(unix.ECANCELED)
	case errors.Is(err, ErrAlreadyRunning):
		return int(unix.EALREADY)
	case errors.Is(err, ErrDead):
		return int(unix.ENOTRECOVERABLE)
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return int(unix.ENOTRECOVERABLE)
	}
	return int(unix.EIO)
}

func isNotExist(err error) bool { return errors.Is(err, unix.ENOENT) }

func isExist(err error) bool { return errors.Is(err, unix.EEXIST) }
