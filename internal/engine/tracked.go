package engine

import (
	"math"
	"sync"
	"sync/atomic"
)

// rangeEnd stands for +infinity in a byte range; truncates lock
// [size, rangeEnd).
const rangeEnd = math.MaxInt64

// TrackedFile is a source file currently in play, either because the
// application holds it open or because the copier is working on it.
//
// The registry owns refs and linked. path changes only while both the
// registry lock and the name lock are held. The range lock guards dest and
// every byte written to it.
type TrackedFile struct {
	name sync.Mutex
	path string

	refs   int
	linked bool

	rangeMu sync.Mutex
	dest    *DestinationFile

	// unlinked is set once the source name is gone (unlink, or replaced by
	// a rename). Nothing new is created in the backup for it afterwards.
	unlinked atomic.Bool
}

func newTrackedFile(path string) *TrackedFile {
	return &TrackedFile{path: path}
}

// Path returns the file's current canonical source path.
func (f *TrackedFile) Path() string {
	f.name.Lock()
	defer f.name.Unlock()
	return f.path
}

// Unlinked reports whether the source name has been removed.
func (f *TrackedFile) Unlinked() bool { return f.unlinked.Load() }

// LockRange serializes access to bytes [lo, hi) of the file's backup copy.
// The lock currently covers the whole file: any two ranges exclude each
// other, overlapping or not.
func (f *TrackedFile) LockRange(lo, hi int64) {
	f.rangeMu.Lock()
}

// UnlockRange releases a range taken with LockRange.
func (f *TrackedFile) UnlockRange(lo, hi int64) {
	f.rangeMu.Unlock()
}

// Destination returns the file's backup copy, if any. The caller must hold
// a range lock.
func (f *TrackedFile) Destination() *DestinationFile { return f.dest }

// destinationFor returns the backup copy only if it belongs to sess. It is
// safe on a nil f. Caller holds a range lock.
func (f *TrackedFile) destinationFor(sess *Session) *DestinationFile {
	if f == nil || f.dest == nil || sess == nil || f.dest.session != sess {
		return nil
	}
	return f.dest
}

// detachDestination drops the backup copy and returns it for closing.
// Caller holds a range lock.
func (f *TrackedFile) detachDestination() *DestinationFile {
	d := f.dest
	f.dest = nil
	return d
}

// destroy closes the backup copy once the last reference is gone.
func (f *TrackedFile) destroy() error {
	f.rangeMu.Lock()
	d := f.detachDestination()
	f.rangeMu.Unlock()
	if d == nil {
		return nil
	}
	return d.Close()
}
