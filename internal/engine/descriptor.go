package engine

import (
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sys/unix"
)

// Description is the bookkeeping for one live file descriptor.
type Description struct {
	file  *TrackedFile
	flags int

	mu     sync.Mutex
	offset int64

	// enabled gates mirroring for this descriptor. It is cleared when a
	// backup ends so later writes skip the backup without touching the
	// registry.
	enabled atomic.Bool
}

func newDescription(f *TrackedFile, flags int) *Description {
	return &Description{file: f, flags: flags}
}

// File returns the tracked file the descriptor refers to.
func (d *Description) File() *TrackedFile { return d.file }

// Offset returns the descriptor's current position.
func (d *Description) Offset() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.offset
}

// SetOffset records a new position, e.g. after lseek.
func (d *Description) SetOffset(off int64) {
	d.mu.Lock()
	d.offset = off
	d.mu.Unlock()
}

// Advance moves the position forward by n and returns the old position.
func (d *Description) Advance(n int64) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.offset
	d.offset += n
	return old
}

// Enabled reports whether writes through this descriptor are mirrored.
func (d *Description) Enabled() bool { return d.enabled.Load() }

// Enable turns mirroring on for this descriptor.
func (d *Description) Enable() { d.enabled.Store(true) }

// Disable turns mirroring off for this descriptor.
func (d *Description) Disable() { d.enabled.Store(false) }

func (d *Description) appendMode() bool { return d.flags&unix.O_APPEND != 0 }

// DescriptorTable maps live file descriptors to their Description. Readers
// never block each other.
type DescriptorTable struct {
	m *xsync.MapOf[int, *Description]
}

// NewDescriptorTable creates an empty table.
func NewDescriptorTable() *DescriptorTable {
	return &DescriptorTable{m: xsync.NewMapOf[int, *Description]()}
}

// Put registers d under fd. If fd was already registered (the descriptor
// was closed behind our back and reused) the stale Description is returned
// so its reference can be released.
func (t *DescriptorTable) Put(fd int, d *Description) *Description {
	old, loaded := t.m.LoadAndStore(fd, d)
	if !loaded {
		return nil
	}
	return old
}

// Get returns the Description for fd.
func (t *DescriptorTable) Get(fd int) (*Description, bool) {
	return t.m.Load(fd)
}

// Remove deletes and returns the Description for fd.
func (t *DescriptorTable) Remove(fd int) (*Description, bool) {
	return t.m.LoadAndDelete(fd)
}

// Snapshot returns the descriptions live at the time of the call.
func (t *DescriptorTable) Snapshot() map[int]*Description {
	out := make(map[int]*Description, t.m.Size())
	t.m.Range(func(fd int, d *Description) bool {
		out[fd] = d
		return true
	})
	return out
}

// DisableAll clears the enabled flag on every live description.
func (t *DescriptorTable) DisableAll() {
	t.m.Range(func(_ int, d *Description) bool {
		d.Disable()
		return true
	})
}

// Len returns the number of live descriptors.
func (t *DescriptorTable) Len() int { return t.m.Size() }
