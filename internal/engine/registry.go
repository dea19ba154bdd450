package engine

import (
	"fmt"
	"strings"
	"sync"
)

// Registry maps canonical source paths to the TrackedFile currently in play
// for that path. At most one registered entry exists per path. The registry
// lock is only held for map and refcount updates, never across I/O.
type Registry struct {
	mu    sync.Mutex
	files map[string]*TrackedFile
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{files: make(map[string]*TrackedFile)}
}

// GetOrCreate returns the entry for path, creating it if needed, and takes
// a reference on it. Every call must be paired with Release.
func (r *Registry) GetOrCreate(path string) *TrackedFile {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.files[path]
	if !ok {
		f = newTrackedFile(path)
		r.put(f)
	}
	f.refs++
	return f
}

// Lookup returns the registered entry for path with a reference taken, or
// nil if the path is not in play.
func (r *Registry) Lookup(path string) *TrackedFile {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.files[path]
	if !ok {
		return nil
	}
	f.refs++
	return f
}

// Release drops a reference. When the last one goes the entry leaves the
// registry and its backup handle is closed. The decrement, the zero check
// and the removal happen in one critical section; the close happens after
// the lock is released.
func (r *Registry) Release(f *TrackedFile) error {
	r.mu.Lock()
	f.refs--
	refs := f.refs
	if refs < 0 {
		r.mu.Unlock()
		return &FatalError{Msg: fmt.Sprintf("tracked file %s released more often than referenced", f.path)}
	}
	if refs == 0 {
		r.remove(f)
	}
	r.mu.Unlock()

	if refs > 0 {
		return nil
	}
	return f.destroy()
}

// Remove takes f out of the registry without dropping any reference. Later
// lookups of its path create a fresh entry; f itself lives on until its
// last Release.
func (r *Registry) Remove(f *TrackedFile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(f)
}

// Rename moves the entry registered at oldPath to newPath and returns it
// with a reference taken, or nil if oldPath is not in play.
//
// An unrelated entry already registered at newPath has had its name
// replaced by the rename: it is detached and marked unlinked.
func (r *Registry) Rename(oldPath, newPath string) *TrackedFile {
	if oldPath == newPath {
		return r.Lookup(oldPath)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if victim, ok := r.files[newPath]; ok {
		victim.unlinked.Store(true)
		r.remove(victim)
	}

	f, ok := r.files[oldPath]
	if !ok {
		return nil
	}
	r.move(f, newPath)
	f.refs++
	return f
}

// RenameTree moves every entry under directory oldDir to the same relative
// position under newDir. The moved entries are returned with a reference
// taken on each.
func (r *Registry) RenameTree(oldDir, newDir string) []*TrackedFile {
	oldPrefix := strings.TrimSuffix(oldDir, "/") + "/"
	newPrefix := strings.TrimSuffix(newDir, "/") + "/"

	r.mu.Lock()
	defer r.mu.Unlock()

	var moving []*TrackedFile
	for path, f := range r.files {
		if strings.HasPrefix(path, oldPrefix) {
			moving = append(moving, f)
		}
	}
	// Detach everything first so a moved entry never collides with one
	// that has not moved yet.
	for _, f := range moving {
		delete(r.files, f.path)
	}
	for _, f := range moving {
		target := newPrefix + strings.TrimPrefix(f.path, oldPrefix)
		if victim, ok := r.files[target]; ok {
			victim.unlinked.Store(true)
			r.remove(victim)
		}
		f.name.Lock()
		f.path = target
		f.name.Unlock()
		r.put(f)
		f.refs++
	}
	return moving
}

// Len returns the number of registered paths.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.files)
}

// move re-keys f under newPath. Caller holds r.mu.
func (r *Registry) move(f *TrackedFile, newPath string) {
	f.name.Lock()
	defer f.name.Unlock()
	if cur, ok := r.files[f.path]; ok && cur == f {
		delete(r.files, f.path)
	}
	f.linked = false
	f.path = newPath
	r.put(f)
}

// put links f under its path. It is a no-op if f is already the entry
// there. Caller holds r.mu.
func (r *Registry) put(f *TrackedFile) {
	if cur, ok := r.files[f.path]; ok && cur == f {
		return
	}
	r.files[f.path] = f
	f.linked = true
}

// remove unlinks f if it is the registered entry for its path. Caller
// holds r.mu.
func (r *Registry) remove(f *TrackedFile) {
	if !f.linked {
		return
	}
	if cur, ok := r.files[f.path]; ok && cur == f {
		delete(r.files, f.path)
	}
	f.linked = false
}
