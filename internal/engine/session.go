package engine

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/bamsammich/hotbackup/internal/sys"
)

// Session is the immutable state of one backup run: its roots and the
// source-to-backup path translation.
type Session struct {
	id     string
	source string
	dest   string
}

// NewSession canonicalizes both roots.
func NewSession(s sys.Facade, source, dest string) (*Session, error) {
	src, err := s.Realpath(source)
	if err != nil {
		return nil, envError("realpath", source, err)
	}
	dst, err := s.Realpath(dest)
	if err != nil {
		return nil, envError("realpath", dest, err)
	}
	return &Session{id: uuid.NewString(), source: src, dest: dst}, nil
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// Source returns the canonical source root.
func (s *Session) Source() string { return s.source }

// Destination returns the canonical backup root.
func (s *Session) Destination() string { return s.dest }

// Contains reports whether a canonical path is the source root or lies
// beneath it.
func (s *Session) Contains(path string) bool {
	_, ok := s.Relative(path)
	return ok
}

// Relative returns path relative to the source root ("." for the root).
func (s *Session) Relative(path string) (string, bool) {
	if path == s.source {
		return ".", true
	}
	prefix := strings.TrimSuffix(s.source, "/") + "/"
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	return path[len(prefix):], true
}

// Translate rewrites a canonical source path into its backup equivalent.
func (s *Session) Translate(path string) (string, bool) {
	rel, ok := s.Relative(path)
	if !ok {
		return "", false
	}
	return s.BackupPath(rel), true
}

// SourcePath joins a relative path onto the source root.
func (s *Session) SourcePath(rel string) string {
	return filepath.Join(s.source, rel)
}

// BackupPath joins a relative path onto the backup root.
func (s *Session) BackupPath(rel string) string {
	return filepath.Join(s.dest, rel)
}

func (s *Session) String() string {
	return fmt.Sprintf("session %s (%s -> %s)", s.id, s.source, s.dest)
}
