package config

import (
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// JobID returns a stable identifier for backups into dest.
func JobID(dest string) string {
	sum := blake3.Sum256([]byte(dest))
	return hex.EncodeToString(sum[:8])
}

// LockPath returns the lock file guarding backups into dest. It lives in
// $XDG_RUNTIME_DIR when set and the system temp dir otherwise.
func LockPath(dest string) string {
	id := JobID(dest)
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, appName, id+".lock")
	}
	return filepath.Join(os.TempDir(), appName+"-"+id+".lock")
}

// HistoryPath returns the run history database under $XDG_STATE_HOME.
func HistoryPath() string {
	dir := os.Getenv("XDG_STATE_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), appName+"-history.db")
		}
		dir = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(dir, appName, "history.db")
}
