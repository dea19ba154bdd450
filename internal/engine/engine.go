package engine

import (
	"github.com/bamsammich/hotbackup/internal/event"
	"github.com/bamsammich/hotbackup/internal/stats"
)

// Callbacks are supplied by the caller of DoBackup for one run.
type Callbacks struct {
	// Poll is called before each work item and after each copied chunk. A
	// non-zero return aborts the backup with that code.
	Poll func(progress float64, msg string) int

	// ReportError receives the error that ends the run.
	ReportError func(code int, msg string)

	// Throttle returns the copy rate limit in bytes/sec. It is read before
	// every chunk. When nil the manager's SetThrottle value is used. Zero
	// and math.MaxUint64 mean unlimited.
	Throttle func() uint64

	// Exclude reports whether a source path should be left out of the
	// copy. Excluded directories are not descended.
	Exclude func(srcPath string) bool
}

// Config describes one backup run.
type Config struct {
	Source      string
	Destination string
	Callbacks   Callbacks
	// Events, if set, receives progress events. Sends never block.
	Events chan<- event.Event
	// Stats, if set, receives the run's counters so a presenter can read
	// them while the backup is in progress.
	Stats *stats.Collector
}

// Result is the outcome of a backup run.
type Result struct {
	Session string
	Stats   stats.Snapshot
	Err     error
}
