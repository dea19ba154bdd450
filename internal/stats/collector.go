package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const ringSize = 60

// Collector tracks backup statistics using lock-free atomic counters. The
// copier and the live-write handlers update it concurrently.
type Collector struct {
	filesCopied   atomic.Int64
	filesVanished atomic.Int64
	filesExcluded atomic.Int64
	symlinks      atomic.Int64
	dirsCreated   atomic.Int64
	bytesCopied   atomic.Int64
	bytesSparse   atomic.Int64
	bytesTotal    atomic.Int64
	filesTotal    atomic.Int64

	writesMirrored    atomic.Int64
	bytesMirrored     atomic.Int64
	renamesMirrored   atomic.Int64
	unlinksMirrored   atomic.Int64
	truncatesMirrored atomic.Int64

	startTime time.Time

	// Ring buffer, written only by Tick.
	mu         sync.Mutex
	throughput [ringSize]int64
	ringIdx    int
	ringCount  int
	lastBytes  int64
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	FilesCopied       int64
	FilesVanished     int64
	FilesExcluded     int64
	SymlinksSkipped   int64
	DirsCreated       int64
	BytesCopied       int64
	BytesSparse       int64 // holes skipped rather than copied
	BytesTotal        int64
	FilesTotal        int64
	WritesMirrored    int64
	BytesMirrored     int64
	RenamesMirrored   int64
	UnlinksMirrored   int64
	TruncatesMirrored int64
	Elapsed           time.Duration
}

func (c *Collector) AddFilesCopied(n int64)       { c.filesCopied.Add(n) }
func (c *Collector) AddFilesVanished(n int64)     { c.filesVanished.Add(n) }
func (c *Collector) AddFilesExcluded(n int64)     { c.filesExcluded.Add(n) }
func (c *Collector) AddSymlinksSkipped(n int64)   { c.symlinks.Add(n) }
func (c *Collector) AddDirsCreated(n int64)       { c.dirsCreated.Add(n) }
func (c *Collector) AddBytesCopied(n int64)       { c.bytesCopied.Add(n) }
func (c *Collector) AddBytesSparse(n int64)       { c.bytesSparse.Add(n) }
func (c *Collector) AddBytesTotal(n int64)        { c.bytesTotal.Add(n) }
func (c *Collector) AddFilesTotal(n int64)        { c.filesTotal.Add(n) }
func (c *Collector) AddRenamesMirrored(n int64)   { c.renamesMirrored.Add(n) }
func (c *Collector) AddUnlinksMirrored(n int64)   { c.unlinksMirrored.Add(n) }
func (c *Collector) AddTruncatesMirrored(n int64) { c.truncatesMirrored.Add(n) }

// AddWriteMirrored records one live write of n bytes copied into the backup.
func (c *Collector) AddWriteMirrored(n int64) {
	c.writesMirrored.Add(1)
	c.bytesMirrored.Add(n)
}

// done is the number of source bytes the copier has passed, copied or
// skipped as holes.
func (c *Collector) done() int64 {
	return c.bytesCopied.Load() + c.bytesSparse.Load()
}

// Progress returns done/total bytes as a fraction in [0, 1].
func (c *Collector) Progress() float64 {
	total := c.bytesTotal.Load()
	if total <= 0 {
		return 0
	}
	p := float64(c.done()) / float64(total)
	if p > 1 {
		return 1
	}
	return p
}

// Snapshot returns a point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		FilesCopied:       c.filesCopied.Load(),
		FilesVanished:     c.filesVanished.Load(),
		FilesExcluded:     c.filesExcluded.Load(),
		SymlinksSkipped:   c.symlinks.Load(),
		DirsCreated:       c.dirsCreated.Load(),
		BytesCopied:       c.bytesCopied.Load(),
		BytesSparse:       c.bytesSparse.Load(),
		BytesTotal:        c.bytesTotal.Load(),
		FilesTotal:        c.filesTotal.Load(),
		WritesMirrored:    c.writesMirrored.Load(),
		BytesMirrored:     c.bytesMirrored.Load(),
		RenamesMirrored:   c.renamesMirrored.Load(),
		UnlinksMirrored:   c.unlinksMirrored.Load(),
		TruncatesMirrored: c.truncatesMirrored.Load(),
		Elapsed:           c.Elapsed(),
	}
}

// Tick snapshots the copied-bytes delta into the ring buffer. Called 1/sec.
func (c *Collector) Tick() {
	current := c.bytesCopied.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.throughput[c.ringIdx] = current - c.lastBytes
	c.lastBytes = current
	c.ringIdx = (c.ringIdx + 1) % ringSize
	if c.ringCount < ringSize {
		c.ringCount++
	}
}

// RollingSpeed returns average bytes/sec over the last n seconds of samples.
func (c *Collector) RollingSpeed(seconds int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := min(seconds, c.ringCount)
	if count <= 0 {
		return 0
	}
	var sum int64
	for i := range count {
		sum += c.throughput[(c.ringIdx-1-i+ringSize)%ringSize]
	}
	return float64(sum) / float64(count)
}

// ETA estimates remaining copy time from rolling speed and remaining bytes.
func (c *Collector) ETA() time.Duration {
	speed := c.RollingSpeed(10)
	if speed <= 0 {
		return 0
	}
	remaining := c.bytesTotal.Load() - c.done()
	if remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining)/speed) * time.Second
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"copied=%d vanished=%d excluded=%d dirs=%d bytes=%d mirrored_writes=%d mirrored_bytes=%d renames=%d unlinks=%d truncates=%d",
		s.FilesCopied, s.FilesVanished, s.FilesExcluded, s.DirsCreated, s.BytesCopied,
		s.WritesMirrored, s.BytesMirrored, s.RenamesMirrored, s.UnlinksMirrored, s.TruncatesMirrored,
	)
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
