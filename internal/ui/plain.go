package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/bamsammich/hotbackup/internal/event"
	"github.com/bamsammich/hotbackup/internal/stats"
)

// plainPresenter writes one line per file event to w and periodic progress
// to errW. Used when stderr is not a terminal.
type plainPresenter struct {
	w       io.Writer
	errW    io.Writer
	stats   *stats.Collector
	verbose bool
}

func (p *plainPresenter) Run(events <-chan event.Event) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.handleEvent(ev)
		case <-ticker.C:
			p.stats.Tick()
			p.printProgress()
		}
	}
}

func (p *plainPresenter) handleEvent(ev event.Event) {
	switch ev.Type {
	case event.FileCompleted:
		fmt.Fprintf(p.w, "%s  %s\n", ev.Path, FormatBytes(ev.Size))
	case event.FileVanished:
		fmt.Fprintf(p.w, "%s  vanished\n", ev.Path)
	case event.FileExcluded, event.SymlinkSkipped:
		if p.verbose {
			fmt.Fprintf(p.w, "%s  skipped\n", ev.Path)
		}
	case event.BackupFailed:
		fmt.Fprintf(p.w, "backup failed: %s\n", errText(ev.Error))
	case event.VerifyStarted:
		fmt.Fprintln(p.w, "verifying...")
	case event.VerifyFailed:
		fmt.Fprintf(p.w, "MISMATCH: %s\n", ev.Path)
	}
}

func (p *plainPresenter) printProgress() {
	snap := p.stats.Snapshot()
	if snap.BytesTotal > 0 {
		fmt.Fprintf(p.errW, "progress: %.0f%% %s/%s %s/%s files %s eta %s mirrored %s\n",
			p.stats.Progress()*100,
			FormatBytes(snap.BytesCopied), FormatBytes(snap.BytesTotal),
			FormatCount(snap.FilesCopied), FormatCount(snap.FilesTotal),
			FormatRate(p.stats.RollingSpeed(10)),
			FormatETA(p.stats.ETA()),
			FormatCount(snap.WritesMirrored),
		)
		return
	}
	fmt.Fprintf(p.errW, "progress: %s copied %s files\n",
		FormatBytes(snap.BytesCopied),
		FormatCount(snap.FilesCopied),
	)
}

func (p *plainPresenter) Summary() string {
	return RunSummary{Snapshot: p.stats.Snapshot()}.Plain()
}

func errText(err error) string {
	if err == nil {
		return "error"
	}
	return err.Error()
}
