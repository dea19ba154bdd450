package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/bamsammich/hotbackup/internal/event"
	"github.com/bamsammich/hotbackup/internal/stats"
)

// ANSI escape sequences.
const (
	ansiClearLine = "\r\033[2K"
	ansiDim       = "\033[2m"
	ansiReset     = "\033[0m"
)

const (
	progressBarWidth = 20
	redrawInterval   = 100 * time.Millisecond
)

// livePresenter prints a feed of finished files above a one-line status
// that redraws in place.
type livePresenter struct {
	w       io.Writer
	stats   *stats.Collector
	verbose bool

	drawn   bool
	current string // file being copied
}

func (p *livePresenter) Run(events <-chan event.Event) error {
	// Fire the first tick quickly to seed the speed ring, then once a second.
	secTicker := time.NewTicker(250 * time.Millisecond)
	defer secTicker.Stop()
	seeded := false

	redraw := time.NewTicker(redrawInterval)
	defer redraw.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				p.clear()
				return nil
			}
			p.handleEvent(ev)
		case <-redraw.C:
			p.draw()
		case <-secTicker.C:
			p.stats.Tick()
			if !seeded {
				seeded = true
				secTicker.Reset(time.Second)
			}
		}
	}
}

func (p *livePresenter) handleEvent(ev event.Event) {
	switch ev.Type {
	case event.FileStarted:
		p.current = ev.Path
	case event.FileCompleted:
		if p.verbose {
			p.feed(fmt.Sprintf("%s  %s", ev.Path, FormatBytes(ev.Size)))
		}
	case event.FileVanished:
		p.feed(fmt.Sprintf("%s%s  vanished%s", ansiDim, ev.Path, ansiReset))
	case event.FileExcluded, event.SymlinkSkipped:
		if p.verbose {
			p.feed(fmt.Sprintf("%s%s  skipped%s", ansiDim, ev.Path, ansiReset))
		}
	case event.BackupFailed:
		p.feed("backup failed: " + errText(ev.Error))
	case event.VerifyStarted:
		p.current = ""
		p.feed("verifying...")
	case event.VerifyFailed:
		p.feed("MISMATCH: " + ev.Path)
	}
}

// feed prints a line above the status line.
func (p *livePresenter) feed(line string) {
	p.clear()
	fmt.Fprintln(p.w, line)
	p.draw()
}

func (p *livePresenter) clear() {
	if p.drawn {
		fmt.Fprint(p.w, ansiClearLine)
		p.drawn = false
	}
}

func (p *livePresenter) draw() {
	fmt.Fprint(p.w, ansiClearLine+p.statusLine())
	p.drawn = true
}

func (p *livePresenter) statusLine() string {
	snap := p.stats.Snapshot()
	line := fmt.Sprintf("%s %3.0f%%  %s/%s  %s  eta %s  mirrored %s",
		ProgressBar(p.stats.Progress(), progressBarWidth),
		p.stats.Progress()*100,
		FormatBytes(snap.BytesCopied), FormatBytes(snap.BytesTotal),
		FormatRate(p.stats.RollingSpeed(5)),
		FormatETA(p.stats.ETA()),
		FormatCount(snap.WritesMirrored),
	)
	if p.current != "" {
		line += "  " + ansiDim + p.current + ansiReset
	}
	return line
}

func (p *livePresenter) Summary() string {
	return RunSummary{Snapshot: p.stats.Snapshot()}.Styled()
}
