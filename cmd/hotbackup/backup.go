package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/bamsammich/hotbackup/internal/config"
	"github.com/bamsammich/hotbackup/internal/engine"
	"github.com/bamsammich/hotbackup/internal/event"
	"github.com/bamsammich/hotbackup/internal/history"
	"github.com/bamsammich/hotbackup/internal/stats"
	"github.com/bamsammich/hotbackup/internal/ui"
)

// backupOptions is the validated command line of one backup.
type backupOptions struct {
	Source        string
	Destination   string
	Throttle      uint64
	ChunkSize     int
	Exclude       func(path string) bool
	Verify        bool
	History       bool
	MetricsListen string
	Verbose       bool
	Quiet         bool
	JSONLog       bool
}

// errLocked is returned when another hotbackup process holds the
// destination.
var errLocked = errors.New("another hotbackup is writing to this destination")

// lockDestination takes the per-destination process lock.
func lockDestination(dst string) (*flock.Flock, error) {
	path := config.LockPath(canonicalRoot(dst))
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	if !locked {
		return nil, errLocked
	}
	return lock, nil
}

//nolint:gocyclo // CLI orchestration: lock, metrics, presenter, backup, verify, history
func runBackup(ctx context.Context, opts backupOptions, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lock, err := lockDestination(opts.Destination)
	if err != nil {
		return err
	}
	defer lock.Unlock() //nolint:errcheck // released on exit regardless

	m := engine.NewManager(engine.Options{
		Logger:    logger,
		ChunkSize: opts.ChunkSize,
		Throttle:  opts.Throttle,
	})

	collector := stats.NewCollector()
	events := make(chan event.Event, 256)

	// With a JSON log, tee events through a goroutine that records them
	// before the presenter sees them.
	presenterEvents := (<-chan event.Event)(events)
	if opts.JSONLog {
		presenterEvents = logEvents(events, logger)
	}

	presenter := ui.NewPresenter(ui.Config{
		Writer:    os.Stdout,
		ErrWriter: os.Stderr,
		Stats:     collector,
		IsTTY:     ui.IsTTY(os.Stderr.Fd()),
		Quiet:     opts.Quiet,
		Verbose:   opts.Verbose,
	})
	var presenterWg sync.WaitGroup
	presenterWg.Add(1)
	go func() {
		defer presenterWg.Done()
		if err := presenter.Run(presenterEvents); err != nil {
			fmt.Fprintf(os.Stderr, "presenter: %v\n", err)
		}
	}()

	progressLog := rate.Sometimes{Interval: 10 * time.Second}
	cfg := engine.Config{
		Source:      opts.Source,
		Destination: opts.Destination,
		Events:      events,
		Stats:       collector,
		Callbacks: engine.Callbacks{
			Poll: func(progress float64, msg string) int {
				progressLog.Do(func() {
					logger.Debug("backup progress", "pct", fmt.Sprintf("%.1f", progress*100), "at", msg)
				})
				return 0
			},
			ReportError: func(code int, msg string) {
				logger.Error("backup error", "code", code, "error", msg)
			},
			Exclude: opts.Exclude,
		},
	}

	// The metrics server lives exactly as long as the backup.
	runCtx, finish := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	if opts.MetricsListen != "" {
		g.Go(func() error { return serveMetrics(gctx, opts.MetricsListen, logger) })
	}

	started := time.Now()
	var res engine.Result
	var verify engine.VerifyResult
	g.Go(func() error {
		defer finish()
		logger.Debug("starting backup", "src", opts.Source, "dst", opts.Destination,
			"throttle", opts.Throttle, "chunk_size", opts.ChunkSize)
		res = m.DoBackup(gctx, cfg)
		if res.Err != nil || !opts.Verify {
			return nil
		}
		var err error
		verify, err = engine.Verify(gctx, engine.VerifyConfig{
			Source:  canonicalRoot(opts.Source),
			Backup:  opts.Destination,
			Exclude: opts.Exclude,
			Events:  events,
		})
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		return nil
	})
	waitErr := g.Wait()
	finished := time.Now()
	close(events)
	presenterWg.Wait()

	if !opts.Quiet {
		summary := ui.RunSummary{
			Snapshot:     collector.Snapshot(),
			Verified:     int(verify.Verified),
			VerifyFailed: int(verify.Failed),
			Err:          res.Err,
		}
		if ui.IsTTY(os.Stderr.Fd()) {
			fmt.Fprintln(os.Stderr, summary.Styled())
		} else {
			fmt.Fprintln(os.Stderr, summary.Plain())
		}
	}

	if opts.History {
		recordRun(res, verify, opts, started, finished, logger)
	}

	switch {
	case res.Err != nil:
		logger.Error("backup failed", "error", res.Err)
		return &exitError{code: exitCodeFor(res)}
	case waitErr != nil:
		return waitErr
	case !verify.OK():
		for _, ve := range verify.Errors {
			logger.Warn("verify mismatch", "path", ve.Path, "src", ve.SourceHash, "backup", ve.BackupHash, "error", ve.Err)
		}
		return &exitError{code: 1}
	}
	return nil
}

func logEvents(in <-chan event.Event, logger *slog.Logger) <-chan event.Event {
	out := make(chan event.Event, cap(in))
	go func() {
		defer close(out)
		for ev := range in {
			attrs := []slog.Attr{
				slog.String("type", ev.Type.String()),
				slog.String("session", ev.Session),
				slog.String("path", ev.Path),
				slog.Int64("size", ev.Size),
			}
			if ev.Error != nil {
				attrs = append(attrs, slog.String("error", ev.Error.Error()))
			}
			logger.LogAttrs(context.Background(), slog.LevelDebug, "hotbackup.event", attrs...)
			out <- ev
		}
	}()
	return out
}

// recordRun appends the run to the history database. Failures are logged,
// never fatal.
func recordRun(
	res engine.Result,
	verify engine.VerifyResult,
	opts backupOptions,
	started, finished time.Time,
	logger *slog.Logger,
) {
	if res.Session == "" {
		// Rejected before a session existed; nothing to record.
		return
	}
	store, err := history.Open(config.HistoryPath())
	if err != nil {
		logger.Warn("history unavailable", "error", err)
		return
	}
	defer store.Close()

	run := history.Run{
		Session:        res.Session,
		Source:         opts.Source,
		Destination:    opts.Destination,
		Started:        started,
		Finished:       finished,
		Result:         resultLabel(res.Err),
		ErrorCode:      engine.ErrorCode(res.Err),
		FilesCopied:    res.Stats.FilesCopied,
		BytesCopied:    res.Stats.BytesCopied,
		WritesMirrored: res.Stats.WritesMirrored,
		FilesVanished:  res.Stats.FilesVanished,
	}
	if res.Err != nil {
		run.Error = res.Err.Error()
	}
	for _, ve := range verify.Errors {
		run.Mismatches = append(run.Mismatches, ve.Path)
	}
	if err := store.Record(context.Background(), run); err != nil {
		logger.Warn("record history", "error", err)
	}
}

func resultLabel(err error) string {
	var abort *engine.AbortError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &abort), errors.Is(err, context.Canceled):
		return "aborted"
	default:
		return "failed"
	}
}
