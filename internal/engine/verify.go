package engine

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bamsammich/hotbackup/internal/event"
)

// VerifyConfig controls the post-backup comparison pass. It is only
// meaningful once the source has stopped changing.
type VerifyConfig struct {
	Source  string
	Backup  string
	Workers int
	// Exclude mirrors Callbacks.Exclude; excluded source paths are expected
	// to be absent from the backup.
	Exclude func(srcPath string) bool
	Events  chan<- event.Event
}

// VerifyResult holds the outcome of a verification pass.
type VerifyResult struct {
	Verified int64
	Failed   int64
	Errors   []VerifyError
}

// VerifyError records one file whose backup does not match its source.
type VerifyError struct {
	Path       string
	SourceHash string
	BackupHash string
	Err        error
}

// OK reports whether every compared file matched.
func (r VerifyResult) OK() bool { return r.Failed == 0 }

// Verify walks the source tree and compares the BLAKE3 digest of every
// regular file with its backup copy, fanning the hashing out to
// cfg.Workers goroutines.
func Verify(ctx context.Context, cfg VerifyConfig) (VerifyResult, error) {
	event.Emit(cfg.Events, event.Event{Type: event.VerifyStarted})

	files, err := collectVerifyFiles(ctx, cfg)
	if err != nil {
		return VerifyResult{}, err
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}

	var (
		mu     sync.Mutex
		result VerifyResult
	)
	record := func(ve *VerifyError, rel string) {
		mu.Lock()
		defer mu.Unlock()
		if ve == nil {
			result.Verified++
			event.Emit(cfg.Events, event.Event{Type: event.VerifyOK, Path: rel})
			return
		}
		result.Failed++
		result.Errors = append(result.Errors, *ve)
		event.Emit(cfg.Events, event.Event{Type: event.VerifyFailed, Path: rel, Error: ve.Err})
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, rel := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			record(compareFile(cfg, rel), rel)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}
	return result, nil
}

// compareFile returns nil when the backup of rel matches its source.
func compareFile(cfg VerifyConfig, rel string) *VerifyError {
	srcHash, err := HashFile(filepath.Join(cfg.Source, rel))
	if err != nil {
		return &VerifyError{Path: rel, SourceHash: "error", BackupHash: "n/a", Err: err}
	}
	dstHash, err := HashFile(filepath.Join(cfg.Backup, rel))
	if err != nil {
		return &VerifyError{Path: rel, SourceHash: srcHash, BackupHash: "error", Err: err}
	}
	if srcHash != dstHash {
		return &VerifyError{Path: rel, SourceHash: srcHash, BackupHash: dstHash}
	}
	return nil
}

// collectVerifyFiles lists the regular files under the source root,
// relative to it, skipping excluded subtrees.
func collectVerifyFiles(ctx context.Context, cfg VerifyConfig) ([]string, error) {
	var files []string
	err := filepath.WalkDir(cfg.Source, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path != cfg.Source && cfg.Exclude != nil && cfg.Exclude(path) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(cfg.Source, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	return files, err
}
