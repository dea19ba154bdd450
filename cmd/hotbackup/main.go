package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bamsammich/hotbackup/internal/config"
	"github.com/bamsammich/hotbackup/internal/engine"
	"github.com/bamsammich/hotbackup/internal/filter"
	"github.com/bamsammich/hotbackup/internal/ui"
)

var version = "dev"

func main() {
	os.Exit(run())
}

// filterFlag is a custom pflag.Value that preserves CLI ordering of
// --exclude and --include rules by appending to a shared filter.Chain.
type filterFlag struct {
	chain   *filter.Chain
	include bool
}

func (*filterFlag) String() string { return "" }
func (*filterFlag) Type() string   { return "string" }

func (f *filterFlag) Set(val string) error {
	if f.include {
		return f.chain.AddInclude(val)
	}
	return f.chain.AddExclude(val)
}

// flags holds the parsed root command line.
type flags struct {
	throttle      string
	chunkSize     string
	verify        bool
	history       bool
	filterFile    string
	minSize       string
	maxSize       string
	logFile       string
	metricsListen string
	verbose       bool
	quiet         bool
	showVersion   bool
}

func newRootCmd() *cobra.Command {
	var f flags
	chain := filter.NewChain()

	rootCmd := &cobra.Command{
		Use:   "hotbackup [flags] <source> <destination>",
		Short: "Consistent backups of directory trees that are being written to",
		Args: func(cmd *cobra.Command, args []string) error {
			if f.showVersion {
				return nil
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.showVersion {
				fmt.Fprintf(os.Stdout, "hotbackup %s\n", version)
				return nil
			}

			cfg, err := config.Load()
			if err != nil {
				slog.Warn("failed to load config", "error", err)
			}
			if err := applyConfigDefaults(cmd, cfg.Defaults, &f, chain); err != nil {
				return err
			}
			ui.ApplyTheme(cfg.Theme)

			logger, closeLog, err := setupLogging(f)
			if err != nil {
				return err
			}
			defer closeLog()

			opts, err := buildOptions(f, chain, args[0], args[1])
			if err != nil {
				return err
			}
			return runBackup(cmd.Context(), opts, logger)
		},
	}

	rootCmd.Flags().BoolVar(&f.showVersion, "version", false, "print version and exit")
	rootCmd.Flags().
		StringVar(&f.throttle, "throttle", "", "limit the copy rate (e.g. 50M for 50 MiB/s)")
	rootCmd.Flags().
		StringVar(&f.chunkSize, "chunk-size", "", "copy unit per lock hold (default 1M)")
	rootCmd.Flags().BoolVar(&f.verify, "verify", false, "verify checksums after the backup (BLAKE3)")
	rootCmd.Flags().BoolVar(&f.history, "history", true, "record the run in the history database")
	rootCmd.Flags().
		VarP(&filterFlag{chain: chain}, "exclude", "", "exclude files matching PATTERN (repeatable)")
	rootCmd.Flags().
		VarP(&filterFlag{chain: chain, include: true}, "include", "", "include files matching PATTERN (repeatable)")
	rootCmd.Flags().StringVar(&f.filterFile, "filter", "", "read filter rules from FILE")
	rootCmd.Flags().
		StringVar(&f.minSize, "min-size", "", "skip files smaller than SIZE (e.g. 1M, 100K)")
	rootCmd.Flags().
		StringVar(&f.maxSize, "max-size", "", "skip files larger than SIZE (e.g. 1G, 500M)")
	rootCmd.Flags().StringVar(&f.logFile, "log", "", "write structured JSON log to FILE")
	rootCmd.Flags().
		StringVar(&f.metricsListen, "metrics-listen", "", "serve Prometheus metrics on ADDR while the backup runs")
	rootCmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "verbose output")
	rootCmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "suppress all output except errors")

	rootCmd.Flags().VisitAll(func(fl *pflag.Flag) {
		if fl.Name == "exclude" || fl.Name == "include" {
			fl.NoOptDefVal = ""
		}
	})

	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newVerifyCmd())
	rootCmd.AddCommand(newDocsCmd())
	return rootCmd
}

func run() int {
	if err := newRootCmd().Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}

// setupLogging installs the default logger: text on stderr, plus JSON to
// the --log file when one is given.
func setupLogging(f flags) (*slog.Logger, func(), error) {
	logLevel := slog.LevelWarn
	if f.verbose {
		logLevel = slog.LevelDebug
	} else if !f.quiet {
		logLevel = slog.LevelInfo
	}
	textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})

	var handler slog.Handler = textHandler
	closeLog := func() {}
	if f.logFile != "" {
		lf, err := os.Create(f.logFile)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		closeLog = func() { lf.Close() }
		jsonHandler := slog.NewJSONHandler(lf, &slog.HandlerOptions{Level: slog.LevelDebug})
		handler = ui.NewMultiHandler(textHandler, jsonHandler)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, closeLog, nil
}

// applyConfigDefaults applies config file defaults for flags not explicitly
// set on the CLI. Exclude patterns from the file are added after the
// command-line ones.
func applyConfigDefaults(cmd *cobra.Command, d config.DefaultsConfig, f *flags, chain *filter.Chain) error {
	set := func(name string) bool { return cmd.Flags().Changed(name) }

	if !set("throttle") && d.Throttle != nil {
		f.throttle = *d.Throttle
	}
	if !set("chunk-size") && d.ChunkSize != nil {
		f.chunkSize = *d.ChunkSize
	}
	if !set("verify") && d.Verify != nil {
		f.verify = *d.Verify
	}
	if !set("history") && d.History != nil {
		f.history = *d.History
	}
	if !set("filter") && d.FilterFile != nil {
		f.filterFile = *d.FilterFile
	}
	if !set("log") && d.Log != nil {
		f.logFile = *d.Log
	}
	if !set("metrics-listen") && d.MetricsListen != nil {
		f.metricsListen = *d.MetricsListen
	}
	for _, p := range d.Exclude {
		if err := chain.AddExclude(p); err != nil {
			return fmt.Errorf("config exclude %q: %w", p, err)
		}
	}
	return nil
}

// buildOptions validates the parsed flags.
func buildOptions(f flags, chain *filter.Chain, src, dst string) (backupOptions, error) {
	opts := backupOptions{
		Source:        src,
		Destination:   dst,
		Verify:        f.verify,
		History:       f.history,
		MetricsListen: f.metricsListen,
		Verbose:       f.verbose,
		Quiet:         f.quiet,
		JSONLog:       f.logFile != "",
	}

	if f.throttle != "" {
		n, err := filter.ParseSize(f.throttle)
		if err != nil {
			return opts, fmt.Errorf("invalid --throttle: %w", err)
		}
		opts.Throttle = uint64(n)
	}
	if f.chunkSize != "" {
		n, err := filter.ParseSize(f.chunkSize)
		if err != nil {
			return opts, fmt.Errorf("invalid --chunk-size: %w", err)
		}
		if n <= 0 || n > 1<<30 {
			return opts, fmt.Errorf("invalid --chunk-size: %s out of range", f.chunkSize)
		}
		opts.ChunkSize = int(n)
	}

	if f.filterFile != "" {
		if err := chain.LoadFile(f.filterFile); err != nil {
			return opts, fmt.Errorf("load filter file: %w", err)
		}
	}
	if f.minSize != "" {
		n, err := filter.ParseSize(f.minSize)
		if err != nil {
			return opts, fmt.Errorf("invalid --min-size: %w", err)
		}
		chain.SetMinSize(n)
	}
	if f.maxSize != "" {
		n, err := filter.ParseSize(f.maxSize)
		if err != nil {
			return opts, fmt.Errorf("invalid --max-size: %w", err)
		}
		chain.SetMaxSize(n)
	}
	opts.Exclude = chain.Exclude(canonicalRoot(src))
	return opts, nil
}

// canonicalRoot resolves src the way the engine does so exclude rules see
// the same paths. Errors fall through; the engine reports them.
func canonicalRoot(src string) string {
	abs, err := filepath.Abs(src)
	if err != nil {
		return src
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real
	}
	return abs
}

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

// exitCodeFor maps a failed backup to a process exit code: 1 when part of
// the tree was copied, 2 when nothing was.
func exitCodeFor(res engine.Result) int {
	if res.Stats.FilesCopied > 0 {
		return 1
	}
	return 2
}
