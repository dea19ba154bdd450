package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bamsammich/hotbackup/internal/config"
	"github.com/bamsammich/hotbackup/internal/history"
	"github.com/bamsammich/hotbackup/internal/ui"
)

func newHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded backup runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := history.Open(config.HistoryPath())
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printRuns(os.Stdout, runs)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "show at most N runs (0 for all)")
	return cmd
}

func printRuns(w io.Writer, runs []history.Run) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tRESULT\tFILES\tSIZE\tMIRRORED\tTIME\tSOURCE\tDESTINATION")
	for _, r := range runs {
		result := r.Result
		if len(r.Mismatches) > 0 {
			result += fmt.Sprintf(" (%d mismatched)", len(r.Mismatches))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Started.Local().Format("2006-01-02 15:04:05"),
			result,
			ui.FormatCount(r.FilesCopied),
			ui.FormatBytes(r.BytesCopied),
			ui.FormatCount(r.WritesMirrored),
			ui.FormatDuration(r.Duration()),
			r.Source,
			r.Destination,
		)
	}
	return tw.Flush()
}
