package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bamsammich/hotbackup/internal/engine"
	"github.com/bamsammich/hotbackup/internal/ui"
)

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <source> <backup>",
		Short: "Compare a finished backup against its source by BLAKE3 digest",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return verifyBackup(ctx, args[0], args[1], os.Stdout)
		},
	}
}

func verifyBackup(ctx context.Context, src, backup string, w io.Writer) error {
	res, err := engine.Verify(ctx, engine.VerifyConfig{Source: src, Backup: backup})
	if err != nil {
		return err
	}
	for _, ve := range res.Errors {
		if ve.Err != nil {
			fmt.Fprintf(w, "MISMATCH: %s (%v)\n", ve.Path, ve.Err)
		} else {
			fmt.Fprintf(w, "MISMATCH: %s\n", ve.Path)
		}
	}
	fmt.Fprintf(w, "verified %s, mismatched %s\n",
		ui.FormatCount(res.Verified), ui.FormatCount(res.Failed))
	if !res.OK() {
		return &exitError{code: 1}
	}
	return nil
}
