package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// sweepCommand archives every baptism and wedding past retention. Reads
// already sweep lazily; this is for running from cron so the archive stays
// current when nobody is using the API.
func sweepCommand() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Archive sacrament records older than the retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := loadConfig()
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			n, err := rt.engine.Sweep(ctx, "")
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "archived %d records (cutoff %s)\n", n, rt.engine.Cutoff().Format("2006-01-02"))
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "abort the sweep after this long")
	return cmd
}
