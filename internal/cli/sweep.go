package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ianlintner/AI-Pipeline/config"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Time out overdue requests once, and optionally purge expired ones",
	Long: `Run the timeout sweep once outside the Coordinator's schedule. Requests
that stayed in a stage past its deadline move to TimedOut. With --purge,
expired terminal requests are also removed from stores that do not evict
them natively.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		purge, _ := cmd.Flags().GetBool("purge")
		return withBackends(cmd, func(ctx context.Context, cfg *config.Config, logger *slog.Logger, bk *backends) error {
			coord, err := newCoordinator(cfg, logger, bk)
			if err != nil {
				return err
			}
			n, err := coord.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "timed out: %d\n", n)

			if purge {
				n, err := coord.Purge(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged: %d\n", n)
			}
			return nil
		})
	},
}

func init() {
	sweepCmd.Flags().Bool("purge", false, "Also purge expired terminal requests")
}
