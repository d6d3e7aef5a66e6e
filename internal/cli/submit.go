package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ianlintner/AI-Pipeline/config"
	"github.com/ianlintner/AI-Pipeline/coordinator"
	"github.com/ianlintner/AI-Pipeline/report"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a bug report",
	Long: `Submit a bug report for processing. The report is read from --file (a
JSON document, "-" for stdin) or built from the --id, --title,
--description and --reporter flags.

With --wait the command polls until the request reaches a terminal
status or the wait elapses.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rep, err := reportFromFlags(cmd)
		if err != nil {
			return err
		}
		return withBackends(cmd, func(ctx context.Context, cfg *config.Config, logger *slog.Logger, bk *backends) error {
			coord, err := newCoordinator(cfg, logger, bk)
			if err != nil {
				return err
			}
			rid, err := coord.Submit(ctx, rep)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), rid.String())

			wait, _ := cmd.Flags().GetDuration("wait")
			if wait <= 0 {
				return nil
			}
			waitCtx, cancel := context.WithTimeout(ctx, wait)
			defer cancel()
			ticker := time.NewTicker(500 * time.Millisecond)
			defer ticker.Stop()
			for {
				r, err := coord.GetStatus(waitCtx, rid)
				if err != nil {
					return err
				}
				if r.Status.Terminal() {
					return printRequest(cmd, r)
				}
				select {
				case <-waitCtx.Done():
					return fmt.Errorf("request %s still %s after %s", rid, r.Status, wait)
				case <-ticker.C:
				}
			}
		})
	},
}

func init() {
	submitCmd.Flags().String("file", "", `Bug report JSON file, "-" for stdin`)
	submitCmd.Flags().String("id", "", "Bug report ID")
	submitCmd.Flags().String("title", "", "Bug report title")
	submitCmd.Flags().String("description", "", "Bug report description")
	submitCmd.Flags().String("reporter", "", "Reporter name or email")
	submitCmd.Flags().String("environment", "", "Environment the bug was seen in")
	submitCmd.Flags().Duration("wait", 0, "Wait up to this long for a terminal status")
	submitCmd.Flags().String("format", "text", "Output format with --wait: text or json")
}

func reportFromFlags(cmd *cobra.Command) (report.BugReport, error) {
	var rep report.BugReport
	if path, _ := cmd.Flags().GetString("file"); path != "" {
		var r io.Reader = cmd.InOrStdin()
		if path != "-" {
			f, err := os.Open(path)
			if err != nil {
				return rep, err
			}
			defer f.Close()
			r = f
		}
		if err := json.NewDecoder(r).Decode(&rep); err != nil {
			return rep, fmt.Errorf("decode bug report: %w", err)
		}
		return rep, nil
	}

	rep.ID, _ = cmd.Flags().GetString("id")
	rep.Title, _ = cmd.Flags().GetString("title")
	rep.Description, _ = cmd.Flags().GetString("description")
	rep.Reporter, _ = cmd.Flags().GetString("reporter")
	rep.Environment, _ = cmd.Flags().GetString("environment")
	return rep, nil
}

// newCoordinator builds a Coordinator for one-shot commands. It is never
// started; the commands call its methods directly.
func newCoordinator(cfg *config.Config, logger *slog.Logger, bk *backends) (*coordinator.Coordinator, error) {
	opts := []coordinator.Option{coordinator.WithLogger(logger)}
	if cfg.Pipeline.DirectChaining {
		opts = append(opts, coordinator.WithDirectChaining())
	}
	return coordinator.New(bk.Store, bk.Bus, cfg.Core(), opts...)
}
