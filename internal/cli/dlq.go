package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ianlintner/AI-Pipeline/config"
	"github.com/ianlintner/AI-Pipeline/dlq"
	"github.com/ianlintner/AI-Pipeline/message"
)

// dlqGroup is the consumer group operator commands read dead letters with.
const dlqGroup = "pipeline-operators"

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead-lettered stage tasks",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show dead letters of a stage without consuming them",
	Long: `Show dead letters of a stage. Entries are not acknowledged, so they
become visible again to the operator group after the visibility timeout.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return drainDLQ(cmd, func(ctx context.Context, _ *dlq.Service, e *dlq.Entry) (bool, error) {
			fmt.Fprintf(cmd.OutOrStdout(), "%-36s %-40s %-7s seq=%-3d attempts=%d %s\n",
				e.ID, e.RequestID, e.Stage, e.Sequence, e.Attempts, e.Error)
			return false, nil
		})
	},
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Republish dead-lettered tasks of a stage to the stage topic",
	Long: `Republish dead-lettered tasks to their stage topic and acknowledge them.
Tasks of requests that already reached a terminal status are executed
again, but the Coordinator discards the resulting status events.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var replayed int
		err := drainDLQ(cmd, func(ctx context.Context, svc *dlq.Service, e *dlq.Entry) (bool, error) {
			if err := svc.Replay(ctx, e); err != nil {
				return false, err
			}
			replayed++
			return true, nil
		})
		fmt.Fprintf(cmd.OutOrStdout(), "replayed: %d\n", replayed)
		return err
	},
}

func init() {
	for _, c := range []*cobra.Command{dlqListCmd, dlqReplayCmd} {
		c.Flags().String("stage", "", "Stage whose dead letters to read: triage, ticket or issue")
		c.Flags().Int("max", 100, "Maximum entries to read")
		c.Flags().Duration("wait", 2*time.Second, "Stop after no entry arrived for this long")
		_ = c.MarkFlagRequired("stage")
		dlqCmd.AddCommand(c)
	}
}

// drainDLQ reads dead letters of --stage and calls fn for each. fn
// reports whether the delivery should be acknowledged.
func drainDLQ(cmd *cobra.Command, fn func(ctx context.Context, svc *dlq.Service, e *dlq.Entry) (bool, error)) error {
	name, _ := cmd.Flags().GetString("stage")
	stage := message.Stage(strings.ToLower(name))
	if !stage.Valid() {
		return fmt.Errorf("unknown stage %q", name)
	}
	limit, _ := cmd.Flags().GetInt("max")
	wait, _ := cmd.Flags().GetDuration("wait")

	return withBackends(cmd, func(ctx context.Context, cfg *config.Config, logger *slog.Logger, bk *backends) error {
		svc := dlq.NewService(bk.Bus)
		sub, err := svc.Subscribe(ctx, stage, dlqGroup)
		if err != nil {
			return err
		}
		defer sub.Close()

		for n := 0; n < limit; n++ {
			nextCtx, cancel := context.WithTimeout(ctx, wait)
			d, err := sub.Next(nextCtx)
			cancel()
			if errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			if err != nil {
				return err
			}

			e, err := dlq.Decode(d.Payload)
			if err != nil {
				logger.Warn("dropping malformed dead letter",
					slog.String("delivery_id", d.ID),
					slog.String("error", err.Error()),
				)
				_ = d.Ack(ctx)
				continue
			}
			ack, err := fn(ctx, svc, e)
			if err != nil {
				_ = d.Nack(ctx)
				return err
			}
			if ack {
				if err := d.Ack(ctx); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
