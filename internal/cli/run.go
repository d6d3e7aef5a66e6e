package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ianlintner/AI-Pipeline/config"
	"github.com/ianlintner/AI-Pipeline/engine"
	"github.com/ianlintner/AI-Pipeline/message"
	"github.com/ianlintner/AI-Pipeline/stage"
	"github.com/ianlintner/AI-Pipeline/worker"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the Coordinator and every stage worker in one process",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEngine(cmd, true, message.Order)
	},
}

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Run only the Coordinator and its maintenance schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEngine(cmd, true, nil)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run stage workers",
	Long: `Run stage workers without a Coordinator. Repeat --stage to run several
stages in one process; without --stage every stage is run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		names, _ := cmd.Flags().GetStringSlice("stage")
		stages := message.Order
		if len(names) > 0 {
			stages = nil
			for _, n := range names {
				s := message.Stage(n)
				if !s.Valid() {
					return fmt.Errorf("unknown stage %q", n)
				}
				stages = append(stages, s)
			}
		}
		return runEngine(cmd, false, stages)
	},
}

func init() {
	workerCmd.Flags().StringSlice("stage", nil, "Stage to run: triage, ticket or issue")
}

// runEngine builds an engine for the given role and blocks until
// SIGINT or SIGTERM.
func runEngine(cmd *cobra.Command, withCoordinator bool, stages []message.Stage) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bk, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer bk.Close()

	opts, err := engineOptions(cfg, logger, stages)
	if err != nil {
		return err
	}
	if !withCoordinator {
		opts = append(opts, engine.WithoutCoordinator())
	}

	eng, err := engine.New(bk.Store, bk.Bus, cfg.Core(), opts...)
	if err != nil {
		return err
	}

	logger.Info("pipeline starting",
		slog.String("version", version),
		slog.Bool("coordinator", withCoordinator),
		slog.Int("stages", len(stages)),
	)
	return eng.Run(ctx)
}

// engineOptions translates cfg into engine options running harnesses for
// stages.
func engineOptions(cfg *config.Config, logger *slog.Logger, stages []message.Stage) ([]engine.Option, error) {
	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithRetryPolicy(cfg.RetryPolicy()),
	}

	if len(stages) > 0 {
		trk, err := newTracker(cfg)
		if err != nil {
			return nil, err
		}
		builtins := stage.Builtins(newIntel(cfg), trk)
		for _, s := range stages {
			opts = append(opts,
				engine.WithStage(s, builtins[s]),
				engine.WithStageTimeout(s, cfg.StageTimeout(s)),
			)
		}
	}

	if tc := cfg.ThrottleConfigs(); len(tc) > 0 {
		opts = append(opts, engine.WithThrottle(tc...))
	}
	if cfg.Worker.DLQ {
		opts = append(opts, engine.WithDLQ())
	}
	if cfg.Pipeline.DirectChaining {
		opts = append(opts, engine.WithDirectChaining())
	}

	var wopts []worker.Option
	if cfg.Worker.Concurrency > 0 {
		wopts = append(wopts, worker.WithConcurrency(cfg.Worker.Concurrency))
	}
	if cfg.Worker.GuardSize > 0 {
		wopts = append(wopts, worker.WithGuardSize(cfg.Worker.GuardSize))
	}
	if len(wopts) > 0 {
		opts = append(opts, engine.WithWorkerOptions(wopts...))
	}
	return opts, nil
}

// withBackends loads the config, opens the backends and calls fn.
func withBackends(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, logger *slog.Logger, bk *backends) error) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	bk, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer bk.Close()
	return fn(ctx, cfg, logger, bk)
}
