// Package cli implements the pipeline command line: long-running process
// roles (run, coordinator, worker) and one-shot operator commands.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ianlintner/AI-Pipeline/config"
)

var version = "dev"

// SetVersion sets the version reported by the version command.
func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "pipeline: a staged bug-report processing orchestrator",
	Long: `pipeline takes bug reports through triage, ticket drafting and issue
creation. A Coordinator owns request state and dispatches stage tasks over
a message bus; stage workers run the stages and report back.

Run everything in one process with "pipeline run", or split roles with
"pipeline coordinator" and "pipeline worker --stage <name>".

The memory store and bus are process-local, so the one-shot commands
(submit, status, list, health, sweep, dlq) only see shared state with the
redis, postgres, mongo or kafka drivers.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the YAML config file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(coordinatorCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(dlqCmd)
}

// loadConfig reads the --config file and builds the logger it describes.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, cfg.NewLogger(os.Stderr), nil
}
