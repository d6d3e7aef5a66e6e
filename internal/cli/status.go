package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ianlintner/AI-Pipeline/config"
	"github.com/ianlintner/AI-Pipeline/coordinator"
	"github.com/ianlintner/AI-Pipeline/id"
	"github.com/ianlintner/AI-Pipeline/message"
	"github.com/ianlintner/AI-Pipeline/request"
)

var statusCmd = &cobra.Command{
	Use:   "status <request-id>",
	Short: "Show the state of one request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rid, err := id.ParseRequestID(args[0])
		if err != nil {
			return err
		}
		return withBackends(cmd, func(ctx context.Context, cfg *config.Config, logger *slog.Logger, bk *backends) error {
			coord, err := newCoordinator(cfg, logger, bk)
			if err != nil {
				return err
			}
			r, err := coord.GetStatus(ctx, rid)
			if err != nil {
				return err
			}
			return printRequest(cmd, r)
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List in-flight requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		cursor, _ := cmd.Flags().GetString("cursor")
		all, _ := cmd.Flags().GetBool("all")
		reportID, _ := cmd.Flags().GetString("report")

		return withBackends(cmd, func(ctx context.Context, cfg *config.Config, logger *slog.Logger, bk *backends) error {
			coord, err := newCoordinator(cfg, logger, bk)
			if err != nil {
				return err
			}
			page, err := coord.ListActive(ctx,
				request.Filter{IncludeTerminal: all, BugReportID: reportID},
				request.ListOpts{Limit: limit, Cursor: cursor},
			)
			if err != nil {
				return err
			}

			if format, _ := cmd.Flags().GetString("format"); format == "json" {
				return printJSON(cmd, page)
			}

			w := cmd.OutOrStdout()
			if len(page.Requests) == 0 {
				fmt.Fprintln(w, "No requests found.")
				return nil
			}
			fmt.Fprintf(w, "%-40s %-12s %-18s %-12s %s\n", "REQUEST", "STATUS", "STATE", "REPORT", "TITLE")
			fmt.Fprintf(w, "%-40s %-12s %-18s %-12s %s\n",
				strings.Repeat("-", 40),
				strings.Repeat("-", 12),
				strings.Repeat("-", 18),
				strings.Repeat("-", 12),
				strings.Repeat("-", 5))
			for _, r := range page.Requests {
				title := r.Report.Title
				if len(title) > 40 {
					title = title[:37] + "..."
				}
				fmt.Fprintf(w, "%-40s %-12s %-18s %-12s %s\n",
					r.ID, r.Status, r.CurrentStage, r.BugReportID, title)
			}
			if page.NextCursor != "" {
				fmt.Fprintf(w, "\nnext cursor: %s\n", page.NextCursor)
			}
			return nil
		})
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check store and bus connectivity and topic backlogs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackends(cmd, func(ctx context.Context, cfg *config.Config, logger *slog.Logger, bk *backends) error {
			coord, err := newCoordinator(cfg, logger, bk)
			if err != nil {
				return err
			}
			h := coord.Health(ctx)

			if format, _ := cmd.Flags().GetString("format"); format == "json" {
				if err := printJSON(cmd, h); err != nil {
					return err
				}
			} else {
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "status: %s\n", h.Status)
				for _, name := range sortedKeys(h.Components) {
					c := h.Components[name]
					if c.Error != "" {
						fmt.Fprintf(w, "  %-8s %s (%s)\n", name, c.Status, c.Error)
					} else {
						fmt.Fprintf(w, "  %-8s %s\n", name, c.Status)
					}
				}
				fmt.Fprintln(w, "backlog:")
				for _, topic := range sortedKeys(h.Backlog) {
					fmt.Fprintf(w, "  %-24s %d\n", topic, h.Backlog[topic])
				}
			}
			if h.Status != coordinator.StatusHealthy {
				return fmt.Errorf("pipeline is %s", h.Status)
			}
			return nil
		})
	},
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text or json")

	listCmd.Flags().Int("limit", request.DefaultPageSize, "Maximum requests per page")
	listCmd.Flags().String("cursor", "", "Continue after this cursor")
	listCmd.Flags().Bool("all", false, "Include terminal requests")
	listCmd.Flags().String("report", "", "Only requests for this bug report ID")
	listCmd.Flags().String("format", "text", "Output format: text or json")

	healthCmd.Flags().String("format", "text", "Output format: text or json")
}

func printRequest(cmd *cobra.Command, r *request.RequestState) error {
	if format, _ := cmd.Flags().GetString("format"); format == "json" {
		return printJSON(cmd, r)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "request:  %s\n", r.ID)
	fmt.Fprintf(w, "report:   %s (%s)\n", r.BugReportID, r.Report.Title)
	fmt.Fprintf(w, "status:   %s\n", r.Status)
	fmt.Fprintf(w, "state:    %s\n", r.CurrentStage)
	if r.ErrorMessage != "" {
		fmt.Fprintf(w, "error:    %s\n", r.ErrorMessage)
	}
	if r.External != nil {
		fmt.Fprintf(w, "issue:    #%d %s\n", r.External.Number, r.External.URL)
	}
	if r.ProcessingTime > 0 {
		fmt.Fprintf(w, "elapsed:  %s\n", r.ProcessingTime)
	}
	for _, s := range message.Order {
		st, ok := r.Stages[s]
		if !ok {
			continue
		}
		line := fmt.Sprintf("  %-7s %-10s %s", s, st.Status, st.Timestamp.Format("15:04:05"))
		if st.Attempts > 0 {
			line += fmt.Sprintf(" attempts=%d", st.Attempts)
		}
		if st.Error != "" {
			line += " error=" + st.Error
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
