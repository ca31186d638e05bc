package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/bom-pipeline/internal/model"
	"github.com/sells-group/bom-pipeline/internal/monitoring"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect pipeline history",
	Long:  "Commands for listing pipelines, their enriched components and aggregate statistics.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipelines",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("control"); err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		org, _ := cmd.Flags().GetString("org")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := model.PipelineFilter{OrganizationID: org, Limit: limit}
		if status != "" {
			for _, s := range strings.Split(status, ",") {
				ps := model.PipelineStatus(strings.TrimSpace(s))
				if !ps.Valid() {
					return eris.Errorf("unknown status %q", s)
				}
				filter.Statuses = append(filter.Statuses, ps)
			}
		}

		states, err := st.ListPipelines(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(states) == 0 {
			fmt.Fprintln(os.Stderr, "No pipelines found.")
			return nil
		}

		formatPipelineList(os.Stdout, states)
		return nil
	},
}

// -- runs components --

var runsComponentsCmd = &cobra.Command{
	Use:   "components <bom-id>",
	Short: "List the enriched components of a pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("control"); err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		comps, err := st.ListEnrichedComponents(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs components")
		}
		if len(comps) == 0 {
			fmt.Fprintln(os.Stderr, "No enriched components.")
			return nil
		}

		formatComponents(os.Stdout, comps)
		return nil
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate pipeline statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("control"); err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		stale := time.Duration(cfg.Monitoring.StaleMinutes) * time.Minute

		snap, err := monitoring.NewCollector(st, stale).Collect(ctx, int(since.Hours()))
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		formatPipelineStats(os.Stdout, snap)
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by status, comma separated (pending, running, paused, completed, failed, cancelled)")
	runsListCmd.Flags().String("org", "", "filter by organization id")
	runsListCmd.Flags().Int("limit", 50, "max number of pipelines to display")

	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h; 0 for all)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsComponentsCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatPipelineList writes a tabular list of pipelines to w.
func formatPipelineList(out io.Writer, states []*model.PipelineState) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "BOM_ID\tSTATUS\tSTAGE\tITEMS\tENRICHED\tFAILED\tGRADE\tCREATED")
	_, _ = fmt.Fprintln(w, "------\t------\t-----\t-----\t--------\t------\t-----\t-------")

	for _, st := range states {
		grade := st.HealthGrade
		if grade == "" {
			grade = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			truncate(st.BOMID, 36),
			st.Status,
			st.CurrentStage,
			st.TotalItems,
			st.EnrichedItems,
			st.FailedItems,
			grade,
			st.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatComponents writes enriched components to w.
func formatComponents(out io.Writer, comps []model.EnrichedComponent) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "MPN\tMANUFACTURER\tSOURCE\tCONFIDENCE\tLIFECYCLE\tSTOCK\tLEAD_DAYS")
	for _, c := range comps {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\t%d\t%d\n",
			c.MPN,
			truncate(c.Manufacturer, 24),
			c.Source,
			c.MatchConfidence,
			c.LifecycleStatus,
			c.Stock,
			c.LeadTimeDays,
		)
	}
	_ = w.Flush()
}

// formatPipelineStats writes aggregate stats to w.
func formatPipelineStats(out io.Writer, s *monitoring.MetricsSnapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if s.LookbackHours > 0 {
		_, _ = fmt.Fprintf(w, "Window:\t%dh\n", s.LookbackHours)
	} else {
		_, _ = fmt.Fprintf(w, "Window:\tall\n")
	}
	_, _ = fmt.Fprintf(w, "Total pipelines:\t%d\n", s.PipelineTotal)
	_, _ = fmt.Fprintf(w, "Completed:\t%d\n", s.PipelineCompleted)
	_, _ = fmt.Fprintf(w, "  Degraded:\t%d\n", s.PipelineDegraded)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.PipelineFailed)
	_, _ = fmt.Fprintf(w, "Cancelled:\t%d\n", s.PipelineCancelled)
	_, _ = fmt.Fprintf(w, "In flight:\t%d\n", s.PipelinePending+s.PipelineRunning+s.PipelinePaused)
	if len(s.PipelineStale) > 0 {
		_, _ = fmt.Fprintf(w, "  Stale:\t%d\n", len(s.PipelineStale))
	}
	if s.Finished() > 0 {
		_, _ = fmt.Fprintf(w, "Failure rate:\t%.1f%%\n", s.PipelineFailRate*100)
	}
	_, _ = fmt.Fprintf(w, "Items:\t%d (%d enriched, %d failed)\n", s.ItemsTotal, s.ItemsEnriched, s.ItemsFailed)
	if s.AvgRiskScore > 0 {
		_, _ = fmt.Fprintf(w, "Avg risk score:\t%.1f\n", s.AvgRiskScore)
	}
	if len(s.HealthGrades) > 0 {
		grades := make([]string, 0, len(s.HealthGrades))
		for g := range s.HealthGrades {
			grades = append(grades, g)
		}
		sort.Strings(grades)
		parts := make([]string, 0, len(grades))
		for _, g := range grades {
			parts = append(parts, fmt.Sprintf("%s=%d", g, s.HealthGrades[g]))
		}
		_, _ = fmt.Fprintf(w, "Health grades:\t%s\n", strings.Join(parts, " "))
	}
	_ = w.Flush()
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
