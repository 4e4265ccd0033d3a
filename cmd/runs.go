package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/vmrs-cli/internal/model"
	"github.com/sells-group/vmrs-cli/internal/monitoring"
	"github.com/sells-group/vmrs-cli/internal/resilience"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect classification run history",
	Long:  "Commands for listing, viewing, and summarizing classification runs and their failure ledger.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List classification runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListRuns(ctx, model.RunFilter{
			Status: model.RunStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the summary of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

// -- runs failures --

var runsFailuresCmd = &cobra.Command{
	Use:   "failures <run-id>",
	Short: "List records of a run that ended in a system failure",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		errType, _ := cmd.Flags().GetString("error-type")
		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := st.ListFailures(ctx, resilience.FailureFilter{
			RunID:     args[0],
			ErrorType: errType,
			Limit:     limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs failures")
		}

		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No failures recorded.")
			return nil
		}

		formatFailures(os.Stdout, entries)
		return nil
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate statistics over recent runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		hours := int(since.Hours())
		if hours < 1 {
			hours = 1
		}

		snap, err := monitoring.NewCollector(st).Collect(ctx, hours)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		formatRunStats(os.Stdout, snap)
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (running, complete, cancelled, failed)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsFailuresCmd.Flags().String("error-type", "", "filter by error type (transient, permanent)")
	runsFailuresCmd.Flags().Int("limit", 100, "max number of failures to display")

	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsFailuresCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tINPUT\tSTATUS\tRECORDS\tAPPROVED\tREVIEW\tFAILED\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t-----\t------\t-------\t--------\t------\t------\t-------\t--------")

	for _, r := range runs {
		dur := r.UpdatedAt.Sub(r.CreatedAt).Round(time.Second).String()

		input := filepath.Base(r.InputPath)
		if len(input) > 30 {
			input = input[:27] + "..."
		}

		var total, approved, review, failed int
		if s := r.Summary; s != nil {
			total, approved, review, failed = s.Total, s.Approved, s.BusinessReview, s.SystemFailures
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			truncateID(r.ID),
			input,
			r.Status,
			total, approved, review, failed,
			r.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatFailures writes the failure ledger entries of a run to w.
func formatFailures(out io.Writer, entries []resilience.FailureEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ITEM_CODE\tCATEGORY\tSTAGE\tSTATE\tTYPE\tATTEMPTS\tERROR")
	_, _ = fmt.Fprintln(w, "---------\t--------\t-----\t-----\t----\t--------\t-----")
	for _, e := range entries {
		msg := e.Error
		if len(msg) > 60 {
			msg = msg[:57] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			e.ItemCode, e.CategoryID, e.Stage, e.State, e.ErrorType, e.Attempts, msg)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, snap *monitoring.Snapshot) {
	s := snap.Summary
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Window:\tlast %dh\n", snap.LookbackHours)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", snap.Runs)
	_, _ = fmt.Fprintf(w, "Complete:\t%d\n", snap.Complete)
	_, _ = fmt.Fprintf(w, "Cancelled:\t%d\n", snap.Cancelled)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", snap.Failed)
	_, _ = fmt.Fprintf(w, "Running:\t%d\n", snap.Running)
	_, _ = fmt.Fprintf(w, "Records:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "  Approved:\t%d\n", s.Approved)
	_, _ = fmt.Fprintf(w, "  Business review:\t%d (%.1f%%)\n", s.BusinessReview, s.ReviewRate()*100)
	_, _ = fmt.Fprintf(w, "  System failures:\t%d (%.1f%%)\n", s.SystemFailures, s.FailureRate()*100)
	_, _ = fmt.Fprintf(w, "  Incomplete:\t%d\n", s.Incomplete)
	_, _ = fmt.Fprintf(w, "Cost:\t$%.2f\n", s.CostUSD)
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
