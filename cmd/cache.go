package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/vmrs-cli/internal/model"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Maintain the enrichment cache",
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete cache entries older than the TTL",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if olderThan <= 0 {
			olderThan = cfg.Cache.TTL()
		}
		cutoff := time.Now().UTC().Add(-olderThan)

		n, err := st.PruneEnrichment(ctx, cutoff)
		if err != nil {
			return eris.Wrap(err, "cache prune")
		}
		zap.L().Info("cache pruned", zap.Int("deleted", n), zap.Time("cutoff", cutoff))
		fmt.Fprintf(os.Stdout, "Deleted %d cache entries older than %s\n", n, cutoff.Format(time.RFC3339))
		return nil
	},
}

var cacheConflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List recorded cache write conflicts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		conflicts, err := st.ListConflicts(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "cache conflicts")
		}
		if len(conflicts) == 0 {
			fmt.Fprintln(os.Stderr, "No cache conflicts recorded.")
			return nil
		}
		formatConflicts(os.Stdout, conflicts)
		return nil
	},
}

func init() {
	cachePruneCmd.Flags().Duration("older-than", 0, "age cutoff (default cache.ttl_hours)")
	cacheConflictsCmd.Flags().Int("limit", 50, "max number of conflicts to display")

	cacheCmd.AddCommand(cachePruneCmd)
	cacheCmd.AddCommand(cacheConflictsCmd)
	rootCmd.AddCommand(cacheCmd)
}

// formatConflicts writes cache conflicts to w.
func formatConflicts(out io.Writer, conflicts []model.CacheConflict) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ITEM_CODE\tSIGNATURE\tEXISTING\tINCOMING\tRESOLUTION\tRUN\tAT")
	_, _ = fmt.Fprintln(w, "---------\t---------\t--------\t--------\t----------\t---\t--")
	for _, c := range conflicts {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			c.ItemCode, c.QuerySignature, c.ExistingConfidence, c.IncomingConfidence,
			c.Resolution, truncateID(c.RunID), c.CreatedAt.Format("2006-01-02 15:04"))
	}
	_ = w.Flush()
}
