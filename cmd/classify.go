package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/vmrs-cli/internal/model"
	"github.com/sells-group/vmrs-cli/internal/monitoring"
	"github.com/sells-group/vmrs-cli/internal/pipeline"
	"github.com/sells-group/vmrs-cli/internal/resilience"
	"github.com/sells-group/vmrs-cli/internal/store"
)

// classifyOptions are the classify command's flags.
type classifyOptions struct {
	Input     string
	Catalog   string
	Examples  string
	OutputDir string
	DryRun    bool
	Offline   bool
}

var classifyOpts classifyOptions

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Classify a parts file into approved and review tables",
	Long: `Routes every record of the parts file through the classification pipeline
and writes approved.csv, review_queue.csv and summary.json.

Examples:
  # Offline run with stub collaborators (no API keys needed)
  vmrs-cli classify --input parts.csv --catalog catalog.csv --offline

  # Real APIs, no files or database writes
  vmrs-cli classify --input parts.xlsx --catalog catalog.csv --dry-run`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		res, err := runClassify(ctx, classifyOpts)
		if res != nil {
			formatSummary(os.Stdout, res.Summary)
		}
		return err
	},
}

func init() {
	f := classifyCmd.Flags()
	f.StringVar(&classifyOpts.Input, "input", "", "parts file (.csv or .xlsx)")
	f.StringVar(&classifyOpts.Catalog, "catalog", "", "VMRS catalog file (.csv or .xlsx)")
	f.StringVar(&classifyOpts.Examples, "examples", "", "validated examples file (default from config)")
	f.StringVar(&classifyOpts.OutputDir, "output-dir", "", "output directory (default from config)")
	f.BoolVar(&classifyOpts.DryRun, "dry-run", false, "run the pipeline without writing files or the database")
	f.BoolVar(&classifyOpts.Offline, "offline", false, "use the deterministic stub oracle and searcher")
	_ = classifyCmd.MarkFlagRequired("input")
	_ = classifyCmd.MarkFlagRequired("catalog")
	rootCmd.AddCommand(classifyCmd)
}

// runClassify executes one run end to end. The result is returned even when
// the run was cancelled or a category failed, so partial summaries can be
// reported.
func runClassify(ctx context.Context, opts classifyOptions) (*pipeline.Result, error) {
	mode := "classify"
	if opts.Offline {
		mode = "offline"
	}
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	records, err := pipeline.LoadRecords(ctx, opts.Input)
	if err != nil {
		return nil, err
	}
	catalog, err := pipeline.LoadCatalog(ctx, opts.Catalog)
	if err != nil {
		return nil, err
	}
	examplesPath := opts.Examples
	if examplesPath == "" {
		examplesPath = cfg.Paths.ExamplesFile
	}
	examples, err := pipeline.LoadExamples(ctx, examplesPath)
	if err != nil {
		return nil, err
	}

	var st store.Store
	if !opts.DryRun {
		st, err = openStore(ctx)
		if err != nil {
			return nil, err
		}
		defer st.Close() //nolint:errcheck
	}

	env, err := initPipeline(cfg, catalog, st, opts.Offline)
	if err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	log := zap.L().With(zap.String("run_id", runID))
	log.Info("classify: starting",
		zap.String("input", opts.Input),
		zap.Int("records", len(records)),
		zap.Int("catalog_entries", catalog.Len()),
		zap.Int("examples", len(examples)),
		zap.Bool("dry_run", opts.DryRun),
	)

	if st != nil {
		if _, err := st.CreateRun(ctx, runID, opts.Input); err != nil {
			return nil, eris.Wrap(err, "classify: create run")
		}
	}

	rc := pipeline.NewRunContext(runID, nil, env.Costs)
	res, runErr := env.Pipeline.Run(ctx, rc, pipeline.Input{
		Records:  records,
		Catalog:  catalog,
		Examples: examples,
	})

	// Persistence and reporting outlive a cancelled run.
	bg := context.WithoutCancel(ctx)

	if res == nil {
		if st != nil {
			if err := st.UpdateRunStatus(bg, runID, model.RunStatusFailed); err != nil {
				log.Warn("classify: mark run failed", zap.Error(err))
			}
		}
		return nil, runErr
	}

	if st != nil {
		if err := persistRun(bg, st, runID, res, rc.Conflicts(), runErr); err != nil {
			return res, err
		}
	}

	for service, state := range env.Breakers.States() {
		if state != resilience.CircuitClosed {
			log.Warn("classify: breaker not closed at end of run",
				zap.String("service", service), zap.String("state", state.String()))
		}
	}

	deliverAlerts(bg, monitoring.NewAlerter(cfg.Monitoring), res.Summary, opts.DryRun)

	if !opts.DryRun {
		outDir := opts.OutputDir
		if outDir == "" {
			outDir = cfg.Paths.OutputDir
		}
		if err := pipeline.WriteOutputs(outDir, res.Output, res.Summary); err != nil {
			return res, err
		}
		log.Info("classify: outputs written", zap.String("dir", outDir))
	}

	return res, runErr
}

// deliverAlerts evaluates the run summary and sends any alerts. A dry run
// only logs them. It returns the number delivered to the webhook.
func deliverAlerts(ctx context.Context, alerter *monitoring.Alerter, summary *model.RunSummary, dryRun bool) int {
	alerts := alerter.Evaluate(summary)
	if len(alerts) == 0 {
		return 0
	}
	if dryRun {
		for _, a := range alerts {
			zap.L().Info("classify: dry run, alert not delivered",
				zap.String("type", string(a.Type)),
				zap.String("message", a.Message),
			)
		}
		return 0
	}
	return alerter.Notify(ctx, alerts)
}

// persistRun stores dispositions, the failure ledger, cache conflicts and
// the final summary.
func persistRun(ctx context.Context, st store.Store, runID string, res *pipeline.Result, conflicts []model.CacheConflict, runErr error) error {
	saved, err := st.SaveDispositions(ctx, runID, res.Records)
	if err != nil {
		return eris.Wrap(err, "classify: save dispositions")
	}

	now := time.Now().UTC()
	var failures []resilience.FailureEntry
	for _, r := range res.Records {
		if e, ok := resilience.NewFailureEntry(runID, r, now); ok {
			failures = append(failures, e)
		}
	}
	if err := st.SaveFailures(ctx, failures); err != nil {
		return eris.Wrap(err, "classify: save failures")
	}
	if err := st.SaveConflicts(ctx, conflicts); err != nil {
		return eris.Wrap(err, "classify: save cache conflicts")
	}

	status := model.RunStatusComplete
	switch {
	case res.Summary.Cancelled:
		status = model.RunStatusCancelled
	case runErr != nil:
		status = model.RunStatusFailed
	}
	if err := st.CompleteRun(ctx, runID, status, res.Summary); err != nil {
		return eris.Wrap(err, "classify: complete run")
	}

	zap.L().Info("classify: run persisted",
		zap.String("run_id", runID),
		zap.String("status", string(status)),
		zap.Int("dispositions", saved),
		zap.Int("failures", len(failures)),
		zap.Int("cache_conflicts", len(conflicts)),
	)
	return nil
}

// formatSummary writes the operator-facing run summary.
func formatSummary(out io.Writer, s *model.RunSummary) {
	if s == nil {
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", s.RunID)
	_, _ = fmt.Fprintf(w, "Records:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Approved:\t%d\n", s.Approved)
	_, _ = fmt.Fprintf(w, "Business review:\t%d\n", s.BusinessReview)
	_, _ = fmt.Fprintf(w, "System failures:\t%d\n", s.SystemFailures)
	if s.Incomplete > 0 || s.Cancelled {
		_, _ = fmt.Fprintf(w, "Incomplete:\t%d (cancelled)\n", s.Incomplete)
	}
	for _, d := range model.Dispositions {
		_, _ = fmt.Fprintf(w, "  %s:\t%d\n", d, s.Dispositions[d])
	}
	_, _ = fmt.Fprintf(w, "Oracle calls:\t%d\n", s.OracleCalls)
	_, _ = fmt.Fprintf(w, "Search calls:\t%d (cache hits %d, conflicts %d)\n", s.SearchCalls, s.CacheHits, s.CacheConflicts)
	_, _ = fmt.Fprintf(w, "Retries:\t%d\n", s.Retries)
	_, _ = fmt.Fprintf(w, "Cost:\t$%.4f\n", s.CostUSD)
	_ = w.Flush()
}
