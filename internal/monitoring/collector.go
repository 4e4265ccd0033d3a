package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/vmrs-cli/internal/model"
)

// Snapshot holds a rolled-up view of recent runs.
type Snapshot struct {
	Runs      int `json:"runs"`
	Complete  int `json:"complete"`
	Cancelled int `json:"cancelled"`
	Failed    int `json:"failed"`
	Running   int `json:"running"`

	// Summary merges the summaries of every run in the window.
	Summary *model.RunSummary `json:"summary"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLister is the slice of the store the collector reads.
type RunLister interface {
	ListRuns(ctx context.Context, filter model.RunFilter) ([]model.Run, error)
}

// Collector gathers run history from the store.
type Collector struct {
	runs RunLister
	now  func() time.Time
}

// NewCollector creates a new run history collector.
func NewCollector(runs RunLister) *Collector {
	return &Collector{runs: runs, now: func() time.Time { return time.Now().UTC() }}
}

// Collect merges every run created within the lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	now := c.now()
	snap := &Snapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
		Summary: &model.RunSummary{
			RunID:        fmt.Sprintf("last-%dh", lookbackHours),
			Dispositions: make(map[model.Disposition]int),
		},
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.runs.ListRuns(ctx, model.RunFilter{Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	for _, r := range runs {
		if r.CreatedAt.Before(cutoff) {
			continue
		}
		snap.Runs++
		switch r.Status {
		case model.RunStatusComplete:
			snap.Complete++
		case model.RunStatusCancelled:
			snap.Cancelled++
		case model.RunStatusFailed:
			snap.Failed++
		case model.RunStatusRunning:
			snap.Running++
		}
		if r.Summary != nil {
			merge(snap.Summary, r.Summary)
		}
	}
	return snap, nil
}

func merge(dst, src *model.RunSummary) {
	if dst.StartedAt.IsZero() || (!src.StartedAt.IsZero() && src.StartedAt.Before(dst.StartedAt)) {
		dst.StartedAt = src.StartedAt
	}
	if src.FinishedAt.After(dst.FinishedAt) {
		dst.FinishedAt = src.FinishedAt
	}
	dst.Total += src.Total
	dst.Approved += src.Approved
	dst.BusinessReview += src.BusinessReview
	dst.SystemFailures += src.SystemFailures
	dst.Incomplete += src.Incomplete
	for d, n := range src.Dispositions {
		dst.Dispositions[d] += n
	}
	dst.OracleCalls += src.OracleCalls
	dst.SearchCalls += src.SearchCalls
	dst.CacheHits += src.CacheHits
	dst.CacheConflicts += src.CacheConflicts
	dst.Retries += src.Retries
	dst.InputTokens += src.InputTokens
	dst.OutputTokens += src.OutputTokens
	dst.CostUSD += src.CostUSD
}
