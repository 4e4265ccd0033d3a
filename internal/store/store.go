package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/vmrs-cli/internal/model"
	"github.com/sells-group/vmrs-cli/internal/resilience"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = eris.New("store: not found")

// Store defines the persistence interface for classification runs.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, runID, inputPath string) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	CompleteRun(ctx context.Context, runID string, status model.RunStatus, summary *model.RunSummary) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter model.RunFilter) ([]model.Run, error)

	// Dispositions and failure ledger
	SaveDispositions(ctx context.Context, runID string, records []*model.Record) (int, error)
	SaveFailures(ctx context.Context, entries []resilience.FailureEntry) error
	ListFailures(ctx context.Context, filter resilience.FailureFilter) ([]resilience.FailureEntry, error)

	// Enrichment cache
	GetEnrichment(ctx context.Context, itemCode, signature string) (*model.EnrichedRecord, error)
	PutEnrichment(ctx context.Context, rec *model.EnrichedRecord) (*model.CacheConflict, error)
	PruneEnrichment(ctx context.Context, olderThan time.Time) (int, error)
	SaveConflicts(ctx context.Context, conflicts []model.CacheConflict) error
	ListConflicts(ctx context.Context, limit int) ([]model.CacheConflict, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Cache adapts a Store to the pipeline's enrichment cache.
type Cache struct {
	Store Store
}

// Get returns the cached entry for the key, or nil on a miss.
func (c Cache) Get(ctx context.Context, itemCode, signature string) (*model.EnrichedRecord, error) {
	return c.Store.GetEnrichment(ctx, itemCode, signature)
}

// Put writes rec, keeping whichever of rec and the stored entry has the
// higher research confidence.
func (c Cache) Put(ctx context.Context, rec *model.EnrichedRecord) (*model.CacheConflict, error) {
	return c.Store.PutEnrichment(ctx, rec)
}

// dispositionColumns is the column order shared by both backends.
var dispositionColumns = []string{
	"run_id", "item_index", "item_code", "item_name", "category_id", "routing_state",
	"disposition", "code", "confidence", "match_type", "is_custom", "reason", "notes",
}

// dispositionRows flattens terminal records. Records still in flight are
// skipped.
func dispositionRows(runID string, records []*model.Record) [][]any {
	rows := make([][]any, 0, len(records))
	for _, r := range records {
		d, ok := r.Disposition()
		if !ok {
			continue
		}
		category := r.CategoryPrimary
		if category == "" {
			category = model.UnclassifiedCategory
		}
		rows = append(rows, []any{
			runID, r.Index, r.ItemCode, r.ItemName, category, string(r.State),
			string(d), r.Code, r.Confidence, string(r.MatchType), r.IsCustom, r.Reason, r.NotesString(),
		})
	}
	return rows
}

var failureColumns = []string{
	"id", "run_id", "item_code", "item_name", "category_id", "stage", "state",
	"error_type", "error", "attempts", "created_at",
}

func failureRow(e resilience.FailureEntry) []any {
	return []any{
		e.ID, e.RunID, e.ItemCode, e.ItemName, e.CategoryID, e.Stage, string(e.State),
		e.ErrorType, e.Error, e.Attempts, e.CreatedAt.UTC(),
	}
}

func encodeAttributes(attrs map[string]string) ([]byte, error) {
	if attrs == nil {
		attrs = map[string]string{}
	}
	data, err := json.Marshal(attrs)
	return data, eris.Wrap(err, "store: marshal attributes")
}

func listLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}
