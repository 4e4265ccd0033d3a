package resilience

import (
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/vmrs-cli/internal/model"
)

// FailureEntry is a ledger row for a record that ended in a system failure
// state. Operators use the ledger to tell "system broke" apart from records
// the rules flagged.
type FailureEntry struct {
	ID         string             `json:"id"`
	RunID      string             `json:"run_id"`
	ItemCode   string             `json:"item_code"`
	ItemName   string             `json:"item_name"`
	CategoryID string             `json:"category_id"`
	Stage      string             `json:"stage"`
	State      model.RoutingState `json:"state"`
	ErrorType  string             `json:"error_type"` // "transient" or "permanent"
	Error      string             `json:"error"`
	Attempts   int                `json:"attempts"`
	CreatedAt  time.Time          `json:"created_at"`
}

// FailureFilter specifies criteria for querying the failure ledger.
type FailureFilter struct {
	RunID     string `json:"run_id,omitempty"`
	ErrorType string `json:"error_type,omitempty"` // "transient", "permanent", or "" for all
	Limit     int    `json:"limit,omitempty"`
}

// NewFailureEntry builds a ledger entry from a record in a system failure
// state. It returns false for any other record.
func NewFailureEntry(runID string, r *model.Record, now time.Time) (FailureEntry, bool) {
	if !r.State.IsSystemFailure() {
		return FailureEntry{}, false
	}
	errType := r.ErrorType
	if errType == "" {
		errType = "permanent"
	}
	category := r.CategoryPrimary
	if category == "" {
		category = model.UnclassifiedCategory
	}
	return FailureEntry{
		ID:         uuid.New().String(),
		RunID:      runID,
		ItemCode:   r.ItemCode,
		ItemName:   r.ItemName,
		CategoryID: category,
		Stage:      r.FailedStage,
		State:      r.State,
		ErrorType:  errType,
		Error:      r.Reason,
		Attempts:   r.Retries + 1,
		CreatedAt:  now,
	}, true
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) || errorsIsCircuitOpen(err) {
		return "transient"
	}
	return "permanent"
}
