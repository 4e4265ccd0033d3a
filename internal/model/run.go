package model

import "time"

// RunStatus represents the current state of a classification run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusComplete  RunStatus = "complete"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one invocation of the pipeline over an input file.
type Run struct {
	ID        string      `json:"id"`
	InputPath string      `json:"input_path"`
	Status    RunStatus   `json:"status"`
	Summary   *RunSummary `json:"summary,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// RunFilter narrows run listings.
type RunFilter struct {
	Status RunStatus `json:"status,omitempty"`
	Limit  int       `json:"limit,omitempty"`
}

// Stage names used in summaries, logs and the failure ledger.
const (
	StageRouter     = "router"
	StagePattern    = "pattern"
	StageEnrichment = "enrichment"
	StageMapping    = "mapping"
	StageValidation = "validation"
)

// CategorySummary counts outcomes for one category.
type CategorySummary struct {
	CategoryID   string                          `json:"category_id"`
	Records      int                             `json:"records"`
	Dispositions map[Disposition]int             `json:"dispositions"`
	Stages       map[string]map[RoutingState]int `json:"stages"`
}

// RunSummary is the operator-facing result of a run. System failures are
// counted separately from business reviews.
type RunSummary struct {
	RunID          string                      `json:"run_id"`
	StartedAt      time.Time                   `json:"started_at"`
	FinishedAt     time.Time                   `json:"finished_at"`
	Total          int                         `json:"total"`
	Approved       int                         `json:"approved"`
	BusinessReview int                         `json:"business_review"`
	SystemFailures int                         `json:"system_failures"`
	Incomplete     int                         `json:"incomplete"`
	Cancelled      bool                        `json:"cancelled"`
	Dispositions   map[Disposition]int         `json:"dispositions"`
	Categories     map[string]*CategorySummary `json:"categories"`
	OracleCalls    int                         `json:"oracle_calls"`
	SearchCalls    int                         `json:"search_calls"`
	CacheHits      int                         `json:"cache_hits"`
	CacheConflicts int                         `json:"cache_conflicts"`
	Retries        int                         `json:"retries"`
	InputTokens    int64                       `json:"input_tokens"`
	OutputTokens   int64                       `json:"output_tokens"`
	CostUSD        float64                     `json:"cost_usd"`
}

// Terminal returns the number of records that reached a disposition.
func (s *RunSummary) Terminal() int {
	n := 0
	for _, c := range s.Dispositions {
		n += c
	}
	return n
}

// FailureRate is the share of terminal records that ended in a system
// failure state.
func (s *RunSummary) FailureRate() float64 {
	if t := s.Terminal(); t > 0 {
		return float64(s.SystemFailures) / float64(t)
	}
	return 0
}

// ReviewRate is the share of terminal records routed to business review.
func (s *RunSummary) ReviewRate() float64 {
	if t := s.Terminal(); t > 0 {
		return float64(s.BusinessReview) / float64(t)
	}
	return 0
}
