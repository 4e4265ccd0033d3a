package pipeline

import (
	"sync"
	"time"

	"github.com/sells-group/vmrs-cli/internal/cost"
	"github.com/sells-group/vmrs-cli/internal/model"
	"github.com/sells-group/vmrs-cli/internal/oracle"
	"github.com/sells-group/vmrs-cli/internal/resilience"
	"github.com/sells-group/vmrs-cli/internal/search"
)

// RunContext carries run identity and accumulates counters. It is passed
// explicitly to every stage; one mutex guards every counter.
type RunContext struct {
	ID    string
	Clock resilience.Clock

	costs *cost.Calculator

	mu        sync.Mutex
	started   time.Time
	stages    map[string]map[string]map[model.RoutingState]int // category -> stage -> state
	oracle    int
	search    int
	cacheHits int
	retries   int
	usage     oracle.Usage
	costUSD   float64
	conflicts []model.CacheConflict
}

// NewRunContext starts a run. A nil clock means the wall clock; a nil
// calculator uses default rates.
func NewRunContext(id string, clock resilience.Clock, calc *cost.Calculator) *RunContext {
	if clock == nil {
		clock = resilience.SystemClock
	}
	if calc == nil {
		calc = cost.NewCalculator(cost.DefaultRates())
	}
	return &RunContext{
		ID:      id,
		Clock:   clock,
		costs:   calc,
		started: clock.Now(),
		stages:  make(map[string]map[string]map[model.RoutingState]int),
	}
}

// Observe counts the state r reached at stage.
func (rc *RunContext) Observe(stage string, r *model.Record) {
	cat := categoryOf(r)
	rc.mu.Lock()
	defer rc.mu.Unlock()
	byStage, ok := rc.stages[cat]
	if !ok {
		byStage = make(map[string]map[model.RoutingState]int)
		rc.stages[cat] = byStage
	}
	if byStage[stage] == nil {
		byStage[stage] = make(map[model.RoutingState]int)
	}
	byStage[stage][r.State]++
}

// OracleCall records one logical oracle call, its retries, tokens and cost.
func (rc *RunContext) OracleCall(stage string, tr oracle.Trace) {
	usd := rc.costs.Attribute(stage, rc.costs.Claude(tr.Model,
		tr.Usage.InputTokens, tr.Usage.OutputTokens, tr.Usage.CacheWriteTokens, tr.Usage.CacheReadTokens))
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.oracle += tr.Attempts.Count
	rc.retries += tr.Attempts.Retries()
	rc.usage.Add(tr.Usage)
	rc.costUSD += usd
}

// SearchCall records one logical search and its cost.
func (rc *RunContext) SearchCall(res *search.Result, tr search.Trace) {
	var usd float64
	if res != nil {
		switch res.Provider {
		case "jina":
			usd = rc.costs.Jina(res.Tokens)
		case "perplexity":
			usd = rc.costs.PerplexityQuery()
		}
	}
	rc.costs.Attribute(model.StageEnrichment, usd)
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.search += tr.Attempts.Count
	rc.retries += tr.Attempts.Retries()
	rc.costUSD += usd
}

// CacheHit counts an enrichment served from cache.
func (rc *RunContext) CacheHit() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.cacheHits++
}

// CacheConflict records a cache write conflict.
func (rc *RunContext) CacheConflict(c model.CacheConflict) {
	c.RunID = rc.ID
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.conflicts = append(rc.conflicts, c)
}

// Conflicts returns the cache conflicts recorded so far.
func (rc *RunContext) Conflicts() []model.CacheConflict {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]model.CacheConflict, len(rc.conflicts))
	copy(out, rc.conflicts)
	return out
}

// Summary builds the run summary from the final record states. Records
// still in flight are counted as incomplete.
func (rc *RunContext) Summary(records []*model.Record, cancelled bool) *model.RunSummary {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	s := &model.RunSummary{
		RunID:          rc.ID,
		StartedAt:      rc.started,
		FinishedAt:     rc.Clock.Now(),
		Total:          len(records),
		Cancelled:      cancelled,
		Dispositions:   make(map[model.Disposition]int),
		Categories:     make(map[string]*model.CategorySummary),
		OracleCalls:    rc.oracle,
		SearchCalls:    rc.search,
		CacheHits:      rc.cacheHits,
		CacheConflicts: len(rc.conflicts),
		Retries:        rc.retries,
		InputTokens:    rc.usage.InputTokens,
		OutputTokens:   rc.usage.OutputTokens,
		CostUSD:        rc.costUSD,
	}
	for _, d := range model.Dispositions {
		s.Dispositions[d] = 0
	}

	for _, r := range records {
		cat := categoryOf(r)
		cs, ok := s.Categories[cat]
		if !ok {
			cs = &model.CategorySummary{
				CategoryID:   cat,
				Dispositions: make(map[model.Disposition]int),
				Stages:       copyStages(rc.stages[cat]),
			}
			s.Categories[cat] = cs
		}
		cs.Records++

		d, ok := r.Disposition()
		if !ok {
			s.Incomplete++
			continue
		}
		s.Dispositions[d]++
		cs.Dispositions[d]++
		switch {
		case d == model.DispositionValidated:
			s.Approved++
		case r.State.IsSystemFailure():
			s.SystemFailures++
		default:
			s.BusinessReview++
		}
	}
	return s
}

func copyStages(in map[string]map[model.RoutingState]int) map[string]map[model.RoutingState]int {
	out := make(map[string]map[model.RoutingState]int, len(in))
	for stage, states := range in {
		m := make(map[model.RoutingState]int, len(states))
		for st, n := range states {
			m[st] = n
		}
		out[stage] = m
	}
	return out
}

func categoryOf(r *model.Record) string {
	if r.CategoryPrimary == "" {
		return model.UnclassifiedCategory
	}
	return r.CategoryPrimary
}
