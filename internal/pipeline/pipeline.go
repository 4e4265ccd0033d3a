// Package pipeline routes parts records through classification stages:
// Router, Grouper, Pattern Matching, Enrichment, Mapping and Validation,
// then aggregates every record into exactly one disposition.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/vmrs-cli/internal/model"
	"github.com/sells-group/vmrs-cli/internal/oracle"
	"github.com/sells-group/vmrs-cli/internal/resilience"
	"github.com/sells-group/vmrs-cli/internal/rules"
	"github.com/sells-group/vmrs-cli/internal/search"
)

// RuleSource returns the rule set of a category. rules.Store implements it.
type RuleSource interface {
	Get(categoryID string) (*rules.RuleSet, error)
}

// Input is everything one run reads. Catalog and examples are read-only.
type Input struct {
	Records  []*model.Record
	Catalog  *model.Catalog
	Examples []model.ValidatedExample
}

// Result is the outcome of a run. Records keep input order.
type Result struct {
	Records []*model.Record
	Output  Output
	Summary *model.RunSummary
}

// Pipeline sequences the stages per category.
type Pipeline struct {
	rules    RuleSource
	settings Settings

	router    *Router
	matcher   *PatternMatcher
	enricher  *Enricher
	mapper    *Mapper
	validator *Validator
}

// New creates a Pipeline. cache may be nil to disable enrichment caching.
func New(o *oracle.Client, s *search.Client, rs RuleSource, cache Cache, settings Settings) *Pipeline {
	return &Pipeline{
		rules:     rs,
		settings:  settings,
		router:    NewRouter(o, rs, settings),
		matcher:   NewPatternMatcher(settings),
		enricher:  NewEnricher(o, s, cache, settings),
		mapper:    NewMapper(o, settings),
		validator: NewValidator(settings),
	}
}

// Run classifies in.Records. Categories run in parallel up to
// MaxConcurrentCategories; within a category every batch finishes a stage
// before any record enters the next one. On cancellation, records that
// already reached a disposition are kept and the rest are reported as
// incomplete.
func (p *Pipeline) Run(ctx context.Context, rc *RunContext, in Input) (*Result, error) {
	log := zap.L().With(zap.String("run_id", rc.ID))
	if in.Catalog == nil || in.Catalog.Len() == 0 {
		return nil, eris.New("pipeline: catalog is empty")
	}
	log.Info("pipeline: starting run",
		zap.Int("records", len(in.Records)),
		zap.Int("categories", len(in.Catalog.Categories())),
	)

	if err := p.router.Route(ctx, rc, in.Records, in.Catalog); err != nil {
		return nil, eris.Wrap(err, "pipeline: route")
	}

	examples := examplesByCategory(in.Examples)
	order, groups := GroupByCategory(in.Records)

	g := new(errgroup.Group)
	g.SetLimit(max(p.settings.MaxConcurrentCategories, 1))
	var errMu sync.Mutex
	var stageErrs []error
	for _, cat := range order {
		if cat == model.UnclassifiedCategory {
			continue
		}
		records := groups[cat]
		g.Go(func() error {
			// Errors are collected; sibling categories keep running.
			if err := p.runCategory(ctx, rc, cat, records, in.Catalog, examples[cat]); err != nil {
				log.Error("pipeline: category failed", zap.String("category", cat), zap.Error(err))
				failInFlight(rc, records, err)
				errMu.Lock()
				stageErrs = append(stageErrs, eris.Wrapf(err, "pipeline: category %s", cat))
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	cancelled := ctx.Err() != nil
	summary := rc.Summary(in.Records, cancelled)
	out := Aggregate(in.Records)

	log.Info("pipeline: run complete",
		zap.Int("total", summary.Total),
		zap.Int("approved", summary.Approved),
		zap.Int("business_review", summary.BusinessReview),
		zap.Int("system_failures", summary.SystemFailures),
		zap.Int("incomplete", summary.Incomplete),
		zap.Bool("cancelled", cancelled),
		zap.Float64("cost_usd", summary.CostUSD),
	)

	res := &Result{Records: in.Records, Output: out, Summary: summary}
	if len(stageErrs) > 0 {
		return res, stageErrs[0]
	}
	return res, nil
}

// runCategory drives one category through pattern matching, enrichment,
// mapping and validation. Each stage is a barrier: it returns only once
// every record of the category has left it.
func (p *Pipeline) runCategory(ctx context.Context, rc *RunContext, cat string, records []*model.Record, catalog *model.Catalog, examples []model.ValidatedExample) error {
	log := zap.L().With(zap.String("run_id", rc.ID), zap.String("category", cat))
	rs, rulesErr := p.rules.Get(cat)
	if rulesErr == nil && rs.CategoryID != cat {
		rs, rulesErr = nil, eris.Wrapf(rules.ErrRulesUnavailable, "rule set declares category %s", rs.CategoryID)
	}
	slice := catalog.Slice(cat)

	// Pattern matching.
	if ctx.Err() != nil {
		return nil
	}
	batches, err := MakeBatches(filterState(records, model.StatePatternMatchNeeded, model.StateWebSearchNeeded), p.settings.PatternSize)
	if err != nil {
		return err
	}
	for _, b := range batches {
		if err := p.matcher.Process(rc, b, rs, rulesErr, slice, examples); err != nil {
			return err
		}
	}

	// Enrichment and mapping, one record at a time.
	for _, r := range filterState(records, model.StateEscalated) {
		if ctx.Err() != nil {
			return nil
		}
		if err := p.enricher.Process(ctx, rc, r, rs); err != nil {
			return err
		}
	}
	for _, r := range filterState(records, model.StateEnriched) {
		if ctx.Err() != nil {
			return nil
		}
		if err := p.mapper.Process(ctx, rc, r, rs, slice); err != nil {
			return err
		}
	}

	// Validation.
	if ctx.Err() != nil {
		return nil
	}
	batches, err = MakeBatches(filterAwaiting(records), p.settings.ValidationSize)
	if err != nil {
		return err
	}
	for _, b := range batches {
		if err := p.validator.Process(rc, b, rs, catalog); err != nil {
			return err
		}
	}

	log.Info("pipeline: category complete", zap.Int("records", len(records)))
	return nil
}

// failInFlight moves every non-terminal record of an aborted category to
// the terminal failure state of the stage holding it, so the category still
// accounts for all of its records.
func failInFlight(rc *RunContext, records []*model.Record, cause error) {
	for _, r := range records {
		to, ok := model.AbortState(r.State)
		if !ok {
			continue
		}
		stage := model.StageOf(r.State)
		reason := fmt.Sprintf("category aborted in %s: %v", stage, cause)
		if err := r.Fail(stage, to, reason, resilience.ClassifyError(cause)); err != nil {
			zap.L().Error("pipeline: fail in-flight record", zap.String("item_code", r.ItemCode), zap.Error(err))
			continue
		}
		rc.Observe(stage, r)
	}
}

func filterState(records []*model.Record, states ...model.RoutingState) []*model.Record {
	var out []*model.Record
	for _, r := range records {
		for _, s := range states {
			if r.State == s {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

func filterAwaiting(records []*model.Record) []*model.Record {
	var out []*model.Record
	for _, r := range records {
		if r.State.AwaitsValidation() {
			out = append(out, r)
		}
	}
	return out
}

func examplesByCategory(examples []model.ValidatedExample) map[string][]model.ValidatedExample {
	out := make(map[string][]model.ValidatedExample)
	for _, ex := range examples {
		cat := ex.CategoryID
		if cat == "" {
			cat = model.CategoryFromCode(ex.Code)
		}
		out[cat] = append(out[cat], ex)
	}
	return out
}
