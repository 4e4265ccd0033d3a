package pipeline

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/vmrs-cli/internal/model"
	"github.com/sells-group/vmrs-cli/internal/oracle"
	"github.com/sells-group/vmrs-cli/internal/resilience"
	"github.com/sells-group/vmrs-cli/internal/textmatch"
)

// Classification is the oracle's answer for one router item.
type Classification struct {
	Ref                 int    `json:"ref"`
	Primary             string `json:"primary"`
	PrimaryConfidence   int    `json:"primary_confidence"`
	Secondary           string `json:"secondary"`
	SecondaryConfidence int    `json:"secondary_confidence"`
	Notes               string `json:"notes"`
}

type routerResponse struct {
	Classifications []Classification `json:"classifications"`
}

// Router assigns each record a category and an initial routing state. The
// oracle only proposes categories and confidences; the routing decision is
// made here by fixed thresholds.
type Router struct {
	client   *oracle.Client
	rules    RuleSource
	settings Settings
}

// NewRouter creates a Router. rs may be nil; exact catalog matches are then
// never held back for rule-forced escalation.
func NewRouter(client *oracle.Client, rs RuleSource, settings Settings) *Router {
	return &Router{client: client, rules: rs, settings: settings}
}

// Route classifies every unclassified record in chunks of RouterSize. A
// chunk whose response never passes the schema check fails each of its
// records with CLASSIFICATION_FAILED; other chunks are unaffected.
func (rt *Router) Route(ctx context.Context, rc *RunContext, records []*model.Record, catalog *model.Catalog) error {
	categories := catalog.Categories()
	chunks := Partition(records, rt.settings.RouterSize)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(rt.settings.MaxConcurrentCategories, 1))
	for i, chunk := range chunks {
		g.Go(func() error {
			return rt.routeChunk(gctx, rc, i, chunk, categories, catalog)
		})
	}
	return g.Wait()
}

func (rt *Router) routeChunk(ctx context.Context, rc *RunContext, chunkIdx int, chunk []*model.Record, categories []model.Category, catalog *model.Catalog) error {
	payload := RouterPayload{Categories: categories, Items: make([]RouterItem, len(chunk))}
	for i, r := range chunk {
		payload.Items[i] = RouterItem{Ref: i, ItemCode: r.ItemCode, ItemName: r.ItemName}
	}
	req := oracle.Request{
		Stage:     oracle.StageRouter,
		System:    routerSystem(),
		Prompt:    routerPrompt(payload),
		Payload:   payload,
		MaxTokens: rt.settings.RouterMaxTokens,
	}

	resp, trace, err := oracle.Invoke(ctx, rt.client, req, func(resp *routerResponse) error {
		return checkClassifications(resp.Classifications, len(chunk), catalog)
	})
	rc.OracleCall(oracle.StageRouter, trace)

	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		zap.L().Warn("router: chunk failed",
			zap.Int("chunk", chunkIdx),
			zap.Int("records", len(chunk)),
			zap.Int("attempts", trace.Attempts.Count),
			zap.Error(err),
		)
		reason := fmt.Sprintf("classification failed after %d attempt(s): %v", trace.Attempts.Count, err)
		for _, r := range chunk {
			r.Retries += trace.Attempts.Retries()
			if ferr := r.Fail(model.StageRouter, model.StateClassificationFailed, reason, resilience.ClassifyError(err)); ferr != nil {
				return ferr
			}
			rc.Observe(model.StageRouter, r)
		}
		return nil
	}

	for _, c := range resp.Classifications {
		r := chunk[c.Ref]
		r.Retries += trace.Attempts.Retries()
		if trace.Attempts.Retries() > 0 {
			r.AddNotef("router: succeeded after %d retries", trace.Attempts.Retries())
		}
		if err := rt.decide(r, c, catalog); err != nil {
			return err
		}
		rc.Observe(model.StageRouter, r)
	}
	return nil
}

// decide applies the routing thresholds to one classification.
func (rt *Router) decide(r *model.Record, c Classification, catalog *model.Catalog) error {
	s := rt.settings
	r.CategoryPrimary = model.NormalizeCategoryID(c.Primary)
	r.Confidence = model.ClampConfidence(c.PrimaryConfidence)
	if c.Secondary != "" {
		r.CategorySecondary = model.NormalizeCategoryID(c.Secondary)
	}
	if c.Notes != "" {
		r.AddNote("router: " + c.Notes)
	}

	ambiguous := r.CategorySecondary != "" && r.CategorySecondary != r.CategoryPrimary &&
		abs(c.PrimaryConfidence-c.SecondaryConfidence) <= s.AmbiguityMargin
	switch {
	case ambiguous:
		return r.Transition(model.StateWebSearchNeeded, fmt.Sprintf(
			"router: ambiguous between %s (%d) and %s (%d)",
			r.CategoryPrimary, c.PrimaryConfidence, r.CategorySecondary, c.SecondaryConfidence))
	case r.Confidence < s.Escalate:
		return r.Transition(model.StateWebSearchNeeded, fmt.Sprintf(
			"router: confidence %d below %d", r.Confidence, s.Escalate))
	}

	if r.Confidence >= s.AutoApprove {
		if e, ok := bestCatalogMatch(r.ItemName, catalog.Slice(r.CategoryPrimary), s.ExactSimilarity); ok {
			if reason, held := rt.forcedEscalation(r); held {
				return r.Transition(model.StatePatternMatchNeeded, fmt.Sprintf(
					"router: exact catalog match %s held back, %s", e.Code, reason))
			}
			r.Code = e.Code
			r.IsCustom = e.IsCustom
			r.MatchType = model.MatchExact
			return r.Transition(model.StateExactMatch, fmt.Sprintf("router: exact catalog match %s", e.Code))
		}
	}
	return r.Transition(model.StatePatternMatchNeeded, fmt.Sprintf("router: category %s", r.CategoryPrimary))
}

// forcedEscalation checks the primary category's rule set. Unavailable
// rules never hold a record back here; validation sends such records to
// review.
func (rt *Router) forcedEscalation(r *model.Record) (string, bool) {
	if rt.rules == nil {
		return "", false
	}
	rs, err := rt.rules.Get(r.CategoryPrimary)
	if err != nil || rs.CategoryID != r.CategoryPrimary {
		return "", false
	}
	return rs.ForcedEscalation(r.ItemName)
}

// checkClassifications enforces the router response schema: every ref
// exactly once, known categories and confidences in range.
func checkClassifications(cs []Classification, n int, catalog *model.Catalog) error {
	if len(cs) != n {
		return eris.Errorf("expected %d classifications, got %d", n, len(cs))
	}
	seen := make([]bool, n)
	for _, c := range cs {
		if c.Ref < 0 || c.Ref >= n {
			return eris.Errorf("ref %d out of range", c.Ref)
		}
		if seen[c.Ref] {
			return eris.Errorf("ref %d classified twice", c.Ref)
		}
		seen[c.Ref] = true
		if !catalog.HasCategory(model.NormalizeCategoryID(c.Primary)) {
			return eris.Errorf("ref %d: unknown category %q", c.Ref, c.Primary)
		}
		if c.Secondary != "" && !catalog.HasCategory(model.NormalizeCategoryID(c.Secondary)) {
			return eris.Errorf("ref %d: unknown secondary category %q", c.Ref, c.Secondary)
		}
		if !inRange(c.PrimaryConfidence) || !inRange(c.SecondaryConfidence) {
			return eris.Errorf("ref %d: confidence out of range", c.Ref)
		}
	}
	return nil
}

// bestCatalogMatch returns the entry whose description is most similar to
// name, if that similarity reaches minSim.
func bestCatalogMatch(name string, slice model.CatalogSlice, minSim float64) (model.CatalogEntry, bool) {
	var (
		best    model.CatalogEntry
		bestSim float64
	)
	for _, e := range slice.Entries() {
		if sim := textmatch.Similarity(name, e.Description); sim > bestSim {
			best, bestSim = e, sim
		}
	}
	return best, bestSim >= minSim && bestSim > 0
}

func inRange(c int) bool { return c >= 0 && c <= 100 }

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
