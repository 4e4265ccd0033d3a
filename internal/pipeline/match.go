package pipeline

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/vmrs-cli/internal/model"
	"github.com/sells-group/vmrs-cli/internal/rules"
	"github.com/sells-group/vmrs-cli/internal/textmatch"
)

// nearMatchCap bounds the confidence of a near (not exact) example match.
const nearMatchCap = 92

// exactExampleFloor is the minimum confidence of an exact example match.
const exactExampleFloor = 95

// Match is the pattern stage's verdict for one record.
type Match struct {
	Code       string
	Confidence int
	MatchType  model.MatchType
	Escalate   bool
	Reason     string
	IsCustom   bool
}

// PatternMatcher resolves records from validated examples and keyword rules.
// It never calls the oracle.
type PatternMatcher struct {
	settings Settings
}

// NewPatternMatcher creates a PatternMatcher.
func NewPatternMatcher(settings Settings) *PatternMatcher {
	return &PatternMatcher{settings: settings}
}

// Evaluate determines the match for one record without changing it.
func (pm *PatternMatcher) Evaluate(r *model.Record, rs *rules.RuleSet, slice model.CatalogSlice, examples []model.ValidatedExample) Match {
	var m Match
	var notes []string

	if ex, conf, typ, ok := pm.exampleMatch(r, examples); ok {
		if e, found := slice.Lookup(ex.Code); found {
			m = Match{Code: ex.Code, Confidence: conf, MatchType: model.MatchExact, IsCustom: e.IsCustom,
				Reason: fmt.Sprintf("%s validated example %s", typ, ex.ItemCode)}
		} else {
			notes = append(notes, fmt.Sprintf("example code %s not in catalog, ignored", ex.Code))
		}
	}
	if m.Code == "" {
		if kr, ok := rs.MatchKeywords(r.ItemName); ok {
			if e, found := slice.Lookup(kr.Code); found {
				m = Match{Code: kr.Code, Confidence: kr.Confidence, MatchType: model.MatchPattern, IsCustom: e.IsCustom,
					Reason: fmt.Sprintf("keyword rule %q", kr.Name)}
			} else {
				notes = append(notes, fmt.Sprintf("rule %q code %s not in catalog, ignored", kr.Name, kr.Code))
			}
		}
	}
	if m.Code == "" {
		m.MatchType = model.MatchNone
	}
	m.Confidence = model.ClampConfidence(m.Confidence)

	switch reason, forced := rs.ForcedEscalation(r.ItemName); {
	case forced:
		m.Escalate = true
		notes = append(notes, reason)
	case r.State == model.StateWebSearchNeeded:
		m.Escalate = true
	case m.Code == "" || m.Confidence < pm.settings.Escalate:
		m.Escalate = true
	}

	if len(notes) > 0 {
		if m.Reason != "" {
			notes = append([]string{m.Reason}, notes...)
		}
		m.Reason = strings.Join(notes, "; ")
	}
	return m
}

// Apply moves r to MATCHED or ESCALATED according to m.
func (pm *PatternMatcher) Apply(r *model.Record, m Match) error {
	if m.Escalate {
		note := "pattern: escalated"
		if m.Code != "" {
			note = fmt.Sprintf("pattern: escalated (hint %s at %d)", m.Code, m.Confidence)
		}
		if m.Reason != "" {
			note += "; " + m.Reason
		}
		if m.Code != "" || m.Confidence > 0 {
			r.Confidence = m.Confidence
		}
		return r.Transition(model.StateEscalated, note)
	}

	r.Code = m.Code
	r.Confidence = m.Confidence
	r.MatchType = m.MatchType
	r.IsCustom = m.IsCustom
	note := fmt.Sprintf("pattern: %s match %s at %d (%s)", m.MatchType, m.Code, m.Confidence, m.Reason)
	if m.Confidence < pm.settings.AutoApprove {
		r.MediumConfidence = true
		note += "; MEDIUM_CONFIDENCE"
	}
	return r.Transition(model.StateMatched, note)
}

// Process runs one homogeneous batch. A nil rule set (rulesErr set) fails
// the whole batch closed with RULES_UNAVAILABLE.
func (pm *PatternMatcher) Process(rc *RunContext, b Batch, rs *rules.RuleSet, rulesErr error, slice model.CatalogSlice, examples []model.ValidatedExample) error {
	if rulesErr != nil || rs == nil {
		if rulesErr == nil {
			rulesErr = rules.ErrRulesUnavailable
		}
		reason := fmt.Sprintf("rule set for category %s unavailable: %v", b.CategoryID, rulesErr)
		for _, r := range b.Records {
			if err := r.Fail(model.StagePattern, model.StateRulesUnavailable, reason, "permanent"); err != nil {
				return err
			}
			rc.Observe(model.StagePattern, r)
		}
		zap.L().Warn("pattern: batch failed closed",
			zap.String("category", b.CategoryID),
			zap.Int("records", len(b.Records)),
			zap.Error(rulesErr),
		)
		return nil
	}
	if rs.CategoryID != b.CategoryID {
		return eris.Errorf("pipeline: rule set %s applied to category %s", rs.CategoryID, b.CategoryID)
	}

	for _, r := range b.Records {
		if err := pm.Apply(r, pm.Evaluate(r, rs, slice, examples)); err != nil {
			return err
		}
		rc.Observe(model.StagePattern, r)
	}
	return nil
}

// exampleMatch finds the strongest validated example for r: the same item
// code or a normalized-equal name first, then the most similar name.
func (pm *PatternMatcher) exampleMatch(r *model.Record, examples []model.ValidatedExample) (model.ValidatedExample, int, string, bool) {
	name := textmatch.Normalize(r.ItemName)
	for _, ex := range examples {
		if (ex.ItemCode != "" && ex.ItemCode == r.ItemCode) || (name != "" && textmatch.Normalize(ex.ItemName) == name) {
			return ex, model.ClampConfidence(max(ex.Confidence, exactExampleFloor)), "exact", true
		}
	}

	var (
		best    model.ValidatedExample
		bestSim float64
	)
	for _, ex := range examples {
		if sim := textmatch.Similarity(r.ItemName, ex.ItemName); sim > bestSim {
			best, bestSim = ex, sim
		}
	}
	if bestSim > 0 && bestSim >= pm.settings.ExactSimilarity {
		return best, model.ClampConfidence(min(best.Confidence, nearMatchCap)), "near", true
	}
	return model.ValidatedExample{}, 0, "", false
}
