package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/vmrs-cli/internal/model"
	"github.com/sells-group/vmrs-cli/internal/rules"
	"github.com/sells-group/vmrs-cli/internal/textmatch"
)

// Confidence adjustments applied by validation.
const (
	crossRecordPenalty = -5
	customCodePenalty  = -5
)

// Verdict is the validation result for one record.
type Verdict struct {
	Status          model.RoutingState
	Issues          []string
	Adjustment      int
	FinalConfidence int
}

// Validator cross-checks mapped records against rules and the catalog.
type Validator struct {
	settings Settings
}

// NewValidator creates a Validator.
func NewValidator(settings Settings) *Validator {
	return &Validator{settings: settings}
}

// Check validates a homogeneous batch and returns one verdict per record,
// in batch order. rs may be nil when the category's rules are unavailable;
// every record then goes to review.
func (v *Validator) Check(b Batch, rs *rules.RuleSet, catalog *model.Catalog) ([]Verdict, error) {
	if rs != nil && rs.CategoryID != b.CategoryID {
		return nil, eris.Errorf("pipeline: rule set %s applied to category %s", rs.CategoryID, b.CategoryID)
	}

	attrs := make([]map[string]string, len(b.Records))
	for i, r := range b.Records {
		attrs[i] = recordAttributes(r, rs)
	}

	out := make([]Verdict, len(b.Records))
	for i, r := range b.Records {
		if issue, failed := v.hardChecks(r, rs, catalog, attrs[i]); failed {
			out[i] = Verdict{Status: model.StateFail, Issues: issue, FinalConfidence: r.Confidence}
			continue
		}

		var issues []string
		adj := 0
		if rs == nil {
			issues = append(issues, fmt.Sprintf("rules unavailable for category %s", b.CategoryID))
		} else if reason, forced := rs.ForcedEscalation(r.ItemName); forced && r.State == model.StateExactMatch {
			issues = append(issues, "escalation required: "+reason)
		}
		if cross := crossRecordIssues(i, b.Records, attrs, v.settings.ExactSimilarity); len(cross) > 0 {
			issues = append(issues, cross...)
			adj += crossRecordPenalty
		}
		if e, ok := catalog.Lookup(r.Code); ok && e.IsCustom {
			issues = append(issues, "custom code")
			adj += customCodePenalty
		}

		final := model.ClampConfidence(r.Confidence + adj)
		status := model.StateReview
		if len(issues) == 0 && final >= v.settings.AutoApprove && !r.ForceReview {
			status = model.StatePass
		}
		out[i] = Verdict{Status: status, Issues: issues, Adjustment: adj, FinalConfidence: final}
	}
	return out, nil
}

// hardChecks runs the checks that fail a record outright, in order: catalog
// membership, category exclusions, category consistency.
func (v *Validator) hardChecks(r *model.Record, rs *rules.RuleSet, catalog *model.Catalog, attrs map[string]string) ([]string, bool) {
	if r.Code == "" {
		return []string{"no code assigned"}, true
	}
	if _, ok := catalog.Lookup(r.Code); !ok {
		return []string{fmt.Sprintf("code %s not in catalog", r.Code)}, true
	}
	if rs == nil {
		return nil, false
	}
	if name, violated := rs.ExclusionViolation(r.Code); violated {
		return []string{fmt.Sprintf("category exclusion violated: %s", name)}, true
	}
	if issues := rs.ConsistencyIssues(r.Code, attrs); len(issues) > 0 {
		return issues, true
	}
	return nil, false
}

// Process validates a batch and moves each record to PASS, REVIEW or FAIL.
// Every record of the batch must be awaiting validation.
func (v *Validator) Process(rc *RunContext, b Batch, rs *rules.RuleSet, catalog *model.Catalog) error {
	for _, r := range b.Records {
		if !r.State.AwaitsValidation() {
			return eris.Errorf("pipeline: validate %s in state %s", r.ItemCode, r.State)
		}
	}
	verdicts, err := v.Check(b, rs, catalog)
	if err != nil {
		return err
	}
	for i, r := range b.Records {
		if err := v.apply(r, verdicts[i]); err != nil {
			return err
		}
		rc.Observe(model.StageValidation, r)
	}
	return nil
}

func (v *Validator) apply(r *model.Record, vd Verdict) error {
	r.Issues = vd.Issues
	original := r.Confidence
	r.Confidence = vd.FinalConfidence

	note := fmt.Sprintf("validation: %s", vd.Status)
	if vd.Adjustment != 0 {
		note += fmt.Sprintf(" (confidence %d%+d = %d)", original, vd.Adjustment, vd.FinalConfidence)
	}
	if len(vd.Issues) > 0 {
		note += ": " + strings.Join(vd.Issues, "; ")
	}

	switch vd.Status {
	case model.StateFail:
		r.Reason = strings.Join(vd.Issues, "; ")
		r.FailedStage = model.StageValidation
	case model.StateReview:
		r.Reason = v.reviewReason(r, vd)
	}
	return r.Transition(vd.Status, note)
}

func (v *Validator) reviewReason(r *model.Record, vd Verdict) string {
	var reasons []string
	reasons = append(reasons, vd.Issues...)
	if r.ForceReview {
		reasons = append(reasons, fmt.Sprintf("mapping confidence below %d", v.settings.MappingReview))
	}
	if vd.FinalConfidence < v.settings.AutoApprove {
		reasons = append(reasons, fmt.Sprintf("confidence %d below %d", vd.FinalConfidence, v.settings.AutoApprove))
	}
	return strings.Join(reasons, "; ")
}

// recordAttributes returns the attributes validation compares: enrichment
// output when present, otherwise what the rule set extracts from the name.
func recordAttributes(r *model.Record, rs *rules.RuleSet) map[string]string {
	if r.Enriched != nil && len(r.Enriched.Attributes) > 0 {
		return r.Enriched.Attributes
	}
	if rs == nil {
		return nil
	}
	return rs.ExtractAttributes(r.ItemName)
}

// crossRecordIssues compares record i with its batch siblings. Near-identical
// names with different codes, or the same code with contradictory attribute
// values, are flagged. A batch of one has no siblings and passes.
func crossRecordIssues(i int, records []*model.Record, attrs []map[string]string, minSim float64) []string {
	if len(records) < 2 {
		return nil
	}
	r := records[i]
	var issues []string
	for j, o := range records {
		if j == i || o.Code == "" {
			continue
		}
		if o.Code != r.Code && textmatch.Similarity(r.ItemName, o.ItemName) >= minSim {
			issues = append(issues, fmt.Sprintf("cross-record: near-identical item %s mapped to %s", o.ItemCode, o.Code))
			continue
		}
		if o.Code == r.Code {
			if diff := contradictions(attrs[i], attrs[j]); len(diff) > 0 {
				issues = append(issues, fmt.Sprintf("cross-record: item %s shares code %s but differs on %s", o.ItemCode, r.Code, strings.Join(diff, ", ")))
			}
		}
	}
	return issues
}

func contradictions(a, b map[string]string) []string {
	var out []string
	for k, va := range a {
		if vb, ok := b[k]; ok && vb != va {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
