package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/vmrs-cli/internal/model"
	"github.com/sells-group/vmrs-cli/internal/oracle"
	"github.com/sells-group/vmrs-cli/internal/resilience"
	"github.com/sells-group/vmrs-cli/internal/rules"
)

// ErrCodeNotInCatalog is returned when a mapping names a code outside the
// record's catalog slice. It is never downgraded to a low-confidence result.
var ErrCodeNotInCatalog = eris.New("pipeline: mapped code not in catalog slice")

// Mapping is the mapping stage's answer for one record.
type Mapping struct {
	Code             string
	Confidence       int
	IsCustom         bool
	AlternativeCodes []string
	Reasoning        string
}

type mappingResponse struct {
	Code             string   `json:"code"`
	Confidence       int      `json:"confidence"`
	AlternativeCodes []string `json:"alternative_codes"`
	Reasoning        string   `json:"reasoning"`
}

// Mapper assigns a catalog code to an enriched record.
type Mapper struct {
	oracle   *oracle.Client
	settings Settings
}

// NewMapper creates a Mapper.
func NewMapper(o *oracle.Client, settings Settings) *Mapper {
	return &Mapper{oracle: o, settings: settings}
}

// Map asks the oracle for a code and enforces catalog containment. The
// returned code, when err is nil, is always a member of slice.
func (m *Mapper) Map(ctx context.Context, rc *RunContext, r *model.Record, rs *rules.RuleSet, slice model.CatalogSlice) (Mapping, oracle.Trace, error) {
	if slice.CategoryID != r.CategoryPrimary || rs.CategoryID != r.CategoryPrimary {
		return Mapping{}, oracle.Trace{}, eris.Errorf("pipeline: map %s (category %s) against category %s", r.ItemCode, r.CategoryPrimary, slice.CategoryID)
	}
	if slice.Len() == 0 {
		return Mapping{}, oracle.Trace{}, resilience.NewPermanentError("empty_catalog_slice",
			eris.Errorf("pipeline: no catalog entries for category %s", slice.CategoryID))
	}

	payload := MappingPayload{
		CategoryID: slice.CategoryID,
		ItemCode:   r.ItemCode,
		ItemName:   r.ItemName,
		Enriched:   r.Enriched,
		Catalog:    slice.Entries(),
	}
	system, prompt := mappingPrompt(rs, slice, payload)
	resp, trace, err := oracle.Invoke(ctx, m.oracle, oracle.Request{
		Stage:     oracle.StageMapping,
		System:    system,
		Prompt:    prompt,
		Payload:   payload,
		MaxTokens: m.settings.MappingMaxTokens,
	}, func(resp *mappingResponse) error {
		resp.Code = strings.TrimSpace(resp.Code)
		if resp.Code == "" {
			return eris.New("empty code")
		}
		if !inRange(resp.Confidence) {
			return eris.Errorf("confidence %d out of range", resp.Confidence)
		}
		return nil
	})
	rc.OracleCall(oracle.StageMapping, trace)
	if err != nil {
		return Mapping{}, trace, err
	}

	entry, ok := slice.Lookup(resp.Code)
	if !ok {
		return Mapping{}, trace, resilience.NewPermanentError("code_not_in_catalog",
			eris.Wrapf(ErrCodeNotInCatalog, "%s proposed for category %s", resp.Code, slice.CategoryID))
	}

	out := Mapping{
		Code:       entry.Code,
		Confidence: resp.Confidence,
		IsCustom:   entry.IsCustom,
		Reasoning:  resp.Reasoning,
	}
	for _, alt := range resp.AlternativeCodes {
		alt = strings.TrimSpace(alt)
		if alt != entry.Code && slice.Contains(alt) {
			out.AlternativeCodes = append(out.AlternativeCodes, alt)
		}
	}
	return out, trace, nil
}

// Process maps one ENRICHED record to MAPPED or MAPPING_FAILED. A record
// interrupted by cancellation is left in place.
func (m *Mapper) Process(ctx context.Context, rc *RunContext, r *model.Record, rs *rules.RuleSet, slice model.CatalogSlice) error {
	if r.State != model.StateEnriched {
		return eris.Errorf("pipeline: map %s in state %s", r.ItemCode, r.State)
	}
	res, trace, err := m.Map(ctx, rc, r, rs, slice)
	r.Retries += trace.Attempts.Retries()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		zap.L().Warn("mapping: record failed", zap.String("item_code", r.ItemCode), zap.Error(err))
		reason := fmt.Sprintf("mapping failed after %d attempt(s): %v", max(trace.Attempts.Count, 1), err)
		ferr := r.Fail(model.StageMapping, model.StateMappingFailed, reason, resilience.ClassifyError(err))
		rc.Observe(model.StageMapping, r)
		return ferr
	}
	if trace.Attempts.Retries() > 0 {
		r.AddNotef("mapping: succeeded after %d retries", trace.Attempts.Retries())
	}

	r.Code = res.Code
	r.Confidence = model.ClampConfidence(res.Confidence)
	r.IsCustom = res.IsCustom
	r.AlternativeCodes = res.AlternativeCodes
	r.Reasoning = res.Reasoning
	r.MatchType = model.MatchWebSearch

	note := fmt.Sprintf("mapping: %s at %d", res.Code, r.Confidence)
	if r.Confidence < m.settings.MappingReview {
		r.ForceReview = true
		note += fmt.Sprintf("; below %d, mandatory review", m.settings.MappingReview)
	}
	err = r.Transition(model.StateMapped, note)
	rc.Observe(model.StageMapping, r)
	return err
}
