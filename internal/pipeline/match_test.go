package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/vmrs-cli/internal/model"
)

func TestPatternMatcher_Evaluate(t *testing.T) {
	h := newHarness(t)
	rs := brakes(t)
	slice := h.catalog.Slice("13")
	pm := NewPatternMatcher(h.settings)

	examples := []model.ValidatedExample{
		{ItemCode: "OLD1", ItemName: "Brake Pad Kit Rear Axle", Code: "013-001-002", Confidence: 97},
		{ItemCode: "OLD2", ItemName: "Brake Pad Set Front Heavy Duty", Code: "013-001-001", Confidence: 80},
		{ItemCode: "OLD3", ItemName: "Retired Pad", Code: "013-007-001", Confidence: 99},
	}

	tests := []struct {
		name     string
		item     string
		code     string
		state    model.RoutingState
		wantCode string
		wantConf int
		wantType model.MatchType
		escalate bool
	}{
		{"exact example floors at 95", "brake pad set, front, heavy-duty", "N1", model.StatePatternMatchNeeded, "013-001-001", 95, model.MatchExact, false},
		{"near example capped", "Brake Pad Kit Rear Axles", "N2", model.StatePatternMatchNeeded, "013-001-002", 92, model.MatchExact, false},
		{"keyword rule", "Brake Pad Rear Kit", "N3", model.StatePatternMatchNeeded, "013-001-002", 80, model.MatchPattern, false},
		{"always escalate wins", "Brake Caliper Front HD", "N4", model.StatePatternMatchNeeded, "", 0, model.MatchNone, true},
		{"unmatched escalates", "Mystery Widget", "N5", model.StatePatternMatchNeeded, "", 0, model.MatchNone, true},
		{"web search forced", "Brake Pad Rear Kit", "N6", model.StateWebSearchNeeded, "013-001-002", 80, model.MatchPattern, true},
		{"example code outside catalog ignored", "Retired Pad", "N7", model.StatePatternMatchNeeded, "", 0, model.MatchNone, true},
		{"same item code", "anything", "OLD1", model.StatePatternMatchNeeded, "013-001-002", 97, model.MatchExact, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := model.NewRecord(0, tt.code, tt.item)
			r.CategoryPrimary = "13"
			r.State = tt.state
			m := pm.Evaluate(r, rs, slice, examples)
			assert.Equal(t, tt.wantCode, m.Code)
			assert.Equal(t, tt.wantConf, m.Confidence)
			assert.Equal(t, tt.wantType, m.MatchType)
			assert.Equal(t, tt.escalate, m.Escalate)
		})
	}
}

func TestPatternMatcher_ApplyMediumConfidence(t *testing.T) {
	pm := NewPatternMatcher(DefaultSettings())
	r := model.NewRecord(0, "N3", "Brake Pad Rear Kit")
	r.State = model.StatePatternMatchNeeded

	require.NoError(t, pm.Apply(r, Match{Code: "013-001-002", Confidence: 80, MatchType: model.MatchPattern, Reason: `keyword rule "rear pad"`}))
	assert.Equal(t, model.StateMatched, r.State)
	assert.True(t, r.MediumConfidence)
	assert.Contains(t, r.NotesString(), "MEDIUM_CONFIDENCE")
}

func TestPatternMatcher_ApplyEscalationKeepsHint(t *testing.T) {
	pm := NewPatternMatcher(DefaultSettings())
	r := model.NewRecord(0, "N6", "Brake Pad Rear Kit")
	r.State = model.StateWebSearchNeeded

	require.NoError(t, pm.Apply(r, Match{Code: "013-001-002", Confidence: 80, Escalate: true}))
	assert.Equal(t, model.StateEscalated, r.State)
	assert.Empty(t, r.Code)
	assert.Contains(t, r.NotesString(), "hint 013-001-002 at 80")
}

func TestPatternMatcher_RulesUnavailableFailsWholeBatch(t *testing.T) {
	h := newHarness(t)
	pm := NewPatternMatcher(h.settings)
	rc := h.runContext()

	recs := records("A", "Brake Pad Rear", "B", "Brake Pad Front Heavy Duty")
	for _, r := range recs {
		r.CategoryPrimary = "13"
		r.State = model.StatePatternMatchNeeded
	}
	err := pm.Process(rc, Batch{CategoryID: "13", Records: recs}, nil, errors.New("yaml: line 3"), h.catalog.Slice("13"), nil)
	require.NoError(t, err)
	for _, r := range recs {
		assert.Equal(t, model.StateRulesUnavailable, r.State)
		assert.Empty(t, r.Code, "no partial application")
		assert.Equal(t, model.StagePattern, r.FailedStage)
	}
}

func TestPatternMatcher_RejectsForeignRuleSet(t *testing.T) {
	h := newHarness(t)
	pm := NewPatternMatcher(h.settings)
	r := model.NewRecord(0, "A", "Leaf Spring")
	r.CategoryPrimary = "18"
	r.State = model.StatePatternMatchNeeded

	err := pm.Process(h.runContext(), Batch{CategoryID: "18", Records: []*model.Record{r}}, brakes(t), nil, h.catalog.Slice("18"), nil)
	require.Error(t, err)
	assert.Equal(t, model.StatePatternMatchNeeded, r.State)
}
