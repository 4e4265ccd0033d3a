package pipeline

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/vmrs-cli/internal/model"
)

func matched(itemCode, name, code string, conf int) *model.Record {
	r := model.NewRecord(0, itemCode, name)
	r.CategoryPrimary = "13"
	r.State = model.StateMatched
	r.Code = code
	r.Confidence = conf
	r.MatchType = model.MatchPattern
	return r
}

func TestValidator_Check(t *testing.T) {
	tests := []struct {
		name       string
		record     *model.Record
		wantStatus model.RoutingState
		wantFinal  int
		wantIssue  string
	}{
		{"clean pass", matched("A1", "Brake Pad Set Front Heavy Duty", "013-001-001", 95), model.StatePass, 95, ""},
		{"below auto approve", matched("A2", "Brake Pad Set Front", "013-001-001", 89), model.StateReview, 89, ""},
		{"no code", matched("A3", "Brake Pad", "", 0), model.StateFail, 0, "no code assigned"},
		{"not in catalog", matched("A4", "Brake Pad", "013-777-001", 95), model.StateFail, 95, "not in catalog"},
		{"exclusion", matched("A5", "Brake Pad", "018-001-001", 95), model.StateFail, 95, "category exclusion violated: no suspension codes on brake parts"},
		{"inconsistent position", matched("A6", "Brake Pad Rear", "013-001-001", 95), model.StateFail, 95, "position"},
		{"custom code", matched("A7", "Brake hardware kit", "013-009-001", 95), model.StateReview, 90, "custom code"},
	}
	h := newHarness(t)
	v := NewValidator(h.settings)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdicts, err := v.Check(Batch{CategoryID: "13", Records: []*model.Record{tt.record}}, brakes(t), h.catalog)
			require.NoError(t, err)
			require.Len(t, verdicts, 1)
			assert.Equal(t, tt.wantStatus, verdicts[0].Status)
			assert.Equal(t, tt.wantFinal, verdicts[0].FinalConfidence)
			if tt.wantIssue == "" {
				return
			}
			require.NotEmpty(t, verdicts[0].Issues)
			assert.Contains(t, verdicts[0].Issues[0], tt.wantIssue)
		})
	}
}

func TestValidator_ForceReviewNeverPasses(t *testing.T) {
	h := newHarness(t)
	r := matched("A1", "Brake Pad Set Front Heavy Duty", "013-001-001", 99)
	r.ForceReview = true

	require.NoError(t, NewValidator(h.settings).Process(h.runContext(), Batch{CategoryID: "13", Records: []*model.Record{r}}, brakes(t), h.catalog))
	assert.Equal(t, model.StateReview, r.State)
	assert.Equal(t, "mapping confidence below 85", r.Reason)
}

func TestValidator_CrossRecord(t *testing.T) {
	h := newHarness(t)
	v := NewValidator(h.settings)

	t.Run("near-identical names with different codes", func(t *testing.T) {
		a := matched("C1", "Air Brake Caliper Rear", "013-002-002", 95)
		b := matched("C2", "Air Brake Caliper, Rear", "013-002-001", 95)
		verdicts, err := v.Check(Batch{CategoryID: "13", Records: []*model.Record{a, b}}, brakes(t), h.catalog)
		require.NoError(t, err)
		for _, vd := range verdicts {
			assert.Equal(t, model.StateReview, vd.Status)
			assert.Equal(t, crossRecordPenalty, vd.Adjustment)
			assert.Equal(t, 90, vd.FinalConfidence)
			assert.Contains(t, vd.Issues[0], "near-identical")
		}
	})

	t.Run("shared code with contradictory attributes", func(t *testing.T) {
		a := matched("C3", "Caliper Front Left", "013-002-001", 96)
		b := matched("C4", "Caliper Rear Left", "013-002-001", 96)
		verdicts, err := v.Check(Batch{CategoryID: "13", Records: []*model.Record{a, b}}, brakes(t), h.catalog)
		require.NoError(t, err)
		assert.Contains(t, verdicts[0].Issues[0], "differs on position")
		assert.Equal(t, 91, verdicts[1].FinalConfidence)
	})

	t.Run("single record is vacuous", func(t *testing.T) {
		a := matched("C5", "Air Brake Caliper Rear", "013-002-002", 95)
		verdicts, err := v.Check(Batch{CategoryID: "13", Records: []*model.Record{a}}, brakes(t), h.catalog)
		require.NoError(t, err)
		assert.Equal(t, model.StatePass, verdicts[0].Status)
		assert.Zero(t, verdicts[0].Adjustment)
	})
}

func TestValidator_RulesUnavailableGoesToReview(t *testing.T) {
	h := newHarness(t)
	r := matched("A1", "Brake Pad Set Front Heavy Duty", "013-001-001", 99)
	r.State = model.StateExactMatch

	require.NoError(t, NewValidator(h.settings).Process(h.runContext(), Batch{CategoryID: "13", Records: []*model.Record{r}}, nil, h.catalog))
	assert.Equal(t, model.StateReview, r.State)
	assert.Contains(t, r.Reason, "rules unavailable for category 13")
}

func TestValidator_ExactMatchNeedingEscalationGoesToReview(t *testing.T) {
	h := newHarness(t)
	r := matched("GHI789", "Air brake caliper assembly, rear", "013-002-002", 97)
	r.State = model.StateExactMatch
	r.MatchType = model.MatchExact

	require.NoError(t, NewValidator(h.settings).Process(h.runContext(), Batch{CategoryID: "13", Records: []*model.Record{r}}, brakes(t), h.catalog))
	assert.Equal(t, model.StateReview, r.State)
	assert.Equal(t, []string{`escalation required: always escalate: "caliper"`}, r.Issues)
}

func TestValidator_PassImpliesThreshold(t *testing.T) {
	h := newHarness(t)
	v := NewValidator(h.settings)
	rng := rand.New(rand.NewPCG(7, 11))
	codes := []string{"013-002-001", "013-002-002", "013-009-001"}
	names := []string{"Air Brake Caliper Front", "Air Brake Caliper, Front", "Caliper Rear", "Brake hardware kit"}

	for range 500 {
		n := 1 + rng.IntN(3)
		b := Batch{CategoryID: "13"}
		for range n {
			r := matched("P", names[rng.IntN(len(names))], codes[rng.IntN(len(codes))], rng.IntN(101))
			r.ForceReview = rng.IntN(4) == 0
			b.Records = append(b.Records, r)
		}
		verdicts, err := v.Check(b, brakes(t), h.catalog)
		require.NoError(t, err)
		for i, vd := range verdicts {
			if vd.Status != model.StatePass {
				continue
			}
			assert.GreaterOrEqual(t, vd.FinalConfidence, h.settings.AutoApprove)
			assert.Empty(t, vd.Issues)
			assert.False(t, b.Records[i].ForceReview)
		}
	}
}

func TestValidator_RejectsUnready(t *testing.T) {
	h := newHarness(t)
	r := escalated("X", "Caliper")
	err := NewValidator(h.settings).Process(h.runContext(), Batch{CategoryID: "13", Records: []*model.Record{r}}, brakes(t), h.catalog)
	assert.Error(t, err)
	assert.Equal(t, model.StateEscalated, r.State)
}
