package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/vmrs-cli/internal/model"
	"github.com/sells-group/vmrs-cli/internal/oracle"
	"github.com/sells-group/vmrs-cli/internal/resilience"
	"github.com/sells-group/vmrs-cli/internal/search"
)

func TestRunContext_Summary(t *testing.T) {
	h := newHarness(t)
	rc := h.runContext()

	pass := terminal(0, "P", model.StatePass)
	review := terminal(1, "R", model.StateFail)
	failed := terminal(2, "F", model.StateEnrichmentFailed)
	lost := model.NewRecord(3, "U", "Widget")
	lost.State = model.StateClassificationFailed
	inflight := terminal(4, "I", model.StateEnriched)

	for _, r := range []*model.Record{pass, review, failed} {
		rc.Observe(model.StageValidation, r)
	}
	rc.OracleCall(oracle.StageMapping, oracle.Trace{
		Model:    "claude-sonnet-4-5-20250929",
		Usage:    oracle.Usage{InputTokens: 1000, OutputTokens: 200},
		Attempts: resilience.Attempts{Count: 3},
	})
	rc.SearchCall(&search.Result{Provider: "jina", Tokens: 500}, search.Trace{Attempts: resilience.Attempts{Count: 1}})
	rc.CacheHit()
	rc.CacheConflict(model.CacheConflict{ItemCode: "R"})
	h.clock.Advance(time.Minute)

	s := rc.Summary([]*model.Record{pass, review, failed, lost, inflight}, true)

	assert.Equal(t, "run-test", s.RunID)
	assert.Equal(t, time.Minute, s.FinishedAt.Sub(s.StartedAt))
	assert.Equal(t, 5, s.Total)
	assert.Equal(t, 1, s.Approved)
	assert.Equal(t, 1, s.BusinessReview)
	assert.Equal(t, 2, s.SystemFailures)
	assert.Equal(t, 1, s.Incomplete)
	assert.True(t, s.Cancelled)
	assert.Equal(t, s.Total, s.Terminal()+s.Incomplete)
	assert.Equal(t, 0, s.Dispositions[model.DispositionPendingReview])

	assert.Equal(t, 3, s.OracleCalls)
	assert.Equal(t, 1, s.SearchCalls)
	assert.Equal(t, 2, s.Retries)
	assert.Equal(t, 1, s.CacheHits)
	assert.Equal(t, 1, s.CacheConflicts)
	assert.Equal(t, int64(1000), s.InputTokens)
	assert.Positive(t, s.CostUSD)

	require.Contains(t, s.Categories, model.UnclassifiedCategory)
	brakes := s.Categories["13"]
	assert.Equal(t, 4, brakes.Records)
	assert.Equal(t, 1, brakes.Stages[model.StageValidation][model.StatePass])
	assert.Equal(t, "run-test", rc.Conflicts()[0].RunID)
}
