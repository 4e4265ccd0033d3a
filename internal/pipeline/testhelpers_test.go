package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/vmrs-cli/internal/cost"
	"github.com/sells-group/vmrs-cli/internal/model"
	"github.com/sells-group/vmrs-cli/internal/oracle"
	"github.com/sells-group/vmrs-cli/internal/resilience"
	"github.com/sells-group/vmrs-cli/internal/rules"
	"github.com/sells-group/vmrs-cli/internal/search"
)

var testStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// harness wires a pipeline to scripted collaborators and a fake clock.
type harness struct {
	clock    *resilience.FakeClock
	oracle   *oracle.Scripted
	searcher *search.Static
	cache    *MemoryCache
	rules    *rules.Store
	catalog  *model.Catalog
	settings Settings
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	catalog, err := LoadCatalog(context.Background(), "testdata/catalog.csv")
	require.NoError(t, err)

	clock := resilience.NewFakeClock(testStart)
	h := &harness{
		clock:    clock,
		oracle:   oracle.NewScripted(),
		searcher: &search.Static{Fallback: func(q string) (string, error) { return "results for " + q, nil }},
		cache:    NewMemoryCache(clock),
		rules:    rules.NewStore("testdata/rules"),
		catalog:  catalog,
		settings: DefaultSettings(),
	}
	h.oracle.Default(oracle.StageSynthesis, func(req oracle.Request) (string, error) {
		p := req.Payload.(SynthesisPayload)
		return mustJSON(synthesisResponse{Description: "researched " + p.ItemName, Confidence: 80}), nil
	})
	return h
}

func (h *harness) retry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    4,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     time.Minute,
		Multiplier:     2,
		Clock:          h.clock,
	}
}

func (h *harness) breaker() *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		FailureThreshold: 10,
		ResetTimeout:     time.Minute,
		Clock:            h.clock,
	})
}

func (h *harness) oracleClient() *oracle.Client {
	return oracle.NewClient(h.oracle, oracle.Options{Timeout: time.Second, Retry: h.retry(), Breaker: h.breaker()})
}

func (h *harness) searchClient() *search.Client {
	return search.NewClient(h.searcher, search.Options{Timeout: time.Second, Retry: h.retry(), Breaker: h.breaker()})
}

func (h *harness) pipeline() *Pipeline {
	return New(h.oracleClient(), h.searchClient(), h.rules, h.cache, h.settings)
}

func (h *harness) runContext() *RunContext {
	return NewRunContext("run-test", h.clock, cost.NewCalculator(cost.DefaultRates()))
}

// routeBy answers router requests from a table keyed by item code.
func (h *harness) routeBy(table map[string]Classification) {
	h.oracle.Default(oracle.StageRouter, func(req oracle.Request) (string, error) {
		p := req.Payload.(RouterPayload)
		resp := routerResponse{}
		for _, it := range p.Items {
			c := table[it.ItemCode]
			c.Ref = it.Ref
			resp.Classifications = append(resp.Classifications, c)
		}
		return mustJSON(resp), nil
	})
}

// mapBy answers mapping requests from a table keyed by item code.
func (h *harness) mapBy(table map[string]mappingResponse) {
	h.oracle.Default(oracle.StageMapping, func(req oracle.Request) (string, error) {
		p := req.Payload.(MappingPayload)
		return mustJSON(table[p.ItemCode]), nil
	})
}

func records(pairs ...string) []*model.Record {
	out := make([]*model.Record, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, model.NewRecord(len(out), pairs[i], pairs[i+1]))
	}
	return out
}

func brakes(t *testing.T) *rules.RuleSet {
	t.Helper()
	rs, err := rules.NewStore("testdata/rules").Get("13")
	require.NoError(t, err)
	return rs
}

func transient() error {
	return resilience.NewTransientError(errors.New("service unavailable"), 503)
}
