package main

import (
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/vmrs-cli/internal/config"
	"github.com/sells-group/vmrs-cli/internal/cost"
	"github.com/sells-group/vmrs-cli/internal/model"
	"github.com/sells-group/vmrs-cli/internal/oracle"
	"github.com/sells-group/vmrs-cli/internal/pipeline"
	"github.com/sells-group/vmrs-cli/internal/resilience"
	"github.com/sells-group/vmrs-cli/internal/rules"
	"github.com/sells-group/vmrs-cli/internal/search"
	"github.com/sells-group/vmrs-cli/internal/store"
	anthropicpkg "github.com/sells-group/vmrs-cli/pkg/anthropic"
	"github.com/sells-group/vmrs-cli/pkg/jina"
	"github.com/sells-group/vmrs-cli/pkg/perplexity"
)

// pipelineEnv holds the clients, rule store and pipeline a classify run
// needs.
type pipelineEnv struct {
	Pipeline *pipeline.Pipeline
	Rules    *rules.Store
	Costs    *cost.Calculator
	Oracle   *oracle.Client
	Search   *search.Client
	Breakers *resilience.ServiceBreakers
}

// Breaker registry keys.
const (
	serviceOracle = "oracle"
	serviceSearch = "search"
)

// initPipeline builds the pipeline for catalog. Offline runs use the
// deterministic stub oracle and searcher. A nil store keeps the enrichment
// cache in memory.
func initPipeline(c *config.Config, catalog *model.Catalog, st store.Store, offline bool) (*pipelineEnv, error) {
	var (
		o oracle.Oracle
		s search.Searcher
	)
	if offline {
		o = pipeline.NewStubOracle(catalog)
		s = pipeline.NewStubSearcher()
		zap.L().Info("offline mode: using stub oracle and searcher")
	} else {
		o = oracle.NewAnthropic(anthropicpkg.NewClient(c.Anthropic.Key), c.Anthropic.Model, c.Anthropic.Temperature)
		var err error
		s, err = initSearcher(c)
		if err != nil {
			return nil, err
		}
	}

	retry := resilience.FromRetryConfig(c.Retry.MaxRetries, c.Retry.InitialBackoffMs, c.Retry.MaxBackoffMs,
		c.Retry.Multiplier, c.Retry.JitterFraction)
	breakers := newBreakers(c)
	oracleClient := oracle.NewClient(o, oracle.Options{
		RatePerSec: float64(c.Oracle.RatePerSec),
		Timeout:    c.Oracle.Timeout(),
		Retry:      retry,
		Breaker:    breakers.Get(serviceOracle),
	})
	searchClient := search.NewClient(s, search.Options{
		RatePerSec: float64(c.Search.RatePerSec),
		Timeout:    c.Search.Timeout(),
		Retry:      retry,
		Breaker:    breakers.Get(serviceSearch),
	})

	var cache pipeline.Cache
	if st != nil {
		cache = store.Cache{Store: st}
	} else {
		cache = pipeline.NewMemoryCache(resilience.SystemClock)
	}

	rs := rules.NewStore(c.Paths.RulesDir)
	settings := pipeline.SettingsFromConfig(c)

	zap.L().Info("pipeline initialized",
		zap.Bool("offline", offline),
		zap.String("search_provider", c.Search.Provider),
		zap.String("rules_dir", c.Paths.RulesDir),
		zap.Int("max_attempts", retry.MaxAttempts),
		zap.Bool("persistent_cache", st != nil),
	)

	return &pipelineEnv{
		Pipeline: pipeline.New(oracleClient, searchClient, rs, cache, settings),
		Rules:    rs,
		Costs:    cost.NewCalculator(cost.RatesFromConfig(c.Pricing)),
		Oracle:   oracleClient,
		Search:   searchClient,
		Breakers: breakers,
	}, nil
}

func initSearcher(c *config.Config) (search.Searcher, error) {
	switch c.Search.Provider {
	case "jina":
		var opts []jina.Option
		if c.Jina.SearchBaseURL != "" {
			opts = append(opts, jina.WithSearchBaseURL(c.Jina.SearchBaseURL))
		}
		return search.NewJina(jina.NewClient(c.Jina.Key, opts...), c.Search.MaxResultChars), nil
	case "perplexity":
		client := perplexity.NewClient(c.Perplexity.Key,
			perplexity.WithBaseURL(c.Perplexity.BaseURL),
			perplexity.WithModel(c.Perplexity.Model),
		)
		return search.NewPerplexity(client, c.Perplexity.Model, c.Search.MaxResultChars), nil
	default:
		return nil, eris.Errorf("unsupported search provider: %s", c.Search.Provider)
	}
}

// newBreakers registers the oracle and search breakers with their own
// thresholds and logs every state change.
func newBreakers(c *config.Config) *resilience.ServiceBreakers {
	return resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig()).
		Configure(serviceOracle, resilience.FromCircuitConfig(c.Oracle.BreakerThreshold, c.Oracle.BreakerResetSecs)).
		Configure(serviceSearch, resilience.FromCircuitConfig(c.Search.BreakerThreshold, c.Search.BreakerResetSecs)).
		OnStateChange(func(service string, from, to resilience.CircuitState) {
			zap.L().Warn("circuit breaker state change",
				zap.String("service", service),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		})
}
