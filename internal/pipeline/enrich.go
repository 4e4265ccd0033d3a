package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/vmrs-cli/internal/model"
	"github.com/sells-group/vmrs-cli/internal/oracle"
	"github.com/sells-group/vmrs-cli/internal/resilience"
	"github.com/sells-group/vmrs-cli/internal/rules"
	"github.com/sells-group/vmrs-cli/internal/search"
	"github.com/sells-group/vmrs-cli/internal/textmatch"
)

// Cache stores enriched records keyed by item code and query signature.
type Cache interface {
	// Get returns the entry for the key, or nil on a miss.
	Get(ctx context.Context, itemCode, signature string) (*model.EnrichedRecord, error)
	// Put writes rec unless a higher-confidence entry exists. It returns the
	// conflict when rec differs from the stored entry.
	Put(ctx context.Context, rec *model.EnrichedRecord) (*model.CacheConflict, error)
}

// QuerySignature identifies a search query independent of case and spacing.
func QuerySignature(query string) string {
	sum := sha256.Sum256([]byte(textmatch.Normalize(query)))
	return hex.EncodeToString(sum[:])[:16]
}

// MemoryCache is an in-process Cache for tests and dry runs.
type MemoryCache struct {
	clock resilience.Clock

	mu      sync.Mutex
	entries map[string]*model.EnrichedRecord
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache(clock resilience.Clock) *MemoryCache {
	if clock == nil {
		clock = resilience.SystemClock
	}
	return &MemoryCache{clock: clock, entries: make(map[string]*model.EnrichedRecord)}
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, itemCode, signature string) (*model.EnrichedRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[itemCode+"|"+signature]
	if !ok {
		return nil, nil
	}
	return cloneEnriched(e), nil
}

// Put implements Cache.
func (c *MemoryCache) Put(_ context.Context, rec *model.EnrichedRecord) (*model.CacheConflict, error) {
	key := rec.ItemCode + "|" + rec.QuerySignature
	c.mu.Lock()
	defer c.mu.Unlock()
	replace, conflict := model.ResolveCacheWrite(c.entries[key], rec, c.clock.Now())
	if replace {
		c.entries[key] = cloneEnriched(rec)
	}
	return conflict, nil
}

// Len returns the number of cached entries.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func cloneEnriched(e *model.EnrichedRecord) *model.EnrichedRecord {
	out := *e
	out.Attributes = maps.Clone(e.Attributes)
	return &out
}

type synthesisResponse struct {
	Description string `json:"description"`
	Confidence  int    `json:"confidence"`
}

// Enricher researches escalated records one at a time.
type Enricher struct {
	oracle   *oracle.Client
	search   *search.Client
	cache    Cache
	settings Settings
}

// NewEnricher creates an Enricher.
func NewEnricher(o *oracle.Client, s *search.Client, cache Cache, settings Settings) *Enricher {
	return &Enricher{oracle: o, search: s, cache: cache, settings: settings}
}

// Process enriches one ESCALATED record, moving it to ENRICHED or
// ENRICHMENT_FAILED. A record interrupted by cancellation is left in place.
func (en *Enricher) Process(ctx context.Context, rc *RunContext, r *model.Record, rs *rules.RuleSet) error {
	if r.State != model.StateEscalated {
		return eris.Errorf("pipeline: enrich %s in state %s", r.ItemCode, r.State)
	}
	if rs.CategoryID != r.CategoryPrimary {
		return eris.Errorf("pipeline: rule set %s applied to category %s", rs.CategoryID, r.CategoryPrimary)
	}

	query := rs.Query(r.ItemCode, r.ItemName)
	sig := QuerySignature(query)

	if cached := en.lookup(ctx, rc, r, sig); cached != nil {
		r.Enriched = cached
		rc.CacheHit()
		err := r.Transition(model.StateEnriched, fmt.Sprintf("enrichment: cache hit %s (research confidence %d)", sig, cached.ResearchConfidence))
		rc.Observe(model.StageEnrichment, r)
		return err
	}

	res, strace, err := en.search.Search(ctx, query)
	rc.SearchCall(res, strace)
	r.Retries += strace.Attempts.Retries()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return en.fail(rc, r, fmt.Sprintf("web search unavailable after %d attempt(s): %v", strace.Attempts.Count, err), err)
	}
	if strace.Attempts.Retries() > 0 {
		r.AddNotef("enrichment: search succeeded after %d retries", strace.Attempts.Retries())
	}

	// Attributes stated in the item name take precedence over search text.
	attrs := rs.ExtractAttributes(res.Text)
	maps.Copy(attrs, rs.ExtractAttributes(r.ItemName))

	payload := SynthesisPayload{
		CategoryID: rs.CategoryID,
		ItemCode:   r.ItemCode,
		ItemName:   r.ItemName,
		Attributes: attrs,
		SearchText: res.Text,
	}
	system, prompt := synthesisPrompt(rs, payload)
	syn, otrace, err := oracle.Invoke(ctx, en.oracle, oracle.Request{
		Stage:     oracle.StageSynthesis,
		System:    system,
		Prompt:    prompt,
		Payload:   payload,
		MaxTokens: en.settings.SynthMaxTokens,
	}, func(s *synthesisResponse) error {
		if s.Description == "" {
			return eris.New("empty description")
		}
		if !inRange(s.Confidence) {
			return eris.Errorf("confidence %d out of range", s.Confidence)
		}
		return nil
	})
	rc.OracleCall(oracle.StageSynthesis, otrace)
	r.Retries += otrace.Attempts.Retries()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return en.fail(rc, r, fmt.Sprintf("synthesis failed after %d attempt(s): %v", otrace.Attempts.Count, err), err)
	}

	rec := &model.EnrichedRecord{
		ItemCode:           r.ItemCode,
		QuerySignature:     sig,
		Query:              query,
		Attributes:         attrs,
		Description:        truncateRunes(syn.Description, rs.MaxDescriptionChars),
		ResearchConfidence: syn.Confidence,
		CreatedAt:          rc.Clock.Now(),
	}
	en.store(ctx, rc, r, rec)

	r.Enriched = rec
	err = r.Transition(model.StateEnriched, fmt.Sprintf("enrichment: researched (confidence %d)", rec.ResearchConfidence))
	rc.Observe(model.StageEnrichment, r)
	return err
}

// lookup returns an acceptable cached entry, or nil. Cache errors count as
// a miss.
func (en *Enricher) lookup(ctx context.Context, rc *RunContext, r *model.Record, sig string) *model.EnrichedRecord {
	if en.cache == nil {
		return nil
	}
	cached, err := en.cache.Get(ctx, r.ItemCode, sig)
	if err != nil {
		zap.L().Warn("enrichment: cache read failed", zap.String("item_code", r.ItemCode), zap.Error(err))
		return nil
	}
	if cached == nil {
		return nil
	}
	if age := rc.Clock.Now().Sub(cached.CreatedAt); en.settings.CacheTTL > 0 && age > en.settings.CacheTTL {
		r.AddNotef("enrichment: cache entry expired (%s old)", age.Round(time.Second))
		return nil
	}
	if cached.ResearchConfidence < en.settings.CacheMinConfidence {
		r.AddNotef("enrichment: cache entry confidence %d below %d", cached.ResearchConfidence, en.settings.CacheMinConfidence)
		return nil
	}
	cached.FromCache = true
	return cached
}

// store writes rec through to the cache. A write failure is logged, not
// fatal; a conflict is recorded on the run and in the record's notes.
func (en *Enricher) store(ctx context.Context, rc *RunContext, r *model.Record, rec *model.EnrichedRecord) {
	if en.cache == nil {
		return
	}
	conflict, err := en.cache.Put(ctx, rec)
	if err != nil {
		zap.L().Warn("enrichment: cache write failed", zap.String("item_code", r.ItemCode), zap.Error(err))
		return
	}
	if conflict != nil {
		rc.CacheConflict(*conflict)
		r.AddNotef("enrichment: cache conflict (stored %d, new %d): %s",
			conflict.ExistingConfidence, conflict.IncomingConfidence, conflict.Resolution)
	}
}

func (en *Enricher) fail(rc *RunContext, r *model.Record, reason string, cause error) error {
	zap.L().Warn("enrichment: record failed", zap.String("item_code", r.ItemCode), zap.Error(cause))
	err := r.Fail(model.StageEnrichment, model.StateEnrichmentFailed, reason, resilience.ClassifyError(cause))
	rc.Observe(model.StageEnrichment, r)
	return err
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
