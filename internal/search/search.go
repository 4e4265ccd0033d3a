// Package search is the boundary to the external web search collaborator.
// It returns raw result text; attribute extraction belongs to the caller.
package search

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/vmrs-cli/internal/resilience"
	"github.com/sells-group/vmrs-cli/pkg/jina"
	"github.com/sells-group/vmrs-cli/pkg/perplexity"
)

// Result is the raw text of one search.
type Result struct {
	Provider string
	Text     string
	Sources  []string
	Tokens   int
}

// Searcher runs one query.
type Searcher interface {
	Search(ctx context.Context, query string) (*Result, error)
}

// Jina searches with Jina AI Search and concatenates the results.
type Jina struct {
	client   jina.Client
	maxChars int
}

// NewJina creates a Jina searcher that keeps at most maxChars of text.
func NewJina(client jina.Client, maxChars int) *Jina {
	return &Jina{client: client, maxChars: maxChars}
}

// Search implements Searcher.
func (j *Jina) Search(ctx context.Context, query string) (*Result, error) {
	resp, err := j.client.Search(ctx, query)
	if err != nil {
		return nil, classify(err)
	}
	var sb strings.Builder
	res := &Result{Provider: "jina", Tokens: resp.Tokens()}
	for _, d := range resp.Data {
		res.Sources = append(res.Sources, d.URL)
		sb.WriteString(d.Title)
		sb.WriteString("\n")
		if d.Description != "" {
			sb.WriteString(d.Description)
			sb.WriteString("\n")
		}
		sb.WriteString(d.Content)
		sb.WriteString("\n\n")
	}
	res.Text = truncate(sb.String(), j.maxChars)
	return res, nil
}

// Perplexity asks a search-grounded chat model for part specifications.
type Perplexity struct {
	client   perplexity.Client
	model    string
	maxChars int
}

// NewPerplexity creates a Perplexity searcher.
func NewPerplexity(client perplexity.Client, model string, maxChars int) *Perplexity {
	return &Perplexity{client: client, model: model, maxChars: maxChars}
}

// Search implements Searcher.
func (p *Perplexity) Search(ctx context.Context, query string) (*Result, error) {
	ans, err := p.client.Lookup(ctx, perplexity.Query{
		Model:        p.model,
		Instructions: "Return factual vehicle part specifications: component type, position, duty rating and application. Be concise.",
		Question:     query,
	})
	if err != nil {
		return nil, classify(err)
	}
	return &Result{
		Provider: "perplexity",
		Text:     truncate(ans.Text, p.maxChars),
		Sources:  ans.Citations,
		Tokens:   ans.Tokens,
	}, nil
}

// classify marks retryable HTTP statuses as transient.
func classify(err error) error {
	var status int
	var je *jina.StatusError
	var pe *perplexity.StatusError
	switch {
	case errors.As(err, &je):
		status = je.StatusCode
	case errors.As(err, &pe):
		status = pe.StatusCode
	default:
		return err
	}
	if resilience.IsTransientHTTPStatus(status) {
		return resilience.NewTransientError(err, status)
	}
	return resilience.NewPermanentError("search_rejected", err)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Trace reports the attempts one logical search took.
type Trace struct {
	Attempts resilience.Attempts
}

// Client bounds calls to a Searcher the same way oracle calls are bounded:
// rate limit, circuit breaker, per-call timeout and retry with backoff.
type Client struct {
	searcher Searcher
	limiter  *rate.Limiter
	breaker  *resilience.CircuitBreaker
	timeout  time.Duration
	retry    resilience.RetryConfig
}

// Options configures a Client.
type Options struct {
	RatePerSec float64
	Timeout    time.Duration
	Retry      resilience.RetryConfig
	Breaker    *resilience.CircuitBreaker
}

// NewClient wraps s.
func NewClient(s Searcher, opts Options) *Client {
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	breaker := opts.Breaker
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	}
	return &Client{
		searcher: s,
		limiter:  rate.NewLimiter(limit, 1),
		breaker:  breaker,
		timeout:  timeout,
		retry:    opts.Retry,
	}
}

// Search runs query with retries. An empty result is a success.
func (c *Client) Search(ctx context.Context, query string) (*Result, Trace, error) {
	cfg := c.retry
	cfg.ShouldRetry = resilience.RetryableOrOpen
	cfg.OnRetry = resilience.RetryLogger("search", "query")

	res, attempts, err := resilience.DoValTrace(ctx, cfg, func(ctx context.Context) (*Result, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "search: rate limiter")
		}
		return resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (*Result, error) {
			callCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			res, err := c.searcher.Search(callCtx, query)
			if err != nil && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				return nil, resilience.NewTransientError(eris.Wrapf(err, "search: timed out after %s", c.timeout), 0)
			}
			return res, err
		})
	})
	return res, Trace{Attempts: attempts}, err
}

// Static is a deterministic Searcher for tests and offline runs. It answers
// from Answers by exact query, else from Fallback, and counts calls.
type Static struct {
	mu       sync.Mutex
	Answers  map[string]string
	Fallback func(query string) (string, error)
	calls    int
}

// Search implements Searcher.
func (s *Static) Search(ctx context.Context, query string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.calls++
	text, ok := s.Answers[query]
	fallback := s.Fallback
	s.mu.Unlock()
	if !ok {
		if fallback == nil {
			return &Result{Provider: "static"}, nil
		}
		var err error
		if text, err = fallback(query); err != nil {
			return nil, err
		}
	}
	return &Result{Provider: "static", Text: text}, nil
}

// Calls returns how many searches were made.
func (s *Static) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
