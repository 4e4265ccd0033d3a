package oracle

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/vmrs-cli/internal/resilience"
)

// Trace reports what one logical call cost: every attempt, the backoff
// slept between attempts and the tokens consumed across all of them.
type Trace struct {
	Attempts resilience.Attempts
	Usage    Usage
	Model    string
}

// Client bounds calls to an Oracle: each attempt waits on the rate limiter,
// passes through the circuit breaker and runs under a per-call timeout;
// transient failures, open-breaker rejections and malformed output are
// retried by the backoff state machine.
type Client struct {
	oracle  Oracle
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	timeout time.Duration
	retry   resilience.RetryConfig
}

// Options configures a Client.
type Options struct {
	RatePerSec float64
	Timeout    time.Duration
	Retry      resilience.RetryConfig
	Breaker    *resilience.CircuitBreaker
}

// NewClient wraps o.
func NewClient(o Oracle, opts Options) *Client {
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	breaker := opts.Breaker
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	}
	return &Client{
		oracle:  o,
		limiter: rate.NewLimiter(limit, 1),
		breaker: breaker,
		timeout: timeout,
		retry:   opts.Retry,
	}
}

// Breaker exposes the client's circuit breaker for reporting.
func (c *Client) Breaker() *resilience.CircuitBreaker { return c.breaker }

// Invoke performs req and decodes the answer into T, validating it with
// validate. A response that still fails validation when the attempt budget
// is spent becomes a resilience.PermanentError.
func Invoke[T any](ctx context.Context, c *Client, req Request, validate func(*T) error) (T, Trace, error) {
	var trace Trace

	cfg := c.retry
	cfg.ShouldRetry = func(err error) bool {
		return resilience.RetryableOrOpen(err) || IsMalformed(err)
	}
	cfg.OnRetry = resilience.RetryLogger("oracle", req.Stage)

	val, attempts, err := resilience.DoValTrace(ctx, cfg, func(ctx context.Context) (T, error) {
		var zero T
		resp, err := c.once(ctx, req)
		if err != nil {
			return zero, err
		}
		trace.Usage.Add(resp.Usage)
		trace.Model = resp.Model
		return Decode(resp.Text, validate)
	})
	trace.Attempts = attempts
	if err != nil {
		zap.L().Debug("oracle call failed",
			zap.String("stage", req.Stage),
			zap.Int("attempts", attempts.Count),
			zap.Error(err),
		)
		if IsMalformed(err) {
			return val, trace, resilience.NewPermanentError("malformed_response", err)
		}
		return val, trace, err
	}
	return val, trace, nil
}

// once performs a single bounded attempt. No lock is held while waiting on
// the oracle.
func (c *Client) once(ctx context.Context, req Request) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "oracle: rate limiter")
	}
	return resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (*Response, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		resp, err := c.oracle.Complete(callCtx, req)
		if err != nil {
			if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				return nil, resilience.NewTransientError(eris.Wrapf(err, "oracle: %s call timed out after %s", req.Stage, c.timeout), 0)
			}
			return nil, err
		}
		return resp, nil
	})
}
