package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig controls retry behavior with exponential backoff and jitter.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts (including the first try).
	// A value of 1 means no retries. Default: 4.
	MaxAttempts int

	// InitialBackoff is the base delay before the first retry. Default: 5s.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration. Default: 60s.
	MaxBackoff time.Duration

	// Multiplier scales the backoff after each attempt. Default: 2.0.
	Multiplier float64

	// JitterFraction adds random jitter as a fraction of the computed delay
	// (0.0 = no jitter, 0.5 = ±50%). Jitter never makes a delay shorter than
	// the one before it. Default: 0.
	JitterFraction float64

	// ShouldRetry optionally overrides the default check. If nil, an error is
	// retried when it is transient and not permanent.
	ShouldRetry func(err error) bool

	// OnRetry is called before each retry sleep with the attempt number that
	// failed, the delay about to be slept and the error.
	OnRetry func(attempt int, delay time.Duration, err error)

	// Clock supplies time. Default: SystemClock.
	Clock Clock

	// rand returns a value in [0, 1); tests replace it.
	rand func() float64
}

// DefaultRetryConfig returns the retry configuration for oracle and search
// calls: three retries starting at five seconds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    4,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     60 * time.Second,
		Multiplier:     2.0,
	}
}

// Backoff is the bounded retry state machine: it tracks how many attempts
// have been made and the delay that precedes the next one.
type Backoff struct {
	cfg       RetryConfig
	attempts  int
	lastDelay time.Duration
}

// NewBackoff creates a Backoff for cfg.
func NewBackoff(cfg RetryConfig) *Backoff {
	return &Backoff{cfg: applyDefaults(cfg)}
}

// Attempts returns how many attempts have been recorded.
func (b *Backoff) Attempts() int { return b.attempts }

// Record notes that an attempt was made.
func (b *Backoff) Record() { b.attempts++ }

// Exhausted reports whether no further attempt is allowed.
func (b *Backoff) Exhausted() bool { return b.attempts >= b.cfg.MaxAttempts }

// Next returns the delay before the next attempt and false once the attempt
// budget is spent. Delays never decrease.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.Exhausted() {
		return 0, false
	}
	d := computeBackoff(b.attempts-1, b.cfg)
	if d < b.lastDelay {
		d = b.lastDelay
	}
	b.lastDelay = d
	return d, true
}

// Attempts records what happened across a retried call.
type Attempts struct {
	Count  int
	Delays []time.Duration
	Errors []error
}

// Retries returns the number of attempts after the first.
func (a Attempts) Retries() int {
	if a.Count == 0 {
		return 0
	}
	return a.Count - 1
}

// TotalBackoff sums the delays slept between attempts.
func (a Attempts) TotalBackoff() time.Duration {
	var total time.Duration
	for _, d := range a.Delays {
		total += d
	}
	return total
}

// Do executes fn with retry logic according to cfg. Context cancellation
// stops retries immediately.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, _, err := DoValTrace(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal is like Do but preserves the return value from the successful call.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	v, _, err := DoValTrace(ctx, cfg, fn)
	return v, err
}

// DoValTrace is DoVal that also reports every attempt, delay and error.
func DoValTrace[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, Attempts, error) {
	cfg = applyDefaults(cfg)

	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(err error) bool { return IsTransient(err) && !IsPermanent(err) }
	}

	var (
		zero  T
		trace Attempts
		b     = &Backoff{cfg: cfg}
	)
	for {
		b.Record()
		trace.Count = b.Attempts()
		val, err := fn(ctx)
		if err == nil {
			return val, trace, nil
		}
		trace.Errors = append(trace.Errors, err)

		if ctx.Err() != nil || !shouldRetry(err) {
			return zero, trace, err
		}

		delay, ok := b.Next()
		if !ok {
			return zero, trace, err
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(b.Attempts(), delay, err)
		}
		trace.Delays = append(trace.Delays, delay)

		if sleepErr := cfg.Clock.Sleep(ctx, delay); sleepErr != nil {
			return zero, trace, err
		}
	}
}

func applyDefaults(cfg RetryConfig) RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2.0
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	if cfg.rand == nil {
		cfg.rand = rand.Float64
	}
	return cfg
}

func computeBackoff(retry int, cfg RetryConfig) time.Duration {
	if retry < 0 {
		retry = 0
	}
	delay := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(retry))

	// Apply jitter: ±JitterFraction of delay.
	if cfg.JitterFraction > 0 {
		jitterRange := delay * cfg.JitterFraction
		delay += (cfg.rand()*2 - 1) * jitterRange
	}

	if delay > float64(cfg.MaxBackoff) {
		delay = float64(cfg.MaxBackoff)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// RetryLogger returns an OnRetry callback that logs each retry attempt.
func RetryLogger(service, operation string, fields ...zap.Field) func(int, time.Duration, error) {
	return func(attempt int, delay time.Duration, err error) {
		zap.L().Warn("retrying operation", append([]zap.Field{
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		}, fields...)...)
	}
}
