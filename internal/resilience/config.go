package resilience

import (
	"errors"
	"time"
)

// FromRetryConfig converts config values to a RetryConfig. maxRetries counts
// retries after the first attempt.
func FromRetryConfig(maxRetries, initialBackoffMs, maxBackoffMs int, multiplier, jitterFraction float64) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxRetries >= 0 {
		cfg.MaxAttempts = maxRetries + 1
	}
	if initialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(initialBackoffMs) * time.Millisecond
	}
	if maxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(maxBackoffMs) * time.Millisecond
	}
	if multiplier > 0 {
		cfg.Multiplier = multiplier
	}
	if jitterFraction >= 0 {
		cfg.JitterFraction = jitterFraction
	}
	return cfg
}

// FromCircuitConfig converts config values to a CircuitBreakerConfig.
func FromCircuitConfig(failureThreshold, resetTimeoutSecs int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutSecs) * time.Second
	}
	return cfg
}

// RetryableOrOpen retries transient errors and calls rejected by an open
// breaker, since the breaker may half-open during the backoff.
func RetryableOrOpen(err error) bool {
	return (IsTransient(err) && !IsPermanent(err)) || errorsIsCircuitOpen(err)
}

func errorsIsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}
