// Package resilience provides the bounded retry state machine, circuit
// breakers and error taxonomy used around oracle and search calls.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState is the position of a breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	// CircuitHalfOpen admits one trial call after the reset timeout.
	CircuitHalfOpen
)

var circuitStateNames = [...]string{"closed", "open", "half-open"}

func (s CircuitState) String() string {
	if s < 0 || int(s) >= len(circuitStateNames) {
		return "unknown"
	}
	return circuitStateNames[s]
}

// ErrCircuitOpen rejects a call without reaching the service.
var ErrCircuitOpen = eris.New("resilience: circuit open")

// CircuitBreakerConfig sets the thresholds of one service breaker. Only
// transient errors count as failures: a malformed oracle answer or a
// rejected search query says nothing about the service's health.
type CircuitBreakerConfig struct {
	// FailureThreshold consecutive transient failures open the circuit.
	FailureThreshold int
	// ResetTimeout is how long an open circuit rejects calls.
	ResetTimeout time.Duration
	// OnStateChange, if set, is called with the breaker lock held.
	OnStateChange func(from, to CircuitState)
	Clock         Clock
}

// DefaultCircuitBreakerConfig opens after 5 failures for 30s.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 5, ResetTimeout: 30 * time.Second}
}

// CircuitBreaker guards calls to one service shared by every category
// worker of a run.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	trial    bool
	rejected int
}

// NewCircuitBreaker fills zero fields of cfg from the defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	return &CircuitBreaker{cfg: cfg}
}

// Execute runs fn unless the circuit rejects the call.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := ExecuteVal(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteVal runs fn through cb and returns its value. A rejected call
// returns the zero value and ErrCircuitOpen.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.admit(); err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	cb.settle(err)
	return val, err
}

// State reports an open circuit whose timeout has passed as half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.cooled() {
		return CircuitHalfOpen
	}
	return cb.state
}

// Failures is the current run of consecutive transient failures.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Rejected counts calls refused while the circuit was open.
func (cb *CircuitBreaker) Rejected() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.rejected
}

func (cb *CircuitBreaker) cooled() bool {
	return cb.cfg.Clock.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.cooled() {
		cb.moveTo(CircuitHalfOpen)
	}
	switch {
	case cb.state == CircuitClosed:
		return nil
	case cb.state == CircuitHalfOpen && !cb.trial:
		cb.trial = true
		return nil
	}
	cb.rejected++
	return ErrCircuitOpen
}

func (cb *CircuitBreaker) settle(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	wasTrial := cb.state == CircuitHalfOpen
	cb.trial = false
	if err == nil || !IsTransient(err) {
		cb.failures = 0
		if wasTrial {
			cb.moveTo(CircuitClosed)
		}
		return
	}

	cb.failures++
	if wasTrial || cb.failures >= cb.cfg.FailureThreshold {
		cb.openedAt = cb.cfg.Clock.Now()
		if cb.state != CircuitOpen {
			cb.moveTo(CircuitOpen)
		}
	}
}

func (cb *CircuitBreaker) moveTo(to CircuitState) {
	from := cb.state
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}

// ServiceBreakers holds one circuit breaker per external service. A service
// registered with Configure gets its own thresholds; any other service uses
// the fallback config.
type ServiceBreakers struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	configs  map[string]CircuitBreakerConfig
	fallback CircuitBreakerConfig
	onChange func(service string, from, to CircuitState)
}

// NewServiceBreakers creates an empty registry.
func NewServiceBreakers(fallback CircuitBreakerConfig) *ServiceBreakers {
	return &ServiceBreakers{
		breakers: make(map[string]*CircuitBreaker),
		configs:  make(map[string]CircuitBreakerConfig),
		fallback: fallback,
	}
}

// Configure sets the thresholds of service. It must be called before the
// service's breaker is first requested.
func (sb *ServiceBreakers) Configure(service string, cfg CircuitBreakerConfig) *ServiceBreakers {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.configs[service] = cfg
	return sb
}

// OnStateChange registers fn for transitions of every breaker created
// afterwards.
func (sb *ServiceBreakers) OnStateChange(fn func(service string, from, to CircuitState)) *ServiceBreakers {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.onChange = fn
	return sb
}

// Get returns the breaker of service, creating it on first use.
func (sb *ServiceBreakers) Get(service string) *CircuitBreaker {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if cb, ok := sb.breakers[service]; ok {
		return cb
	}
	cfg, ok := sb.configs[service]
	if !ok {
		cfg = sb.fallback
	}
	if fn := sb.onChange; fn != nil && cfg.OnStateChange == nil {
		cfg.OnStateChange = func(from, to CircuitState) { fn(service, from, to) }
	}
	cb := NewCircuitBreaker(cfg)
	sb.breakers[service] = cb
	return cb
}

// States returns the current state of every breaker created so far.
func (sb *ServiceBreakers) States() map[string]CircuitState {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	states := make(map[string]CircuitState, len(sb.breakers))
	for name, cb := range sb.breakers {
		states[name] = cb.State()
	}
	return states
}
