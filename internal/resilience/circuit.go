// Package resilience provides transient-error classification, retry with
// backoff, a circuit breaker and dead-letter types for store calls.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState is the position of a store breaker.
type CircuitState int

const (
	// CircuitClosed passes every store call through.
	CircuitClosed CircuitState = iota
	// CircuitOpen fails store calls fast with ErrCircuitOpen.
	CircuitOpen
	// CircuitHalfOpen lets probe calls reach the store.
	CircuitHalfOpen
)

var circuitStateNames = map[CircuitState]string{
	CircuitClosed:   "closed",
	CircuitOpen:     "open",
	CircuitHalfOpen: "half-open",
}

func (s CircuitState) String() string {
	if name, ok := circuitStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// ErrCircuitOpen rejects a store call without attempting it. It is
// transient, so ingest reports the event as failed and the dispatcher
// redelivers the batch.
var ErrCircuitOpen = NewTransientError(eris.New("circuit breaker is open"), "")

// CircuitBreakerConfig controls when the store is considered down.
type CircuitBreakerConfig struct {
	// FailureThreshold is the run of failed calls that opens the circuit. Default: 5.
	FailureThreshold int

	// ResetTimeout is the cooldown before a probe is allowed. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMaxProbes is the run of good probes that closes the circuit. Default: 1.
	HalfOpenMaxProbes int

	// ShouldTrip picks the errors that count as store failures. Nil counts all.
	ShouldTrip func(err error) bool

	// OnStateChange observes every transition.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns the breaker settings for a store.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		ResetTimeout:      30 * time.Second,
		HalfOpenMaxProbes: 1,
	}
}

// BreakerSnapshot is a point-in-time view of a breaker.
type BreakerSnapshot struct {
	State    CircuitState
	Failures int
	OpenedAt time.Time
}

// CircuitBreaker fails store calls fast after a run of failures, then lets
// probes through once the cooldown has passed.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    CircuitState
	failures int
	probes   int
	openedAt time.Time
}

// NewCircuitBreaker creates a closed breaker; zero config fields take defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	cfg.FailureThreshold = orDefault(cfg.FailureThreshold, def.FailureThreshold)
	cfg.HalfOpenMaxProbes = orDefault(cfg.HalfOpenMaxProbes, def.HalfOpenMaxProbes)
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := ExecuteVal(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteVal is Execute for calls that return a value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	if !cb.admit() {
		var zero T
		return zero, ErrCircuitOpen
	}
	val, err := fn(ctx)
	cb.record(err)
	return val, err
}

// State returns the current state. An open circuit whose cooldown has
// passed reports half-open.
func (cb *CircuitBreaker) State() CircuitState {
	return cb.Snapshot().State
}

// Snapshot returns the state and the current failure run.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s := BreakerSnapshot{State: cb.state, Failures: cb.failures, OpenedAt: cb.openedAt}
	if cb.cooledDown() {
		s.State = CircuitHalfOpen
	}
	return s
}

// Reset closes the circuit and clears the failure run.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.moveTo(CircuitClosed)
}

func (cb *CircuitBreaker) cooledDown() bool {
	return cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout
}

func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.cooledDown() {
		cb.moveTo(CircuitHalfOpen)
	}
	return cb.state != CircuitOpen
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil || (cb.cfg.ShouldTrip != nil && !cb.cfg.ShouldTrip(err)) {
		if cb.state == CircuitHalfOpen {
			cb.probes++
			if cb.probes >= cb.cfg.HalfOpenMaxProbes {
				cb.moveTo(CircuitClosed)
			}
			return
		}
		cb.failures = 0
		return
	}

	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
		cb.moveTo(CircuitOpen)
	}
}

// moveTo changes state and resets the counters the new state starts from.
// Moving to the current state only refreshes those counters.
func (cb *CircuitBreaker) moveTo(to CircuitState) {
	from := cb.state
	cb.state = to
	cb.probes = 0
	switch to {
	case CircuitClosed:
		cb.failures = 0
	case CircuitOpen:
		cb.openedAt = cb.now()
	}
	if from != to && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}
