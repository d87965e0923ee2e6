// Package infra provides the shared resilience primitives: per-dependency
// circuit breakers and the registry that exposes their health.
package infra

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Circuit breaker states
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)

// ErrCircuitOpen is returned when a call is rejected because the breaker
// guarding the dependency is open. Callers must fail fast on it; a rejected
// call never counts as a new failure.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies the guarded dependency.
	Name string

	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int

	// Cooldown is how long the circuit stays open before admitting a probe.
	Cooldown time.Duration

	// OnStateChange is called when the circuit state changes.
	OnStateChange func(name, from, to string)
}

// CircuitBreaker implements the circuit breaker pattern with a single-flight
// half-open probe: after the cooldown elapses exactly one caller is admitted
// to test the dependency while everyone else keeps failing fast.
//
// The mutex protects only in-memory bookkeeping; it is never held across the
// guarded call itself.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	now    func() time.Time

	mu            sync.RWMutex
	state         string
	failures      int
	openedAt      time.Time
	probeInFlight bool
	lastFailure   time.Time
}

// NewCircuitBreaker creates a new circuit breaker with the given config.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}

	return &CircuitBreaker{
		config: config,
		now:    time.Now,
		state:  CircuitClosed,
	}
}

// Allow reports whether a call may proceed. In the open state it transitions
// to half-open once the cooldown has elapsed and grants the probe slot to the
// single caller that wins the race; all others are rejected until the probe
// resolves via RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true

	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) >= cb.config.Cooldown {
			cb.transitionTo(CircuitHalfOpen)
			cb.probeInFlight = true
			return true
		}
		return false

	case CircuitHalfOpen:
		if !cb.probeInFlight {
			cb.probeInFlight = true
			return true
		}
		return false

	default:
		return true
	}
}

// RecordSuccess records a successful call. A successful half-open probe
// closes the circuit and resets the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0

	case CircuitHalfOpen:
		cb.probeInFlight = false
		cb.transitionTo(CircuitClosed)
	}
}

// RecordFailure records a failed call. Reaching the threshold in the closed
// state opens the circuit; a failed half-open probe reopens it and restarts
// the cooldown.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.now()

	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.openedAt = cb.now()
			cb.transitionTo(CircuitOpen)
		}

	case CircuitHalfOpen:
		cb.probeInFlight = false
		cb.openedAt = cb.now()
		cb.transitionTo(CircuitOpen)
	}
}

// ReleaseProbe relinquishes the half-open probe slot without recording an
// outcome. Used when the probe call was cancelled before it reached the
// dependency, so the breaker is left exactly as it was.
func (cb *CircuitBreaker) ReleaseProbe() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen {
		cb.probeInFlight = false
	}
}

// Execute runs fn with circuit breaker protection. A rejected call returns
// ErrCircuitOpen without invoking fn and without touching the counters.
// Context cancellation is not held against the dependency.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}

	err := fn(ctx)
	cb.recordResult(err)
	return err
}

// ExecuteWithResult runs a function that returns a value with circuit breaker protection.
func ExecuteWithResult[T any](cb *CircuitBreaker, ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if !cb.Allow() {
		return zero, ErrCircuitOpen
	}

	result, err := fn(ctx)
	cb.recordResult(err)
	return result, err
}

func (cb *CircuitBreaker) recordResult(err error) {
	switch {
	case err == nil:
		cb.RecordSuccess()
	case errors.Is(err, context.Canceled):
		cb.ReleaseProbe()
	default:
		cb.RecordFailure()
	}
}

// transitionTo changes the circuit breaker state. Must be called with mu held.
// The failure count resets only on transition into closed.
func (cb *CircuitBreaker) transitionTo(newState string) {
	oldState := cb.state
	if oldState == newState {
		return
	}
	cb.state = newState
	if newState == CircuitClosed {
		cb.failures = 0
	}

	if cb.config.OnStateChange != nil {
		// Call asynchronously to avoid blocking under the lock.
		go cb.config.OnStateChange(cb.config.Name, oldState, newState)
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset manually returns the circuit breaker to the closed state. This is the
// operator escape hatch; it clears the failure count and any pending probe.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probeInFlight = false
	cb.transitionTo(CircuitClosed)
	cb.failures = 0
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return CircuitBreakerStats{
		Name:        cb.config.Name,
		State:       cb.state,
		Failures:    cb.failures,
		OpenedAt:    cb.openedAt,
		LastFailure: cb.lastFailure,
	}
}

// CircuitBreakerStats contains statistics about a circuit breaker.
type CircuitBreakerStats struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	OpenedAt    time.Time `json:"opened_at,omitzero"`
	LastFailure time.Time `json:"last_failure,omitzero"`
}

// CircuitBreakerRegistry manages the per-dependency circuit breakers.
// Breakers are created once and live for the process lifetime.
type CircuitBreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	defaults CircuitBreakerConfig
}

// NewCircuitBreakerRegistry creates a new registry with default config.
func NewCircuitBreakerRegistry(defaults CircuitBreakerConfig) *CircuitBreakerRegistry {
	if defaults.FailureThreshold <= 0 {
		defaults.FailureThreshold = 5
	}
	if defaults.Cooldown <= 0 {
		defaults.Cooldown = 30 * time.Second
	}

	return &CircuitBreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
	}
}

// Get returns or creates a circuit breaker with the given name.
func (r *CircuitBreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()

	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	config := r.defaults
	config.Name = name
	cb = NewCircuitBreaker(config)
	r.breakers[name] = cb
	return cb
}

// GetWithConfig returns or creates a circuit breaker with custom config.
func (r *CircuitBreakerRegistry) GetWithConfig(name string, config CircuitBreakerConfig) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	config.Name = name
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = r.defaults.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = r.defaults.Cooldown
	}
	if config.OnStateChange == nil {
		config.OnStateChange = r.defaults.OnStateChange
	}
	cb := NewCircuitBreaker(config)
	r.breakers[name] = cb
	return cb
}

// Stats returns statistics for all circuit breakers.
func (r *CircuitBreakerRegistry) Stats() []CircuitBreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make([]CircuitBreakerStats, 0, len(r.breakers))
	for _, cb := range r.breakers {
		stats = append(stats, cb.Stats())
	}
	return stats
}

// OpenCircuits returns names of all open circuit breakers.
func (r *CircuitBreakerRegistry) OpenCircuits() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var open []string
	for name, cb := range r.breakers {
		if cb.State() == CircuitOpen {
			open = append(open, name)
		}
	}
	return open
}

// ResetAll resets all circuit breakers to closed state.
func (r *CircuitBreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}
