// Package resilience provides fault-tolerance primitives for outbound
// calls: a per-destination circuit breaker with a keyed registry and a
// per-destination rate limiter.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/clinexa/aigateway/pkg/gwerr"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

const (
	// StateClosed allows requests to pass through normally.
	StateClosed CircuitState = iota
	// StateOpen blocks all requests for the cooldown window.
	StateOpen
	// StateHalfOpen allows a single trial request after cooldown.
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Settings contains configuration for a circuit breaker.
type Settings struct {
	// FailureThreshold is the number of consecutive failures before
	// the circuit opens.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open, measured from
	// the last failure, before a trial call is allowed.
	ResetTimeout time.Duration
}

// DefaultSettings returns the breaker settings used for ordinary
// outbound calls.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// LongCallSettings returns the stricter settings used for long-running
// AI and OCR style calls, where each attempt is costly.
func LongCallSettings() Settings {
	return Settings{
		FailureThreshold: 3,
		ResetTimeout:     60 * time.Second,
	}
}

// CircuitBreaker prevents a consistently failing destination from being
// hammered while it recovers. One instance exists per named endpoint;
// state transitions are serialized by an internal mutex.
type CircuitBreaker struct {
	mu              sync.Mutex
	name            string
	state           CircuitState
	failureCount    int
	lastFailureTime time.Time
	trialInFlight   bool
	settings        Settings
	onStateChange   func(name string, from, to CircuitState)

	now func() time.Time // test hook
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(name string, settings Settings) *CircuitBreaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = DefaultSettings().FailureThreshold
	}
	if settings.ResetTimeout <= 0 {
		settings.ResetTimeout = DefaultSettings().ResetTimeout
	}
	return &CircuitBreaker{
		name:     name,
		state:    StateClosed,
		settings: settings,
		now:      time.Now,
	}
}

// OnStateChange sets a callback for state transitions.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Name returns the breaker's endpoint name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current circuit state. An elapsed cooldown is
// reported as half-open even before the next call arrives.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cooldownElapsed() {
		return StateHalfOpen
	}
	return cb.state
}

// CanExecute reports whether a call would currently be admitted,
// without consuming the half-open trial slot. Use Allow (or Execute)
// for the admission itself.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		return cb.cooldownElapsed()
	case StateHalfOpen:
		return !cb.trialInFlight
	default:
		return false
	}
}

// Allow reports whether a call may proceed. While the circuit is open
// within its cooldown window it returns false; the first call after the
// cooldown elapses is admitted as the half-open trial.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if !cb.cooldownElapsed() {
			return false
		}
		cb.transitionTo(StateHalfOpen)
		cb.trialInFlight = true
		return true
	case StateHalfOpen:
		// One trial at a time.
		if cb.trialInFlight {
			return false
		}
		cb.trialInFlight = true
		return true
	default:
		return false
	}
}

// RemainingCooldown returns how long until the breaker will admit a
// trial call. Zero when closed or half-open.
func (cb *CircuitBreaker) RemainingCooldown() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return 0
	}
	remaining := cb.settings.ResetTimeout - cb.now().Sub(cb.lastFailureTime)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordSuccess resets the failure counter; a half-open trial's success
// closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.transitionTo(StateClosed)
		cb.failureCount = 0
		cb.trialInFlight = false
	}
}

// RecordFailure counts a failure toward the threshold; a half-open
// trial's failure reopens the circuit and restarts the cooldown clock.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.settings.FailureThreshold {
			cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		cb.transitionTo(StateOpen)
		cb.trialInFlight = false
	}
	// Failures observed while open (calls admitted before the circuit
	// tripped) do not extend the cooldown: lastFailureTime moves, but
	// attempts rejected by Allow never reach here.
}

// Execute gates op through the breaker. When the circuit is open it
// returns a CircuitOpenError without invoking op; otherwise it runs op
// and records the outcome. Context cancellation is not counted as a
// breaker failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if !cb.Allow() {
		return &gwerr.CircuitOpenError{Name: cb.name, Remaining: cb.RemainingCooldown()}
	}

	err := op(ctx)
	if err == nil {
		cb.RecordSuccess()
		return nil
	}
	if ctx.Err() != nil && gwerr.IsCanceled(err) {
		// Caller abort says nothing about the destination's health.
		cb.clearTrial()
		return err
	}
	cb.RecordFailure()
	return err
}

// Reset returns the breaker to the closed state with a zero counter.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionTo(StateClosed)
	cb.failureCount = 0
	cb.trialInFlight = false
}

func (cb *CircuitBreaker) clearTrial() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trialInFlight = false
}

func (cb *CircuitBreaker) cooldownElapsed() bool {
	return cb.now().Sub(cb.lastFailureTime) >= cb.settings.ResetTimeout
}

func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState

	if cb.onStateChange != nil {
		// Call callback without holding lock.
		go cb.onStateChange(cb.name, oldState, newState)
	}
}
