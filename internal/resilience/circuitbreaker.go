// Package resilience provides the circuit breaker that guards model load
// sequences against a persistently failing runtime.
//
// The breaker is a classic three-state machine (closed → open → half-open).
// It opens after a number of consecutive failures observed within a window
// that starts at the first failure of the run, rejects calls for a cool-off
// period, then admits a single probe:
// success closes the breaker, failure re-opens it. All methods are safe for
// concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker
// is open and the cool-off period has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state — all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped. Calls are rejected
	// immediately with [ErrCircuitOpen] until the cool-off elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the cool-off. One call
	// is allowed through; it decides whether the breaker closes or re-opens.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
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

// Config holds tuning knobs for a [CircuitBreaker].
type Config struct {
	// Name is a human-readable label used in log messages.
	Name string

	// FailureThreshold is the number of consecutive failures within
	// FailureWindow before the breaker opens. Default: 5.
	FailureThreshold int

	// FailureWindow bounds how far after the first failure of a run later
	// failures may arrive and still count towards the threshold. A failure
	// arriving after the window has passed discards the whole run and starts
	// a new one. Default: 60s.
	FailureWindow time.Duration

	// CoolOff is how long the breaker stays open before admitting a probe.
	// Default: 60s.
	CoolOff time.Duration
}

// CircuitBreaker implements the three-state circuit breaker pattern with a
// windowed failure count and a single half-open probe.
type CircuitBreaker struct {
	name      string
	threshold int
	window    time.Duration
	coolOff   time.Duration

	mu           sync.Mutex
	state        State
	failures     int
	firstFailure time.Time
	lastFailure  time.Time
	probing      bool
}

// New creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with the defaults above.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 60 * time.Second
	}
	if cfg.CoolOff <= 0 {
		cfg.CoolOff = 60 * time.Second
	}
	return &CircuitBreaker{
		name:      cfg.Name,
		threshold: cfg.FailureThreshold,
		window:    cfg.FailureWindow,
		coolOff:   cfg.CoolOff,
		state:     StateClosed,
	}
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn. In the half-open state exactly one
// probe is admitted; concurrent callers during a probe are rejected.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) < cb.coolOff {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		slog.Info("circuit breaker transitioning to half-open", "name", cb.name)

	case StateHalfOpen:
		if cb.probing {
			// A probe is already in flight.
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}

	inHalfOpen := cb.state == StateHalfOpen
	if inHalfOpen {
		cb.probing = true
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if inHalfOpen {
		cb.probing = false
	}
	if err != nil {
		cb.recordFailure(inHalfOpen)
	} else {
		cb.recordSuccess()
	}
	return err
}

// recordFailure handles failure accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(inHalfOpen bool) {
	now := time.Now()

	if inHalfOpen {
		// The probe failed — straight back to open.
		cb.state = StateOpen
		cb.lastFailure = now
		slog.Warn("circuit breaker re-opened after failed probe", "name", cb.name)
		return
	}

	// Forget failures that fell out of the window.
	if cb.failures == 0 || now.Sub(cb.firstFailure) > cb.window {
		cb.failures = 0
		cb.firstFailure = now
	}
	cb.failures++
	cb.lastFailure = now

	if cb.failures >= cb.threshold {
		cb.state = StateOpen
		slog.Warn("circuit breaker opened",
			"name", cb.name,
			"consecutive_failures", cb.failures,
			"window", cb.window,
		)
	}
}

// recordSuccess handles success accounting. Must be called with cb.mu held.
// Any success — probe or regular — fully closes the breaker.
func (cb *CircuitBreaker) recordSuccess() {
	if cb.state != StateClosed {
		slog.Info("circuit breaker closed", "name", cb.name)
	}
	cb.state = StateClosed
	cb.failures = 0
}

// State returns the current [State] of the breaker. If the breaker is open
// and the cool-off has elapsed, the returned state is [StateHalfOpen] (the
// actual transition happens on the next [Execute] call).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.coolOff {
		return StateHalfOpen
	}
	return cb.state
}

// Reset manually forces the breaker back to [StateClosed], clearing all
// failure counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.probing = false
	slog.Info("circuit breaker manually reset", "name", cb.name)
}
