// Package resilience keeps calls alive when speech and language backends
// misbehave.
//
// [CircuitBreaker] stops sending requests to a backend that keeps failing.
// [FallbackGroup] puts a breaker in front of each configured backend of one
// kind and moves on to the next backend while the preferred one is broken.
// [Retry] repeats one request while the backend reports a transient failure.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/switchboard/pkg/provider"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// refuses requests.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every request.
	StateClosed State = iota

	// StateOpen refuses requests with [ErrCircuitOpen] until the reset
	// timeout has passed since the last failure.
	StateOpen

	// StateHalfOpen lets a few probe requests through. Enough successes
	// close the breaker; one failure opens it again.
	StateHalfOpen
)

// String returns the name used in logs and metric attributes.
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

// CircuitBreakerConfig tunes a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels logs and state changes, usually the provider name.
	Name string

	// MaxFailures is how many backend faults in a row open the breaker.
	// Default: 5.
	MaxFailures int

	// ResetTimeout is how long an open breaker waits before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is how many probes must succeed to close the breaker.
	// Default: 3.
	HalfOpenMax int

	// IsFailure decides whether an error counts against the backend.
	// Default: [BackendFault].
	IsFailure func(error) bool

	// OnStateChange, if set, is called after every transition. It runs
	// without the breaker's lock held.
	OnStateChange func(name string, from, to State)
}

// BackendFault reports whether err means the backend itself is unhealthy.
// Cancelled requests (the caller hung up or talked over the assistant) and
// rejected requests say nothing about the backend's health.
func BackendFault(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return provider.Classify(err) != provider.KindRejected
}

// CircuitBreaker is a three-state breaker for one backend.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	probes      int
	probeWins   int
	transitions []transition
}

type transition struct{ from, to State }

// NewCircuitBreaker returns a closed breaker. Zero config fields take their
// defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = BackendFault
	}
	return &CircuitBreaker{cfg: cfg}
}

// Execute runs fn unless the breaker refuses it, in which case it returns
// [ErrCircuitOpen] without calling fn. The error of fn is returned as is.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	probe, ok := cb.admitLocked()
	cb.mu.Unlock()
	if !ok {
		cb.notify()
		return ErrCircuitOpen
	}

	err := fn()

	cb.mu.Lock()
	switch {
	case err == nil:
		cb.successLocked(probe)
	case cb.cfg.IsFailure(err):
		cb.failureLocked(probe)
	case probe:
		// Neutral outcome; the probe slot is free again.
		cb.probes--
	}
	cb.mu.Unlock()
	cb.notify()
	return err
}

// admitLocked decides whether a request may pass and whether it is a probe.
func (cb *CircuitBreaker) admitLocked() (probe, ok bool) {
	if cb.state == StateOpen {
		if time.Since(cb.openedAt) < cb.cfg.ResetTimeout {
			return false, false
		}
		cb.setLocked(StateHalfOpen)
		cb.probes, cb.probeWins = 0, 0
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.cfg.HalfOpenMax {
			return false, false
		}
		cb.probes++
		return true, true
	}
	return false, true
}

func (cb *CircuitBreaker) failureLocked(probe bool) {
	cb.openedAt = time.Now()
	if probe {
		cb.failures = cb.cfg.MaxFailures
		cb.setLocked(StateOpen)
		return
	}
	cb.failures++
	if cb.failures >= cb.cfg.MaxFailures && cb.state == StateClosed {
		cb.setLocked(StateOpen)
	}
}

func (cb *CircuitBreaker) successLocked(probe bool) {
	if !probe {
		cb.failures = 0
		return
	}
	cb.probeWins++
	if cb.probeWins >= cb.cfg.HalfOpenMax && cb.state == StateHalfOpen {
		cb.failures = 0
		cb.setLocked(StateClosed)
	}
}

func (cb *CircuitBreaker) setLocked(to State) {
	if cb.state == to {
		return
	}
	cb.transitions = append(cb.transitions, transition{from: cb.state, to: to})
	cb.state = to
}

// notify logs and reports the transitions recorded since the last call.
func (cb *CircuitBreaker) notify() {
	cb.mu.Lock()
	pending := cb.transitions
	cb.transitions = nil
	cb.mu.Unlock()

	for _, t := range pending {
		level := slog.LevelInfo
		if t.to == StateOpen {
			level = slog.LevelWarn
		}
		slog.Log(context.Background(), level, "circuit breaker state changed",
			"provider", cb.cfg.Name, "from", t.from.String(), "to", t.to.String())
		if cb.cfg.OnStateChange != nil {
			cb.cfg.OnStateChange(cb.cfg.Name, t.from, t.to)
		}
	}
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; it switches on the next request.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the breaker and forgets all failures.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failures, cb.probes, cb.probeWins = 0, 0, 0
	cb.setLocked(StateClosed)
	cb.mu.Unlock()
	cb.notify()
}
