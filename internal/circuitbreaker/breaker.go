// Package circuitbreaker stops dispatching to a destination whose publishes
// keep failing, and lets a single probe through after a cooldown.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/djlord-it/pacer/internal/clock"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

type destinationState struct {
	state               State
	consecutiveFailures int
	openedAt            time.Time
}

type CircuitBreaker struct {
	mu        sync.Mutex
	states    map[string]*destinationState
	threshold int
	cooldown  time.Duration
	now       clock.Func
}

// New returns a breaker that opens after threshold consecutive failures.
// A threshold below 1 disables it.
func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		states:    make(map[string]*destinationState),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

func (cb *CircuitBreaker) WithClock(now clock.Func) *CircuitBreaker {
	cb.now = now
	return cb
}

// Allow reports whether a publish to destination may proceed. After the
// cooldown exactly one caller is let through as a probe.
func (cb *CircuitBreaker) Allow(destination string) error {
	if cb.threshold < 1 {
		return nil
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[destination]
	if !ok {
		return nil
	}

	switch s.state {
	case StateOpen:
		if cb.now().Sub(s.openedAt) >= cb.cooldown {
			s.state = StateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

// Cancel returns a probe that was allowed but never attempted, so the next
// Allow can probe again.
func (cb *CircuitBreaker) Cancel(destination string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if s, ok := cb.states[destination]; ok && s.state == StateHalfOpen {
		s.state = StateOpen
	}
}

func (cb *CircuitBreaker) RecordSuccess(destination string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	delete(cb.states, destination)
}

func (cb *CircuitBreaker) RecordFailure(destination string) {
	if cb.threshold < 1 {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[destination]
	if !ok {
		s = &destinationState{state: StateClosed}
		cb.states[destination] = s
	}

	s.consecutiveFailures++
	if s.state == StateHalfOpen || s.consecutiveFailures >= cb.threshold {
		s.state = StateOpen
		s.openedAt = cb.now()
	}
}

// State returns the destination's breaker state without consuming a probe.
func (cb *CircuitBreaker) State(destination string) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[destination]
	if !ok {
		return StateClosed
	}
	return s.state
}
