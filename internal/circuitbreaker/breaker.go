// Package circuitbreaker stops webhook sends to targets that keep
// failing. Each target URL gets its own breaker so one dead endpoint
// cannot slow down deliveries to the others.
package circuitbreaker

import (
	"sync"
	"time"
)

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

type targetState struct {
	state               state
	consecutiveFailures int
	openedAt            time.Time
}

type CircuitBreaker struct {
	mu        sync.Mutex
	states    map[string]*targetState
	threshold int
	cooldown  time.Duration
	clock     func() time.Time
}

func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		states:    make(map[string]*targetState),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
	}
}

// Allow reports whether a send to the target may proceed. After the
// cooldown an open breaker admits a single probe; further sends stay
// blocked until the probe's outcome is recorded.
func (cb *CircuitBreaker) Allow(target string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[target]
	if !ok {
		return true
	}

	switch s.state {
	case stateClosed:
		return true
	case stateOpen:
		if cb.clock().Sub(s.openedAt) >= cb.cooldown {
			s.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		return false
	default:
		return true
	}
}

// Record feeds a send outcome back into the breaker.
func (cb *CircuitBreaker) Record(target string, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[target]
	if success {
		if !ok {
			return
		}
		s.state = stateClosed
		s.consecutiveFailures = 0
		return
	}

	if !ok {
		s = &targetState{}
		cb.states[target] = s
	}
	s.consecutiveFailures++
	if s.consecutiveFailures >= cb.threshold {
		s.state = stateOpen
		s.openedAt = cb.clock()
	}
}
