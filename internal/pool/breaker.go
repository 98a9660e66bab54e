package pool

import (
	"sync"
	"time"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// circuitBreaker isolates a failing broker endpoint per pooling key. Closed
// counts failures; open fails fast for the cooldown; half-open admits exactly
// one probe, whose outcome decides the next state.
type circuitBreaker struct {
	mu        sync.Mutex
	state     breakerState
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	probing   bool
}

func newCircuitBreaker(threshold int, cooldown time.Duration) *circuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &circuitBreaker{threshold: threshold, cooldown: cooldown}
}

// canExecute reports whether a connection attempt may proceed. In the open
// state it flips to half-open once the cooldown elapses and admits a single
// probe; concurrent callers during the probe are rejected.
func (cb *circuitBreaker) canExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(cb.openedAt) >= cb.cooldown {
			cb.state = breakerHalfOpen
			cb.probing = true
			return true
		}
		return false
	default: // half-open
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	}
}

func (cb *circuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = breakerClosed
	cb.failures = 0
	cb.probing = false
}

func (cb *circuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
	if cb.state == breakerHalfOpen {
		cb.trip()
		return
	}
	cb.failures++
	if cb.failures >= cb.threshold {
		cb.trip()
	}
}

// forceOpen trips the breaker regardless of the failure count; used when a
// consumer exhausts its reconnect budget.
func (cb *circuitBreaker) forceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trip()
}

// trip must be called with cb.mu held.
func (cb *circuitBreaker) trip() {
	cb.state = breakerOpen
	cb.openedAt = time.Now()
	cb.failures = 0
}

func (cb *circuitBreaker) currentState() breakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
