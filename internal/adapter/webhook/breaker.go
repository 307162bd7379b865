// Package webhook posts job completion payloads, guarded by a per-process
// circuit breaker keyed by destination host.
package webhook

import (
	"sync"
	"time"

	"github.com/pixtools/pixtools/internal/adapter/observability"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed means deliveries are attempted normally.
	StateClosed State = iota
	// StateOpen means deliveries are short-circuited.
	StateOpen
	// StateHalfOpen permits a single probe delivery.
	StateHalfOpen
)

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

// breaker is the per-host three-state machine. Consistency across worker
// processes is not required; each process decides on local evidence.
type breaker struct {
	host         string
	maxFailures  int
	resetTimeout time.Duration

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
	now      func() time.Time
}

func newBreaker(host string, maxFailures int, resetTimeout time.Duration) *breaker {
	return &breaker{
		host:         host,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        StateClosed,
		now:          time.Now,
	}
}

func (b *breaker) transition(to State) {
	if b.state == to {
		return
	}
	observability.ObserveBreakerTransition(b.host, b.state.String(), to.String())
	b.state = to
}

// Allow reports whether a delivery may proceed. In half-open state only
// the first caller since the transition gets the probe.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		b.transition(StateHalfOpen)
		b.probing = false
	}

	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return false
	}
}

// Record feeds a delivery result back into the state machine. A delivery
// that exhausted its retry budget counts as a single failure.
func (b *breaker) Record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if ok {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.maxFailures {
			b.transition(StateOpen)
			b.openedAt = b.now()
		}
	case StateHalfOpen:
		if ok {
			b.transition(StateClosed)
			b.failures = 0
		} else {
			b.transition(StateOpen)
			b.openedAt = b.now()
		}
		b.probing = false
	}
}

// StateNow returns the current state (test hook).
func (b *breaker) StateNow() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// breakerSet manages one breaker per destination host.
type breakerSet struct {
	mu           sync.Mutex
	breakers     map[string]*breaker
	maxFailures  int
	resetTimeout time.Duration
}

func newBreakerSet(maxFailures int, resetTimeout time.Duration) *breakerSet {
	return &breakerSet{
		breakers:     make(map[string]*breaker),
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
	}
}

func (s *breakerSet) forHost(host string) *breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[host]
	if !ok {
		b = newBreaker(host, s.maxFailures, s.resetTimeout)
		s.breakers[host] = b
	}
	return b
}
