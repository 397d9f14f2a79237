package retryx

import (
	"sync"
	"time"
)

// Breaker is a consecutive-failure circuit breaker. Closed: calls pass.
// Open: calls are rejected until the cool-down elapses, then exactly one
// probe is let through; its outcome closes or re-opens the circuit.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	failures int
	openedAt time.Time
	probing  bool
}

func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures < b.threshold {
		return true
	}
	if b.now().Sub(b.openedAt) < b.cooldown {
		return false
	}
	if b.probing {
		return false
	}
	b.probing = true
	return true
}

// Success records a successful call and closes the circuit.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
}

// Failure records a failed call; crossing the threshold opens the circuit,
// and a failed probe re-opens it for another cool-down.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.probing = false
	if b.failures >= b.threshold {
		b.openedAt = b.now()
	}
}

// Open reports whether the circuit is currently rejecting calls.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures >= b.threshold && b.now().Sub(b.openedAt) < b.cooldown
}

// breakerSet lazily builds one Breaker per endpoint.
type breakerSet struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	byName    map[Endpoint]*Breaker
}

func (s *breakerSet) init(threshold int, cooldown time.Duration) {
	s.threshold = threshold
	s.cooldown = cooldown
	s.byName = make(map[Endpoint]*Breaker)
}

func (s *breakerSet) get(e Endpoint) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	br, ok := s.byName[e]
	if !ok {
		br = NewBreaker(s.threshold, s.cooldown)
		s.byName[e] = br
	}
	return br
}
