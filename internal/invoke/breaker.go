package invoke

import (
	"sync"
	"sync/atomic"
	"time"
)

// BreakerState enumerates circuit breaker states for one target.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Breaker tracks per-target circuit state. Failure counts use atomic
// increments because concurrent pipeline runs record outcomes for the same
// target; state transitions take a short lock.
type Breaker struct {
	threshold int64
	recovery  time.Duration
	now       func() time.Time

	mu      sync.Mutex
	targets map[string]*targetBreaker
}

type targetBreaker struct {
	state       BreakerState
	failures    atomic.Int64
	lastFailure time.Time
	probing     bool
}

// NewBreaker constructs a Breaker. After threshold consecutive failures a
// target opens and is excluded until recovery elapses, then a single
// half-open probe decides whether it closes again.
func NewBreaker(threshold int, recovery time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if recovery <= 0 {
		recovery = 30 * time.Second
	}
	return &Breaker{
		threshold: int64(threshold),
		recovery:  recovery,
		now:       time.Now,
		targets:   make(map[string]*targetBreaker),
	}
}

func (b *Breaker) target(name string) *targetBreaker {
	if t, ok := b.targets[name]; ok {
		return t
	}
	t := &targetBreaker{state: BreakerClosed}
	b.targets[name] = t
	return t
}

// Allow reports whether a call to the target may proceed. An open target
// past its recovery timeout transitions to half-open and admits exactly one
// probe; concurrent callers are rejected until the probe resolves.
func (b *Breaker) Allow(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.target(name)
	switch t.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(t.lastFailure) < b.recovery {
			return false
		}
		t.state = BreakerHalfOpen
		t.probing = true
		return true
	case BreakerHalfOpen:
		if t.probing {
			return false
		}
		t.probing = true
		return true
	}
	return true
}

// RecordSuccess closes the circuit and resets the failure count.
func (b *Breaker) RecordSuccess(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.target(name)
	t.failures.Store(0)
	t.state = BreakerClosed
	t.probing = false
}

// RecordFailure increments the consecutive failure count; reaching the
// threshold, or failing the half-open probe, opens the circuit.
func (b *Breaker) RecordFailure(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.target(name)
	failures := t.failures.Add(1)
	t.lastFailure = b.now()
	if t.state == BreakerHalfOpen || failures >= b.threshold {
		t.state = BreakerOpen
		t.probing = false
	}
}

// State returns the target's current circuit state.
func (b *Breaker) State(name string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.target(name)
	if t.state == BreakerOpen && b.now().Sub(t.lastFailure) >= b.recovery {
		return BreakerHalfOpen
	}
	return t.state
}

// Failures returns the consecutive failure count for a target.
func (b *Breaker) Failures(name string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.target(name).failures.Load()
}
