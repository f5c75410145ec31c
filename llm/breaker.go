package llm

import (
	"sync"
	"time"
)

// Breaker state values.
const (
	breakerClosed   = "closed"
	breakerOpen     = "open"
	breakerHalfOpen = "half-open"
)

// BreakerConfig controls the per-connection circuit breaker.
type BreakerConfig struct {
	Threshold int           // Failures within Window that open the circuit
	Window    time.Duration // Sliding window over which failures count
	Cooldown  time.Duration // Open duration before a half-open probe
}

// DefaultBreakerConfig returns the standard breaker policy:
// 5 failures per 60s open the circuit for 60s, then one probe.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold: 5,
		Window:    60 * time.Second,
		Cooldown:  60 * time.Second,
	}
}

type breakerEntry struct {
	state    string
	failures []time.Time
	openedAt time.Time
	probing  bool
}

// Breaker tracks remote failures per connection id. While a connection's
// circuit is open, leases targeting it pause; after the cooldown a single
// half-open probe is allowed through.
type Breaker struct {
	mu      sync.Mutex
	config  BreakerConfig
	entries map[uint]*breakerEntry
	now     func() time.Time
}

// NewBreaker creates a breaker with the given policy.
func NewBreaker(config BreakerConfig) *Breaker {
	if config.Threshold <= 0 {
		config = DefaultBreakerConfig()
	}
	return &Breaker{
		config:  config,
		entries: make(map[uint]*breakerEntry),
		now:     time.Now,
	}
}

// Allow reports whether a dispatch to the connection may proceed. In the
// half-open state exactly one caller gets true until the probe resolves.
func (b *Breaker) Allow(connectionID uint) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entries[connectionID]
	if e == nil || e.state == breakerClosed {
		return true
	}

	now := b.now()
	if e.state == breakerOpen {
		if now.Sub(e.openedAt) < b.config.Cooldown {
			return false
		}
		e.state = breakerHalfOpen
		e.probing = false
	}

	// Half-open: admit a single probe.
	if e.probing {
		return false
	}
	e.probing = true
	return true
}

// RecordSuccess closes the circuit for the connection.
func (b *Breaker) RecordSuccess(connectionID uint) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.entries, connectionID)
}

// RecordFailure counts a remote failure and opens the circuit when the
// threshold is crossed within the window. A failed half-open probe reopens
// immediately.
func (b *Breaker) RecordFailure(connectionID uint) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	e := b.entries[connectionID]
	if e == nil {
		e = &breakerEntry{state: breakerClosed}
		b.entries[connectionID] = e
	}

	if e.state == breakerHalfOpen {
		e.state = breakerOpen
		e.openedAt = now
		e.probing = false
		e.failures = nil
		return
	}

	// Drop failures outside the sliding window.
	kept := e.failures[:0]
	for _, t := range e.failures {
		if now.Sub(t) <= b.config.Window {
			kept = append(kept, t)
		}
	}
	e.failures = append(kept, now)

	if len(e.failures) >= b.config.Threshold {
		e.state = breakerOpen
		e.openedAt = now
		e.failures = nil
	}
}

// State returns the current state for a connection, for monitoring.
func (b *Breaker) State(connectionID uint) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entries[connectionID]
	if e == nil {
		return breakerClosed
	}
	return e.state
}

// Blocked returns the connection ids a dispatch would currently be refused
// for: open circuits still inside their cooldown and half-open circuits
// whose probe is in flight. The scheduler excludes them from the lease
// query so their rows wait as QUEUED instead of churning through requeues.
func (b *Breaker) Blocked() []uint {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var ids []uint
	for id, e := range b.entries {
		switch e.state {
		case breakerOpen:
			if now.Sub(e.openedAt) < b.config.Cooldown {
				ids = append(ids, id)
			}
		case breakerHalfOpen:
			if e.probing {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// OpenCircuits returns the ids of connections with a non-closed circuit.
func (b *Breaker) OpenCircuits() []uint {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ids []uint
	for id, e := range b.entries {
		if e.state != breakerClosed {
			ids = append(ids, id)
		}
	}
	return ids
}
