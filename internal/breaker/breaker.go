package breaker

import (
	"log"
	"sync"
	"time"
)

// State is the circuit state for a single key.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// maxCooldown bounds the exponential cool-down growth on repeated failed probes.
const maxCooldown = 10 * time.Minute

// entry tracks circuit state for one key.
type entry struct {
	state       State
	failures    int
	lastFailure time.Time
	openUntil   time.Time
	cooldown    time.Duration
	probing     bool // a half-open probe is in flight
}

// Breaker is a keyed circuit breaker. Keys are opaque; the MCP transport uses
// "server/tool" and the selection pipeline uses a fixed classifier key.
//
// State updates are fast and guarded by a short mutex; no I/O happens under
// the lock.
type Breaker struct {
	mu        sync.Mutex
	entries   map[string]*entry
	threshold int           // consecutive failures before opening
	cooldown  time.Duration // initial open-state duration
	now       func() time.Time
}

// New creates a Breaker opening after threshold consecutive failures for an
// initial cooldown period.
func New(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		entries:   make(map[string]*entry),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a call for key may proceed. While open it returns
// false until the cool-down elapses; then exactly one probe is admitted
// (half-open). Callers must pair every true return with RecordSuccess or
// RecordFailure.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return true
	}
	switch e.state {
	case Closed:
		return true
	case Open:
		if b.now().Before(e.openUntil) {
			return false
		}
		e.state = HalfOpen
		e.probing = true
		log.Printf("[Breaker] %s: half-open, admitting probe", key)
		return true
	case HalfOpen:
		// One probe at a time.
		if e.probing {
			return false
		}
		e.probing = true
		return true
	}
	return true
}

// RecordSuccess closes the circuit for key.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return
	}
	if e.state != Closed {
		log.Printf("[Breaker] %s: closed after successful probe", key)
	}
	delete(b.entries, key)
}

// RecordFailure counts a failure for key, opening the circuit once the
// consecutive-failure threshold is reached. A failed half-open probe reopens
// with an extended cool-down.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		e = &entry{cooldown: b.cooldown}
		b.entries[key] = e
	}
	e.failures++
	e.lastFailure = b.now()

	switch e.state {
	case HalfOpen:
		// Probe failed: reopen with extended cool-down.
		e.cooldown *= 2
		if e.cooldown > maxCooldown {
			e.cooldown = maxCooldown
		}
		e.state = Open
		e.probing = false
		e.openUntil = b.now().Add(e.cooldown)
		log.Printf("[Breaker] %s: probe failed, reopened for %v", key, e.cooldown)
	case Closed:
		if e.failures >= b.threshold {
			e.state = Open
			e.openUntil = b.now().Add(e.cooldown)
			log.Printf("[Breaker] %s: opened after %d consecutive failures", key, e.failures)
		}
	}
}

// StateOf returns the current state and consecutive failure count for key.
func (b *Breaker) StateOf(key string) (State, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return Closed, 0
	}
	if e.state == Open && !b.now().Before(e.openUntil) {
		return HalfOpen, e.failures
	}
	return e.state, e.failures
}

// OpenCount returns the number of currently open circuits (health snapshot).
func (b *Breaker) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, e := range b.entries {
		if e.state == Open && b.now().Before(e.openUntil) {
			n++
		}
	}
	return n
}
