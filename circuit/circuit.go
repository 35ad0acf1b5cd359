// Package circuit implements the per-candidate failure accounting shared by
// the observability aggregator and the model router: a rolling failure
// window that opens a circuit after a threshold of failures and half-opens
// it after a cooldown.
package circuit

import (
	"sync"
	"time"
)

// State is the closed set of circuit lifecycle states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

const (
	// DefaultThreshold is the number of failures within Window that opens a circuit.
	DefaultThreshold = 3
	// DefaultWindow is the rolling window over which failures are counted.
	DefaultWindow = 60 * time.Second
	// DefaultOpenDuration is how long an open circuit blocks attempts before half-opening.
	DefaultOpenDuration = 60 * time.Second
)

// entry tracks one candidate's failure history and open/half-open state.
type entry struct {
	mu         sync.Mutex
	failures   []time.Time
	openUntil  time.Time
	state      State
}

// Breaker tracks circuit state for an arbitrary set of string-keyed
// candidates (model router uses "provider/model"; the aggregator reuses the
// same key space so the two components share one Breaker instance).
type Breaker struct {
	threshold    int
	window       time.Duration
	openDuration time.Duration

	mu      sync.Mutex
	entries map[string]*entry

	// OnTransition is invoked whenever a candidate's state changes, so
	// callers can emit health.circuit.state_change audit events. It runs
	// while that candidate's entry lock is held and must not re-enter the
	// Breaker.
	OnTransition func(key string, from, to State)
}

// New constructs a Breaker using documented defaults (threshold 3, window
// 60s, open duration 60s) unless overridden.
func New(threshold int, window, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if openDuration <= 0 {
		openDuration = DefaultOpenDuration
	}
	return &Breaker{threshold: threshold, window: window, openDuration: openDuration, entries: map[string]*entry{}}
}

func (b *Breaker) entryFor(key string) *entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: Closed}
		b.entries[key] = e
	}
	return e
}

// CanAttempt reports whether key's circuit currently permits an attempt,
// transitioning open→half_open when openUntil has elapsed.
func (b *Breaker) CanAttempt(key string) bool {
	e := b.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	switch e.state {
	case Closed:
		return true
	case Open:
		if now.Before(e.openUntil) {
			return false
		}
		b.transition(key, e, HalfOpen)
		return true
	case HalfOpen:
		return true
	default:
		return true
	}
}

// State reports key's current state without mutating it (other than
// performing the same open→half_open check as CanAttempt).
func (b *Breaker) State(key string) State {
	e := b.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Open && !time.Now().Before(e.openUntil) {
		b.transition(key, e, HalfOpen)
	}
	return e.state
}

// Snapshot returns every tracked key's current state, applying the same
// open→half_open lazy transition State does. Used to populate health rollups
// without callers needing to know the key space in advance.
func (b *Breaker) Snapshot() map[string]State {
	b.mu.Lock()
	keys := make([]string, 0, len(b.entries))
	for k := range b.entries {
		keys = append(keys, k)
	}
	b.mu.Unlock()

	out := make(map[string]State, len(keys))
	for _, k := range keys {
		out[k] = b.State(k)
	}
	return out
}

// OpenUntil returns the timestamp at which key's open circuit is next
// eligible to half-open, and whether the circuit is currently open.
func (b *Breaker) OpenUntil(key string) (time.Time, bool) {
	e := b.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openUntil, e.state == Open
}

// NoteFailure records a failure for key. The threshold-th failure within
// the rolling window opens the circuit.
func (b *Breaker) NoteFailure(key string) {
	e := b.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	e.failures = pruneOlderThan(e.failures, now.Add(-b.window))
	e.failures = append(e.failures, now)

	if len(e.failures) >= b.threshold && e.state != Open {
		e.openUntil = now.Add(b.openDuration)
		b.transition(key, e, Open)
	}
}

// NoteSuccess records a success for key. The first success while half-open
// closes the circuit and clears failure history; a success while closed
// simply prunes stale failure history.
func (b *Breaker) NoteSuccess(key string) {
	e := b.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == HalfOpen || e.state == Open {
		e.failures = nil
		b.transition(key, e, Closed)
		return
	}
	e.failures = pruneOlderThan(e.failures, time.Now().Add(-b.window))
}

// transition must be called with e.mu held; it updates state and fires
// OnTransition after releasing no locks (callback runs under e.mu, kept
// intentionally cheap — callers should not re-enter the Breaker from it).
func (b *Breaker) transition(key string, e *entry, to State) {
	from := e.state
	e.state = to
	if from != to && b.OnTransition != nil {
		b.OnTransition(key, from, to)
	}
}

func pruneOlderThan(ts []time.Time, cutoff time.Time) []time.Time {
	out := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}
