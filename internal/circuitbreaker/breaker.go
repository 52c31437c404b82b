// Package circuitbreaker provides a per-key circuit breaker with
// closed → open → half-open state transitions.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/paysentry/internal/syncutil"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: requests flow through
	StateOpen                  // Tripped: requests are rejected
	StateHalfOpen              // Probing: one request allowed to test recovery
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var cbStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "paysentry",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(cbStateTransitions)
}

// entry tracks per-key circuit state.
type entry struct {
	state            State
	failures         int
	lastFailure      time.Time
	halfOpenInFlight int
}

// Breaker is a per-key circuit breaker. It tracks failure counts per key
// and trips open when failures reach the threshold. After openDuration,
// the circuit moves to half-open and allows probe requests up to
// halfOpenMax concurrently.
//
// mapMu guards the entries map itself (insertion of new keys); keyLk
// stripes locking of an individual entry's fields so that unrelated keys
// don't serialize on each other's state transitions. confMu guards the
// rarely-changed breaker-wide settings.
type Breaker struct {
	mapMu   sync.RWMutex
	entries map[string]*entry
	keyLk   syncutil.ShardedMutex

	confMu       sync.Mutex
	threshold    int
	openDuration time.Duration
	halfOpenMax  int
	onTransition func(key string, from, to State) // optional callback for metrics
}

// New creates a circuit breaker that opens after threshold consecutive
// failures and stays open for openDuration before probing.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		entries:      make(map[string]*entry),
		threshold:    threshold,
		openDuration: openDuration,
		halfOpenMax:  1,
	}
}

// OnTransition sets a callback invoked on state changes (for metrics).
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.confMu.Lock()
	b.onTransition = fn
	b.confMu.Unlock()
}

// SetHalfOpenMaxRequests sets how many concurrent probes a half-open
// circuit admits. Must be called before the circuit first trips; it has
// no effect on in-flight probes.
func (b *Breaker) SetHalfOpenMaxRequests(n int) {
	if n <= 0 {
		n = 1
	}
	b.confMu.Lock()
	b.halfOpenMax = n
	b.confMu.Unlock()
}

func (b *Breaker) getHalfOpenMax() int {
	b.confMu.Lock()
	defer b.confMu.Unlock()
	return b.halfOpenMax
}

// lookup returns the entry for key without creating one.
func (b *Breaker) lookup(key string) (*entry, bool) {
	b.mapMu.RLock()
	defer b.mapMu.RUnlock()
	e, ok := b.entries[key]
	return e, ok
}

// getOrCreate returns the entry for key, creating a closed one if absent.
func (b *Breaker) getOrCreate(key string) *entry {
	if e, ok := b.lookup(key); ok {
		return e
	}
	b.mapMu.Lock()
	defer b.mapMu.Unlock()
	if e, ok := b.entries[key]; ok {
		return e
	}
	e := &entry{state: StateClosed}
	b.entries[key] = e
	return e
}

// Allow returns true if a request to key should be allowed.
// If the circuit is open and openDuration has elapsed, it transitions to half-open.
func (b *Breaker) Allow(key string) bool {
	e, ok := b.lookup(key)
	if !ok {
		return true // No entry = closed
	}
	unlock := b.keyLk.Lock(key)
	defer unlock()

	switch e.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(e.lastFailure) >= b.openDuration {
			b.transition(e, key, StateHalfOpen)
			e.halfOpenInFlight = 1
			return true // Allow a probe
		}
		return false
	case StateHalfOpen:
		if e.halfOpenInFlight < b.getHalfOpenMax() {
			e.halfOpenInFlight++
			return true
		}
		return false // At the probe cap — reject until a probe completes
	default:
		return true
	}
}

// RecordSuccess records a successful request. Resets failure count and
// closes the circuit if it was half-open.
func (b *Breaker) RecordSuccess(key string) {
	e, ok := b.lookup(key)
	if !ok {
		return
	}
	unlock := b.keyLk.Lock(key)
	defer unlock()

	if e.state == StateHalfOpen {
		if e.halfOpenInFlight > 0 {
			e.halfOpenInFlight--
		}
		b.transition(e, key, StateClosed)
		e.halfOpenInFlight = 0
	}
	e.failures = 0
}

// RecordFailure records a failed request. If consecutive failures reach
// the threshold, trips the circuit open.
func (b *Breaker) RecordFailure(key string) {
	e := b.getOrCreate(key)
	unlock := b.keyLk.Lock(key)
	defer unlock()

	e.failures++
	e.lastFailure = time.Now()

	if e.state == StateHalfOpen {
		if e.halfOpenInFlight > 0 {
			e.halfOpenInFlight--
		}
		// Probe failed — back to open.
		b.transition(e, key, StateOpen)
		e.halfOpenInFlight = 0
		return
	}

	if e.state == StateClosed && e.failures >= b.threshold {
		b.transition(e, key, StateOpen)
	}
}

// State returns the current state for a key. Returns StateClosed for unknown keys.
func (b *Breaker) State(key string) State {
	e, ok := b.lookup(key)
	if !ok {
		return StateClosed
	}
	unlock := b.keyLk.Lock(key)
	defer unlock()
	return e.state
}

// Snapshot is a point-in-time view of one key's breaker state.
type Snapshot struct {
	Key         string
	State       State
	Failures    int
	RemainingMs int64
}

// GetSnapshot returns a Snapshot for key, or the zero-value closed snapshot
// for a key with no recorded activity.
func (b *Breaker) GetSnapshot(key string) Snapshot {
	e, ok := b.lookup(key)
	if !ok {
		return Snapshot{Key: key, State: StateClosed}
	}
	unlock := b.keyLk.Lock(key)
	defer unlock()

	remaining := b.openDuration - time.Since(e.lastFailure)
	if e.state != StateOpen || remaining <= 0 {
		remaining = 0
	}
	return Snapshot{
		Key:         key,
		State:       e.state,
		Failures:    e.failures,
		RemainingMs: remaining.Milliseconds(),
	}
}

// GetAllSnapshots returns a Snapshot for every key with recorded activity.
func (b *Breaker) GetAllSnapshots() []Snapshot {
	b.mapMu.RLock()
	keys := make([]string, 0, len(b.entries))
	for k := range b.entries {
		keys = append(keys, k)
	}
	b.mapMu.RUnlock()

	out := make([]Snapshot, 0, len(keys))
	for _, k := range keys {
		out = append(out, b.GetSnapshot(k))
	}
	return out
}

// Reset unconditionally returns key to closed with zero counts. A no-op
// for an unknown key.
func (b *Breaker) Reset(key string) {
	e, ok := b.lookup(key)
	if !ok {
		return
	}
	unlock := b.keyLk.Lock(key)
	defer unlock()

	b.transition(e, key, StateClosed)
	e.failures = 0
	e.halfOpenInFlight = 0
}

// ResetAll returns every key to closed with zero counts.
func (b *Breaker) ResetAll() {
	b.mapMu.RLock()
	keys := make([]string, 0, len(b.entries))
	for k := range b.entries {
		keys = append(keys, k)
	}
	b.mapMu.RUnlock()

	for _, k := range keys {
		b.Reset(k)
	}
}

// transition changes state and fires the callback if set.
// Caller must hold the key's shard lock.
func (b *Breaker) transition(e *entry, key string, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	cbStateTransitions.WithLabelValues(key, from.String(), to.String()).Inc()

	b.confMu.Lock()
	fn := b.onTransition
	b.confMu.Unlock()
	if fn != nil {
		go fn(key, from, to)
	}
}
