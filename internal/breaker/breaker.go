// Package breaker implements the process-wide circuit breaker that guards
// outbound calls to the eBay APIs.
package breaker

import (
	"fmt"
	"sync"
	"time"
)

// State represents the current state of the circuit breaker.
type State int

const (
	// StateClosed lets every request through.
	StateClosed State = iota
	// StateOpen rejects requests until OpenUntil.
	StateOpen
	// StateHalfOpen lets a single probe request through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// halfOpenRetryAfter is the hint given to callers rejected while a probe is in flight.
const halfOpenRetryAfter = time.Second

// Snapshot is a consistent copy of the breaker state.
type Snapshot struct {
	State        State     `json:"-"`
	StateName    string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	OpenUntil    time.Time `json:"open_until,omitempty"`
	ProbeActive  bool      `json:"probe_active"`
}

// Transition describes a single state change.
type Transition struct {
	From         State
	To           State
	FailureCount int
	OpenUntil    time.Time
	At           time.Time
}

// Ticket is handed out by Allow and must be returned through exactly one of
// OnSuccess, OnFailure or OnNeutral.
type Ticket struct {
	probe bool
}

// IsProbe reports whether the ticket belongs to the HALF_OPEN trial request.
func (t Ticket) IsProbe() bool { return t.probe }

// OpenError is returned by Allow while the breaker rejects requests.
type OpenError struct {
	State      State
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker is %s, retry after %s", e.State, e.RetryAfter)
}

// Breaker is a mutex-guarded CLOSED/OPEN/HALF_OPEN state machine.
type Breaker struct {
	mu sync.Mutex

	state         State
	failures      int
	openUntil     time.Time
	probeInFlight bool

	threshold    int
	openDuration time.Duration

	now      func() time.Time
	onChange func(Transition)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides time.Now, used by tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateChangeHook registers a callback invoked after every transition.
// The callback runs outside the breaker lock.
func WithStateChangeHook(hook func(Transition)) Option {
	return func(b *Breaker) { b.onChange = hook }
}

// New creates a closed breaker that opens after threshold counted failures
// and stays open for openDuration. A threshold <= 0 disables tripping.
func New(threshold int, openDuration time.Duration, opts ...Option) *Breaker {
	b := &Breaker{
		state:        StateClosed,
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow gates a new request. In OPEN state it fails fast with *OpenError;
// once OpenUntil has passed the breaker moves to HALF_OPEN and the caller
// becomes the single probe.
func (b *Breaker) Allow() (Ticket, error) {
	b.mu.Lock()
	now := b.now()
	changes := b.advance(now)

	var (
		ticket Ticket
		err    error
	)
	switch b.state {
	case StateOpen:
		err = &OpenError{State: StateOpen, RetryAfter: b.openUntil.Sub(now)}
	case StateHalfOpen:
		if b.probeInFlight {
			err = &OpenError{State: StateHalfOpen, RetryAfter: halfOpenRetryAfter}
		} else {
			b.probeInFlight = true
			ticket = Ticket{probe: true}
		}
	}
	b.mu.Unlock()

	b.notify(changes)
	return ticket, err
}

// OnSuccess records a successful request.
func (b *Breaker) OnSuccess(t Ticket) {
	b.mu.Lock()
	var changes []Transition
	switch {
	case t.probe:
		b.probeInFlight = false
		b.failures = 0
		if b.state == StateHalfOpen {
			changes = append(changes, b.setState(StateClosed, b.now()))
		}
	case b.state == StateClosed:
		b.failures = 0
	}
	b.mu.Unlock()

	b.notify(changes)
}

// OnFailure records a failure that counts toward tripping the breaker.
func (b *Breaker) OnFailure(t Ticket) {
	b.mu.Lock()
	now := b.now()
	var changes []Transition
	switch {
	case t.probe:
		b.probeInFlight = false
		b.failures++
		if b.state == StateHalfOpen {
			b.openUntil = now.Add(b.openDuration)
			changes = append(changes, b.setState(StateOpen, now))
		}
	case b.state == StateClosed:
		b.failures++
		if b.threshold > 0 && b.failures >= b.threshold {
			b.openUntil = now.Add(b.openDuration)
			changes = append(changes, b.setState(StateOpen, now))
		}
	}
	b.mu.Unlock()

	b.notify(changes)
}

// OnNeutral returns a ticket without affecting the failure count. A neutral
// probe frees the HALF_OPEN slot so the next request can probe again.
func (b *Breaker) OnNeutral(t Ticket) {
	if !t.probe {
		return
	}
	b.mu.Lock()
	b.probeInFlight = false
	b.mu.Unlock()
}

// Snapshot returns the current state, applying the OPEN -> HALF_OPEN
// transition if the open window has elapsed.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	changes := b.advance(b.now())
	snap := Snapshot{
		State:        b.state,
		StateName:    b.state.String(),
		FailureCount: b.failures,
		ProbeActive:  b.probeInFlight,
	}
	if b.state == StateOpen {
		snap.OpenUntil = b.openUntil
	}
	b.mu.Unlock()

	b.notify(changes)
	return snap
}

// Reset forces the breaker back to CLOSED with a zero failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var changes []Transition
	b.failures = 0
	b.probeInFlight = false
	b.openUntil = time.Time{}
	if b.state != StateClosed {
		changes = append(changes, b.setState(StateClosed, b.now()))
	}
	b.mu.Unlock()

	b.notify(changes)
}

// UpdateSettings applies new threshold/open duration values. The current
// state is kept; a running open window is not shortened.
func (b *Breaker) UpdateSettings(threshold int, openDuration time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.threshold = threshold
	b.openDuration = openDuration
}

// advance must be called with b.mu held.
func (b *Breaker) advance(now time.Time) []Transition {
	if b.state == StateOpen && !now.Before(b.openUntil) {
		b.probeInFlight = false
		return []Transition{b.setState(StateHalfOpen, now)}
	}
	return nil
}

// setState must be called with b.mu held.
func (b *Breaker) setState(to State, now time.Time) Transition {
	tr := Transition{
		From:         b.state,
		To:           to,
		FailureCount: b.failures,
		OpenUntil:    b.openUntil,
		At:           now,
	}
	b.state = to
	return tr
}

func (b *Breaker) notify(changes []Transition) {
	if b.onChange == nil {
		return
	}
	for _, tr := range changes {
		b.onChange(tr)
	}
}
