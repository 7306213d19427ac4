// Package breaker implements per-connection circuit breakers and the bank
// that owns them. A breaker wraps an outbound dependency: it opens after a
// run of failures, half-opens after a cooldown, and closes again once
// probes succeed. Publishing through an open breaker fails fast without
// touching the transport.
package breaker

import (
	"sync"
	"time"
)

// State is the breaker position.
type State string

// Breaker states.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config holds breaker thresholds. Zero values resolve to defaults.
type Config struct {
	FailureThreshold int           // consecutive failures before opening (default 5)
	SuccessThreshold int           // half-open successes before closing (default 1)
	OpenTimeout      time.Duration // time in open before half-opening (default 30s)
}

func (c Config) withDefaults() Config {
	out := c
	if out.FailureThreshold == 0 {
		out.FailureThreshold = 5
	}
	if out.SuccessThreshold == 0 {
		out.SuccessThreshold = 1
	}
	if out.OpenTimeout == 0 {
		out.OpenTimeout = 30 * time.Second
	}
	return out
}

// StateChange is emitted on every breaker transition.
type StateChange struct {
	Service string
	From    State
	To      State
	At      time.Time
}

// Breaker guards one connection/service. Transitions are linearizable per
// breaker: all mutation happens under its mutex.
type Breaker struct {
	service string
	cfg     Config

	mu         sync.Mutex
	state      State
	failures   int
	successes  int
	lastChange time.Time

	nowFunc  func() time.Time
	onChange func(StateChange)
}

// New creates a closed breaker for the named service.
func New(service string, cfg Config) *Breaker {
	return &Breaker{
		service: service,
		cfg:     cfg.withDefaults(),
		state:   StateClosed,
		nowFunc: time.Now,
	}
}

// Service returns the guarded service name.
func (b *Breaker) Service() string { return b.service }

// State returns the current breaker position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may proceed. An open breaker whose timeout
// has elapsed half-opens and admits one probe call.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	default: // open
		if b.nowFunc().Sub(b.lastChange) >= b.cfg.OpenTimeout {
			b.transition(StateHalfOpen)
			return true
		}
		return false
	}
}

// RecordSuccess feeds a successful call outcome into the state machine.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
		}
	}
}

// Trip forces the breaker open regardless of the failure count, for
// operator-driven or remediation-driven isolation.
func (b *Breaker) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		b.transition(StateOpen)
	}
}

// RecordFailure feeds a failed call outcome into the state machine.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

// transition moves the breaker to a new state, resetting counters.
// Caller must hold b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.failures = 0
	b.successes = 0
	b.lastChange = b.nowFunc()
	if b.onChange != nil {
		b.onChange(StateChange{Service: b.service, From: from, To: to, At: b.lastChange})
	}
}
