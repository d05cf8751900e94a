// Package circuitbreaker stops calls to a failing dependency for a cooldown
// period so callers fail fast instead of queueing behind it.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mbd888/txguard/internal/metrics"
)

// ErrOpen is returned by Do while the breaker rejects calls.
var ErrOpen = errors.New("circuitbreaker: open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are rejected
	StateHalfOpen              // one trial call is in flight
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

// Settings configures a Breaker.
type Settings struct {
	// Name labels metrics and callbacks.
	Name string
	// Threshold is the number of consecutive failures that opens the
	// breaker. Defaults to 5.
	Threshold int
	// Cooldown is how long the breaker stays open before letting a trial call
	// through. Defaults to 30s.
	Cooldown time.Duration
	// OnStateChange is called asynchronously after every transition.
	OnStateChange func(name string, from, to State)
}

// Breaker guards a single dependency.
type Breaker struct {
	mu       sync.Mutex
	settings Settings
	state    State
	failures int
	openedAt time.Time
	now      func() time.Time
}

// New creates a closed breaker.
func New(s Settings) *Breaker {
	if s.Threshold <= 0 {
		s.Threshold = 5
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 30 * time.Second
	}
	b := &Breaker{settings: s, now: time.Now}
	metrics.BreakerState.WithLabelValues(s.Name).Set(float64(StateClosed))
	return b
}

// Name returns the breaker's name.
func (b *Breaker) Name() string {
	return b.settings.Name
}

// State returns the current state. An open breaker whose cooldown has passed
// reports half-open: the next call is a trial.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.cooledDown() {
		return StateHalfOpen
	}
	return b.state
}

// Do runs fn unless the breaker is open, and records its outcome. A
// context.Canceled error says nothing about the dependency: it is neither a
// success nor a failure, and a trial call that ends that way is handed back.
func (b *Breaker) Do(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if !b.cooledDown() {
			return ErrOpen
		}
		b.setState(StateHalfOpen)
		return nil
	case StateHalfOpen:
		return ErrOpen
	default:
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case err == nil:
		b.failures = 0
		b.setState(StateClosed)

	case errors.Is(err, context.Canceled):
		if b.state == StateHalfOpen {
			// openedAt is unchanged, so the next call is a trial at once.
			b.setState(StateOpen)
		}

	default:
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.settings.Threshold {
			b.openedAt = b.now()
			b.setState(StateOpen)
		}
	}
}

// cooledDown reports whether an open breaker may let a trial call through. Caller holds b.mu.
func (b *Breaker) cooledDown() bool {
	return b.now().Sub(b.openedAt) >= b.settings.Cooldown
}

// setState records a transition. Caller holds b.mu.
func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	name := b.settings.Name
	metrics.BreakerTransitionsTotal.WithLabelValues(name, from.String(), to.String()).Inc()
	metrics.BreakerState.WithLabelValues(name).Set(float64(to))
	if fn := b.settings.OnStateChange; fn != nil {
		go fn(name, from, to)
	}
}
