// Package breaker implements per-provider circuit breaking for LLM calls.
//
// A circuit opens after Threshold consecutive failures, rejects calls until
// the cooldown expires, then admits exactly one trial call (half-open). The
// trial's outcome closes or re-opens the circuit.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"goa.design/conductor/runtime/clock"
)

type (
	// State is the state of one provider circuit.
	State string

	// Config configures a Breaker.
	Config struct {
		// Threshold is the number of consecutive failures that opens a circuit.
		Threshold int `yaml:"threshold" validate:"gt=0"`
		// Cooldown is how long an open circuit rejects calls.
		Cooldown time.Duration `yaml:"cooldown" validate:"gt=0"`
	}

	// Snapshot is a point-in-time view of a provider circuit.
	Snapshot struct {
		Provider            string
		State               State
		ConsecutiveFailures int
		LastFailure         time.Time
		OpenUntil           time.Time
	}

	// OpenError is returned when a call is rejected by an open circuit.
	OpenError struct {
		Provider string
		// RetryAfter is the remaining cooldown. Zero when the circuit is
		// half-open with a trial in flight.
		RetryAfter time.Duration
	}

	// Breaker tracks one circuit per provider. Circuits never share a lock.
	Breaker struct {
		cfg      Config
		clock    clock.Clock
		circuits sync.Map // string -> *circuit
	}

	// Option configures a Breaker.
	Option func(*Breaker)

	circuit struct {
		mu           sync.Mutex
		state        State
		failures     int
		lastFailure  time.Time
		openUntil    time.Time
		trialStarted time.Time
	}
)

const (
	// StateClosed admits every call.
	StateClosed State = "closed"
	// StateOpen rejects calls until the cooldown expires.
	StateOpen State = "open"
	// StateHalfOpen admits a single trial call.
	StateHalfOpen State = "half_open"
)

// DefaultConfig returns a threshold of 5 and a 30s cooldown.
func DefaultConfig() Config {
	return Config{Threshold: 5, Cooldown: 30 * time.Second}
}

// WithClock sets the clock used for cooldowns.
func WithClock(c clock.Clock) Option {
	return func(b *Breaker) { b.clock = c }
}

// New returns a Breaker. Zero config fields take their defaults.
func New(cfg Config, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	b := &Breaker{cfg: cfg, clock: clock.Real()}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Allow reports whether a call to provider may proceed. When an open
// circuit's cooldown has expired the first caller is admitted as the trial and
// the circuit becomes half-open; later callers are rejected until the trial
// result is recorded. A trial whose result is never recorded is abandoned
// after one cooldown.
func (b *Breaker) Allow(provider string) bool {
	return b.Check(provider) == nil
}

// Check is Allow returning *OpenError on rejection.
func (b *Breaker) Check(provider string) error {
	c := b.circuit(provider)
	c.mu.Lock()
	defer c.mu.Unlock()
	now := b.clock.Now()
	switch c.state {
	case StateOpen:
		if now.Before(c.openUntil) {
			return &OpenError{Provider: provider, RetryAfter: c.openUntil.Sub(now)}
		}
		c.state = StateHalfOpen
		c.trialStarted = now
		return nil
	case StateHalfOpen:
		if now.Sub(c.trialStarted) >= b.cfg.Cooldown {
			c.trialStarted = now
			return nil
		}
		return &OpenError{Provider: provider}
	default:
		return nil
	}
}

// RecordSuccess records a successful call. A half-open circuit closes; a
// closed circuit resets its failure count.
func (b *Breaker) RecordSuccess(provider string) {
	c := b.circuit(provider)
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateHalfOpen:
		c.state = StateClosed
		c.failures = 0
		c.trialStarted = time.Time{}
	case StateClosed:
		c.failures = 0
	}
}

// RecordFailure records a failed call. A closed circuit opens once failures
// reach the threshold; a failed half-open trial re-opens the circuit for a
// full cooldown.
func (b *Breaker) RecordFailure(provider string) {
	c := b.circuit(provider)
	c.mu.Lock()
	defer c.mu.Unlock()
	now := b.clock.Now()
	c.lastFailure = now
	switch c.state {
	case StateHalfOpen:
		c.state = StateOpen
		c.openUntil = now.Add(b.cfg.Cooldown)
		c.trialStarted = time.Time{}
	case StateClosed:
		c.failures++
		if c.failures >= b.cfg.Threshold {
			c.state = StateOpen
			c.openUntil = now.Add(b.cfg.Cooldown)
		}
	}
}

// Snapshot returns the current state of provider's circuit.
func (b *Breaker) Snapshot(provider string) Snapshot {
	c := b.circuit(provider)
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Provider:            provider,
		State:               c.state,
		ConsecutiveFailures: c.failures,
		LastFailure:         c.lastFailure,
		OpenUntil:           c.openUntil,
	}
}

func (b *Breaker) circuit(provider string) *circuit {
	if v, ok := b.circuits.Load(provider); ok {
		return v.(*circuit)
	}
	v, _ := b.circuits.LoadOrStore(provider, &circuit{state: StateClosed})
	return v.(*circuit)
}

// Error implements error.
func (e *OpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit open for provider %q: retry after %s", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("circuit half-open for provider %q: trial in flight", e.Provider)
}
