// Package retry executes LLM calls with bounded exponential backoff. Only
// transient failures are retried; fatal provider errors and cancellations are
// returned on the attempt that produced them.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"goa.design/conductor/runtime/clock"
	"goa.design/conductor/runtime/model"
)

type (
	// Policy configures retry behavior.
	Policy struct {
		// MaxAttempts is the maximum number of attempts including the first.
		// A value of 0 or 1 means no retries.
		MaxAttempts int `yaml:"max_attempts" validate:"gte=0"`
		// Base is the delay before the second attempt. Each later delay doubles.
		Base time.Duration `yaml:"base" validate:"gte=0"`
		// Floor is the minimum delay between attempts.
		Floor time.Duration `yaml:"floor" validate:"gte=0"`
		// Cap is the maximum delay between attempts, applied after jitter.
		Cap time.Duration `yaml:"cap" validate:"gte=0"`
		// Jitter randomizes each delay by up to ±Jitter of its value.
		Jitter float64 `yaml:"jitter" validate:"gte=0,lt=1"`

		// Sleep waits between attempts. Defaults to the real clock.
		Sleep func(ctx context.Context, d time.Duration) error `yaml:"-"`
		// Now reads the time used to measure ExhaustedError.TotalDuration.
		// Defaults to the real clock.
		Now func() time.Time `yaml:"-"`
		// Retryable classifies errors. Defaults to model.IsTransient.
		Retryable func(error) bool `yaml:"-"`
		// OnRetry, when set, is called before each backoff sleep.
		OnRetry func(attempt int, delay time.Duration, err error) `yaml:"-"`
	}

	// ExhaustedError is returned when every attempt failed with a retryable
	// error.
	ExhaustedError struct {
		// Attempts is the number of attempts made.
		Attempts int
		// TotalDuration is the time spent across attempts and sleeps.
		TotalDuration time.Duration
		// LastError is the error from the last attempt.
		LastError error
	}
)

// DefaultPolicy returns 3 attempts, a 2s base, a 500ms floor, a 30s cap and
// 20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Base:        2 * time.Second,
		Floor:       500 * time.Millisecond,
		Cap:         30 * time.Second,
		Jitter:      0.2,
	}
}

// WithClock returns a copy of p that sleeps on and measures time with c.
func (p Policy) WithClock(c clock.Clock) Policy {
	p.Sleep = c.Sleep
	p.Now = c.Now
	return p
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts over %v: %v", e.Attempts, e.TotalDuration, e.LastError)
}

// Unwrap returns the underlying error.
func (e *ExhaustedError) Unwrap() error {
	return e.LastError
}

// Do runs fn until it succeeds, returns a non-retryable error, or the policy
// runs out of attempts. It returns the number of attempts made.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) (int, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = clock.Real().Sleep
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = model.IsTransient
	}

	start := now()
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}
		err := fn(ctx)
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		if !retryable(err) {
			return attempt, err
		}
		if attempt >= p.MaxAttempts {
			break
		}
		delay := Backoff(p, attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return attempt, err
		}
	}
	return p.MaxAttempts, &ExhaustedError{
		Attempts:      p.MaxAttempts,
		TotalDuration: now().Sub(start),
		LastError:     lastErr,
	}
}

// Backoff returns the delay after the given failed attempt (1-based):
// Base·2^(attempt-1) with jitter applied, then bounded by Cap and Floor.
// With Jitter below 1/3 successive delays never decrease.
func Backoff(p Policy, attempt int) time.Duration {
	backoff := float64(p.Base) * math.Pow(2, float64(attempt-1))
	if p.Jitter > 0 {
		backoff += backoff * p.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter doesn't need crypto rand
	}
	if p.Cap > 0 && backoff > float64(p.Cap) {
		backoff = float64(p.Cap)
	}
	if backoff < float64(p.Floor) {
		backoff = float64(p.Floor)
	}
	return time.Duration(backoff)
}
