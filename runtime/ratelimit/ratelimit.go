// Package ratelimit implements fixed-window admission control keyed by
// (category, identity). A bucket that exceeds its ceiling is blocked for a
// fixed duration; the limiter never queues callers.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/conductor/runtime/clock"
)

type (
	// Category groups operations that share a ceiling.
	Category string

	// Limit configures one category.
	Limit struct {
		// Ceiling is the number of operations admitted per window.
		Ceiling int `yaml:"ceiling" validate:"gt=0"`
		// Window is the fixed window length.
		Window time.Duration `yaml:"window" validate:"gt=0"`
		// Block is how long a bucket rejects after exceeding the ceiling.
		Block time.Duration `yaml:"block" validate:"gte=0"`
	}

	// Decision is the outcome of TryAcquire.
	Decision struct {
		// Allowed reports whether the operation was admitted.
		Allowed bool
		// RetryAfter is the remaining block (or window) when denied.
		RetryAfter time.Duration
	}

	// ExceededError reports a denied admission.
	ExceededError struct {
		Category   Category
		Identity   string
		RetryAfter time.Duration
	}

	// Limiter tracks one bucket per (category, identity).
	//
	// Contract:
	// - The first Ceiling calls in a window are admitted; call Ceiling+1 is
	//   denied and blocks the bucket for Block.
	// - A blocked bucket denies until the block expires, then starts a fresh
	//   window.
	// - Buckets are independent: no lock spans two keys.
	Limiter struct {
		clock   clock.Clock
		limits  map[Category]Limit
		buckets sync.Map // bucketKey -> *bucket
	}

	// Option configures a Limiter.
	Option func(*Limiter)

	bucketKey struct {
		category Category
		identity string
	}

	bucket struct {
		mu           sync.Mutex
		count        int
		windowStart  time.Time
		blockedUntil time.Time
	}
)

const (
	// CategoryToolCall covers tool invocations.
	CategoryToolCall Category = "tool_call"
	// CategorySampling covers direct model sampling.
	CategorySampling Category = "sampling"
	// CategoryCommand covers command executions.
	CategoryCommand Category = "command"
	// CategoryConfigAccess covers configuration reads and writes.
	CategoryConfigAccess Category = "config_access"
)

// ErrUnknownCategory is returned for categories with no configured limit.
var ErrUnknownCategory = errors.New("ratelimit: unknown category")

// DefaultLimits returns the default ceiling per category over a 60s window
// with a 60s block.
func DefaultLimits() map[Category]Limit {
	l := func(ceiling int) Limit {
		return Limit{Ceiling: ceiling, Window: time.Minute, Block: time.Minute}
	}
	return map[Category]Limit{
		CategoryToolCall:     l(30),
		CategorySampling:     l(10),
		CategoryCommand:      l(20),
		CategoryConfigAccess: l(60),
	}
}

// WithClock sets the clock used for windows and blocks.
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithLimit overrides the limit of one category.
func WithLimit(c Category, limit Limit) Option {
	return func(l *Limiter) { l.limits[c] = limit }
}

// New returns a Limiter. A nil limits map selects DefaultLimits.
func New(limits map[Category]Limit, opts ...Option) *Limiter {
	if limits == nil {
		limits = DefaultLimits()
	}
	cp := make(map[Category]Limit, len(limits))
	for k, v := range limits {
		cp[k] = v
	}
	l := &Limiter{clock: clock.Real(), limits: cp}
	for _, o := range opts {
		o(l)
	}
	return l
}

// TryAcquire admits or denies one operation for (category, identity).
func (l *Limiter) TryAcquire(category Category, identity string) (Decision, error) {
	limit, ok := l.limits[category]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	b := l.bucket(bucketKey{category: category, identity: identity})
	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.clock.Now()
	if !b.blockedUntil.IsZero() {
		if now.Before(b.blockedUntil) {
			return Decision{RetryAfter: b.blockedUntil.Sub(now)}, nil
		}
		b.blockedUntil = time.Time{}
		b.count = 0
		b.windowStart = now
	}
	if b.windowStart.IsZero() || now.Sub(b.windowStart) >= limit.Window {
		b.count = 0
		b.windowStart = now
	}
	b.count++
	if b.count > limit.Ceiling {
		b.blockedUntil = now.Add(limit.Block)
		retry := limit.Block
		if retry <= 0 {
			retry = limit.Window - now.Sub(b.windowStart)
		}
		return Decision{RetryAfter: retry}, nil
	}
	return Decision{Allowed: true}, nil
}

// Acquire is TryAcquire returning *ExceededError on denial.
func (l *Limiter) Acquire(category Category, identity string) error {
	d, err := l.TryAcquire(category, identity)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return &ExceededError{Category: category, Identity: identity, RetryAfter: d.RetryAfter}
	}
	return nil
}

// Limits returns a copy of the configured limits.
func (l *Limiter) Limits() map[Category]Limit {
	cp := make(map[Category]Limit, len(l.limits))
	for k, v := range l.limits {
		cp[k] = v
	}
	return cp
}

func (l *Limiter) bucket(k bucketKey) *bucket {
	if v, ok := l.buckets.Load(k); ok {
		return v.(*bucket)
	}
	v, _ := l.buckets.LoadOrStore(k, &bucket{})
	return v.(*bucket)
}

// Error implements error.
func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s/%s: retry after %s", e.Category, e.Identity, e.RetryAfter)
}
