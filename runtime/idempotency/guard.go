// Package idempotency guarantees at most one in-flight execution per
// operation fingerprint. Each call takes a lease on the fingerprint for the
// duration of the operation; a concurrent call with the same fingerprint is
// denied (or waits, in wait mode) instead of running twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"goa.design/conductor/runtime/clock"
	"goa.design/conductor/runtime/lease"
)

type (
	// Guard runs operations under fingerprint leases.
	//
	// Contract:
	// - Every call uses a fresh holder identity, so a lease is never renewed
	//   implicitly by a second call.
	// - The lease is released after fn returns, whatever its outcome.
	// - An expired lease left by a crashed holder is reclaimed by the next
	//   caller.
	Guard struct {
		locker lease.Locker
		clock  clock.Clock
		ttl    time.Duration
		poll   time.Duration
	}

	// Option configures a Guard.
	Option func(*Guard)

	// CallOption configures a single guarded call.
	CallOption func(*callOptions)

	callOptions struct {
		ttl time.Duration
	}

	// InProgressError reports that another execution holds the fingerprint.
	InProgressError struct {
		Fingerprint string
		// RetryAfter is the remaining lease of the conflicting execution.
		RetryAfter time.Duration
	}
)

// DefaultLease is the lease held on a fingerprint when no override is given.
const DefaultLease = 2 * time.Second

// ErrInProgress matches any *InProgressError via errors.Is.
var ErrInProgress = errors.New("operation in progress")

// WithLocker sets the lease backend. Defaults to an in-process arena.
func WithLocker(l lease.Locker) Option {
	return func(g *Guard) { g.locker = l }
}

// WithClock sets the clock used for waits.
func WithClock(c clock.Clock) Option {
	return func(g *Guard) { g.clock = c }
}

// WithDefaultLease sets the lease duration used when a call does not
// override it.
func WithDefaultLease(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.ttl = d
		}
	}
}

// WithPollInterval sets how often wait mode retries the lease.
func WithPollInterval(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.poll = d
		}
	}
}

// WithLease overrides the lease duration of one call. Values shorter than
// the guard default are ignored.
func WithLease(d time.Duration) CallOption {
	return func(o *callOptions) {
		if d > o.ttl {
			o.ttl = d
		}
	}
}

// New returns a Guard.
func New(opts ...Option) *Guard {
	g := &Guard{clock: clock.Real(), ttl: DefaultLease, poll: 50 * time.Millisecond}
	for _, o := range opts {
		o(g)
	}
	if g.locker == nil {
		g.locker = lease.NewArena(lease.WithClock(g.clock))
	}
	return g
}

// WithLock runs fn if no other execution holds fingerprint and returns
// *InProgressError otherwise.
func (g *Guard) WithLock(ctx context.Context, fingerprint string, fn func(context.Context) error, opts ...CallOption) error {
	o := g.callOptions(opts)
	holder := uuid.NewString()
	if _, err := g.locker.Acquire(ctx, fingerprint, holder, o.ttl); err != nil {
		return g.denied(fingerprint, err)
	}
	defer g.release(ctx, fingerprint, holder)
	return fn(ctx)
}

// WithLockWait is WithLock but, on conflict, waits up to the remaining lease
// of the conflicting execution before denying.
func (g *Guard) WithLockWait(ctx context.Context, fingerprint string, fn func(context.Context) error, opts ...CallOption) error {
	o := g.callOptions(opts)
	holder := uuid.NewString()
	var deadline time.Time
	for {
		_, err := g.locker.Acquire(ctx, fingerprint, holder, o.ttl)
		if err == nil {
			break
		}
		held, ok := lease.AsHeld(err)
		if !ok {
			return err
		}
		now := g.clock.Now()
		if deadline.IsZero() {
			deadline = now.Add(held.Remaining)
		}
		if !now.Before(deadline) {
			return g.denied(fingerprint, err)
		}
		wait := deadline.Sub(now)
		if wait > g.poll {
			wait = g.poll
		}
		if err := g.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
	defer g.release(ctx, fingerprint, holder)
	return fn(ctx)
}

// Holding reports whether an unexpired lease exists on fingerprint.
func (g *Guard) Holding(ctx context.Context, fingerprint string) (bool, error) {
	_, ok, err := g.locker.Get(ctx, fingerprint)
	return ok, err
}

func (g *Guard) callOptions(opts []CallOption) callOptions {
	o := callOptions{ttl: g.ttl}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (g *Guard) release(ctx context.Context, fingerprint, holder string) {
	_ = g.locker.Release(context.WithoutCancel(ctx), fingerprint, holder)
}

func (g *Guard) denied(fingerprint string, err error) error {
	if held, ok := lease.AsHeld(err); ok {
		return &InProgressError{Fingerprint: fingerprint, RetryAfter: held.Remaining}
	}
	return fmt.Errorf("acquire idempotency lease: %w", err)
}

// Error implements error.
func (e *InProgressError) Error() string {
	return fmt.Sprintf("operation %s already in progress (lease expires in %s)", e.Fingerprint, e.RetryAfter)
}

// Is reports whether target is ErrInProgress.
func (e *InProgressError) Is(target error) bool { return target == ErrInProgress }

// Fingerprint returns a stable key for one stage execution: the SHA-256 of
// the pipeline id, session id, stage name and canonical JSON input. Inputs
// that differ only in key order or whitespace share a fingerprint.
func Fingerprint(pipelineID, sessionID, stage string, input json.RawMessage) string {
	h := sha256.New()
	for _, part := range [][]byte{[]byte(pipelineID), []byte(sessionID), []byte(stage), canonical(input)} {
		h.Write([]byte(strconv.Itoa(len(part))))
		h.Write([]byte{':'})
		h.Write(part)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// canonical re-encodes JSON so object keys are sorted. Invalid JSON is used
// verbatim.
func canonical(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
