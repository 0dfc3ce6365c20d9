// Package lease provides time-bounded exclusive ownership of string keys.
//
// Leases back both the idempotency guard (one in-flight execution per
// fingerprint) and the session store's single-writer rule. A lease expires at
// an absolute instant; expired leases are reclaimable by any holder. Only the
// current holder may extend a lease, and only by acquiring it again.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type (
	// Lease records the holder of a key and the absolute instant the holding
	// expires.
	Lease struct {
		// Key is the leased key.
		Key string
		// Holder identifies the owner of the lease.
		Holder string
		// AcquiredAt is when the holder first obtained the lease.
		AcquiredAt time.Time
		// ExpiresAt is the absolute expiry. The lease is reclaimable at or after
		// this instant.
		ExpiresAt time.Time
	}

	// Locker grants, renews and releases leases.
	//
	// Contract:
	// - At most one unexpired lease exists per key.
	// - Acquire by the current holder renews the lease to now+ttl and keeps
	//   AcquiredAt.
	// - Acquire on a key held by another holder returns *HeldError and leaves
	//   the lease untouched.
	// - Release by a non-holder is a no-op.
	Locker interface {
		Acquire(ctx context.Context, key, holder string, ttl time.Duration) (Lease, error)
		Release(ctx context.Context, key, holder string) error
		Get(ctx context.Context, key string) (Lease, bool, error)
	}

	// HeldError is returned when a key is leased by another holder.
	HeldError struct {
		// Lease is the conflicting lease.
		Lease Lease
		// Remaining is the time left before the conflicting lease expires.
		Remaining time.Duration
	}
)

// ErrHeld matches any *HeldError via errors.Is.
var ErrHeld = errors.New("lease held")

// Error implements error.
func (e *HeldError) Error() string {
	return fmt.Sprintf("lease %q held by %q for another %s", e.Lease.Key, e.Lease.Holder, e.Remaining)
}

// Is reports whether target is ErrHeld.
func (e *HeldError) Is(target error) bool { return target == ErrHeld }

// Expired reports whether the lease is reclaimable at now.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// AsHeld returns the first HeldError in err's chain, if any.
func AsHeld(err error) (*HeldError, bool) {
	var he *HeldError
	if errors.As(err, &he) {
		return he, true
	}
	return nil, false
}
