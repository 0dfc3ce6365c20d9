package lease

import (
	"context"
	"sync"
	"time"

	"goa.design/conductor/runtime/clock"
)

type (
	// Arena is an in-process Locker. Each key owns its own slot so operations
	// on unrelated keys never contend.
	Arena struct {
		clock clock.Clock
		slots sync.Map // string -> *slot
	}

	// ArenaOption configures an Arena.
	ArenaOption func(*Arena)

	slot struct {
		mu      sync.Mutex
		lease   *Lease
		removed bool
	}
)

// WithClock sets the clock used to evaluate expiry.
func WithClock(c clock.Clock) ArenaOption {
	return func(a *Arena) { a.clock = c }
}

// NewArena returns an empty in-process lease arena.
func NewArena(opts ...ArenaOption) *Arena {
	a := &Arena{clock: clock.Real()}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Acquire implements Locker.
func (a *Arena) Acquire(_ context.Context, key, holder string, ttl time.Duration) (Lease, error) {
	for {
		s := a.slot(key)
		s.mu.Lock()
		if s.removed {
			s.mu.Unlock()
			continue
		}
		now := a.clock.Now()
		if s.lease != nil && !s.lease.Expired(now) && s.lease.Holder != holder {
			held := &HeldError{Lease: *s.lease, Remaining: s.lease.ExpiresAt.Sub(now)}
			s.mu.Unlock()
			return Lease{}, held
		}
		acquired := now
		if s.lease != nil && s.lease.Holder == holder && !s.lease.Expired(now) {
			acquired = s.lease.AcquiredAt
		}
		l := Lease{Key: key, Holder: holder, AcquiredAt: acquired, ExpiresAt: now.Add(ttl)}
		s.lease = &l
		s.mu.Unlock()
		return l, nil
	}
}

// Release implements Locker.
func (a *Arena) Release(_ context.Context, key, holder string) error {
	v, ok := a.slots.Load(key)
	if !ok {
		return nil
	}
	s := v.(*slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed || s.lease == nil || s.lease.Holder != holder {
		return nil
	}
	s.lease = nil
	s.removed = true
	a.slots.CompareAndDelete(key, s)
	return nil
}

// Get implements Locker. Expired leases are reported as absent.
func (a *Arena) Get(_ context.Context, key string) (Lease, bool, error) {
	v, ok := a.slots.Load(key)
	if !ok {
		return Lease{}, false, nil
	}
	s := v.(*slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed || s.lease == nil || s.lease.Expired(a.clock.Now()) {
		return Lease{}, false, nil
	}
	return *s.lease, true, nil
}

func (a *Arena) slot(key string) *slot {
	if v, ok := a.slots.Load(key); ok {
		return v.(*slot)
	}
	v, _ := a.slots.LoadOrStore(key, &slot{})
	return v.(*slot)
}
