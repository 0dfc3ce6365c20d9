package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"goa.design/conductor/runtime/clock"
	"goa.design/conductor/runtime/idempotency"
)

type (
	// Lifecycle creates sessions and moves them between states. Every
	// transition for a session id runs under the idempotency guard in wait
	// mode, so concurrent transitions on the same id are serialized instead
	// of rejected while the holder is still within its lease.
	Lifecycle struct {
		store *Store
		guard *idempotency.Guard
		clock clock.Clock
	}

	// LifecycleOption configures a Lifecycle.
	LifecycleOption func(*Lifecycle)
)

// WithGuard sets the idempotency guard serializing transitions.
func WithGuard(g *idempotency.Guard) LifecycleOption {
	return func(l *Lifecycle) { l.guard = g }
}

// WithLifecycleClock sets the clock used for timestamps.
func WithLifecycleClock(c clock.Clock) LifecycleOption {
	return func(l *Lifecycle) { l.clock = c }
}

// NewLifecycle returns a Lifecycle writing through store.
func NewLifecycle(store *Store, opts ...LifecycleOption) *Lifecycle {
	l := &Lifecycle{store: store, clock: store.clock}
	for _, o := range opts {
		o(l)
	}
	if l.guard == nil {
		l.guard = idempotency.New(idempotency.WithClock(l.clock))
	}
	return l
}

// Store returns the underlying store.
func (l *Lifecycle) Store() *Store { return l.store }

// Create allocates a new session id and creates an active session with the
// given initial context. The caller holds the writer lease on return.
func (l *Lifecycle) Create(ctx context.Context, initial map[string]json.RawMessage) (*Session, error) {
	return l.CreateWithID(ctx, uuid.NewString(), initial)
}

// CreateWithID is Create with a caller-supplied id. It returns *DuplicateError
// when the id exists.
func (l *Lifecycle) CreateWithID(ctx context.Context, id string, initial map[string]json.RawMessage) (*Session, error) {
	if id == "" {
		return nil, errors.New("session: id is required")
	}
	var out *Session
	err := l.guarded(ctx, id, func(ctx context.Context) error {
		if _, err := l.store.Load(ctx, id); err == nil || IsCorrupt(err) {
			return &DuplicateError{ID: id}
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := l.store.Acquire(ctx, id); err != nil {
			return err
		}
		out = New(id, l.clock.Now(), initial)
		l.store.Save(out)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// Resume loads id, takes the writer lease and reactivates a paused session.
// It returns ErrNotFound, ErrLocked, or *TransitionError for terminal
// sessions.
func (l *Lifecycle) Resume(ctx context.Context, id string) (*Session, error) {
	var out *Session
	err := l.guarded(ctx, id, func(ctx context.Context) error {
		if err := l.store.Acquire(ctx, id); err != nil {
			return err
		}
		s, err := l.store.Load(ctx, id)
		if err != nil {
			_ = l.store.Release(ctx, id)
			return err
		}
		if s.Status.Terminal() {
			_ = l.store.Release(ctx, id)
			return &TransitionError{ID: id, From: s.Status, To: StatusActive}
		}
		if s.Status == StatusPaused {
			s.Status = StatusActive
			s.UpdatedAt = normalize(l.clock.Now())
			l.store.Save(s)
		}
		out = s
		return nil
	})
	return out, err
}

// Pause suspends an active session.
func (l *Lifecycle) Pause(ctx context.Context, id string) (*Session, error) {
	return l.transition(ctx, id, StatusPaused, nil)
}

// Complete marks id completed. Completing a terminal session is a no-op that
// returns the stored session.
func (l *Lifecycle) Complete(ctx context.Context, id string) (*Session, error) {
	return l.transition(ctx, id, StatusCompleted, nil)
}

// Fail marks id failed with the given cause and stage. Failing a terminal
// session is a no-op that returns the stored session.
func (l *Lifecycle) Fail(ctx context.Context, id string, stage string, cause error) (*Session, error) {
	return l.transition(ctx, id, StatusFailed, func(s *Session, now time.Time) {
		reason := "unknown failure"
		if cause != nil {
			reason = cause.Error()
		}
		s.Failure = &Failure{Reason: reason, Stage: stage, At: now}
	})
}

func (l *Lifecycle) transition(ctx context.Context, id string, to Status, mutate func(*Session, time.Time)) (*Session, error) {
	var out *Session
	err := l.guarded(ctx, id, func(ctx context.Context) error {
		s, err := l.store.Load(ctx, id)
		if err != nil {
			return err
		}
		if s.Status.Terminal() && to.Terminal() {
			out = s
			return nil
		}
		if !CanTransition(s.Status, to) {
			return &TransitionError{ID: id, From: s.Status, To: to}
		}
		now := normalize(l.clock.Now())
		s.Status = to
		s.UpdatedAt = now
		if to.Terminal() {
			s.EndedAt = &now
		}
		if mutate != nil {
			mutate(s, now)
		}
		l.store.Save(s)
		out = s
		return nil
	})
	return out, err
}

func (l *Lifecycle) guarded(ctx context.Context, id string, fn func(context.Context) error) error {
	return l.guard.WithLockWait(ctx, "lifecycle:"+id, fn)
}
