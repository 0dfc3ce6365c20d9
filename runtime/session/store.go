package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/conductor/runtime/clock"
	"goa.design/conductor/runtime/lease"
	"goa.design/conductor/runtime/telemetry"
)

type (
	// Backend stores encoded session documents.
	//
	// Contract:
	// - Read returns ErrNotFound for unknown ids.
	// - Write replaces the document atomically: readers see the old or the
	//   new document, never a partial one.
	// - Delete of an unknown id is not an error.
	Backend interface {
		Read(ctx context.Context, id string) ([]byte, error)
		Write(ctx context.Context, id string, doc []byte) error
		Delete(ctx context.Context, id string) error
		List(ctx context.Context) ([]string, error)
	}

	// DebounceConfig controls how writes are coalesced.
	DebounceConfig struct {
		// Base is the quiet period after a save before it is written.
		Base time.Duration `yaml:"base" validate:"gt=0"`
		// Extended replaces Base when the previous save for the same session
		// happened within RapidWindow.
		Extended time.Duration `yaml:"extended" validate:"gtefield=Base"`
		// RapidWindow is the interval that marks consecutive saves as rapid.
		RapidWindow time.Duration `yaml:"rapid_window" validate:"gt=0"`
		// MaxStaleness bounds how long a pending snapshot may wait, measured
		// from the first unwritten save.
		MaxStaleness time.Duration `yaml:"max_staleness" validate:"gtefield=Extended"`
	}

	// Store is the debounced, lease-protected session store.
	//
	// Contract:
	// - Save never blocks on I/O. Saves for one id coalesce; the last
	//   snapshot wins.
	// - Load returns the pending snapshot when one exists.
	// - Flush, Release and Shutdown write synchronously and surface errors.
	// - Every write renews the store's writer lease on the session; a write
	//   while another writer holds the lease fails with ErrLocked.
	Store struct {
		backend  Backend
		codec    Codec
		locker   lease.Locker
		holder   string
		clock    clock.Clock
		debounce DebounceConfig
		leaseTTL time.Duration
		tel      telemetry.Bundle

		mu      sync.Mutex
		closed  bool
		entries map[string]*entry
	}

	// StoreOption configures a Store.
	StoreOption func(*Store)

	entry struct {
		// writeMu serializes backend writes for the session.
		writeMu sync.Mutex

		mu           sync.Mutex
		pending      *Session
		firstPending time.Time
		lastSave     time.Time
		timer        clock.Timer
		leased       bool
	}
)

const leasePrefix = "session:"

// DefaultDebounce returns a 1s base, a 5s extended interval, a 10s rapid
// window and a 10s staleness bound.
func DefaultDebounce() DebounceConfig {
	return DebounceConfig{
		Base:         time.Second,
		Extended:     5 * time.Second,
		RapidWindow:  10 * time.Second,
		MaxStaleness: 10 * time.Second,
	}
}

const (
	// DefaultLeaseTTL is the writer lease duration.
	DefaultLeaseTTL = 60 * time.Second
	// MinLeaseTTL is the shortest writer lease accepted by configuration.
	MinLeaseTTL = 3 * time.Second
)

// RenewInterval returns how often a long-running writer renews a lease of the
// given duration: a third of it, so two consecutive renewals may fail before
// the lease lapses.
func RenewInterval(ttl time.Duration) time.Duration { return ttl / 3 }

// WithCodec sets the document codec. Defaults to JSONCodec.
func WithCodec(c Codec) StoreOption { return func(s *Store) { s.codec = c } }

// WithLocker sets the writer lease backend. Defaults to an in-process arena.
func WithLocker(l lease.Locker) StoreOption { return func(s *Store) { s.locker = l } }

// WithHolder sets the identity the store uses for writer leases. Defaults to
// a random id.
func WithHolder(h string) StoreOption { return func(s *Store) { s.holder = h } }

// WithClock sets the clock that drives debounce timers.
func WithClock(c clock.Clock) StoreOption { return func(s *Store) { s.clock = c } }

// WithDebounce overrides the debounce intervals.
func WithDebounce(d DebounceConfig) StoreOption { return func(s *Store) { s.debounce = d } }

// WithLeaseTTL sets the writer lease duration.
func WithLeaseTTL(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.leaseTTL = d
		}
	}
}

// WithTelemetry sets logging and metrics.
func WithTelemetry(t telemetry.Bundle) StoreOption { return func(s *Store) { s.tel = t } }

// NewStore returns a Store writing to backend.
func NewStore(backend Backend, opts ...StoreOption) (*Store, error) {
	if backend == nil {
		return nil, errors.New("session: backend is required")
	}
	s := &Store{
		backend:  backend,
		codec:    JSONCodec{},
		clock:    clock.Real(),
		debounce: DefaultDebounce(),
		leaseTTL: DefaultLeaseTTL,
		entries:  make(map[string]*entry),
	}
	for _, o := range opts {
		o(s)
	}
	if s.holder == "" {
		s.holder = uuid.NewString()
	}
	if s.locker == nil {
		s.locker = lease.NewArena(lease.WithClock(s.clock))
	}
	if s.debounce.MaxStaleness <= 0 {
		s.debounce.MaxStaleness = s.debounce.RapidWindow
	}
	s.tel = s.tel.WithDefaults()
	return s, nil
}

// Holder returns the identity used for writer leases.
func (s *Store) Holder() string { return s.holder }

// LeaseTTL returns the writer lease duration.
func (s *Store) LeaseTTL() time.Duration { return s.leaseTTL }

// Load returns the session with the given id, preferring a pending snapshot
// over the stored document.
func (s *Store) Load(ctx context.Context, id string) (*Session, error) {
	if e := s.lookup(id); e != nil {
		e.mu.Lock()
		p := e.pending.Clone()
		e.mu.Unlock()
		if p != nil {
			return p, nil
		}
	}
	doc, err := s.backend.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.codec.Decode(id, doc)
}

// Save schedules sess to be written. The write happens after the debounce
// interval unless another Save for the same id arrives first; in that case
// the newer snapshot replaces the pending one and the timer restarts, up to
// the staleness bound. After Shutdown, Save writes synchronously.
func (s *Store) Save(sess *Session) {
	snap := sess.Clone()
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		if err := s.write(context.Background(), snap); err != nil {
			s.tel.Logger.Error(context.Background(), "session write after shutdown failed", "session", snap.ID, "err", err)
		}
		return
	}

	e := s.entry(snap.ID)
	e.mu.Lock()
	defer e.mu.Unlock()
	now := s.clock.Now()
	interval := s.debounce.Base
	if !e.lastSave.IsZero() && now.Sub(e.lastSave) < s.debounce.RapidWindow {
		interval = s.debounce.Extended
	}
	e.lastSave = now
	if e.pending == nil {
		e.firstPending = now
	}
	e.pending = snap
	if deadline := e.firstPending.Add(s.debounce.MaxStaleness); now.Add(interval).After(deadline) {
		interval = deadline.Sub(now)
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	id := snap.ID
	e.timer = s.clock.AfterFunc(interval, func() { s.flushScheduled(id) })
}

// Flush synchronously writes the pending snapshot for id, if any.
func (s *Store) Flush(ctx context.Context, id string) error {
	e := s.lookup(id)
	if e == nil {
		return nil
	}
	return s.flushEntry(ctx, id, e)
}

// Acquire takes (or renews) the writer lease on id. It returns ErrLocked when
// another writer holds it.
func (s *Store) Acquire(ctx context.Context, id string) error {
	if _, err := s.locker.Acquire(ctx, leasePrefix+id, s.holder, s.leaseTTL); err != nil {
		return lockedError(id, err)
	}
	e := s.entry(id)
	e.mu.Lock()
	e.leased = true
	e.mu.Unlock()
	return nil
}

// Release flushes id and gives up the writer lease.
func (s *Store) Release(ctx context.Context, id string) error {
	err := s.Flush(ctx, id)
	if e := s.lookup(id); e != nil {
		e.mu.Lock()
		e.leased = false
		e.mu.Unlock()
	}
	if rerr := s.locker.Release(ctx, leasePrefix+id, s.holder); rerr != nil {
		err = errors.Join(err, rerr)
	}
	return err
}

// Abandon drops the pending snapshot for id and forgets the writer lease
// without writing or releasing it. A writer that lost its lease calls it so a
// stale snapshot never lands over the new holder's state.
func (s *Store) Abandon(id string) {
	e := s.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.pending = nil
	e.leased = false
}

// Delete removes id from the store, dropping any pending snapshot, and
// releases the writer lease.
func (s *Store) Delete(ctx context.Context, id string) error {
	if e := s.lookup(id); e != nil {
		e.writeMu.Lock()
		e.mu.Lock()
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.pending = nil
		e.leased = false
		e.mu.Unlock()
		e.writeMu.Unlock()
	}
	if err := s.backend.Delete(ctx, id); err != nil {
		return err
	}
	return s.locker.Release(ctx, leasePrefix+id, s.holder)
}

// List returns the ids of stored and pending sessions in sorted order.
func (s *Store) List(ctx context.Context) ([]string, error) {
	ids, err := s.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	s.mu.Lock()
	for id, e := range s.entries {
		e.mu.Lock()
		if e.pending != nil {
			seen[id] = struct{}{}
		}
		e.mu.Unlock()
	}
	s.mu.Unlock()
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Shutdown flushes every pending snapshot and releases all writer leases.
// Later Saves are written synchronously.
func (s *Store) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		e := s.lookup(id)
		if err := s.flushEntry(ctx, id, e); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", id, err))
		}
		e.mu.Lock()
		leased := e.leased
		e.leased = false
		e.mu.Unlock()
		if leased {
			if err := s.locker.Release(ctx, leasePrefix+id, s.holder); err != nil {
				errs = append(errs, fmt.Errorf("release %s: %w", id, err))
			}
		}
	}
	return errors.Join(errs...)
}

// flushScheduled runs when a debounce timer fires. A failed write keeps the
// snapshot pending and retries after the extended interval.
func (s *Store) flushScheduled(id string) {
	e := s.lookup(id)
	if e == nil {
		return
	}
	ctx := context.Background()
	if err := s.flushEntry(ctx, id, e); err != nil {
		s.tel.Logger.Error(ctx, "debounced session write failed", "session", id, "err", err)
		e.mu.Lock()
		if e.pending != nil && e.timer == nil {
			e.timer = s.clock.AfterFunc(s.debounce.Extended, func() { s.flushScheduled(id) })
		}
		e.mu.Unlock()
	}
}

func (s *Store) flushEntry(ctx context.Context, id string, e *entry) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.mu.Lock()
	snap := e.pending
	first := e.firstPending
	e.pending = nil
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.mu.Unlock()
	if snap == nil {
		return nil
	}

	start := s.clock.Now()
	err := s.write(ctx, snap)
	if err != nil {
		s.tel.Metrics.IncCounter(telemetry.MetricSessionFlushErr, 1)
		e.mu.Lock()
		if e.pending == nil {
			e.pending = snap
			e.firstPending = first
		}
		e.mu.Unlock()
		return err
	}
	e.mu.Lock()
	e.leased = true
	e.mu.Unlock()
	s.tel.Metrics.RecordTimer(telemetry.MetricSessionFlush, s.clock.Now().Sub(start))
	return nil
}

// write renews the writer lease and persists snap.
func (s *Store) write(ctx context.Context, snap *Session) error {
	if _, err := s.locker.Acquire(ctx, leasePrefix+snap.ID, s.holder, s.leaseTTL); err != nil {
		return lockedError(snap.ID, err)
	}
	doc, err := s.codec.Encode(snap)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", snap.ID, err)
	}
	if err := s.backend.Write(ctx, snap.ID, doc); err != nil {
		return fmt.Errorf("write session %s: %w", snap.ID, err)
	}
	return nil
}

func (s *Store) entry(id string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		e = &entry{}
		s.entries[id] = e
	}
	return e
}

func (s *Store) lookup(id string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[id]
}

func lockedError(id string, err error) error {
	if held, ok := lease.AsHeld(err); ok {
		return fmt.Errorf("%w: session %s held by %s for %s", ErrLocked, id, held.Lease.Holder, held.Remaining)
	}
	return fmt.Errorf("acquire session lease %s: %w", id, err)
}
