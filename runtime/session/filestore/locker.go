package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"goa.design/conductor/runtime/clock"
	"goa.design/conductor/runtime/lease"
)

type (
	// Locker is a lease.Locker backed by lock files. Each lease is a JSON
	// file named after the SHA-256 of its key and holding the holder and
	// expiry. Every change to a key's lock file happens under an exclusively
	// created guard file, so two processes never both take over the same
	// stale lease. Expired lock files are reclaimed by the next
	// acquirer.
	Locker struct {
		dir   string
		clock clock.Clock
	}

	lockInfo struct {
		Key        string    `json:"key"`
		Holder     string    `json:"holder"`
		AcquiredAt time.Time `json:"acquired_at"`
		ExpiresAt  time.Time `json:"expires_at"`
		PID        int       `json:"pid"`
	}
)

// NewLocker returns a Locker storing lock files under dir.
func NewLocker(dir string, c clock.Clock) (*Locker, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("filestore: create lock dir %s: %w", dir, err)
	}
	if c == nil {
		c = clock.Real()
	}
	return &Locker{dir: dir, clock: c}, nil
}

// Acquire implements lease.Locker.
func (l *Locker) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (lease.Lease, error) {
	p := l.path(key)
	unlock, err := l.guard(ctx, p)
	if err != nil {
		return lease.Lease{}, err
	}
	defer unlock()

	now := l.clock.Now()
	info := lockInfo{Key: key, Holder: holder, AcquiredAt: now, ExpiresAt: now.Add(ttl), PID: os.Getpid()}
	cur, err := readLock(p)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		// Unreadable lock files are treated as stale.
	case cur.Holder == holder && !cur.lease().Expired(now):
		info.AcquiredAt = cur.AcquiredAt
	case !cur.lease().Expired(now):
		return lease.Lease{}, &lease.HeldError{Lease: cur.lease(), Remaining: cur.ExpiresAt.Sub(now)}
	}
	if err := writeAtomic(l.dir, p, mustJSON(info)); err != nil {
		return lease.Lease{}, err
	}
	return info.lease(), nil
}

// Release implements lease.Locker.
func (l *Locker) Release(ctx context.Context, key, holder string) error {
	p := l.path(key)
	unlock, err := l.guard(ctx, p)
	if err != nil {
		return err
	}
	defer unlock()

	cur, err := readLock(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if cur.Holder != holder {
		return nil
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Get implements lease.Locker.
func (l *Locker) Get(_ context.Context, key string) (lease.Lease, bool, error) {
	cur, err := readLock(l.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return lease.Lease{}, false, nil
	}
	if err != nil {
		return lease.Lease{}, false, err
	}
	ls := cur.lease()
	if ls.Expired(l.clock.Now()) {
		return lease.Lease{}, false, nil
	}
	return ls, true, nil
}

const (
	guardPoll       = 2 * time.Millisecond
	guardWait       = 5 * time.Second
	guardStaleAfter = 30 * time.Second
)

func (l *Locker) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(l.dir, hex.EncodeToString(sum[:16])+".lock")
}

func (i lockInfo) lease() lease.Lease {
	return lease.Lease{Key: i.Key, Holder: i.Holder, AcquiredAt: i.AcquiredAt, ExpiresAt: i.ExpiresAt}
}

// guard serializes every change to the lock file p across processes. It
// holds p+".guard", created exclusively, for the duration of one read and
// write of p. A guard older than guardStaleAfter was left by a crashed
// process and is removed.
func (l *Locker) guard(ctx context.Context, p string) (func(), error) {
	g := p + ".guard"
	deadline := time.Now().Add(guardWait)
	for {
		f, err := os.OpenFile(g, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_ = f.Close()
			return func() { _ = os.Remove(g) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("filestore: lock guard %s: %w", g, err)
		}
		if fi, err := os.Stat(g); err == nil && time.Since(fi.ModTime()) > guardStaleAfter {
			_ = os.Remove(g)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("filestore: contention on lock guard %s", g)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(guardPoll):
		}
	}
}

func readLock(p string) (lockInfo, error) {
	var info lockInfo
	data, err := os.ReadFile(p)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("parse lock file %s: %w", p, err)
	}
	return info, nil
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
