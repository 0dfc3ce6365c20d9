package filestore_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/conductor/runtime/clock"
	"goa.design/conductor/runtime/lease"
	"goa.design/conductor/runtime/session/filestore"
)

func newLocker(t *testing.T) (*filestore.Locker, *clock.Manual, string) {
	t.Helper()
	dir := t.TempDir()
	c := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	l, err := filestore.NewLocker(dir, c)
	require.NoError(t, err)
	return l, c, dir
}

func TestLockerExclusive(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLocker(t)

	got, err := l.Acquire(ctx, "session:s1", "a", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "a", got.Holder)

	_, err = l.Acquire(ctx, "session:s1", "b", time.Minute)
	require.ErrorIs(t, err, lease.ErrHeld)
	held, ok := lease.AsHeld(err)
	require.True(t, ok)
	require.Equal(t, "a", held.Lease.Holder)
	require.Equal(t, time.Minute, held.Remaining)

	_, err = l.Acquire(ctx, "session:s2", "b", time.Minute)
	require.NoError(t, err, "keys are independent")
}

func TestLockerRenewKeepsAcquiredAt(t *testing.T) {
	ctx := context.Background()
	l, c, _ := newLocker(t)
	first, err := l.Acquire(ctx, "k", "a", time.Minute)
	require.NoError(t, err)

	c.Advance(30 * time.Second)
	renewed, err := l.Acquire(ctx, "k", "a", time.Minute)
	require.NoError(t, err)
	require.True(t, first.AcquiredAt.Equal(renewed.AcquiredAt))
	require.True(t, renewed.ExpiresAt.After(first.ExpiresAt))
}

func TestLockerExpiryIsReclaimed(t *testing.T) {
	ctx := context.Background()
	l, c, _ := newLocker(t)
	_, err := l.Acquire(ctx, "k", "a", time.Second)
	require.NoError(t, err)

	c.Advance(time.Second)
	_, ok, err := l.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	got, err := l.Acquire(ctx, "k", "b", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "b", got.Holder)
}

func TestLockerReleaseOnlyByHolder(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLocker(t)
	_, err := l.Acquire(ctx, "k", "a", time.Minute)
	require.NoError(t, err)

	require.NoError(t, l.Release(ctx, "k", "b"))
	_, ok, err := l.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Release(ctx, "k", "a"))
	_, ok, err = l.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, l.Release(ctx, "k", "a"))
}

func TestLockerReclaimsUnreadableLock(t *testing.T) {
	ctx := context.Background()
	l, _, dir := newLocker(t)
	_, err := l.Acquire(ctx, "k", "a", time.Minute)
	require.NoError(t, err)
	matches, err := filepath.Glob(filepath.Join(dir, "*.lock"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.NoError(t, os.WriteFile(matches[0], []byte("garbage"), 0o600))

	got, err := l.Acquire(ctx, "k", "b", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "b", got.Holder)
}

func TestLockerConcurrentReclaimHasOneWinner(t *testing.T) {
	ctx := context.Background()
	l, c, dir := newLocker(t)
	_, err := l.Acquire(ctx, "k", "crashed", time.Second)
	require.NoError(t, err)
	c.Advance(2 * time.Second)

	const contenders = 16
	var (
		wins atomic.Int32
		wg   sync.WaitGroup
		errs = make(chan error, contenders)
	)
	start := make(chan struct{})
	for i := range contenders {
		other, err := filestore.NewLocker(dir, c)
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := other.Acquire(ctx, "k", fmt.Sprintf("holder-%d", i), time.Minute)
			switch {
			case err == nil:
				wins.Add(1)
			case !errors.Is(err, lease.ErrHeld):
				errs <- err
			}
		}()
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), wins.Load())

	got, ok, err := l.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEqual(t, "crashed", got.Holder)
}

func TestLockerRemovesAbandonedGuard(t *testing.T) {
	ctx := context.Background()
	l, _, dir := newLocker(t)
	_, err := l.Acquire(ctx, "k", "a", time.Minute)
	require.NoError(t, err)
	matches, err := filepath.Glob(filepath.Join(dir, "*.lock"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	guard := matches[0] + ".guard"
	require.NoError(t, os.WriteFile(guard, nil, 0o600))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(guard, old, old))

	require.NoError(t, l.Release(ctx, "k", "a"))
	_, err = os.Stat(guard)
	require.ErrorIs(t, err, os.ErrNotExist)
}
