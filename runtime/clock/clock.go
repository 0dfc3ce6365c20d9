// Package clock abstracts time so components that schedule deferred work
// (debounced writes, backoff sleeps, lease expiry) can run against a virtual
// clock in tests.
package clock

import (
	"context"
	"time"
)

type (
	// Clock provides the current time and schedules callbacks.
	//
	// Contract:
	// - Now is monotonic for a given Clock value.
	// - AfterFunc runs f in its own goroutine (Real) or synchronously from
	//   Advance (Manual) once d has elapsed.
	// - Sleep returns ctx.Err() when ctx is done before d elapses.
	Clock interface {
		Now() time.Time
		AfterFunc(d time.Duration, f func()) Timer
		Sleep(ctx context.Context, d time.Duration) error
	}

	// Timer is a scheduled callback.
	Timer interface {
		// Stop prevents the callback from firing. It reports whether the call
		// stopped the timer (false when it already fired or was stopped).
		Stop() bool
	}

	realClock struct{}
)

// Real returns the wall clock.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
