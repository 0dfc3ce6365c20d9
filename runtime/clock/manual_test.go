package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManualFiresTimersInDeadlineOrder(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewManual(start)

	var fired []string
	c.AfterFunc(3*time.Second, func() { fired = append(fired, "c") })
	c.AfterFunc(time.Second, func() { fired = append(fired, "a") })
	c.AfterFunc(2*time.Second, func() {
		fired = append(fired, "b")
		require.Equal(t, start.Add(2*time.Second), c.Now())
	})

	c.Advance(2 * time.Second)
	require.Equal(t, []string{"a", "b"}, fired)
	require.Equal(t, 1, c.Pending())

	c.Advance(time.Second)
	require.Equal(t, []string{"a", "b", "c"}, fired)
	require.Equal(t, start.Add(3*time.Second), c.Now())
}

func TestManualStopPreventsCallback(t *testing.T) {
	c := NewManual(time.Unix(0, 0))
	called := false
	tm := c.AfterFunc(time.Second, func() { called = true })

	require.True(t, tm.Stop())
	require.False(t, tm.Stop())
	c.Advance(time.Minute)
	require.False(t, called)
}

func TestManualCallbackCanReschedule(t *testing.T) {
	c := NewManual(time.Unix(0, 0))
	count := 0
	var tick func()
	tick = func() {
		count++
		c.AfterFunc(time.Second, tick)
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(5 * time.Second)
	require.Equal(t, 5, count)
}

func TestManualSleepAdvances(t *testing.T) {
	c := NewManual(time.Unix(0, 0))
	require.NoError(t, c.Sleep(context.Background(), 2*time.Second))
	require.Equal(t, time.Unix(2, 0), c.Now())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, c.Sleep(ctx, time.Second), context.Canceled)
}

func TestRealSleepHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Real().Sleep(ctx, time.Hour), context.Canceled)
}
