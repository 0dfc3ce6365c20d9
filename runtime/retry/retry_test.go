package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"goa.design/conductor/runtime/clock"
	"goa.design/conductor/runtime/model"
)

func recordingPolicy(p Policy, delays *[]time.Duration) Policy {
	p.Sleep = func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	return p
}

func TestRetriesTransientThenSucceeds(t *testing.T) {
	var delays []time.Duration
	p := recordingPolicy(DefaultPolicy(), &delays)
	p.Jitter = 0

	calls := 0
	attempts, err := Do(context.Background(), p, func(context.Context) error {
		calls++
		if calls < 3 {
			return model.Transient("anthropic", errors.New("503"))
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, delays)
}

func TestFatalErrorSurfacesImmediately(t *testing.T) {
	var delays []time.Duration
	p := recordingPolicy(DefaultPolicy(), &delays)
	fatal := model.NewProviderError("anthropic", "", 401, model.ProviderErrorKindAuth, "bad key", nil)

	attempts, err := Do(context.Background(), p, func(context.Context) error { return fatal })
	require.Equal(t, 1, attempts)
	require.ErrorIs(t, err, fatal)
	var exhausted *ExhaustedError
	require.False(t, errors.As(err, &exhausted))
	require.Empty(t, delays)
}

func TestExhaustion(t *testing.T) {
	var delays []time.Duration
	p := recordingPolicy(DefaultPolicy(), &delays)
	last := model.Transient("openai", errors.New("timeout"))

	attempts, err := Do(context.Background(), p, func(context.Context) error { return last })
	require.Equal(t, 3, attempts)
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 3, exhausted.Attempts)
	require.ErrorIs(t, err, last)
	require.Len(t, delays, 2)
}

func TestExhaustionMeasuresPolicyClock(t *testing.T) {
	c := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	p := DefaultPolicy().WithClock(c)
	p.Jitter = 0

	_, err := Do(context.Background(), p, func(context.Context) error {
		return model.Transient("openai", errors.New("503"))
	})
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 6*time.Second, exhausted.TotalDuration)
}

func TestCancellationDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := DefaultPolicy()
	p.Sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}
	attempts, err := Do(ctx, p, func(context.Context) error {
		return model.Transient("p", errors.New("x"))
	})
	require.Equal(t, 1, attempts)
	require.ErrorIs(t, err, context.Canceled)
}

func TestBackoffBounds(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Floor: 500 * time.Millisecond, Cap: 2 * time.Second}
	require.Equal(t, 500*time.Millisecond, Backoff(p, 1))
	require.Equal(t, 800*time.Millisecond, Backoff(p, 4))
	require.Equal(t, 2*time.Second, Backoff(p, 10))
}

func TestRetryProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("k transient failures then success takes k+1 attempts with non-decreasing delays", prop.ForAll(
		func(k int, jitter float64) bool {
			var delays []time.Duration
			p := recordingPolicy(DefaultPolicy(), &delays)
			p.MaxAttempts = k + 1
			p.Jitter = jitter
			calls := 0
			attempts, err := Do(context.Background(), p, func(context.Context) error {
				calls++
				if calls <= k {
					return model.Transient("p", errors.New("unavailable"))
				}
				return nil
			})
			if err != nil || attempts != k+1 || len(delays) != k {
				return false
			}
			for i := 1; i < len(delays); i++ {
				if delays[i] < delays[i-1] {
					return false
				}
			}
			for _, d := range delays {
				if d < p.Floor || d > p.Cap {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 8),
		gen.Float64Range(0, 0.3),
	))

	properties.TestingRun(t)
}
