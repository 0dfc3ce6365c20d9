package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"goa.design/clue/log"
)

func TestNoopImplementationsDoNotPanic(t *testing.T) {
	b := Noop()
	ctx := context.Background()
	b.Logger.Info(ctx, "hello", "k", "v")
	b.Metrics.IncCounter(MetricStageOutcome, 1, "outcome", "succeeded")
	b.Metrics.RecordTimer(MetricStageDuration, time.Second)
	ctx2, span := b.Tracer.Start(ctx, "run")
	require.Equal(t, ctx, ctx2)
	span.SetStatus(codes.Ok, "")
	span.End()
}

func TestWithDefaults(t *testing.T) {
	b := Bundle{}.WithDefaults()
	require.NotNil(t, b.Logger)
	require.NotNil(t, b.Metrics)
	require.NotNil(t, b.Tracer)
}

func TestFieldersPairsKeysAndStringifiesErrors(t *testing.T) {
	fs := fielders("stage failed", []any{"stage", "analyze", 42, "skipped", "err", errors.New("boom"), "dangling"})
	require.Len(t, fs, 4)
	require.Equal(t, log.KV{K: "msg", V: "stage failed"}, fs[0])
	require.Equal(t, log.KV{K: "stage", V: "analyze"}, fs[1])
	require.Equal(t, log.KV{K: "err", V: "boom"}, fs[2])
	require.Equal(t, log.KV{K: "dangling", V: nil}, fs[3])
}

func TestClueSignalsRunWithoutProviders(t *testing.T) {
	ctx := log.Context(context.Background(), log.WithFormat(log.FormatJSON))
	b := Clue()
	b.Logger.Debug(ctx, "debug")
	b.Logger.Error(ctx, "failed", "err", errors.New("boom"))
	b.Metrics.IncCounter(MetricPolicyDenial, 1, "reason")
	ctx, span := b.Tracer.Start(ctx, "stage")
	span.AddEvent("retry", "attempt", 2, "delay", time.Second)
	span.RecordError(errors.New("x"))
	span.End()
	require.NotNil(t, ctx)
}
