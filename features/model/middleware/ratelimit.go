// Package middleware provides model.Invoker middlewares such as adaptive
// provider throughput limiting.
package middleware

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"goa.design/conductor/runtime/model"
	"goa.design/conductor/runtime/telemetry"
)

type (
	// AdaptiveRateLimiter applies an AIMD-style adaptive token bucket in front
	// of a provider. It estimates the token cost of each request, blocks
	// callers until capacity is available, halves its tokens-per-minute budget
	// when the provider reports rate limiting and recovers additively on
	// success.
	//
	// It complements the per-session rate limiter: that one bounds how often a
	// session may act, this one keeps the whole process under the provider's
	// throughput quota. Build one per provider and wrap the provider's invoker
	// with Middleware.
	AdaptiveRateLimiter struct {
		mu sync.Mutex

		limiter *rate.Limiter

		currentTPM float64
		minTPM     float64
		maxTPM     float64

		recoveryRate float64

		provider string
		logger   telemetry.Logger
	}

	// Options configures an AdaptiveRateLimiter.
	Options struct {
		// Provider labels log messages.
		Provider string
		// InitialTPM is the starting tokens-per-minute budget. Defaults to
		// 60000.
		InitialTPM float64
		// MaxTPM bounds recovery. Values below InitialTPM are clamped to it.
		MaxTPM float64
		// Logger receives budget changes. Defaults to a no-op logger.
		Logger telemetry.Logger
	}

	limitedInvoker struct {
		next    model.Invoker
		limiter *AdaptiveRateLimiter
	}
)

// NewAdaptiveRateLimiter constructs an AdaptiveRateLimiter.
func NewAdaptiveRateLimiter(opts Options) *AdaptiveRateLimiter {
	initialTPM := opts.InitialTPM
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	maxTPM := opts.MaxTPM
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
		provider:     opts.Provider,
		logger:       logger,
	}
}

// Middleware returns a model.Middleware enforcing the adaptive budget.
func (l *AdaptiveRateLimiter) Middleware() model.Middleware {
	return func(next model.Invoker) model.Invoker {
		if next == nil {
			return nil
		}
		return &limitedInvoker{next: next, limiter: l}
	}
}

// CurrentTPM returns the effective tokens-per-minute budget.
func (l *AdaptiveRateLimiter) CurrentTPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

// Invoke waits for capacity before delegating to the wrapped invoker.
func (c *limitedInvoker) Invoke(ctx context.Context, req *model.Request) (*model.Response, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	resp, err := c.next.Invoke(ctx, req)
	c.limiter.observe(ctx, err)
	return resp, err
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, req *model.Request) error {
	tokens := estimateTokens(req)
	l.mu.Lock()
	if burst := l.limiter.Burst(); tokens > burst {
		tokens = burst
	}
	l.mu.Unlock()
	return l.limiter.WaitN(ctx, tokens)
}

func (l *AdaptiveRateLimiter) observe(ctx context.Context, err error) {
	if err == nil {
		l.probe()
		return
	}
	if errors.Is(err, model.ErrRateLimited) {
		l.backoff(ctx)
	}
}

func (l *AdaptiveRateLimiter) backoff(ctx context.Context) {
	l.mu.Lock()
	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.setTPM(newTPM)
	l.mu.Unlock()
	l.logger.Warn(ctx, "provider throughput reduced", "provider", l.provider, "tpm", newTPM)
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	if newTPM != l.currentTPM {
		l.setTPM(newTPM)
	}
}

// setTPM must be called with mu held.
func (l *AdaptiveRateLimiter) setTPM(tpm float64) {
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
}

// estimateTokens approximates one token per three characters of system
// prompt and input, plus a fixed buffer for provider framing.
func estimateTokens(req *model.Request) int {
	if req == nil {
		return 500
	}
	charCount := len(req.System) + len(req.Input)
	if charCount <= 0 {
		return 500
	}
	tokens := charCount / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}
