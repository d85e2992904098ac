// Package middleware provides reusable provider.Adapter middlewares such as
// adaptive rate limiting.
package middleware

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/antra-tess/membrane/content"
	"github.com/antra-tess/membrane/errs"
	"github.com/antra-tess/membrane/provider"
)

// AdaptiveRateLimiter applies an AIMD-style adaptive token bucket on top of a
// provider.Adapter. It estimates the token cost of each request, blocks
// callers until capacity is available, and adjusts its effective
// tokens-per-minute budget in response to rate limiting signals from the
// provider.
//
// The limiter is process-local and sits at the adapter boundary: construct a
// single instance per process and wrap the adapter with Middleware before
// handing it to an Engine.
type AdaptiveRateLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM float64
	minTPM     float64
	maxTPM     float64

	recoveryRate float64
}

// NewAdaptiveRateLimiter constructs an AdaptiveRateLimiter configured with an
// initial tokens-per-minute budget and an upper bound. initialTPM and maxTPM
// are expressed in tokens per minute; when maxTPM is zero or less than
// initialTPM, it is clamped to initialTPM.
func NewAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		// Conservative default when callers do not provide a budget.
		initialTPM = 60000
	}
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
	lim := rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM))

	return &AdaptiveRateLimiter{
		limiter:      lim,
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Middleware returns an adapter middleware that enforces the adaptive
// tokens-per-minute limit for both Complete and Stream calls.
func (l *AdaptiveRateLimiter) Middleware() func(provider.Adapter) provider.Adapter {
	return func(next provider.Adapter) provider.Adapter {
		if next == nil {
			return nil
		}
		return &limitedAdapter{next: next, limiter: l}
	}
}

// CurrentTPM returns the limiter's current effective budget.
func (l *AdaptiveRateLimiter) CurrentTPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

type limitedAdapter struct {
	next    provider.Adapter
	limiter *AdaptiveRateLimiter
}

func (a *limitedAdapter) Name() string                        { return a.next.Name() }
func (a *limitedAdapter) PreferredToolMode() content.ToolMode { return a.next.PreferredToolMode() }
func (a *limitedAdapter) SupportsCaching() bool               { return a.next.SupportsCaching() }

// Complete enforces the limiter before delegating to the underlying adapter.
func (a *limitedAdapter) Complete(ctx context.Context, req content.Request) (*content.Response, error) {
	if err := a.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	resp, err := a.next.Complete(ctx, req)
	a.limiter.observe(err)
	return resp, err
}

// Stream enforces the limiter before delegating to the underlying adapter.
func (a *limitedAdapter) Stream(ctx context.Context, req content.Request) (provider.Streamer, error) {
	if err := a.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	stream, err := a.next.Stream(ctx, req)
	a.limiter.observe(err)
	return stream, err
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, req content.Request) error {
	return l.limiter.WaitN(ctx, estimateTokens(req))
}

func (l *AdaptiveRateLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if errs.KindOf(err) == errs.KindRateLimit {
		l.backoff()
	}
}

func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()

	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	if newTPM == l.currentTPM {
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()
	defer l.mu.Unlock()

	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	if newTPM == l.currentTPM {
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
}

// estimateTokens computes a cheap heuristic for the number of tokens in the
// request transcript: characters in text and string tool results converted at
// a fixed ratio, plus a buffer for system prompts and provider framing.
func estimateTokens(req content.Request) int {
	charCount := len(req.System)
	for _, m := range req.Messages {
		for _, p := range m.Content {
			switch v := p.(type) {
			case content.TextPart:
				charCount += len(v.Text)
			case content.ToolResultPart:
				if s, ok := v.Content.(string); ok {
					charCount += len(s)
				}
			}
		}
	}
	if charCount <= 0 {
		// Minimal non-zero estimate so tiny requests still incur limiter cost.
		return 500
	}
	tokens := charCount / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}
