package model

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"
)

// AdaptiveLimiter applies an AIMD-style adaptive token bucket in front of a
// candidate's RunFunc: it estimates the token cost of each request, blocks
// the caller until budget is available, and shrinks/grows its effective
// tokens-per-minute ceiling in response to rate_limit classifications
// surfaced by classify(). Process-local only: this control plane runs as a
// single process, so there is no second process to coordinate a shared
// budget with.
type AdaptiveLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM float64
	minTPM     float64
	maxTPM     float64

	recoveryRate float64
}

// NewAdaptiveLimiter constructs an AdaptiveLimiter with a tokens-per-minute
// budget. A non-positive initialTPM defaults to a conservative budget; a
// maxTPM below initialTPM is clamped up to it.
func NewAdaptiveLimiter(initialTPM, maxTPM float64) *AdaptiveLimiter {
	if initialTPM <= 0 {
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

	return &AdaptiveLimiter{
		limiter:      lim,
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// ErrRateLimited is the sentinel a caller's RunFunc should wrap or return
// (via errors.Is) to signal a provider-side 429 and trigger backoff.
var ErrRateLimited = errors.New("model: rate limited by provider")

// Wait blocks until tokens worth of budget is available or ctx is done.
func (l *AdaptiveLimiter) Wait(ctx context.Context, tokens int) error {
	if tokens <= 0 {
		tokens = 1
	}
	return l.limiter.WaitN(ctx, tokens)
}

// Observe adjusts the effective budget based on the outcome of a call:
// a nil error probes upward, ErrRateLimited backs off by half.
func (l *AdaptiveLimiter) Observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if errors.Is(err, ErrRateLimited) {
		l.backoff()
	}
}

func (l *AdaptiveLimiter) backoff() {
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

func (l *AdaptiveLimiter) probe() {
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

// CurrentTPM reports the limiter's current effective tokens-per-minute
// ceiling, for diagnostics/metrics.
func (l *AdaptiveLimiter) CurrentTPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

// estimateTokens is a cheap heuristic token-count estimate for a request
// message, used to size the Wait() call against the bucket.
func estimateTokens(userMessage string) int {
	charCount := len(userMessage)
	if charCount <= 0 {
		return 500
	}
	tokens := charCount / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}
