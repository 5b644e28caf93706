package biz

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryPolicy computes exponential backoff with full jitter.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	mu   sync.Mutex
	rand func() float64
}

// NewRetryPolicy creates a policy seeded from the wall clock.
func NewRetryPolicy(maxRetries int, base, maxDelay time.Duration) *RetryPolicy {
	r := rand.New(rand.NewSource(time.Now().UnixNano())) // #nosec G404 -- jitter only
	return &RetryPolicy{MaxRetries: maxRetries, BaseDelay: base, MaxDelay: maxDelay, rand: r.Float64}
}

// Ceiling is base * 2^attempt capped at MaxDelay.
func (p *RetryPolicy) Ceiling(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Delay returns a uniformly random delay in [0, Ceiling(attempt)].
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	p.mu.Lock()
	f := p.rand()
	p.mu.Unlock()
	return time.Duration(f * float64(p.Ceiling(attempt)))
}
