// Package ratelimit implements the per-user admission control for the
// batching pipeline: a token bucket for smooth throughput with burst
// headroom, a sliding window as a hard anti-flood ceiling, and the hybrid
// limiter that requires both to admit a message.
package ratelimit

import (
	"golang.org/x/time/rate"

	"github.com/warelay/warelay/pkg/clock"
)

// TokenBucket admits up to tokensPerMinute messages in steady state with
// bursts up to the bucket capacity. It wraps golang.org/x/time/rate with an
// injected clock so lazy refill is observable in tests.
type TokenBucket struct {
	clk clock.Clock
	lim *rate.Limiter
}

// NewTokenBucket builds a bucket that starts full.
func NewTokenBucket(clk clock.Clock, tokensPerMinute, capacity int) *TokenBucket {
	return &TokenBucket{
		clk: clk,
		lim: rate.NewLimiter(rate.Limit(float64(tokensPerMinute)/60.0), capacity),
	}
}

// TryConsume takes one token if available. rate.Limiter serialises the
// refill-and-take internally, so concurrent callers are safe.
func (b *TokenBucket) TryConsume() bool {
	return b.lim.AllowN(b.clk.Now(), 1)
}
