package ratelimit

import (
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/warelay/warelay/pkg/clock"
)

// Config holds the per-user limiter parameters. All values apply to every
// user; limiters are created lazily per user from one Config.
type Config struct {
	TokensPerMinute int           `mapstructure:"tokens_per_minute" yaml:"tokens_per_minute"`
	BucketCapacity  int           `mapstructure:"bucket_capacity" yaml:"bucket_capacity"`
	MaxInWindow     int           `mapstructure:"max_messages_in_window" yaml:"max_messages_in_window"`
	Window          time.Duration `mapstructure:"sliding_window" yaml:"sliding_window"`
}

// DefaultConfig returns the stock limiter parameters.
func DefaultConfig() Config {
	return Config{
		TokensPerMinute: 20,
		BucketCapacity:  10,
		MaxInWindow:     15,
		Window:          30 * time.Second,
	}
}

// Validate rejects non-positive parameters.
func (c Config) Validate() error {
	var result *multierror.Error
	if c.TokensPerMinute <= 0 {
		result = multierror.Append(result, errors.Errorf("tokens_per_minute must be positive, got %d", c.TokensPerMinute))
	}
	if c.BucketCapacity <= 0 {
		result = multierror.Append(result, errors.Errorf("bucket_capacity must be positive, got %d", c.BucketCapacity))
	}
	if c.MaxInWindow <= 0 {
		result = multierror.Append(result, errors.Errorf("max_messages_in_window must be positive, got %d", c.MaxInWindow))
	}
	if c.Window <= 0 {
		result = multierror.Append(result, errors.Errorf("sliding_window must be positive, got %s", c.Window))
	}
	return result.ErrorOrNil()
}

// HybridLimiter admits a message only when both the token bucket and the
// sliding window admit it. Both components commit their effect on every
// call regardless of the other's answer: a window rejection still consumes
// a token, and a bucket rejection still records a window slot. Each is an
// independent ceiling, so a flood is limited by whichever trips first.
type HybridLimiter struct {
	bucket *TokenBucket
	window *SlidingWindow
}

// NewHybridLimiter builds one user's limiter from cfg.
func NewHybridLimiter(clk clock.Clock, cfg Config) *HybridLimiter {
	return &HybridLimiter{
		bucket: NewTokenBucket(clk, cfg.TokensPerMinute, cfg.BucketCapacity),
		window: NewSlidingWindow(clk, cfg.Window, cfg.MaxInWindow),
	}
}

// TryAcquire evaluates both components unconditionally and admits only on
// joint success.
func (l *HybridLimiter) TryAcquire() bool {
	bucketOK := l.bucket.TryConsume()
	windowOK := l.window.TryRecord()
	return bucketOK && windowOK
}
