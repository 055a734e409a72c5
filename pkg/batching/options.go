// Package batching is the per-user message pipeline: deduplication, hybrid
// rate limiting, adaptive batching on silence/timeout timers, and bounded
// concurrency batch execution with hooks, retries, dead letter routing, and
// backpressure.
package batching

import (
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/warelay/warelay/pkg/ratelimit"
)

// Backpressure selects what Ingest does when a user's buffer is full.
type Backpressure string

const (
	// DropNew silently discards the new message.
	DropNew Backpressure = "drop_new"
	// DropOldest evicts the oldest buffered message to make room; the
	// eviction is logged.
	DropOldest Backpressure = "drop_oldest"
	// FlushAndAccept drains the buffer immediately and enqueues the new
	// message into the fresh cycle.
	FlushAndAccept Backpressure = "flush_and_accept"
	// RejectWithNotify discards the new message and sends the user a
	// best-effort notification through the notifier.
	RejectWithNotify Backpressure = "reject_with_notify"
	// BlockUntilSpace holds the ingest call until room frees up, at most
	// the adaptive timeout, then falls back to DropNew. Webhook handlers
	// time out; prefer the non-blocking strategies.
	BlockUntilSpace Backpressure = "block_until_space"
)

// ParseBackpressure maps a config string onto a strategy.
func ParseBackpressure(s string) (Backpressure, error) {
	switch Backpressure(strings.ToLower(strings.TrimSpace(s))) {
	case DropNew:
		return DropNew, nil
	case DropOldest:
		return DropOldest, nil
	case FlushAndAccept:
		return FlushAndAccept, nil
	case RejectWithNotify:
		return RejectWithNotify, nil
	case BlockUntilSpace:
		return BlockUntilSpace, nil
	default:
		return "", errors.Errorf("unknown backpressure strategy: %q", s)
	}
}

// Pipeline defaults.
const (
	DefaultSilenceThreshold = 2 * time.Second
	DefaultAdaptiveTimeout  = 5 * time.Second
	DefaultMaxBufferSize    = 100
	DefaultMaxRetries       = 3
	DefaultRetryDelay       = time.Second
	DefaultMaxConcurrent    = 32
	DefaultIdleTTL          = 30 * time.Minute

	DefaultUserNotificationMessage = "Sorry, something went wrong while handling your messages. Please try again."
)

// RetryOptions controls what happens when a batch attempt fails.
type RetryOptions struct {
	// MaxRetries is the number of re-invocations after the first attempt.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
	// RetryDelay is the base delay between attempts.
	RetryDelay time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	// ExponentialBackoff doubles the delay after each failed attempt;
	// disabled, every delay equals RetryDelay.
	ExponentialBackoff bool `mapstructure:"exponential_backoff" yaml:"exponential_backoff"`
	// NotifyUserOnFailure sends UserNotificationMessage through the
	// notifier once retries are exhausted.
	NotifyUserOnFailure bool `mapstructure:"notify_user_on_failure" yaml:"notify_user_on_failure"`
	// UserNotificationMessage is the text sent on exhaustion.
	UserNotificationMessage string `mapstructure:"user_notification_message" yaml:"user_notification_message"`
}

// Options configures the batching service.
type Options struct {
	// SilenceThreshold is the quiet period after the newest message that
	// dispatches a batch early. Zero dispatches each message on its own as
	// soon as the scheduler runs.
	SilenceThreshold time.Duration `mapstructure:"silence_threshold" yaml:"silence_threshold"`
	// AdaptiveTimeout bounds the wait from the first message of a batch.
	AdaptiveTimeout time.Duration `mapstructure:"adaptive_timeout" yaml:"adaptive_timeout"`
	// MaxBufferSize caps each user's pending queue.
	MaxBufferSize int `mapstructure:"max_buffer_size" yaml:"max_buffer_size"`
	// Strategy is the buffer-full policy, applied service-wide.
	Strategy Backpressure `mapstructure:"strategy" yaml:"strategy"`
	// RateLimit parameterises the per-user hybrid limiters.
	RateLimit ratelimit.Config `mapstructure:"rate_limit" yaml:"rate_limit"`
	// Retry controls failure handling.
	Retry RetryOptions `mapstructure:"retry" yaml:"retry"`
	// MaxConcurrent bounds batch attempts in flight across all users.
	MaxConcurrent int64 `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	// IdleTTL evicts empty, quiet per-user state after this long. Zero
	// disables eviction. Limiters stick around three times as long so a
	// returning user does not get a fresh burst allowance immediately.
	IdleTTL time.Duration `mapstructure:"idle_ttl" yaml:"idle_ttl"`
}

// DefaultOptions returns a runnable configuration.
func DefaultOptions() Options {
	return Options{
		SilenceThreshold: DefaultSilenceThreshold,
		AdaptiveTimeout:  DefaultAdaptiveTimeout,
		MaxBufferSize:    DefaultMaxBufferSize,
		Strategy:         DropNew,
		RateLimit:        ratelimit.DefaultConfig(),
		Retry: RetryOptions{
			MaxRetries:              DefaultMaxRetries,
			RetryDelay:              DefaultRetryDelay,
			ExponentialBackoff:      true,
			NotifyUserOnFailure:     false,
			UserNotificationMessage: DefaultUserNotificationMessage,
		},
		MaxConcurrent: DefaultMaxConcurrent,
		IdleTTL:       DefaultIdleTTL,
	}
}

// Validate enforces every construction-time constraint; an invalid Options
// is a fatal configuration error at startup.
func (o Options) Validate() error {
	var result *multierror.Error
	if o.AdaptiveTimeout <= 0 {
		result = multierror.Append(result, errors.Errorf("adaptive timeout must be positive, got %s", o.AdaptiveTimeout))
	}
	if o.SilenceThreshold < 0 {
		result = multierror.Append(result, errors.Errorf("silence threshold must not be negative, got %s", o.SilenceThreshold))
	}
	if o.SilenceThreshold > o.AdaptiveTimeout {
		result = multierror.Append(result, errors.Errorf("silence threshold %s exceeds adaptive timeout %s", o.SilenceThreshold, o.AdaptiveTimeout))
	}
	if o.MaxBufferSize <= 0 {
		result = multierror.Append(result, errors.Errorf("max buffer size must be positive, got %d", o.MaxBufferSize))
	}
	if _, err := ParseBackpressure(string(o.Strategy)); err != nil {
		result = multierror.Append(result, err)
	}
	if err := o.RateLimit.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if o.Retry.MaxRetries < 0 {
		result = multierror.Append(result, errors.Errorf("max retries must not be negative, got %d", o.Retry.MaxRetries))
	}
	if o.Retry.RetryDelay < 0 {
		result = multierror.Append(result, errors.Errorf("retry delay must not be negative, got %s", o.Retry.RetryDelay))
	}
	if o.MaxConcurrent <= 0 {
		result = multierror.Append(result, errors.Errorf("max concurrent batches must be positive, got %d", o.MaxConcurrent))
	}
	if o.IdleTTL < 0 {
		result = multierror.Append(result, errors.Errorf("idle ttl must not be negative, got %s", o.IdleTTL))
	}
	return result.ErrorOrNil()
}
