// Package hooks runs ordered interceptors around batch processing. Pre
// hooks run before the processor; post hooks run only after a successful
// processor attempt. A hook halts the chain cooperatively by returning an
// *AbortError, which drops the batch without retries; any other error is
// treated as a normal processing failure and goes through the retry
// machinery.
package hooks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/warelay/warelay/pkg/logger"
	"github.com/warelay/warelay/pkg/types/messaging"
)

// Context carries one batch attempt through the pre → process → post chain.
// Batch is a snapshot: hooks must not mutate it. Metadata is shared across
// the chain and re-used across retries of the same batch; access to it is
// safe from concurrent goroutines a hook may spawn. IsRetry and RetryCount
// are updated by the pipeline between attempts.
type Context struct {
	UserID         string
	Batch          []messaging.Message
	BatchStartedAt time.Time
	IsRetry        bool
	RetryCount     int

	mu       sync.RWMutex
	metadata map[string]any
}

// NewContext builds the attempt context for one batch.
func NewContext(userID string, batch []messaging.Message, startedAt time.Time) *Context {
	return &Context{
		UserID:         userID,
		Batch:          batch,
		BatchStartedAt: startedAt,
		metadata:       make(map[string]any),
	}
}

// SetMetadata stores a value shared with later hooks and retries.
func (c *Context) SetMetadata(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

// Metadata reads a value stored by an earlier hook or attempt.
func (c *Context) Metadata(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.metadata[key]
	return v, ok
}

// MetadataSnapshot copies the metadata map, for logging.
func (c *Context) MetadataSnapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.metadata))
	for k, v := range c.metadata {
		out[k] = v
	}
	return out
}

// AbortError is the cooperative halt signal. The batch is dropped, not
// retried, and not routed to the dead letter handler.
type AbortError struct {
	Reason string
	Code   string
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("hook abort (%s): %s", e.Code, e.Reason)
}

// Abort builds an AbortError.
func Abort(code, reason string) *AbortError {
	return &AbortError{Code: code, Reason: reason}
}

// IsAbort unwraps err looking for a hook abort.
func IsAbort(err error) (*AbortError, bool) {
	var ae *AbortError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// PreHook runs before the processor on every attempt.
type PreHook interface {
	Name() string
	BeforeProcess(ctx context.Context, hctx *Context) error
}

// PostHook runs after a successful processor attempt. It does not run when
// the processor fails.
type PostHook interface {
	Name() string
	AfterProcess(ctx context.Context, hctx *Context) error
}

// PreHookFunc adapts a function into a named PreHook.
func PreHookFunc(name string, fn func(ctx context.Context, hctx *Context) error) PreHook {
	return &preHookFunc{name: name, fn: fn}
}

type preHookFunc struct {
	name string
	fn   func(ctx context.Context, hctx *Context) error
}

func (h *preHookFunc) Name() string { return h.name }

func (h *preHookFunc) BeforeProcess(ctx context.Context, hctx *Context) error {
	return h.fn(ctx, hctx)
}

// PostHookFunc adapts a function into a named PostHook.
func PostHookFunc(name string, fn func(ctx context.Context, hctx *Context) error) PostHook {
	return &postHookFunc{name: name, fn: fn}
}

type postHookFunc struct {
	name string
	fn   func(ctx context.Context, hctx *Context) error
}

func (h *postHookFunc) Name() string { return h.name }

func (h *postHookFunc) AfterProcess(ctx context.Context, hctx *Context) error {
	return h.fn(ctx, hctx)
}

// Chain holds the registered hooks in execution order.
type Chain struct {
	pre  []PreHook
	post []PostHook
}

// NewChain builds an empty chain; running an empty chain is a no-op.
func NewChain() *Chain {
	return &Chain{}
}

// AddPre appends pre hooks, preserving registration order.
func (c *Chain) AddPre(hooks ...PreHook) *Chain {
	c.pre = append(c.pre, hooks...)
	return c
}

// AddPost appends post hooks, preserving registration order.
func (c *Chain) AddPost(hooks ...PostHook) *Chain {
	c.post = append(c.post, hooks...)
	return c
}

// RunPre executes the pre hooks in order, stopping at the first error.
func (c *Chain) RunPre(ctx context.Context, hctx *Context) error {
	for _, h := range c.pre {
		if err := h.BeforeProcess(ctx, hctx); err != nil {
			if ae, ok := IsAbort(err); ok {
				logger.G(ctx).WithFields(map[string]any{
					"hook":   h.Name(),
					"code":   ae.Code,
					"reason": ae.Reason,
				}).Info("pre hook aborted batch")
				return err
			}
			return errors.Wrapf(err, "pre hook %s", h.Name())
		}
	}
	return nil
}

// RunPost executes the post hooks in order, stopping at the first error.
func (c *Chain) RunPost(ctx context.Context, hctx *Context) error {
	for _, h := range c.post {
		if err := h.AfterProcess(ctx, hctx); err != nil {
			if ae, ok := IsAbort(err); ok {
				logger.G(ctx).WithFields(map[string]any{
					"hook":   h.Name(),
					"code":   ae.Code,
					"reason": ae.Reason,
				}).Info("post hook aborted batch")
				return err
			}
			return errors.Wrapf(err, "post hook %s", h.Name())
		}
	}
	return nil
}
