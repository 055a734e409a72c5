package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/warelay/warelay/pkg/clock"
)

// Registry hands out one HybridLimiter per user, created lazily on first
// use and cached. Eviction of long-idle entries keeps memory proportional
// to recently active users.
type Registry struct {
	clk   clock.Clock
	cfg   Config
	users sync.Map // userID -> *userLimiter
	count atomic.Int64
}

type userLimiter struct {
	*HybridLimiter
	lastUsed atomic.Int64 // unix nanos
}

// NewRegistry builds an empty registry; cfg must already be validated.
func NewRegistry(clk clock.Clock, cfg Config) *Registry {
	return &Registry{clk: clk, cfg: cfg}
}

// For returns userID's limiter, creating it on first use.
func (r *Registry) For(userID string) *HybridLimiter {
	now := r.clk.Now().UnixNano()
	if v, ok := r.users.Load(userID); ok {
		ul := v.(*userLimiter)
		ul.lastUsed.Store(now)
		return ul.HybridLimiter
	}
	fresh := &userLimiter{HybridLimiter: NewHybridLimiter(r.clk, r.cfg)}
	fresh.lastUsed.Store(now)
	v, loaded := r.users.LoadOrStore(userID, fresh)
	if !loaded {
		r.count.Add(1)
	}
	ul := v.(*userLimiter)
	ul.lastUsed.Store(now)
	return ul.HybridLimiter
}

// EvictIdle drops limiters unused for longer than olderThan and reports how
// many were dropped. An acquire racing an eviction recreates the limiter
// full, which only matters after the user has been idle that long anyway.
func (r *Registry) EvictIdle(olderThan time.Duration) int {
	cutoff := r.clk.Now().Add(-olderThan).UnixNano()
	evicted := 0
	r.users.Range(func(key, value any) bool {
		ul := value.(*userLimiter)
		if ul.lastUsed.Load() < cutoff {
			r.users.Delete(key)
			r.count.Add(-1)
			evicted++
		}
		return true
	})
	return evicted
}

// Len reports how many user limiters are live.
func (r *Registry) Len() int {
	return int(r.count.Load())
}
