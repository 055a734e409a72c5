package ratelimit

import (
	"sync"
	"time"

	"github.com/warelay/warelay/pkg/clock"
)

// SlidingWindow caps admissions over a rolling interval. Timestamps are
// kept in arrival order so expiry is a prefix removal; rejected calls do
// not record a timestamp.
type SlidingWindow struct {
	mu          sync.Mutex
	clk         clock.Clock
	window      time.Duration
	maxInWindow int
	stamps      []time.Time
}

// NewSlidingWindow builds a window admitting at most maxInWindow events per
// rolling window.
func NewSlidingWindow(clk clock.Clock, window time.Duration, maxInWindow int) *SlidingWindow {
	return &SlidingWindow{clk: clk, window: window, maxInWindow: maxInWindow}
}

// TryRecord admits and records the current instant, or rejects without
// recording when the window is full.
func (w *SlidingWindow) TryRecord() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clk.Now()
	cutoff := now.Add(-w.window)
	expired := 0
	for expired < len(w.stamps) && w.stamps[expired].Before(cutoff) {
		expired++
	}
	if expired > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[expired:]...)
	}
	if len(w.stamps) >= w.maxInWindow {
		return false
	}
	w.stamps = append(w.stamps, now)
	return true
}

// InWindow reports the current admission count, after expiry.
func (w *SlidingWindow) InWindow() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := w.clk.Now().Add(-w.window)
	n := 0
	for _, ts := range w.stamps {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}
