package clock

import (
	"sync"
	"time"
)

// Fake is a manually advanced Clock for tests. Waiters registered via After
// or NewTimer fire when Advance moves the clock past their deadline, in
// deadline order. A non-positive duration fires immediately.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewFake returns a Fake clock frozen at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addWaiter(d).ch
}

func (f *Fake) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &fakeTimer{f: f, w: f.addWaiter(d)}
}

// Advance moves the clock forward by d, firing due waiters in deadline
// order. The clock rests at each fired deadline so callbacks that read Now
// observe the time they were scheduled for.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	target := f.now.Add(d)
	for {
		w := f.earliestDue(target)
		if w == nil {
			break
		}
		if w.deadline.After(f.now) {
			f.now = w.deadline
		}
		f.removeWaiter(w)
		fire(w.ch, f.now)
	}
	f.now = target
}

// PendingWaiters reports how many timers are armed. Handy when a test needs
// to confirm a timer exists before advancing.
func (f *Fake) PendingWaiters() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

// addWaiter registers a waiter; callers must hold f.mu.
func (f *Fake) addWaiter(d time.Duration) *fakeWaiter {
	w := &fakeWaiter{deadline: f.now.Add(d), ch: make(chan time.Time, 1)}
	if d <= 0 {
		fire(w.ch, f.now)
		return w
	}
	f.waiters = append(f.waiters, w)
	return w
}

func (f *Fake) earliestDue(limit time.Time) *fakeWaiter {
	var earliest *fakeWaiter
	for _, w := range f.waiters {
		if w.deadline.After(limit) {
			continue
		}
		if earliest == nil || w.deadline.Before(earliest.deadline) {
			earliest = w
		}
	}
	return earliest
}

func (f *Fake) removeWaiter(target *fakeWaiter) bool {
	for i, w := range f.waiters {
		if w == target {
			f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// fire delivers without blocking, matching time.Timer's drop-on-full
// behaviour for an undrained channel.
func fire(ch chan time.Time, t time.Time) {
	select {
	case ch <- t:
	default:
	}
}

type fakeTimer struct {
	f *Fake
	w *fakeWaiter
}

func (t *fakeTimer) C() <-chan time.Time {
	return t.w.ch
}

func (t *fakeTimer) Stop() bool {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	return t.f.removeWaiter(t.w)
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	active := t.f.removeWaiter(t.w)
	t.w.deadline = t.f.now.Add(d)
	if d <= 0 {
		fire(t.w.ch, t.f.now)
	} else {
		t.f.waiters = append(t.f.waiters, t.w)
	}
	return active
}
