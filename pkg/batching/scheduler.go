package batching

import (
	"container/heap"
	"sync"
	"time"

	"github.com/warelay/warelay/pkg/clock"
)

// Handle identifies one scheduled callback. The zero Handle is never
// issued, so callers can use it as "nothing armed".
type Handle uint64

// Callback runs on the scheduler goroutine when its deadline passes. It
// receives the clock's current time and must not block: drain callbacks
// hand batch processing off to worker goroutines.
type Callback func(now time.Time)

// Scheduler drives every silence and timeout timer in the pipeline from a
// single goroutine and one min-heap, replacing a per-buffer timer with a
// central table keyed by handle. Schedule, Reschedule, and Cancel are
// O(log n). Cancel cannot stop a callback already collected for execution;
// it reports false and the callback still runs, so callers detect
// staleness themselves, the way the service's epoch check does.
type Scheduler struct {
	clk clock.Clock

	mu      sync.Mutex
	tasks   taskHeap
	entries map[Handle]*task
	nextID  Handle
	stopped bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

type task struct {
	handle   Handle
	deadline time.Time
	fn       Callback
	index    int
}

// NewScheduler builds the scheduler; Start must be called before any
// callback can fire.
func NewScheduler(clk clock.Clock) *Scheduler {
	return &Scheduler{
		clk:     clk,
		entries: make(map[Handle]*task),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the run loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop cancels every pending callback and terminates the run loop. It
// returns after the loop has exited; callbacks already executing complete
// first.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.stopped = true
	s.tasks = nil
	s.entries = make(map[Handle]*task)
	s.mu.Unlock()
	close(s.quit)
	<-s.done
}

// Schedule arms fn to run d from now and returns its handle. A
// non-positive d fires on the next loop iteration.
func (s *Scheduler) Schedule(d time.Duration, fn Callback) Handle {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return 0
	}
	s.nextID++
	t := &task{handle: s.nextID, deadline: s.clk.Now().Add(d), fn: fn}
	heap.Push(&s.tasks, t)
	s.entries[t.handle] = t
	s.mu.Unlock()
	s.signal()
	return t.handle
}

// Reschedule moves an armed callback to d from now, reporting false when
// the handle has already fired or been cancelled.
func (s *Scheduler) Reschedule(h Handle, d time.Duration) bool {
	s.mu.Lock()
	t, ok := s.entries[h]
	if !ok {
		s.mu.Unlock()
		return false
	}
	t.deadline = s.clk.Now().Add(d)
	heap.Fix(&s.tasks, t.index)
	s.mu.Unlock()
	s.signal()
	return true
}

// Cancel disarms a pending callback, reporting whether it was still armed.
func (s *Scheduler) Cancel(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.entries[h]
	if !ok {
		return false
	}
	heap.Remove(&s.tasks, t.index)
	delete(s.entries, h)
	return true
}

// Len reports how many callbacks are armed.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer close(s.done)
	for {
		due, wait := s.collectDue()
		for _, t := range due {
			t.fn(s.clk.Now())
		}
		if len(due) > 0 {
			// Callbacks may have armed or moved tasks; recompute before
			// sleeping.
			continue
		}

		if wait < 0 {
			select {
			case <-s.wake:
			case <-s.quit:
				return
			}
			continue
		}

		timer := s.clk.NewTimer(wait)
		select {
		case <-timer.C():
		case <-s.wake:
			timer.Stop()
		case <-s.quit:
			timer.Stop()
			return
		}
	}
}

// collectDue pops every task whose deadline has passed and reports how long
// until the next one, or -1 when the heap is empty.
func (s *Scheduler) collectDue() ([]*task, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	var due []*task
	for s.tasks.Len() > 0 {
		next := s.tasks[0]
		if next.deadline.After(now) {
			return due, next.deadline.Sub(now)
		}
		heap.Pop(&s.tasks)
		delete(s.entries, next.handle)
		due = append(due, next)
	}
	return due, -1
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
