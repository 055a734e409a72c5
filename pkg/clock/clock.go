// Package clock provides an injectable time source. Production code uses the
// system clock; tests substitute a manually advanced fake so batching timers
// and limiter refill can be driven deterministically.
package clock

import "time"

// Clock is the time source used throughout the pipeline.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTimer(d time.Duration) Timer
}

// Timer mirrors time.Timer behind an interface so a fake clock can control
// when it fires.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// System is the real clock backed by the time package.
type System struct{}

// NewSystem returns the production clock.
func NewSystem() *System {
	return &System{}
}

func (*System) Now() time.Time {
	return time.Now()
}

func (*System) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (*System) NewTimer(d time.Duration) Timer {
	return &systemTimer{t: time.NewTimer(d)}
}

type systemTimer struct {
	t *time.Timer
}

func (s *systemTimer) C() <-chan time.Time {
	return s.t.C
}

func (s *systemTimer) Stop() bool {
	return s.t.Stop()
}

func (s *systemTimer) Reset(d time.Duration) bool {
	return s.t.Reset(d)
}
