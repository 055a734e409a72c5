package batching

import "sync/atomic"

// Metrics counts pipeline events with atomics. Snapshot values are
// point-in-time estimates read without locks, not a serialisable view.
type Metrics struct {
	activeUsers     atomic.Int64
	pendingMessages atomic.Int64

	ingested     atomic.Int64
	duplicates   atomic.Int64
	rateLimited  atomic.Int64
	dropped      atomic.Int64
	dispatched   atomic.Int64
	succeeded    atomic.Int64
	failed       atomic.Int64
	aborted      atomic.Int64
	retries      atomic.Int64
	deadLettered atomic.Int64
	notified     atomic.Int64
}

// MetricsSnapshot is one read of every counter.
type MetricsSnapshot struct {
	ActiveUsers     int64 `json:"active_users"`
	PendingMessages int64 `json:"pending_messages"`
	Ingested        int64 `json:"ingested"`
	Duplicates      int64 `json:"duplicates"`
	RateLimited     int64 `json:"rate_limited"`
	Dropped         int64 `json:"dropped"`
	Dispatched      int64 `json:"dispatched"`
	Succeeded       int64 `json:"succeeded"`
	Failed          int64 `json:"failed"`
	Aborted         int64 `json:"aborted"`
	Retries         int64 `json:"retries"`
	DeadLettered    int64 `json:"dead_lettered"`
	Notified        int64 `json:"notified"`
}

// Snapshot reads every counter.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		ActiveUsers:     m.activeUsers.Load(),
		PendingMessages: m.pendingMessages.Load(),
		Ingested:        m.ingested.Load(),
		Duplicates:      m.duplicates.Load(),
		RateLimited:     m.rateLimited.Load(),
		Dropped:         m.dropped.Load(),
		Dispatched:      m.dispatched.Load(),
		Succeeded:       m.succeeded.Load(),
		Failed:          m.failed.Load(),
		Aborted:         m.aborted.Load(),
		Retries:         m.retries.Load(),
		DeadLettered:    m.deadLettered.Load(),
		Notified:        m.notified.Load(),
	}
}
