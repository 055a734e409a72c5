package batching

import (
	"sync"
	"time"

	"github.com/warelay/warelay/pkg/types/messaging"
)

// Buffer is one user's bounded FIFO of pending messages. Enqueue, Drain,
// and RemoveOldest exclude each other, and Drain empties the queue in a
// single critical section so no observer sees a partial drain. Timer
// handles live with the service's scheduling state, not here; the buffer
// only tracks the queue and the arrival high-water mark.
type Buffer struct {
	mu            sync.Mutex
	capacity      int
	queue         []messaging.Message
	lastMessageAt time.Time
}

// NewBuffer builds an empty buffer holding at most capacity messages.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{capacity: capacity}
}

// Enqueue appends msg, reporting false when the buffer is at capacity. The
// arrival mark only moves forward, so a delayed webhook with an older
// timestamp cannot rewind the silence window.
func (b *Buffer) Enqueue(msg messaging.Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) >= b.capacity {
		return false
	}
	b.queue = append(b.queue, msg)
	if msg.ReceivedAt.After(b.lastMessageAt) {
		b.lastMessageAt = msg.ReceivedAt
	}
	return true
}

// RemoveOldest pops the head of the queue, for DROP_OLDEST eviction.
func (b *Buffer) RemoveOldest() (messaging.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return messaging.Message{}, false
	}
	oldest := b.queue[0]
	b.queue = append(b.queue[:0], b.queue[1:]...)
	return oldest, true
}

// Drain removes and returns every queued message in enqueue order.
func (b *Buffer) Drain() []messaging.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil
	}
	batch := b.queue
	b.queue = nil
	return batch
}

// Len reports how many messages are queued.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// IsEmpty reports whether the queue is empty.
func (b *Buffer) IsEmpty() bool {
	return b.Len() == 0
}

// LastMessageAt returns the receive time of the newest message ever
// enqueued. It survives a drain: the silence check compares against the
// last arrival, not the current queue contents.
func (b *Buffer) LastMessageAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastMessageAt
}
