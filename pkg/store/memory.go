package store

import (
	"container/list"
	"context"
	"sync"

	"github.com/warelay/warelay/pkg/types/messaging"
)

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMaxProcessedIDs overrides the per-user processed-ID capacity.
func WithMaxProcessedIDs(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.maxProcessed = n
		}
	}
}

// MemoryStore is the in-process MessageStore. Pending messages are plain
// per-user slices; processed IDs live in per-user insertion-ordered sets so
// membership tests stay O(1) and eviction follows insertion order.
type MemoryStore struct {
	mu           sync.RWMutex
	pending      map[string][]messaging.Message
	processed    map[string]*processedSet
	maxProcessed int
}

// NewMemoryStore builds an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		pending:      make(map[string][]messaging.Message),
		processed:    make(map[string]*processedSet),
		maxProcessed: DefaultMaxProcessedIDs,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Store(_ context.Context, userID string, msg messaging.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[userID] = append(s.pending[userID], msg)
	return nil
}

// Retrieve returns a copy: callers may hold the snapshot while new messages
// arrive for the same user.
func (s *MemoryStore) Retrieve(_ context.Context, userID string) ([]messaging.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.pending[userID]
	if len(msgs) == 0 {
		return nil, nil
	}
	out := make([]messaging.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemoryStore) Remove(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, userID)
	return nil
}

func (s *MemoryStore) HasProcessed(_ context.Context, userID, messageID string) (bool, error) {
	s.mu.RLock()
	set := s.processed[userID]
	s.mu.RUnlock()
	if set == nil {
		return false, nil
	}
	return set.contains(messageID), nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, userID, messageID string) error {
	s.mu.Lock()
	set := s.processed[userID]
	if set == nil {
		set = newProcessedSet(s.maxProcessed)
		s.processed[userID] = set
	}
	s.mu.Unlock()
	set.add(messageID)
	return nil
}

// PendingUsers lists users with at least one stored pending message.
func (s *MemoryStore) PendingUsers(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]string, 0, len(s.pending))
	for userID, msgs := range s.pending {
		if len(msgs) > 0 {
			users = append(users, userID)
		}
	}
	return users, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// processedSet is a bounded insertion-ordered set. Its own mutex keeps
// HasProcessed/MarkProcessed linearisable per user without cross-user
// contention.
type processedSet struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

func newProcessedSet(capacity int) *processedSet {
	return &processedSet{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

func (p *processedSet) contains(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.index[id]
	return ok
}

// add is idempotent: re-adding an existing ID keeps its insertion position.
func (p *processedSet) add(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.index[id]; ok {
		return
	}
	p.index[id] = p.order.PushBack(id)
	if p.order.Len() > p.capacity {
		oldest := p.order.Front()
		p.order.Remove(oldest)
		delete(p.index, oldest.Value.(string))
	}
}

func (p *processedSet) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.order.Len()
}
