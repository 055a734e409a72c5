package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warelay/warelay/pkg/types/messaging"
)

func msg(id, user, content string) messaging.Message {
	return messaging.Message{MessageID: id, UserID: user, Content: content, ReceivedAt: time.Unix(0, 0)}
}

func TestMemoryStore_StoreRetrieveRemove(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Store(ctx, "alice", msg("m1", "alice", "a")))
	require.NoError(t, s.Store(ctx, "alice", msg("m2", "alice", "b")))
	require.NoError(t, s.Store(ctx, "bob", msg("m3", "bob", "c")))

	got, err := s.Retrieve(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m1", got[0].MessageID)
	assert.Equal(t, "m2", got[1].MessageID)

	// Snapshot is a copy: mutating it must not affect the store.
	got[0].Content = "mutated"
	again, err := s.Retrieve(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "a", again[0].Content)

	require.NoError(t, s.Remove(ctx, "alice"))
	empty, err := s.Retrieve(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, empty)

	// Other users are untouched.
	bobs, err := s.Retrieve(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, bobs, 1)
}

func TestMemoryStore_ProcessedSetBasics(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ok, err := s.HasProcessed(ctx, "alice", "m1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.MarkProcessed(ctx, "alice", "m1"))
	require.NoError(t, s.MarkProcessed(ctx, "alice", "m1"), "marking twice is idempotent")

	ok, err = s.HasProcessed(ctx, "alice", "m1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Per-user isolation.
	ok, err = s.HasProcessed(ctx, "bob", "m1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_ProcessedSetEvictsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(WithMaxProcessedIDs(3))

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.MarkProcessed(ctx, "alice", fmt.Sprintf("m%d", i)))
	}
	// Re-marking m1 keeps its insertion position, it is still the oldest.
	require.NoError(t, s.MarkProcessed(ctx, "alice", "m1"))
	require.NoError(t, s.MarkProcessed(ctx, "alice", "m4"))

	ok, _ := s.HasProcessed(ctx, "alice", "m1")
	assert.False(t, ok, "oldest inserted id must be evicted")
	for _, id := range []string{"m2", "m3", "m4"} {
		ok, _ := s.HasProcessed(ctx, "alice", id)
		assert.True(t, ok, id)
	}
	assert.Equal(t, 3, s.processed["alice"].len())
}

func TestMemoryStore_PendingUsers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Store(ctx, "alice", msg("m1", "alice", "a")))
	require.NoError(t, s.Store(ctx, "bob", msg("m2", "bob", "b")))
	require.NoError(t, s.Remove(ctx, "bob"))

	users, err := s.PendingUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, users)
}

func TestMemoryStore_ConcurrentMarkProcessed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("m%d", i)
				require.NoError(t, s.MarkProcessed(ctx, "alice", id))
				ok, err := s.HasProcessed(ctx, "alice", id)
				require.NoError(t, err)
				require.True(t, ok)
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 200, s.processed["alice"].len())
}
