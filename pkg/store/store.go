// Package store persists pipeline messages and the per-user record of
// processed webhook IDs used for deduplication. The bundled in-memory store
// backs the default configuration; the SQLite and Redis variants make
// buffered messages survive a restart.
package store

import (
	"context"

	"github.com/warelay/warelay/pkg/types/messaging"
)

// DefaultMaxProcessedIDs bounds the per-user processed-ID set.
const DefaultMaxProcessedIDs = 5000

// MessageStore is the persistence surface the batching pipeline depends on.
//
// Store appends to a user's pending messages, Retrieve returns an ordered
// snapshot, and Remove clears them. HasProcessed and MarkProcessed manage
// the per-user processed-ID set: MarkProcessed is idempotent, both are
// linearisable per (userID, messageID), and the set evicts its oldest entry
// by insertion order once it holds maxProcessedIDs entries. Implementations
// must never leak messages across users.
type MessageStore interface {
	Store(ctx context.Context, userID string, msg messaging.Message) error
	Retrieve(ctx context.Context, userID string) ([]messaging.Message, error)
	Remove(ctx context.Context, userID string) error
	HasProcessed(ctx context.Context, userID, messageID string) (bool, error)
	MarkProcessed(ctx context.Context, userID, messageID string) error
	Close() error
}

// PendingLister is an optional capability of a MessageStore: stores that can
// enumerate users with persisted pending messages allow the batching service
// to recover those messages after a restart.
type PendingLister interface {
	PendingUsers(ctx context.Context) ([]string, error)
}
