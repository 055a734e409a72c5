package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/warelay/warelay/pkg/types/messaging"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pending_messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	message_id TEXT NOT NULL,
	content TEXT NOT NULL,
	received_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_messages_user ON pending_messages(user_id);

CREATE TABLE IF NOT EXISTS processed_ids (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	message_id TEXT NOT NULL,
	inserted_at INTEGER NOT NULL,
	UNIQUE(user_id, message_id)
);
CREATE INDEX IF NOT EXISTS idx_processed_ids_user ON processed_ids(user_id);
`

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithSQLiteMaxProcessedIDs overrides the per-user processed-ID capacity.
func WithSQLiteMaxProcessedIDs(n int) SQLiteOption {
	return func(s *SQLiteStore) {
		if n > 0 {
			s.maxProcessed = n
		}
	}
}

// SQLiteStore is a durable MessageStore on a single SQLite file. Buffered
// messages survive restarts and feed the recovery path via PendingUsers.
type SQLiteStore struct {
	db           *sqlx.DB
	maxProcessed int
}

// NewSQLiteStore opens (creating if needed) the database at path and
// bootstraps the schema. WAL mode is required; startup fails without it.
func NewSQLiteStore(ctx context.Context, path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create database directory")
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}
	if err := configureSQLite(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to bootstrap schema")
	}

	s := &SQLiteStore{db: db, maxProcessed: DefaultMaxProcessedIDs}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func configureSQLite(ctx context.Context, db *sqlx.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=1000",
		"PRAGMA temp_store=memory",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return errors.Wrapf(err, "failed to execute pragma: %s", pragma)
		}
	}
	db.SetMaxIdleConns(1)
	db.SetMaxOpenConns(1)

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return errors.Wrap(err, "failed to query journal mode")
	}
	if strings.ToLower(journalMode) != "wal" {
		return errors.Errorf("WAL mode not enabled, current mode: %s", journalMode)
	}
	return nil
}

func (s *SQLiteStore) Store(ctx context.Context, userID string, msg messaging.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_messages (user_id, message_id, content, received_at) VALUES (?, ?, ?, ?)`,
		userID, msg.MessageID, msg.Content, msg.ReceivedAt.UnixMilli(),
	)
	return errors.Wrap(err, "failed to store pending message")
}

func (s *SQLiteStore) Retrieve(ctx context.Context, userID string) ([]messaging.Message, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT message_id, content, received_at FROM pending_messages WHERE user_id = ? ORDER BY seq`,
		userID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query pending messages")
	}
	defer rows.Close()

	var msgs []messaging.Message
	for rows.Next() {
		var (
			messageID  string
			content    string
			receivedAt int64
		)
		if err := rows.Scan(&messageID, &content, &receivedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan pending message")
		}
		msgs = append(msgs, messaging.Message{
			MessageID:  messageID,
			UserID:     userID,
			Content:    content,
			ReceivedAt: time.UnixMilli(receivedAt),
		})
	}
	return msgs, errors.Wrap(rows.Err(), "failed to iterate pending messages")
}

func (s *SQLiteStore) Remove(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_messages WHERE user_id = ?`, userID)
	return errors.Wrap(err, "failed to remove pending messages")
}

func (s *SQLiteStore) HasProcessed(ctx context.Context, userID, messageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM processed_ids WHERE user_id = ? AND message_id = ?`,
		userID, messageID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to query processed id")
	}
	return true, nil
}

func (s *SQLiteStore) MarkProcessed(ctx context.Context, userID, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_ids (user_id, message_id, inserted_at) VALUES (?, ?, ?)`,
		userID, messageID, time.Now().UnixMilli(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to mark message processed")
	}
	// Evict oldest entries beyond the per-user capacity, insertion order.
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM processed_ids WHERE user_id = ? AND seq NOT IN (
			SELECT seq FROM processed_ids WHERE user_id = ? ORDER BY seq DESC LIMIT ?
		)`,
		userID, userID, s.maxProcessed,
	)
	return errors.Wrap(err, "failed to trim processed ids")
}

func (s *SQLiteStore) PendingUsers(ctx context.Context) ([]string, error) {
	var users []string
	err := s.db.SelectContext(ctx, &users, `SELECT DISTINCT user_id FROM pending_messages`)
	return users, errors.Wrap(err, "failed to list pending users")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
