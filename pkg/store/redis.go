package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/warelay/warelay/pkg/types/messaging"
)

const (
	redisPendingPrefix   = "warelay:pending:"
	redisProcessedPrefix = "warelay:processed:"
)

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisMaxProcessedIDs overrides the per-user processed-ID capacity.
func WithRedisMaxProcessedIDs(n int) RedisOption {
	return func(s *RedisStore) {
		if n > 0 {
			s.maxProcessed = n
		}
	}
}

// WithRedisTTL expires per-user keys after d of inactivity. Zero keeps them
// indefinitely.
func WithRedisTTL(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = d
	}
}

// RedisStore is a MessageStore on Redis, for deployments where several
// gateway replicas share dedup state. Pending messages live in per-user
// lists; processed IDs in per-user sorted sets scored by insertion sequence
// so trimming follows insertion order.
type RedisStore struct {
	client       *redis.Client
	maxProcessed int
	ttl          time.Duration
}

// NewRedisStore connects and verifies the server is reachable.
func NewRedisStore(ctx context.Context, opt *redis.Options, opts ...RedisOption) (*RedisStore, error) {
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "failed to ping redis")
	}
	s := &RedisStore{client: client, maxProcessed: DefaultMaxProcessedIDs}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *RedisStore) Store(ctx context.Context, userID string, msg messaging.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "failed to encode message")
	}
	key := redisPendingPrefix + userID
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, payload)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "failed to store pending message")
}

func (s *RedisStore) Retrieve(ctx context.Context, userID string) ([]messaging.Message, error) {
	raw, err := s.client.LRange(ctx, redisPendingPrefix+userID, 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read pending messages")
	}
	msgs := make([]messaging.Message, 0, len(raw))
	for _, item := range raw {
		var msg messaging.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, errors.Wrap(err, "failed to decode pending message")
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (s *RedisStore) Remove(ctx context.Context, userID string) error {
	err := s.client.Del(ctx, redisPendingPrefix+userID).Err()
	return errors.Wrap(err, "failed to remove pending messages")
}

func (s *RedisStore) HasProcessed(ctx context.Context, userID, messageID string) (bool, error) {
	err := s.client.ZScore(ctx, redisProcessedPrefix+userID, messageID).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to query processed id")
	}
	return true, nil
}

func (s *RedisStore) MarkProcessed(ctx context.Context, userID, messageID string) error {
	key := redisProcessedPrefix + userID
	pipe := s.client.TxPipeline()
	// NX keeps the original insertion score, making re-marks idempotent.
	pipe.ZAddNX(ctx, key, redis.Z{Score: float64(time.Now().UnixNano()), Member: messageID})
	pipe.ZRemRangeByRank(ctx, key, 0, int64(-(s.maxProcessed + 1)))
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "failed to mark message processed")
}

func (s *RedisStore) PendingUsers(ctx context.Context) ([]string, error) {
	var (
		users  []string
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, redisPendingPrefix+"*", 100).Result()
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan pending keys")
		}
		for _, key := range keys {
			users = append(users, key[len(redisPendingPrefix):])
		}
		if next == 0 {
			return users, nil
		}
		cursor = next
	}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
