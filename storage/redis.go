package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pagewatch/pkg/watch"

	"github.com/redis/go-redis/v9"
)

// expiryGrace keeps a row readable after its session deadline, so a process
// that was down across the deadline can still report the expiry.
const expiryGrace = 24 * time.Hour

// RedisStore keeps session rows in Redis under "session:<id>" with a TTL
// derived from the session deadline.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
	prefix string
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			return nil, errors.Join(fmt.Errorf("ping redis: %w", err), closeErr)
		}
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewRedisStore creates a Redis-backed session store.
func NewRedisStore(client *redis.Client, logger *slog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		logger: logger,
		prefix: "session:",
	}
}

func (r *RedisStore) key(id string) string {
	return r.prefix + id
}

// Save writes the session row.
func (r *RedisStore) Save(ctx context.Context, s *watch.Session) error {
	if s.ID == "" || s.Owner == "" {
		return errors.New("session: missing id or owner")
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("session: failed to marshal: %w", err)
	}

	ttl := time.Until(s.Deadline()) + expiryGrace
	if ttl <= 0 {
		return r.client.Del(ctx, r.key(s.ID)).Err()
	}

	if err := r.client.Set(ctx, r.key(s.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("session: set: %w", err)
	}
	r.logger.Debug("Session saved to redis", "session_id", s.ID, "ttl", ttl.Round(time.Second).String())
	return nil
}

// Load reads one session row by id.
func (r *RedisStore) Load(ctx context.Context, id string) (*watch.Session, error) {
	val, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: get: %w", err)
	}

	var s watch.Session
	if err := json.Unmarshal(val, &s); err != nil {
		return nil, fmt.Errorf("session: failed to unmarshal: %w", err)
	}
	return &s, nil
}

// Delete removes a session row. Deleting a missing row is not an error.
func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("session: del: %w", err)
	}
	return nil
}

// List returns every stored session row. Rows that vanish or fail to decode
// between the scan and the read are skipped.
func (r *RedisStore) List(ctx context.Context) ([]*watch.Session, error) {
	var rows []*watch.Session

	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		row, err := r.Load(ctx, key[len(r.prefix):])
		if err != nil {
			if !IsNotFound(err) {
				r.logger.Warn("Failed to load session row", "key", key, "error", err)
			}
			continue
		}
		rows = append(rows, row)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("session: scan: %w", err)
	}
	return rows, nil
}
