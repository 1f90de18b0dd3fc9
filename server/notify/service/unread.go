package service

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

const unreadKeyPrefix = "notifications:unread:"

// UnreadCounter caches per-user unread totals in Redis. Postgres stays the
// source of truth; the counter is resynced from it after bulk changes.
type UnreadCounter struct {
	client *redis.Client
}

func NewUnreadCounter(client *redis.Client) *UnreadCounter {
	return &UnreadCounter{client: client}
}

func unreadKey(userID string) string {
	return unreadKeyPrefix + userID
}

func (c *UnreadCounter) Incr(ctx context.Context, userID string) (int64, error) {
	if c == nil || c.client == nil {
		return 0, errors.New("unread counter is not configured")
	}
	return c.client.Incr(ctx, unreadKey(userID)).Result()
}

func (c *UnreadCounter) Set(ctx context.Context, userID string, n int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Set(ctx, unreadKey(userID), n, 0).Err()
}

// Get returns ok=false when the counter was never written.
func (c *UnreadCounter) Get(ctx context.Context, userID string) (int64, bool, error) {
	if c == nil || c.client == nil {
		return 0, false, nil
	}
	n, err := c.client.Get(ctx, unreadKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}
