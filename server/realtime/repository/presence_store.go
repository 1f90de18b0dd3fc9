package repository

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	commonlog "civic_realtime/server/common/log"
	"civic_realtime/server/realtime/domain"
)

const presenceKeyPrefix = "presence:"

// PresenceStore keeps each channel's aggregate in a Redis hash of
// node/user_id -> PresenceRecord JSON. The hash expires when no node refreshes it.
type PresenceStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewPresenceStore(client *redis.Client, ttl time.Duration) *PresenceStore {
	return &PresenceStore{client: client, ttl: ttl}
}

func presenceKey(channel string) string {
	return presenceKeyPrefix + channel
}

func (s *PresenceStore) Put(ctx context.Context, channel string, rec domain.PresenceRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := presenceKey(channel)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, rec.Key(), raw)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *PresenceStore) Remove(ctx context.Context, channel, field string) error {
	return s.client.HDel(ctx, presenceKey(channel), field).Err()
}

func (s *PresenceStore) All(ctx context.Context, channel string) (map[string]domain.PresenceRecord, error) {
	raw, err := s.client.HGetAll(ctx, presenceKey(channel)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.PresenceRecord, len(raw))
	for field, value := range raw {
		var rec domain.PresenceRecord
		if err := json.Unmarshal([]byte(value), &rec); err != nil {
			commonlog.Debugf("event=presence_store action=decode status=failed channel=%s field=%s error=%v", channel, field, err)
			continue
		}
		if rec.UserID == "" {
			rec.UserID = field[strings.LastIndex(field, "/")+1:]
		}
		out[field] = rec
	}
	return out, nil
}
