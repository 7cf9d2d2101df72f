package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"slackscheduler/internal/constants"
	"slackscheduler/internal/models"

	"github.com/redis/go-redis/v9"
)

// SentCache records delivered scheduled messages in Redis. The entry is written as soon
// as Slack accepts a message, so a crash before the status update can be detected on
// the next fire.
type SentCache struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

type sentValue struct {
	RemoteMessageID string    `json:"remoteMessageId"`
	SentAt          time.Time `json:"sentAt"`
}

func NewSentCache(rdb *redis.Client, ttl time.Duration) *SentCache {
	if ttl <= 0 {
		ttl = time.Duration(constants.DefaultRedisTTLSeconds) * time.Second
	}
	return &SentCache{rdb: rdb, ttl: ttl, now: time.Now}
}

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, cfg models.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

func key(id string) string {
	return constants.SentCacheKeyPrefix + id
}

// MarkSent stores the Slack timestamp of a delivered message.
func (c *SentCache) MarkSent(ctx context.Context, id, remoteMessageID string) error {
	b, err := json.Marshal(sentValue{
		RemoteMessageID: remoteMessageID,
		SentAt:          c.now().UTC(),
	})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key(id), b, c.ttl).Err()
}

// LookupSent returns the Slack timestamp recorded for id, if any.
func (c *SentCache) LookupSent(ctx context.Context, id string) (string, bool, error) {
	raw, err := c.rdb.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	var val sentValue
	if err := json.Unmarshal(raw, &val); err != nil {
		return "", false, fmt.Errorf("corrupt sent cache entry for %s: %w", id, err)
	}
	return val.RemoteMessageID, true, nil
}
