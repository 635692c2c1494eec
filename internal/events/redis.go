package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStreamPublisher appends status events to a capped Redis stream
type RedisStreamPublisher struct {
	rdb    redis.UniversalClient
	stream string
	maxLen int64
}

func NewRedisStreamPublisher(redisURL, stream string) (*RedisStreamPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	return NewRedisStreamPublisherWithClient(redis.NewClient(opts), stream), nil
}

func NewRedisStreamPublisherWithClient(rdb redis.UniversalClient, stream string) *RedisStreamPublisher {
	return &RedisStreamPublisher{
		rdb:    rdb,
		stream: stream,
		maxLen: 10000,
	}
}

func (p *RedisStreamPublisher) Emit(ctx context.Context, event StatusEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	result := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			"post_id":        event.PostID,
			"user_id":        event.UserID,
			"status":         string(event.To),
			"payload":        string(payload),
			"published_at":   time.Now().Unix(),
			"schema_version": SchemaVersionV1,
		},
	})
	if err := result.Err(); err != nil {
		return fmt.Errorf("failed to publish to stream: %w", err)
	}
	return nil
}

func (p *RedisStreamPublisher) Close() error {
	return p.rdb.Close()
}
