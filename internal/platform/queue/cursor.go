package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisCursor remembers the last patient id a bulk reconcile finished, so an
// interrupted run can resume after it.
type RedisCursor struct {
	client *redis.Client
	key    string
}

func NewRedisCursor(client *redis.Client, key string) *RedisCursor {
	return &RedisCursor{client: client, key: key}
}

// Get returns the stored position, or uuid.Nil when none is stored.
func (c *RedisCursor) Get(ctx context.Context) (uuid.UUID, error) {
	v, err := c.client.Get(ctx, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("read cursor: %w", err)
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse cursor %q: %w", v, err)
	}
	return id, nil
}

func (c *RedisCursor) Set(ctx context.Context, id uuid.UUID) error {
	if err := c.client.Set(ctx, c.key, id.String(), 0).Err(); err != nil {
		return fmt.Errorf("write cursor: %w", err)
	}
	return nil
}

func (c *RedisCursor) Clear(ctx context.Context) error {
	if err := c.client.Del(ctx, c.key).Err(); err != nil {
		return fmt.Errorf("clear cursor: %w", err)
	}
	return nil
}

// NewClient connects to the Redis server at url, for example
// redis://localhost:6379/0.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
