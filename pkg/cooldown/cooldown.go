// Package cooldown keeps provider rate-limit deadlines in Redis so every
// stateless tick sees them.
package cooldown

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to url (redis://...) and pings it.
func NewRedis(ctx context.Context, url, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if prefix == "" {
		prefix = "mailscan"
	}
	return &Redis{client: client, prefix: prefix}, nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(id string) string {
	return r.prefix + ":cooldown:" + id
}

// Block stores until for id. The key expires with the deadline; an
// existing later deadline is kept.
func (r *Redis) Block(ctx context.Context, id string, until, now time.Time) error {
	ttl := until.Sub(now)
	if ttl <= 0 {
		return nil
	}
	current, err := r.BlockedUntil(ctx, id)
	if err != nil {
		return err
	}
	if current.After(until) {
		return nil
	}
	return r.client.Set(ctx, r.key(id), strconv.FormatInt(until.Unix(), 10), ttl).Err()
}

// BlockedUntil returns the stored deadline or the zero time.
func (r *Redis) BlockedUntil(ctx context.Context, id string) (time.Time, error) {
	val, err := r.client.Get(ctx, r.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	secs, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, nil
	}
	return time.Unix(secs, 0).UTC(), nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
