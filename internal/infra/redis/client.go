package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"crm-enrichment/internal/config"
)

const connectRetries = 5

// Cache is the subset of Client the read-through repository decorators use.
// Get returns redis.Nil on a miss.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

var _ Cache = (*Client)(nil)

// Client wraps the go-redis client with the handful of calls the service needs.
type Client struct {
	cli *redis.Client
}

// NewClient connects and pings, retrying with exponential backoff while the
// server comes up.
func NewClient(ctx context.Context, cfg *config.RedisConfig, log *zerolog.Logger) (*Client, error) {
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.URL,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), connectRetries), ctx)
	err := backoff.Retry(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		err := c.Ping(pingCtx).Err()
		if err != nil && log != nil {
			log.Warn().Err(err).Str("addr", cfg.URL).Msg("redis not ready; retrying")
		}
		return err
	}, b)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.URL, err)
	}
	return &Client{cli: c}, nil
}

// Wrap adopts an existing go-redis client.
func Wrap(c *redis.Client) *Client { return &Client{cli: c} }

func (c *Client) Ping(ctx context.Context) error { return c.cli.Ping(ctx).Err() }

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	return c.cli.Get(ctx, key).Result()
}

func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.cli.Set(ctx, key, value, ttl).Err()
}

func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	return c.cli.Incr(ctx, key).Result()
}

func (c *Client) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return c.cli.Expire(ctx, key, expiration).Err()
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.cli.Del(ctx, keys...).Err()
}

// DeleteByPattern removes every key matching any of the glob patterns and
// returns how many were deleted. It scans, so it is safe on a live server.
func (c *Client) DeleteByPattern(ctx context.Context, patterns ...string) (int, error) {
	total := 0
	for _, p := range patterns {
		iter := c.cli.Scan(ctx, 0, p, 500).Iterator()
		var batch []string
		for iter.Next(ctx) {
			batch = append(batch, iter.Val())
			if len(batch) == 500 {
				if err := c.cli.Del(ctx, batch...).Err(); err != nil {
					return total, err
				}
				total += len(batch)
				batch = batch[:0]
			}
		}
		if err := iter.Err(); err != nil {
			return total, err
		}
		if len(batch) > 0 {
			if err := c.cli.Del(ctx, batch...).Err(); err != nil {
				return total, err
			}
			total += len(batch)
		}
	}
	return total, nil
}

func (c *Client) Close() error { return c.cli.Close() }
