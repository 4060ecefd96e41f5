package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/zatekoja/enrichswarm/pkg/config"
	"github.com/zatekoja/enrichswarm/pkg/retry"
)

// Client wraps the go-redis connection shared by the coordination store and
// the event bus.
type Client struct {
	client *redis.Client
}

// NewClient connects and waits, with backoff, until the server answers
// PING. A zero PoolSize keeps the go-redis default.
func NewClient(cfg *config.RedisConfig) (*Client, error) {
	opts := &redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	c := &Client{client: redis.NewClient(opts)}
	err := retry.DoWithLog(context.Background(), retry.DefaultConfig(), "Redis", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return c.Ping(ctx)
	}, func(attempt int, err error, nextDelay time.Duration) {
		log.Warn().Err(err).Int("attempt", attempt).Dur("next_delay", nextDelay).Str("addr", opts.Addr).Msg("Redis connection attempt failed")
	})
	if err != nil {
		_ = c.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}
	return c, nil
}

func (c *Client) Client() *redis.Client {
	return c.client
}

func (c *Client) Close() error {
	return c.client.Close()
}

// Ping is used by the connect loop and the health endpoint
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
