// Package redis provides the Redis connections used by the queue and the
// delivery guards built on top of them.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config holds Redis connection settings.
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int

	// PoolSize overrides the posture default when positive.
	PoolSize int
}

// Posture selects how a connection behaves when Redis is slow or gone.
// Producers and consumers must not share one.
type Posture int

const (
	// PostureProducer fails fast: short timeouts and no command retries, so a
	// request handler is never held up by an unreachable store.
	PostureProducer Posture = iota

	// PostureConsumer blocks while idle: no read timeout so BLPOP can wait
	// indefinitely, and generous pool waits. Reconnects are driven by the
	// worker's fetch loop.
	PostureConsumer
)

func (p Posture) String() string {
	switch p {
	case PostureProducer:
		return "producer"
	case PostureConsumer:
		return "consumer"
	default:
		return "unknown"
	}
}

// Options builds go-redis options for the posture.
func Options(cfg Config, posture Posture) *redis.Options {
	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	}

	switch posture {
	case PostureConsumer:
		opts.PoolSize = 64
		opts.MinIdleConns = 2
		opts.DialTimeout = 5 * time.Second
		opts.ReadTimeout = -1
		opts.WriteTimeout = 5 * time.Second
		opts.PoolTimeout = 30 * time.Second
		opts.MaxRetries = 10
		opts.MinRetryBackoff = 100 * time.Millisecond
		opts.MaxRetryBackoff = 2 * time.Second
	default:
		opts.PoolSize = 10
		opts.MinIdleConns = 1
		opts.DialTimeout = time.Second
		opts.ReadTimeout = time.Second
		opts.WriteTimeout = time.Second
		opts.PoolTimeout = time.Second
		opts.MaxRetries = -1
		opts.ContextTimeoutEnabled = true
	}

	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	return opts
}

// Client wraps the go-redis client with logging and connection management.
type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New creates a Redis client for the posture and verifies connectivity.
func New(ctx context.Context, cfg Config, posture Posture, logger *zap.Logger) (*Client, error) {
	rdb := redis.NewClient(Options(cfg, posture))

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.Info("redis connection established",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("posture", posture.String()),
	)

	return &Client{rdb: rdb, logger: logger}, nil
}

// NewFromClient wraps an existing go-redis client.
func NewFromClient(rdb *redis.Client, logger *zap.Logger) *Client {
	return &Client{rdb: rdb, logger: logger}
}

// Raw exposes the underlying client for the queue store.
func (c *Client) Raw() redis.UniversalClient {
	return c.rdb
}

// Close gracefully closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks if Redis is responsive.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
