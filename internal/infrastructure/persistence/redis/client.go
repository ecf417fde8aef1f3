// Package redis holds the Redis-backed read models and sinks: the event
// stream every committed event is appended to and the per-group
// participation scoreboard.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/studycircle/studycircle-hub/pkg/logger"
	"github.com/studycircle/studycircle-hub/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config holds Redis connection configuration.
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int

	PoolSize     int
	MinIdleConns int
	MaxRetries   int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolTimeout  time.Duration

	// KeyPrefix namespaces every key this package writes.
	KeyPrefix string

	// StreamMaxLen caps the event stream. Zero leaves it unbounded.
	StreamMaxLen int64
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Host:         "localhost",
		Port:         6379,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
		KeyPrefix:    "studycircle:",
		StreamMaxLen: DefaultStreamMaxLen,
	}
}

// Addr returns the Redis address in "host:port" format.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ErrConnection is returned when Redis cannot be reached at startup.
var ErrConnection = errors.New("redis: connection failed")

// Connect opens a client and pings it, retrying with backoff while the
// server comes up.
func Connect(ctx context.Context, cfg Config, log *logger.Logger) (*redis.Client, error) {
	if log == nil {
		log = logger.Nop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolTimeout:  cfg.PoolTimeout,
	})

	r := retry.ConnectRetrier(func(attempt int, err error, delay time.Duration) {
		log.Warn("redis not reachable, retrying",
			logger.String("addr", cfg.Addr()),
			logger.Int("attempt", attempt),
			logger.Duration("delay", delay),
			logger.Err(err),
		)
	})
	err := r.Do(ctx, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
		return client.Ping(pingCtx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrConnection, cfg.Addr(), err)
	}

	log.Info("connected to redis",
		logger.String("addr", cfg.Addr()),
		logger.Int("db", cfg.DB),
		logger.Int64("stream_max_len", cfg.StreamMaxLen),
	)
	return client, nil
}
