// Package kvstore connects to the Redis instance shared by the classification
// cache, the job store and the document locks.
package kvstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("kvstore")

// Options for Connect.
type Options struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// Connect opens a client and verifies it with PING.
func Connect(ctx context.Context, opts Options) (*redis.Client, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis address is empty")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	if err := Ping(ctx, rdb); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// Ping checks connectivity within five seconds.
func Ping(ctx context.Context, rdb redis.UniversalClient) error {
	ctx, span := tracer.Start(ctx, "redis.Ping")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}
