// Package redisq implements the Redis-list queue consumer: multi-queue
// blocking pop, per-type admission control, guarded dispatch and the
// retry-or-dead-letter failure path.
package redisq

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewClient builds the queue/status Redis client from a redis:// or
// rediss:// URL. The connect timeout stays short so a dead broker surfaces
// quickly; the read timeout must exceed the blocking-pop window.
func NewClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=redisq.NewClient: %w", err)
	}
	opts.DialTimeout = 2 * time.Second
	opts.ReadTimeout = 15 * time.Second
	opts.WriteTimeout = 15 * time.Second
	opts.ConnMaxIdleTime = 4 * time.Minute
	return redis.NewClient(opts), nil
}
