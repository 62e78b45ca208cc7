// Package ratelimit counts attempts per key in fixed Redis windows.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Redis  redis.UniversalClient
	Prefix string
	// Limit is the number of attempts allowed per key and window.
	Limit  int64
	Window time.Duration
}

type Limiter struct {
	redis  redis.UniversalClient
	prefix string
	limit  int64
	window time.Duration
}

func New(c Config) *Limiter {
	return &Limiter{
		redis:  c.Redis,
		prefix: c.Prefix,
		limit:  c.Limit,
		window: c.Window,
	}
}

// Allow records an attempt for key and reports whether it is within the limit.
// A limiter without a limit allows everything.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}

	k := l.key(key)

	var incr *redis.IntCmd
	_, err := l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		// The window starts with the first attempt; INCR keeps the TTL.
		pipe.SetNX(ctx, k, 0, l.window)
		incr = pipe.Incr(ctx, k)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("ratelimit: count %s: %w", key, err)
	}

	return incr.Val() <= l.limit, nil
}

func (l *Limiter) key(key string) string {
	return fmt.Sprintf("%s:ratelimit:%s", l.prefix, key)
}
