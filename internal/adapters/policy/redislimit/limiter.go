// Package redislimit provides a fixed-window rate limiter shared across
// engine instances through Redis.
package redislimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tjfontaine/lead-dispatch/internal/core/domain"
)

// Limiter implements ports.RateLimiter with one counter per caller key and
// window. The counter expires with its window.
type Limiter struct {
	client   redis.Cmdable
	prefix   string
	requests int
	window   time.Duration
	now      func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithPrefix namespaces keys.
func WithPrefix(prefix string) Option {
	return func(l *Limiter) { l.prefix = prefix }
}

// New creates a limiter admitting `requests` per `window` per caller key.
func New(client redis.Cmdable, requests int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		client:   client,
		prefix:   "dispatch:",
		requests: requests,
		window:   window,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow increments callerKey's counter for the current window.
func (l *Limiter) Allow(ctx context.Context, callerKey string) (domain.RateLimitDecision, error) {
	now := l.now()
	windowStart := now.Truncate(l.window)
	resetAt := windowStart.Add(l.window)
	key := l.prefix + "ratelimit:" + callerKey + ":" + strconv.FormatInt(windowStart.Unix(), 10)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.PExpire(ctx, key, l.window+time.Second)
		return nil
	})
	if err != nil {
		return domain.RateLimitDecision{}, fmt.Errorf("redis rate limit %s: %w", callerKey, err)
	}

	count := int(incr.Val())
	d := domain.RateLimitDecision{
		Limit:   l.requests,
		ResetAt: resetAt,
	}
	if count <= l.requests {
		d.Permit = true
		d.Remaining = l.requests - count
	} else {
		d.RetryAfter = resetAt.Sub(now)
	}
	return d, nil
}
