package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tjfontaine/lead-dispatch/internal/core/domain"
)

const redisOpTimeout = 500 * time.Millisecond

// Redis stores responses as JSON strings with a Redis-side TTL.
type Redis struct {
	client redis.Cmdable
	prefix string
	logger *slog.Logger
}

// NewRedis creates a Redis-backed cache.
func NewRedis(client redis.Cmdable, prefix string, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, prefix: prefix, logger: logger}
}

func (r *Redis) key(agentName, input string) string {
	return r.prefix + "cache:" + Key(agentName, input)
}

// Get returns the stored response. Backend failures are logged and reported as a miss.
func (r *Redis) Get(ctx context.Context, agentName, input string) (*domain.CachedResponse, bool) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	raw, err := r.client.Get(ctx, r.key(agentName, input)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("cache get failed", slog.String("agent", agentName), slog.String("error", err.Error()))
		}
		return nil, false
	}

	var resp domain.CachedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		r.logger.Warn("cache entry corrupt", slog.String("agent", agentName), slog.String("error", err.Error()))
		return nil, false
	}
	return &resp, true
}

func (r *Redis) Put(ctx context.Context, agentName, input string, resp domain.CachedResponse, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	now := time.Now()
	resp.StoredAt = now
	if ttl > 0 {
		resp.ExpiresAt = now.Add(ttl)
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := r.client.Set(ctx, r.key(agentName, input), raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Ping reports backend reachability for health checks.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
