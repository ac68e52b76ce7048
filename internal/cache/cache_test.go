package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/lead-dispatch/internal/core/domain"
)

func TestKey(t *testing.T) {
	assert.Equal(t, Key("qualifier", "hello"), Key("qualifier", "  hello\n"), "surrounding whitespace is normalized")
	assert.NotEqual(t, Key("qualifier", "Hello"), Key("qualifier", "hello"), "case is significant")
	assert.NotEqual(t, Key("qualifier", "hello"), Key("contracts", "hello"), "agent is part of the key")
	assert.NotEqual(t, Key("ab", "c"), Key("a", "bc"), "fields are separated")
}

func TestMemory_GetPut(t *testing.T) {
	m := NewMemory(10, time.Minute)
	ctx := context.Background()

	_, ok := m.Get(ctx, "qualifier", "input")
	assert.False(t, ok)

	require.NoError(t, m.Put(ctx, "qualifier", "input", domain.CachedResponse{
		Response: "answer",
		Source:   domain.SourceWorkflowEngine,
	}, time.Minute))

	got, ok := m.Get(ctx, "qualifier", " input ")
	require.True(t, ok)
	assert.Equal(t, "answer", got.Response)
	assert.Equal(t, domain.SourceWorkflowEngine, got.Source)
	assert.False(t, got.ExpiresAt.IsZero())
}

func TestMemory_PerEntryTTL(t *testing.T) {
	m := NewMemory(10, time.Hour)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "a", "x", domain.CachedResponse{Response: "r"}, 5*time.Second))
	_, ok := m.Get(ctx, "a", "x")
	require.True(t, ok)

	now = now.Add(6 * time.Second)
	_, ok = m.Get(ctx, "a", "x")
	assert.False(t, ok, "entry should expire after its own ttl")
	assert.Equal(t, 0, m.Len())
}

func TestMemory_CapacityEviction(t *testing.T) {
	m := NewMemory(2, time.Minute)
	ctx := context.Background()
	for _, in := range []string{"1", "2", "3"} {
		require.NoError(t, m.Put(ctx, "a", in, domain.CachedResponse{Response: in}, time.Minute))
	}
	assert.Equal(t, 2, m.Len())
	_, ok := m.Get(ctx, "a", "1")
	assert.False(t, ok, "oldest entry is evicted under capacity pressure")
}

func TestRedis_GetPut(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := NewRedis(client, "test:", nil)
	ctx := context.Background()

	_, ok := c.Get(ctx, "qualifier", "input")
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, "qualifier", "input", domain.CachedResponse{Response: "answer"}, 30*time.Second))

	got, ok := c.Get(ctx, "qualifier", "input")
	require.True(t, ok)
	assert.Equal(t, "answer", got.Response)

	mr.FastForward(31 * time.Second)
	_, ok = c.Get(ctx, "qualifier", "input")
	assert.False(t, ok)
}

func TestRedis_FailureIsAMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()

	c := NewRedis(client, "test:", nil)
	mr.Close()

	_, ok := c.Get(context.Background(), "qualifier", "input")
	assert.False(t, ok)
	assert.Error(t, c.Put(context.Background(), "qualifier", "input", domain.CachedResponse{Response: "x"}, time.Second))
}
