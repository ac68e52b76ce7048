package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/tjfontaine/lead-dispatch/internal/core/domain"
)

// Memory is a capacity-bounded in-process cache. Entries expire after the
// shorter of the per-entry ttl and the cache-wide ttl.
type Memory struct {
	lru *expirable.LRU[string, domain.CachedResponse]
	now func() time.Time
}

// NewMemory creates a cache holding at most capacity entries for at most ttl.
func NewMemory(capacity int, ttl time.Duration) *Memory {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Memory{
		lru: expirable.NewLRU[string, domain.CachedResponse](capacity, nil, ttl),
		now: time.Now,
	}
}

func (m *Memory) Get(ctx context.Context, agentName, input string) (*domain.CachedResponse, bool) {
	key := Key(agentName, input)
	entry, ok := m.lru.Get(key)
	if !ok {
		return nil, false
	}
	if !entry.ExpiresAt.IsZero() && !m.now().Before(entry.ExpiresAt) {
		m.lru.Remove(key)
		return nil, false
	}
	return &entry, true
}

// Put stores resp. Concurrent puts for the same key are last-write-wins.
func (m *Memory) Put(ctx context.Context, agentName, input string, resp domain.CachedResponse, ttl time.Duration) error {
	now := m.now()
	resp.StoredAt = now
	if ttl > 0 {
		resp.ExpiresAt = now.Add(ttl)
	}
	m.lru.Add(Key(agentName, input), resp)
	return nil
}

// Len returns the number of live entries.
func (m *Memory) Len() int {
	return m.lru.Len()
}
