package cache

import (
	"context"
	"time"

	"github.com/tjfontaine/lead-dispatch/internal/core/domain"
)

// Disabled never stores anything. Selected with cache.backend: none.
type Disabled struct{}

func (Disabled) Get(context.Context, string, string) (*domain.CachedResponse, bool) {
	return nil, false
}

func (Disabled) Put(context.Context, string, string, domain.CachedResponse, time.Duration) error {
	return nil
}
