// Package basic provides a rate limiter that admits every request.
package basic

import (
	"context"

	"github.com/tjfontaine/lead-dispatch/internal/core/domain"
)

// Policy implements ports.RateLimiter with no restrictions.
// Selected with rate_limit.backend: none.
type Policy struct{}

// NewPolicy creates a new basic policy.
func NewPolicy() *Policy {
	return &Policy{}
}

// Allow always permits.
func (p *Policy) Allow(ctx context.Context, callerKey string) (domain.RateLimitDecision, error) {
	return domain.RateLimitDecision{Permit: true, Remaining: -1}, nil
}
