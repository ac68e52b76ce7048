// Package slidingwindow provides an in-process, per-caller sliding log rate
// limiter: at most `requests` admissions in any rolling `window`.
package slidingwindow

import (
	"context"
	"sync"
	"time"

	"github.com/tjfontaine/lead-dispatch/internal/core/domain"
)

const sweepInterval = time.Minute

// callerLog holds the admission times still inside the window, oldest first.
type callerLog struct {
	stamps   []time.Time
	lastSeen time.Time
}

// Limiter implements ports.RateLimiter.
type Limiter struct {
	requests int
	window   time.Duration
	now      func() time.Time

	mu   sync.Mutex
	logs map[string]*callerLog
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter admitting `requests` per rolling `window` per caller key.
func New(requests int, window time.Duration, opts ...Option) *Limiter {
	if requests < 1 {
		requests = 1
	}
	l := &Limiter{
		requests: requests,
		window:   window,
		now:      time.Now,
		logs:     make(map[string]*callerLog),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow records one admission for callerKey if the rolling window has room.
// It performs no I/O.
func (l *Limiter) Allow(ctx context.Context, callerKey string) (domain.RateLimitDecision, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	cl, ok := l.logs[callerKey]
	if !ok {
		cl = &callerLog{stamps: make([]time.Time, 0, l.requests)}
		l.logs[callerKey] = cl
	}
	cl.lastSeen = now

	// Admissions at or before now-window have left the window.
	cutoff := now.Add(-l.window)
	expired := 0
	for expired < len(cl.stamps) && !cl.stamps[expired].After(cutoff) {
		expired++
	}
	if expired > 0 {
		cl.stamps = append(cl.stamps[:0], cl.stamps[expired:]...)
	}

	d := domain.RateLimitDecision{Limit: l.requests}
	if len(cl.stamps) < l.requests {
		cl.stamps = append(cl.stamps, now)
		d.Permit = true
	} else {
		d.RetryAfter = cl.stamps[0].Add(l.window).Sub(now)
	}

	d.Remaining = l.requests - len(cl.stamps)
	d.ResetAt = cl.stamps[0].Add(l.window)
	return d, nil
}

// Run drops idle callers until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-ctx.Done():
			return
		}
	}
}

// sweep forgets callers whose every admission has left the window.
func (l *Limiter) sweep() {
	cutoff := l.now().Add(-l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, cl := range l.logs {
		if !cl.lastSeen.After(cutoff) {
			delete(l.logs, key)
		}
	}
}

// Len returns the number of tracked caller keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.logs)
}
