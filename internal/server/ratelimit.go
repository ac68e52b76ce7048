package server

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"github.com/tjfontaine/lead-dispatch/internal/core/domain"
)

// Rate limit response headers.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
)

// rateLimitContextKey is the context key for the rate limit slot.
type rateLimitContextKey struct{}

type rateLimitSlot struct {
	mu       sync.Mutex
	decision *domain.RateLimitDecision
}

// SetRateLimit records the admission decision so the middleware can emit
// headers. No-op without RateLimitHeadersMiddleware or with a nil decision.
func SetRateLimit(ctx context.Context, d *domain.RateLimitDecision) {
	if d == nil {
		return
	}
	if slot, ok := ctx.Value(rateLimitContextKey{}).(*rateLimitSlot); ok {
		slot.mu.Lock()
		slot.decision = d
		slot.mu.Unlock()
	}
}

// GetRateLimit returns the decision recorded for this request, if any.
func GetRateLimit(ctx context.Context) *domain.RateLimitDecision {
	if slot, ok := ctx.Value(rateLimitContextKey{}).(*rateLimitSlot); ok {
		slot.mu.Lock()
		defer slot.mu.Unlock()
		return slot.decision
	}
	return nil
}

// RateLimitHeadersMiddleware writes X-RateLimit-* headers just before the
// response header is sent, using the decision the handler recorded.
func RateLimitHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slot := &rateLimitSlot{}
		ctx := context.WithValue(r.Context(), rateLimitContextKey{}, slot)
		wrapped := &rateLimitResponseWriter{ResponseWriter: w, slot: slot}
		next.ServeHTTP(wrapped, r.WithContext(ctx))
	})
}

// rateLimitResponseWriter wraps ResponseWriter to write rate limit headers.
type rateLimitResponseWriter struct {
	http.ResponseWriter
	slot         *rateLimitSlot
	wroteHeaders bool
}

func (rw *rateLimitResponseWriter) WriteHeader(code int) {
	rw.writeRateLimitHeaders()
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *rateLimitResponseWriter) Write(b []byte) (int, error) {
	rw.writeRateLimitHeaders()
	return rw.ResponseWriter.Write(b)
}

func (rw *rateLimitResponseWriter) writeRateLimitHeaders() {
	if rw.wroteHeaders {
		return
	}
	rw.wroteHeaders = true

	rw.slot.mu.Lock()
	d := rw.slot.decision
	rw.slot.mu.Unlock()
	if d == nil || d.Limit <= 0 {
		return
	}

	h := rw.Header()
	h.Set(HeaderRateLimitLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRateLimitRemaining, strconv.Itoa(max(d.Remaining, 0)))
	if !d.ResetAt.IsZero() {
		h.Set(HeaderRateLimitReset, strconv.Itoa(int(d.ResetAt.Unix())))
	}
}

// Flush forwards Flush to the underlying ResponseWriter if it supports http.Flusher.
func (rw *rateLimitResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
