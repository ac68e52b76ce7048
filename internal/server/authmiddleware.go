package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/tjfontaine/lead-dispatch/internal/core/ports"
)

type callerKey struct{}

// AuthMiddleware resolves the caller from "Authorization: Bearer <key>" or
// "X-Api-Key" and stores it in the request context. Failures answer 401.
func AuthMiddleware(provider ports.AuthProvider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Preflights carry no credentials.
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			caller, err := provider.Authenticate(r.Context(), credential(r))
			if err != nil {
				WriteError(w, r, err)
				return
			}

			AddLogField(r.Context(), "caller", caller.CallerKey)
			ctx := context.WithValue(r.Context(), callerKey{}, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func credential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
		return strings.TrimSpace(h)
	}
	return strings.TrimSpace(r.Header.Get("X-Api-Key"))
}

// GetCaller retrieves the authenticated caller from context.
// Returns nil if the request was not authenticated.
func GetCaller(ctx context.Context) *ports.AuthContext {
	if c, ok := ctx.Value(callerKey{}).(*ports.AuthContext); ok {
		return c
	}
	return nil
}
