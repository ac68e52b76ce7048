package server

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORSMiddleware answers browser preflights. An empty origin list allows any
// origin; credentials are never shared cross-origin, so keys travel in headers.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Api-Key", RequestIDHeader},
		ExposedHeaders: []string{
			RequestIDHeader,
			HeaderRateLimitLimit,
			HeaderRateLimitRemaining,
			HeaderRateLimitReset,
			"Retry-After",
		},
		AllowCredentials: false,
		MaxAge:           300,
	})
}
