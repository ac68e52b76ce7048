// Package server provides the chi router and HTTP middleware shared by the
// dispatch API.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Options configures the base middleware stack.
type Options struct {
	Timeout        time.Duration
	AllowedOrigins []string
	// OperationName labels the otelhttp server spans.
	OperationName string
}

// NewRouter returns a chi router with request id, logging, CORS, timeout,
// panic recovery and tracing installed. Authentication is mounted per route
// group with AuthMiddleware so health and metrics stay public.
func NewRouter(logger *slog.Logger, opts Options) *chi.Mux {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.OperationName == "" {
		opts.OperationName = "lead-dispatch"
	}

	r := chi.NewRouter()

	// Apply middleware in order
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(CORSMiddleware(opts.AllowedOrigins))
	r.Use(TimeoutMiddleware(opts.Timeout))
	r.Use(middleware.Recoverer)

	// Wrap with OpenTelemetry HTTP instrumentation
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, opts.OperationName)
	})

	return r
}
