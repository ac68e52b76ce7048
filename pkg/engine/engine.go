// Package engine provides the public API for embedding the lead dispatch
// engine. This is the stable API for external consumers.
package engine

import (
	"github.com/tjfontaine/lead-dispatch/internal/runtime"
)

// Engine runs the agent registry, coordinator and HTTP surface.
// See internal/runtime.Engine for full documentation.
type Engine = runtime.Engine

// Option is a functional option for configuring an Engine.
type Option = runtime.Option

// New creates a new Engine with the given options.
// Example:
//
//	eng, err := engine.New(
//	    engine.WithLogger(logger),
//	    engine.WithFileConfig("config.yaml"),
//	)
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithFileConfig     = runtime.WithFileConfig
	WithConfig         = runtime.WithConfig
	WithConfigProvider = runtime.WithConfigProvider

	// Authentication
	WithAPIKeyAuth   = runtime.WithAPIKeyAuth
	WithAuthProvider = runtime.WithAuthProvider

	// Storage
	WithSQLite          = runtime.WithSQLite
	WithPostgres        = runtime.WithPostgres
	WithStorageProvider = runtime.WithStorageProvider
	WithRedis           = runtime.WithRedis

	// Admission and caching
	WithRateLimiter   = runtime.WithRateLimiter
	WithoutRateLimit  = runtime.WithoutRateLimit
	WithResponseCache = runtime.WithResponseCache

	// Upstreams
	WithWorkflowEngine = runtime.WithWorkflowEngine
	WithModelProvider  = runtime.WithModelProvider

	// Events
	WithDirectEvents   = runtime.WithDirectEvents
	WithEventPublisher = runtime.WithEventPublisher

	WithLogger = runtime.WithLogger
)
