package runtime

import (
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/tjfontaine/lead-dispatch/internal/adapters/auth/apikey"
	"github.com/tjfontaine/lead-dispatch/internal/adapters/config/file"
	"github.com/tjfontaine/lead-dispatch/internal/adapters/config/static"
	"github.com/tjfontaine/lead-dispatch/internal/adapters/events/direct"
	"github.com/tjfontaine/lead-dispatch/internal/adapters/policy/basic"
	"github.com/tjfontaine/lead-dispatch/internal/core/ports"
	"github.com/tjfontaine/lead-dispatch/internal/pkg/config"
	"github.com/tjfontaine/lead-dispatch/internal/storage/sqldb"
)

// Option is a functional option for configuring an Engine.
type Option func(*Engine) error

// WithFileConfig uses file-based configuration with hot-reload (default).
// The path should point to a config.yaml file that will be watched for changes.
func WithFileConfig(path string) Option {
	return func(e *Engine) error {
		provider, err := file.NewProvider(path, e.logger)
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		e.config = provider
		return nil
	}
}

// WithConfig uses a fixed in-memory configuration. Useful for embedding
// and tests; nothing is watched.
func WithConfig(cfg *config.Config) Option {
	return func(e *Engine) error {
		e.config = static.NewProvider(cfg)
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(e *Engine) error {
		e.config = provider
		return nil
	}
}

// WithAPIKeyAuth authenticates callers against a fixed key set instead of
// the auth section of the loaded configuration.
func WithAPIKeyAuth(cfg *config.Config) Option {
	return func(e *Engine) error {
		provider, err := apikey.NewProvider(cfg)
		if err != nil {
			return fmt.Errorf("create apikey auth provider: %w", err)
		}
		e.auth = provider
		return nil
	}
}

// WithAuthProvider sets a custom auth provider.
func WithAuthProvider(provider ports.AuthProvider) Option {
	return func(e *Engine) error {
		e.auth = provider
		return nil
	}
}

// WithSQLite stores execution records and leads in a SQLite database.
func WithSQLite(path string) Option {
	return func(e *Engine) error {
		store, err := sqldb.NewSQLite(path)
		if err != nil {
			return fmt.Errorf("create sqlite storage: %w", err)
		}
		e.storage = store
		return nil
	}
}

// WithPostgres stores execution records and leads in PostgreSQL.
// Recommended when several engine instances share one history.
func WithPostgres(dsn string) Option {
	return func(e *Engine) error {
		store, err := sqldb.New(sqldb.Config{Driver: "postgres", DSN: dsn})
		if err != nil {
			return fmt.Errorf("create postgres storage: %w", err)
		}
		e.storage = store
		return nil
	}
}

// WithStorageProvider sets a custom storage provider.
func WithStorageProvider(provider ports.StorageProvider) Option {
	return func(e *Engine) error {
		e.storage = provider
		return nil
	}
}

// WithRedis shares a Redis client between the rate limiter and the
// response cache when their backends are set to redis.
func WithRedis(client *redis.Client) Option {
	return func(e *Engine) error {
		e.redis = client
		return nil
	}
}

// WithRateLimiter sets a custom rate limiter.
func WithRateLimiter(limiter ports.RateLimiter) Option {
	return func(e *Engine) error {
		e.limiter = limiter
		return nil
	}
}

// WithoutRateLimit admits every request.
func WithoutRateLimit() Option {
	return func(e *Engine) error {
		e.limiter = basic.NewPolicy()
		return nil
	}
}

// WithResponseCache sets a custom response cache.
func WithResponseCache(cache ports.ResponseCache) Option {
	return func(e *Engine) error {
		e.cache = cache
		return nil
	}
}

// WithWorkflowEngine sets the primary execution stage.
func WithWorkflowEngine(wf ports.WorkflowEngine) Option {
	return func(e *Engine) error {
		e.workflow = wf
		return nil
	}
}

// WithModelProvider sets the fallback execution stage.
func WithModelProvider(model ports.ModelProvider) Option {
	return func(e *Engine) error {
		e.model = model
		return nil
	}
}

// WithDirectEvents logs appended records instead of publishing them.
func WithDirectEvents() Option {
	return func(e *Engine) error {
		e.events = direct.NewPublisher(e.logger)
		return nil
	}
}

// WithEventPublisher sets a custom event publisher.
func WithEventPublisher(publisher ports.EventPublisher) Option {
	return func(e *Engine) error {
		e.events = publisher
		return nil
	}
}

// WithLogger sets a custom logger. Apply it first so other options use it.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) error {
		e.logger = logger
		return nil
	}
}
