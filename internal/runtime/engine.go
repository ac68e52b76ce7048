// Package runtime assembles the dispatch engine from configuration and
// manages its lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/go-chi/chi/v5"
	"github.com/openai/openai-go/option"
	"github.com/redis/go-redis/v9"

	"github.com/tjfontaine/lead-dispatch/internal/adapters/auth/apikey"
	"github.com/tjfontaine/lead-dispatch/internal/adapters/events/amqp"
	"github.com/tjfontaine/lead-dispatch/internal/adapters/events/direct"
	"github.com/tjfontaine/lead-dispatch/internal/adapters/policy/basic"
	"github.com/tjfontaine/lead-dispatch/internal/adapters/policy/redislimit"
	"github.com/tjfontaine/lead-dispatch/internal/adapters/policy/slidingwindow"
	"github.com/tjfontaine/lead-dispatch/internal/api/agents"
	"github.com/tjfontaine/lead-dispatch/internal/api/controlplane"
	"github.com/tjfontaine/lead-dispatch/internal/cache"
	"github.com/tjfontaine/lead-dispatch/internal/core/ports"
	"github.com/tjfontaine/lead-dispatch/internal/dispatch"
	"github.com/tjfontaine/lead-dispatch/internal/metrics"
	"github.com/tjfontaine/lead-dispatch/internal/pkg/config"
	"github.com/tjfontaine/lead-dispatch/internal/registry"
	"github.com/tjfontaine/lead-dispatch/internal/server"
	"github.com/tjfontaine/lead-dispatch/internal/storage/memory"
	"github.com/tjfontaine/lead-dispatch/internal/storage/sqldb"
	"github.com/tjfontaine/lead-dispatch/internal/telemetry"
	"github.com/tjfontaine/lead-dispatch/internal/tokens"
	"github.com/tjfontaine/lead-dispatch/internal/upstream"
)

// Engine is the main entry point for running the dispatch service.
// It owns every adapter it builds from configuration; adapters injected
// through options are closed too.
type Engine struct {
	// Dependencies (injected via options or built from config)
	config   ports.ConfigProvider
	auth     ports.AuthProvider
	storage  ports.StorageProvider
	events   ports.EventPublisher
	limiter  ports.RateLimiter
	cache    ports.ResponseCache
	workflow ports.WorkflowEngine
	model    ports.ModelProvider
	redis    *redis.Client

	// Assembled components
	breaker     *upstream.BreakerWorkflow
	registry    *registry.Registry
	coordinator *dispatch.Coordinator
	collectors  *metrics.Collectors
	aggregator  *metrics.Aggregator
	admin       *controlplane.Server
	handler     http.Handler

	server         *http.Server
	listener       net.Listener
	tracerShutdown func(context.Context) error
	logger         *slog.Logger

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
}

// New creates an Engine with the given options. A config provider is
// required; everything else defaults from the loaded configuration.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{logger: slog.Default()}

	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if e.config == nil {
		return nil, errors.New("config provider required (use WithFileConfig or WithConfig)")
	}
	return e, nil
}

// Start loads configuration, assembles the engine and starts serving.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.ctx, e.cancel = context.WithCancel(ctx)

	cfg, err := e.config.Load(e.ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := e.build(cfg); err != nil {
		return err
	}

	if err := e.aggregator.Start(cfg.Metrics.Refresh); err != nil {
		return fmt.Errorf("start metrics refresh: %w", err)
	}

	if err := e.startServer(cfg); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	go e.watchConfig()

	e.logger.Info("engine started",
		slog.String("addr", e.listener.Addr().String()),
		slog.Int("agents", len(cfg.Agents)),
		slog.Bool("workflow_engine", e.workflow != nil),
		slog.Bool("fallback_model", e.model != nil))
	return nil
}

// Handler returns the assembled HTTP handler. It is nil before Start.
func (e *Engine) Handler() http.Handler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handler
}

// Addr returns the listening address. It is empty before Start.
func (e *Engine) Addr() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.listener == nil {
		return ""
	}
	return e.listener.Addr().String()
}

// Shutdown gracefully stops the engine. In-flight dispatches finish and
// their records are written before storage closes.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.logger.Info("shutting down engine")

	if e.cancel != nil {
		e.cancel()
	}

	var errs []error
	if e.server != nil {
		if err := e.server.Shutdown(ctx); err != nil {
			e.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	if e.aggregator != nil {
		e.aggregator.Stop(ctx)
	}

	if e.events != nil {
		if err := e.events.Close(); err != nil {
			e.logger.Error("failed to close events", slog.String("error", err.Error()))
		}
	}
	if e.storage != nil {
		if err := e.storage.Close(); err != nil {
			e.logger.Error("failed to close storage", slog.String("error", err.Error()))
		}
	}
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			e.logger.Error("failed to close redis", slog.String("error", err.Error()))
		}
	}
	if err := e.config.Close(); err != nil {
		e.logger.Error("failed to close config", slog.String("error", err.Error()))
	}

	if e.tracerShutdown != nil {
		if err := e.tracerShutdown(ctx); err != nil {
			e.logger.Warn("failed to flush traces", slog.String("error", err.Error()))
		}
	}

	e.logger.Info("engine shutdown complete")
	return errors.Join(errs...)
}

// watchConfig watches for config changes and reloads.
func (e *Engine) watchConfig() {
	onChange := func(newCfg *config.Config) {
		e.logger.Info("config changed, reloading")
		if err := e.reload(newCfg); err != nil {
			e.logger.Error("failed to reload", slog.String("error", err.Error()))
		}
	}

	if err := e.config.Watch(e.ctx, onChange); err != nil {
		if !errors.Is(err, context.Canceled) {
			e.logger.Error("config watch failed", slog.String("error", err.Error()))
		}
	}
}

// reload applies the hot-reloadable sections: agents, API keys and lead
// routing. Backend choices (storage, cache, limiter, upstreams) need a restart.
func (e *Engine) reload(cfg *config.Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.registry == nil {
		return errors.New("engine not started")
	}

	e.registry.Replace(profilesFromConfig(cfg.Agents))
	e.coordinator.SetRouting(routingFromConfig(cfg.Routing))
	e.admin.SetConfig(cfg)

	if reloader, ok := e.auth.(interface{ ReloadFromConfig(*config.Config) error }); ok {
		if err := reloader.ReloadFromConfig(cfg); err != nil {
			return fmt.Errorf("reload auth: %w", err)
		}
	}

	e.logger.Info("reload complete",
		slog.Int("agents", len(cfg.Agents)),
		slog.Int("routing_rules", len(cfg.Routing.Rules)))
	return nil
}

// build assembles every component from cfg. Dependencies injected through
// options take precedence over configured backends.
func (e *Engine) build(cfg *config.Config) error {
	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, e.logger)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		e.tracerShutdown = shutdown
	}

	if e.storage == nil {
		store, err := openStorage(cfg.Storage)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		e.storage = store
	}

	if e.redis == nil && needsRedis(cfg) {
		if cfg.Redis.Address == "" {
			return errors.New("redis.address is required when a redis backend is selected")
		}
		e.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	if e.auth == nil {
		provider, err := apikey.NewProvider(cfg)
		if err != nil {
			return fmt.Errorf("create auth provider: %w", err)
		}
		e.auth = provider
	}

	if e.limiter == nil {
		e.limiter = e.buildLimiter(cfg)
	}
	if e.cache == nil {
		e.cache = e.buildCache(cfg)
	}

	if e.workflow == nil && cfg.Workflow.URL != "" {
		e.workflow = upstream.NewWorkflowClient(upstream.WorkflowClientConfig{
			URL:     cfg.Workflow.URL,
			Timeout: cfg.Workflow.Timeout,
			Headers: cfg.Workflow.Headers,
		})
	}
	if e.workflow != nil {
		e.breaker = upstream.NewBreakerWorkflow(e.workflow, upstream.BreakerConfig{
			MaxFailures: cfg.Workflow.Breaker.MaxFailures,
			Timeout:     cfg.Workflow.Breaker.Timeout,
			Interval:    cfg.Workflow.Breaker.Interval,
		}, e.logger)
	}

	if e.model == nil {
		model, err := buildModel(cfg.Fallback)
		if err != nil {
			return err
		}
		if model == nil {
			e.logger.Warn("no fallback model configured; workflow failures will surface as errors")
		} else {
			e.model = model
		}
	}

	if e.events == nil {
		events, err := e.buildEvents(cfg.Events)
		if err != nil {
			return err
		}
		e.events = events
	}

	e.collectors = metrics.NewCollectors()
	var primary ports.WorkflowEngine
	var breakerState controlplane.BreakerState
	if e.breaker != nil {
		primary = e.breaker
		breakerState = e.breaker.State
		e.collectors.RegisterBreakerState(e.breaker.State)
	}

	e.registry = registry.New(profilesFromConfig(cfg.Agents))
	chain := upstream.NewChain(primary, e.model,
		upstream.WithFallbackTimeout(cfg.Fallback.Timeout),
		upstream.WithDefaults(cfg.DefaultParameters()),
		upstream.WithLogger(e.logger),
	)

	coordinator, err := dispatch.New(dispatch.Options{
		Registry: e.registry,
		Executor: chain,
		Limiter:  e.limiter,
		Cache:    e.cache,
		CacheTTL: cfg.Cache.TTL,
		Log:      e.storage,
		Leads:    e.storage,
		Events:   e.events,
		Metrics:  e.collectors,
		Tokens:   tokens.NewCounter(),
		Limits:   limitsFromConfig(cfg.Limits),
		Routing:  routingFromConfig(cfg.Routing),
		Model:    cfg.Fallback.Model,
		Logger:   e.logger,
	})
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}
	e.coordinator = coordinator

	e.aggregator = metrics.NewAggregator(e.registry, e.storage,
		metrics.WithLeads(e.storage),
		metrics.WithCollectors(e.collectors),
		metrics.WithLogger(e.logger),
	)

	router := server.NewRouter(e.logger, server.Options{
		Timeout:        cfg.Server.RequestTimeout,
		AllowedOrigins: cfg.Server.CORS.AllowedOrigins,
	})
	if _, err := agents.NewServer(router, agents.Config{
		Coordinator: e.coordinator,
		Registry:    e.registry,
		Log:         e.storage,
		Auth:        e.auth,
		Stats:       e.aggregator,
		Metrics:     e.collectors.Handler(),
		Health:      agents.NewHealth(e.healthChecks(cfg), 2*time.Second),
		Logger:      e.logger,
	}); err != nil {
		return fmt.Errorf("create api: %w", err)
	}

	e.admin = controlplane.NewServer(cfg, breakerState)
	router.Route("/admin", func(r chi.Router) {
		r.Use(server.AuthMiddleware(e.auth))
		r.Mount("/", e.admin)
	})

	e.handler = router
	return nil
}

func openStorage(sc config.StorageConfig) (ports.StorageProvider, error) {
	switch strings.ToLower(sc.Driver) {
	case "memory":
		return memory.New(), nil
	case "sqlite", "sqlite3":
		if dir := filepath.Dir(sc.DSN); sc.DSN != ":memory:" && !strings.HasPrefix(sc.DSN, "file:") && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data directory: %w", err)
			}
		}
	}
	return sqldb.New(sqldb.Config{Driver: sc.Driver, DSN: sc.DSN})
}

func needsRedis(cfg *config.Config) bool {
	return strings.EqualFold(cfg.RateLimit.Backend, "redis") || strings.EqualFold(cfg.Cache.Backend, "redis")
}

func (e *Engine) buildLimiter(cfg *config.Config) ports.RateLimiter {
	rl := cfg.RateLimit
	switch strings.ToLower(rl.Backend) {
	case "none":
		return basic.NewPolicy()
	case "redis":
		return redislimit.New(e.redis, rl.Requests, rl.Window, redislimit.WithPrefix(cfg.Redis.Prefix))
	default:
		l := slidingwindow.New(rl.Requests, rl.Window)
		go l.Run(e.ctx)
		return l
	}
}

func (e *Engine) buildCache(cfg *config.Config) ports.ResponseCache {
	switch strings.ToLower(cfg.Cache.Backend) {
	case "none":
		return cache.Disabled{}
	case "redis":
		return cache.NewRedis(e.redis, cfg.Redis.Prefix, e.logger)
	default:
		return cache.NewMemory(cfg.Cache.Capacity, cfg.Cache.TTL)
	}
}

// buildModel returns nil without an API key so the engine can run
// workflow-only.
func buildModel(fc config.FallbackConfig) (ports.ModelProvider, error) {
	if fc.APIKey == "" {
		return nil, nil
	}
	switch strings.ToLower(fc.Provider) {
	case "openai", "":
		var opts []option.RequestOption
		if fc.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(fc.BaseURL))
		}
		return upstream.NewOpenAIProvider(fc.APIKey, opts...), nil
	case "anthropic":
		var opts []anthropicoption.RequestOption
		if fc.BaseURL != "" {
			opts = append(opts, anthropicoption.WithBaseURL(fc.BaseURL))
		}
		return upstream.NewAnthropicProvider(fc.APIKey, opts...), nil
	default:
		return nil, fmt.Errorf("unknown fallback provider %q", fc.Provider)
	}
}

func (e *Engine) buildEvents(ec config.EventsConfig) (ports.EventPublisher, error) {
	switch strings.ToLower(ec.Backend) {
	case "none", "":
		return nil, nil
	case "amqp":
		p, err := amqp.New(ec.URL, ec.Exchange, e.logger)
		if err != nil {
			return nil, fmt.Errorf("connect event broker: %w", err)
		}
		return p, nil
	default:
		return direct.NewPublisher(e.logger), nil
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (e *Engine) healthChecks(cfg *config.Config) map[string]agents.CheckFunc {
	checks := map[string]agents.CheckFunc{
		"storage": func(ctx context.Context) (string, error) {
			if err := e.storage.Ping(ctx); err != nil {
				return "down", err
			}
			return "up", nil
		},
		"cache": func(ctx context.Context) (string, error) {
			if p, ok := e.cache.(pinger); ok {
				if err := p.Ping(ctx); err != nil {
					return "down", err
				}
				return "up", nil
			}
			return strings.ToLower(cfg.Cache.Backend), nil
		},
		"workflow_engine": func(context.Context) (string, error) {
			if e.breaker == nil {
				return "not_configured", nil
			}
			state := e.breaker.State()
			if state == "open" {
				return state, errors.New("circuit open")
			}
			return state, nil
		},
		"fallback_model": func(context.Context) (string, error) {
			if e.model == nil {
				return "not_configured", errors.New("no fallback model configured")
			}
			return e.model.Name(), nil
		},
	}
	if e.redis != nil {
		checks["redis"] = func(ctx context.Context) (string, error) {
			if err := e.redis.Ping(ctx).Err(); err != nil {
				return "down", err
			}
			return "up", nil
		}
	}
	return checks
}

// startServer binds the listener synchronously so port conflicts fail Start.
func (e *Engine) startServer(cfg *config.Config) error {
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	e.listener = ln

	e.server = &http.Server{
		Handler:           e.handler,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout + 5*time.Second,
	}

	go func() {
		e.logger.Info("HTTP server listening", slog.String("addr", ln.Addr().String()))
		if err := e.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("server error", slog.String("error", err.Error()))
		}
	}()
	return nil
}
