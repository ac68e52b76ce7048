package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tjfontaine/lead-dispatch/internal/core/domain"
)

// EnvPrefix scopes environment overrides, e.g. DISPATCH_SERVER__PORT=9090.
const EnvPrefix = "DISPATCH_"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Auth      AuthConfig      `koanf:"auth"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Cache     CacheConfig     `koanf:"cache"`
	Redis     RedisConfig     `koanf:"redis"`
	Storage   StorageConfig   `koanf:"storage"`
	Workflow  WorkflowConfig  `koanf:"workflow"`
	Fallback  FallbackConfig  `koanf:"fallback"`
	Agents    []AgentConfig   `koanf:"agents"`
	Routing   RoutingConfig   `koanf:"routing"`
	Events    EventsConfig    `koanf:"events"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Limits    LimitsConfig    `koanf:"limits"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	CORS           CORSConfig    `koanf:"cors"`
}

// CORSConfig lists browser origins allowed to call the API. Empty means any.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

type AuthConfig struct {
	APIKeys []APIKeyConfig `koanf:"api_keys"`
	// AllowAnonymous admits requests without a credential under the global caller key.
	AllowAnonymous bool `koanf:"allow_anonymous"`
}

type APIKeyConfig struct {
	KeyHash     string `koanf:"key_hash"`
	Caller      string `koanf:"caller"`
	Description string `koanf:"description"`
}

type RateLimitConfig struct {
	Backend  string        `koanf:"backend"` // memory, redis, none
	Requests int           `koanf:"requests"`
	Window   time.Duration `koanf:"window"`
}

type CacheConfig struct {
	Backend  string        `koanf:"backend"` // memory, redis, none
	TTL      time.Duration `koanf:"ttl"`
	Capacity int           `koanf:"capacity"`
}

type RedisConfig struct {
	Address  string `koanf:"address"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

// StorageConfig selects the ExecutionLog backend.
type StorageConfig struct {
	Driver string `koanf:"driver"` // sqlite, postgres, memory
	DSN    string `koanf:"dsn"`
}

type WorkflowConfig struct {
	URL     string            `koanf:"url"`
	Timeout time.Duration     `koanf:"timeout"`
	Headers map[string]string `koanf:"headers"`
	Breaker BreakerConfig     `koanf:"breaker"`
}

// BreakerConfig tunes the circuit breaker around the workflow engine.
type BreakerConfig struct {
	MaxFailures uint32        `koanf:"max_failures"`
	Timeout     time.Duration `koanf:"timeout"`
	Interval    time.Duration `koanf:"interval"`
}

type FallbackConfig struct {
	Provider string          `koanf:"provider"` // openai, anthropic
	APIKey   string          `koanf:"api_key"`
	BaseURL  string          `koanf:"base_url"`
	Model    string          `koanf:"model"`
	Timeout  time.Duration   `koanf:"timeout"`
	Defaults ParameterConfig `koanf:"defaults"`
}

type ParameterConfig struct {
	Temperature      float64 `koanf:"temperature"`
	TopP             float64 `koanf:"top_p"`
	FrequencyPenalty float64 `koanf:"frequency_penalty"`
	PresencePenalty  float64 `koanf:"presence_penalty"`
	MaxTokens        int64   `koanf:"max_tokens"`
}

// AgentConfig is the persisted form of an agent profile.
type AgentConfig struct {
	ID                     string                 `koanf:"id"`
	Name                   string                 `koanf:"name"`
	Specialization         string                 `koanf:"specialization"`
	Description            string                 `koanf:"description"`
	Objective              string                 `koanf:"objective"`
	LegalArea              string                 `koanf:"legal_area"`
	PromptTemplate         string                 `koanf:"prompt_template"`
	QualificationQuestions []string               `koanf:"qualification_questions"`
	Keywords               []string               `koanf:"keywords"`
	Capabilities           []string               `koanf:"capabilities"`
	Parameters             domain.AgentParameters `koanf:"parameters"`
	WorkflowID             string                 `koanf:"workflow_id"`
	Disabled               bool                   `koanf:"disabled"`
}

// Profile converts the persisted form into a domain profile.
func (a AgentConfig) Profile() *domain.AgentProfile {
	caps := make([]domain.MessageType, 0, len(a.Capabilities))
	for _, c := range a.Capabilities {
		caps = append(caps, domain.MessageType(c))
	}
	return &domain.AgentProfile{
		ID:                     a.ID,
		Name:                   a.Name,
		Specialization:         a.Specialization,
		Description:            a.Description,
		Objective:              a.Objective,
		LegalArea:              a.LegalArea,
		PromptTemplate:         a.PromptTemplate,
		QualificationQuestions: a.QualificationQuestions,
		Keywords:               a.Keywords,
		Capabilities:           caps,
		Parameters:             a.Parameters,
		WorkflowID:             a.WorkflowID,
		Active:                 !a.Disabled,
	}
}

// RoutingConfig maps lead attributes to an ordered chain of agent names.
type RoutingConfig struct {
	Rules        []RoutingRule `koanf:"rules"`
	DefaultChain []string      `koanf:"default_chain"`
}

// RoutingRule matches when every non-empty field equals the lead's value.
type RoutingRule struct {
	LegalArea string   `koanf:"legal_area"`
	Channel   string   `koanf:"channel"`
	Urgency   string   `koanf:"urgency"`
	Chain     []string `koanf:"chain"`
}

type EventsConfig struct {
	Backend  string `koanf:"backend"` // none, direct, amqp
	URL      string `koanf:"url"`
	Exchange string `koanf:"exchange"`
}

type MetricsConfig struct {
	// Refresh is a cron spec for snapshot recomputation, e.g. "@every 30s".
	Refresh string `koanf:"refresh"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

type LimitsConfig struct {
	MaxAgentID int `koanf:"max_agent_id"`
	MaxInput   int `koanf:"max_input"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

var defaults = map[string]any{
	"server.port":                   8080,
	"server.request_timeout":        "30s",
	"rate_limit.backend":            "memory",
	"rate_limit.requests":           100,
	"rate_limit.window":             "60s",
	"cache.backend":                 "memory",
	"cache.ttl":                     "60s",
	"cache.capacity":                1024,
	"redis.prefix":                  "dispatch:",
	"storage.driver":                "sqlite",
	"storage.dsn":                   "./data/dispatch.db",
	"workflow.timeout":              "8s",
	"workflow.breaker.max_failures": 5,
	"workflow.breaker.timeout":      "30s",
	"workflow.breaker.interval":     "60s",
	"fallback.provider":             "openai",
	"fallback.api_key":              "${OPENAI_API_KEY}",
	"fallback.model":                "gpt-4o-mini",
	"fallback.timeout":              "20s",
	"fallback.defaults.temperature": 0.7,
	"fallback.defaults.top_p":       0.9,
	"fallback.defaults.max_tokens":  1000,
	"events.backend":                "direct",
	"events.exchange":               "dispatch.events",
	"metrics.refresh":               "@every 30s",
	"telemetry.service_name":        "lead-dispatch",
	"limits.max_agent_id":           128,
	"limits.max_input":              8000,
}

// Load reads path (if it exists), applies DISPATCH_ environment overrides,
// then fills defaults for anything still unset.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// File not found is OK, we'll use env vars
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	return unmarshal(k)
}

// Default returns the configuration produced by an empty file and environment.
func Default() *Config {
	cfg, err := unmarshal(koanf.New("."))
	if err != nil {
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	return cfg
}

func unmarshal(k *koanf.Koanf) (*Config, error) {
	for key, val := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, val); err != nil {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Fallback.APIKey = substituteEnvVars(cfg.Fallback.APIKey)
	cfg.Fallback.BaseURL = substituteEnvVars(cfg.Fallback.BaseURL)
	cfg.Workflow.URL = substituteEnvVars(cfg.Workflow.URL)
	cfg.Redis.Password = substituteEnvVars(cfg.Redis.Password)
	cfg.Storage.DSN = substituteEnvVars(cfg.Storage.DSN)
	cfg.Events.URL = substituteEnvVars(cfg.Events.URL)
	for h, v := range cfg.Workflow.Headers {
		cfg.Workflow.Headers[h] = substituteEnvVars(v)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.RateLimit.Requests <= 0 {
		return fmt.Errorf("rate_limit.requests must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be positive")
	}
	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agents[%d]: name is required", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("agents[%d]: duplicate agent name %q", i, a.Name)
		}
		seen[a.Name] = true
	}
	return nil
}

// DefaultParameters returns the system-wide model parameter defaults.
func (c *Config) DefaultParameters() domain.ResolvedParameters {
	d := c.Fallback.Defaults
	return domain.ResolvedParameters{
		Model:            c.Fallback.Model,
		Temperature:      d.Temperature,
		TopP:             d.TopP,
		FrequencyPenalty: d.FrequencyPenalty,
		PresencePenalty:  d.PresencePenalty,
		MaxTokens:        d.MaxTokens,
	}
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
