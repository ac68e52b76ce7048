package ports

import (
	"context"
	"time"

	"github.com/tjfontaine/lead-dispatch/internal/core/domain"
	"github.com/tjfontaine/lead-dispatch/internal/pkg/config"
)

// ConfigProvider loads and manages configuration.
// Implementations: file-based (default) or static (tests, embedding).
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	Watch(ctx context.Context, onChange func(*config.Config)) error
	Close() error
}

// AuthProvider verifies a caller credential.
// Implementations: API key (default).
type AuthProvider interface {
	Authenticate(ctx context.Context, token string) (*AuthContext, error)
}

// AuthContext is a verified caller identity.
type AuthContext struct {
	// CallerKey scopes rate limiting and appears on execution records.
	CallerKey   string
	Description string
	// KeyPrefix is a loggable prefix of the presented credential.
	KeyPrefix string
	Anonymous bool
}

// RateLimiter gates execution requests per caller key.
// Implementations: in-memory token bucket, Redis fixed window, unlimited.
type RateLimiter interface {
	Allow(ctx context.Context, callerKey string) (domain.RateLimitDecision, error)
}

// ResponseCache stores agent responses keyed by agent and normalized input.
// A miss and an unavailable backend look identical to callers.
type ResponseCache interface {
	Get(ctx context.Context, agentName, input string) (*domain.CachedResponse, bool)
	Put(ctx context.Context, agentName, input string, resp domain.CachedResponse, ttl time.Duration) error
}

// WorkflowRequest is the outbound payload for the primary stage.
type WorkflowRequest struct {
	AgentID    string             `json:"agentId"`
	AgentName  string             `json:"agentName,omitempty"`
	WorkflowID string             `json:"workflowId,omitempty"`
	LeadID     string             `json:"leadId,omitempty"`
	Prompt     string             `json:"prompt"`
	Parameters WorkflowParameters `json:"parameters"`
}

// WorkflowParameters are the sampling settings forwarded to the workflow engine.
type WorkflowParameters struct {
	Temperature      float64 `json:"temperature"`
	TopP             float64 `json:"top_p"`
	FrequencyPenalty float64 `json:"frequency_penalty"`
	PresencePenalty  float64 `json:"presence_penalty"`
}

// WorkflowEngine is the primary execution stage.
type WorkflowEngine interface {
	Run(ctx context.Context, req *WorkflowRequest) (string, error)
}

// CompletionRequest is a single-turn chat completion.
type CompletionRequest struct {
	SystemPrompt string
	UserInput    string
	Parameters   domain.ResolvedParameters
}

// Completion is the text produced by a model provider.
type Completion struct {
	Text  string
	Model string
}

// ModelProvider is the fallback execution stage.
// Implementations: OpenAI chat completions, Anthropic messages.
type ModelProvider interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
}

// ExecutionLog is the append-only store of execution records.
type ExecutionLog interface {
	Append(ctx context.Context, rec *domain.ExecutionRecord) error
	Get(ctx context.Context, id string) (*domain.ExecutionRecord, error)
	Query(ctx context.Context, filter domain.ExecutionFilter, page domain.Page) (*domain.ExecutionPage, error)
}

// LeadStore persists inbound leads and their reported outcomes.
type LeadStore interface {
	SaveLead(ctx context.Context, lead *domain.LeadMessage) error
	GetLead(ctx context.Context, id string) (*domain.LeadMessage, error)
	SetOutcome(ctx context.Context, leadID string, outcome domain.LeadOutcome) error
	LeadCounts(ctx context.Context) (total, won, decided int64, err error)
}

// StorageProvider bundles the durable stores.
// Implementations: SQL (sqlite, postgres) and in-memory.
type StorageProvider interface {
	ExecutionLog
	LeadStore
	Ping(ctx context.Context) error
	Close() error
}

// EventPublisher announces appended execution records.
// Implementations: direct (log), AMQP.
type EventPublisher interface {
	Publish(ctx context.Context, rec *domain.ExecutionRecord) error
	Close() error
}
