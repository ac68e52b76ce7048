// Package dispatch implements the Coordinator: the per-request state
// machine that validates, rate limits, resolves, executes and records.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/tjfontaine/lead-dispatch/internal/cache"
	"github.com/tjfontaine/lead-dispatch/internal/core/domain"
	"github.com/tjfontaine/lead-dispatch/internal/core/ports"
	"github.com/tjfontaine/lead-dispatch/internal/metrics"
	"github.com/tjfontaine/lead-dispatch/internal/registry"
	"github.com/tjfontaine/lead-dispatch/internal/sanitize"
	"github.com/tjfontaine/lead-dispatch/internal/tokens"
	"github.com/tjfontaine/lead-dispatch/internal/upstream"
)

const (
	// DefaultCacheTTL is how long a successful response is reused.
	DefaultCacheTTL = 60 * time.Second

	// settleTimeout bounds record and event writes that outlive the caller.
	settleTimeout = 5 * time.Second

	// limiterWarnInterval spaces out warnings while the limiter is down.
	limiterWarnInterval = 30 * time.Second
)

// Executor runs the upstream chain for one dispatch.
type Executor interface {
	Execute(ctx context.Context, req upstream.Request) (*upstream.Result, error)
}

// ExecuteRequest is the execute endpoint payload.
type ExecuteRequest struct {
	AgentID              string `json:"agentId"`
	Input                string `json:"input"`
	PreferWorkflowEngine *bool  `json:"preferWorkflowEngine,omitempty"`
	WorkflowID           string `json:"workflowId,omitempty"`
	LeadID               string `json:"leadId,omitempty"`
}

func (r *ExecuteRequest) preferWorkflow() bool {
	return r.PreferWorkflowEngine == nil || *r.PreferWorkflowEngine
}

// ExecuteResult is a settled dispatch.
type ExecuteResult struct {
	Success     bool          `json:"success"`
	Source      domain.Source `json:"source"`
	Response    string        `json:"response"`
	AgentName   string        `json:"agentName"`
	LatencyMs   int64         `json:"latencyMs"`
	ExecutionID string        `json:"executionId"`

	// RateLimit is the admission decision; it is set whenever the limiter ran.
	RateLimit *domain.RateLimitDecision `json:"-"`
}

// Options wires a Coordinator.
type Options struct {
	Registry *registry.Registry
	Executor Executor
	Limiter  ports.RateLimiter
	Cache    ports.ResponseCache
	CacheTTL time.Duration
	Log      ports.ExecutionLog
	Leads    ports.LeadStore
	Events   ports.EventPublisher
	Metrics  *metrics.Collectors
	Tokens   *tokens.Counter
	Limits   Limits
	Routing  Routing
	// Model names the tokenizer used for prompt token estimates.
	Model  string
	Logger *slog.Logger
}

// Coordinator is safe for concurrent use. It holds no global state.
type Coordinator struct {
	registry  *registry.Registry
	executor  Executor
	limiter   ports.RateLimiter
	cache     ports.ResponseCache
	cacheTTL  time.Duration
	log       ports.ExecutionLog
	leads     ports.LeadStore
	events    ports.EventPublisher
	metrics   *metrics.Collectors
	tokens    *tokens.Counter
	validator *validator
	router    *router
	model     string
	logger    *slog.Logger
	now       func() time.Time

	limiterWarn rate.Sometimes
}

// New creates a Coordinator. Registry, Executor and Log are required.
func New(opts Options) (*Coordinator, error) {
	if opts.Registry == nil || opts.Executor == nil || opts.Log == nil {
		return nil, errors.New("dispatch: registry, executor and execution log are required")
	}
	v, err := newValidator(opts.Limits)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		registry:  opts.Registry,
		executor:  opts.Executor,
		limiter:   opts.Limiter,
		cache:     opts.Cache,
		cacheTTL:  opts.CacheTTL,
		log:       opts.Log,
		leads:     opts.Leads,
		events:    opts.Events,
		metrics:   opts.Metrics,
		tokens:    opts.Tokens,
		validator: v,
		router:    newRouter(opts.Routing),
		model:     opts.Model,
		logger:    opts.Logger,
		now:       time.Now,
	}
	if c.cache == nil {
		c.cache = cache.Disabled{}
	}
	if c.cacheTTL <= 0 {
		c.cacheTTL = DefaultCacheTTL
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.limiterWarn.Interval = limiterWarnInterval
	return c, nil
}

// Admit charges one request to the caller's rate limit. Limiter failures
// admit the request; an unavailable limiter must not take the service down.
func (c *Coordinator) Admit(ctx context.Context, caller *ports.AuthContext) (*domain.RateLimitDecision, error) {
	if c.limiter == nil {
		return nil, nil
	}
	d, err := c.limiter.Allow(ctx, caller.CallerKey)
	if err != nil {
		c.limiterWarn.Do(func() {
			c.logger.Warn("rate limiter unavailable, admitting requests", "caller", caller.CallerKey, "error", err)
		})
		return nil, nil
	}
	if !d.Permit {
		if c.metrics != nil {
			c.metrics.ObserveRateLimited()
		}
		return &d, domain.ErrRateLimited(d.RetryAfter)
	}
	return &d, nil
}

// Execute runs one dispatch for an authenticated caller. On error the
// returned result may still be non-nil and carry the rate limit decision
// and the execution id of a recorded failure.
func (c *Coordinator) Execute(ctx context.Context, caller *ports.AuthContext, req ExecuteRequest) (*ExecuteResult, error) {
	if caller == nil {
		c.reject("authentication")
		return nil, domain.ErrAuthentication("authentication required").WithCode(domain.ErrorCodeMissingAPIKey)
	}

	decision, err := c.Admit(ctx, caller)
	if err != nil {
		return &ExecuteResult{RateLimit: decision}, err
	}

	if err := c.validator.Validate(&req); err != nil {
		c.reject("validation")
		return &ExecuteResult{RateLimit: decision}, err
	}

	res, err := c.dispatch(ctx, caller, dispatchInput{
		agentID:        req.AgentID,
		input:          req.Input,
		leadID:         req.LeadID,
		workflowID:     req.WorkflowID,
		preferWorkflow: req.preferWorkflow(),
	})
	if res == nil {
		res = &ExecuteResult{}
	}
	res.RateLimit = decision
	return res, err
}

type dispatchInput struct {
	agentID        string
	input          string
	lead           *domain.LeadMessage
	leadID         string
	workflowID     string
	preferWorkflow bool
}

// dispatch runs received → (cache_hit | resolved) → dispatched → settled → logged.
func (c *Coordinator) dispatch(ctx context.Context, caller *ports.AuthContext, in dispatchInput) (*ExecuteResult, error) {
	start := c.now()

	input := sanitize.Text(in.input)
	if input == "" {
		c.reject("validation")
		return nil, domain.ErrValidation("input", "input is empty after sanitization")
	}

	profile, err := c.registry.Resolve(in.agentID)
	if err != nil {
		c.reject("not_found")
		return nil, err
	}

	leadID := in.leadID
	if in.lead != nil {
		leadID = in.lead.ID
	}
	msg := domain.NewTaskRequest(profile.Name, in.lead, input)
	if !profile.Accepts(msg.Type) {
		c.reject("validation")
		return nil, domain.ErrValidation("agentId", "agent does not accept task requests")
	}
	logger := c.logger.With("agent", profile.Name, "dispatch_id", msg.ID)

	rec := &domain.ExecutionRecord{
		LeadMessageID: leadID,
		AgentName:     profile.Name,
		CallerKey:     caller.CallerKey,
		InputPreview:  domain.Preview(input),
	}

	if hit, ok := c.cache.Get(ctx, profile.Name, input); ok {
		c.observeCache(true)
		rec.Source = domain.SourceCache
		rec.Status = domain.ExecutionSuccess
		rec.OutputPreview = domain.Preview(hit.Response)
		return c.settle(ctx, logger, rec, start, hit.Response, nil)
	}
	c.observeCache(false)

	settleAgent := c.registry.Begin(profile.Name)
	// Guaranteed cleanup: a panic or early return still leaves the agent idle.
	defer func() { settleAgent(false, c.now().Sub(start)) }()

	if c.tokens != nil {
		rec.PromptTokens = c.tokens.Count(c.model, profile.SystemPrompt()+"\n"+input)
	}

	result, execErr := c.executor.Execute(ctx, upstream.Request{
		Profile:        profile,
		LeadID:         leadID,
		Input:          input,
		WorkflowID:     in.workflowID,
		PreferWorkflow: in.preferWorkflow,
	})
	rec.Source = domain.SourceFallbackModel
	if result != nil {
		rec.PrimaryMs = result.PrimaryLatency.Milliseconds()
		rec.FallbackMs = result.FallbackLatency.Milliseconds()
		if result.Source != "" {
			rec.Source = result.Source
		}
	}

	if execErr != nil {
		apiErr := domain.AsAPIError(execErr)
		rec.Status = domain.ExecutionError
		rec.ErrorDetail = sanitize.Text(apiErr.Details)
		if rec.ErrorDetail == "" {
			rec.ErrorDetail = apiErr.Message
		}
		settleAgent(false, c.now().Sub(start))
		out, _ := c.settle(ctx, logger, rec, start, "", apiErr)
		return out, apiErr
	}

	response := sanitize.Text(result.Response)
	rec.Source = result.Source
	rec.Status = domain.ExecutionSuccess
	rec.OutputPreview = domain.Preview(response)
	settleAgent(true, c.now().Sub(start))

	now := c.now()
	if err := c.cache.Put(ctx, profile.Name, input, domain.CachedResponse{
		Response:  response,
		Source:    result.Source,
		StoredAt:  now,
		ExpiresAt: now.Add(c.cacheTTL),
	}, c.cacheTTL); err != nil {
		logger.Warn("cache store failed", "error", err)
	}

	return c.settle(ctx, logger, rec, start, response, nil)
}

// settle writes the execution record and publishes it. The write survives
// caller cancellation so failures stay auditable.
func (c *Coordinator) settle(ctx context.Context, logger *slog.Logger, rec *domain.ExecutionRecord, start time.Time, response string, execErr *domain.APIError) (*ExecuteResult, error) {
	now := c.now()
	rec.ID = domain.NewID(now)
	rec.CreatedAt = now.UTC()
	rec.LatencyMs = now.Sub(start).Milliseconds()

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if err := c.log.Append(wctx, rec); err != nil {
		logger.Error("failed to append execution record", "execution_id", rec.ID, "error", err)
		if execErr != nil {
			return nil, execErr
		}
		return nil, domain.ErrInternal("failed to record execution").WithCause(err)
	}

	if c.metrics != nil {
		c.metrics.ObserveExecution(rec)
	}
	if c.events != nil {
		if err := c.events.Publish(wctx, rec); err != nil {
			logger.Warn("failed to publish execution event", "execution_id", rec.ID, "error", err)
		}
	}

	return &ExecuteResult{
		Success:     execErr == nil,
		Source:      rec.Source,
		Response:    response,
		AgentName:   rec.AgentName,
		LatencyMs:   rec.LatencyMs,
		ExecutionID: rec.ID,
	}, nil
}

func (c *Coordinator) observeCache(hit bool) {
	if c.metrics != nil {
		c.metrics.ObserveCache(hit)
	}
}

func (c *Coordinator) reject(reason string) {
	if c.metrics != nil {
		c.metrics.ObserveRejection(reason)
	}
}
