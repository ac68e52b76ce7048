package upstream

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/lead-dispatch/internal/core/domain"
	"github.com/tjfontaine/lead-dispatch/internal/core/ports"
)

const tracerName = "github.com/tjfontaine/lead-dispatch/internal/upstream"

// Request is one execution through the chain.
type Request struct {
	Profile    *domain.AgentProfile
	LeadID     string
	Input      string
	WorkflowID string
	// PreferWorkflow false skips the primary stage.
	PreferWorkflow bool
}

// Result describes the stage that answered and how long each stage took.
type Result struct {
	Response        string
	Model           string
	PrimaryLatency  time.Duration
	FallbackLatency time.Duration
	// Source is the stage that produced Response, or the last stage
	// attempted when the chain failed.
	Source domain.Source
	// PrimaryErr is set when the primary stage was attempted and failed.
	PrimaryErr error
}

// Chain tries the workflow engine once, then the model provider once.
type Chain struct {
	primary         ports.WorkflowEngine
	fallback        ports.ModelProvider
	fallbackTimeout time.Duration
	defaults        domain.ResolvedParameters
	logger          *slog.Logger
	tracer          trace.Tracer
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithFallbackTimeout bounds the model call.
func WithFallbackTimeout(d time.Duration) ChainOption {
	return func(c *Chain) {
		if d > 0 {
			c.fallbackTimeout = d
		}
	}
}

// WithDefaults sets the parameters used when a profile leaves them unset.
func WithDefaults(p domain.ResolvedParameters) ChainOption {
	return func(c *Chain) { c.defaults = p }
}

// WithLogger sets the chain logger.
func WithLogger(l *slog.Logger) ChainOption {
	return func(c *Chain) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewChain builds a chain. Either stage may be nil; a nil primary always
// falls through and a nil fallback makes primary failures terminal.
// The primary stage enforces its own deadline.
func NewChain(primary ports.WorkflowEngine, fallback ports.ModelProvider, opts ...ChainOption) *Chain {
	c := &Chain{
		primary:         primary,
		fallback:        fallback,
		fallbackTimeout: 20 * time.Second,
		logger:          slog.Default(),
		tracer:          otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HasPrimary reports whether a workflow engine is configured.
func (c *Chain) HasPrimary() bool { return c.primary != nil }

// HasFallback reports whether a model provider is configured.
func (c *Chain) HasFallback() bool { return c.fallback != nil }

// Execute runs the chain. The returned Result is non-nil even on failure so
// callers can record per-stage latency. The error is an *domain.APIError.
func (c *Chain) Execute(ctx context.Context, req Request) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "upstream.execute", trace.WithAttributes(
		attribute.String("agent.name", req.Profile.Name),
	))
	defer span.End()

	params := req.Profile.Parameters.Resolve(c.defaults)
	res := &Result{}

	if req.PreferWorkflow && c.primary != nil {
		start := time.Now()
		out, err := c.primary.Run(ctx, &ports.WorkflowRequest{
			AgentID:    req.Profile.ID,
			AgentName:  req.Profile.Name,
			WorkflowID: firstNonEmpty(req.WorkflowID, req.Profile.WorkflowID),
			LeadID:     req.LeadID,
			Prompt:     req.Profile.WorkflowPrompt(req.Input),
			Parameters: ports.WorkflowParameters{
				Temperature:      params.Temperature,
				TopP:             params.TopP,
				FrequencyPenalty: params.FrequencyPenalty,
				PresencePenalty:  params.PresencePenalty,
			},
		})
		res.PrimaryLatency = time.Since(start)
		res.Source = domain.SourceWorkflowEngine
		if err == nil {
			// Injected engines may hand back the raw webhook body.
			if out = NormalizeWorkflowBody([]byte(out)); out == "" {
				err = &StageError{Stage: domain.SourceWorkflowEngine, Reason: "empty response", Err: errors.New("workflow returned an empty body")}
			}
		}
		if err == nil {
			res.Response = out
			span.SetAttributes(attribute.String("upstream.source", string(res.Source)))
			return res, nil
		}

		se := stageError(domain.SourceWorkflowEngine, err)
		res.PrimaryErr = se
		span.AddEvent("primary failed", trace.WithAttributes(attribute.String("reason", se.Summary())))
		c.logger.Warn("workflow stage failed",
			"agent", req.Profile.Name,
			"reason", se.Summary(),
			"elapsed", res.PrimaryLatency,
		)

		// The caller went away; do not spend a model call on it.
		if errors.Is(ctx.Err(), context.Canceled) {
			return res, c.fail(span, domain.ErrUpstream("request cancelled").WithCause(ctx.Err()))
		}
	}

	if c.fallback == nil {
		if res.Source == "" {
			res.Source = domain.SourceFallbackModel
		}
		detail := "no fallback model configured"
		if res.PrimaryErr != nil {
			detail = res.PrimaryErr.Error()
		}
		return res, c.fail(span, domain.ErrUpstream(detail).WithCause(res.PrimaryErr))
	}

	fctx, cancel := context.WithTimeout(ctx, c.fallbackTimeout)
	defer cancel()

	start := time.Now()
	res.Source = domain.SourceFallbackModel
	completion, err := c.fallback.Complete(fctx, &ports.CompletionRequest{
		SystemPrompt: req.Profile.SystemPrompt(),
		UserInput:    req.Input,
		Parameters:   params,
	})
	res.FallbackLatency = time.Since(start)
	if err != nil {
		se := stageError(domain.SourceFallbackModel, err)
		c.logger.Error("fallback stage failed",
			"agent", req.Profile.Name,
			"provider", c.fallback.Name(),
			"reason", se.Summary(),
			"elapsed", res.FallbackLatency,
		)
		detail := se.Error()
		if res.PrimaryErr != nil {
			detail = res.PrimaryErr.Error() + "; " + detail
		}
		if se.Timeout() {
			return res, c.fail(span, domain.ErrUpstreamTimeout(detail).WithCause(err))
		}
		return res, c.fail(span, domain.ErrUpstream(detail).WithCause(err))
	}

	res.Response = completion.Text
	res.Model = completion.Model
	span.SetAttributes(
		attribute.String("upstream.source", string(res.Source)),
		attribute.String("upstream.model", completion.Model),
	)
	return res, nil
}

func (c *Chain) fail(span trace.Span, err *domain.APIError) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Message)
	return err
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
