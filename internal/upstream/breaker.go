package upstream

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/tjfontaine/lead-dispatch/internal/core/domain"
	"github.com/tjfontaine/lead-dispatch/internal/core/ports"
)

const (
	defaultBreakerFailures uint32 = 5
	defaultBreakerTimeout         = 30 * time.Second
	defaultBreakerInterval        = 60 * time.Second
)

// BreakerConfig configures the workflow circuit breaker. Zero fields use defaults.
type BreakerConfig struct {
	MaxFailures uint32
	Timeout     time.Duration
	Interval    time.Duration
}

// BreakerWorkflow wraps a WorkflowEngine so that repeated failures skip the
// primary stage until the breaker half-opens.
type BreakerWorkflow struct {
	inner   ports.WorkflowEngine
	breaker *gobreaker.CircuitBreaker[string]
}

// NewBreakerWorkflow wraps inner with a circuit breaker.
func NewBreakerWorkflow(inner ports.WorkflowEngine, cfg BreakerConfig, logger *slog.Logger) *BreakerWorkflow {
	if logger == nil {
		logger = slog.Default()
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	cb := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "workflow",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// A caller hanging up says nothing about workflow health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &BreakerWorkflow{inner: inner, breaker: cb}
}

// Run routes the call through the breaker.
func (b *BreakerWorkflow) Run(ctx context.Context, req *ports.WorkflowRequest) (string, error) {
	out, err := b.breaker.Execute(func() (string, error) {
		return b.inner.Run(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", &StageError{Stage: domain.SourceWorkflowEngine, Reason: "circuit open", Err: err}
		}
		return "", err
	}
	return out, nil
}

// State reports the breaker state name: closed, half-open or open.
func (b *BreakerWorkflow) State() string {
	return b.breaker.State().String()
}
