// Package direct provides an event publisher that writes execution events
// to the structured log. It is the default for single-instance deployments.
package direct

import (
	"context"
	"log/slog"

	"github.com/tjfontaine/lead-dispatch/internal/core/domain"
	"github.com/tjfontaine/lead-dispatch/internal/core/ports"
)

// Publisher implements ports.EventPublisher on top of slog.
type Publisher struct {
	logger *slog.Logger
}

var _ ports.EventPublisher = (*Publisher)(nil)

// NewPublisher creates a new direct event publisher.
func NewPublisher(logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{logger: logger}
}

// Publish logs the record summary. Previews are left out of the log line.
func (p *Publisher) Publish(ctx context.Context, rec *domain.ExecutionRecord) error {
	level := slog.LevelInfo
	if rec.Status == domain.ExecutionError {
		level = slog.LevelWarn
	}
	p.logger.LogAttrs(ctx, level, "execution recorded",
		slog.String("execution_id", rec.ID),
		slog.String("agent", rec.AgentName),
		slog.String("lead_id", rec.LeadMessageID),
		slog.String("source", string(rec.Source)),
		slog.String("status", string(rec.Status)),
		slog.Int64("latency_ms", rec.LatencyMs),
	)
	return nil
}

// Close is a no-op for direct publisher.
func (p *Publisher) Close() error {
	return nil
}
