// Package amqp publishes execution events to a RabbitMQ topic exchange.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/tjfontaine/lead-dispatch/internal/core/domain"
	"github.com/tjfontaine/lead-dispatch/internal/core/ports"
)

// EventType is the envelope type of every published record.
const EventType = "execution.recorded"

// Meta is the envelope header.
type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	CorrelationID string    `json:"correlationId"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// Envelope wraps a record for the wire.
type Envelope struct {
	Meta Meta                    `json:"meta"`
	Data *domain.ExecutionRecord `json:"data"`
}

// Channel is the subset of *amqp091.Channel the publisher uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Publisher implements ports.EventPublisher. A channel is opened per
// publish; amqp channels are not safe for concurrent use.
type Publisher struct {
	open     func() (Channel, error)
	closeFn  func() error
	exchange string
	log      *slog.Logger
}

var _ ports.EventPublisher = (*Publisher)(nil)

// New dials url and declares a durable topic exchange.
func New(url, exchange string, logger *slog.Logger) (*Publisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	open := func() (Channel, error) {
		return conn.Channel()
	}
	return NewWithChannels(open, conn.Close, exchange, logger), nil
}

// NewWithChannels builds a publisher over an arbitrary channel source.
func NewWithChannels(open func() (Channel, error), closeFn func() error, exchange string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{open: open, closeFn: closeFn, exchange: exchange, log: logger}
}

// RoutingKey returns the topic key for rec, e.g. execution.success.
func RoutingKey(rec *domain.ExecutionRecord) string {
	return "execution." + string(rec.Status)
}

// Publish sends rec inside an Envelope.
func (p *Publisher) Publish(ctx context.Context, rec *domain.ExecutionRecord) error {
	cid := rec.LeadMessageID
	if cid == "" {
		cid = rec.ID
	}
	env := Envelope{
		Meta: Meta{
			ID:            uuid.NewString(),
			Type:          EventType,
			CorrelationID: cid,
			OccurredAt:    rec.CreatedAt,
		},
		Data: rec,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	ch, err := p.open()
	if err != nil {
		return fmt.Errorf("open amqp channel: %w", err)
	}
	defer ch.Close()

	key := RoutingKey(rec)
	err = ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: cid,
		Type:          EventType,
		Timestamp:     time.Now(),
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	p.log.Debug("published", slog.String("key", key), slog.String("exchange", p.exchange))
	return nil
}

// Close closes the underlying connection.
func (p *Publisher) Close() error {
	if p.closeFn == nil {
		return nil
	}
	return p.closeFn()
}
