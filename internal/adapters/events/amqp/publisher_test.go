package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/lead-dispatch/internal/core/domain"
)

type published struct {
	exchange string
	key      string
	msg      amqp091.Publishing
}

type fakeChannel struct {
	sent   *[]published
	err    error
	closed bool
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	if f.err != nil {
		return f.err
	}
	*f.sent = append(*f.sent, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestPublisher_PublishesEnvelope(t *testing.T) {
	var sent []published
	var channels []*fakeChannel
	p := NewWithChannels(func() (Channel, error) {
		ch := &fakeChannel{sent: &sent}
		channels = append(channels, ch)
		return ch, nil
	}, nil, "dispatch.events", nil)

	rec := &domain.ExecutionRecord{ID: "01X", LeadMessageID: "lead-1", AgentName: "qualifier", Status: domain.ExecutionSuccess}
	require.NoError(t, p.Publish(context.Background(), rec))

	require.Len(t, sent, 1)
	assert.Equal(t, "dispatch.events", sent[0].exchange)
	assert.Equal(t, "execution.success", sent[0].key)
	assert.Equal(t, "lead-1", sent[0].msg.CorrelationId)
	assert.Equal(t, amqp091.Persistent, sent[0].msg.DeliveryMode)
	assert.True(t, channels[0].closed, "channel is closed after publish")

	var env Envelope
	require.NoError(t, json.Unmarshal(sent[0].msg.Body, &env))
	assert.Equal(t, EventType, env.Meta.Type)
	assert.Equal(t, sent[0].msg.MessageId, env.Meta.ID)
	assert.Equal(t, "qualifier", env.Data.AgentName)
}

func TestPublisher_CorrelatesOnRecordWithoutLead(t *testing.T) {
	var sent []published
	p := NewWithChannels(func() (Channel, error) { return &fakeChannel{sent: &sent}, nil }, nil, "x", nil)

	require.NoError(t, p.Publish(context.Background(), &domain.ExecutionRecord{ID: "01Y", Status: domain.ExecutionError}))
	assert.Equal(t, "01Y", sent[0].msg.CorrelationId)
	assert.Equal(t, "execution.error", sent[0].key)
}

func TestPublisher_Errors(t *testing.T) {
	p := NewWithChannels(func() (Channel, error) { return nil, errors.New("conn closed") }, nil, "x", nil)
	assert.Error(t, p.Publish(context.Background(), &domain.ExecutionRecord{ID: "1"}))

	var sent []published
	p = NewWithChannels(func() (Channel, error) {
		return &fakeChannel{sent: &sent, err: amqp091.ErrClosed}, nil
	}, nil, "x", nil)
	err := p.Publish(context.Background(), &domain.ExecutionRecord{ID: "1"})
	assert.ErrorIs(t, err, amqp091.ErrClosed)
}
