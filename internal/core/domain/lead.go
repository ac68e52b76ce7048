package domain

import (
	"fmt"
	"time"
)

// Urgency ranks how quickly a lead needs attention.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Valid reports whether u is a known urgency.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical:
		return true
	}
	return false
}

// Channel is the medium a lead arrived through.
type Channel string

const (
	ChannelWhatsApp   Channel = "whatsapp"
	ChannelEmail      Channel = "email"
	ChannelChat       Channel = "chat"
	ChannelForm       Channel = "form"
	ChannelPhone      Channel = "phone"
	ChannelPlayground Channel = "playground"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelWhatsApp, ChannelEmail, ChannelChat, ChannelForm, ChannelPhone, ChannelPlayground:
		return true
	}
	return false
}

// ContactInfo identifies the person behind a lead. All fields are optional.
type ContactInfo struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// LeadMessage is an inbound unit of work. It is immutable once created.
type LeadMessage struct {
	ID          string            `json:"id"`
	ContactInfo ContactInfo       `json:"contactInfo"`
	Text        string            `json:"text"`
	LegalArea   string            `json:"legalArea,omitempty"`
	Urgency     Urgency           `json:"urgency"`
	Channel     Channel           `json:"channel"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// NewLeadMessage builds a lead with defaults applied for urgency and channel.
func NewLeadMessage(id, text string, urgency Urgency, channel Channel) (*LeadMessage, error) {
	if urgency == "" {
		urgency = UrgencyMedium
	}
	if channel == "" {
		channel = ChannelPlayground
	}
	if !urgency.Valid() {
		return nil, ErrValidation("urgency", fmt.Sprintf("unknown urgency %q", urgency))
	}
	if !channel.Valid() {
		return nil, ErrValidation("channel", fmt.Sprintf("unknown channel %q", channel))
	}
	return &LeadMessage{
		ID:        id,
		Text:      text,
		Urgency:   urgency,
		Channel:   channel,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// LeadOutcome is the externally reported result of a lead.
type LeadOutcome string

const (
	LeadOutcomeWon  LeadOutcome = "won"
	LeadOutcomeLost LeadOutcome = "lost"
)

// Valid reports whether o is a known outcome.
func (o LeadOutcome) Valid() bool {
	return o == LeadOutcomeWon || o == LeadOutcomeLost
}
