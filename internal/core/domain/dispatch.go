package domain

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// MessageType classifies a DispatchMessage.
type MessageType string

const (
	MessageTypeTaskRequest  MessageType = "task_request"
	MessageTypeTaskResponse MessageType = "task_response"
	MessageTypeStatusUpdate MessageType = "status_update"
	MessageTypeError        MessageType = "error"
)

// Priority mirrors Urgency for messages moving between agents.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// PriorityFor maps a lead urgency onto a message priority.
func PriorityFor(u Urgency) Priority {
	switch u {
	case UrgencyLow:
		return PriorityLow
	case UrgencyHigh:
		return PriorityHigh
	case UrgencyCritical:
		return PriorityCritical
	default:
		return PriorityMedium
	}
}

// CoordinatorName is the sender of every task request.
const CoordinatorName = "coordinator"

// DispatchMessage is the ephemeral unit passed between the coordinator and an agent.
type DispatchMessage struct {
	ID               string         `json:"id"`
	From             string         `json:"from"`
	To               string         `json:"to"`
	Type             MessageType    `json:"type"`
	Payload          map[string]any `json:"payload"`
	Timestamp        time.Time      `json:"timestamp"`
	Priority         Priority       `json:"priority"`
	RequiresResponse bool           `json:"requiresResponse"`
}

// NewTaskRequest builds the request message for one dispatch.
func NewTaskRequest(to string, lead *LeadMessage, input string) *DispatchMessage {
	now := time.Now().UTC()
	payload := map[string]any{"input": input}
	priority := PriorityMedium
	if lead != nil {
		payload["leadId"] = lead.ID
		if lead.LegalArea != "" {
			payload["legalArea"] = lead.LegalArea
		}
		priority = PriorityFor(lead.Urgency)
	}
	return &DispatchMessage{
		ID:               NewID(now),
		From:             CoordinatorName,
		To:               to,
		Type:             MessageTypeTaskRequest,
		Payload:          payload,
		Timestamp:        now,
		Priority:         priority,
		RequiresResponse: true,
	}
}

// NewID returns a lexicographically time-sortable identifier. The shared
// entropy source is monotonic and safe for concurrent use.
func NewID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}
