package domain

import (
	"time"
	"unicode/utf8"
)

// Source names the stage that actually produced a response.
type Source string

const (
	SourceWorkflowEngine Source = "workflow_engine"
	SourceFallbackModel  Source = "fallback_model"
	SourceCache          Source = "cache"
)

// ExecutionStatus is the settled outcome of a dispatch.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionError   ExecutionStatus = "error"
)

// PreviewLimit bounds the runes kept in input and output previews.
const PreviewLimit = 500

// ExecutionRecord is the durable, append-only outcome of one dispatch.
type ExecutionRecord struct {
	ID            string          `json:"id" db:"id"`
	LeadMessageID string          `json:"leadMessageId,omitempty" db:"lead_message_id"`
	AgentName     string          `json:"agentName" db:"agent_name"`
	CallerKey     string          `json:"callerKey,omitempty" db:"caller_key"`
	InputPreview  string          `json:"inputPreview" db:"input_preview"`
	OutputPreview string          `json:"outputPreview" db:"output_preview"`
	Source        Source          `json:"source,omitempty" db:"source"`
	Status        ExecutionStatus `json:"status" db:"status"`
	LatencyMs     int64           `json:"latencyMs" db:"latency_ms"`
	PrimaryMs     int64           `json:"primaryMs,omitempty" db:"primary_ms"`
	FallbackMs    int64           `json:"fallbackMs,omitempty" db:"fallback_ms"`
	PromptTokens  int             `json:"promptTokens,omitempty" db:"prompt_tokens"`
	ErrorDetail   string          `json:"errorDetail,omitempty" db:"error_detail"`
	CreatedAt     time.Time       `json:"createdAt" db:"created_at"`
}

// Preview truncates s to PreviewLimit runes.
func Preview(s string) string {
	if utf8.RuneCountInString(s) <= PreviewLimit {
		return s
	}
	r := []rune(s)
	return string(r[:PreviewLimit]) + "..."
}

// ExecutionFilter narrows an ExecutionLog query. Zero fields match everything.
type ExecutionFilter struct {
	AgentName     string
	LeadMessageID string
	Status        ExecutionStatus
	Source        Source
	Since         time.Time
	Until         time.Time
}

// Matches reports whether rec satisfies the filter.
func (f ExecutionFilter) Matches(rec *ExecutionRecord) bool {
	if f.AgentName != "" && rec.AgentName != f.AgentName {
		return false
	}
	if f.LeadMessageID != "" && rec.LeadMessageID != f.LeadMessageID {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.Source != "" && rec.Source != f.Source {
		return false
	}
	if !f.Since.IsZero() && rec.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !rec.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

// Page requests a slice of results ordered newest first. Cursor is the ID of
// the last record of the previous page.
type Page struct {
	Limit  int
	Cursor string
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// Normalize clamps the limit into [1, MaxPageLimit].
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

// ExecutionPage is one page of query results.
type ExecutionPage struct {
	Records    []*ExecutionRecord `json:"records"`
	NextCursor string             `json:"nextCursor,omitempty"`
}

// CachedResponse is a stored agent response.
type CachedResponse struct {
	Response  string    `json:"response"`
	Source    Source    `json:"source"`
	StoredAt  time.Time `json:"storedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RateLimitDecision is the outcome of one rate-limit check.
type RateLimitDecision struct {
	Permit     bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}
