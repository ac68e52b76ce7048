package domain

import (
	"strings"
	"time"
)

// AgentParameters are the model sampling settings attached to a profile.
// Nil fields fall back to system-wide defaults.
type AgentParameters struct {
	Model            string   `json:"model,omitempty" koanf:"model"`
	Temperature      *float64 `json:"temperature,omitempty" koanf:"temperature"`
	TopP             *float64 `json:"top_p,omitempty" koanf:"top_p"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty" koanf:"frequency_penalty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty" koanf:"presence_penalty"`
	MaxTokens        *int64   `json:"max_tokens,omitempty" koanf:"max_tokens"`
}

// ResolvedParameters is AgentParameters with every field populated.
type ResolvedParameters struct {
	Model            string  `json:"model"`
	Temperature      float64 `json:"temperature"`
	TopP             float64 `json:"top_p"`
	FrequencyPenalty float64 `json:"frequency_penalty"`
	PresencePenalty  float64 `json:"presence_penalty"`
	MaxTokens        int64   `json:"max_tokens"`
}

// Resolve fills unset fields from defaults.
func (p AgentParameters) Resolve(defaults ResolvedParameters) ResolvedParameters {
	out := defaults
	if p.Model != "" {
		out.Model = p.Model
	}
	if p.Temperature != nil {
		out.Temperature = *p.Temperature
	}
	if p.TopP != nil {
		out.TopP = *p.TopP
	}
	if p.FrequencyPenalty != nil {
		out.FrequencyPenalty = *p.FrequencyPenalty
	}
	if p.PresencePenalty != nil {
		out.PresencePenalty = *p.PresencePenalty
	}
	if p.MaxTokens != nil {
		out.MaxTokens = *p.MaxTokens
	}
	return out
}

// AgentProfile is the static configuration of a processing capability.
type AgentProfile struct {
	ID                     string          `json:"id"`
	Name                   string          `json:"name"`
	Specialization         string          `json:"specialization"`
	Description            string          `json:"description,omitempty"`
	Objective              string          `json:"objective,omitempty"`
	LegalArea              string          `json:"legalArea,omitempty"`
	PromptTemplate         string          `json:"promptTemplate,omitempty"`
	QualificationQuestions []string        `json:"qualificationQuestions,omitempty"`
	Keywords               []string        `json:"keywords,omitempty"`
	Capabilities           []MessageType   `json:"capabilities"`
	Parameters             AgentParameters `json:"parameters"`
	WorkflowID             string          `json:"workflowId,omitempty"`
	Active                 bool            `json:"active"`
}

// Accepts reports whether the agent handles messages of type t.
// Profiles without declared capabilities accept task requests only.
func (a *AgentProfile) Accepts(t MessageType) bool {
	if len(a.Capabilities) == 0 {
		return t == MessageTypeTaskRequest
	}
	for _, c := range a.Capabilities {
		if c == t {
			return true
		}
	}
	return false
}

// SystemPrompt renders the instruction block sent to a fallback model.
func (a *AgentProfile) SystemPrompt() string {
	var b strings.Builder
	if a.PromptTemplate != "" {
		b.WriteString(a.PromptTemplate)
		b.WriteString("\n\n")
	}
	if a.Description != "" {
		b.WriteString(a.Description)
		b.WriteString("\n")
	}
	if a.Specialization != "" {
		b.WriteString("Specialization: ")
		b.WriteString(a.Specialization)
		b.WriteString("\n")
	}
	if a.LegalArea != "" {
		b.WriteString("Legal area: ")
		b.WriteString(a.LegalArea)
		b.WriteString("\n")
	}
	if a.Objective != "" {
		b.WriteString("Objective: ")
		b.WriteString(a.Objective)
		b.WriteString("\n")
	}
	if len(a.QualificationQuestions) > 0 {
		b.WriteString("\nQualification questions:\n")
		for _, q := range a.QualificationQuestions {
			b.WriteString("- ")
			b.WriteString(q)
			b.WriteString("\n")
		}
	}
	if len(a.Keywords) > 0 {
		b.WriteString("\nAction keywords: ")
		b.WriteString(strings.Join(a.Keywords, ", "))
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// WorkflowPrompt renders the prompt forwarded to the workflow engine.
func (a *AgentProfile) WorkflowPrompt(input string) string {
	if a.PromptTemplate == "" {
		return input
	}
	return a.PromptTemplate + "\n\nUser input: " + input
}

// AgentStatus is the coarse runtime state of an agent.
type AgentStatus string

const (
	AgentStatusIdle       AgentStatus = "idle"
	AgentStatusProcessing AgentStatus = "processing"
	AgentStatusActive     AgentStatus = "active"
)

// AgentRuntimeState holds the mutable counters of one agent.
// MessagesProcessed always equals SuccessCount + FailureCount once a dispatch settles.
type AgentRuntimeState struct {
	AgentName           string      `json:"agentName"`
	Status              AgentStatus `json:"status"`
	InFlight            int         `json:"inFlight"`
	MessagesProcessed   int64       `json:"messagesProcessed"`
	SuccessCount        int64       `json:"successCount"`
	FailureCount        int64       `json:"failureCount"`
	RollingAvgLatencyMs float64     `json:"rollingAvgLatencyMs"`
	LastActivity        time.Time   `json:"lastActivity,omitempty"`
}

// SuccessRate returns SuccessCount / MessagesProcessed, or 0 with no history.
func (s AgentRuntimeState) SuccessRate() float64 {
	if s.MessagesProcessed == 0 {
		return 0
	}
	return float64(s.SuccessCount) / float64(s.MessagesProcessed)
}
