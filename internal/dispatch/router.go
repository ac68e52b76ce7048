package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/tjfontaine/lead-dispatch/internal/core/domain"
	"github.com/tjfontaine/lead-dispatch/internal/core/ports"
	"github.com/tjfontaine/lead-dispatch/internal/storage"
)

// Rule selects an agent chain for leads whose attributes match. Empty
// fields match anything; LegalArea compares case-insensitively.
type Rule struct {
	LegalArea string
	Channel   domain.Channel
	Urgency   domain.Urgency
	Chain     []string
}

func (r Rule) matches(lead *domain.LeadMessage) bool {
	if r.LegalArea != "" && !strings.EqualFold(r.LegalArea, lead.LegalArea) {
		return false
	}
	if r.Channel != "" && r.Channel != lead.Channel {
		return false
	}
	if r.Urgency != "" && r.Urgency != lead.Urgency {
		return false
	}
	return true
}

// Routing is the ordered rule set plus the chain used when nothing matches.
type Routing struct {
	Rules        []Rule
	DefaultChain []string
}

type router struct {
	routing atomic.Pointer[Routing]
}

func newRouter(r Routing) *router {
	rt := &router{}
	rt.routing.Store(&r)
	return rt
}

func (r *router) chainFor(lead *domain.LeadMessage) []string {
	routing := r.routing.Load()
	for _, rule := range routing.Rules {
		if rule.matches(lead) && len(rule.Chain) > 0 {
			return rule.Chain
		}
	}
	return routing.DefaultChain
}

// SetRouting swaps the routing table; in-flight leads keep their chain.
func (c *Coordinator) SetRouting(r Routing) {
	c.router.routing.Store(&r)
}

// LeadRequest is the lead intake payload.
type LeadRequest struct {
	ContactInfo domain.ContactInfo `json:"contactInfo"`
	Text        string             `json:"text"`
	LegalArea   string             `json:"legalArea,omitempty"`
	Urgency     domain.Urgency     `json:"urgency,omitempty"`
	Channel     domain.Channel     `json:"channel,omitempty"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
}

// StageResult is one agent's contribution to a lead.
type StageResult struct {
	AgentName   string        `json:"agentName"`
	Success     bool          `json:"success"`
	Source      domain.Source `json:"source,omitempty"`
	Response    string        `json:"response,omitempty"`
	LatencyMs   int64         `json:"latencyMs"`
	ExecutionID string        `json:"executionId,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// LeadResult is the outcome of routing a lead through its chain.
type LeadResult struct {
	LeadID    string        `json:"leadId"`
	Chain     []string      `json:"chain"`
	Completed bool          `json:"completed"`
	Stages    []StageResult `json:"stages"`
	Response  string        `json:"response,omitempty"`

	RateLimit *domain.RateLimitDecision `json:"-"`
}

// ProcessLead stores the lead and dispatches it through its agent chain.
// The rate limit is charged once per lead. Each stage sees the lead text
// plus the previous stage's output. A failing stage stops the chain; the
// error is returned only when no stage succeeded.
func (c *Coordinator) ProcessLead(ctx context.Context, caller *ports.AuthContext, req LeadRequest) (*LeadResult, error) {
	if caller == nil {
		c.reject("authentication")
		return nil, domain.ErrAuthentication("authentication required").WithCode(domain.ErrorCodeMissingAPIKey)
	}

	decision, err := c.Admit(ctx, caller)
	if err != nil {
		return &LeadResult{RateLimit: decision}, err
	}
	out := &LeadResult{RateLimit: decision, Stages: []StageResult{}}

	text := strings.TrimSpace(req.Text)
	if text == "" {
		c.reject("validation")
		return out, domain.ErrValidation("text", "text is required")
	}
	if utf8.RuneCountInString(text) > c.validator.limits.MaxInput {
		c.reject("validation")
		return out, domain.ErrValidation("text", "text exceeds maximum length")
	}

	lead, err := domain.NewLeadMessage(uuid.NewString(), text, req.Urgency, req.Channel)
	if err != nil {
		c.reject("validation")
		return out, err
	}
	lead.ContactInfo = req.ContactInfo
	lead.LegalArea = strings.TrimSpace(req.LegalArea)
	lead.Metadata = req.Metadata
	out.LeadID = lead.ID

	chain := c.router.chainFor(lead)
	if len(chain) == 0 {
		return out, domain.ErrInternal("no agent chain configured for lead")
	}
	out.Chain = chain

	if c.leads != nil {
		if err := c.leads.SaveLead(ctx, lead); err != nil {
			return out, domain.ErrInternal("failed to store lead").WithCause(err)
		}
	}

	input := lead.Text
	var firstErr error
	for _, agent := range chain {
		res, err := c.dispatch(ctx, caller, dispatchInput{
			agentID:        agent,
			input:          input,
			lead:           lead,
			preferWorkflow: true,
		})

		stage := StageResult{AgentName: agent}
		if res != nil {
			stage.AgentName = res.AgentName
			stage.Source = res.Source
			stage.LatencyMs = res.LatencyMs
			stage.ExecutionID = res.ExecutionID
		}
		if err != nil {
			stage.Error = domain.AsAPIError(err).Message
			out.Stages = append(out.Stages, stage)
			firstErr = err
			break
		}

		stage.Success = true
		stage.Response = res.Response
		out.Stages = append(out.Stages, stage)
		out.Response = res.Response
		input = chainedInput(lead.Text, stage.AgentName, res.Response, c.validator.limits.MaxInput)
	}

	out.Completed = firstErr == nil
	if firstErr != nil && !anySucceeded(out.Stages) {
		return out, firstErr
	}
	return out, nil
}

// RecordOutcome stores a won/lost outcome for a lead.
func (c *Coordinator) RecordOutcome(ctx context.Context, leadID string, outcome domain.LeadOutcome) error {
	if !outcome.Valid() {
		return domain.ErrValidation("outcome", "outcome must be won or lost")
	}
	if c.leads == nil {
		return domain.ErrInternal("lead store not configured")
	}
	if err := c.leads.SetOutcome(ctx, leadID, outcome); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.NewAPIError(domain.ErrorTypeNotFound, "lead not found").WithParam("leadId")
		}
		return domain.ErrInternal("failed to record outcome").WithCause(err)
	}
	return nil
}

// chainedInput appends the previous stage's output to the lead text,
// cutting that output so the whole input stays within limit runes.
func chainedInput(text, agent, previous string, limit int) string {
	head := text + "\n\nPrevious analysis (" + agent + "):\n"
	budget := limit - utf8.RuneCountInString(head)
	if budget <= 0 {
		return text
	}
	if utf8.RuneCountInString(previous) > budget {
		previous = string([]rune(previous)[:budget])
	}
	return head + previous
}

func anySucceeded(stages []StageResult) bool {
	for _, s := range stages {
		if s.Success {
			return true
		}
	}
	return false
}
