package dispatch

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/lead-dispatch/internal/core/domain"
	"github.com/tjfontaine/lead-dispatch/internal/core/ports"
)

var testRouting = Routing{
	Rules: []Rule{
		{LegalArea: "labor", Urgency: domain.UrgencyCritical, Chain: []string{"qualifier", "scheduler"}},
		{Channel: domain.ChannelWhatsApp, Chain: []string{"scheduler"}},
	},
	DefaultChain: []string{"qualifier"},
}

func TestProcessLead_RulesAndDefault(t *testing.T) {
	tests := []struct {
		name  string
		req   LeadRequest
		chain []string
	}{
		{"matches area and urgency", LeadRequest{Text: "fired today", LegalArea: "Labor", Urgency: domain.UrgencyCritical}, []string{"qualifier", "scheduler"}},
		{"matches channel", LeadRequest{Text: "hi", Channel: domain.ChannelWhatsApp}, []string{"scheduler"}},
		{"partial match falls through", LeadRequest{Text: "fired", LegalArea: "labor", Urgency: domain.UrgencyLow}, []string{"qualifier"}},
		{"default", LeadRequest{Text: "question"}, []string{"qualifier"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, withRouting(testRouting))
			res, err := h.coord.ProcessLead(context.Background(), caller("c1"), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.chain, res.Chain)
			assert.True(t, res.Completed)
			assert.Len(t, res.Stages, len(tt.chain))
			assert.NotEmpty(t, res.LeadID)
		})
	}
}

func TestProcessLead_ChainedInputRespectsMaxInput(t *testing.T) {
	const maxInput = 120
	h := newHarness(t, withRouting(testRouting), func(o *Options, _ *harness) {
		o.Limits = Limits{MaxInput: maxInput}
	})
	var prompts []string
	h.workflow.reply = func(req *ports.WorkflowRequest) (string, error) {
		prompts = append(prompts, req.Prompt)
		return strings.Repeat("é", 500), nil
	}

	res, err := h.coord.ProcessLead(context.Background(), caller("c1"), LeadRequest{
		Text:      "Fired after reporting unpaid overtime",
		LegalArea: "labor",
		Urgency:   domain.UrgencyCritical,
	})
	require.NoError(t, err)
	assert.True(t, res.Completed)

	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[1], "Previous analysis (qualifier):")
	assert.Equal(t, maxInput, utf8.RuneCountInString(prompts[1]))
	assert.True(t, utf8.ValidString(prompts[1]))
}

func TestChainedInput(t *testing.T) {
	assert.Equal(t, "lead\n\nPrevious analysis (a):\nok", chainedInput("lead", "a", "ok", 100))
	assert.Equal(t, "lead\n\nPrevious analysis (a):\nabc", chainedInput("lead", "a", "abcdef", 32))
	assert.Equal(t, "lead", chainedInput("lead", "a", "abcdef", 10), "no room left for the previous output")
}

func TestProcessLead_ChainsPreviousOutput(t *testing.T) {
	h := newHarness(t, withRouting(testRouting))
	var prompts []string
	h.workflow.reply = func(req *ports.WorkflowRequest) (string, error) {
		prompts = append(prompts, req.Prompt)
		return "analysis by " + req.AgentName, nil
	}

	res, err := h.coord.ProcessLead(context.Background(), caller("c1"), LeadRequest{
		Text:        "I was fired without notice",
		LegalArea:   "labor",
		Urgency:     domain.UrgencyCritical,
		ContactInfo: domain.ContactInfo{Name: "Ana", Email: "ana@example.com"},
	})
	require.NoError(t, err)
	require.Len(t, prompts, 2)
	assert.NotContains(t, prompts[0], "Previous analysis")
	assert.Contains(t, prompts[1], "Previous analysis (qualifier):")
	assert.Contains(t, prompts[1], "analysis by qualifier")
	assert.Equal(t, "analysis by scheduler", res.Response)

	lead, err := h.store.GetLead(context.Background(), res.LeadID)
	require.NoError(t, err)
	assert.Equal(t, "Ana", lead.ContactInfo.Name)
	assert.Equal(t, domain.ChannelPlayground, lead.Channel)

	page, err := h.store.Query(context.Background(), domain.ExecutionFilter{LeadMessageID: res.LeadID}, domain.Page{})
	require.NoError(t, err)
	assert.Len(t, page.Records, 2)
}

func TestProcessLead_StopsOnFailure(t *testing.T) {
	h := newHarness(t, withRouting(Routing{DefaultChain: []string{"qualifier", "ghost", "scheduler"}}))
	res, err := h.coord.ProcessLead(context.Background(), caller("c1"), LeadRequest{Text: "need help"})
	require.NoError(t, err, "partial success is not an error")
	assert.False(t, res.Completed)
	require.Len(t, res.Stages, 2)
	assert.True(t, res.Stages[0].Success)
	assert.False(t, res.Stages[1].Success)
	assert.NotEmpty(t, res.Stages[1].Error)
}

func TestProcessLead_FirstStageFailureIsError(t *testing.T) {
	h := newHarness(t, withRouting(Routing{DefaultChain: []string{"ghost"}}))
	_, err := h.coord.ProcessLead(context.Background(), caller("c1"), LeadRequest{Text: "need help"})
	require.Error(t, err)
	assert.Equal(t, 404, domain.AsAPIError(err).HTTPStatusCode())
}

func TestProcessLead_Validation(t *testing.T) {
	h := newHarness(t, withRouting(testRouting))
	ctx := context.Background()

	_, err := h.coord.ProcessLead(ctx, caller("c1"), LeadRequest{Text: "  "})
	assert.Equal(t, "text", domain.AsAPIError(err).Param)

	_, err = h.coord.ProcessLead(ctx, caller("c1"), LeadRequest{Text: strings.Repeat("a", 9000)})
	assert.Equal(t, 400, domain.AsAPIError(err).HTTPStatusCode())

	_, err = h.coord.ProcessLead(ctx, caller("c1"), LeadRequest{Text: "x", Urgency: "whenever"})
	assert.Equal(t, "urgency", domain.AsAPIError(err).Param)

	_, err = h.coord.ProcessLead(ctx, nil, LeadRequest{Text: "x"})
	assert.Equal(t, 401, domain.AsAPIError(err).HTTPStatusCode())
}

func TestProcessLead_NoChain(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.ProcessLead(context.Background(), caller("c1"), LeadRequest{Text: "x"})
	require.Error(t, err)
	assert.Equal(t, 500, domain.AsAPIError(err).HTTPStatusCode())
}

func TestSetRouting(t *testing.T) {
	h := newHarness(t, withRouting(testRouting))
	h.coord.SetRouting(Routing{DefaultChain: []string{"scheduler"}})
	res, err := h.coord.ProcessLead(context.Background(), caller("c1"), LeadRequest{Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"scheduler"}, res.Chain)
}

func TestRecordOutcome(t *testing.T) {
	h := newHarness(t, withRouting(testRouting))
	ctx := context.Background()

	res, err := h.coord.ProcessLead(ctx, caller("c1"), LeadRequest{Text: "x"})
	require.NoError(t, err)

	require.NoError(t, h.coord.RecordOutcome(ctx, res.LeadID, domain.LeadOutcomeWon))
	total, won, decided, err := h.store.LeadCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, int64(1), won)
	assert.Equal(t, int64(1), decided)

	err = h.coord.RecordOutcome(ctx, res.LeadID, "maybe")
	assert.Equal(t, 400, domain.AsAPIError(err).HTTPStatusCode())

	err = h.coord.RecordOutcome(ctx, "missing", domain.LeadOutcomeLost)
	assert.Equal(t, 404, domain.AsAPIError(err).HTTPStatusCode())
}
