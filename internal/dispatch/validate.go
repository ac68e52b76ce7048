package dispatch

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/tjfontaine/lead-dispatch/internal/core/domain"
)

// Limits bounds request fields. Lengths are counted in characters.
type Limits struct {
	MaxAgentID int
	MaxInput   int
}

// DefaultLimits are the documented execute payload bounds.
var DefaultLimits = Limits{MaxAgentID: 128, MaxInput: 8000}

func (l Limits) normalize() Limits {
	if l.MaxAgentID <= 0 {
		l.MaxAgentID = DefaultLimits.MaxAgentID
	}
	if l.MaxInput <= 0 {
		l.MaxInput = DefaultLimits.MaxInput
	}
	return l
}

// validator checks execute payloads against a JSON schema built from Limits.
type validator struct {
	schema *gojsonschema.Schema
	limits Limits
}

func newValidator(limits Limits) (*validator, error) {
	limits = limits.normalize()
	idField := map[string]any{"type": "string", "minLength": 1, "maxLength": limits.MaxAgentID}
	schema := map[string]any{
		"type":     "object",
		"required": []string{"agentId", "input"},
		"properties": map[string]any{
			"agentId":              idField,
			"input":                map[string]any{"type": "string", "minLength": 1, "maxLength": limits.MaxInput},
			"preferWorkflowEngine": map[string]any{"type": "boolean"},
			"workflowId":           idField,
			"leadId":               idField,
		},
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("compile execute schema: %w", err)
	}
	return &validator{schema: s, limits: limits}, nil
}

// Validate returns a *domain.APIError naming the first offending field.
func (v *validator) Validate(req *ExecuteRequest) error {
	doc := map[string]any{
		"agentId": req.AgentID,
		"input":   req.Input,
	}
	if req.PreferWorkflowEngine != nil {
		doc["preferWorkflowEngine"] = *req.PreferWorkflowEngine
	}
	if req.WorkflowID != "" {
		doc["workflowId"] = req.WorkflowID
	}
	if req.LeadID != "" {
		doc["leadId"] = req.LeadID
	}

	result, err := v.schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return domain.ErrValidation("", "invalid request body").WithCause(err)
	}
	if !result.Valid() {
		e := result.Errors()[0]
		field := e.Field()
		return domain.ErrValidation(field, describe(field, e.Type(), v.limits))
	}

	if strings.TrimSpace(req.AgentID) == "" {
		return domain.ErrValidation("agentId", "agentId is required")
	}
	if strings.TrimSpace(req.Input) == "" {
		return domain.ErrValidation("input", "input is required")
	}
	return nil
}

func describe(field, errType string, l Limits) string {
	switch errType {
	case "required", "string_gte":
		return fmt.Sprintf("%s is required", field)
	case "string_lte":
		max := l.MaxAgentID
		if field == "input" {
			max = l.MaxInput
		}
		return fmt.Sprintf("%s exceeds %d characters", field, max)
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}
