package upstream

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/tjfontaine/lead-dispatch/internal/core/domain"
	"github.com/tjfontaine/lead-dispatch/internal/core/ports"
)

const defaultAnthropicMaxTokens = 1024

// AnthropicProvider completes fallback requests with the Anthropic
// messages API.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates a provider with SDK retries disabled.
func NewAnthropicProvider(apiKey string, opts ...option.RequestOption) *AnthropicProvider {
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	return &AnthropicProvider{client: anthropic.NewClient(append(base, opts...)...)}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete sends the system prompt and user input as a single turn.
// Frequency and presence penalties have no Anthropic equivalent and are
// not sent.
func (p *AnthropicProvider) Complete(ctx context.Context, req *ports.CompletionRequest) (*ports.Completion, error) {
	maxTokens := req.Parameters.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Parameters.Model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserInput)),
		},
		Temperature: anthropic.Float(req.Parameters.Temperature),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		se := &StageError{Stage: domain.SourceFallbackModel, Err: err}
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			se.Status = apiErr.StatusCode
		}
		return nil, se
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return nil, &StageError{Stage: domain.SourceFallbackModel, Reason: "empty completion", Err: errors.New("model returned no content")}
	}

	return &ports.Completion{Text: text, Model: string(resp.Model)}, nil
}
