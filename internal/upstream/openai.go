package upstream

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/tjfontaine/lead-dispatch/internal/core/domain"
	"github.com/tjfontaine/lead-dispatch/internal/core/ports"
)

// OpenAIProvider completes fallback requests with the OpenAI chat
// completions API.
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider creates a provider. SDK retries are disabled; the
// fallback stage is attempted once.
func NewOpenAIProvider(apiKey string, opts ...option.RequestOption) *OpenAIProvider {
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	return &OpenAIProvider{client: openai.NewClient(append(base, opts...)...)}
}

func (p *OpenAIProvider) Name() string { return "openai" }

// Complete sends one system and one user message.
func (p *OpenAIProvider) Complete(ctx context.Context, req *ports.CompletionRequest) (*ports.Completion, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(req.Parameters.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.SystemPrompt),
			openai.UserMessage(req.UserInput),
		},
		Temperature:      openai.Float(req.Parameters.Temperature),
		TopP:             openai.Float(req.Parameters.TopP),
		FrequencyPenalty: openai.Float(req.Parameters.FrequencyPenalty),
		PresencePenalty:  openai.Float(req.Parameters.PresencePenalty),
	}
	if req.Parameters.MaxTokens > 0 {
		params.MaxTokens = openai.Int(req.Parameters.MaxTokens)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		se := &StageError{Stage: domain.SourceFallbackModel, Err: err}
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			se.Status = apiErr.StatusCode
		}
		return nil, se
	}

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return nil, &StageError{Stage: domain.SourceFallbackModel, Reason: "empty completion", Err: errors.New("model returned no content")}
	}

	return &ports.Completion{
		Text:  strings.TrimSpace(resp.Choices[0].Message.Content),
		Model: resp.Model,
	}, nil
}
