package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/lead-dispatch/internal/core/domain"
	"github.com/tjfontaine/lead-dispatch/internal/core/ports"
)

const maxWorkflowBody = 1 << 20

// responseFields are checked in order when the workflow answers with a JSON object.
var responseFields = []string{"response", "output", "message", "text", "result", "content"}

// WorkflowClient posts dispatches to an external workflow engine webhook.
// A call is attempted once; non-2xx, transport errors and timeouts all fail.
type WorkflowClient struct {
	url     string
	timeout time.Duration
	headers map[string]string
	client  *http.Client
}

// WorkflowClientConfig configures a WorkflowClient.
type WorkflowClientConfig struct {
	URL     string
	Timeout time.Duration
	Headers map[string]string
	// HTTPClient overrides the default instrumented client.
	HTTPClient *http.Client
}

// NewWorkflowClient creates a workflow engine client.
func NewWorkflowClient(cfg WorkflowClientConfig) *WorkflowClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &WorkflowClient{
		url:     cfg.URL,
		timeout: timeout,
		headers: cfg.Headers,
		client:  client,
	}
}

// Run executes one workflow call bounded by the client timeout.
func (c *WorkflowClient) Run(ctx context.Context, in *ports.WorkflowRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal workflow request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", &StageError{Stage: domain.SourceWorkflowEngine, Reason: "invalid endpoint", Err: err}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/plain")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &StageError{Stage: domain.SourceWorkflowEngine, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxWorkflowBody))
	if err != nil {
		return "", &StageError{Stage: domain.SourceWorkflowEngine, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StageError{
			Stage:  domain.SourceWorkflowEngine,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("workflow returned status %d", resp.StatusCode),
		}
	}

	text := NormalizeWorkflowBody(respBody)
	if text == "" {
		return "", &StageError{Stage: domain.SourceWorkflowEngine, Reason: "empty response", Err: fmt.Errorf("workflow returned an empty body")}
	}
	return text, nil
}

// NormalizeWorkflowBody extracts the response text from a workflow reply.
// JSON objects yield their first known text field, arrays their first
// element, strings themselves. Anything else is returned as trimmed text.
func NormalizeWorkflowBody(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ""
	}

	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return string(trimmed)
	}
	return extractText(v, string(trimmed))
}

func extractText(v any, raw string) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []any:
		if len(t) == 0 {
			return ""
		}
		return extractText(t[0], raw)
	case map[string]any:
		for _, f := range responseFields {
			if s, ok := t[f].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
		for _, f := range responseFields {
			if nested, ok := t[f].(map[string]any); ok {
				if s := extractText(nested, ""); s != "" {
					return s
				}
			}
		}
		return raw
	case nil:
		return ""
	default:
		return raw
	}
}
