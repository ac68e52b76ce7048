package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/lead-dispatch/internal/core/ports"
)

func TestNormalizeWorkflowBody(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"plain text", "  hello there \n", "hello there"},
		{"json string", `"quoted"`, "quoted"},
		{"response field", `{"response":"r1","output":"o1"}`, "r1"},
		{"output field", `{"output":"o1"}`, "o1"},
		{"array of objects", `[{"text":"first"},{"text":"second"}]`, "first"},
		{"nested", `{"result":{"message":"deep"}}`, "deep"},
		{"unknown object", `{"foo":1}`, `{"foo":1}`},
		{"empty", "   ", ""},
		{"null", "null", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeWorkflowBody([]byte(tt.body)))
		})
	}
}

func TestWorkflowClient_PostsPayload(t *testing.T) {
	var got ports.WorkflowRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get("X-Workflow-Token"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"output":"qualified"}`))
	}))
	defer srv.Close()

	c := NewWorkflowClient(WorkflowClientConfig{
		URL:     srv.URL,
		Timeout: time.Second,
		Headers: map[string]string{"X-Workflow-Token": "secret"},
	})
	out, err := c.Run(context.Background(), &ports.WorkflowRequest{
		AgentID:    "a-1",
		Prompt:     "p",
		Parameters: ports.WorkflowParameters{Temperature: 0.7, TopP: 0.9},
	})
	require.NoError(t, err)
	assert.Equal(t, "qualified", out)
	assert.Equal(t, "a-1", got.AgentID)
	assert.Equal(t, 0.9, got.Parameters.TopP)
}

func TestWorkflowClient_Non2xxFails(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewWorkflowClient(WorkflowClientConfig{URL: srv.URL})
	_, err := c.Run(context.Background(), &ports.WorkflowRequest{AgentID: "a"})
	require.Error(t, err)

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.Status)
	assert.Equal(t, 1, calls, "workflow calls are never retried")
	assert.NotContains(t, err.Error(), "boom")
}

func TestWorkflowClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewWorkflowClient(WorkflowClientConfig{URL: srv.URL, Timeout: 50 * time.Millisecond})
	start := time.Now()
	_, err := c.Run(context.Background(), &ports.WorkflowRequest{AgentID: "a"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.True(t, se.Timeout())
	assert.Equal(t, "timeout", se.Summary())
}

func TestWorkflowClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewWorkflowClient(WorkflowClientConfig{URL: url, Timeout: time.Second})
	_, err := c.Run(context.Background(), &ports.WorkflowRequest{AgentID: "a"})
	require.Error(t, err)
}
