package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/lead-dispatch/internal/adapters/auth/apikey"
	"github.com/tjfontaine/lead-dispatch/internal/core/ports"
	"github.com/tjfontaine/lead-dispatch/internal/pkg/config"
)

const testKey = "sk-runtime-test"

type stubWorkflow struct{}

func (stubWorkflow) Run(_ context.Context, req *ports.WorkflowRequest) (string, error) {
	return "routed to " + req.AgentName, nil
}

// watchableConfig hands its onChange callback to the test.
type watchableConfig struct {
	cfg      *config.Config
	mu       sync.Mutex
	onChange func(*config.Config)
	watching chan struct{}
}

func (w *watchableConfig) Load(context.Context) (*config.Config, error) { return w.cfg, nil }

func (w *watchableConfig) Watch(_ context.Context, onChange func(*config.Config)) error {
	w.mu.Lock()
	w.onChange = onChange
	w.mu.Unlock()
	close(w.watching)
	return nil
}

func (w *watchableConfig) Close() error { return nil }

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Port = 0
	cfg.Storage.Driver = "memory"
	cfg.Events.Backend = "none"
	cfg.Fallback.APIKey = ""
	cfg.Auth.APIKeys = []config.APIKeyConfig{{KeyHash: apikey.HashAPIKey(testKey), Caller: "crm"}}
	cfg.Agents = []config.AgentConfig{
		{ID: "6f1c2a9e-0000-4000-8000-000000000001", Name: "qualifier", Specialization: "qualification"},
		{Name: "scheduler", Specialization: "appointments"},
	}
	cfg.Routing.DefaultChain = []string{"qualifier"}
	return cfg
}

func startEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithWorkflowEngine(stubWorkflow{}),
	}
	e, err := New(append(base, opts...)...)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

func baseURL(t *testing.T, e *Engine) string {
	t.Helper()
	_, port, err := net.SplitHostPort(e.Addr())
	require.NoError(t, err)
	return "http://127.0.0.1:" + port
}

func post(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	req.Header.Set("Authorization", "Bearer "+testKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New()
	assert.Error(t, err)
}

func TestEngine_ServesExecute(t *testing.T) {
	e := startEngine(t, WithConfig(testConfig()))
	base := baseURL(t, e)

	resp, body := post(t, base+"/agents/qualifier/execute", map[string]any{"agentId": "qualifier", "input": "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "routed to qualifier", body["response"])
	assert.Equal(t, "workflow_engine", body["source"])

	hresp, err := http.Get(base + "/health")
	require.NoError(t, err)
	defer hresp.Body.Close()
	var health map[string]any
	require.NoError(t, json.NewDecoder(hresp.Body).Decode(&health))
	// No fallback model is configured, so the report is degraded.
	assert.Equal(t, "degraded", health["status"])
	deps := health["dependencies"].(map[string]any)
	assert.Equal(t, "closed", deps["workflow_engine"].(map[string]any)["status"])
	assert.Equal(t, "up", deps["storage"].(map[string]any)["status"])

	req, _ := http.NewRequest(http.MethodGet, base+"/admin/api/overview", nil)
	aresp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	aresp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, aresp.StatusCode)
}

func TestEngine_ReloadAgentsAndRouting(t *testing.T) {
	cfg := testConfig()
	provider := &watchableConfig{cfg: cfg, watching: make(chan struct{})}
	e := startEngine(t, WithConfigProvider(provider))
	base := baseURL(t, e)

	select {
	case <-provider.watching:
	case <-time.After(2 * time.Second):
		t.Fatal("engine never started watching config")
	}

	resp, _ := post(t, base+"/agents/intake/execute", map[string]any{"agentId": "intake", "input": "hi"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	next := testConfig()
	next.Agents = append(next.Agents, config.AgentConfig{Name: "intake", Specialization: "triage"})
	next.Routing.DefaultChain = []string{"intake", "scheduler"}
	provider.mu.Lock()
	onChange := provider.onChange
	provider.mu.Unlock()
	onChange(next)

	resp, body := post(t, base+"/agents/intake/execute", map[string]any{"agentId": "intake", "input": "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "routed to intake", body["response"])

	resp, body = post(t, base+"/leads", map[string]any{"text": "new lead"})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, []any{"intake", "scheduler"}, body["chain"])
}

func TestEngine_UnknownFallbackProvider(t *testing.T) {
	cfg := testConfig()
	cfg.Fallback.Provider = "mystery"
	cfg.Fallback.APIKey = "k"
	e, err := New(WithConfig(cfg), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	assert.Error(t, e.Start(context.Background()))
}

func TestRoutingFromConfig(t *testing.T) {
	r := routingFromConfig(config.RoutingConfig{
		Rules:        []config.RoutingRule{{LegalArea: "labor", Channel: "WhatsApp", Urgency: "High", Chain: []string{"a"}}},
		DefaultChain: []string{"b"},
	})
	require.Len(t, r.Rules, 1)
	assert.Equal(t, "whatsapp", string(r.Rules[0].Channel))
	assert.Equal(t, "high", string(r.Rules[0].Urgency))
	assert.Equal(t, []string{"b"}, r.DefaultChain)
}
