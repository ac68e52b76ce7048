package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.RateLimit.Requests != 100 || cfg.RateLimit.Window != time.Minute {
		t.Errorf("RateLimit = %+v, want 100/60s", cfg.RateLimit)
	}
	if cfg.Workflow.Timeout != 8*time.Second {
		t.Errorf("Workflow.Timeout = %v, want 8s", cfg.Workflow.Timeout)
	}
	if cfg.Limits.MaxAgentID != 128 || cfg.Limits.MaxInput != 8000 {
		t.Errorf("Limits = %+v", cfg.Limits)
	}
	if cfg.Fallback.Model != "gpt-4o-mini" {
		t.Errorf("Fallback.Model = %q", cfg.Fallback.Model)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	t.Setenv("TEST_WORKFLOW_TOKEN", "secret-token")
	t.Setenv("DISPATCH_RATE_LIMIT__REQUESTS", "5")

	path := writeConfig(t, `
server:
  port: 9090
workflow:
  url: http://workflow.local/webhook
  timeout: 2s
  headers:
    Authorization: "Bearer ${TEST_WORKFLOW_TOKEN}"
agents:
  - id: 11111111-1111-1111-1111-111111111111
    name: qualifier
    specialization: lead qualification
    capabilities: [task_request]
    parameters:
      temperature: 0.2
  - id: 22222222-2222-2222-2222-222222222222
    name: contracts
    disabled: true
routing:
  default_chain: [qualifier]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.RateLimit.Requests != 5 {
		t.Errorf("RateLimit.Requests = %d, want env override 5", cfg.RateLimit.Requests)
	}
	if cfg.Workflow.Timeout != 2*time.Second {
		t.Errorf("Workflow.Timeout = %v, want 2s", cfg.Workflow.Timeout)
	}
	if got := cfg.Workflow.Headers["authorization"]; got != "Bearer secret-token" {
		// koanf lowercases map keys
		if got = cfg.Workflow.Headers["Authorization"]; got != "Bearer secret-token" {
			t.Errorf("workflow header = %q, want substituted token", got)
		}
	}
	if len(cfg.Agents) != 2 {
		t.Fatalf("Agents = %d, want 2", len(cfg.Agents))
	}

	p := cfg.Agents[0].Profile()
	if !p.Active || p.Parameters.Temperature == nil || *p.Parameters.Temperature != 0.2 {
		t.Errorf("profile = %+v", p)
	}
	if cfg.Agents[1].Profile().Active {
		t.Error("disabled agent should be inactive")
	}
}

func TestLoad_RejectsDuplicateAgents(t *testing.T) {
	path := writeConfig(t, `
agents:
  - name: qualifier
  - name: qualifier
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected duplicate agent error")
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TEST_KEY", "abc")
	if got := substituteEnvVars("key=${TEST_KEY}"); got != "key=abc" {
		t.Errorf("substituteEnvVars() = %q", got)
	}
}
