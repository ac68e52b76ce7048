// Package controlplane serves the operator view of a running engine:
// process statistics and a redacted configuration overview.
package controlplane

import (
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/lead-dispatch/internal/pkg/config"
	"github.com/tjfontaine/lead-dispatch/internal/server"
)

// BreakerState reports the workflow engine circuit state.
type BreakerState func() string

type Server struct {
	router    *chi.Mux
	startTime time.Time
	cfg       atomic.Pointer[config.Config]
	breaker   BreakerState
}

// NewServer creates the control plane. breaker may be nil when no workflow
// engine is configured.
func NewServer(cfg *config.Config, breaker BreakerState) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		startTime: time.Now(),
		breaker:   breaker,
	}
	s.cfg.Store(cfg)
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/api/stats", s.handleStats)
	s.router.Get("/api/overview", s.handleOverview)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// SetConfig replaces the configuration shown by the overview.
func (s *Server) SetConfig(cfg *config.Config) {
	s.cfg.Store(cfg)
}

type StatsResponse struct {
	Uptime       string      `json:"uptime"`
	GoVersion    string      `json:"go_version"`
	NumGoroutine int         `json:"num_goroutine"`
	Memory       MemoryStats `json:"memory"`
}

type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`
	TotalAlloc uint64 `json:"total_alloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	server.WriteJSON(w, http.StatusOK, StatsResponse{
		Uptime:       time.Since(s.startTime).Round(time.Second).String(),
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		Memory: MemoryStats{
			Alloc:      m.Alloc,
			TotalAlloc: m.TotalAlloc,
			Sys:        m.Sys,
			NumGC:      m.NumGC,
		},
	})
}

// OverviewResponse never includes key hashes, credentials or DSNs.
type OverviewResponse struct {
	Agents    []AgentSummary  `json:"agents"`
	Routing   RoutingSummary  `json:"routing"`
	Storage   string          `json:"storage"`
	RateLimit RateLimitView   `json:"rate_limit"`
	Cache     CacheView       `json:"cache"`
	Workflow  WorkflowView    `json:"workflow"`
	Fallback  FallbackView    `json:"fallback"`
	Events    string          `json:"events"`
	Auth      AuthSummaryView `json:"auth"`
}

type AgentSummary struct {
	Name       string `json:"name"`
	ID         string `json:"id,omitempty"`
	LegalArea  string `json:"legal_area,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Active     bool   `json:"active"`
}

type RoutingSummary struct {
	DefaultChain []string          `json:"default_chain"`
	Rules        []RoutingRuleView `json:"rules"`
}

type RoutingRuleView struct {
	LegalArea string   `json:"legal_area,omitempty"`
	Channel   string   `json:"channel,omitempty"`
	Urgency   string   `json:"urgency,omitempty"`
	Chain     []string `json:"chain"`
}

type RateLimitView struct {
	Backend  string `json:"backend"`
	Requests int    `json:"requests"`
	Window   string `json:"window"`
}

type CacheView struct {
	Backend string `json:"backend"`
	TTL     string `json:"ttl"`
}

type WorkflowView struct {
	Configured bool   `json:"configured"`
	Timeout    string `json:"timeout"`
	Breaker    string `json:"breaker,omitempty"`
}

type FallbackView struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Configured bool   `json:"configured"`
}

type AuthSummaryView struct {
	Keys           int  `json:"keys"`
	AllowAnonymous bool `json:"allow_anonymous"`
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Load()
	if cfg == nil {
		server.WriteJSON(w, http.StatusOK, OverviewResponse{})
		return
	}

	resp := OverviewResponse{
		Agents:  make([]AgentSummary, 0, len(cfg.Agents)),
		Storage: cfg.Storage.Driver,
		RateLimit: RateLimitView{
			Backend:  cfg.RateLimit.Backend,
			Requests: cfg.RateLimit.Requests,
			Window:   cfg.RateLimit.Window.String(),
		},
		Cache: CacheView{Backend: cfg.Cache.Backend, TTL: cfg.Cache.TTL.String()},
		Workflow: WorkflowView{
			Configured: cfg.Workflow.URL != "",
			Timeout:    cfg.Workflow.Timeout.String(),
		},
		Fallback: FallbackView{
			Provider:   cfg.Fallback.Provider,
			Model:      cfg.Fallback.Model,
			Configured: cfg.Fallback.APIKey != "",
		},
		Events: cfg.Events.Backend,
		Auth: AuthSummaryView{
			Keys:           len(cfg.Auth.APIKeys),
			AllowAnonymous: cfg.Auth.AllowAnonymous,
		},
		Routing: RoutingSummary{
			DefaultChain: cfg.Routing.DefaultChain,
			Rules:        make([]RoutingRuleView, 0, len(cfg.Routing.Rules)),
		},
	}
	if s.breaker != nil {
		resp.Workflow.Breaker = s.breaker()
	}

	for _, a := range cfg.Agents {
		resp.Agents = append(resp.Agents, AgentSummary{
			Name:       a.Name,
			ID:         a.ID,
			LegalArea:  a.LegalArea,
			WorkflowID: a.WorkflowID,
			Active:     !a.Disabled,
		})
	}
	for _, rule := range cfg.Routing.Rules {
		resp.Routing.Rules = append(resp.Routing.Rules, RoutingRuleView{
			LegalArea: rule.LegalArea,
			Channel:   rule.Channel,
			Urgency:   rule.Urgency,
			Chain:     rule.Chain,
		})
	}

	server.WriteJSON(w, http.StatusOK, resp)
}
