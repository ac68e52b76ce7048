// Package agents serves the dispatch HTTP API: agent execution, lead intake,
// execution history, statistics and health.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/lead-dispatch/internal/core/domain"
	"github.com/tjfontaine/lead-dispatch/internal/core/ports"
	"github.com/tjfontaine/lead-dispatch/internal/dispatch"
	"github.com/tjfontaine/lead-dispatch/internal/metrics"
	"github.com/tjfontaine/lead-dispatch/internal/registry"
	"github.com/tjfontaine/lead-dispatch/internal/server"
	"github.com/tjfontaine/lead-dispatch/internal/storage"
)

// maxBodyBytes bounds request bodies well above the input limit so oversized
// inputs still reach validation and get a field-level error.
const maxBodyBytes = 1 << 20

// StatsSource serves the latest metrics snapshot.
type StatsSource interface {
	Latest(ctx context.Context) (*metrics.Snapshot, error)
}

// Config wires a Server. Coordinator, Registry, Log and Auth are required.
type Config struct {
	Coordinator *dispatch.Coordinator
	Registry    *registry.Registry
	Log         ports.ExecutionLog
	Auth        ports.AuthProvider
	Stats       StatsSource
	// Metrics serves the Prometheus exposition; nil disables /metrics.
	Metrics http.Handler
	Health  *Health
	Logger  *slog.Logger
}

// Server is an http.Handler exposing the dispatch API.
type Server struct {
	router *chi.Mux
	cfg    Config
	logger *slog.Logger
}

// NewServer builds the API under a router that already carries the base
// middleware stack.
func NewServer(router *chi.Mux, cfg Config) (*Server, error) {
	if cfg.Coordinator == nil || cfg.Registry == nil || cfg.Log == nil || cfg.Auth == nil {
		return nil, errors.New("agents: coordinator, registry, log and auth are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{router: router, cfg: cfg, logger: logger}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.router.Get("/health", s.handleHealth)
	if s.cfg.Metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.cfg.Metrics)
	}

	s.router.Group(func(r chi.Router) {
		r.Use(server.AuthMiddleware(s.cfg.Auth))
		r.Use(server.RateLimitHeadersMiddleware)

		r.Post("/agents/{agentId}/execute", s.handleExecute)
		r.Get("/agents", s.handleListAgents)
		r.Get("/agents/{agentId}/state", s.handleAgentState)
		r.Get("/executions", s.handleListExecutions)
		r.Get("/executions/{executionId}", s.handleExecutionDetail)
		r.Get("/stats", s.handleStats)
		r.Post("/leads", s.handleCreateLead)
		r.Post("/leads/{leadId}/outcome", s.handleLeadOutcome)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// executeBody distinguishes an omitted agentId from an empty one.
type executeBody struct {
	AgentID              *string `json:"agentId"`
	Input                string  `json:"input"`
	PreferWorkflowEngine *bool   `json:"preferWorkflowEngine"`
	WorkflowID           string  `json:"workflowId"`
	LeadID               string  `json:"leadId"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	pathID := chi.URLParam(r, "agentId")

	var body executeBody
	if err := decodeBody(r, &body); err != nil {
		server.WriteError(w, r, err)
		return
	}

	agentID := pathID
	if body.AgentID != nil {
		agentID = *body.AgentID
		if agentID != "" && pathID != "" && !strings.EqualFold(agentID, pathID) {
			server.WriteError(w, r, domain.ErrValidation("agentId", "agentId does not match the request path"))
			return
		}
	}

	res, err := s.cfg.Coordinator.Execute(r.Context(), server.GetCaller(r.Context()), dispatch.ExecuteRequest{
		AgentID:              agentID,
		Input:                body.Input,
		PreferWorkflowEngine: body.PreferWorkflowEngine,
		WorkflowID:           body.WorkflowID,
		LeadID:               body.LeadID,
	})
	if res != nil {
		server.SetRateLimit(r.Context(), res.RateLimit)
		server.AddLogField(r.Context(), "agent", res.AgentName)
		server.AddLogField(r.Context(), "execution_id", res.ExecutionID)
		server.AddLogField(r.Context(), "source", string(res.Source))
	}
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, res)
}

// AgentSummary is one entry of the agent listing.
type AgentSummary struct {
	ID             string               `json:"id,omitempty"`
	Name           string               `json:"name"`
	Specialization string               `json:"specialization"`
	LegalArea      string               `json:"legalArea,omitempty"`
	Capabilities   []domain.MessageType `json:"capabilities"`
	Status         domain.AgentStatus   `json:"status"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	profiles := s.cfg.Registry.List()
	out := make([]AgentSummary, 0, len(profiles))
	for _, p := range profiles {
		status := domain.AgentStatusIdle
		if st, ok := s.cfg.Registry.GetState(p.Name); ok {
			status = st.Status
		}
		caps := p.Capabilities
		if len(caps) == 0 {
			caps = []domain.MessageType{domain.MessageTypeTaskRequest}
		}
		out = append(out, AgentSummary{
			ID:             p.ID,
			Name:           p.Name,
			Specialization: p.Specialization,
			LegalArea:      p.LegalArea,
			Capabilities:   caps,
			Status:         status,
		})
	}
	server.WriteJSON(w, http.StatusOK, map[string]any{"agents": out})
}

func (s *Server) handleAgentState(w http.ResponseWriter, r *http.Request) {
	profile, err := s.cfg.Registry.Resolve(chi.URLParam(r, "agentId"))
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	st, _ := s.cfg.Registry.GetState(profile.Name)
	server.WriteJSON(w, http.StatusOK, st)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	filter, page, err := parseExecutionQuery(r)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	result, err := s.cfg.Log.Query(r.Context(), filter, page)
	if err != nil {
		server.WriteError(w, r, domain.ErrInternal("failed to query executions").WithCause(err))
		return
	}
	if result.Records == nil {
		result.Records = []*domain.ExecutionRecord{}
	}
	server.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleExecutionDetail(w http.ResponseWriter, r *http.Request) {
	rec, err := s.cfg.Log.Get(r.Context(), chi.URLParam(r, "executionId"))
	if errors.Is(err, storage.ErrNotFound) {
		server.WriteError(w, r, domain.NewAPIError(domain.ErrorTypeNotFound, "execution not found"))
		return
	}
	if err != nil {
		server.WriteError(w, r, domain.ErrInternal("failed to load execution").WithCause(err))
		return
	}
	server.WriteJSON(w, http.StatusOK, rec)
}

func parseExecutionQuery(r *http.Request) (domain.ExecutionFilter, domain.Page, error) {
	q := r.URL.Query()
	filter := domain.ExecutionFilter{
		AgentName:     q.Get("agent"),
		LeadMessageID: q.Get("lead"),
		Status:        domain.ExecutionStatus(q.Get("status")),
		Source:        domain.Source(q.Get("source")),
	}
	page := domain.Page{Cursor: q.Get("cursor")}

	switch filter.Status {
	case "", domain.ExecutionSuccess, domain.ExecutionError:
	default:
		return filter, page, domain.ErrValidation("status", "status must be success or error")
	}
	switch filter.Source {
	case "", domain.SourceWorkflowEngine, domain.SourceFallbackModel, domain.SourceCache:
	default:
		return filter, page, domain.ErrValidation("source", "unknown source")
	}

	var err error
	if filter.Since, err = parseTime(q.Get("since")); err != nil {
		return filter, page, domain.ErrValidation("since", "since must be an RFC 3339 timestamp")
	}
	if filter.Until, err = parseTime(q.Get("until")); err != nil {
		return filter, page, domain.ErrValidation("until", "until must be an RFC 3339 timestamp")
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return filter, page, domain.ErrValidation("limit", "limit must be a positive integer")
		}
		page.Limit = n
	}
	return filter, page.Normalize(), nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Stats == nil {
		server.WriteError(w, r, domain.ErrInternal("statistics are not enabled"))
		return
	}
	snap, err := s.cfg.Stats.Latest(r.Context())
	if err != nil {
		server.WriteError(w, r, domain.ErrInternal("failed to compute statistics").WithCause(err))
		return
	}
	server.WriteJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCreateLead(w http.ResponseWriter, r *http.Request) {
	var req dispatch.LeadRequest
	if err := decodeBody(r, &req); err != nil {
		server.WriteError(w, r, err)
		return
	}

	res, err := s.cfg.Coordinator.ProcessLead(r.Context(), server.GetCaller(r.Context()), req)
	if res != nil {
		server.SetRateLimit(r.Context(), res.RateLimit)
		server.AddLogField(r.Context(), "lead_id", res.LeadID)
	}
	if err != nil {
		apiErr := domain.AsAPIError(err)
		// Partial results accompany a chain that never succeeded.
		if res != nil && len(res.Stages) > 0 && apiErr.HTTPStatusCode() >= http.StatusInternalServerError {
			server.AddError(r.Context(), err)
			server.WriteJSON(w, apiErr.HTTPStatusCode(), struct {
				server.ErrorBody
				*dispatch.LeadResult
			}{server.ErrorBody{Error: apiErr.Message, Details: apiErr.Details}, res})
			return
		}
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, res)
}

type outcomeBody struct {
	Outcome domain.LeadOutcome `json:"outcome"`
}

func (s *Server) handleLeadOutcome(w http.ResponseWriter, r *http.Request) {
	var body outcomeBody
	if err := decodeBody(r, &body); err != nil {
		server.WriteError(w, r, err)
		return
	}
	leadID := chi.URLParam(r, "leadId")
	if err := s.cfg.Coordinator.RecordOutcome(r.Context(), leadID, body.Outcome); err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, map[string]any{"leadId": leadID, "outcome": body.Outcome})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Health == nil {
		server.WriteJSON(w, http.StatusOK, HealthReport{Status: HealthOK})
		return
	}
	report := s.cfg.Health.Check(r.Context())
	status := http.StatusOK
	if report.Status != HealthOK {
		status = http.StatusServiceUnavailable
	}
	server.WriteJSON(w, status, report)
}

// decodeBody reads a JSON object. Malformed payloads are validation errors.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.ErrValidation("body", "request body is required")
		}
		return domain.ErrValidation("body", "request body must be a JSON object").WithCause(err)
	}
	return nil
}
