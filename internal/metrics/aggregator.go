package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tjfontaine/lead-dispatch/internal/core/domain"
	"github.com/tjfontaine/lead-dispatch/internal/core/ports"
)

const (
	// DefaultWindow is the span over which throughput and source breakdown
	// are computed.
	DefaultWindow = time.Hour

	// maxScan caps the records read per refresh.
	maxScan = 10 * domain.MaxPageLimit
)

// StateSource exposes agent runtime counters.
type StateSource interface {
	States() []domain.AgentRuntimeState
}

// LeadSource reports stored leads and their outcomes.
type LeadSource interface {
	LeadCounts(ctx context.Context) (total, won, decided int64, err error)
}

// AgentStats are the derived statistics of one agent.
type AgentStats struct {
	Name              string             `json:"name"`
	Status            domain.AgentStatus `json:"status"`
	InFlight          int                `json:"inFlight"`
	MessagesProcessed int64              `json:"messagesProcessed"`
	SuccessCount      int64              `json:"successCount"`
	FailureCount      int64              `json:"failureCount"`
	SuccessRate       float64            `json:"successRate"`
	AvgLatencyMs      float64            `json:"avgLatencyMs"`
	LastActivity      *time.Time         `json:"lastActivity,omitempty"`
}

// Snapshot is a point-in-time view of the system.
type Snapshot struct {
	GeneratedAt         time.Time               `json:"generatedAt"`
	Agents              []AgentStats            `json:"agents"`
	TotalLeadsProcessed int64                   `json:"totalLeadsProcessed"`
	TotalDispatches     int64                   `json:"totalDispatches"`
	TotalSuccess        int64                   `json:"totalSuccess"`
	TotalFailure        int64                   `json:"totalFailure"`
	SuccessRate         float64                 `json:"successRate"`
	AvgLatencyMs        float64                 `json:"avgLatencyMs"`
	WindowMinutes       float64                 `json:"windowMinutes"`
	WindowExecutions    int                     `json:"windowExecutions"`
	ThroughputPerMinute float64                 `json:"throughputPerMinute"`
	BySource            map[domain.Source]int64 `json:"bySource"`
	CacheHitRate        float64                 `json:"cacheHitRate"`
	// ConversionRate is nil until at least one lead outcome is reported.
	ConversionRate *float64 `json:"conversionRate,omitempty"`
}

// Aggregator computes snapshots. It only reads from its sources.
type Aggregator struct {
	states     StateSource
	log        ports.ExecutionLog
	leads      LeadSource
	collectors *Collectors
	window     time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.RWMutex
	latest *Snapshot
	cron   *cron.Cron
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithWindow sets the throughput window.
func WithWindow(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.window = d
		}
	}
}

// WithLogger sets the aggregator logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithLeads enables lead totals and conversion rate reporting.
func WithLeads(l LeadSource) Option {
	return func(a *Aggregator) { a.leads = l }
}

// WithCollectors publishes each refreshed snapshot to Prometheus gauges.
func WithCollectors(c *Collectors) Option {
	return func(a *Aggregator) { a.collectors = c }
}

// NewAggregator creates an aggregator over the given sources.
func NewAggregator(states StateSource, log ports.ExecutionLog, opts ...Option) *Aggregator {
	a := &Aggregator{
		states: states,
		log:    log,
		window: DefaultWindow,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Compute builds a fresh snapshot.
func (a *Aggregator) Compute(ctx context.Context) (*Snapshot, error) {
	now := a.now().UTC()
	s := &Snapshot{
		GeneratedAt:   now,
		Agents:        []AgentStats{},
		WindowMinutes: a.window.Minutes(),
		BySource:      map[domain.Source]int64{},
	}

	var latencySum float64
	for _, st := range a.states.States() {
		as := AgentStats{
			Name:              st.AgentName,
			Status:            st.Status,
			InFlight:          st.InFlight,
			MessagesProcessed: st.MessagesProcessed,
			SuccessCount:      st.SuccessCount,
			FailureCount:      st.FailureCount,
			SuccessRate:       st.SuccessRate(),
			AvgLatencyMs:      st.RollingAvgLatencyMs,
		}
		if !st.LastActivity.IsZero() {
			t := st.LastActivity
			as.LastActivity = &t
		}
		s.Agents = append(s.Agents, as)

		s.TotalDispatches += st.MessagesProcessed
		s.TotalSuccess += st.SuccessCount
		s.TotalFailure += st.FailureCount
		latencySum += st.RollingAvgLatencyMs * float64(st.MessagesProcessed)
	}
	if s.TotalDispatches > 0 {
		s.SuccessRate = float64(s.TotalSuccess) / float64(s.TotalDispatches)
		s.AvgLatencyMs = latencySum / float64(s.TotalDispatches)
	}

	if err := a.scanWindow(ctx, now, s); err != nil {
		return nil, err
	}

	if a.leads != nil {
		total, won, decided, err := a.leads.LeadCounts(ctx)
		if err != nil {
			return nil, fmt.Errorf("count leads: %w", err)
		}
		s.TotalLeadsProcessed = total
		if decided > 0 {
			rate := float64(won) / float64(decided)
			s.ConversionRate = &rate
		}
	}
	return s, nil
}

func (a *Aggregator) scanWindow(ctx context.Context, now time.Time, s *Snapshot) error {
	filter := domain.ExecutionFilter{Since: now.Add(-a.window)}
	page := domain.Page{Limit: domain.MaxPageLimit}

	for s.WindowExecutions < maxScan {
		res, err := a.log.Query(ctx, filter, page)
		if err != nil {
			return fmt.Errorf("query execution log: %w", err)
		}
		for _, rec := range res.Records {
			s.BySource[rec.Source]++
		}
		s.WindowExecutions += len(res.Records)
		if res.NextCursor == "" {
			break
		}
		page.Cursor = res.NextCursor
	}

	if s.WindowExecutions > 0 {
		s.CacheHitRate = float64(s.BySource[domain.SourceCache]) / float64(s.WindowExecutions)
	}
	if m := a.window.Minutes(); m > 0 {
		s.ThroughputPerMinute = float64(s.WindowExecutions) / m
	}
	return nil
}

// Refresh recomputes and stores the latest snapshot.
func (a *Aggregator) Refresh(ctx context.Context) (*Snapshot, error) {
	s, err := a.Compute(ctx)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.latest = s
	a.mu.Unlock()
	if a.collectors != nil {
		a.collectors.publish(s)
	}
	return s, nil
}

// Latest returns the last refreshed snapshot, computing one if none exists.
func (a *Aggregator) Latest(ctx context.Context) (*Snapshot, error) {
	a.mu.RLock()
	s := a.latest
	a.mu.RUnlock()
	if s != nil {
		return s, nil
	}
	return a.Refresh(ctx)
}

// Start refreshes on schedule, a cron spec or descriptor such as "@every 30s".
func (a *Aggregator) Start(schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := a.Refresh(ctx); err != nil {
			a.logger.Warn("metrics refresh failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid metrics schedule %q: %w", schedule, err)
	}

	a.mu.Lock()
	a.cron = c
	a.mu.Unlock()
	c.Start()
	return nil
}

// Stop halts scheduled refreshes and waits for a running one to finish.
func (a *Aggregator) Stop(ctx context.Context) {
	a.mu.Lock()
	c := a.cron
	a.cron = nil
	a.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}
