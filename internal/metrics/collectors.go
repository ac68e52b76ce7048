// Package metrics derives dispatch statistics from the execution log and
// agent runtime state, and exports them to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tjfontaine/lead-dispatch/internal/core/domain"
)

// Collectors are the Prometheus instruments of one engine. Each engine
// owns its registry so several can run in one process.
type Collectors struct {
	registry *prometheus.Registry

	dispatches  *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	rateLimited prometheus.Counter
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	rejections  *prometheus.CounterVec

	agentSuccessRate *prometheus.GaugeVec
	agentAvgLatency  *prometheus.GaugeVec
	agentInFlight    *prometheus.GaugeVec
	throughput       prometheus.Gauge
	conversionRate   prometheus.Gauge
}

// NewCollectors registers all instruments on a fresh registry.
func NewCollectors() *Collectors {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collectors{
		registry: reg,
		dispatches: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_executions_total",
				Help: "Total number of settled dispatches",
			},
			[]string{"agent", "source", "status"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_execution_duration_seconds",
				Help:    "End-to-end dispatch duration in seconds",
				Buckets: []float64{.005, .05, .25, .5, 1, 2.5, 5, 8, 15, 30},
			},
			[]string{"agent", "source"},
		),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		}),
		cacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_cache_hits_total",
			Help: "Total number of response cache hits",
		}),
		cacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_cache_misses_total",
			Help: "Total number of response cache misses",
		}),
		rejections: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_rejections_total",
				Help: "Total number of requests rejected before dispatch",
			},
			[]string{"reason"},
		),
		agentSuccessRate: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dispatch_agent_success_ratio",
				Help: "Success count over messages processed per agent",
			},
			[]string{"agent"},
		),
		agentAvgLatency: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dispatch_agent_avg_latency_ms",
				Help: "Mean dispatch latency per agent in milliseconds",
			},
			[]string{"agent"},
		),
		agentInFlight: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dispatch_agent_in_flight",
				Help: "Dispatches currently in flight per agent",
			},
			[]string{"agent"},
		),
		throughput: f.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_throughput_per_minute",
			Help: "Executions per minute over the aggregation window",
		}),
		conversionRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_lead_conversion_ratio",
			Help: "Won leads over leads with a reported outcome",
		}),
	}
}

// Registry exposes the underlying registry.
func (c *Collectors) Registry() *prometheus.Registry { return c.registry }

// Handler serves the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveExecution counts one appended record.
func (c *Collectors) ObserveExecution(rec *domain.ExecutionRecord) {
	source := string(rec.Source)
	if source == "" {
		source = "none"
	}
	c.dispatches.WithLabelValues(rec.AgentName, source, string(rec.Status)).Inc()
	c.latency.WithLabelValues(rec.AgentName, source).Observe(float64(rec.LatencyMs) / 1000)
}

// ObserveRateLimited counts a rate-limit rejection.
func (c *Collectors) ObserveRateLimited() { c.rateLimited.Inc() }

// ObserveCache counts a cache lookup.
func (c *Collectors) ObserveCache(hit bool) {
	if hit {
		c.cacheHits.Inc()
		return
	}
	c.cacheMisses.Inc()
}

// ObserveRejection counts a request rejected before dispatch, by reason
// (validation, authentication, not_found).
func (c *Collectors) ObserveRejection(reason string) {
	c.rejections.WithLabelValues(reason).Inc()
}

// RegisterBreakerState exports the workflow circuit breaker state
// (0 closed, 1 half-open, 2 open).
func (c *Collectors) RegisterBreakerState(state func() string) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "dispatch_workflow_breaker_state",
		Help: "Workflow circuit breaker state: 0 closed, 1 half-open, 2 open",
	}, func() float64 {
		switch state() {
		case "open":
			return 2
		case "half-open":
			return 1
		default:
			return 0
		}
	}))
}

func (c *Collectors) publish(s *Snapshot) {
	for _, a := range s.Agents {
		c.agentSuccessRate.WithLabelValues(a.Name).Set(a.SuccessRate)
		c.agentAvgLatency.WithLabelValues(a.Name).Set(a.AvgLatencyMs)
		c.agentInFlight.WithLabelValues(a.Name).Set(float64(a.InFlight))
	}
	c.throughput.Set(s.ThroughputPerMinute)
	if s.ConversionRate != nil {
		c.conversionRate.Set(*s.ConversionRate)
	}
}
