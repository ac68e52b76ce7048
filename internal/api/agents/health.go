package agents

import (
	"context"
	"sync"
	"time"
)

// Overall health states.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
)

// CheckFunc checks one dependency. It returns a short status word and an
// error when the dependency is unusable.
type CheckFunc func(ctx context.Context) (string, error)

// DependencyStatus is the result of one check.
type DependencyStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthReport is the /health body.
type HealthReport struct {
	Status         string                      `json:"status"`
	Dependencies   map[string]DependencyStatus `json:"dependencies,omitempty"`
	ResponseTimeMs int64                       `json:"responseTimeMs"`
	CheckedAt      time.Time                   `json:"checkedAt"`
}

// Health runs dependency checks concurrently under a shared deadline.
type Health struct {
	checks  map[string]CheckFunc
	timeout time.Duration
}

// NewHealth creates a health checker over named checks.
func NewHealth(checks map[string]CheckFunc, timeout time.Duration) *Health {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Health{checks: checks, timeout: timeout}
}

// Check queries every dependency. Any failing check degrades the report.
func (h *Health) Check(ctx context.Context) HealthReport {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]DependencyStatus, len(h.checks))
	)
	for name, check := range h.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, err := check(ctx)
			ds := DependencyStatus{Status: status}
			if err != nil {
				if ds.Status == "" {
					ds.Status = "down"
				}
				ds.Error = err.Error()
			}
			mu.Lock()
			out[name] = ds
			mu.Unlock()
		}()
	}
	wg.Wait()

	report := HealthReport{
		Status:       HealthOK,
		Dependencies: out,
		CheckedAt:    start.UTC(),
	}
	for _, ds := range out {
		if ds.Error != "" {
			report.Status = HealthDegraded
			break
		}
	}
	report.ResponseTimeMs = time.Since(start).Milliseconds()
	return report
}
