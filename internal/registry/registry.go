// Package registry holds agent profiles and their per-agent runtime counters.
package registry

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tjfontaine/lead-dispatch/internal/core/domain"
)

// ActiveWindow is how long an agent reports "active" after its last dispatch.
const ActiveWindow = 5 * time.Minute

type profileSet struct {
	byID   map[string]*domain.AgentProfile
	byName map[string]*domain.AgentProfile
	order  []*domain.AgentProfile
}

// agentEntry serializes updates to one agent's counters. Different agents
// never share a lock.
type agentEntry struct {
	mu    sync.Mutex
	state domain.AgentRuntimeState
}

// Registry resolves agent profiles and tracks their runtime state.
type Registry struct {
	profiles atomic.Pointer[profileSet]
	states   sync.Map // agent name -> *agentEntry
	now      func() time.Time
}

// New creates a registry over profiles.
func New(profiles []*domain.AgentProfile) *Registry {
	r := &Registry{now: time.Now}
	r.Replace(profiles)
	return r
}

// Replace swaps the profile set. Runtime state of agents that disappear is
// kept so history stays attributable.
func (r *Registry) Replace(profiles []*domain.AgentProfile) {
	set := &profileSet{
		byID:   make(map[string]*domain.AgentProfile, len(profiles)),
		byName: make(map[string]*domain.AgentProfile, len(profiles)),
		order:  make([]*domain.AgentProfile, 0, len(profiles)),
	}
	for _, p := range profiles {
		if p == nil || p.Name == "" {
			continue
		}
		cp := *p
		if cp.ID != "" {
			set.byID[strings.ToLower(cp.ID)] = &cp
		}
		set.byName[cp.Name] = &cp
		set.order = append(set.order, &cp)
		r.entry(cp.Name)
	}
	r.profiles.Store(set)
}

func (r *Registry) entry(name string) *agentEntry {
	if e, ok := r.states.Load(name); ok {
		return e.(*agentEntry)
	}
	e, _ := r.states.LoadOrStore(name, &agentEntry{
		state: domain.AgentRuntimeState{AgentName: name, Status: domain.AgentStatusIdle},
	})
	return e.(*agentEntry)
}

// Resolve looks an agent up by id (case-insensitive) or by name. Unknown and
// disabled agents both yield AgentNotFound.
func (r *Registry) Resolve(agentID string) (*domain.AgentProfile, error) {
	set := r.profiles.Load()
	p, ok := set.byID[strings.ToLower(agentID)]
	if !ok {
		p, ok = set.byName[agentID]
	}
	if !ok || !p.Active {
		return nil, domain.ErrAgentNotFound(agentID)
	}
	cp := *p
	return &cp, nil
}

// List returns the active profiles in configuration order.
func (r *Registry) List() []*domain.AgentProfile {
	set := r.profiles.Load()
	out := make([]*domain.AgentProfile, 0, len(set.order))
	for _, p := range set.order {
		if p.Active {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out
}

// Begin marks a dispatch to agentName as in flight and returns the function
// that settles it. The settle function is safe to call more than once; only
// the first call counts, so it can be deferred as a cleanup path.
func (r *Registry) Begin(agentName string) func(success bool, latency time.Duration) {
	e := r.entry(agentName)
	e.mu.Lock()
	e.state.InFlight++
	e.state.Status = domain.AgentStatusProcessing
	e.mu.Unlock()

	var once sync.Once
	return func(success bool, latency time.Duration) {
		once.Do(func() {
			r.settle(e, success, latency)
		})
	}
}

// RecordOutcome counts one settled dispatch that was not opened with Begin.
func (r *Registry) RecordOutcome(agentName string, success bool, latencyMs int64) {
	e := r.entry(agentName)
	e.mu.Lock()
	e.state.InFlight++
	e.mu.Unlock()
	r.settle(e, success, time.Duration(latencyMs)*time.Millisecond)
}

func (r *Registry) settle(e *agentEntry, success bool, latency time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := &e.state
	if s.InFlight > 0 {
		s.InFlight--
	}
	s.MessagesProcessed++
	if success {
		s.SuccessCount++
	} else {
		s.FailureCount++
	}
	ms := float64(latency) / float64(time.Millisecond)
	s.RollingAvgLatencyMs += (ms - s.RollingAvgLatencyMs) / float64(s.MessagesProcessed)
	s.LastActivity = r.now()
	if s.InFlight == 0 {
		s.Status = domain.AgentStatusIdle
	}
}

// GetState returns a snapshot of agentName's counters.
func (r *Registry) GetState(agentName string) (domain.AgentRuntimeState, bool) {
	e, ok := r.states.Load(agentName)
	if !ok {
		return domain.AgentRuntimeState{}, false
	}
	return r.snapshot(e.(*agentEntry)), true
}

// States returns snapshots of every agent ever registered, sorted by name.
func (r *Registry) States() []domain.AgentRuntimeState {
	var out []domain.AgentRuntimeState
	r.states.Range(func(_, v any) bool {
		out = append(out, r.snapshot(v.(*agentEntry)))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].AgentName < out[j].AgentName })
	return out
}

func (r *Registry) snapshot(e *agentEntry) domain.AgentRuntimeState {
	e.mu.Lock()
	s := e.state
	e.mu.Unlock()

	switch {
	case s.InFlight > 0:
		s.Status = domain.AgentStatusProcessing
	case !s.LastActivity.IsZero() && r.now().Sub(s.LastActivity) < ActiveWindow:
		s.Status = domain.AgentStatusActive
	default:
		s.Status = domain.AgentStatusIdle
	}
	return s
}
