package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/lead-dispatch/internal/adapters/policy/slidingwindow"
	"github.com/tjfontaine/lead-dispatch/internal/cache"
	"github.com/tjfontaine/lead-dispatch/internal/core/domain"
	"github.com/tjfontaine/lead-dispatch/internal/core/ports"
	"github.com/tjfontaine/lead-dispatch/internal/metrics"
	"github.com/tjfontaine/lead-dispatch/internal/registry"
	"github.com/tjfontaine/lead-dispatch/internal/storage/memory"
	"github.com/tjfontaine/lead-dispatch/internal/upstream"
)

const qualifierID = "6f1c2a9e-0000-4000-8000-000000000001"

type fakeWorkflow struct {
	calls atomic.Int64
	delay time.Duration
	reply func(req *ports.WorkflowRequest) (string, error)
}

func (f *fakeWorkflow) Run(ctx context.Context, req *ports.WorkflowRequest) (string, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.reply != nil {
		return f.reply(req)
	}
	return "workflow answer", nil
}

type fakeModel struct {
	calls atomic.Int64
	text  string
	err   error
}

func (f *fakeModel) Name() string { return "fake" }

func (f *fakeModel) Complete(ctx context.Context, req *ports.CompletionRequest) (*ports.Completion, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &ports.Completion{Text: f.text, Model: "fake-1"}, nil
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (domain.RateLimitDecision, error) {
	return domain.RateLimitDecision{}, errors.New("redis: connection refused")
}

type harness struct {
	coord    *Coordinator
	store    *memory.Store
	registry *registry.Registry
	workflow *fakeWorkflow
	model    *fakeModel
}

type harnessOpt func(*Options, *harness)

func withLimiter(l ports.RateLimiter) harnessOpt {
	return func(o *Options, _ *harness) { o.Limiter = l }
}

func withPrimary(wf ports.WorkflowEngine) harnessOpt {
	return func(o *Options, h *harness) {
		o.Executor = upstream.NewChain(wf, h.model, upstream.WithLogger(quietLogger()))
	}
}

func withRouting(r Routing) harnessOpt {
	return func(o *Options, _ *harness) { o.Routing = r }
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, opts ...harnessOpt) *harness {
	t.Helper()
	h := &harness{
		store: memory.New(),
		registry: registry.New([]*domain.AgentProfile{
			{ID: qualifierID, Name: "qualifier", Specialization: "lead qualification", PromptTemplate: "Qualify.", Active: true},
			{Name: "scheduler", Specialization: "appointments", Active: true},
			{Name: "retired", Active: false},
		}),
		workflow: &fakeWorkflow{},
		model:    &fakeModel{text: "model answer"},
	}
	o := Options{
		Registry: h.registry,
		Executor: upstream.NewChain(h.workflow, h.model, upstream.WithLogger(quietLogger())),
		Limiter:  slidingwindow.New(100, time.Minute),
		Cache:    cache.NewMemory(128, time.Minute),
		Log:      h.store,
		Leads:    h.store,
		Metrics:  metrics.NewCollectors(),
		Logger:   quietLogger(),
	}
	for _, opt := range opts {
		opt(&o, h)
	}
	c, err := New(o)
	require.NoError(t, err)
	h.coord = c
	return h
}

func caller(key string) *ports.AuthContext {
	return &ports.AuthContext{CallerKey: key}
}

func (h *harness) records(t *testing.T) []*domain.ExecutionRecord {
	t.Helper()
	page, err := h.store.Query(context.Background(), domain.ExecutionFilter{}, domain.Page{Limit: domain.MaxPageLimit})
	require.NoError(t, err)
	return page.Records
}

func apiType(err error) domain.ErrorType {
	return domain.AsAPIError(err).Type
}

func TestExecute_WorkflowSuccess(t *testing.T) {
	h := newHarness(t)
	res, err := h.coord.Execute(context.Background(), caller("c1"), ExecuteRequest{AgentID: qualifierID, Input: "I was fired"})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, domain.SourceWorkflowEngine, res.Source)
	assert.Equal(t, "workflow answer", res.Response)
	assert.Equal(t, "qualifier", res.AgentName)
	assert.NotEmpty(t, res.ExecutionID)
	require.NotNil(t, res.RateLimit)
	assert.Equal(t, 99, res.RateLimit.Remaining)

	recs := h.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, res.ExecutionID, recs[0].ID)
	assert.Equal(t, "c1", recs[0].CallerKey)
	assert.Equal(t, domain.ExecutionSuccess, recs[0].Status)

	st, ok := h.registry.GetState("qualifier")
	require.True(t, ok)
	assert.Equal(t, int64(1), st.MessagesProcessed)
	assert.Equal(t, int64(1), st.SuccessCount)
	assert.Equal(t, 0, st.InFlight)
}

func TestExecute_ResolvesByName(t *testing.T) {
	h := newHarness(t)
	res, err := h.coord.Execute(context.Background(), caller("c1"), ExecuteRequest{AgentID: "scheduler", Input: "book me"})
	require.NoError(t, err)
	assert.Equal(t, "scheduler", res.AgentName)
}

func TestExecute_Validation(t *testing.T) {
	tests := []struct {
		name  string
		req   ExecuteRequest
		param string
	}{
		{"empty input", ExecuteRequest{AgentID: qualifierID, Input: ""}, "input"},
		{"blank input", ExecuteRequest{AgentID: qualifierID, Input: "   \n"}, "input"},
		{"empty agent", ExecuteRequest{AgentID: "", Input: "hello"}, "agentId"},
		{"oversized input", ExecuteRequest{AgentID: qualifierID, Input: strings.Repeat("a", 10000)}, "input"},
		{"oversized agent", ExecuteRequest{AgentID: strings.Repeat("x", 129), Input: "hello"}, "agentId"},
		{"script only", ExecuteRequest{AgentID: qualifierID, Input: "<script>alert(1)</script>"}, "input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.coord.Execute(context.Background(), caller("c1"), tt.req)
			require.Error(t, err)

			apiErr := domain.AsAPIError(err)
			assert.Equal(t, 400, apiErr.HTTPStatusCode())
			assert.Equal(t, tt.param, apiErr.Param)
			assert.Zero(t, h.workflow.calls.Load(), "validation failures never reach the chain")
			assert.Zero(t, h.model.calls.Load())
			assert.Empty(t, h.records(t))
		})
	}
}

func TestExecute_MissingCaller(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.Execute(context.Background(), nil, ExecuteRequest{AgentID: qualifierID, Input: "x"})
	require.Error(t, err)
	assert.Equal(t, 401, domain.AsAPIError(err).HTTPStatusCode())
	assert.Empty(t, h.records(t))
}

func TestExecute_UnknownAgent(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"00000000-0000-0000-0000-000000000000", "retired"} {
		_, err := h.coord.Execute(context.Background(), caller("c1"), ExecuteRequest{AgentID: id, Input: "hello"})
		require.Error(t, err)
		apiErr := domain.AsAPIError(err)
		assert.Equal(t, 404, apiErr.HTTPStatusCode())
		assert.NotEmpty(t, apiErr.Message)
	}
	assert.Zero(t, h.workflow.calls.Load())
	assert.Empty(t, h.records(t))
}

func TestExecute_CacheIdempotence(t *testing.T) {
	h := newHarness(t)
	h.workflow.delay = 30 * time.Millisecond
	ctx := context.Background()
	req := ExecuteRequest{AgentID: qualifierID, Input: "Contract question"}

	first, err := h.coord.Execute(ctx, caller("c1"), req)
	require.NoError(t, err)

	req.Input = "  Contract question  "
	second, err := h.coord.Execute(ctx, caller("c1"), req)
	require.NoError(t, err)

	assert.Equal(t, first.Response, second.Response)
	assert.Equal(t, domain.SourceCache, second.Source)
	assert.Less(t, second.LatencyMs, first.LatencyMs)
	assert.Equal(t, int64(1), h.workflow.calls.Load())

	nonCache := 0
	for _, r := range h.records(t) {
		if r.Source != domain.SourceCache {
			nonCache++
		}
	}
	assert.Equal(t, 1, nonCache)
	assert.Len(t, h.records(t), 2)

	st, _ := h.registry.GetState("qualifier")
	assert.Equal(t, int64(1), st.MessagesProcessed, "cache hits do not count as agent work")

	// Case is significant.
	third, err := h.coord.Execute(ctx, caller("c1"), ExecuteRequest{AgentID: qualifierID, Input: "contract question"})
	require.NoError(t, err)
	assert.Equal(t, domain.SourceWorkflowEngine, third.Source)
}

func TestExecute_Sanitization(t *testing.T) {
	payloads := []string{"<script>alert(1)</script>", "javascript:alert(1)", `<img src=x onload=alert(1)>`}
	h := newHarness(t)
	h.workflow.reply = func(req *ports.WorkflowRequest) (string, error) {
		// Echo the prompt back, as a naive workflow would.
		return req.Prompt + " <script>alert(1)</script>", nil
	}

	for _, p := range payloads {
		res, err := h.coord.Execute(context.Background(), caller("c1"), ExecuteRequest{AgentID: qualifierID, Input: "Hello " + p})
		require.NoError(t, err)
		for _, bad := range []string{"<script>alert(1)</script>", "javascript:alert(1)", "onload="} {
			assert.NotContains(t, res.Response, bad)
		}
	}
	for _, rec := range h.records(t) {
		for _, bad := range []string{"<script>", "javascript:", "onload="} {
			assert.NotContains(t, rec.InputPreview, bad)
			assert.NotContains(t, rec.OutputPreview, bad)
		}
	}
}

func TestExecute_FallbackWhenWorkflowUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	h := newHarness(t, withPrimary(upstream.NewWorkflowClient(upstream.WorkflowClientConfig{URL: url, Timeout: time.Second})))

	res, err := h.coord.Execute(context.Background(), caller("c1"), ExecuteRequest{AgentID: qualifierID, Input: "hi"})
	require.NoError(t, err)
	assert.Equal(t, domain.SourceFallbackModel, res.Source)
	assert.Equal(t, "model answer", res.Response)

	recs := h.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.SourceFallbackModel, recs[0].Source)
}

func TestExecute_PreferWorkflowFalse(t *testing.T) {
	h := newHarness(t)
	no := false
	res, err := h.coord.Execute(context.Background(), caller("c1"), ExecuteRequest{AgentID: qualifierID, Input: "hi", PreferWorkflowEngine: &no})
	require.NoError(t, err)
	assert.Equal(t, domain.SourceFallbackModel, res.Source)
	assert.Zero(t, h.workflow.calls.Load())
}

func TestExecute_BothStagesFail(t *testing.T) {
	h := newHarness(t)
	h.workflow.reply = func(*ports.WorkflowRequest) (string, error) {
		return "", &upstream.StageError{Stage: domain.SourceWorkflowEngine, Status: 502}
	}
	h.model.err = &upstream.StageError{Stage: domain.SourceFallbackModel, Status: 429}

	res, err := h.coord.Execute(context.Background(), caller("c1"), ExecuteRequest{AgentID: qualifierID, Input: "hi"})
	require.Error(t, err)
	apiErr := domain.AsAPIError(err)
	assert.Equal(t, 500, apiErr.HTTPStatusCode())
	assert.NotEmpty(t, apiErr.Details)
	require.NotNil(t, res)
	assert.NotEmpty(t, res.ExecutionID)

	recs := h.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.ExecutionError, recs[0].Status)
	assert.Contains(t, recs[0].ErrorDetail, "status 429")
	assert.Equal(t, domain.SourceFallbackModel, recs[0].Source)
	assert.Equal(t, domain.SourceFallbackModel, res.Source)

	st, _ := h.registry.GetState("qualifier")
	assert.Equal(t, int64(1), st.FailureCount)
	assert.Equal(t, st.MessagesProcessed, st.SuccessCount+st.FailureCount)
	assert.Equal(t, domain.AgentStatusActive, st.Status)
}

func TestExecute_RateLimit(t *testing.T) {
	h := newHarness(t, withLimiter(slidingwindow.New(3, time.Minute)))
	ctx := context.Background()

	accepted, limited := 0, 0
	for i := 0; i < 5; i++ {
		_, err := h.coord.Execute(ctx, caller("c1"), ExecuteRequest{AgentID: qualifierID, Input: "q" + strings.Repeat("!", i)})
		if err == nil {
			accepted++
			continue
		}
		require.Equal(t, domain.ErrorTypeRateLimit, apiType(err))
		assert.Greater(t, domain.AsAPIError(err).RetryAfter, time.Duration(0))
		limited++
	}
	assert.Equal(t, 3, accepted)
	assert.Equal(t, 2, limited)
	assert.Equal(t, int64(3), h.workflow.calls.Load(), "rate-limited requests never reach upstream")
	assert.Len(t, h.records(t), 3)

	// Another caller has its own bucket.
	_, err := h.coord.Execute(ctx, caller("c2"), ExecuteRequest{AgentID: qualifierID, Input: "other"})
	assert.NoError(t, err)
}

func TestExecute_LimiterFailureAdmits(t *testing.T) {
	var logs bytes.Buffer
	h := newHarness(t, withLimiter(failingLimiter{}), func(o *Options, _ *harness) {
		o.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	})
	for i := 0; i < 5; i++ {
		res, err := h.coord.Execute(context.Background(), caller("c1"), ExecuteRequest{AgentID: qualifierID, Input: fmt.Sprintf("hi %d", i)})
		require.NoError(t, err)
		assert.Nil(t, res.RateLimit)
	}
	assert.Equal(t, 1, strings.Count(logs.String(), "rate limiter unavailable"), "outage warnings are throttled")
}

func TestExecute_ConcurrentSameAgent(t *testing.T) {
	h := newHarness(t)
	h.workflow.delay = 10 * time.Millisecond

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.coord.Execute(context.Background(), caller("c1"), ExecuteRequest{
				AgentID: qualifierID,
				Input:   fmt.Sprintf("lead %d needs help", i),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	recs := h.records(t)
	assert.Len(t, recs, 10)
	ids := map[string]bool{}
	for _, r := range recs {
		assert.False(t, ids[r.ID], "duplicate record id")
		ids[r.ID] = true
	}

	st, _ := h.registry.GetState("qualifier")
	assert.Equal(t, int64(10), st.MessagesProcessed)
	assert.Equal(t, int64(10), st.SuccessCount)
	assert.Equal(t, 0, st.InFlight)
}

func TestExecute_CallerCancelSettlesAgent(t *testing.T) {
	h := newHarness(t)
	h.workflow.delay = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := h.coord.Execute(ctx, caller("c1"), ExecuteRequest{AgentID: qualifierID, Input: "slow"})
	require.Error(t, err)

	st, _ := h.registry.GetState("qualifier")
	assert.Equal(t, 0, st.InFlight)
	assert.NotEqual(t, domain.AgentStatusProcessing, st.Status)
	assert.Equal(t, int64(1), st.FailureCount)
	assert.Zero(t, h.model.calls.Load())

	recs := h.records(t)
	require.Len(t, recs, 1, "cancelled dispatch is still recorded")
	assert.Equal(t, domain.ExecutionError, recs[0].Status)
}
