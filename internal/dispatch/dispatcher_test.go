package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimmerhq/insight-engine/internal/cache"
	"github.com/glimmerhq/insight-engine/internal/orchestrator"
	"github.com/glimmerhq/insight-engine/pkg/backend"
	"github.com/glimmerhq/insight-engine/pkg/config"
)

// MockExecutor mocks the orchestrator for dispatcher tests
type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) Execute(ctx context.Context, req *backend.AnalysisRequest) (*orchestrator.Result, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*orchestrator.Result), args.Error(1)
}

// MockCache mocks the analysis cache
type MockCache struct {
	mock.Mock
}

func (m *MockCache) Get(ctx context.Context, req *backend.AnalysisRequest) (*backend.Analysis, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*backend.Analysis), args.Error(1)
}

func (m *MockCache) Set(ctx context.Context, req *backend.AnalysisRequest, analysis *backend.Analysis) error {
	args := m.Called(ctx, req, analysis)
	return args.Error(0)
}

// executorFunc adapts a function to the Executor interface
type executorFunc func(ctx context.Context, req *backend.AnalysisRequest) (*orchestrator.Result, error)

func (f executorFunc) Execute(ctx context.Context, req *backend.AnalysisRequest) (*orchestrator.Result, error) {
	return f(ctx, req)
}

// gateExecutor blocks every Execute call until release is closed, reporting
// each start on the started channel.
type gateExecutor struct {
	started chan string
	release chan struct{}
	result  *orchestrator.Result
}

func newGateExecutor() *gateExecutor {
	return &gateExecutor{
		started: make(chan string, 8),
		release: make(chan struct{}),
		result:  successResult(backend.NameOpenAI),
	}
}

func (g *gateExecutor) Execute(ctx context.Context, req *backend.AnalysisRequest) (*orchestrator.Result, error) {
	g.started <- req.ID
	<-g.release
	return g.result, nil
}

type outcome struct {
	req *backend.AnalysisRequest
	res *orchestrator.Result
	err error
}

func newTestDispatcher(t *testing.T, executor Executor, c Cache, cfg *config.DispatchConfig) (*Dispatcher, chan outcome) {
	out := make(chan outcome, 16)
	handler := func(ctx context.Context, req *backend.AnalysisRequest, res *orchestrator.Result, err error) {
		out <- outcome{req: req, res: res, err: err}
	}

	d, err := NewDispatcher(executor, c, handler, cfg, nil, nil, nil)
	require.NoError(t, err)
	return d, out
}

func newRequest(content string) *backend.AnalysisRequest {
	return backend.NewRequest(content, backend.TypeTriage, []backend.Name{backend.NameOpenAI, backend.NameOllama})
}

func successResult(name backend.Name) *orchestrator.Result {
	return &orchestrator.Result{
		Analysis: &backend.Analysis{
			Content:    "Filed under errands.",
			Confidence: 0.84,
			Backend:    name,
			Model:      "gpt-4o-mini",
		},
		Attempts:  []orchestrator.Attempt{{Backend: name, Decision: orchestrator.DecisionSuccess}},
		Rationale: "sequential: openai (primary), then ollama (fallback)",
	}
}

func waitOutcome(t *testing.T, out chan outcome) outcome {
	t.Helper()
	select {
	case o := <-out:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the result handler")
		return outcome{}
	}
}

func assertNoOutcome(t *testing.T, out chan outcome, within time.Duration) {
	t.Helper()
	select {
	case o := <-out:
		t.Fatalf("unexpected outcome for request %s", o.req.ID)
	case <-time.After(within):
	}
}

func TestNewDispatcher_Validation(t *testing.T) {
	handler := func(ctx context.Context, req *backend.AnalysisRequest, res *orchestrator.Result, err error) {}

	_, err := NewDispatcher(nil, nil, handler, nil, nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "executor cannot be nil")

	_, err = NewDispatcher(&MockExecutor{}, nil, nil, nil, nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "result handler cannot be nil")
}

func TestNewDispatcher_DefaultsConfig(t *testing.T) {
	handler := func(ctx context.Context, req *backend.AnalysisRequest, res *orchestrator.Result, err error) {}

	d, err := NewDispatcher(&MockExecutor{}, nil, handler, &config.DispatchConfig{}, nil, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 64, d.config.QueueSize)
	assert.Equal(t, 4, d.config.Workers)
	assert.Equal(t, 30*time.Second, d.config.ShutdownTimeout)
}

func TestDispatcher_ProcessesSubmittedRequest(t *testing.T) {
	executor := &MockExecutor{}
	req := newRequest("buy milk before friday")
	want := successResult(backend.NameOpenAI)
	executor.On("Execute", mock.Anything, req).Return(want, nil).Once()

	d, out := newTestDispatcher(t, executor, nil, &config.DispatchConfig{QueueSize: 4, Workers: 2})
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop(context.Background())

	require.NoError(t, d.Submit(req))

	got := waitOutcome(t, out)
	assert.Equal(t, req, got.req)
	assert.Equal(t, want, got.res)
	assert.NoError(t, got.err)
	executor.AssertNumberOfCalls(t, "Execute", 1)
}

func TestDispatcher_DeliversExecutionError(t *testing.T) {
	executor := &MockExecutor{}
	req := newRequest("ping")
	execErr := errors.New("all candidates failed")
	executor.On("Execute", mock.Anything, req).Return(nil, execErr).Once()

	d, out := newTestDispatcher(t, executor, nil, &config.DispatchConfig{QueueSize: 4, Workers: 1})
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop(context.Background())

	require.NoError(t, d.Submit(req))

	got := waitOutcome(t, out)
	assert.Nil(t, got.res)
	assert.ErrorIs(t, got.err, execErr)
}

func TestDispatcher_SubmitBeforeStart(t *testing.T) {
	d, _ := newTestDispatcher(t, &MockExecutor{}, nil, nil)

	err := d.Submit(newRequest("too early"))
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestDispatcher_SubmitAssignsRequestID(t *testing.T) {
	executor := &MockExecutor{}
	executor.On("Execute", mock.Anything, mock.Anything).Return(successResult(backend.NameStatic), nil)

	d, out := newTestDispatcher(t, executor, nil, &config.DispatchConfig{QueueSize: 4, Workers: 1})
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop(context.Background())

	req := &backend.AnalysisRequest{
		Content:   "note without an id",
		Type:      backend.TypeTriage,
		Available: []backend.Name{backend.NameStatic},
	}
	require.NoError(t, d.Submit(req))

	assert.NotEmpty(t, req.ID)
	got := waitOutcome(t, out)
	assert.Equal(t, req.ID, got.req.ID)
}

func TestDispatcher_QueueFull(t *testing.T) {
	executor := newGateExecutor()
	d, out := newTestDispatcher(t, executor, nil, &config.DispatchConfig{QueueSize: 1, Workers: 1})
	require.NoError(t, d.Start(context.Background()))

	// First request occupies the only worker.
	require.NoError(t, d.Submit(newRequest("first")))
	<-executor.started

	// Second fills the queue, third must bounce.
	require.NoError(t, d.Submit(newRequest("second")))
	err := d.Submit(newRequest("third"))
	assert.ErrorIs(t, err, ErrQueueFull)

	close(executor.release)
	waitOutcome(t, out)
	waitOutcome(t, out)
	assert.NoError(t, d.Stop(context.Background()))
}

func TestDispatcher_CacheHitSkipsBackends(t *testing.T) {
	executor := &MockExecutor{}
	executor.On("Execute", mock.Anything, mock.Anything).Return(successResult(backend.NameOpenAI), nil).Maybe()

	cached := &backend.Analysis{
		Content:    "Filed under errands.",
		Confidence: 0.84,
		Backend:    backend.NameOpenAI,
		Model:      "gpt-4o-mini",
	}
	analysisCache := &MockCache{}
	analysisCache.On("Get", mock.Anything, mock.Anything).Return(cached, nil).Once()

	d, out := newTestDispatcher(t, executor, analysisCache, &config.DispatchConfig{QueueSize: 4, Workers: 1})
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop(context.Background())

	require.NoError(t, d.Submit(newRequest("buy milk before friday")))

	got := waitOutcome(t, out)
	require.NoError(t, got.err)
	require.NotNil(t, got.res)
	assert.Equal(t, cached, got.res.Analysis)
	assert.Contains(t, got.res.Rationale, "cache")
	assert.Empty(t, got.res.Attempts)

	executor.AssertNumberOfCalls(t, "Execute", 0)
	analysisCache.AssertExpectations(t)
}

func TestDispatcher_CacheMissStoresResult(t *testing.T) {
	req := newRequest("water the plants")
	want := successResult(backend.NameOllama)

	executor := &MockExecutor{}
	executor.On("Execute", mock.Anything, req).Return(want, nil).Once()

	analysisCache := &MockCache{}
	analysisCache.On("Get", mock.Anything, req).Return(nil, cache.ErrMiss).Once()
	analysisCache.On("Set", mock.Anything, req, want.Analysis).Return(nil).Once()

	d, out := newTestDispatcher(t, executor, analysisCache, &config.DispatchConfig{QueueSize: 4, Workers: 1})
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop(context.Background())

	require.NoError(t, d.Submit(req))

	got := waitOutcome(t, out)
	assert.Equal(t, want, got.res)
	analysisCache.AssertExpectations(t)
}

func TestDispatcher_CacheErrorDoesNotBlockAnalysis(t *testing.T) {
	req := newRequest("call the dentist")
	want := successResult(backend.NameOpenAI)

	executor := &MockExecutor{}
	executor.On("Execute", mock.Anything, req).Return(want, nil).Once()

	analysisCache := &MockCache{}
	analysisCache.On("Get", mock.Anything, req).Return(nil, errors.New("redis is down")).Once()
	analysisCache.On("Set", mock.Anything, req, want.Analysis).Return(errors.New("redis is down")).Once()

	d, out := newTestDispatcher(t, executor, analysisCache, &config.DispatchConfig{QueueSize: 4, Workers: 1})
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop(context.Background())

	require.NoError(t, d.Submit(req))

	got := waitOutcome(t, out)
	assert.Equal(t, want, got.res)
	assert.NoError(t, got.err)
	executor.AssertNumberOfCalls(t, "Execute", 1)
}

func TestDispatcher_FailedAnalysisIsNotCached(t *testing.T) {
	req := newRequest("doomed request")

	executor := &MockExecutor{}
	executor.On("Execute", mock.Anything, req).Return(nil, errors.New("all candidates failed")).Once()

	analysisCache := &MockCache{}
	analysisCache.On("Get", mock.Anything, req).Return(nil, cache.ErrMiss).Once()

	d, out := newTestDispatcher(t, executor, analysisCache, &config.DispatchConfig{QueueSize: 4, Workers: 1})
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop(context.Background())

	require.NoError(t, d.Submit(req))
	waitOutcome(t, out)

	analysisCache.AssertNumberOfCalls(t, "Set", 0)
}

func TestDispatcher_GracefulStop(t *testing.T) {
	executor := &MockExecutor{}
	executor.On("Execute", mock.Anything, mock.Anything).Return(successResult(backend.NameOpenAI), nil)

	d, out := newTestDispatcher(t, executor, nil, &config.DispatchConfig{QueueSize: 8, Workers: 2, ShutdownTimeout: 2 * time.Second})
	require.NoError(t, d.Start(context.Background()))

	for i := 0; i < 3; i++ {
		require.NoError(t, d.Submit(newRequest("note")))
	}
	for i := 0; i < 3; i++ {
		waitOutcome(t, out)
	}

	assert.NoError(t, d.Stop(context.Background()))
	assert.ErrorIs(t, d.Submit(newRequest("after stop")), ErrNotRunning)
}

func TestDispatcher_StopAbandonsQueuedTasks(t *testing.T) {
	executor := newGateExecutor()
	d, out := newTestDispatcher(t, executor, nil, &config.DispatchConfig{QueueSize: 4, Workers: 1})
	require.NoError(t, d.Start(context.Background()))

	// Occupy the worker, then queue two more tasks behind it.
	first := newRequest("in flight")
	require.NoError(t, d.Submit(first))
	<-executor.started
	require.NoError(t, d.Submit(newRequest("queued one")))
	require.NoError(t, d.Submit(newRequest("queued two")))

	// The worker is stuck, so Stop hits its deadline and abandons the queue.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := d.Stop(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout waiting for workers to stop")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.ErrorIs(t, d.Submit(newRequest("after stop")), ErrNotRunning)

	// Let the in-flight task finish; the abandoned ones never surface.
	close(executor.release)
	got := waitOutcome(t, out)
	assert.Equal(t, first.ID, got.req.ID)
	assertNoOutcome(t, out, 200*time.Millisecond)
}

func TestDispatcher_WorkerSurvivesPanic(t *testing.T) {
	executor := executorFunc(func(ctx context.Context, req *backend.AnalysisRequest) (*orchestrator.Result, error) {
		if req.Content == "boom" {
			panic("backend exploded")
		}
		return successResult(backend.NameStatic), nil
	})

	d, out := newTestDispatcher(t, executor, nil, &config.DispatchConfig{QueueSize: 4, Workers: 1})
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop(context.Background())

	require.NoError(t, d.Submit(newRequest("boom")))
	require.NoError(t, d.Submit(newRequest("still alive")))

	got := waitOutcome(t, out)
	assert.Equal(t, "still alive", got.req.Content)
	assert.NoError(t, got.err)
}

func TestDispatcher_Health(t *testing.T) {
	d, _ := newTestDispatcher(t, &MockExecutor{}, nil, nil)
	assert.ErrorIs(t, d.Health(), ErrNotRunning)

	require.NoError(t, d.Start(context.Background()))
	assert.NoError(t, d.Health())

	require.NoError(t, d.Stop(context.Background()))
	assert.ErrorIs(t, d.Health(), ErrNotRunning)
}

func TestDispatcher_StartTwice(t *testing.T) {
	d, _ := newTestDispatcher(t, &MockExecutor{}, nil, nil)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop(context.Background())

	err := d.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestDispatcher_StopIdempotent(t *testing.T) {
	d, _ := newTestDispatcher(t, &MockExecutor{}, nil, nil)
	require.NoError(t, d.Start(context.Background()))

	assert.NoError(t, d.Stop(context.Background()))
	assert.NoError(t, d.Stop(context.Background()))
}

func TestDispatcher_CannotRestartAfterStop(t *testing.T) {
	d, _ := newTestDispatcher(t, &MockExecutor{}, nil, nil)
	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, d.Stop(context.Background()))

	err := d.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be restarted")
}
