// Package dispatch runs analyses in the background. Producers hand requests
// to a bounded queue and move on; a fixed pool of workers drains the queue,
// consults the cache, executes, and delivers every outcome to a
// caller-supplied handler. When the queue is full, Submit says so instead of
// spawning more work.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/glimmerhq/insight-engine/internal/cache"
	"github.com/glimmerhq/insight-engine/internal/orchestrator"
	"github.com/glimmerhq/insight-engine/pkg/backend"
	"github.com/glimmerhq/insight-engine/pkg/config"
	"github.com/glimmerhq/insight-engine/pkg/logging"
	"github.com/glimmerhq/insight-engine/pkg/metrics"
	"github.com/glimmerhq/insight-engine/pkg/tracing"
)

// queueName labels queue metrics; there is a single analysis queue.
const queueName = "analysis"

var (
	// ErrQueueFull is returned by Submit when the task queue is at capacity.
	ErrQueueFull = errors.New("dispatch queue is full")

	// ErrNotRunning is returned by Submit before Start or after Stop.
	ErrNotRunning = errors.New("dispatcher is not running")
)

// Executor runs one analysis request against the configured backends.
// *orchestrator.Orchestrator satisfies it.
type Executor interface {
	Execute(ctx context.Context, req *backend.AnalysisRequest) (*orchestrator.Result, error)
}

// Cache is the slice of the analysis cache the dispatcher consults.
type Cache interface {
	Get(ctx context.Context, req *backend.AnalysisRequest) (*backend.Analysis, error)
	Set(ctx context.Context, req *backend.AnalysisRequest, analysis *backend.Analysis) error
}

// ResultHandler receives the outcome of every processed task, successful or
// not. Implementations own persistence and any follow-up on the analysis.
type ResultHandler func(ctx context.Context, req *backend.AnalysisRequest, res *orchestrator.Result, err error)

// DefaultConfig returns the dispatch configuration used when none is given
func DefaultConfig() *config.DispatchConfig {
	return &config.DispatchConfig{
		QueueSize:       64,
		Workers:         4,
		ShutdownTimeout: 30 * time.Second,
	}
}

// task pairs a request with the moment it entered the queue.
type task struct {
	req        *backend.AnalysisRequest
	enqueuedAt time.Time
}

// Dispatcher owns the analysis task queue and its worker pool
type Dispatcher struct {
	executor Executor
	cache    Cache
	handler  ResultHandler
	config   *config.DispatchConfig
	logger   *logging.Logger
	metrics  *metrics.Metrics
	tracer   *tracing.TracingService

	tasks    chan task
	running  bool
	stopped  bool
	workerWg sync.WaitGroup
	stopCh   chan struct{}
	mu       sync.RWMutex
}

// NewDispatcher creates a dispatcher. The cache may be nil when caching is
// disabled; a nil config selects defaults.
func NewDispatcher(executor Executor, analysisCache Cache, handler ResultHandler, cfg *config.DispatchConfig, logger *logging.Logger, m *metrics.Metrics, tracer *tracing.TracingService) (*Dispatcher, error) {
	if executor == nil {
		return nil, fmt.Errorf("executor cannot be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("result handler cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		// The caller's config is never mutated.
		c := *cfg
		defaults := DefaultConfig()
		if c.QueueSize <= 0 {
			c.QueueSize = defaults.QueueSize
		}
		if c.Workers <= 0 {
			c.Workers = defaults.Workers
		}
		if c.ShutdownTimeout <= 0 {
			c.ShutdownTimeout = defaults.ShutdownTimeout
		}
		cfg = &c
	}
	if logger == nil {
		logger = logging.GetLogger()
	}
	if m == nil {
		m = metrics.NewMetrics(&metrics.Config{Enabled: false})
	}
	if tracer == nil {
		tracer, _ = tracing.NewTracingService(&tracing.Config{Enabled: false})
	}

	return &Dispatcher{
		executor: executor,
		cache:    analysisCache,
		handler:  handler,
		config:   cfg,
		logger:   logger,
		metrics:  m,
		tracer:   tracer,
		tasks:    make(chan task, cfg.QueueSize),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start launches the worker pool. The context bounds in-flight analyses:
// cancelling it aborts work immediately, while Stop lets workers finish.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return fmt.Errorf("dispatcher is already running")
	}
	if d.stopped {
		return fmt.Errorf("dispatcher cannot be restarted after stop")
	}

	for i := 0; i < d.config.Workers; i++ {
		d.workerWg.Add(1)
		go func(id string) {
			defer d.workerWg.Done()
			d.work(ctx, id)
		}(fmt.Sprintf("worker-%d", i))
	}

	d.running = true
	d.logger.Info("dispatcher started",
		"workers", d.config.Workers,
		"queue_size", d.config.QueueSize,
	)
	return nil
}

// Submit enqueues a request for background analysis. It never blocks: when
// the queue is at capacity it returns ErrQueueFull and the producer decides
// what to do with the request. A request without an ID is assigned one.
func (d *Dispatcher) Submit(req *backend.AnalysisRequest) error {
	if req == nil {
		return fmt.Errorf("request cannot be nil")
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.running {
		return ErrNotRunning
	}

	select {
	case d.tasks <- task{req: req, enqueuedAt: time.Now()}:
		d.metrics.UpdateQueueDepth(queueName, len(d.tasks))
		return nil
	default:
		d.metrics.RecordQueueRejected(queueName)
		d.logger.Warn("dispatch queue is full, rejecting request",
			"request_id", req.ID,
			"queue_size", d.config.QueueSize,
		)
		return ErrQueueFull
	}
}

// Stop shuts the dispatcher down: no new submissions are accepted, in-flight
// tasks finish, and whatever is still queued is logged as abandoned. When ctx
// carries no deadline the configured shutdown timeout applies. Abandoned work
// is never retried across restarts; the logs are the record of it.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.stopped = true
	close(d.stopCh)
	d.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.ShutdownTimeout)
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		d.workerWg.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("timeout waiting for workers to stop: %w", ctx.Err())
	}

	abandoned := d.drainAbandoned()
	d.logger.Info("dispatcher stopped", "abandoned", abandoned)
	return waitErr
}

// Health reports whether the dispatcher is accepting work
func (d *Dispatcher) Health() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.running {
		return ErrNotRunning
	}
	return nil
}

// drainAbandoned empties the queue after shutdown, logging each task so its
// correlation ID survives in the record.
func (d *Dispatcher) drainAbandoned() int {
	abandoned := 0
	for {
		select {
		case t := <-d.tasks:
			abandoned++
			d.metrics.RecordQueueAbandoned(queueName)
			d.logger.Warn("abandoning queued analysis on shutdown",
				"request_id", t.req.ID,
				"analysis_type", string(t.req.Type),
				"queued_for", time.Since(t.enqueuedAt).String(),
			)
		default:
			d.metrics.UpdateQueueDepth(queueName, 0)
			return abandoned
		}
	}
}

// work is one worker's processing loop
func (d *Dispatcher) work(ctx context.Context, id string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case t := <-d.tasks:
			d.metrics.UpdateQueueDepth(queueName, len(d.tasks))
			d.process(ctx, id, t)
		}
	}
}

// process runs a single task end to end
func (d *Dispatcher) process(ctx context.Context, workerID string, t task) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.RecordPanic("dispatch")
			d.logger.LogPanic(ctx, r, "dispatch worker recovered from panic")
		}
	}()

	start := time.Now()
	ctx = logging.WithRequestID(ctx, t.req.ID)
	ctx, span := d.tracer.StartQueueSpan(ctx, "process", t.req.ID)
	defer span.End()
	ctx = tracing.WithTraceContext(ctx)

	d.metrics.RecordQueueWait(queueName, start.Sub(t.enqueuedAt))

	if d.cache != nil {
		cacheCtx, cacheSpan := d.tracer.StartCacheSpan(ctx, "get", t.req.ID)
		cached, err := d.cache.Get(cacheCtx, t.req)
		if err != nil && !errors.Is(err, cache.ErrMiss) {
			d.tracer.RecordError(cacheSpan, err)
		}
		cacheSpan.End()

		if err == nil {
			d.logger.LogAnalysisEvent(ctx, "analysis served from cache", t.req.ID, string(t.req.Type), logrus.Fields{
				"worker":  workerID,
				"backend": string(cached.Backend),
			})
			d.tracer.SetSpanOK(span)
			d.handler(ctx, t.req, &orchestrator.Result{
				Analysis:  cached,
				Rationale: "cache: identical content analyzed previously",
				Duration:  time.Since(start),
			}, nil)
			return
		}
		if !errors.Is(err, cache.ErrMiss) {
			// A broken cache must not block analysis.
			d.logger.LogError(ctx, err, "cache lookup failed, analyzing anyway", logrus.Fields{
				"request_id": t.req.ID,
			})
		}
	}

	res, err := d.executor.Execute(ctx, t.req)

	if err == nil && res != nil && res.Analysis != nil && d.cache != nil {
		setCtx, setSpan := d.tracer.StartCacheSpan(ctx, "set", t.req.ID)
		if cerr := d.cache.Set(setCtx, t.req, res.Analysis); cerr != nil {
			d.tracer.RecordError(setSpan, cerr)
			d.logger.LogError(ctx, cerr, "failed to cache analysis", logrus.Fields{
				"request_id": t.req.ID,
			})
		}
		setSpan.End()
	}

	if err != nil {
		d.tracer.RecordError(span, err)
	} else {
		d.tracer.SetSpanOK(span)
	}

	d.handler(ctx, t.req, res, err)
}
