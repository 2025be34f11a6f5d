package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Analysis metrics
	AnalysesTotal    *prometheus.CounterVec
	AnalysisDuration *prometheus.HistogramVec
	AttemptsTotal    *prometheus.CounterVec
	AttemptDuration  *prometheus.HistogramVec

	// Orchestration metrics
	RateLimitBackoffs *prometheus.CounterVec
	FallbacksTotal    *prometheus.CounterVec
	AbortsTotal       *prometheus.CounterVec

	// Queue metrics
	QueueDepth          *prometheus.GaugeVec
	QueueRejectedTotal  *prometheus.CounterVec
	QueueAbandonedTotal *prometheus.CounterVec
	QueueWaitDuration   *prometheus.HistogramVec

	// Cache metrics
	CacheOperationsTotal *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal *prometheus.CounterVec
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "glimmer",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	m := &Metrics{
		// Analysis metrics
		AnalysesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "analyses_total",
				Help:      "Total number of analysis requests processed",
			},
			[]string{"outcome"},
		),
		AnalysisDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "analysis_duration_seconds",
				Help:      "End-to-end analysis duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"outcome"},
		),
		AttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "backend_attempts_total",
				Help:      "Total number of backend attempts",
			},
			[]string{"backend", "outcome"},
		),
		AttemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "backend_attempt_duration_seconds",
				Help:      "Backend attempt duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"backend"},
		),

		// Orchestration metrics
		RateLimitBackoffs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "rate_limit_backoffs_total",
				Help:      "Total number of rate limit backoff waits",
			},
			[]string{"backend"},
		),
		FallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "fallbacks_total",
				Help:      "Total number of advances to a fallback backend",
			},
			[]string{"backend", "kind"},
		),
		AbortsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "aborts_total",
				Help:      "Total number of plans aborted on non-recoverable failures",
			},
			[]string{"kind"},
		),

		// Queue metrics
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "queue_depth",
				Help:      "Number of tasks waiting in queue",
			},
			[]string{"queue"},
		),
		QueueRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "queue_rejected_total",
				Help:      "Total number of tasks rejected because the queue was full",
			},
			[]string{"queue"},
		),
		QueueAbandonedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "queue_abandoned_total",
				Help:      "Total number of queued tasks abandoned at shutdown",
			},
			[]string{"queue"},
		),
		QueueWaitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "queue_wait_duration_seconds",
				Help:      "Time tasks spend waiting in queue before a worker picks them up",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"queue"},
		),

		// Cache metrics
		CacheOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "cache_operations_total",
				Help:      "Total number of cache operations by status",
			},
			[]string{"operation", "status"},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"component", "error_type"},
		),
		PanicsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "panics_total",
				Help:      "Total number of panics",
			},
			[]string{"component"},
		),
	}

	// Register all metrics
	prometheus.MustRegister(
		m.AnalysesTotal,
		m.AnalysisDuration,
		m.AttemptsTotal,
		m.AttemptDuration,
		m.RateLimitBackoffs,
		m.FallbacksTotal,
		m.AbortsTotal,
		m.QueueDepth,
		m.QueueRejectedTotal,
		m.QueueAbandonedTotal,
		m.QueueWaitDuration,
		m.CacheOperationsTotal,
		m.ErrorsTotal,
		m.PanicsTotal,
	)

	return m
}

// RecordAnalysis records one completed analysis request
func (m *Metrics) RecordAnalysis(outcome string, duration time.Duration) {
	if m.AnalysesTotal == nil {
		return
	}

	m.AnalysesTotal.WithLabelValues(outcome).Inc()
	m.AnalysisDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordAttempt records one backend attempt
func (m *Metrics) RecordAttempt(backend, outcome string, duration time.Duration) {
	if m.AttemptsTotal == nil {
		return
	}

	m.AttemptsTotal.WithLabelValues(backend, outcome).Inc()
	m.AttemptDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordRateLimitBackoff records a backoff wait before a same-backend retry
func (m *Metrics) RecordRateLimitBackoff(backend string) {
	if m.RateLimitBackoffs == nil {
		return
	}

	m.RateLimitBackoffs.WithLabelValues(backend).Inc()
}

// RecordFallback records an advance past a failed backend
func (m *Metrics) RecordFallback(backend, kind string) {
	if m.FallbacksTotal == nil {
		return
	}

	m.FallbacksTotal.WithLabelValues(backend, kind).Inc()
}

// RecordAbort records a plan aborted on a non-recoverable failure
func (m *Metrics) RecordAbort(kind string) {
	if m.AbortsTotal == nil {
		return
	}

	m.AbortsTotal.WithLabelValues(kind).Inc()
}

// UpdateQueueDepth updates the queue depth gauge
func (m *Metrics) UpdateQueueDepth(queue string, depth int) {
	if m.QueueDepth == nil {
		return
	}

	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordQueueRejected records a task rejected by a full queue
func (m *Metrics) RecordQueueRejected(queue string) {
	if m.QueueRejectedTotal == nil {
		return
	}

	m.QueueRejectedTotal.WithLabelValues(queue).Inc()
}

// RecordQueueAbandoned records a queued task abandoned at shutdown
func (m *Metrics) RecordQueueAbandoned(queue string) {
	if m.QueueAbandonedTotal == nil {
		return
	}

	m.QueueAbandonedTotal.WithLabelValues(queue).Inc()
}

// RecordQueueWait records how long a task waited before processing began
func (m *Metrics) RecordQueueWait(queue string, duration time.Duration) {
	if m.QueueWaitDuration == nil {
		return
	}

	m.QueueWaitDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

// RecordCacheOperation records a cache operation outcome
func (m *Metrics) RecordCacheOperation(operation, status string) {
	if m.CacheOperationsTotal == nil {
		return
	}

	m.CacheOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordError records error metrics
func (m *Metrics) RecordError(component, errorType string) {
	if m.ErrorsTotal == nil {
		return
	}

	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordPanic records panic metrics
func (m *Metrics) RecordPanic(component string) {
	if m.PanicsTotal == nil {
		return
	}

	m.PanicsTotal.WithLabelValues(component).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
