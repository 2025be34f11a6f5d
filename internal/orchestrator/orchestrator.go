// Package orchestrator executes analysis plans: it walks the plan's
// candidates in order, judges every failure against the error taxonomy, and
// stops on the first success, a non-recoverable fault, or plan exhaustion.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/glimmerhq/insight-engine/internal/selector"
	"github.com/glimmerhq/insight-engine/pkg/backend"
	apperrors "github.com/glimmerhq/insight-engine/pkg/errors"
	"github.com/glimmerhq/insight-engine/pkg/logging"
	"github.com/glimmerhq/insight-engine/pkg/metrics"
	"github.com/glimmerhq/insight-engine/pkg/tracing"
)

const (
	// DefaultRateLimitBackoff is the fixed pause before the single
	// same-candidate retry after a rate limit
	DefaultRateLimitBackoff = 5 * time.Second

	// DefaultGrace is how long past its own timeout a backend may run
	// before the watchdog declares the attempt timed out
	DefaultGrace = 200 * time.Millisecond
)

// Config contains orchestrator tuning knobs
type Config struct {
	RateLimitBackoff time.Duration `json:"rate_limit_backoff"`
	Grace            time.Duration `json:"grace"`
}

// DefaultConfig returns the default orchestrator configuration
func DefaultConfig() *Config {
	return &Config{
		RateLimitBackoff: DefaultRateLimitBackoff,
		Grace:            DefaultGrace,
	}
}

// Orchestrator runs analysis requests against the backends a plan names. It
// holds no per-request state; one Orchestrator serves all requests
// concurrently.
type Orchestrator struct {
	registry *Registry
	selector *selector.Selector
	config   *Config
	logger   *logging.Logger
	metrics  *metrics.Metrics
	tracer   *tracing.TracingService
}

// NewOrchestrator creates an orchestrator. A nil config selects defaults; a
// nil logger selects the global logger; nil metrics disable recording.
func NewOrchestrator(registry *Registry, sel *selector.Selector, config *Config, logger *logging.Logger, m *metrics.Metrics, tracer *tracing.TracingService) *Orchestrator {
	if config == nil {
		config = DefaultConfig()
	} else {
		// The caller's config is never mutated.
		cfg := *config
		if cfg.RateLimitBackoff <= 0 {
			cfg.RateLimitBackoff = DefaultRateLimitBackoff
		}
		if cfg.Grace <= 0 {
			cfg.Grace = DefaultGrace
		}
		config = &cfg
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

	return &Orchestrator{
		registry: registry,
		selector: sel,
		config:   config,
		logger:   logger,
		metrics:  m,
		tracer:   tracer,
	}
}

// Execute selects a plan for req and runs it to completion
func (o *Orchestrator) Execute(ctx context.Context, req *backend.AnalysisRequest) (*Result, error) {
	plan, err := o.selector.Select(req)
	if err != nil {
		o.logger.LogDecision(ctx, string(StateNotStarted), "PLAN_REJECTED", logrus.Fields{
			"request_id": req.ID,
			"error":      err.Error(),
		})
		o.metrics.RecordAnalysis("rejected", 0)
		return nil, err
	}
	return o.ExecutePlan(ctx, req, plan)
}

// ExecutePlan walks plan's candidates in order. It returns the first
// successful analysis, or an AggregateError carrying one failure per attempt
// when the plan ends without a success. Caller cancellation propagates as the
// raw context error and nothing further is scheduled after it is observed.
func (o *Orchestrator) ExecutePlan(ctx context.Context, req *backend.AnalysisRequest, plan *selector.Plan) (*Result, error) {
	start := time.Now()
	ctx = logging.WithRequestID(ctx, req.ID)

	ctx, span := o.tracer.StartAnalysisSpan(ctx, "execute", req.ID, string(req.Type))
	defer span.End()
	ctx = tracing.WithTraceContext(ctx)

	o.logger.LogDecision(ctx, string(StateNotStarted), "PLAN_SELECTED", logrus.Fields{
		"request_id":    req.ID,
		"decision_type": string(plan.DecisionType),
		"candidates":    plan.Names(),
		"rationale":     plan.Rationale,
	})

	attempts := make([]Attempt, 0, len(plan.Choices)+1)
	failures := make([]*apperrors.BackendError, 0, len(plan.Choices)+1)
	kindCounts := make(map[apperrors.FailureKind]int)

	for i, choice := range plan.Choices {
		retried := false

		for {
			o.logger.LogDecision(ctx, string(StateTrying), "ATTEMPT", logrus.Fields{
				"request_id": req.ID,
				"backend":    string(choice.Name),
				"role":       string(choice.Role),
				"candidate":  i,
				"retry":      retried,
			})

			attemptStart := time.Now()
			analysis, err := o.attempt(ctx, req, choice)
			elapsed := time.Since(attemptStart)

			if err == nil {
				attempts = append(attempts, Attempt{
					Backend:  choice.Name,
					Role:     choice.Role,
					Decision: DecisionSuccess,
					Retry:    retried,
					Duration: elapsed,
				})
				o.metrics.RecordAttempt(string(choice.Name), "success", elapsed)
				o.logger.LogDecision(ctx, string(StateTrying), string(DecisionSuccess), logrus.Fields{
					"request_id":  req.ID,
					"backend":     string(choice.Name),
					"role":        string(choice.Role),
					"candidate":   i,
					"attempts":    len(attempts),
					"duration_ms": elapsed.Milliseconds(),
				})
				o.metrics.RecordAnalysis("success", time.Since(start))
				o.tracer.AddSpanAttributes(span,
					attribute.String("analysis.backend", string(choice.Name)),
					attribute.Int("analysis.attempts", len(attempts)),
				)
				o.tracer.SetSpanOK(span)

				return &Result{
					Analysis:  analysis,
					Attempts:  attempts,
					Rationale: plan.Rationale,
					Duration:  time.Since(start),
				}, nil
			}

			// Cancellation ends the plan immediately: no classification,
			// no retry, no further candidates.
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				cause := ctx.Err()
				if cause == nil {
					cause = err
				}
				o.logger.LogDecision(ctx, string(StateTrying), "CANCELLED", logrus.Fields{
					"request_id": req.ID,
					"backend":    string(choice.Name),
					"reason":     cause.Error(),
				})
				o.metrics.RecordAnalysis("canceled", time.Since(start))
				o.tracer.RecordError(span, cause)
				return nil, cause
			}

			be, classified := apperrors.AsBackendError(err)
			if !classified {
				be = apperrors.NewInternalError(string(choice.Name), "unclassified backend failure").WithCause(err)
				o.metrics.RecordError("orchestrator", "unclassified_failure")
			}
			failures = append(failures, be)
			kindCounts[be.Kind]++
			o.metrics.RecordAttempt(string(choice.Name), string(be.Kind), elapsed)

			decision := decide(be.Kind, kindCounts, retried, i == len(plan.Choices)-1)
			attempts = append(attempts, Attempt{
				Backend:  choice.Name,
				Role:     choice.Role,
				Kind:     be.Kind,
				Message:  be.Message,
				Decision: decision,
				Retry:    retried,
				Duration: elapsed,
			})

			o.logger.LogDecision(ctx, string(StateTrying), string(decision), logrus.Fields{
				"request_id":  req.ID,
				"backend":     string(choice.Name),
				"role":        string(choice.Role),
				"candidate":   i,
				"kind":        string(be.Kind),
				"attempts":    len(attempts),
				"duration_ms": elapsed.Milliseconds(),
			})

			switch decision {
			case DecisionRetrySameOnce:
				o.metrics.RecordRateLimitBackoff(string(choice.Name))
				o.tracer.AddSpanEvent(span, "rate_limit_backoff",
					attribute.String("backend", string(choice.Name)),
				)
				select {
				case <-ctx.Done():
					o.logger.LogDecision(ctx, string(StateTrying), "CANCELLED", logrus.Fields{
						"request_id": req.ID,
						"backend":    string(choice.Name),
						"reason":     "cancelled during rate limit backoff",
					})
					o.metrics.RecordAnalysis("canceled", time.Since(start))
					o.tracer.RecordError(span, ctx.Err())
					return nil, ctx.Err()
				case <-time.After(o.config.RateLimitBackoff):
				}
				retried = true
				continue

			case DecisionAborted:
				o.metrics.RecordAbort(string(be.Kind))
				o.metrics.RecordAnalysis("aborted", time.Since(start))
				agg := apperrors.NewAggregateError(failures, true)
				o.tracer.RecordError(span, agg)
				return nil, agg

			case DecisionAllFailed:
				o.metrics.RecordAnalysis("all_failed", time.Since(start))
				agg := apperrors.NewAggregateError(failures, false)
				o.tracer.RecordError(span, agg)
				return nil, agg
			}

			// DecisionNextCandidate
			o.metrics.RecordFallback(string(choice.Name), string(be.Kind))
			break
		}
	}

	// Unreachable: the last failing attempt always yields a terminal
	// decision. Kept as a guard against plan construction bugs.
	agg := apperrors.NewAggregateError(failures, false)
	o.metrics.RecordAnalysis("all_failed", time.Since(start))
	return nil, agg
}

// attempt invokes one candidate under a watchdog. The backend bounds itself
// to choice.Timeout; the watchdog allows grace on top of that so a backend
// that ignores its bound cannot stall the plan.
func (o *Orchestrator) attempt(ctx context.Context, req *backend.AnalysisRequest, choice selector.BackendChoice) (*backend.Analysis, error) {
	b, err := o.registry.Get(choice.Name)
	if err != nil {
		return nil, apperrors.NewInternalError(string(choice.Name), "backend is not registered").WithCause(err)
	}

	ctx, span := o.tracer.StartBackendSpan(ctx, string(choice.Name), "analyze")
	defer span.End()

	watchCtx, cancel := context.WithTimeout(ctx, choice.Timeout+o.config.Grace)
	defer cancel()

	type outcome struct {
		analysis *backend.Analysis
		err      error
	}
	resultCh := make(chan outcome, 1)

	go func() {
		analysis, err := b.Analyze(watchCtx, req, choice.Timeout)
		resultCh <- outcome{analysis: analysis, err: err}
	}()

	select {
	case out := <-resultCh:
		if out.err != nil {
			o.tracer.RecordError(span, out.err)
		} else {
			o.tracer.SetSpanOK(span)
		}
		return out.analysis, out.err
	case <-watchCtx.Done():
		if ctx.Err() != nil {
			o.tracer.RecordError(span, ctx.Err())
			return nil, ctx.Err()
		}
		timeoutErr := apperrors.NewTimeoutError(string(choice.Name),
			fmt.Sprintf("backend did not return within %s", choice.Timeout+o.config.Grace))
		o.tracer.RecordError(span, timeoutErr)
		return nil, timeoutErr
	}
}

// decide maps one failed attempt to the next transition. counts carries how
// often each kind has been seen across the whole plan so the once-only kinds
// can exhaust their budget.
func decide(kind apperrors.FailureKind, counts map[apperrors.FailureKind]int, alreadyRetried bool, lastCandidate bool) Decision {
	if !apperrors.Recoverable(kind) {
		return DecisionAborted
	}

	if kind == apperrors.KindRateLimited && !alreadyRetried {
		return DecisionRetrySameOnce
	}

	if budget := apperrors.FallbackBudget(kind); budget > 0 && counts[kind] > budget {
		return DecisionAborted
	}

	if lastCandidate {
		return DecisionAllFailed
	}
	return DecisionNextCandidate
}
