package static

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/glimmerhq/insight-engine/pkg/backend"
	apperrors "github.com/glimmerhq/insight-engine/pkg/errors"
)

const (
	// BackendVersion is the adapter version
	BackendVersion = "1.0.0"

	// ModelID identifies the deterministic generator in results
	ModelID = "static-v1"

	// DefaultConfidence marks stub results as low-trust
	DefaultConfidence = 0.2

	// DefaultTimeout is the per-attempt bound when none is requested
	DefaultTimeout = 5 * time.Second

	// DefaultMaxContentBytes caps the request content size
	DefaultMaxContentBytes = 65536

	// echoLimit bounds how much of the content the stub repeats back
	echoLimit = 140
)

// Config contains the parameters for the static backend
type Config struct {
	Confidence      float64
	Timeout         time.Duration
	MaxContentBytes int
}

// Adapter is the deterministic last-resort backend. It performs no I/O and
// produces a low-confidence echo of the captured content, tagged so a later
// pass can revisit the thought once a real model is reachable. Identical
// requests always produce identical results.
type Adapter struct {
	config Config
}

// NewAdapter creates a new static adapter with defaults applied
func NewAdapter(config Config) *Adapter {
	if config.Confidence <= 0 {
		config.Confidence = DefaultConfidence
	}
	if config.Confidence > 1 {
		config.Confidence = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.MaxContentBytes <= 0 {
		config.MaxContentBytes = DefaultMaxContentBytes
	}
	return &Adapter{config: config}
}

// Name returns the backend identity
func (a *Adapter) Name() backend.Name {
	return backend.NameStatic
}

// Analyze produces a deterministic placeholder insight. The timeout argument
// is accepted for interface symmetry; generation is instantaneous.
func (a *Adapter) Analyze(ctx context.Context, req *backend.AnalysisRequest, timeout time.Duration) (*backend.Analysis, error) {
	if err := a.validate(req); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		if err == context.Canceled {
			return nil, err
		}
		return nil, apperrors.NewTimeoutError(string(backend.NameStatic), "request deadline already expired").WithCause(err)
	}

	start := time.Now()

	return &backend.Analysis{
		Content:    fmt.Sprintf("Captured %s (no model analysis): %s", req.Type, truncate(req.Content, echoLimit)),
		Confidence: a.config.Confidence,
		Tags:       []string{string(req.Type), "unreviewed"},
		Usage:      backend.TokenUsage{},
		CostUSD:    0,
		Backend:    backend.NameStatic,
		Model:      ModelID,
		Duration:   time.Since(start),
	}, nil
}

// HealthCheck always succeeds; the stub has no dependencies
func (a *Adapter) HealthCheck(ctx context.Context) error {
	return nil
}

func (a *Adapter) validate(req *backend.AnalysisRequest) error {
	if strings.TrimSpace(req.Content) == "" {
		return apperrors.NewInvalidInputError("content is empty").WithBackend(string(backend.NameStatic))
	}
	if req.ContentLength() > a.config.MaxContentBytes {
		return apperrors.NewInvalidInputError(
			fmt.Sprintf("content length %d exceeds limit %d", req.ContentLength(), a.config.MaxContentBytes)).
			WithBackend(string(backend.NameStatic))
	}
	return nil
}

// truncate cuts s to at most limit runes without splitting a character
func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
