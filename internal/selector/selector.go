// Package selector builds execution plans that decide which backends an
// analysis request will try and in what order.
package selector

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glimmerhq/insight-engine/pkg/backend"
	"github.com/glimmerhq/insight-engine/pkg/config"
)

// ErrNoBackendAvailable is returned when neither configured backend is in the
// request's available set. Selection fails loudly instead of producing an
// empty plan.
var ErrNoBackendAvailable = errors.New("no configured backend is available for this request")

// Role describes why a backend appears in a plan
type Role string

const (
	// RolePrimary marks the configured first-choice backend
	RolePrimary Role = "primary"

	// RoleFallback marks the configured second-choice backend. The role
	// follows configuration, not plan position: a fallback that ends up
	// first because the primary is unavailable keeps its role.
	RoleFallback Role = "fallback"

	// RoleParallel is reserved for a concurrent selection strategy. The
	// sequential strategy never assigns it.
	RoleParallel Role = "parallel"
)

// DecisionType names the plan's execution shape
type DecisionType string

// DecisionSequential means candidates are tried strictly in order, one at a
// time. It is the only decision type the engine produces.
const DecisionSequential DecisionType = "SEQUENTIAL"

// BackendChoice is one candidate in a plan
type BackendChoice struct {
	Name    backend.Name
	Role    Role
	Timeout time.Duration
}

// Plan is an ordered, non-empty list of backend candidates for one request.
// Every candidate name is guaranteed to be in the request's available set.
type Plan struct {
	Choices      []BackendChoice
	DecisionType DecisionType
	Rationale    string
}

// Names returns the candidate names in plan order
func (p *Plan) Names() []backend.Name {
	names := make([]backend.Name, len(p.Choices))
	for i, c := range p.Choices {
		names[i] = c.Name
	}
	return names
}

// Selector builds plans from the immutable backends configuration. Selection
// is deterministic: identical request and configuration always produce an
// identical plan.
type Selector struct {
	cfg config.BackendsConfig
}

// NewSelector creates a selector bound to one validated configuration
func NewSelector(cfg config.BackendsConfig) *Selector {
	return &Selector{cfg: cfg}
}

// Select builds the sequential plan for req: the configured primary first,
// then the configured secondary, each included only when the request's
// available set allows it. Preference hints are recorded in the rationale but
// never reorder the plan.
func (s *Selector) Select(req *backend.AnalysisRequest) (*Plan, error) {
	choices := make([]BackendChoice, 0, 2)
	var skipped []string

	if req.HasBackend(s.cfg.Primary) {
		choices = append(choices, BackendChoice{
			Name:    s.cfg.Primary,
			Role:    RolePrimary,
			Timeout: s.cfg.TimeoutFor(s.cfg.Primary),
		})
	} else {
		skipped = append(skipped, fmt.Sprintf("%s not available to request", s.cfg.Primary))
	}

	if req.HasBackend(s.cfg.Secondary) {
		choices = append(choices, BackendChoice{
			Name:    s.cfg.Secondary,
			Role:    RoleFallback,
			Timeout: s.cfg.TimeoutFor(s.cfg.Secondary),
		})
	} else {
		skipped = append(skipped, fmt.Sprintf("%s not available to request", s.cfg.Secondary))
	}

	if len(choices) == 0 {
		return nil, fmt.Errorf("%w: request allows %v, configured primary=%s secondary=%s",
			ErrNoBackendAvailable, req.Available, s.cfg.Primary, s.cfg.Secondary)
	}

	return &Plan{
		Choices:      choices,
		DecisionType: DecisionSequential,
		Rationale:    rationale(choices, skipped, req.Preferences),
	}, nil
}

func rationale(choices []BackendChoice, skipped []string, prefs backend.Preferences) string {
	parts := make([]string, 0, len(choices))
	for _, c := range choices {
		parts = append(parts, fmt.Sprintf("%s (%s)", c.Name, c.Role))
	}

	var b strings.Builder
	b.WriteString("sequential: ")
	b.WriteString(strings.Join(parts, ", then "))
	for _, s := range skipped {
		b.WriteString("; ")
		b.WriteString(s)
	}
	if prefs.PreferLocal {
		b.WriteString("; hint prefer_local noted")
	}
	return b.String()
}
