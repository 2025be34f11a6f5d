package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/glimmerhq/insight-engine/pkg/backend"
)

// ErrBackendNotRegistered is returned when a plan names a backend the
// registry was not built with.
var ErrBackendNotRegistered = errors.New("backend not registered")

// healthCheckTimeout bounds a single registry health probe
const healthCheckTimeout = 10 * time.Second

// Registry holds the closed set of backends the engine can dispatch to. The
// set is fixed at construction from the known backend names; there is no
// runtime registration. The registry is read-only after construction and safe
// for concurrent use without locking.
type Registry struct {
	backends map[backend.Name]backend.Backend
}

// NewRegistry builds a registry from the given backends. Every backend must
// be non-nil, carry a known name, and appear at most once.
func NewRegistry(backends ...backend.Backend) (*Registry, error) {
	byName := make(map[backend.Name]backend.Backend, len(backends))

	for _, b := range backends {
		if b == nil {
			return nil, fmt.Errorf("backend cannot be nil")
		}
		name, err := backend.ParseName(string(b.Name()))
		if err != nil {
			return nil, err
		}
		if _, exists := byName[name]; exists {
			return nil, fmt.Errorf("backend %s is already registered", name)
		}
		byName[name] = b
	}

	if len(byName) == 0 {
		return nil, fmt.Errorf("at least one backend is required")
	}

	return &Registry{backends: byName}, nil
}

// Get returns the backend for name
func (r *Registry) Get(name backend.Name) (backend.Backend, error) {
	b, exists := r.backends[name]
	if !exists {
		return nil, fmt.Errorf("%s: %w", name, ErrBackendNotRegistered)
	}
	return b, nil
}

// Has reports whether name is registered
func (r *Registry) Has(name backend.Name) bool {
	_, exists := r.backends[name]
	return exists
}

// Names returns the registered backend names in stable order
func (r *Registry) Names() []backend.Name {
	names := make([]backend.Name, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Len returns the number of registered backends
func (r *Registry) Len() int {
	return len(r.backends)
}

// HealthCheck probes a single backend with a bounded timeout
func (r *Registry) HealthCheck(ctx context.Context, name backend.Name) error {
	b, err := r.Get(name)
	if err != nil {
		return err
	}

	healthCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	return b.HealthCheck(healthCtx)
}

// HealthCheckAll probes every registered backend and returns the results
// keyed by name. A nil map value means the backend is healthy.
func (r *Registry) HealthCheckAll(ctx context.Context) map[backend.Name]error {
	results := make(map[backend.Name]error, len(r.backends))
	for _, name := range r.Names() {
		results[name] = r.HealthCheck(ctx, name)
	}
	return results
}
