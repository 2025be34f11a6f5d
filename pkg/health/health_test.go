package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimmerhq/insight-engine/pkg/backend"
)

// stubBackend implements backend.Backend with a fixed health outcome
type stubBackend struct {
	name      backend.Name
	healthErr error
}

func (s *stubBackend) Name() backend.Name { return s.name }

func (s *stubBackend) Analyze(ctx context.Context, req *backend.AnalysisRequest, timeout time.Duration) (*backend.Analysis, error) {
	return &backend.Analysis{Backend: s.name}, nil
}

func (s *stubBackend) HealthCheck(ctx context.Context) error { return s.healthErr }

func healthyChecker(name string) Checker {
	return NewCustomChecker(name, func(ctx context.Context) (Status, string, error) {
		return StatusHealthy, "ok", nil
	})
}

func unhealthyChecker(name string) Checker {
	return NewCustomChecker(name, func(ctx context.Context) (Status, string, error) {
		return StatusUnhealthy, "broken", errors.New("component down")
	})
}

func TestService_CheckHealth_AllHealthy(t *testing.T) {
	svc := NewService(nil, nil)
	svc.RegisterChecker("one", healthyChecker("one"))
	svc.RegisterChecker("two", healthyChecker("two"))

	resp := svc.CheckHealth(context.Background())

	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Len(t, resp.Checks, 2)
}

func TestService_CheckHealth_UnhealthyWins(t *testing.T) {
	svc := NewService(nil, nil)
	svc.RegisterChecker("good", healthyChecker("good"))
	svc.RegisterChecker("bad", unhealthyChecker("bad"))

	resp := svc.CheckHealth(context.Background())

	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Equal(t, StatusUnhealthy, resp.Checks["bad"].Status)
	assert.Equal(t, "component down", resp.Checks["bad"].Error)
}

func TestService_CheckHealth_DegradedWhenNothingIsDown(t *testing.T) {
	svc := NewService(nil, nil)
	svc.RegisterChecker("good", healthyChecker("good"))
	svc.RegisterChecker("slow", NewCustomChecker("slow", func(ctx context.Context) (Status, string, error) {
		return StatusDegraded, "responding slowly", nil
	}))

	resp := svc.CheckHealth(context.Background())

	assert.Equal(t, StatusDegraded, resp.Status)
}

func TestService_UnregisterChecker(t *testing.T) {
	svc := NewService(nil, nil)
	svc.RegisterChecker("gone", healthyChecker("gone"))
	svc.UnregisterChecker("gone")

	resp := svc.CheckHealth(context.Background())

	assert.Empty(t, resp.Checks)
}

func TestService_Handler(t *testing.T) {
	svc := NewService(nil, &Config{Metadata: map[string]string{"service": "insight-engine"}})
	svc.RegisterChecker("good", healthyChecker("good"))

	rec := httptest.NewRecorder()
	svc.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "insight-engine", resp.Metadata["service"])
}

func TestService_Handler_Unhealthy(t *testing.T) {
	svc := NewService(nil, nil)
	svc.RegisterChecker("bad", unhealthyChecker("bad"))

	rec := httptest.NewRecorder()
	svc.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestService_LivenessHandler(t *testing.T) {
	svc := NewService(nil, nil)
	svc.RegisterChecker("bad", unhealthyChecker("bad"))

	rec := httptest.NewRecorder()
	svc.LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	// Liveness only says the process is up.
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestService_ReadinessHandler(t *testing.T) {
	svc := NewService(nil, nil)
	svc.RegisterChecker("bad", unhealthyChecker("bad"))

	rec := httptest.NewRecorder()
	svc.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, false, body["ready"])
}

func TestBackendChecker(t *testing.T) {
	healthy := NewBackendChecker(&stubBackend{name: backend.NameStatic}, time.Second)
	check := healthy.Check(context.Background())

	assert.Equal(t, "backend_static", check.Name)
	assert.Equal(t, StatusHealthy, check.Status)

	failing := NewBackendChecker(&stubBackend{
		name:      backend.NameOpenAI,
		healthErr: errors.New("openai health check returned status 500"),
	}, time.Second)
	check = failing.Check(context.Background())

	assert.Equal(t, "backend_openai", check.Name)
	assert.Equal(t, StatusUnhealthy, check.Status)
	assert.Contains(t, check.Error, "status 500")
}

func TestRedisChecker_NilClient(t *testing.T) {
	checker := NewRedisChecker(nil, "cache")
	check := checker.Check(context.Background())

	assert.Equal(t, StatusUnhealthy, check.Status)
	assert.Contains(t, check.Error, "nil")
}

func TestHTTPChecker(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		want       Status
	}{
		{name: "healthy on 200", statusCode: http.StatusOK, want: StatusHealthy},
		{name: "degraded on 404", statusCode: http.StatusNotFound, want: StatusDegraded},
		{name: "unhealthy on 500", statusCode: http.StatusInternalServerError, want: StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			}))
			defer server.Close()

			checker := NewHTTPChecker(server.URL, "upstream", time.Second)
			check := checker.Check(context.Background())

			assert.Equal(t, tt.want, check.Status)
			assert.Equal(t, "upstream", check.Name)
		})
	}
}

func TestHTTPChecker_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	checker := NewHTTPChecker(url, "upstream", time.Second)
	check := checker.Check(context.Background())

	assert.Equal(t, StatusUnhealthy, check.Status)
	assert.NotEmpty(t, check.Error)
}

func TestCustomChecker_ErrorForcesUnhealthy(t *testing.T) {
	checker := NewCustomChecker("flaky", func(ctx context.Context) (Status, string, error) {
		return StatusHealthy, "claims to be fine", errors.New("but errored")
	}).WithMetadata(map[string]string{"component": "flaky"})

	check := checker.Check(context.Background())

	assert.Equal(t, StatusUnhealthy, check.Status)
	assert.Equal(t, "but errored", check.Error)
	assert.Equal(t, "flaky", check.Metadata["component"])
}
