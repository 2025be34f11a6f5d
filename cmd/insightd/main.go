package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/glimmerhq/insight-engine/backends/ollama"
	"github.com/glimmerhq/insight-engine/backends/openai"
	"github.com/glimmerhq/insight-engine/backends/static"
	"github.com/glimmerhq/insight-engine/internal/cache"
	"github.com/glimmerhq/insight-engine/internal/dispatch"
	"github.com/glimmerhq/insight-engine/internal/orchestrator"
	"github.com/glimmerhq/insight-engine/internal/selector"
	"github.com/glimmerhq/insight-engine/pkg/backend"
	"github.com/glimmerhq/insight-engine/pkg/config"
	"github.com/glimmerhq/insight-engine/pkg/health"
	"github.com/glimmerhq/insight-engine/pkg/logging"
	"github.com/glimmerhq/insight-engine/pkg/metrics"
	"github.com/glimmerhq/insight-engine/pkg/tracing"
)

const version = "1.0.0"

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "insight-engine",
		Version:     version,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	logging.SetGlobalLogger(logger)

	logger.Info("starting insight engine",
		"environment", cfg.Environment,
		"primary", string(cfg.Backends.Primary),
		"secondary", string(cfg.Backends.Secondary),
	)

	// Initialize metrics
	m := metrics.NewMetrics(&metrics.Config{
		Namespace: "glimmer",
		Enabled:   cfg.Metrics.Enabled,
	})

	// Initialize tracing
	tracer, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    "insight-engine",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}

	// Build the closed backend set
	registry, err := buildRegistry(cfg, tracer)
	if err != nil {
		log.Fatalf("Failed to build backend registry: %v", err)
	}
	for _, name := range registry.Names() {
		logger.LogBackendEvent(context.Background(), "backend registered", string(name), nil)
	}

	// Initialize the analysis cache when configured
	var analysisCache *cache.AnalysisCache
	if cfg.Cache.Enabled {
		analysisCache, err = cache.NewAnalysisCache(&cfg.Cache, m)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer analysisCache.Close()
		logger.Info("analysis cache enabled", "addr", cfg.Cache.Addr, "ttl", cfg.Cache.TTL.String())
	}

	// Wire selector, orchestrator and dispatcher
	sel := selector.NewSelector(cfg.Backends)
	orch := orchestrator.NewOrchestrator(registry, sel, nil, logger, m, tracer)

	dispatcher, err := dispatch.NewDispatcher(orch, analysisCache, logOutcomes(logger), &cfg.Dispatch, logger, m, tracer)
	if err != nil {
		log.Fatalf("Failed to create dispatcher: %v", err)
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := dispatcher.Start(ctx); err != nil {
		log.Fatalf("Failed to start dispatcher: %v", err)
	}

	// Serve metrics and health endpoints
	var adminServer *http.Server
	if cfg.Metrics.Enabled {
		adminServer = startAdminServer(cfg, logger, m, registry, analysisCache, dispatcher)
	}

	logger.Info("insight engine started")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down insight engine")

	// Stop the dispatcher with a bounded grace period
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Dispatch.ShutdownTimeout)
	defer shutdownCancel()

	if err := dispatcher.Stop(shutdownCtx); err != nil {
		logger.Error("error stopping dispatcher", "error", err.Error())
	}

	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("error stopping admin server", "error", err.Error())
		}
	}

	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("error stopping tracer", "error", err.Error())
	}

	// Abort anything still running.
	cancel()

	logger.Info("insight engine exited")
}

// buildRegistry constructs one adapter per configured backend. The backend
// set is closed: every Name constant has a case here, and an unparseable
// name fails startup.
func buildRegistry(cfg *config.Config, tracer *tracing.TracingService) (*orchestrator.Registry, error) {
	backends := make([]backend.Backend, 0, len(cfg.Backends.Available))

	for _, name := range cfg.Backends.Available {
		parsed, err := backend.ParseName(string(name))
		if err != nil {
			return nil, err
		}

		switch parsed {
		case backend.NameOpenAI:
			backends = append(backends, openai.NewAdapter(openai.Config{
				Endpoint:            cfg.Backends.OpenAI.Endpoint,
				APIKey:              cfg.Backends.OpenAI.APIKey,
				Model:               cfg.Backends.OpenAI.Model,
				Timeout:             cfg.Backends.OpenAI.Timeout,
				MaxContentBytes:     cfg.Backends.OpenAI.MaxContentBytes,
				PromptCostPer1K:     cfg.Backends.OpenAI.PromptCostPer1K,
				CompletionCostPer1K: cfg.Backends.OpenAI.CompletionCostPer1K,
				HTTPClient:          tracer.InstrumentHTTPClient(&http.Client{}),
			}))
		case backend.NameOllama:
			backends = append(backends, ollama.NewAdapter(ollama.Config{
				Endpoint:        cfg.Backends.Ollama.Endpoint,
				Model:           cfg.Backends.Ollama.Model,
				Timeout:         cfg.Backends.Ollama.Timeout,
				MaxContentBytes: cfg.Backends.Ollama.MaxContentBytes,
				HTTPClient:      tracer.InstrumentHTTPClient(&http.Client{}),
			}))
		case backend.NameStatic:
			backends = append(backends, static.NewAdapter(static.Config{
				Confidence:      cfg.Backends.Static.Confidence,
				Timeout:         cfg.Backends.Static.Timeout,
				MaxContentBytes: cfg.Backends.Static.MaxContentBytes,
			}))
		}
	}

	return orchestrator.NewRegistry(backends...)
}

// startAdminServer exposes Prometheus metrics and health probes
func startAdminServer(cfg *config.Config, logger *logging.Logger, m *metrics.Metrics, registry *orchestrator.Registry, analysisCache *cache.AnalysisCache, dispatcher *dispatch.Dispatcher) *http.Server {
	healthService := health.NewService(logger, &health.Config{
		Timeout: 5 * time.Second,
		Metadata: map[string]string{
			"service":     "insight-engine",
			"version":     version,
			"environment": cfg.Environment,
		},
	})

	for _, name := range registry.Names() {
		b, err := registry.Get(name)
		if err != nil {
			continue
		}
		healthService.RegisterChecker(string(name), health.NewBackendChecker(b, cfg.Backends.TimeoutFor(name)))
	}

	if analysisCache != nil {
		healthService.RegisterChecker("cache", health.NewRedisChecker(analysisCache.Client(), "cache"))
	}

	healthService.RegisterChecker("dispatcher", health.NewCustomChecker("dispatcher", func(ctx context.Context) (health.Status, string, error) {
		if err := dispatcher.Health(); err != nil {
			return health.StatusUnhealthy, "not accepting work", err
		}
		return health.StatusHealthy, "accepting work", nil
	}))

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", healthService.Handler())
	mux.HandleFunc("/health/live", healthService.LivenessHandler())
	mux.HandleFunc("/health/ready", healthService.ReadinessHandler())

	server := &http.Server{
		Addr:         cfg.Metrics.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("admin server listening", "addr", cfg.Metrics.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server failed", "error", err.Error())
		}
	}()

	return server
}

// logOutcomes returns the result handler used when the engine runs
// standalone: every analysis outcome is written to the structured log. An
// embedding application replaces this with its own persistence.
func logOutcomes(logger *logging.Logger) dispatch.ResultHandler {
	return func(ctx context.Context, req *backend.AnalysisRequest, res *orchestrator.Result, err error) {
		if err != nil {
			logger.LogError(ctx, err, "analysis failed", logrus.Fields{
				"request_id":    req.ID,
				"analysis_type": string(req.Type),
			})
			return
		}

		logger.LogAnalysisEvent(ctx, "analysis completed", req.ID, string(req.Type), logrus.Fields{
			"backend":    string(res.Analysis.Backend),
			"model":      res.Analysis.Model,
			"confidence": res.Analysis.Confidence,
			"cost_usd":   res.Analysis.CostUSD,
			"attempts":   len(res.Attempts),
			"duration":   res.Duration.String(),
		})
	}
}
