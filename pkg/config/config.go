package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/glimmerhq/insight-engine/pkg/backend"
)

// Config holds the application configuration. It is loaded once at startup
// and must be treated as immutable afterwards; components receive it (or a
// sub-struct) explicitly at construction.
type Config struct {
	Environment string         `json:"environment"`
	Backends    BackendsConfig `json:"backends"`
	Dispatch    DispatchConfig `json:"dispatch"`
	Cache       CacheConfig    `json:"cache"`
	Logging     LoggingConfig  `json:"logging"`
	Metrics     MetricsConfig  `json:"metrics"`
	Tracing     TracingConfig  `json:"tracing"`
}

// BackendsConfig contains backend selection and per-backend connection configuration
type BackendsConfig struct {
	Available []backend.Name `json:"available"`
	Primary   backend.Name   `json:"primary"`
	Secondary backend.Name   `json:"secondary"`
	Strategy  string         `json:"strategy"`
	OpenAI    OpenAIConfig   `json:"openai"`
	Ollama    OllamaConfig   `json:"ollama"`
	Static    StaticConfig   `json:"static"`
}

// OpenAIConfig contains connection configuration for the OpenAI backend
type OpenAIConfig struct {
	Endpoint            string        `json:"endpoint"`
	APIKey              string        `json:"api_key"`
	Model               string        `json:"model"`
	Timeout             time.Duration `json:"timeout"`
	MaxContentBytes     int           `json:"max_content_bytes"`
	PromptCostPer1K     float64       `json:"prompt_cost_per_1k"`
	CompletionCostPer1K float64       `json:"completion_cost_per_1k"`
}

// OllamaConfig contains connection configuration for the Ollama backend
type OllamaConfig struct {
	Endpoint        string        `json:"endpoint"`
	Model           string        `json:"model"`
	Timeout         time.Duration `json:"timeout"`
	MaxContentBytes int           `json:"max_content_bytes"`
}

// StaticConfig contains configuration for the deterministic static backend
type StaticConfig struct {
	Confidence      float64       `json:"confidence"`
	Timeout         time.Duration `json:"timeout"`
	MaxContentBytes int           `json:"max_content_bytes"`
}

// DispatchConfig contains task queue configuration
type DispatchConfig struct {
	QueueSize       int           `json:"queue_size"`
	Workers         int           `json:"workers"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// CacheConfig contains Redis analysis cache configuration
type CacheConfig struct {
	Enabled  bool          `json:"enabled"`
	Addr     string        `json:"addr"`
	Password string        `json:"password"`
	DB       int           `json:"db"`
	TTL      time.Duration `json:"ttl"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// MetricsConfig contains Prometheus exposition configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// TracingConfig contains distributed tracing configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	config := &Config{
		Environment: getEnvString("ENVIRONMENT", "development"),
		Backends: BackendsConfig{
			Available: getEnvBackendList("AVAILABLE_BACKENDS", []backend.Name{backend.NameOpenAI, backend.NameOllama, backend.NameStatic}),
			Primary:   backend.Name(getEnvString("PRIMARY_BACKEND", "openai")),
			Secondary: backend.Name(getEnvString("SECONDARY_BACKEND", "ollama")),
			Strategy:  getEnvString("SELECTION_STRATEGY", "sequential"),
			OpenAI: OpenAIConfig{
				Endpoint:            getEnvString("OPENAI_ENDPOINT", "https://api.openai.com/v1"),
				APIKey:              getEnvString("OPENAI_API_KEY", ""),
				Model:               getEnvString("OPENAI_MODEL", "gpt-4o-mini"),
				Timeout:             getEnvDuration("OPENAI_TIMEOUT", 30*time.Second),
				MaxContentBytes:     getEnvInt("OPENAI_MAX_CONTENT_BYTES", 24576),
				PromptCostPer1K:     getEnvFloat("OPENAI_PROMPT_COST_PER_1K", 0.00015),
				CompletionCostPer1K: getEnvFloat("OPENAI_COMPLETION_COST_PER_1K", 0.0006),
			},
			Ollama: OllamaConfig{
				Endpoint:        getEnvString("OLLAMA_ENDPOINT", "http://localhost:11434"),
				Model:           getEnvString("OLLAMA_MODEL", "llama3.1"),
				Timeout:         getEnvDuration("OLLAMA_TIMEOUT", 60*time.Second),
				MaxContentBytes: getEnvInt("OLLAMA_MAX_CONTENT_BYTES", 16384),
			},
			Static: StaticConfig{
				Confidence:      getEnvFloat("STATIC_CONFIDENCE", 0.2),
				Timeout:         getEnvDuration("STATIC_TIMEOUT", 5*time.Second),
				MaxContentBytes: getEnvInt("STATIC_MAX_CONTENT_BYTES", 65536),
			},
		},
		Dispatch: DispatchConfig{
			QueueSize:       getEnvInt("DISPATCH_QUEUE_SIZE", 64),
			Workers:         getEnvInt("DISPATCH_WORKERS", 4),
			ShutdownTimeout: getEnvDuration("DISPATCH_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Cache: CacheConfig{
			Enabled:  getEnvBool("CACHE_ENABLED", false),
			Addr:     getEnvString("REDIS_ADDR", "localhost:6379"),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			TTL:      getEnvDuration("CACHE_TTL", 24*time.Hour),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Addr:    getEnvString("METRICS_ADDR", ":9090"),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			JaegerEndpoint: getEnvString("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SampleRate:     getEnvFloat("TRACING_SAMPLE_RATE", 1.0),
		},
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if len(c.Backends.Available) == 0 {
		return fmt.Errorf("at least one available backend is required")
	}

	seen := make(map[backend.Name]bool)
	for _, name := range c.Backends.Available {
		if _, err := backend.ParseName(string(name)); err != nil {
			return fmt.Errorf("invalid available backend: %w", err)
		}
		if seen[name] {
			return fmt.Errorf("duplicate available backend %q", name)
		}
		seen[name] = true
	}

	if _, err := backend.ParseName(string(c.Backends.Primary)); err != nil {
		return fmt.Errorf("invalid primary backend: %w", err)
	}
	if _, err := backend.ParseName(string(c.Backends.Secondary)); err != nil {
		return fmt.Errorf("invalid secondary backend: %w", err)
	}
	if c.Backends.Primary == c.Backends.Secondary {
		return fmt.Errorf("primary and secondary backends must be distinct")
	}
	if !seen[c.Backends.Primary] {
		return fmt.Errorf("primary backend %q is not in the available set", c.Backends.Primary)
	}
	if !seen[c.Backends.Secondary] {
		return fmt.Errorf("secondary backend %q is not in the available set", c.Backends.Secondary)
	}

	if c.Backends.Strategy != "sequential" {
		return fmt.Errorf("unsupported selection strategy %q: only sequential is supported", c.Backends.Strategy)
	}

	if seen[backend.NameOpenAI] {
		if c.Backends.OpenAI.APIKey == "" {
			return fmt.Errorf("OpenAI API key is required when the openai backend is available")
		}
		if c.Backends.OpenAI.Endpoint == "" {
			return fmt.Errorf("OpenAI endpoint is required")
		}
		if c.Backends.OpenAI.Model == "" {
			return fmt.Errorf("OpenAI model is required")
		}
		if c.Backends.OpenAI.Timeout <= 0 {
			return fmt.Errorf("OpenAI timeout must be positive")
		}
		if c.Backends.OpenAI.MaxContentBytes <= 0 {
			return fmt.Errorf("OpenAI max content bytes must be positive")
		}
	}

	if seen[backend.NameOllama] {
		if c.Backends.Ollama.Endpoint == "" {
			return fmt.Errorf("Ollama endpoint is required")
		}
		if c.Backends.Ollama.Model == "" {
			return fmt.Errorf("Ollama model is required")
		}
		if c.Backends.Ollama.Timeout <= 0 {
			return fmt.Errorf("Ollama timeout must be positive")
		}
		if c.Backends.Ollama.MaxContentBytes <= 0 {
			return fmt.Errorf("Ollama max content bytes must be positive")
		}
	}

	if c.Backends.Static.Confidence < 0 || c.Backends.Static.Confidence > 1 {
		return fmt.Errorf("static backend confidence must be between 0 and 1")
	}

	if c.Dispatch.QueueSize <= 0 {
		return fmt.Errorf("dispatch queue size must be positive")
	}
	if c.Dispatch.Workers <= 0 {
		return fmt.Errorf("dispatch workers must be positive")
	}
	if c.Dispatch.ShutdownTimeout <= 0 {
		return fmt.Errorf("dispatch shutdown timeout must be positive")
	}

	if c.Cache.Enabled {
		if c.Cache.Addr == "" {
			return fmt.Errorf("Redis address is required when the cache is enabled")
		}
		if c.Cache.TTL <= 0 {
			return fmt.Errorf("cache TTL must be positive")
		}
	}

	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unsupported log format %q: must be json or text", c.Logging.Format)
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing sample rate must be between 0 and 1")
	}

	return nil
}

// TimeoutFor returns the configured per-attempt timeout for a backend
func (c *BackendsConfig) TimeoutFor(name backend.Name) time.Duration {
	switch name {
	case backend.NameOpenAI:
		return c.OpenAI.Timeout
	case backend.NameOllama:
		return c.Ollama.Timeout
	case backend.NameStatic:
		return c.Static.Timeout
	default:
		return 30 * time.Second
	}
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvBackendList(key string, defaultValue []backend.Name) []backend.Name {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	names := make([]backend.Name, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		names = append(names, backend.Name(p))
	}
	if len(names) == 0 {
		return defaultValue
	}
	return names
}
