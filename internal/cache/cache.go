// Package cache provides an optional Redis-backed store for completed
// analyses. Repeated captures of identical content are answered from the
// store without spending another backend call.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/glimmerhq/insight-engine/pkg/backend"
	"github.com/glimmerhq/insight-engine/pkg/config"
	"github.com/glimmerhq/insight-engine/pkg/metrics"
)

// keyPrefix namespaces analysis entries so other tools sharing the Redis
// instance cannot collide with them.
const keyPrefix = "glimmer:analysis"

const (
	defaultTTL     = 24 * time.Hour
	connectTimeout = 5 * time.Second
)

// ErrMiss is returned by Get when no cached analysis exists for the request.
var ErrMiss = errors.New("analysis not cached")

// AnalysisCache stores completed analyses in Redis keyed by a digest of the
// request content. A nil *AnalysisCache is a valid disabled cache: Get always
// misses and Set is a no-op, so callers never branch on whether caching is
// configured.
type AnalysisCache struct {
	client  *redis.Client
	ttl     time.Duration
	metrics *metrics.Metrics
}

// NewAnalysisCache creates a Redis-backed cache and verifies the connection
func NewAnalysisCache(cfg *config.CacheConfig, m *metrics.Metrics) (*AnalysisCache, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cache configuration is required")
	}
	if m == nil {
		m = metrics.NewMetrics(&metrics.Config{Enabled: false})
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,

		// Connection timeouts
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		// Pool timeouts
		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,

		// Retry configuration
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &AnalysisCache{
		client:  client,
		ttl:     ttl,
		metrics: m,
	}, nil
}

// Key returns the Redis key for a request. Two requests share an entry
// exactly when their analysis type and content are byte-identical; the zero
// byte keeps type and content from running together.
func Key(analysisType backend.AnalysisType, content string) string {
	h := sha256.New()
	h.Write([]byte(analysisType))
	h.Write([]byte{0})
	h.Write([]byte(content))
	return fmt.Sprintf("%s:%s", keyPrefix, hex.EncodeToString(h.Sum(nil)))
}

// Get retrieves the cached analysis for a request. It returns ErrMiss when
// no entry exists or the cache is disabled.
func (c *AnalysisCache) Get(ctx context.Context, req *backend.AnalysisRequest) (*backend.Analysis, error) {
	if c == nil || c.client == nil {
		return nil, ErrMiss
	}

	data, err := c.client.Get(ctx, Key(req.Type, req.Content)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.metrics.RecordCacheOperation("get", "miss")
			return nil, ErrMiss
		}
		c.metrics.RecordCacheOperation("get", "error")
		return nil, fmt.Errorf("failed to read cached analysis: %w", err)
	}

	var analysis backend.Analysis
	if err := json.Unmarshal(data, &analysis); err != nil {
		c.metrics.RecordCacheOperation("get", "error")
		return nil, fmt.Errorf("failed to decode cached analysis: %w", err)
	}

	c.metrics.RecordCacheOperation("get", "hit")
	return &analysis, nil
}

// Set stores a completed analysis under the request's key
func (c *AnalysisCache) Set(ctx context.Context, req *backend.AnalysisRequest, analysis *backend.Analysis) error {
	if c == nil || c.client == nil {
		return nil
	}

	data, err := json.Marshal(analysis)
	if err != nil {
		c.metrics.RecordCacheOperation("set", "error")
		return fmt.Errorf("failed to encode analysis for caching: %w", err)
	}

	if err := c.client.Set(ctx, Key(req.Type, req.Content), data, c.ttl).Err(); err != nil {
		c.metrics.RecordCacheOperation("set", "error")
		return fmt.Errorf("failed to cache analysis: %w", err)
	}

	c.metrics.RecordCacheOperation("set", "stored")
	return nil
}

// Delete removes the cached analysis for a request
func (c *AnalysisCache) Delete(ctx context.Context, req *backend.AnalysisRequest) error {
	if c == nil || c.client == nil {
		return nil
	}

	if err := c.client.Del(ctx, Key(req.Type, req.Content)).Err(); err != nil {
		c.metrics.RecordCacheOperation("delete", "error")
		return fmt.Errorf("failed to delete cached analysis: %w", err)
	}

	c.metrics.RecordCacheOperation("delete", "deleted")
	return nil
}

// Client returns the underlying Redis client
func (c *AnalysisCache) Client() *redis.Client {
	if c == nil {
		return nil
	}
	return c.client
}

// Health checks the Redis connection
func (c *AnalysisCache) Health(ctx context.Context) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("analysis cache is not configured")
	}

	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("Redis health check failed: %w", err)
	}

	return nil
}

// Close closes the Redis connection
func (c *AnalysisCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
