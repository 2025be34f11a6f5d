package static

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimmerhq/insight-engine/pkg/backend"
	apperrors "github.com/glimmerhq/insight-engine/pkg/errors"
)

func testRequest(content string) *backend.AnalysisRequest {
	return backend.NewRequest(content, backend.TypeTriage, []backend.Name{backend.NameStatic})
}

func TestNewAdapter_Defaults(t *testing.T) {
	a := NewAdapter(Config{})

	assert.NotNil(t, a)
	assert.Equal(t, DefaultConfidence, a.config.Confidence)
	assert.Equal(t, DefaultTimeout, a.config.Timeout)
	assert.Equal(t, DefaultMaxContentBytes, a.config.MaxContentBytes)
	assert.Equal(t, backend.NameStatic, a.Name())
}

func TestNewAdapter_ClampsConfidence(t *testing.T) {
	a := NewAdapter(Config{Confidence: 3.5})
	assert.Equal(t, 1.0, a.config.Confidence)
}

func TestAdapter_Analyze(t *testing.T) {
	a := NewAdapter(Config{Confidence: 0.25})

	result, err := a.Analyze(context.Background(), testRequest("buy milk before friday"), time.Second)

	require.NoError(t, err)
	assert.Contains(t, result.Content, "buy milk before friday")
	assert.Equal(t, 0.25, result.Confidence)
	assert.Equal(t, []string{"triage", "unreviewed"}, result.Tags)
	assert.Zero(t, result.Usage.TotalTokens)
	assert.Zero(t, result.CostUSD)
	assert.Equal(t, backend.NameStatic, result.Backend)
	assert.Equal(t, ModelID, result.Model)
}

func TestAdapter_Analyze_Deterministic(t *testing.T) {
	a := NewAdapter(Config{})
	req := testRequest("the same thought twice")

	first, err := a.Analyze(context.Background(), req, time.Second)
	require.NoError(t, err)
	second, err := a.Analyze(context.Background(), req, time.Second)
	require.NoError(t, err)

	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, first.Confidence, second.Confidence)
	assert.Equal(t, first.Tags, second.Tags)
	assert.Equal(t, first.Model, second.Model)
}

func TestAdapter_Analyze_TruncatesEcho(t *testing.T) {
	a := NewAdapter(Config{})
	long := strings.Repeat("a", 500)

	result, err := a.Analyze(context.Background(), testRequest(long), time.Second)

	require.NoError(t, err)
	assert.Contains(t, result.Content, strings.Repeat("a", echoLimit)+"...")
	assert.NotContains(t, result.Content, strings.Repeat("a", echoLimit+1))
}

func TestAdapter_Analyze_EmptyContent(t *testing.T) {
	a := NewAdapter(Config{})

	result, err := a.Analyze(context.Background(), testRequest("  \n "), time.Second)

	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidInput))
}

func TestAdapter_Analyze_OversizedContent(t *testing.T) {
	a := NewAdapter(Config{MaxContentBytes: 16})

	result, err := a.Analyze(context.Background(), testRequest(strings.Repeat("z", 17)), time.Second)

	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidInput))
}

func TestAdapter_Analyze_CancelledContext(t *testing.T) {
	a := NewAdapter(Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := a.Analyze(ctx, testRequest("a thought"), time.Second)

	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestAdapter_Analyze_ExpiredDeadline(t *testing.T) {
	a := NewAdapter(Config{})

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	result, err := a.Analyze(ctx, testRequest("a thought"), time.Second)

	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, apperrors.IsKind(err, apperrors.KindTimeout))
}

func TestAdapter_HealthCheck(t *testing.T) {
	a := NewAdapter(Config{})
	assert.NoError(t, a.HealthCheck(context.Background()))
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		limit    int
		expected string
	}{
		{name: "shorter than limit", input: "short", limit: 10, expected: "short"},
		{name: "exactly at limit", input: "12345", limit: 5, expected: "12345"},
		{name: "over limit", input: "123456", limit: 5, expected: "12345..."},
		{name: "multibyte safe", input: "héllo wörld", limit: 4, expected: "héll..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, truncate(tt.input, tt.limit))
		})
	}
}
