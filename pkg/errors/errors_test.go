package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecoverable(t *testing.T) {
	tests := []struct {
		kind FailureKind
		want bool
	}{
		{KindTimeout, true},
		{KindRateLimited, true},
		{KindUnavailable, true},
		{KindInternalError, true},
		{KindMalformedResponse, true},
		{KindInvalidInput, false},
		{KindContextOverflow, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, Recoverable(tt.kind))
		})
	}
}

func TestFallbackBudget(t *testing.T) {
	tests := []struct {
		kind FailureKind
		want int
	}{
		{KindTimeout, -1},
		{KindRateLimited, -1},
		{KindUnavailable, -1},
		{KindInternalError, 1},
		{KindMalformedResponse, 1},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, FallbackBudget(tt.kind))
		})
	}
}

func TestBackendError_Error(t *testing.T) {
	err := NewTimeoutError("openai", "analysis did not complete in 30s")
	assert.Equal(t, "TIMEOUT: analysis did not complete in 30s", err.Error())
	assert.Equal(t, "openai", err.Backend)

	withCause := NewUnavailableError("ollama", "connection refused").
		WithCause(fmt.Errorf("dial tcp 127.0.0.1:11434: connect: connection refused"))
	assert.Contains(t, withCause.Error(), "UNAVAILABLE: connection refused")
	assert.Contains(t, withCause.Error(), "caused by")
}

func TestBackendError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewInternalError("openai", "provider fault").WithCause(cause)

	assert.True(t, errors.Is(err, cause))

	var be *BackendError
	assert.True(t, errors.As(err, &be))
	assert.Equal(t, KindInternalError, be.Kind)
}

func TestBackendError_Recoverable(t *testing.T) {
	assert.True(t, NewRateLimitedError("openai", "429").Recoverable())
	assert.False(t, NewInvalidInputError("empty content").Recoverable())
}

func TestAggregateError_Error(t *testing.T) {
	agg := NewAggregateError([]*BackendError{
		NewUnavailableError("openai", "connection refused"),
		NewTimeoutError("ollama", "deadline exceeded"),
	}, false)

	msg := agg.Error()
	assert.Contains(t, msg, "all candidates failed")
	assert.Contains(t, msg, "openai=UNAVAILABLE")
	assert.Contains(t, msg, "ollama=TIMEOUT")
}

func TestAggregateError_Aborted(t *testing.T) {
	agg := NewAggregateError([]*BackendError{
		NewInvalidInputError("content is empty").WithBackend("openai"),
	}, true)

	assert.Contains(t, agg.Error(), "plan aborted")
	assert.Equal(t, KindInvalidInput, agg.Kind())
	assert.Equal(t, 1, agg.Attempts())
}

func TestAggregateError_Kind_IsTerminatingAttempt(t *testing.T) {
	agg := NewAggregateError([]*BackendError{
		NewRateLimitedError("openai", "429"),
		NewUnavailableError("ollama", "connection refused"),
	}, false)

	assert.Equal(t, KindUnavailable, agg.Kind())
	assert.Equal(t, 2, agg.Attempts())
}

func TestAggregateError_Unwrap(t *testing.T) {
	first := NewUnavailableError("openai", "down")
	second := NewTimeoutError("ollama", "slow")
	agg := NewAggregateError([]*BackendError{first, second}, false)

	assert.True(t, errors.Is(agg, first))
	assert.True(t, errors.Is(agg, second))
}

func TestGetKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{
			name: "backend error",
			err:  NewContextOverflowError("openai", "prompt too large"),
			want: KindContextOverflow,
		},
		{
			name: "wrapped backend error",
			err:  fmt.Errorf("dispatch: %w", NewRateLimitedError("openai", "429")),
			want: KindRateLimited,
		},
		{
			name: "aggregate error",
			err: NewAggregateError([]*BackendError{
				NewUnavailableError("openai", "down"),
				NewMalformedResponseError("ollama", "truncated body"),
			}, false),
			want: KindMalformedResponse,
		},
		{
			name: "unclassified error",
			err:  errors.New("something odd"),
			want: KindInternalError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetKind(tt.err))
		})
	}
}

func TestIsKind(t *testing.T) {
	err := NewTimeoutError("ollama", "deadline exceeded")

	assert.True(t, IsKind(err, KindTimeout))
	assert.False(t, IsKind(err, KindRateLimited))
	assert.False(t, IsKind(nil, KindTimeout))
}
