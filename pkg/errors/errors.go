package errors

import (
	"errors"
	"fmt"
	"strings"
)

// FailureKind classifies a backend failure
type FailureKind string

const (
	KindTimeout           FailureKind = "TIMEOUT"
	KindRateLimited       FailureKind = "RATE_LIMITED"
	KindUnavailable       FailureKind = "UNAVAILABLE"
	KindInvalidInput      FailureKind = "INVALID_INPUT"
	KindContextOverflow   FailureKind = "CONTEXT_OVERFLOW"
	KindInternalError     FailureKind = "INTERNAL_ERROR"
	KindMalformedResponse FailureKind = "MALFORMED_RESPONSE"
)

// Kinds lists every defined failure kind.
func Kinds() []FailureKind {
	return []FailureKind{
		KindTimeout,
		KindRateLimited,
		KindUnavailable,
		KindInvalidInput,
		KindContextOverflow,
		KindInternalError,
		KindMalformedResponse,
	}
}

// Recoverable reports whether a different backend is plausibly capable of
// succeeding where one failed with this kind. INVALID_INPUT and
// CONTEXT_OVERFLOW are properties of the input itself: every backend would
// fail the same way, so retrying elsewhere only wastes latency and cost.
func Recoverable(kind FailureKind) bool {
	switch kind {
	case KindTimeout, KindRateLimited, KindUnavailable, KindInternalError, KindMalformedResponse:
		return true
	default:
		return false
	}
}

// FallbackBudget returns how many occurrences of a kind may justify advancing
// to another candidate within a single request. A negative value means
// unlimited. INTERNAL_ERROR and MALFORMED_RESPONSE are only worth one
// fallback each; a second occurrence terminates the plan.
func FallbackBudget(kind FailureKind) int {
	switch kind {
	case KindInternalError, KindMalformedResponse:
		return 1
	default:
		return -1
	}
}

// BackendError is a classified failure from one backend attempt
type BackendError struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
	Backend string      `json:"backend,omitempty"`
	Cause   error       `json:"-"`
}

// Error implements the error interface
func (e *BackendError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause
func (e *BackendError) Unwrap() error {
	return e.Cause
}

// Recoverable reports whether this failure's kind is recoverable.
func (e *BackendError) Recoverable() bool {
	return Recoverable(e.Kind)
}

// NewBackendError creates a classified backend error
func NewBackendError(kind FailureKind, message string) *BackendError {
	return &BackendError{
		Kind:    kind,
		Message: message,
	}
}

// WithCause adds the underlying cause to the error
func (e *BackendError) WithCause(cause error) *BackendError {
	e.Cause = cause
	return e
}

// WithBackend records the backend the failure originated from
func (e *BackendError) WithBackend(backend string) *BackendError {
	e.Backend = backend
	return e
}

// Common constructors, one per kind
func NewTimeoutError(backend string, message string) *BackendError {
	return NewBackendError(KindTimeout, message).WithBackend(backend)
}

func NewRateLimitedError(backend string, message string) *BackendError {
	return NewBackendError(KindRateLimited, message).WithBackend(backend)
}

func NewUnavailableError(backend string, message string) *BackendError {
	return NewBackendError(KindUnavailable, message).WithBackend(backend)
}

func NewInvalidInputError(message string) *BackendError {
	return NewBackendError(KindInvalidInput, message)
}

func NewContextOverflowError(backend string, message string) *BackendError {
	return NewBackendError(KindContextOverflow, message).WithBackend(backend)
}

func NewInternalError(backend string, message string) *BackendError {
	return NewBackendError(KindInternalError, message).WithBackend(backend)
}

func NewMalformedResponseError(backend string, message string) *BackendError {
	return NewBackendError(KindMalformedResponse, message).WithBackend(backend)
}

// AggregateError is the terminal failure of a plan: one classified failure
// per candidate attempt, in attempt order. Aborted marks plans cut short by a
// non-recoverable classification rather than exhaustion.
type AggregateError struct {
	Failures []*BackendError `json:"failures"`
	Aborted  bool            `json:"aborted"`
}

// NewAggregateError builds the terminal failure from the ordered attempts
func NewAggregateError(failures []*BackendError, aborted bool) *AggregateError {
	return &AggregateError{
		Failures: failures,
		Aborted:  aborted,
	}
}

// Error implements the error interface
func (e *AggregateError) Error() string {
	if len(e.Failures) == 0 {
		return "analysis failed: no attempts recorded"
	}
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s=%s", f.Backend, f.Kind)
	}
	verb := "all candidates failed"
	if e.Aborted {
		verb = "plan aborted"
	}
	return fmt.Sprintf("analysis failed (%s): %s", verb, strings.Join(parts, ", "))
}

// Unwrap exposes every attempt's failure to errors.Is/As
func (e *AggregateError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// Kind returns the decisive kind: the failure that terminated the plan.
func (e *AggregateError) Kind() FailureKind {
	if len(e.Failures) == 0 {
		return KindInternalError
	}
	return e.Failures[len(e.Failures)-1].Kind
}

// Attempts returns the number of candidate attempts the plan made.
func (e *AggregateError) Attempts() int {
	return len(e.Failures)
}

// AsBackendError extracts a *BackendError from err's chain
func AsBackendError(err error) (*BackendError, bool) {
	var be *BackendError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// AsAggregateError extracts an *AggregateError from err's chain
func AsAggregateError(err error) (*AggregateError, bool) {
	var ae *AggregateError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// GetKind returns the decisive failure kind of err. For a BackendError it is
// the kind itself; for an AggregateError the terminating attempt's kind.
// Unclassified errors report INTERNAL_ERROR.
func GetKind(err error) FailureKind {
	if ae, ok := AsAggregateError(err); ok {
		return ae.Kind()
	}
	if be, ok := AsBackendError(err); ok {
		return be.Kind
	}
	return KindInternalError
}

// IsKind checks whether err's decisive classification matches kind
func IsKind(err error, kind FailureKind) bool {
	if err == nil {
		return false
	}
	return GetKind(err) == kind
}
