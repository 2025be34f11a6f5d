package orchestrator

import (
	"time"

	"github.com/glimmerhq/insight-engine/internal/selector"
	"github.com/glimmerhq/insight-engine/pkg/backend"
	apperrors "github.com/glimmerhq/insight-engine/pkg/errors"
)

// State names a position in the per-request execution state machine
type State string

const (
	// StateNotStarted is the state before the first attempt
	StateNotStarted State = "NOT_STARTED"

	// StateTrying means a candidate attempt is in flight or being judged
	StateTrying State = "TRYING"

	// StateSucceeded is the terminal state after a successful attempt
	StateSucceeded State = "SUCCEEDED"

	// StateAborted is the terminal state after a non-recoverable failure
	StateAborted State = "ABORTED"

	// StateAllFailed is the terminal state after every candidate failed
	StateAllFailed State = "ALL_FAILED"
)

// Decision is the orchestrator's verdict after judging one attempt
type Decision string

const (
	// DecisionSuccess accepts the attempt's analysis and ends the plan
	DecisionSuccess Decision = "SUCCESS"

	// DecisionRetrySameOnce schedules one backed-off retry of the same
	// candidate. Issued at most once per candidate, only for rate limits.
	DecisionRetrySameOnce Decision = "RETRY_SAME_ONCE"

	// DecisionNextCandidate moves on to the next candidate in the plan
	DecisionNextCandidate Decision = "NEXT_CANDIDATE"

	// DecisionAborted stops the plan without trying remaining candidates
	DecisionAborted Decision = "ABORTED"

	// DecisionAllFailed records that the failing attempt was the last one
	DecisionAllFailed Decision = "ALL_FAILED"
)

// Attempt records one backend invocation and the decision it produced
type Attempt struct {
	Backend  backend.Name          `json:"backend"`
	Role     selector.Role         `json:"role"`
	Kind     apperrors.FailureKind `json:"kind,omitempty"`
	Message  string                `json:"message,omitempty"`
	Decision Decision              `json:"decision"`
	Retry    bool                  `json:"retry"`
	Duration time.Duration         `json:"duration"`
}

// Result is the outcome of a fully executed plan. Attempts holds the complete
// trace, including failed attempts that preceded the success.
type Result struct {
	Analysis  *backend.Analysis `json:"analysis"`
	Attempts  []Attempt         `json:"attempts"`
	Rationale string            `json:"rationale"`
	Duration  time.Duration     `json:"duration"`
}
