package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Backend defines the interface that all analysis backends must implement
type Backend interface {
	// Name returns the backend's identity
	Name() Name

	// Analyze runs one analysis attempt, bounded by timeout
	Analyze(ctx context.Context, req *AnalysisRequest, timeout time.Duration) (*Analysis, error)

	// HealthCheck verifies the backend is operational
	HealthCheck(ctx context.Context) error
}

// Name identifies a backend. The set is closed: adding a backend means
// adding a constant here and a constructor case in the registry.
type Name string

const (
	NameOpenAI Name = "openai"
	NameOllama Name = "ollama"
	NameStatic Name = "static"
)

// AllNames returns every defined backend name.
func AllNames() []Name {
	return []Name{NameOpenAI, NameOllama, NameStatic}
}

// ParseName converts a configuration string into a backend Name
func ParseName(s string) (Name, error) {
	switch Name(s) {
	case NameOpenAI, NameOllama, NameStatic:
		return Name(s), nil
	default:
		return "", fmt.Errorf("unknown backend name %q", s)
	}
}

// AnalysisType tags what kind of analysis the caller wants
type AnalysisType string

const (
	TypeTriage    AnalysisType = "triage"
	TypeEnrich    AnalysisType = "enrich"
	TypeSummarize AnalysisType = "summarize"
)

// Preferences carries caller hints that may inform backend selection
type Preferences struct {
	PreferLocal bool `json:"prefer_local,omitempty"`
}

// AnalysisRequest describes one unit of analysis work. Requests are
// value objects: none of the fields may be mutated after construction.
type AnalysisRequest struct {
	ID          string       `json:"id"`
	Content     string       `json:"content"`
	Type        AnalysisType `json:"type"`
	Available   []Name       `json:"available"`
	Preferences Preferences  `json:"preferences,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// NewRequest builds an AnalysisRequest with a fresh correlation ID. The
// available slice is copied so later mutation by the caller cannot leak in.
func NewRequest(content string, analysisType AnalysisType, available []Name) *AnalysisRequest {
	avail := make([]Name, len(available))
	copy(avail, available)
	return &AnalysisRequest{
		ID:        uuid.New().String(),
		Content:   content,
		Type:      analysisType,
		Available: avail,
		CreatedAt: time.Now().UTC(),
	}
}

// ContentLength returns the content size in bytes
func (r *AnalysisRequest) ContentLength() int {
	return len(r.Content)
}

// HasBackend reports whether name is in the request's available set
func (r *AnalysisRequest) HasBackend(name Name) bool {
	for _, n := range r.Available {
		if n == name {
			return true
		}
	}
	return false
}

// TokenUsage records token consumption for one analysis
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Analysis is the successful outcome of one backend attempt
type Analysis struct {
	Content    string        `json:"content"`
	Confidence float64       `json:"confidence"`
	Tags       []string      `json:"tags,omitempty"`
	Usage      TokenUsage    `json:"usage"`
	CostUSD    float64       `json:"cost_usd"`
	Backend    Name          `json:"backend"`
	Model      string        `json:"model"`
	Duration   time.Duration `json:"duration"`
}
