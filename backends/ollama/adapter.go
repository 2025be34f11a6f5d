package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/glimmerhq/insight-engine/pkg/backend"
	apperrors "github.com/glimmerhq/insight-engine/pkg/errors"
)

const (
	// BackendVersion is the adapter version
	BackendVersion = "1.0.0"

	// DefaultEndpoint is the local Ollama server address
	DefaultEndpoint = "http://localhost:11434"

	// DefaultModel is used when no model is configured
	DefaultModel = "llama3.1"

	// DefaultTimeout is the per-attempt bound when none is requested.
	// Local inference is slower than the hosted API, so the bound is wider.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxContentBytes caps the request content size
	DefaultMaxContentBytes = 16384
)

// Config contains the connection parameters for the Ollama backend
type Config struct {
	Endpoint        string
	Model           string
	Timeout         time.Duration
	MaxContentBytes int
	HTTPClient      *http.Client
}

// Adapter implements backend.Backend against a local Ollama server. The
// adapter holds only immutable connection parameters and is safe for
// concurrent use. Local inference carries no per-token cost, so CostUSD is
// always zero.
type Adapter struct {
	config Config
	client *http.Client
}

// NewAdapter creates a new Ollama adapter with defaults applied
func NewAdapter(config Config) *Adapter {
	if config.Endpoint == "" {
		config.Endpoint = DefaultEndpoint
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.MaxContentBytes <= 0 {
		config.MaxContentBytes = DefaultMaxContentBytes
	}

	client := config.HTTPClient
	if client == nil {
		// No client-level timeout: the per-attempt context bounds each call.
		client = &http.Client{}
	}

	return &Adapter{
		config: config,
		client: client,
	}
}

// Name returns the backend identity
func (a *Adapter) Name() backend.Name {
	return backend.NameOllama
}

type generateRequest struct {
	Model  string `json:"model"`
	System string `json:"system"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format"`
}

type generateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

type apiError struct {
	Error string `json:"error"`
}

type insightPayload struct {
	Insight    string   `json:"insight"`
	Confidence float64  `json:"confidence"`
	Tags       []string `json:"tags"`
}

// Analyze runs one analysis attempt bounded by timeout. Provider faults are
// always returned classified; only caller cancellation passes through raw.
func (a *Adapter) Analyze(ctx context.Context, req *backend.AnalysisRequest, timeout time.Duration) (*backend.Analysis, error) {
	if err := a.validate(req); err != nil {
		return nil, err
	}

	if timeout <= 0 {
		timeout = a.config.Timeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	body, err := json.Marshal(generateRequest{
		Model:  a.config.Model,
		System: systemPrompt(req.Type),
		Prompt: req.Content,
		Stream: false,
		// format=json makes the server constrain decoding to valid JSON.
		Format: "json",
	})
	if err != nil {
		return nil, apperrors.NewInternalError(string(backend.NameOllama), "failed to encode request").WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, a.config.Endpoint+"/api/generate", bytes.NewBuffer(body))
	if err != nil {
		return nil, apperrors.NewInternalError(string(backend.NameOllama), "failed to create request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, ctx.Err()
		}
		if attemptCtx.Err() == context.DeadlineExceeded {
			return nil, apperrors.NewTimeoutError(string(backend.NameOllama),
				fmt.Sprintf("analysis did not complete within %s", timeout)).WithCause(err)
		}
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus(resp.StatusCode, respBody)
	}

	var genResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return nil, apperrors.NewMalformedResponseError(string(backend.NameOllama), "failed to decode response body").WithCause(err)
	}

	payload, err := parseInsight(genResp.Response)
	if err != nil {
		return nil, apperrors.NewMalformedResponseError(string(backend.NameOllama), "response payload is not a valid insight").WithCause(err)
	}

	usage := backend.TokenUsage{
		PromptTokens:     genResp.PromptEvalCount,
		CompletionTokens: genResp.EvalCount,
		TotalTokens:      genResp.PromptEvalCount + genResp.EvalCount,
	}

	model := genResp.Model
	if model == "" {
		model = a.config.Model
	}

	return &backend.Analysis{
		Content:    payload.Insight,
		Confidence: payload.Confidence,
		Tags:       payload.Tags,
		Usage:      usage,
		CostUSD:    0,
		Backend:    backend.NameOllama,
		Model:      model,
		Duration:   time.Since(start),
	}, nil
}

// HealthCheck verifies the local server is reachable
func (a *Adapter) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.Endpoint+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama is unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama health check returned status %d", resp.StatusCode)
	}
	return nil
}

func (a *Adapter) validate(req *backend.AnalysisRequest) error {
	if strings.TrimSpace(req.Content) == "" {
		return apperrors.NewInvalidInputError("content is empty").WithBackend(string(backend.NameOllama))
	}
	if req.ContentLength() > a.config.MaxContentBytes {
		return apperrors.NewInvalidInputError(
			fmt.Sprintf("content length %d exceeds limit %d", req.ContentLength(), a.config.MaxContentBytes)).
			WithBackend(string(backend.NameOllama))
	}
	return nil
}

func classifyStatus(status int, body []byte) *apperrors.BackendError {
	name := string(backend.NameOllama)

	var apiErr apiError
	message := fmt.Sprintf("ollama returned status %d", status)
	_ = json.Unmarshal(body, &apiErr)
	if apiErr.Error != "" {
		message = apiErr.Error
	}

	switch {
	case status == http.StatusTooManyRequests:
		return apperrors.NewRateLimitedError(name, message)
	case status == http.StatusBadRequest:
		return apperrors.NewInvalidInputError(message).WithBackend(name)
	case status == http.StatusNotFound:
		// A missing model is a deployment problem, not a transient fault.
		return apperrors.NewInternalError(name, message)
	case status == http.StatusInternalServerError:
		if strings.Contains(message, "context length") || strings.Contains(message, "context window") {
			return apperrors.NewContextOverflowError(name, message)
		}
		return apperrors.NewInternalError(name, message)
	case status == http.StatusBadGateway, status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		return apperrors.NewUnavailableError(name, message)
	default:
		return apperrors.NewInternalError(name, message)
	}
}

func classifyTransportError(err error) *apperrors.BackendError {
	name := string(backend.NameOllama)
	msg := err.Error()

	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "connection reset") {
		return apperrors.NewUnavailableError(name, "ollama is unreachable").WithCause(err)
	}
	return apperrors.NewUnavailableError(name, "request to ollama failed").WithCause(err)
}

// systemPrompt shapes the model's task for one analysis type. Local models
// need the output contract spelled out even with format=json enforced.
func systemPrompt(analysisType backend.AnalysisType) string {
	base := `You analyze short captured thoughts for a personal capture app.
Respond with a JSON object with exactly these fields:
"insight" (string), "confidence" (number between 0 and 1), "tags" (array of strings).`

	switch analysisType {
	case backend.TypeTriage:
		return base + `
Classify the thought as a task, idea, question or note. State the classification
and any implied deadline or urgency in the insight. Tag with the classification.`
	case backend.TypeEnrich:
		return base + `
Expand the thought with context: related concepts, suggested next actions, and
topical tags. Keep the insight under 80 words.`
	case backend.TypeSummarize:
		return base + `
Condense the thought to its essence in one or two sentences. Tag with its topics.`
	default:
		return base
	}
}

func parseInsight(content string) (*insightPayload, error) {
	var payload insightPayload
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &payload); err != nil {
		return nil, err
	}
	if payload.Insight == "" {
		return nil, fmt.Errorf("insight field is empty")
	}
	if payload.Confidence < 0 {
		payload.Confidence = 0
	}
	if payload.Confidence > 1 {
		payload.Confidence = 1
	}
	return &payload, nil
}
