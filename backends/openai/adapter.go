package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/glimmerhq/insight-engine/pkg/backend"
	apperrors "github.com/glimmerhq/insight-engine/pkg/errors"
)

const (
	// BackendVersion is the adapter version
	BackendVersion = "1.0.0"

	// DefaultEndpoint is the OpenAI API base URL
	DefaultEndpoint = "https://api.openai.com/v1"

	// DefaultModel is used when no model is configured
	DefaultModel = "gpt-4o-mini"

	// DefaultTimeout is the per-attempt bound when none is requested
	DefaultTimeout = 30 * time.Second

	// DefaultMaxContentBytes caps the request content size
	DefaultMaxContentBytes = 24576
)

// Config contains the connection parameters for the OpenAI backend
type Config struct {
	Endpoint            string
	APIKey              string
	Model               string
	Timeout             time.Duration
	MaxContentBytes     int
	PromptCostPer1K     float64
	CompletionCostPer1K float64
	HTTPClient          *http.Client
}

// Adapter implements backend.Backend against the OpenAI chat completions API.
// The adapter holds only immutable connection parameters and is safe for
// concurrent use.
type Adapter struct {
	config Config
	client *http.Client
}

// NewAdapter creates a new OpenAI adapter with defaults applied
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
	return backend.NameOpenAI
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
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

	body, err := json.Marshal(chatRequest{
		Model: a.config.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(req.Type)},
			{Role: "user", Content: req.Content},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return nil, apperrors.NewInternalError(string(backend.NameOpenAI), "failed to encode request").WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, a.config.Endpoint+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return nil, apperrors.NewInternalError(string(backend.NameOpenAI), "failed to create request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, ctx.Err()
		}
		if attemptCtx.Err() == context.DeadlineExceeded {
			return nil, apperrors.NewTimeoutError(string(backend.NameOpenAI),
				fmt.Sprintf("analysis did not complete within %s", timeout)).WithCause(err)
		}
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus(resp.StatusCode, respBody)
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, apperrors.NewMalformedResponseError(string(backend.NameOpenAI), "failed to decode response body").WithCause(err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, apperrors.NewMalformedResponseError(string(backend.NameOpenAI), "response contained no choices")
	}

	payload, err := parseInsight(chatResp.Choices[0].Message.Content)
	if err != nil {
		return nil, apperrors.NewMalformedResponseError(string(backend.NameOpenAI), "response payload is not a valid insight").WithCause(err)
	}

	usage := backend.TokenUsage{
		PromptTokens:     chatResp.Usage.PromptTokens,
		CompletionTokens: chatResp.Usage.CompletionTokens,
		TotalTokens:      chatResp.Usage.TotalTokens,
	}

	model := chatResp.Model
	if model == "" {
		model = a.config.Model
	}

	return &backend.Analysis{
		Content:    payload.Insight,
		Confidence: payload.Confidence,
		Tags:       payload.Tags,
		Usage:      usage,
		CostUSD:    a.cost(usage),
		Backend:    backend.NameOpenAI,
		Model:      model,
		Duration:   time.Since(start),
	}, nil
}

// HealthCheck verifies the API is reachable with the configured credentials
func (a *Adapter) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.Endpoint+"/models", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("openai is unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("openai health check returned status %d", resp.StatusCode)
	}
	return nil
}

func (a *Adapter) validate(req *backend.AnalysisRequest) error {
	if strings.TrimSpace(req.Content) == "" {
		return apperrors.NewInvalidInputError("content is empty").WithBackend(string(backend.NameOpenAI))
	}
	if req.ContentLength() > a.config.MaxContentBytes {
		return apperrors.NewInvalidInputError(
			fmt.Sprintf("content length %d exceeds limit %d", req.ContentLength(), a.config.MaxContentBytes)).
			WithBackend(string(backend.NameOpenAI))
	}
	return nil
}

func (a *Adapter) cost(usage backend.TokenUsage) float64 {
	prompt := float64(usage.PromptTokens) / 1000 * a.config.PromptCostPer1K
	completion := float64(usage.CompletionTokens) / 1000 * a.config.CompletionCostPer1K
	return prompt + completion
}

func classifyStatus(status int, body []byte) *apperrors.BackendError {
	name := string(backend.NameOpenAI)

	var apiErr apiError
	message := fmt.Sprintf("openai returned status %d", status)
	_ = json.Unmarshal(body, &apiErr)
	if apiErr.Error.Message != "" {
		message = apiErr.Error.Message
	}

	switch {
	case status == http.StatusTooManyRequests:
		return apperrors.NewRateLimitedError(name, message)
	case status == http.StatusRequestTimeout:
		return apperrors.NewTimeoutError(name, message)
	case status == http.StatusBadRequest:
		if apiErr.Error.Code == "context_length_exceeded" || strings.Contains(message, "maximum context length") {
			return apperrors.NewContextOverflowError(name, message)
		}
		return apperrors.NewInvalidInputError(message).WithBackend(name)
	case status == http.StatusUnauthorized, status == http.StatusForbidden, status == http.StatusNotFound:
		return apperrors.NewInternalError(name, message)
	case status == http.StatusBadGateway, status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		return apperrors.NewUnavailableError(name, message)
	default:
		return apperrors.NewInternalError(name, message)
	}
}

func classifyTransportError(err error) *apperrors.BackendError {
	name := string(backend.NameOpenAI)
	msg := err.Error()

	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "connection reset") {
		return apperrors.NewUnavailableError(name, "openai is unreachable").WithCause(err)
	}
	return apperrors.NewUnavailableError(name, "request to openai failed").WithCause(err)
}

// systemPrompt shapes the model's task for one analysis type
func systemPrompt(analysisType backend.AnalysisType) string {
	base := `You analyze short captured thoughts for a personal capture app.
Return ONLY a JSON object: {"insight": string, "confidence": number between 0 and 1, "tags": [strings]}.`

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

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// extractJSON pulls a JSON object out of a model reply that may wrap it in
// markdown fences or surrounding prose
func extractJSON(response string) string {
	matches := fencedJSON.FindStringSubmatch(response)
	if len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}

	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start != -1 && end > start {
		return response[start : end+1]
	}

	return response
}

func parseInsight(content string) (*insightPayload, error) {
	var payload insightPayload
	if err := json.Unmarshal([]byte(extractJSON(content)), &payload); err != nil {
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
