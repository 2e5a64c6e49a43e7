package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/lamim/docforge/internal/config"
	"github.com/lamim/docforge/internal/metrics"
	"github.com/lamim/docforge/internal/util"
	"github.com/lamim/docforge/internal/verify"
	"github.com/lamim/docforge/pkg/models"
)

const (
	// DefaultHTTPTimeout is the default timeout for HTTP requests
	DefaultHTTPTimeout = 120 * time.Second
	// DefaultMaxRetries is the default maximum number of retry attempts
	DefaultMaxRetries = 3
	// DefaultBaseRetryDelay is the base delay for exponential backoff
	DefaultBaseRetryDelay = 2 * time.Second
	// DefaultMaxBackoff caps a single backoff sleep
	DefaultMaxBackoff = 120 * time.Second
	// RateLimitBackoffMultiplier is the multiplier for rate limit backoff (3^n)
	RateLimitBackoffMultiplier = 3
	// DefaultBurstPercent is used when the pool is created without a config
	DefaultBurstPercent = 15
)

// Client generates documents through an OpenAI-compatible chat completions endpoint
type Client struct {
	httpClient      *http.Client
	rateLimiterPool *RateLimiterPool
	logger          *slog.Logger
	metrics         *metrics.Collector

	model          config.ModelConfig
	apiKey         string
	templates      config.PromptTemplates
	maxRetries     int // negative means unlimited
	baseRetryDelay time.Duration
	maxBackoff     time.Duration
	now            func() time.Time
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithMetrics records request and rate limiter timings
func WithMetrics(collector *metrics.Collector) ClientOption {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithRateLimiterPool shares a limiter pool between clients
func WithRateLimiterPool(pool *RateLimiterPool) ClientOption {
	return func(c *Client) {
		c.rateLimiterPool = pool
	}
}

// WithRetryDelay overrides the base backoff delay
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.baseRetryDelay = d
	}
}

// NewClient creates a document generation client for one model endpoint
func NewClient(
	model config.ModelConfig,
	apiKey string,
	templates config.PromptTemplates,
	logger *slog.Logger,
	opts ...ClientOption,
) *Client {
	timeout := DefaultHTTPTimeout
	if model.HTTPTimeoutSeconds > 0 {
		timeout = time.Duration(model.HTTPTimeoutSeconds) * time.Second
	}
	maxRetries := DefaultMaxRetries
	if model.MaxRetries != 0 {
		maxRetries = model.MaxRetries
	}
	maxBackoff := DefaultMaxBackoff
	if model.MaxBackoffSeconds > 0 {
		maxBackoff = time.Duration(model.MaxBackoffSeconds) * time.Second
	}

	c := &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger:         logger,
		model:          model,
		apiKey:         apiKey,
		templates:      templates,
		maxRetries:     maxRetries,
		baseRetryDelay: DefaultBaseRetryDelay,
		maxBackoff:     maxBackoff,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.rateLimiterPool == nil {
		c.rateLimiterPool = NewRateLimiterPool(DefaultBurstPercent)
	}
	return c
}

// Generate renders the document prompt from snapshot and returns the drafted
// document. An expired proof is reported as verify.ErrExpired.
func (c *Client) Generate(ctx context.Context, snapshot models.FormData, proof string) (*models.GenerationOutput, error) {
	messages, err := c.BuildMessages(snapshot)
	if err != nil {
		return nil, err
	}

	resp, err := c.ChatCompletion(ctx, messages, proof)
	if err != nil {
		return nil, err
	}

	choice := resp.Choices[0]
	reasoning, document := util.SplitThinkAndAnswer(choice.Message.Content)
	if choice.Message.ReasoningContent != "" {
		reasoning = strings.TrimSpace(choice.Message.ReasoningContent)
	}
	if document == "" {
		return nil, &APIError{
			Message:    "model returned an empty document",
			StatusCode: http.StatusOK,
			Retryable:  true,
		}
	}

	model := resp.Model
	if model == "" {
		model = c.model.ModelName
	}

	return &models.GenerationOutput{
		Document: document,
		Metadata: models.DocumentMetadata{
			Model:        model,
			ResponseID:   resp.ID,
			FinishReason: choice.FinishReason,
			Reasoning:    reasoning,
			GeneratedAt:  c.now(),
		},
		Usage: models.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// ChatCompletion sends a chat completion request, retrying retryable failures
func (c *Client) ChatCompletion(ctx context.Context, messages []Message, proof string) (*ChatCompletionResponse, error) {
	endpointID := fmt.Sprintf("%s:%s", c.model.BaseURL, c.model.ModelName)

	waitStart := time.Now()
	if err := c.rateLimiterPool.Wait(ctx, endpointID, c.model.RateLimitPerMinute); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}
	if c.metrics != nil {
		c.metrics.RecordRateLimiterWait(c.model.ModelName, time.Since(waitStart))
	}

	req := ChatCompletionRequest{
		Model:       c.model.ModelName,
		Messages:    messages,
		Temperature: c.model.Temperature,
		TopP:        c.model.TopP,
		MaxTokens:   c.model.MaxOutputTokens,
		N:           1,
	}

	var lastErr error
	for attempt := 0; c.maxRetries < 0 || attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			sleepDuration := c.backoff(attempt, lastErr)

			c.logger.Warn("Retrying API request",
				"attempt", attempt,
				"max_retries", c.maxRetries,
				"backoff", sleepDuration,
				"model", c.model.ModelName,
				"is_rate_limit", isRateLimitError(lastErr))

			timer := time.NewTimer(sleepDuration)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		start := time.Now()
		resp, err := c.doRequest(ctx, req, proof)
		if c.metrics != nil {
			c.metrics.RecordAPIRequest(c.model.ModelName, time.Since(start), err == nil)
		}
		if err == nil {
			return resp, nil
		}

		lastErr = err
		if ctx.Err() != nil || !isRetryable(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// backoff returns 2^(n-1) * base, or 3^n * base after a rate limit, with ±10% jitter
func (c *Client) backoff(attempt int, lastErr error) time.Duration {
	backoff := time.Duration(math.Pow(2, float64(attempt-1))) * c.baseRetryDelay
	if isRateLimitError(lastErr) {
		backoff = time.Duration(math.Pow(RateLimitBackoffMultiplier, float64(attempt))) * c.baseRetryDelay
	}
	if backoff > c.maxBackoff {
		backoff = c.maxBackoff
	}
	jitter := time.Duration(float64(backoff) * 0.1 * (2*rand.Float64() - 1))
	return backoff + jitter
}

func (c *Client) doRequest(ctx context.Context, req ChatCompletionRequest, proof string) (*ChatCompletionResponse, error) {
	body, err := encodeRequestBody(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	defer body.release()

	endpoint := strings.TrimRight(c.model.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body.Reader())
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if proof != "" {
		httpReq.Header.Set(VerificationHeader, proof)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		c.logger.Debug("API request", "endpoint", endpoint, "has_key", true, "body_bytes", body.Len())
	} else {
		c.logger.Debug("API request without key", "endpoint", endpoint, "body_bytes", body.Len())
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &APIError{
			Message:   fmt.Sprintf("request failed: %v", err),
			Retryable: true,
		}
	}
	defer func() {
		if err := httpResp.Body.Close(); err != nil {
			c.logger.Warn("Failed to close response body", "error", err)
		}
	}()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &APIError{
			Message:    fmt.Sprintf("failed to read response: %v", err),
			StatusCode: httpResp.StatusCode,
			Retryable:  true,
		}
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyError(httpResp.StatusCode, respBody)
	}

	var resp ChatCompletionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned in response")
	}

	return &resp, nil
}

// classifyError builds the error for a non-200 response. Verification failures
// wrap the verify sentinels so the coordinator can react to them.
func classifyError(statusCode int, body []byte) error {
	apiErr := &APIError{
		Message:    fmt.Sprintf("API request failed with status %d: %s", statusCode, util.TruncateString(string(body), 500)),
		StatusCode: statusCode,
		Retryable:  isStatusCodeRetryable(statusCode),
	}

	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && (errResp.Error.Message != "" || errResp.Error.Code != "") {
		apiErr.Message = errResp.Error.Message
		apiErr.Type = errResp.Error.Type
		apiErr.Code = errResp.Error.Code
	}

	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		switch {
		case apiErr.Code == CodeVerificationExpired || apiErr.Type == CodeVerificationExpired:
			return fmt.Errorf("%w: %w", verify.ErrExpired, apiErr)
		case apiErr.Code == CodeVerificationMisconfigured || apiErr.Type == CodeVerificationMisconfigured:
			return fmt.Errorf("%w: %w", verify.ErrMisconfigured, apiErr)
		}
	}
	return apiErr
}

func isRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	return false
}

func isRateLimitError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

func isStatusCodeRetryable(statusCode int) bool {
	// Retry on rate limits and server errors
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusInternalServerError ||
		statusCode == http.StatusBadGateway ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusGatewayTimeout
}

// APIError represents an error returned by the API
type APIError struct {
	Message    string
	StatusCode int
	Type       string
	Code       string
	Retryable  bool
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error: %s", e.Message)
}
