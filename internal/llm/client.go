package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/manual-qa/backend/internal/metrics"
	"github.com/manual-qa/backend/pkg/circuitbreaker"
	"github.com/manual-qa/backend/pkg/logger"
	"github.com/manual-qa/backend/pkg/retry"
)

// Generator is the semantic generation backend used for search-in-document,
// answer synthesis, verification scoring, abuse checks and summaries.
type Generator interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

type CompletionRequest struct {
	// Purpose labels metrics and logs (e.g. "kb_search", "verify").
	Purpose      string
	SystemPrompt string
	UserPrompt   string
	Attachments  []Attachment
	Temperature  float32
	MaxTokens    int
	// JSON asks the backend for a JSON object response.
	JSON bool
}

// Attachment is a document sent alongside the prompt.
type Attachment struct {
	Name     string
	MIMEType string
	Data     []byte
}

type CompletionResponse struct {
	Content string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// AttachmentRenderer turns a binary attachment into prompt text.
type AttachmentRenderer func(a Attachment) (string, error)

type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
	Renderer    AttachmentRenderer
}

type Client struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
	renderer    AttachmentRenderer
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewClient(cfg Config) *Client {
	oaCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oaCfg.BaseURL = cfg.BaseURL
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = 90 * time.Second
	}

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		Name:           "llm_completion",
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Retryable:      isRetryable,
		Logger:         logger.GetLogger(),
	}

	logger.Info("LLM client initialized", zap.String("model", cfg.Model))

	return &Client{
		client:      openai.NewClientWithConfig(oaCfg),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
		renderer:    cfg.Renderer,
		cb:          cb,
		retryConfig: retryConfig,
	}
}

func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	userContent, err := c.renderUserContent(req)
	if err != nil {
		return nil, err
	}

	chatReq := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userContent},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
	if req.JSON {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	var result *CompletionResponse
	start := time.Now()

	err = c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(ctx, chatReq)
			if err != nil {
				return fmt.Errorf("failed to create completion: %w", err)
			}
			if len(resp.Choices) == 0 {
				return fmt.Errorf("completion returned no choices")
			}

			result = &CompletionResponse{
				Content: resp.Choices[0].Message.Content,
				Usage: Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
			}
			return nil
		})
	})

	metrics.LLMLatency.WithLabelValues(purposeLabel(req.Purpose)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.LLMRequests.WithLabelValues(purposeLabel(req.Purpose), "error").Inc()
		return nil, err
	}

	metrics.LLMRequests.WithLabelValues(purposeLabel(req.Purpose), "ok").Inc()
	metrics.LLMTokensUsed.WithLabelValues(c.model, "prompt").Add(float64(result.Usage.PromptTokens))
	metrics.LLMTokensUsed.WithLabelValues(c.model, "completion").Add(float64(result.Usage.CompletionTokens))

	logger.Debug("LLM completion generated",
		zap.String("purpose", req.Purpose),
		zap.Int("prompt_tokens", result.Usage.PromptTokens),
		zap.Int("completion_tokens", result.Usage.CompletionTokens),
	)

	return result, nil
}

func (c *Client) renderUserContent(req CompletionRequest) (string, error) {
	if len(req.Attachments) == 0 {
		return req.UserPrompt, nil
	}

	var b strings.Builder
	for _, a := range req.Attachments {
		text, err := c.renderAttachment(a)
		if err != nil {
			return "", fmt.Errorf("failed to render attachment %s: %w", a.Name, err)
		}
		fmt.Fprintf(&b, "<document name=%q>\n%s\n</document>\n\n", a.Name, text)
	}
	b.WriteString(req.UserPrompt)
	return b.String(), nil
}

func (c *Client) renderAttachment(a Attachment) (string, error) {
	if strings.HasPrefix(a.MIMEType, "text/plain") {
		return string(a.Data), nil
	}
	if c.renderer == nil {
		return "", fmt.Errorf("no renderer for %s", a.MIMEType)
	}
	return c.renderer(a)
}

// isRetryable retries transport failures, rate limits and 5xx responses.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return true
}

func purposeLabel(p string) string {
	if p == "" {
		return "other"
	}
	return p
}
