package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/examprep/backend/internal/embedding"
	"github.com/examprep/backend/internal/metrics"
	"github.com/examprep/backend/pkg/logger"
	"github.com/examprep/backend/pkg/retry"
)

var ErrEmptyCompletion = errors.New("completion returned no choices")

// ChatProvider is the subset of *openai.Client used here.
type ChatProvider interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Completer turns a prompt into text. The marking service only depends on this.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

type Config struct {
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

type Client struct {
	provider    ChatProvider
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
	policy      retry.Policy
}

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
}

type CompletionResponse struct {
	Content string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

var _ Completer = (*Client)(nil)

// NewClient wraps provider. policy is usually a circuit breaker chained
// around a backoff loop; nil means a single attempt.
func NewClient(provider ChatProvider, cfg Config, policy retry.Policy) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if policy == nil {
		policy = retry.NoRetry{}
	}

	logger.Info("LLM client initialized",
		zap.String("model", cfg.Model),
		zap.Float32("temperature", cfg.Temperature),
		zap.Int("max_tokens", cfg.MaxTokens),
	)

	return &Client{
		provider:    provider,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
		policy:      policy,
	}
}

func (c *Client) Model() string { return c.model }

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

	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		},
		{
			Role:    openai.ChatMessageRoleUser,
			Content: req.UserPrompt,
		},
	}

	result, err := retry.Run(ctx, c.policy, func() (*CompletionResponse, error) {
		resp, err := c.provider.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       c.model,
			Messages:    messages,
			Temperature: temperature,
			MaxTokens:   maxTokens,
		})
		if err != nil {
			if !embedding.IsRetryable(err) {
				return nil, retry.Permanent(fmt.Errorf("failed to create completion: %w", err))
			}
			return nil, fmt.Errorf("failed to create completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return nil, retry.Permanent(ErrEmptyCompletion)
		}

		return &CompletionResponse{
			Content: resp.Choices[0].Message.Content,
			Usage: Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}

	metrics.LLMTokensUsed.WithLabelValues(c.model, "prompt").Add(float64(result.Usage.PromptTokens))
	metrics.LLMTokensUsed.WithLabelValues(c.model, "completion").Add(float64(result.Usage.CompletionTokens))

	logger.Debug("LLM completion generated",
		zap.Int("prompt_tokens", result.Usage.PromptTokens),
		zap.Int("completion_tokens", result.Usage.CompletionTokens),
	)

	return result, nil
}
