package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/examprep/backend/internal/metrics"
	"github.com/examprep/backend/pkg/logger"
	"github.com/examprep/backend/pkg/utils"
)

var (
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrBatchTooLarge     = errors.New("embedding batch exceeds provider ceiling")
	ErrMalformedResponse = errors.New("malformed embedding response")
)

// DimensionMismatchError reports a provider vector whose length differs from
// the configured model dimensionality.
type DimensionMismatchError struct {
	Expected int
	Actual   int
	Index    int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch at index %d: expected %d, got %d", e.Index, e.Expected, e.Actual)
}

func (e *DimensionMismatchError) Unwrap() error { return ErrDimensionMismatch }

// Provider is the subset of *openai.Client used here.
type Provider interface {
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// Cache stores query embeddings. Implemented by the redis cache client.
type Cache interface {
	GetEmbedding(ctx context.Context, key string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, key string, embedding []float32, ttl time.Duration) error
}

type Config struct {
	Model             string
	Dimension         int
	MaxBatchSize      int
	RequestsPerSecond float64
	Burst             int
	CacheTTL          time.Duration
	Timeout           time.Duration
}

type Client struct {
	provider     Provider
	model        string
	dimension    int
	maxBatchSize int
	timeout      time.Duration
	limiter      *rate.Limiter
	cache        Cache
	cacheTTL     time.Duration
}

type Option func(*Client)

// WithCache enables caching of single-text embeddings.
func WithCache(cache Cache) Option {
	return func(c *Client) { c.cache = cache }
}

func NewClient(provider Provider, cfg Config, opts ...Option) (*Client, error) {
	if provider == nil {
		return nil, fmt.Errorf("embedding provider is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedding model is required")
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", cfg.Dimension)
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 500
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := &Client{
		provider:     provider,
		model:        cfg.Model,
		dimension:    cfg.Dimension,
		maxBatchSize: cfg.MaxBatchSize,
		timeout:      cfg.Timeout,
		cacheTTL:     cfg.CacheTTL,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(c)
	}

	logger.Info("Embedding client initialized",
		zap.String("model", cfg.Model),
		zap.Int("dimension", cfg.Dimension),
		zap.Int("max_batch_size", cfg.MaxBatchSize),
		zap.Bool("cache", c.cache != nil),
	)

	return c, nil
}

// NewOpenAIProvider builds the go-openai client, honouring a custom base URL
// for compatible gateways.
func NewOpenAIProvider(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

func (c *Client) Model() string     { return c.model }
func (c *Client) Dimension() int    { return c.dimension }
func (c *Client) MaxBatchSize() int { return c.maxBatchSize }

// Embed returns the vector for one text, consulting the cache first.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	key := utils.HashParts(c.model, text)

	if c.cache != nil {
		cached, ok, err := c.cache.GetEmbedding(ctx, key)
		switch {
		case err != nil:
			logger.Warn("Embedding cache read failed", zap.Error(err))
		case ok && len(cached) == c.dimension:
			metrics.CacheHits.WithLabelValues("embedding").Inc()
			return cached, nil
		}
		metrics.CacheMisses.WithLabelValues("embedding").Inc()
	}

	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.SetEmbedding(ctx, key, vectors[0], c.cacheTTL); err != nil {
			logger.Warn("Embedding cache write failed", zap.Error(err))
		}
	}
	return vectors[0], nil
}

// EmbedBatch returns one vector per input text, in input order regardless of
// the order the provider answers in. Provider errors are returned unchanged.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) > c.maxBatchSize {
		return nil, fmt.Errorf("%w: %d texts, ceiling %d", ErrBatchTooLarge, len(texts), c.maxBatchSize)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.provider.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(c.model),
	})
	metrics.EmbeddingDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.EmbeddingRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.EmbeddingRequests.WithLabelValues("ok").Inc()
	metrics.EmbeddedTexts.Add(float64(len(texts)))

	vectors, err := c.order(resp.Data, len(texts))
	if err != nil {
		return nil, err
	}

	logger.Debug("Embeddings generated",
		zap.Int("count", len(vectors)),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
	)

	return vectors, nil
}

// order places each provider result at its Index and checks dimensionality.
func (c *Client) order(data []openai.Embedding, want int) ([][]float32, error) {
	if len(data) != want {
		return nil, fmt.Errorf("%w: expected %d embeddings, got %d", ErrMalformedResponse, want, len(data))
	}

	vectors := make([][]float32, want)
	for _, d := range data {
		if d.Index < 0 || d.Index >= want {
			return nil, fmt.Errorf("%w: index %d out of range", ErrMalformedResponse, d.Index)
		}
		if vectors[d.Index] != nil {
			return nil, fmt.Errorf("%w: duplicate index %d", ErrMalformedResponse, d.Index)
		}
		if len(d.Embedding) != c.dimension {
			return nil, &DimensionMismatchError{Expected: c.dimension, Actual: len(d.Embedding), Index: d.Index}
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

// IsRetryable reports whether err is worth retrying: rate limits, server
// errors and transport failures are; configuration and request errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDimensionMismatch) || errors.Is(err, ErrBatchTooLarge) || errors.Is(err, ErrMalformedResponse) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	return true
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500 || code == 0
}
