package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/examprep/backend/internal/embedding"
	"github.com/examprep/backend/internal/metrics"
	"github.com/examprep/backend/internal/storage/models"
	"github.com/examprep/backend/internal/vector"
	"github.com/examprep/backend/pkg/logger"
	"github.com/examprep/backend/pkg/retry"
	"github.com/examprep/backend/pkg/utils"
)

// Separator joins chunk contents in the returned context.
const Separator = "\n\n---\n\n"

// MaxTopK caps the chunks a single request may ask for. Larger values are
// clamped; Milvus rejects searches above its own topK limit.
const MaxTopK = 50

var ErrInvalidRequest = errors.New("invalid retrieval request")

type Source string

const (
	SourceVector   Source = "vector"
	SourceFallback Source = "fallback"
	SourceNone     Source = "none"
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ContextCache stores vector-path results. Implemented by the redis cache client.
type ContextCache interface {
	GetContext(ctx context.Context, key string, dest any) (bool, error)
	SetContext(ctx context.Context, key string, value any, ttl time.Duration) error
}

type Config struct {
	TopK           int
	MatchThreshold float64
	DefaultType    models.DocType
	CacheTTL       time.Duration
}

type Request struct {
	Query   string
	Subject models.Subject
	Level   models.Level
	Type    models.DocType
	Year    *int
	TopK    int
}

type Result struct {
	Context string               `json:"context"`
	Source  Source               `json:"source"`
	Matches []models.RankedChunk `json:"matches"`
}

type Service struct {
	embedder Embedder
	store    vector.Store
	cfg      Config
	policy   retry.Policy
	cache    ContextCache
}

type Option func(*Service)

func WithPolicy(p retry.Policy) Option {
	return func(s *Service) { s.policy = p }
}

func WithCache(c ContextCache) Option {
	return func(s *Service) { s.cache = c }
}

func New(embedder Embedder, store vector.Store, cfg Config, opts ...Option) *Service {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	cfg.TopK = min(cfg.TopK, MaxTopK)
	if cfg.DefaultType == "" {
		cfg.DefaultType = models.DocTypeMarkscheme
	}
	s := &Service{
		embedder: embedder,
		store:    store,
		cfg:      cfg,
		policy:   retry.NoRetry{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Retrieve returns the context for a query. Only invalid requests and
// cancellation produce an error; store and provider failures degrade to the
// filtered fetch and then to an empty context.
func (s *Service) Retrieve(ctx context.Context, req Request) (Result, error) {
	req, err := s.normalize(req)
	if err != nil {
		return Result{}, err
	}

	start := time.Now()
	defer func() {
		metrics.RetrievalDuration.Observe(time.Since(start).Seconds())
	}()

	filter := models.Filter{Subject: req.Subject, Level: req.Level, Type: req.Type, Year: req.Year}
	fields := []zap.Field{
		zap.String("subject", string(req.Subject)),
		zap.String("level", string(req.Level)),
		zap.String("type", string(req.Type)),
		zap.Int("top_k", req.TopK),
	}

	key := s.cacheKey(req)
	if res, ok := s.cached(ctx, key); ok {
		return s.finish(res, fields), nil
	}

	matches, err := s.search(ctx, req, filter)
	if err == nil {
		res := build(SourceVector, matches)
		if len(matches) == 0 {
			res.Source = SourceNone
		} else {
			s.remember(ctx, key, res)
		}
		return s.finish(res, fields), nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, ctxErr
	}
	logger.Warn("Vector search failed, falling back to filtered fetch", append(fields, zap.Error(err))...)

	matches, err = s.store.FetchByFilter(ctx, filter, req.TopK)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		logger.Error("Filtered fetch failed, continuing without context", append(fields, zap.Error(err))...)
		return s.finish(Result{Source: SourceNone}, fields), nil
	}

	res := build(SourceFallback, matches)
	if len(matches) == 0 {
		res.Source = SourceNone
	}
	return s.finish(res, fields), nil
}

func (s *Service) normalize(req Request) (Request, error) {
	var err error
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return req, fmt.Errorf("%w: query is required", ErrInvalidRequest)
	}
	if req.Subject, err = models.ParseSubject(string(req.Subject)); err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.Level != "" {
		if req.Level, err = models.ParseLevel(string(req.Level)); err != nil {
			return req, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	if req.Type == "" {
		req.Type = s.cfg.DefaultType
	} else if req.Type, err = models.ParseDocType(string(req.Type)); err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.TopK <= 0 {
		req.TopK = s.cfg.TopK
	}
	req.TopK = min(req.TopK, MaxTopK)
	return req, nil
}

// search embeds the query and runs the similarity search, both under the policy.
func (s *Service) search(ctx context.Context, req Request, filter models.Filter) ([]models.RankedChunk, error) {
	query, err := retry.Run(ctx, s.policy, func() ([]float32, error) {
		v, err := s.embedder.Embed(ctx, req.Query)
		if err != nil && !embedding.IsRetryable(err) {
			return nil, retry.Permanent(err)
		}
		return v, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	matches, err := retry.Run(ctx, s.policy, func() ([]models.RankedChunk, error) {
		m, err := s.store.Search(ctx, query, filter, req.TopK, s.cfg.MatchThreshold)
		if errors.Is(err, vector.ErrDimensionMismatch) {
			return nil, retry.Permanent(err)
		}
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search vector store: %w", err)
	}
	return matches, nil
}

func build(source Source, matches []models.RankedChunk) Result {
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		parts = append(parts, m.Content)
	}
	return Result{
		Context: strings.Join(parts, Separator),
		Source:  source,
		Matches: matches,
	}
}

func (s *Service) finish(res Result, fields []zap.Field) Result {
	metrics.RetrievalTotal.WithLabelValues(string(res.Source)).Inc()
	metrics.RetrievalMatches.Observe(float64(len(res.Matches)))
	logger.Info("Context retrieved", append(fields,
		zap.String("source", string(res.Source)),
		zap.Int("matches", len(res.Matches)),
	)...)
	return res
}

func (s *Service) cacheKey(req Request) string {
	year := ""
	if req.Year != nil {
		year = strconv.Itoa(*req.Year)
	}
	return utils.HashParts(
		req.Query,
		string(req.Subject),
		string(req.Level),
		string(req.Type),
		year,
		strconv.Itoa(req.TopK),
		strconv.FormatFloat(s.cfg.MatchThreshold, 'f', -1, 64),
	)
}

func (s *Service) cached(ctx context.Context, key string) (Result, bool) {
	if s.cache == nil {
		return Result{}, false
	}
	var res Result
	ok, err := s.cache.GetContext(ctx, key, &res)
	if err != nil {
		logger.Warn("Context cache read failed", zap.Error(err))
		return Result{}, false
	}
	if !ok {
		metrics.CacheMisses.WithLabelValues("context").Inc()
		return Result{}, false
	}
	metrics.CacheHits.WithLabelValues("context").Inc()
	return res, true
}

// remember caches a vector-path result. Fallback results are never cached.
func (s *Service) remember(ctx context.Context, key string, res Result) {
	if s.cache == nil || s.cfg.CacheTTL <= 0 {
		return
	}
	if err := s.cache.SetContext(ctx, key, res, s.cfg.CacheTTL); err != nil {
		logger.Warn("Context cache write failed", zap.Error(err))
	}
}
