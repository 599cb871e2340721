// Package app builds every service from configuration. Both binaries share
// it so that no provider or store client lives in a package-level variable.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/examprep/backend/internal/api/handlers"
	"github.com/examprep/backend/internal/cache/redis"
	"github.com/examprep/backend/internal/chunker"
	"github.com/examprep/backend/internal/embedding"
	"github.com/examprep/backend/internal/extract"
	"github.com/examprep/backend/internal/fetch"
	"github.com/examprep/backend/internal/ingestion"
	"github.com/examprep/backend/internal/llm"
	"github.com/examprep/backend/internal/marking"
	"github.com/examprep/backend/internal/metrics"
	"github.com/examprep/backend/internal/retrieval"
	"github.com/examprep/backend/internal/storage/models"
	"github.com/examprep/backend/internal/storage/sqlite"
	"github.com/examprep/backend/internal/vector"
	"github.com/examprep/backend/internal/vector/memory"
	"github.com/examprep/backend/internal/vector/milvus"
	"github.com/examprep/backend/internal/vector/pgvector"
	"github.com/examprep/backend/pkg/circuitbreaker"
	"github.com/examprep/backend/pkg/config"
	"github.com/examprep/backend/pkg/logger"
	"github.com/examprep/backend/pkg/retry"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type App struct {
	Config    *config.Config
	Store     vector.Store
	Embedder  *embedding.Client
	Pipeline  *ingestion.Pipeline
	Retrieval *retrieval.Service
	Marking   *marking.Service
	Registry  *sqlite.Client
	Fetcher   *fetch.Client

	// Cache is nil when redis is disabled or unreachable.
	Cache *redis.Client

	checks  map[string]handlers.Check
	closers []func() error
}

// New connects to every configured backend. On error, anything already
// opened is closed again.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{
		Config: cfg,
		checks: make(map[string]handlers.Check),
	}
	if err := a.build(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config) error {
	if err := a.openRegistry(cfg.SQLite); err != nil {
		return err
	}

	if cfg.Redis.Enabled {
		a.openCache(ctx, cfg.Redis)
	}

	if err := a.openStore(ctx, cfg); err != nil {
		return err
	}

	var err error
	var embedOpts []embedding.Option
	if a.Cache != nil {
		embedOpts = append(embedOpts, embedding.WithCache(a.Cache))
	}
	a.Embedder, err = embedding.NewClient(
		embedding.NewOpenAIProvider(cfg.Embedding.APIKey, cfg.Embedding.BaseURL),
		embedding.Config{
			Model:             cfg.Embedding.Model,
			Dimension:         cfg.Embedding.Dimension,
			MaxBatchSize:      cfg.Embedding.MaxBatchSize,
			RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
			Burst:             cfg.Embedding.Burst,
			CacheTTL:          cfg.Embedding.CacheTTL,
			Timeout:           time.Duration(cfg.Embedding.TimeoutSec) * time.Second,
		},
		embedOpts...,
	)
	if err != nil {
		return fmt.Errorf("failed to create embedding client: %w", err)
	}

	ch, err := chunker.New(cfg.Chunking.Size, cfg.Chunking.Overlap)
	if err != nil {
		return err
	}

	pipelineOpts := []ingestion.Option{
		ingestion.WithPolicy(Policy("ingestion", cfg.Retry)),
		ingestion.WithRegistry(a.Registry),
		ingestion.WithSerializedKeys(cfg.Ingestion.SerializeSameKey),
	}
	if a.Cache != nil {
		pipelineOpts = append(pipelineOpts, ingestion.WithCacheInvalidator(a.Cache))
	}
	a.Pipeline = ingestion.New(extract.New(), ch, a.Embedder, a.Store, pipelineOpts...)

	defaultType, err := models.ParseDocType(cfg.Retrieval.DefaultType)
	if err != nil {
		return fmt.Errorf("invalid retrieval.defaultType: %w", err)
	}
	retrievalOpts := []retrieval.Option{
		retrieval.WithPolicy(Policy("retrieval", cfg.Retry)),
	}
	if a.Cache != nil {
		retrievalOpts = append(retrievalOpts, retrieval.WithCache(a.Cache))
	}
	a.Retrieval = retrieval.New(a.Embedder, a.Store, retrieval.Config{
		TopK:           cfg.Retrieval.TopK,
		MatchThreshold: cfg.Vector.MatchThreshold,
		DefaultType:    defaultType,
		CacheTTL:       cfg.Retrieval.ContextCacheTTL,
	}, retrievalOpts...)

	completer := llm.NewClient(
		embedding.NewOpenAIProvider(cfg.LLM.APIKey, cfg.LLM.BaseURL),
		llm.Config{
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
			Timeout:     time.Duration(cfg.LLM.TimeoutSec) * time.Second,
		},
		Policy("llm", cfg.Retry),
	)
	a.Marking = marking.NewService(a.Retrieval, completer)

	a.Fetcher = fetch.NewClient(
		time.Duration(cfg.Ingestion.FetchTimeoutSec)*time.Second,
		int64(cfg.Ingestion.MaxUploadBytes),
	)

	logger.Info("Services initialized",
		zap.String("vector_backend", cfg.Vector.Backend),
		zap.Bool("cache", a.Cache != nil),
		zap.Int("chunk_size", cfg.Chunking.Size),
		zap.Int("chunk_overlap", cfg.Chunking.Overlap),
	)

	return nil
}

func (a *App) openRegistry(cfg config.SQLiteConfig) error {
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create registry directory: %w", err)
		}
	}

	registry, err := sqlite.NewClient(cfg.Path)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, registry.Close)

	if err := registry.InitSchema(); err != nil {
		return err
	}

	a.Registry = registry
	a.checks["registry"] = registry.Ping
	return nil
}

// openCache leaves a.Cache nil when redis cannot be reached; retrieval and
// embedding work without it.
func (a *App) openCache(ctx context.Context, cfg config.RedisConfig) {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	cache, err := redis.NewClient(pingCtx, cfg.Host, cfg.Port, cfg.Password, cfg.DB)
	if err != nil {
		logger.Warn("Redis unavailable, continuing without cache", zap.Error(err))
		return
	}

	a.Cache = cache
	a.closers = append(a.closers, cache.Close)
	a.checks["cache"] = cache.Ping
}

func (a *App) openStore(ctx context.Context, cfg *config.Config) error {
	var store vector.Store

	switch cfg.Vector.Backend {
	case "pgvector":
		s, err := pgvector.Open(ctx, pgvector.Config{
			DSN:          cfg.Postgres.DSN,
			Dimension:    cfg.Embedding.Dimension,
			BatchSize:    cfg.Vector.InsertBatchSize,
			MaxOpenConns: cfg.Postgres.MaxOpenConns,
		})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, s.Close)
		if cfg.Postgres.CreateSchema {
			if err := s.InitSchema(ctx); err != nil {
				return err
			}
		}
		store = s

	case "milvus":
		s, err := milvus.NewStore(ctx, milvus.Config{
			Endpoint:       cfg.Milvus.Endpoint,
			APIKey:         cfg.Milvus.APIKey,
			CollectionName: cfg.Milvus.CollectionName,
			VectorDim:      cfg.Embedding.Dimension,
			BatchSize:      cfg.Vector.InsertBatchSize,
		})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, s.Close)
		if err := s.EnsureCollection(ctx); err != nil {
			return err
		}
		store = s

	case "memory":
		logger.Warn("Using in-memory vector store; chunks are lost on restart")
		store = memory.New(cfg.Embedding.Dimension, cfg.Vector.InsertBatchSize)

	default:
		return fmt.Errorf("unknown vector backend %q", cfg.Vector.Backend)
	}

	if p, ok := store.(pinger); ok {
		a.checks["vector_store"] = p.Ping
	}
	a.Store = vector.Instrument(cfg.Vector.Backend, store)
	return nil
}

// Checks returns the readiness probe for each connected dependency.
func (a *App) Checks() map[string]handlers.Check {
	out := make(map[string]handlers.Check, len(a.checks))
	for name, check := range a.checks {
		out[name] = check
	}
	return out
}

// Close releases backends in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Policy wraps a backoff loop in a circuit breaker named after the caller.
func Policy(name string, cfg config.RetryConfig) retry.Policy {
	backoff := retry.Config{
		MaxAttempts:    cfg.MaxAttempts,
		InitialDelay:   cfg.InitialDelay,
		MaxDelay:       cfg.MaxDelay,
		Multiplier:     cfg.Multiplier,
		JitterFraction: cfg.JitterFraction,
		Logger:         logger.GetLogger(),
	}
	if cfg.MaxAttempts <= 1 {
		backoff.MaxAttempts = 1
	}

	breaker := circuitbreaker.NewCircuitBreaker(name, circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		Timeout:          cfg.BreakerTimeout,
		Logger:           logger.GetLogger(),
		OnStateChange: func(name string, _, to circuitbreaker.State) {
			metrics.ProviderCircuitState.WithLabelValues(name).Set(float64(to))
		},
	})

	return retry.Chain(breaker, backoff)
}
