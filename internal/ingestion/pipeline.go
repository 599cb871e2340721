package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/examprep/backend/internal/chunker"
	"github.com/examprep/backend/internal/embedding"
	"github.com/examprep/backend/internal/extract"
	"github.com/examprep/backend/internal/metrics"
	"github.com/examprep/backend/internal/storage/models"
	"github.com/examprep/backend/internal/vector"
	"github.com/examprep/backend/pkg/logger"
	"github.com/examprep/backend/pkg/retry"
)

type Stage string

const (
	StageReceived  Stage = "received"
	StageExtracted Stage = "extracted"
	StageChunked   Stage = "chunked"
	StageEmbedded  Stage = "embedded"
	StageReplaced  Stage = "replaced"
	StageStored    Stage = "stored"
	StageDone      Stage = "done"
	StageFailed    Stage = "failed"
)

// ProviderError wraps a failure of the embedding provider or the vector
// store. Rows inserted before the failure are left in place.
type ProviderError struct {
	Op    string
	Stage Stage
	Err   error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s failed after %s stage: %v", e.Op, e.Stage, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsInputError reports whether err was caused by the upload itself rather
// than by a downstream service.
func IsInputError(err error) bool {
	return errors.Is(err, models.ErrInvalidMetadata) ||
		errors.Is(err, extract.ErrEmptyDocument) ||
		errors.Is(err, extract.ErrUnsupportedFormat) ||
		errors.Is(err, chunker.ErrInvalidChunkConfig)
}

// IsConfigError reports whether err comes from embeddings whose
// dimensionality disagrees with the configured model or store schema.
func IsConfigError(err error) bool {
	return errors.Is(err, embedding.ErrDimensionMismatch) ||
		errors.Is(err, vector.ErrDimensionMismatch)
}

type TextExtractor interface {
	Extract(data []byte) (string, error)
}

type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	MaxBatchSize() int
}

// Registry records every ingestion attempt.
type Registry interface {
	StartIngestion(ctx context.Context, rec *models.IngestionRecord) error
	FinishIngestion(ctx context.Context, rec *models.IngestionRecord) error
}

type CacheInvalidator interface {
	InvalidateContexts(ctx context.Context) error
}

type Result struct {
	ChunkCount int  `json:"chunks"`
	Replaced   bool `json:"replaced"`
}

type Pipeline struct {
	extractor   TextExtractor
	chunker     *chunker.Chunker
	embedder    Embedder
	store       vector.Store
	policy      retry.Policy
	locks       *keyLocks
	registry    Registry
	invalidator CacheInvalidator
}

type Option func(*Pipeline)

// WithPolicy sets the recovery strategy applied to every embedding and store call.
func WithPolicy(p retry.Policy) Option {
	return func(pl *Pipeline) { pl.policy = p }
}

func WithRegistry(r Registry) Option {
	return func(pl *Pipeline) { pl.registry = r }
}

func WithCacheInvalidator(c CacheInvalidator) Option {
	return func(pl *Pipeline) { pl.invalidator = c }
}

// WithSerializedKeys controls whether uploads of the same document key wait
// for each other. Enabled by default.
func WithSerializedKeys(enabled bool) Option {
	return func(pl *Pipeline) {
		if enabled {
			pl.locks = newKeyLocks()
		} else {
			pl.locks = nil
		}
	}
}

func New(extractor TextExtractor, ch *chunker.Chunker, embedder Embedder, store vector.Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		extractor: extractor,
		chunker:   ch,
		embedder:  embedder,
		store:     store,
		policy:    retry.NoRetry{},
		locks:     newKeyLocks(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type run struct {
	meta  models.DocumentMeta
	rec   *models.IngestionRecord
	start time.Time
	stage Stage
	// deleting is set once existing chunks may have been removed.
	deleting bool
}

func (r *run) fields() []zap.Field {
	return []zap.Field{
		zap.String("ingestion_id", r.rec.ID),
		zap.String("filename", r.meta.Filename),
		zap.String("subject", string(r.meta.Subject)),
		zap.String("level", string(r.meta.Level)),
		zap.String("type", string(r.meta.Type)),
	}
}

// Ingest extracts, chunks, embeds and stores one document, replacing any
// chunks already stored under the same key.
func (p *Pipeline) Ingest(ctx context.Context, data []byte, meta models.DocumentMeta) (Result, error) {
	meta, err := meta.Normalized()
	if err != nil {
		return Result{}, err
	}

	r := &run{
		meta:  meta,
		start: time.Now(),
		rec: &models.IngestionRecord{
			ID:        uuid.NewString(),
			Filename:  meta.Filename,
			Subject:   meta.Subject,
			Level:     meta.Level,
			Year:      meta.Year,
			Type:      meta.Type,
			Status:    models.IngestionRunning,
			StartedAt: time.Now().UTC(),
		},
	}
	p.transition(r, StageReceived, zap.Int("bytes", len(data)))
	p.record(ctx, r, true)

	res, err := p.ingest(ctx, data, r)
	if err != nil {
		p.fail(ctx, r, err)
		// Cached contexts may still quote the deleted chunks.
		if r.deleting {
			p.invalidate(ctx, r)
		}
		return Result{}, err
	}

	r.rec.ChunkCount = res.ChunkCount
	r.rec.Replaced = res.Replaced
	r.rec.Status = models.IngestionDone
	p.transition(r, StageDone, zap.Int("chunks", res.ChunkCount), zap.Bool("replaced", res.Replaced))
	p.record(ctx, r, false)

	metrics.IngestionDuration.WithLabelValues("done").Observe(time.Since(r.start).Seconds())
	metrics.IngestionChunks.Observe(float64(res.ChunkCount))
	if res.Replaced {
		metrics.DocumentsReplaced.Inc()
	}

	p.invalidate(ctx, r)

	return res, nil
}

func (p *Pipeline) invalidate(ctx context.Context, r *run) {
	if p.invalidator == nil {
		return
	}
	if err := p.invalidator.InvalidateContexts(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("Failed to invalidate retrieval cache", append(r.fields(), zap.Error(err))...)
	}
}

func (p *Pipeline) ingest(ctx context.Context, data []byte, r *run) (Result, error) {
	text, err := p.extractor.Extract(data)
	if err != nil {
		return Result{}, err
	}
	p.transition(r, StageExtracted, zap.Int("characters", len([]rune(text))))

	chunks, err := p.chunker.Chunk(text)
	if err != nil {
		return Result{}, err
	}
	p.transition(r, StageChunked, zap.Int("chunks", len(chunks)))

	embeddings, err := p.embed(ctx, chunks)
	if err != nil {
		return Result{}, providerErr("embedding", r.stage, err)
	}
	p.transition(r, StageEmbedded, zap.Int("embeddings", len(embeddings)))

	if p.locks != nil {
		unlock, err := p.locks.lock(ctx, r.meta.Key().String())
		if err != nil {
			return Result{}, err
		}
		defer unlock()
	}

	replaced, err := p.replace(ctx, r)
	if err != nil {
		return Result{}, providerErr("vector store", r.stage, err)
	}

	rows := make([]models.ChunkRow, len(chunks))
	for i, content := range chunks {
		rows[i] = models.ChunkRow{
			ID:        uuid.NewString(),
			Content:   content,
			Embedding: embeddings[i],
			Subject:   r.meta.Subject,
			Level:     r.meta.Level,
			Year:      r.meta.Year,
			Type:      r.meta.Type,
			Filename:  r.meta.Filename,
		}
	}

	inserted := 0
	err = p.policy.Execute(ctx, func() error {
		n, err := p.store.InsertBatch(ctx, rows[inserted:])
		inserted += n
		return storeErr(err)
	})
	if err != nil {
		logger.Error("Chunk insert aborted, earlier batches remain stored",
			append(r.fields(), zap.Int("inserted", inserted), zap.Int("total", len(rows)))...)
		return Result{}, providerErr("vector store", r.stage, err)
	}
	p.transition(r, StageStored, zap.Int("rows", inserted))

	return Result{ChunkCount: len(rows), Replaced: replaced}, nil
}

// embed sends chunks to the provider in sequential batches of at most the
// client's ceiling, keeping chunk order.
func (p *Pipeline) embed(ctx context.Context, chunks []string) ([][]float32, error) {
	size := p.embedder.MaxBatchSize()
	out := make([][]float32, 0, len(chunks))

	for _, b := range vector.Batches(len(chunks), size) {
		batch := chunks[b[0]:b[1]]
		vectors, err := retry.Run(ctx, p.policy, func() ([][]float32, error) {
			v, err := p.embedder.EmbedBatch(ctx, batch)
			if err != nil && !embedding.IsRetryable(err) {
				return nil, retry.Permanent(err)
			}
			return v, err
		})
		if err != nil {
			return nil, err
		}
		if len(vectors) != len(batch) {
			return nil, fmt.Errorf("%w: expected %d embeddings, got %d", embedding.ErrMalformedResponse, len(batch), len(vectors))
		}
		out = append(out, vectors...)
	}
	return out, nil
}

// replace deletes existing chunks for the document key and reports whether any existed.
func (p *Pipeline) replace(ctx context.Context, r *run) (bool, error) {
	key := r.meta.Key()

	existing, err := retry.Run(ctx, p.policy, func() (int, error) {
		n, err := p.store.CountByDocument(ctx, key)
		return n, storeErr(err)
	})
	if err != nil {
		return false, err
	}
	if existing == 0 {
		return false, nil
	}

	r.deleting = true
	deleted, err := retry.Run(ctx, p.policy, func() (int, error) {
		n, err := p.store.DeleteByDocument(ctx, key)
		return n, storeErr(err)
	})
	if err != nil {
		return false, err
	}
	p.transition(r, StageReplaced, zap.Int("deleted", deleted))
	return true, nil
}

// providerErr wraps err as a ProviderError unless it is a configuration
// error, which no provider recovery can fix.
func providerErr(op string, stage Stage, err error) error {
	if IsConfigError(err) {
		return fmt.Errorf("%s failed after %s stage: %w", op, stage, err)
	}
	return &ProviderError{Op: op, Stage: stage, Err: err}
}

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, vector.ErrDimensionMismatch) || errors.Is(err, context.Canceled) {
		return retry.Permanent(err)
	}
	return err
}

func (p *Pipeline) transition(r *run, stage Stage, fields ...zap.Field) {
	r.stage = stage
	metrics.IngestionTransitions.WithLabelValues(string(stage)).Inc()
	logger.Info("Ingestion "+string(stage), append(r.fields(), fields...)...)
}

func (p *Pipeline) fail(ctx context.Context, r *run, err error) {
	failedAt := r.stage
	r.stage = StageFailed
	metrics.IngestionTransitions.WithLabelValues(string(StageFailed)).Inc()
	metrics.IngestionDuration.WithLabelValues("failed").Observe(time.Since(r.start).Seconds())
	logger.Error("Ingestion failed", append(r.fields(), zap.String("after", string(failedAt)), zap.Error(err))...)

	r.rec.Status = models.IngestionFailed
	r.rec.Error = err.Error()
	p.record(ctx, r, false)
}

// record writes to the registry. Registry failures never fail an ingestion.
func (p *Pipeline) record(ctx context.Context, r *run, start bool) {
	if p.registry == nil {
		return
	}
	// The caller's context may already be cancelled when the run failed.
	ctx = context.WithoutCancel(ctx)

	var err error
	if start {
		err = p.registry.StartIngestion(ctx, r.rec)
	} else {
		finished := time.Now().UTC()
		r.rec.FinishedAt = &finished
		err = p.registry.FinishIngestion(ctx, r.rec)
	}
	if err != nil {
		logger.Warn("Failed to record ingestion", append(r.fields(), zap.Error(err))...)
	}
}
