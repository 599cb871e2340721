package vector

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/examprep/backend/internal/metrics"
	"github.com/examprep/backend/internal/storage/models"
	"github.com/examprep/backend/pkg/logger"
)

type instrumented struct {
	backend string
	next    Store
}

// Instrument records prometheus metrics for every call on s.
func Instrument(backend string, s Store) Store {
	return &instrumented{backend: backend, next: s}
}

func (s *instrumented) observe(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		logger.Debug("Vector store operation failed",
			zap.String("backend", s.backend),
			zap.String("op", op),
			zap.Error(err),
		)
	}
	metrics.VectorStoreOps.WithLabelValues(s.backend, op, status).Inc()
	metrics.VectorStoreDuration.WithLabelValues(s.backend, op).Observe(time.Since(start).Seconds())
}

func (s *instrumented) InsertBatch(ctx context.Context, rows []models.ChunkRow) (int, error) {
	start := time.Now()
	n, err := s.next.InsertBatch(ctx, rows)
	s.observe("insert", start, err)
	return n, err
}

func (s *instrumented) Search(ctx context.Context, query []float32, filter models.Filter, matchCount int, threshold float64) ([]models.RankedChunk, error) {
	start := time.Now()
	out, err := s.next.Search(ctx, query, filter, matchCount, threshold)
	s.observe("search", start, err)
	return out, err
}

func (s *instrumented) FetchByFilter(ctx context.Context, filter models.Filter, limit int) ([]models.RankedChunk, error) {
	start := time.Now()
	out, err := s.next.FetchByFilter(ctx, filter, limit)
	s.observe("fetch", start, err)
	return out, err
}

func (s *instrumented) DeleteByDocument(ctx context.Context, key models.DocumentKey) (int, error) {
	start := time.Now()
	n, err := s.next.DeleteByDocument(ctx, key)
	s.observe("delete", start, err)
	return n, err
}

func (s *instrumented) CountByDocument(ctx context.Context, key models.DocumentKey) (int, error) {
	start := time.Now()
	n, err := s.next.CountByDocument(ctx, key)
	s.observe("count", start, err)
	return n, err
}

func (s *instrumented) Close() error {
	return s.next.Close()
}
