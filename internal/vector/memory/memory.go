package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/examprep/backend/internal/storage/models"
	"github.com/examprep/backend/internal/vector"
)

var _ vector.Store = (*Store)(nil)

// Store is an in-process vector store using brute-force cosine similarity.
type Store struct {
	mu        sync.RWMutex
	dimension int
	batchSize int
	rows      []models.ChunkRow
}

func New(dimension, batchSize int) *Store {
	if batchSize <= 0 {
		batchSize = vector.DefaultInsertBatchSize
	}
	return &Store{dimension: dimension, batchSize: batchSize}
}

func (s *Store) InsertBatch(ctx context.Context, rows []models.ChunkRow) (int, error) {
	if err := vector.CheckRows(rows, s.dimension); err != nil {
		return 0, err
	}

	inserted := 0
	for _, b := range vector.Batches(len(rows), s.batchSize) {
		if err := ctx.Err(); err != nil {
			return inserted, err
		}

		batch := make([]models.ChunkRow, 0, b[1]-b[0])
		for _, r := range rows[b[0]:b[1]] {
			if r.ID == "" {
				r.ID = uuid.NewString()
			}
			r.Embedding = append([]float32(nil), r.Embedding...)
			batch = append(batch, r)
		}

		s.mu.Lock()
		s.rows = append(s.rows, batch...)
		s.mu.Unlock()
		inserted += len(batch)
	}
	return inserted, nil
}

func (s *Store) Search(ctx context.Context, query []float32, filter models.Filter, matchCount int, threshold float64) ([]models.RankedChunk, error) {
	if err := vector.CheckDimension(query, s.dimension); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []models.RankedChunk
	for _, r := range s.rows {
		if !vector.Matches(r, filter) {
			continue
		}
		hits = append(hits, vector.ToRanked(r, vector.CosineSimilarity(query, r.Embedding)))
	}
	return vector.Rank(hits, matchCount, threshold), nil
}

func (s *Store) FetchByFilter(ctx context.Context, filter models.Filter, limit int) ([]models.RankedChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.RankedChunk
	for _, r := range s.rows {
		if len(out) >= limit {
			break
		}
		if vector.Matches(r, filter) {
			out = append(out, vector.ToRanked(r, 0))
		}
	}
	return out, nil
}

func (s *Store) DeleteByDocument(ctx context.Context, key models.DocumentKey) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.rows[:0]
	deleted := 0
	for _, r := range s.rows {
		if vector.SameDocument(r, key) {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	s.rows = kept
	return deleted, nil
}

func (s *Store) CountByDocument(ctx context.Context, key models.DocumentKey) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, r := range s.rows {
		if vector.SameDocument(r, key) {
			n++
		}
	}
	return n, nil
}

// Len returns the total number of stored rows.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

func (s *Store) Close() error { return nil }
