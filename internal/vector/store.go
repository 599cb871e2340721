// Package vector defines the gateway to the vector-capable chunk store and
// the helpers shared by its backends.
package vector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/examprep/backend/internal/storage/models"
)

var (
	// ErrStoreUnavailable wraps transport and server failures so callers can
	// tell "store down" apart from "no relevant match".
	ErrStoreUnavailable  = errors.New("vector store unavailable")
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

const DefaultInsertBatchSize = 200

// Store persists chunk rows and answers similarity and metadata queries.
type Store interface {
	// InsertBatch writes rows in batches of the backend's ceiling. Each
	// batch is atomic; batches committed before a failure stay committed.
	InsertBatch(ctx context.Context, rows []models.ChunkRow) (int, error)
	// Search returns chunks with similarity >= threshold, most similar
	// first, at most matchCount of them.
	Search(ctx context.Context, query []float32, filter models.Filter, matchCount int, threshold float64) ([]models.RankedChunk, error)
	// FetchByFilter returns up to limit chunks matching filter, unranked.
	FetchByFilter(ctx context.Context, filter models.Filter, limit int) ([]models.RankedChunk, error)
	DeleteByDocument(ctx context.Context, key models.DocumentKey) (int, error)
	CountByDocument(ctx context.Context, key models.DocumentKey) (int, error)
	Close() error
}

func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

func CheckDimension(v []float32, dim int) error {
	if len(v) != dim {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, dim, len(v))
	}
	return nil
}

// CheckRows validates every row before anything is written.
func CheckRows(rows []models.ChunkRow, dim int) error {
	for i, r := range rows {
		if err := CheckDimension(r.Embedding, dim); err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
	}
	return nil
}

// Batches splits n items into [start, end) ranges of at most size.
func Batches(n, size int) [][2]int {
	if size <= 0 {
		size = DefaultInsertBatchSize
	}
	var out [][2]int
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		out = append(out, [2]int{start, end})
	}
	return out
}

func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Rank applies the threshold, sorts by descending similarity and truncates.
// Backends whose engine cannot apply the threshold itself call this on the
// raw hits.
func Rank(hits []models.RankedChunk, matchCount int, threshold float64) []models.RankedChunk {
	out := hits[:0:0]
	for _, h := range hits {
		if h.Similarity >= threshold {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if matchCount >= 0 && len(out) > matchCount {
		out = out[:matchCount]
	}
	return out
}

// Matches reports whether row satisfies filter.
func Matches(row models.ChunkRow, f models.Filter) bool {
	if f.Subject != "" && row.Subject != f.Subject {
		return false
	}
	if f.Level != "" && row.Level != f.Level {
		return false
	}
	if f.Type != "" && row.Type != f.Type {
		return false
	}
	if f.Year != nil && (row.Year == nil || *row.Year != *f.Year) {
		return false
	}
	return true
}

func SameDocument(row models.ChunkRow, key models.DocumentKey) bool {
	return row.Filename == key.Filename && row.Subject == key.Subject &&
		row.Level == key.Level && row.Type == key.Type
}

func ToRanked(row models.ChunkRow, similarity float64) models.RankedChunk {
	return models.RankedChunk{
		ID:         row.ID,
		Content:    row.Content,
		Similarity: similarity,
		Subject:    row.Subject,
		Level:      row.Level,
		Year:       row.Year,
		Type:       row.Type,
		Filename:   row.Filename,
	}
}
