package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/examprep/backend/internal/storage/models"
	"github.com/examprep/backend/internal/vector"
	"github.com/examprep/backend/internal/vector/memory"
	"github.com/examprep/backend/pkg/retry"
)

type fakeEmbedder struct {
	vec   []float32
	errs  []error
	calls int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.vec, nil
}

// brokenSearch fails similarity search but serves filtered fetches.
type brokenSearch struct {
	vector.Store
	searchErr error
	fetchErr  error
	searches  int
	fetches   int
	lastLimit int
	lastYear  *int
}

func (b *brokenSearch) Search(ctx context.Context, query []float32, filter models.Filter, matchCount int, threshold float64) ([]models.RankedChunk, error) {
	b.searches++
	if b.searchErr != nil {
		return nil, b.searchErr
	}
	return b.Store.Search(ctx, query, filter, matchCount, threshold)
}

func (b *brokenSearch) FetchByFilter(ctx context.Context, filter models.Filter, limit int) ([]models.RankedChunk, error) {
	b.fetches++
	b.lastLimit = limit
	b.lastYear = filter.Year
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	return b.Store.FetchByFilter(ctx, filter, limit)
}

type mapCache struct {
	data   map[string][]byte
	getErr error
	sets   int
}

func (m *mapCache) GetContext(ctx context.Context, key string, dest any) (bool, error) {
	if m.getErr != nil {
		return false, m.getErr
	}
	b, ok := m.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, dest)
}

func (m *mapCache) SetContext(ctx context.Context, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.sets++
	m.data[key] = b
	return nil
}

func seeded(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.New(2, 0)
	y2019, y2020 := 2019, 2020
	rows := []models.ChunkRow{
		{Content: "M1 for differentiating", Embedding: []float32{1, 0}, Year: &y2019},
		{Content: "A1 for x = 3", Embedding: []float32{2, 1}, Year: &y2019},
		{Content: "B1 for sketch", Embedding: []float32{1, 1}, Year: &y2020},
		{Content: "unrelated", Embedding: []float32{0, 1}, Year: &y2020},
	}
	for i := range rows {
		rows[i].Subject = models.SubjectMaths
		rows[i].Level = models.LevelALevel
		rows[i].Type = models.DocTypeMarkscheme
		rows[i].Filename = "9709_ms.pdf"
	}
	paper := models.ChunkRow{Content: "Question 4", Embedding: []float32{1, 0}, Subject: models.SubjectMaths,
		Level: models.LevelALevel, Type: models.DocTypePaper, Filename: "9709_qp.pdf"}
	_, err := s.InsertBatch(context.Background(), append(rows, paper))
	require.NoError(t, err)
	return s
}

func cfg() Config {
	return Config{TopK: 5, MatchThreshold: 0.70, DefaultType: models.DocTypeMarkscheme, CacheTTL: time.Minute}
}

func TestRetrieveVectorPath(t *testing.T) {
	svc := New(&fakeEmbedder{vec: []float32{1, 0}}, seeded(t), cfg())

	res, err := svc.Retrieve(context.Background(), Request{Query: "differentiate y = x^3", Subject: models.SubjectMaths, Level: models.LevelALevel})
	require.NoError(t, err)

	assert.Equal(t, SourceVector, res.Source)
	require.Len(t, res.Matches, 3)
	assert.Equal(t, "M1 for differentiating"+Separator+"A1 for x = 3"+Separator+"B1 for sketch", res.Context)
	for _, m := range res.Matches {
		assert.Equal(t, models.DocTypeMarkscheme, m.Type, "Expected the default type filter")
		assert.GreaterOrEqual(t, m.Similarity, 0.70)
	}

	res, err = svc.Retrieve(context.Background(), Request{Query: "q", Subject: "Maths", TopK: 1})
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "M1 for differentiating", res.Context)

	res, err = svc.Retrieve(context.Background(), Request{Query: "q", Subject: models.SubjectMaths, Type: models.DocTypePaper})
	require.NoError(t, err)
	assert.Equal(t, "Question 4", res.Context)
}

func TestRetrieveClampsTopK(t *testing.T) {
	store := &brokenSearch{Store: seeded(t), searchErr: errors.New("topk exceeds limit")}
	svc := New(&fakeEmbedder{vec: []float32{1, 0}}, store, Config{TopK: 500})

	_, err := svc.Retrieve(context.Background(), Request{Query: "q", Subject: models.SubjectMaths})
	require.NoError(t, err)
	assert.Equal(t, MaxTopK, store.lastLimit, "Expected the configured default to be clamped")

	_, err = svc.Retrieve(context.Background(), Request{Query: "q", Subject: models.SubjectMaths, TopK: 100000})
	require.NoError(t, err)
	assert.Equal(t, MaxTopK, store.lastLimit)
}

func TestRetrieveNoMatchesIsNotAFallback(t *testing.T) {
	store := &brokenSearch{Store: seeded(t)}
	svc := New(&fakeEmbedder{vec: []float32{-1, 0}}, store, cfg())

	res, err := svc.Retrieve(context.Background(), Request{Query: "q", Subject: models.SubjectMaths})
	require.NoError(t, err)
	assert.Equal(t, SourceNone, res.Source)
	assert.Empty(t, res.Context)
	assert.Equal(t, 0, store.fetches, "Expected an empty search to skip the fallback")
}

func TestRetrieveFallsBackWhenSearchFails(t *testing.T) {
	store := &brokenSearch{Store: seeded(t), searchErr: vector.Unavailable("search", errors.New("connection refused"))}
	svc := New(&fakeEmbedder{vec: []float32{1, 0}}, store, cfg())
	year := 2020

	res, err := svc.Retrieve(context.Background(), Request{Query: "q", Subject: models.SubjectMaths, Level: models.LevelALevel, Year: &year, TopK: 3})
	require.NoError(t, err)

	assert.Equal(t, SourceFallback, res.Source)
	assert.Equal(t, 1, store.searches)
	assert.Equal(t, 1, store.fetches)
	assert.Equal(t, 3, store.lastLimit)
	require.NotNil(t, store.lastYear)
	assert.Equal(t, 2020, *store.lastYear)
	require.Len(t, res.Matches, 2)
	assert.Equal(t, "B1 for sketch"+Separator+"unrelated", res.Context)
}

func TestRetrieveFallsBackWhenEmbeddingFails(t *testing.T) {
	store := &brokenSearch{Store: seeded(t)}
	svc := New(&fakeEmbedder{errs: []error{errors.New("429 too many requests")}}, store, cfg())

	res, err := svc.Retrieve(context.Background(), Request{Query: "q", Subject: models.SubjectMaths})
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, res.Source)
	assert.Equal(t, 0, store.searches)
	assert.Len(t, res.Matches, 4)
}

func TestRetrieveSoftFailsWhenEverythingFails(t *testing.T) {
	store := &brokenSearch{
		Store:     seeded(t),
		searchErr: vector.Unavailable("search", errors.New("down")),
		fetchErr:  vector.Unavailable("fetch", errors.New("down")),
	}
	svc := New(&fakeEmbedder{vec: []float32{1, 0}}, store, cfg())

	res, err := svc.Retrieve(context.Background(), Request{Query: "q", Subject: models.SubjectMaths})
	require.NoError(t, err)
	assert.Equal(t, SourceNone, res.Source)
	assert.Empty(t, res.Context)
}

func TestRetrieveRetriesTransientFailures(t *testing.T) {
	policy := retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1, Logger: zap.NewNop()}
	embedder := &fakeEmbedder{vec: []float32{1, 0}, errs: []error{errors.New("timeout")}}
	svc := New(embedder, seeded(t), cfg(), WithPolicy(policy))

	res, err := svc.Retrieve(context.Background(), Request{Query: "q", Subject: models.SubjectMaths})
	require.NoError(t, err)
	assert.Equal(t, SourceVector, res.Source)
	assert.Equal(t, 2, embedder.calls)
}

func TestRetrieveRejectsInvalidRequests(t *testing.T) {
	svc := New(&fakeEmbedder{vec: []float32{1, 0}}, seeded(t), cfg())

	tests := []struct {
		name string
		req  Request
	}{
		{"Empty query", Request{Query: "  ", Subject: models.SubjectMaths}},
		{"Missing subject", Request{Query: "q"}},
		{"Unknown level", Request{Query: "q", Subject: models.SubjectMaths, Level: "degree"}},
		{"Unknown type", Request{Query: "q", Subject: models.SubjectMaths, Type: "notes"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Retrieve(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestRetrieveCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := &brokenSearch{Store: seeded(t)}
	svc := New(&fakeEmbedder{vec: []float32{1, 0}}, store, cfg())

	_, err := svc.Retrieve(ctx, Request{Query: "q", Subject: models.SubjectMaths})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, store.fetches)
}

func TestRetrieveCache(t *testing.T) {
	t.Run("Vector results are served from cache", func(t *testing.T) {
		cache := &mapCache{data: map[string][]byte{}}
		embedder := &fakeEmbedder{vec: []float32{1, 0}}
		svc := New(embedder, seeded(t), cfg(), WithCache(cache))
		req := Request{Query: "q", Subject: models.SubjectMaths}

		first, err := svc.Retrieve(context.Background(), req)
		require.NoError(t, err)
		second, err := svc.Retrieve(context.Background(), req)
		require.NoError(t, err)

		assert.Equal(t, 1, embedder.calls)
		assert.Equal(t, 1, cache.sets)
		assert.Equal(t, first.Context, second.Context)
		assert.Equal(t, SourceVector, second.Source)
	})

	t.Run("Fallback results are not cached", func(t *testing.T) {
		cache := &mapCache{data: map[string][]byte{}}
		store := &brokenSearch{Store: seeded(t), searchErr: errors.New("down")}
		svc := New(&fakeEmbedder{vec: []float32{1, 0}}, store, cfg(), WithCache(cache))

		_, err := svc.Retrieve(context.Background(), Request{Query: "q", Subject: models.SubjectMaths})
		require.NoError(t, err)
		assert.Equal(t, 0, cache.sets)
	})

	t.Run("Cache errors do not fail retrieval", func(t *testing.T) {
		cache := &mapCache{data: map[string][]byte{}, getErr: errors.New("redis: connection refused")}
		svc := New(&fakeEmbedder{vec: []float32{1, 0}}, seeded(t), cfg(), WithCache(cache))

		res, err := svc.Retrieve(context.Background(), Request{Query: "q", Subject: models.SubjectMaths})
		require.NoError(t, err)
		assert.Equal(t, SourceVector, res.Source)
	})
}
