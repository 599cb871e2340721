package milvus

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/examprep/backend/internal/storage/models"
	"github.com/examprep/backend/internal/vector"
	"github.com/examprep/backend/pkg/logger"
)

var _ vector.Store = (*Store)(nil)

const (
	fieldID       = "chunk_id"
	fieldVector   = "embedding"
	fieldContent  = "content"
	fieldSubject  = "subject"
	fieldLevel    = "level"
	fieldYear     = "year"
	fieldType     = "doc_type"
	fieldFilename = "filename"

	// Milvus has no nullable scalars in this version; 0 stands for "no year".
	noYear = int64(0)

	maxQueryRows = 16384
)

var outputFields = []string{fieldID, fieldContent, fieldSubject, fieldLevel, fieldYear, fieldType, fieldFilename}

type Store struct {
	client         client.Client
	collectionName string
	vectorDim      int
	batchSize      int
}

type Config struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
	BatchSize      int
}

func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	var c client.Client
	var err error
	if cfg.APIKey != "" {
		c, err = client.NewClient(ctx, client.Config{Address: cfg.Endpoint, APIKey: cfg.APIKey})
	} else {
		c, err = client.NewGrpcClient(ctx, cfg.Endpoint)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("collection", cfg.CollectionName),
	)

	return NewWithClient(c, cfg), nil
}

// NewWithClient wraps an existing SDK client.
func NewWithClient(c client.Client, cfg Config) *Store {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = vector.DefaultInsertBatchSize
	}
	return &Store{
		client:         c,
		collectionName: cfg.CollectionName,
		vectorDim:      cfg.VectorDim,
		batchSize:      cfg.BatchSize,
	}
}

func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks that the server answers and the collection exists.
func (s *Store) Ping(ctx context.Context) error {
	has, err := s.client.HasCollection(ctx, s.collectionName)
	if err != nil {
		return vector.Unavailable("ping", err)
	}
	if !has {
		return vector.Unavailable("ping", fmt.Errorf("collection %s not found", s.collectionName))
	}
	return nil
}

// EnsureCollection creates, indexes and loads the collection if missing.
func (s *Store) EnsureCollection(ctx context.Context) error {
	has, err := s.client.HasCollection(ctx, s.collectionName)
	if err != nil {
		return vector.Unavailable("check collection", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", s.collectionName))
		return s.load(ctx)
	}

	varchar := func(name, maxLen string) *entity.Field {
		return &entity.Field{
			Name:       name,
			DataType:   entity.FieldTypeVarChar,
			TypeParams: map[string]string{"max_length": maxLen},
		}
	}

	schema := &entity.Schema{
		CollectionName: s.collectionName,
		Description:    "Exam document chunks",
		Fields: []*entity.Field{
			{
				Name:       fieldID,
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:       fieldVector,
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": fmt.Sprintf("%d", s.vectorDim)},
			},
			varchar(fieldContent, "65535"),
			varchar(fieldSubject, "64"),
			varchar(fieldLevel, "32"),
			{
				Name:     fieldYear,
				DataType: entity.FieldTypeInt64,
			},
			varchar(fieldType, "32"),
			varchar(fieldFilename, "512"),
		},
	}

	if err := s.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return vector.Unavailable("create collection", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.COSINE, 1024)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	if err := s.client.CreateIndex(ctx, s.collectionName, fieldVector, idx, false); err != nil {
		return vector.Unavailable("create index", err)
	}

	logger.Info("Collection created", zap.String("collection", s.collectionName))
	return s.load(ctx)
}

func (s *Store) load(ctx context.Context) error {
	if err := s.client.LoadCollection(ctx, s.collectionName, false); err != nil {
		return vector.Unavailable("load collection", err)
	}
	return nil
}

func (s *Store) InsertBatch(ctx context.Context, rows []models.ChunkRow) (int, error) {
	if err := vector.CheckRows(rows, s.vectorDim); err != nil {
		return 0, err
	}

	inserted := 0
	for _, b := range vector.Batches(len(rows), s.batchSize) {
		if err := s.insert(ctx, rows[b[0]:b[1]]); err != nil {
			return inserted, err
		}
		inserted += b[1] - b[0]
	}

	if inserted > 0 {
		if err := s.client.Flush(ctx, s.collectionName, false); err != nil {
			return inserted, vector.Unavailable("flush", err)
		}
	}

	logger.Debug("Chunks inserted into milvus", zap.Int("count", inserted))
	return inserted, nil
}

func (s *Store) insert(ctx context.Context, rows []models.ChunkRow) error {
	n := len(rows)
	ids := make([]string, n)
	embeddings := make([][]float32, n)
	contents := make([]string, n)
	subjects := make([]string, n)
	levels := make([]string, n)
	years := make([]int64, n)
	types := make([]string, n)
	filenames := make([]string, n)

	for i, r := range rows {
		ids[i] = r.ID
		if ids[i] == "" {
			ids[i] = uuid.NewString()
		}
		embeddings[i] = r.Embedding
		contents[i] = r.Content
		subjects[i] = string(r.Subject)
		levels[i] = string(r.Level)
		years[i] = noYear
		if r.Year != nil {
			years[i] = int64(*r.Year)
		}
		types[i] = string(r.Type)
		filenames[i] = r.Filename
	}

	_, err := s.client.Insert(
		ctx,
		s.collectionName,
		"",
		entity.NewColumnVarChar(fieldID, ids),
		entity.NewColumnFloatVector(fieldVector, s.vectorDim, embeddings),
		entity.NewColumnVarChar(fieldContent, contents),
		entity.NewColumnVarChar(fieldSubject, subjects),
		entity.NewColumnVarChar(fieldLevel, levels),
		entity.NewColumnInt64(fieldYear, years),
		entity.NewColumnVarChar(fieldType, types),
		entity.NewColumnVarChar(fieldFilename, filenames),
	)
	if err != nil {
		return vector.Unavailable("insert", err)
	}
	return nil
}

func (s *Store) Search(ctx context.Context, query []float32, filter models.Filter, matchCount int, threshold float64) ([]models.RankedChunk, error) {
	if err := vector.CheckDimension(query, s.vectorDim); err != nil {
		return nil, err
	}
	if matchCount <= 0 {
		return nil, nil
	}

	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	expr := filterExpr(filter)
	results, err := s.client.Search(
		ctx,
		s.collectionName,
		[]string{},
		expr,
		outputFields,
		[]entity.Vector{entity.FloatVector(query)},
		fieldVector,
		entity.COSINE,
		matchCount,
		sp,
	)
	if err != nil {
		return nil, vector.Unavailable("search", err)
	}

	var hits []models.RankedChunk
	for _, sr := range results {
		if sr.Err != nil {
			return nil, vector.Unavailable("search", sr.Err)
		}
		for i := 0; i < sr.ResultCount; i++ {
			hit, err := rowAt(sr.Fields, i)
			if err != nil {
				return nil, err
			}
			hit.Similarity = float64(sr.Scores[i])
			hits = append(hits, hit)
		}
	}

	ranked := vector.Rank(hits, matchCount, threshold)

	logger.Debug("Milvus search completed",
		zap.Int("match_count", matchCount),
		zap.Int("hits", len(hits)),
		zap.Int("results", len(ranked)),
		zap.String("filter", expr),
	)
	return ranked, nil
}

func (s *Store) FetchByFilter(ctx context.Context, filter models.Filter, limit int) ([]models.RankedChunk, error) {
	if limit <= 0 {
		return nil, nil
	}

	rs, err := s.client.Query(ctx, s.collectionName, []string{}, queryExpr(filterExpr(filter)), outputFields, client.WithLimit(int64(limit)))
	if err != nil {
		return nil, vector.Unavailable("query", err)
	}

	idCol := rs.GetColumn(fieldID)
	if idCol == nil {
		return nil, nil
	}
	out := make([]models.RankedChunk, 0, idCol.Len())
	for i := 0; i < idCol.Len() && len(out) < limit; i++ {
		row, err := rowAt(rs, i)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

func (s *Store) CountByDocument(ctx context.Context, key models.DocumentKey) (int, error) {
	rs, err := s.client.Query(ctx, s.collectionName, []string{}, documentExpr(key), []string{fieldID}, client.WithLimit(maxQueryRows))
	if err != nil {
		return 0, vector.Unavailable("count", err)
	}
	col := rs.GetColumn(fieldID)
	if col == nil {
		return 0, nil
	}
	return col.Len(), nil
}

func (s *Store) DeleteByDocument(ctx context.Context, key models.DocumentKey) (int, error) {
	n, err := s.CountByDocument(ctx, key)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if err := s.client.Delete(ctx, s.collectionName, "", documentExpr(key)); err != nil {
		return 0, vector.Unavailable("delete", err)
	}
	return n, nil
}

func rowAt(rs client.ResultSet, i int) (models.RankedChunk, error) {
	str := func(name string) (string, error) {
		col := rs.GetColumn(name)
		if col == nil {
			return "", fmt.Errorf("milvus result missing field %s", name)
		}
		return col.GetAsString(i)
	}

	var out models.RankedChunk
	var err error
	if out.ID, err = str(fieldID); err != nil {
		return out, err
	}
	if out.Content, err = str(fieldContent); err != nil {
		return out, err
	}
	var subject, level, docType string
	if subject, err = str(fieldSubject); err != nil {
		return out, err
	}
	if level, err = str(fieldLevel); err != nil {
		return out, err
	}
	if docType, err = str(fieldType); err != nil {
		return out, err
	}
	if out.Filename, err = str(fieldFilename); err != nil {
		return out, err
	}
	out.Subject = models.Subject(subject)
	out.Level = models.Level(level)
	out.Type = models.DocType(docType)

	if col := rs.GetColumn(fieldYear); col != nil {
		y, err := col.GetAsInt64(i)
		if err != nil {
			return out, err
		}
		if y != noYear {
			year := int(y)
			out.Year = &year
		}
	}
	return out, nil
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

func filterExpr(f models.Filter) string {
	var parts []string
	if f.Subject != "" {
		parts = append(parts, fieldSubject+" == "+quote(string(f.Subject)))
	}
	if f.Level != "" {
		parts = append(parts, fieldLevel+" == "+quote(string(f.Level)))
	}
	if f.Type != "" {
		parts = append(parts, fieldType+" == "+quote(string(f.Type)))
	}
	if f.Year != nil {
		parts = append(parts, fmt.Sprintf("%s == %d", fieldYear, *f.Year))
	}
	return strings.Join(parts, " && ")
}

// queryExpr returns an expression that matches every row when expr is
// empty; Query, unlike Search, rejects an empty expression.
func queryExpr(expr string) string {
	if expr == "" {
		return fieldID + ` != ""`
	}
	return expr
}

func documentExpr(k models.DocumentKey) string {
	return strings.Join([]string{
		fieldFilename + " == " + quote(k.Filename),
		fieldSubject + " == " + quote(string(k.Subject)),
		fieldLevel + " == " + quote(string(k.Level)),
		fieldType + " == " + quote(string(k.Type)),
	}, " && ")
}
