package pgvector

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/examprep/backend/internal/storage/models"
	"github.com/examprep/backend/internal/vector"
	"github.com/examprep/backend/pkg/logger"
)

//go:embed schema.sql
var schemaSQL string

var _ vector.Store = (*Store)(nil)

type Config struct {
	DSN          string
	Dimension    int
	BatchSize    int
	MaxOpenConns int
}

// Store keeps chunks in a Postgres document_chunks table and ranks them with
// the match_document_chunks function.
type Store struct {
	db        *sql.DB
	dimension int
	batchSize int
}

func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, vector.Unavailable("ping", err)
	}

	logger.Info("Postgres vector store initialized", zap.Int("dimension", cfg.Dimension))

	return New(db, cfg), nil
}

func New(db *sql.DB, cfg Config) *Store {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = vector.DefaultInsertBatchSize
	}
	return &Store{db: db, dimension: cfg.Dimension, batchSize: cfg.BatchSize}
}

// Schema returns the DDL for the configured dimension.
func Schema(dimension int) string {
	return strings.ReplaceAll(schemaSQL, ":dimension", strconv.Itoa(dimension))
}

// InitSchema creates the extension, table, indexes and match function.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema(s.dimension)); err != nil {
		return fmt.Errorf("failed to create vector schema: %w", err)
	}
	logger.Info("Vector schema ensured", zap.Int("dimension", s.dimension))
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return vector.Unavailable("ping", err)
	}
	return nil
}

func (s *Store) InsertBatch(ctx context.Context, rows []models.ChunkRow) (int, error) {
	if err := vector.CheckRows(rows, s.dimension); err != nil {
		return 0, err
	}

	inserted := 0
	for _, b := range vector.Batches(len(rows), s.batchSize) {
		if err := s.insertTx(ctx, rows[b[0]:b[1]]); err != nil {
			return inserted, err
		}
		inserted += b[1] - b[0]
	}
	return inserted, nil
}

func (s *Store) insertTx(ctx context.Context, rows []models.ChunkRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return vector.Unavailable("begin", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO document_chunks (id, content, embedding, subject, level, year, type, filename)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
	if err != nil {
		return vector.Unavailable("prepare insert", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		id := r.ID
		if id == "" {
			id = uuid.NewString()
		}
		_, err := stmt.ExecContext(ctx,
			id,
			r.Content,
			pgvector.NewVector(r.Embedding),
			string(r.Subject),
			string(r.Level),
			r.Year,
			string(r.Type),
			r.Filename,
		)
		if err != nil {
			return vector.Unavailable("insert", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return vector.Unavailable("commit", err)
	}
	return nil
}

func (s *Store) Search(ctx context.Context, query []float32, filter models.Filter, matchCount int, threshold float64) ([]models.RankedChunk, error) {
	if err := vector.CheckDimension(query, s.dimension); err != nil {
		return nil, err
	}
	if matchCount <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, similarity, subject, level, year, type, filename
		 FROM match_document_chunks($1, $2, $3, $4, $5, $6, $7)`,
		pgvector.NewVector(query),
		matchCount,
		threshold,
		nullable(string(filter.Subject)),
		nullable(string(filter.Level)),
		nullable(string(filter.Type)),
		filter.Year,
	)
	if err != nil {
		return nil, vector.Unavailable("search", err)
	}
	defer rows.Close()

	return scanRanked(rows, true)
}

func (s *Store) FetchByFilter(ctx context.Context, filter models.Filter, limit int) ([]models.RankedChunk, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, subject, level, year, type, filename
		 FROM document_chunks
		 WHERE ($1::text IS NULL OR subject = $1)
		   AND ($2::text IS NULL OR level = $2)
		   AND ($3::text IS NULL OR type = $3)
		   AND ($4::integer IS NULL OR year = $4)
		 ORDER BY created_at, id
		 LIMIT $5`,
		nullable(string(filter.Subject)),
		nullable(string(filter.Level)),
		nullable(string(filter.Type)),
		filter.Year,
		limit,
	)
	if err != nil {
		return nil, vector.Unavailable("fetch", err)
	}
	defer rows.Close()

	return scanRanked(rows, false)
}

func (s *Store) DeleteByDocument(ctx context.Context, key models.DocumentKey) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM document_chunks WHERE filename = $1 AND subject = $2 AND level = $3 AND type = $4`,
		key.Filename, string(key.Subject), string(key.Level), string(key.Type),
	)
	if err != nil {
		return 0, vector.Unavailable("delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, vector.Unavailable("delete", err)
	}
	return int(n), nil
}

func (s *Store) CountByDocument(ctx context.Context, key models.DocumentKey) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM document_chunks WHERE filename = $1 AND subject = $2 AND level = $3 AND type = $4`,
		key.Filename, string(key.Subject), string(key.Level), string(key.Type),
	).Scan(&n)
	if err != nil {
		return 0, vector.Unavailable("count", err)
	}
	return n, nil
}

func scanRanked(rows *sql.Rows, withSimilarity bool) ([]models.RankedChunk, error) {
	var out []models.RankedChunk
	for rows.Next() {
		var (
			c                       models.RankedChunk
			subject, level, docType string
			year                    sql.NullInt64
		)
		dest := []any{&c.ID, &c.Content}
		if withSimilarity {
			dest = append(dest, &c.Similarity)
		}
		dest = append(dest, &subject, &level, &year, &docType, &c.Filename)

		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		c.Subject = models.Subject(subject)
		c.Level = models.Level(level)
		c.Type = models.DocType(docType)
		if year.Valid {
			y := int(year.Int64)
			c.Year = &y
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, vector.Unavailable("read rows", err)
	}
	return out, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
