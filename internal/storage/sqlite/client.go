package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/examprep/backend/internal/storage/models"
	"github.com/examprep/backend/pkg/logger"
)

// Client is the ingestion registry: one row per upload attempt.
type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	_, err = db.Exec("PRAGMA busy_timeout = 5000")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS ingestions (
		id TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		subject TEXT NOT NULL,
		level TEXT NOT NULL,
		year INTEGER,
		type TEXT NOT NULL,
		chunk_count INTEGER NOT NULL DEFAULT 0,
		replaced INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		error TEXT,
		started_at INTEGER NOT NULL,
		finished_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_ingestions_document ON ingestions(filename, subject, level, type);
	CREATE INDEX IF NOT EXISTS idx_ingestions_started ON ingestions(started_at);
	CREATE INDEX IF NOT EXISTS idx_ingestions_status ON ingestions(status);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) StartIngestion(ctx context.Context, rec *models.IngestionRecord) error {
	query := `
		INSERT INTO ingestions (id, filename, subject, level, year, type, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.ExecContext(ctx, query,
		rec.ID,
		rec.Filename,
		string(rec.Subject),
		string(rec.Level),
		rec.Year,
		string(rec.Type),
		string(rec.Status),
		rec.StartedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert ingestion: %w", err)
	}

	logger.Debug("Ingestion recorded", zap.String("ingestion_id", rec.ID), zap.String("filename", rec.Filename))
	return nil
}

func (c *Client) FinishIngestion(ctx context.Context, rec *models.IngestionRecord) error {
	query := `
		UPDATE ingestions
		SET chunk_count = ?, replaced = ?, status = ?, error = ?, finished_at = ?
		WHERE id = ?
	`

	replaced := 0
	if rec.Replaced {
		replaced = 1
	}
	var finishedAt *int64
	if rec.FinishedAt != nil {
		ms := rec.FinishedAt.UnixMilli()
		finishedAt = &ms
	}

	res, err := c.db.ExecContext(ctx, query,
		rec.ChunkCount,
		replaced,
		string(rec.Status),
		nullString(rec.Error),
		finishedAt,
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update ingestion: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("failed to update ingestion: %s not found", rec.ID)
	}

	return nil
}

func (c *Client) GetIngestion(ctx context.Context, id string) (*models.IngestionRecord, error) {
	query := `
		SELECT id, filename, subject, level, year, type, chunk_count, replaced, status, error, started_at, finished_at
		FROM ingestions WHERE id = ?
	`

	rec, err := scanIngestion(c.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get ingestion: %w", err)
	}
	return rec, nil
}

// ListIngestions returns the most recent attempts first.
func (c *Client) ListIngestions(ctx context.Context, limit int) ([]models.IngestionRecord, error) {
	query := `
		SELECT id, filename, subject, level, year, type, chunk_count, replaced, status, error, started_at, finished_at
		FROM ingestions
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ingestions: %w", err)
	}
	defer rows.Close()

	records := make([]models.IngestionRecord, 0)
	for rows.Next() {
		rec, err := scanIngestion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list ingestions: %w", err)
	}

	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIngestion(s scanner) (*models.IngestionRecord, error) {
	var (
		rec                     models.IngestionRecord
		subject, level, docType string
		status                  string
		year, finishedAt        sql.NullInt64
		errText                 sql.NullString
		replaced                int
		startedAt               int64
	)

	err := s.Scan(
		&rec.ID,
		&rec.Filename,
		&subject,
		&level,
		&year,
		&docType,
		&rec.ChunkCount,
		&replaced,
		&status,
		&errText,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Subject = models.Subject(subject)
	rec.Level = models.Level(level)
	rec.Type = models.DocType(docType)
	rec.Status = models.IngestionStatus(status)
	rec.Replaced = replaced == 1
	rec.Error = errText.String
	rec.StartedAt = time.UnixMilli(startedAt).UTC()
	if year.Valid {
		y := int(year.Int64)
		rec.Year = &y
	}
	if finishedAt.Valid {
		t := time.UnixMilli(finishedAt.Int64).UTC()
		rec.FinishedAt = &t
	}

	return &rec, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
