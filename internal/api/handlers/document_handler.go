package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/examprep/backend/internal/extract"
	"github.com/examprep/backend/internal/fetch"
	"github.com/examprep/backend/internal/ingestion"
	"github.com/examprep/backend/internal/storage/models"
	"github.com/examprep/backend/pkg/logger"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type Ingester interface {
	Ingest(ctx context.Context, data []byte, meta models.DocumentMeta) (ingestion.Result, error)
}

type IngestionLister interface {
	ListIngestions(ctx context.Context, limit int) ([]models.IngestionRecord, error)
}

type Downloader interface {
	Download(ctx context.Context, rawURL string) ([]byte, string, error)
}

type DocumentHandler struct {
	ingester       Ingester
	registry       IngestionLister
	downloader     Downloader
	maxUploadBytes int64
}

// NewDocumentHandler builds the document routes. downloader may be nil, in
// which case URL import answers 501.
func NewDocumentHandler(ingester Ingester, registry IngestionLister, downloader Downloader, maxUploadBytes int) *DocumentHandler {
	return &DocumentHandler{
		ingester:       ingester,
		registry:       registry,
		downloader:     downloader,
		maxUploadBytes: int64(maxUploadBytes),
	}
}

// UploadDocument ingests one multipart upload: file, subject, level, year
// and type. An optional filename field overrides the uploaded file name.
func (h *DocumentHandler) UploadDocument(c *fiber.Ctx) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "file is required",
		})
	}

	if h.maxUploadBytes > 0 && fh.Size > h.maxUploadBytes {
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
			"error":  "Document exceeds maximum upload size",
			"detail": fmt.Sprintf("%d bytes > %d bytes", fh.Size, h.maxUploadBytes),
		})
	}

	filename := c.FormValue("filename")
	if filename == "" {
		filename = filepath.Base(fh.Filename)
	}

	meta, err := models.ParseDocumentMeta(
		filename,
		c.FormValue("subject"),
		c.FormValue("level"),
		c.FormValue("year"),
		c.FormValue("type"),
	)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":  "Invalid document metadata",
			"detail": err.Error(),
		})
	}

	f, err := fh.Open()
	if err != nil {
		logger.Error("Failed to open uploaded file", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Failed to read uploaded file",
		})
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		logger.Error("Failed to read uploaded file", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Failed to read uploaded file",
		})
	}

	return h.ingest(c, data, meta)
}

type importRequest struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Subject  string `json:"subject"`
	Level    string `json:"level"`
	Type     string `json:"type"`
	Year     *int   `json:"year"`
}

// ImportDocument downloads a document by URL and ingests it. The filename
// defaults to the last segment of the URL path.
func (h *DocumentHandler) ImportDocument(c *fiber.Ctx) error {
	if h.downloader == nil {
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{
			"error": "Document import is not configured",
		})
	}

	var req importRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	year := ""
	if req.Year != nil {
		year = strconv.Itoa(*req.Year)
	}
	// Validate metadata before spending a download on it.
	if _, err := models.ParseDocumentMeta("pending", req.Subject, req.Level, year, req.Type); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":  "Invalid document metadata",
			"detail": err.Error(),
		})
	}

	data, filename, err := h.downloader.Download(c.UserContext(), req.URL)
	if err != nil {
		status := fiber.StatusBadGateway
		switch {
		case errors.Is(err, fetch.ErrInvalidURL):
			status = fiber.StatusBadRequest
		case errors.Is(err, fetch.ErrTooLarge):
			status = fiber.StatusRequestEntityTooLarge
		}
		logger.Warn("Document download failed", zap.String("url", req.URL), zap.Error(err))
		return c.Status(status).JSON(fiber.Map{
			"error":  "Failed to download document",
			"detail": err.Error(),
		})
	}

	if req.Filename != "" {
		filename = req.Filename
	}
	meta, err := models.ParseDocumentMeta(filename, req.Subject, req.Level, year, req.Type)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":  "Invalid document metadata",
			"detail": err.Error(),
		})
	}

	return h.ingest(c, data, meta)
}

func (h *DocumentHandler) ingest(c *fiber.Ctx, data []byte, meta models.DocumentMeta) error {
	result, err := h.ingester.Ingest(c.UserContext(), data, meta)
	if err != nil {
		status := ingestStatus(err)
		body := fiber.Map{"error": "Failed to ingest document"}
		if status != fiber.StatusInternalServerError {
			body["detail"] = err.Error()
		}
		return c.Status(status).JSON(body)
	}

	return c.JSON(result)
}

func (h *DocumentHandler) ListDocuments(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultListLimit)
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	records, err := h.registry.ListIngestions(c.UserContext(), limit)
	if err != nil {
		logger.Error("Failed to list ingestions", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list documents",
		})
	}

	return c.JSON(fiber.Map{
		"documents": records,
	})
}

func ingestStatus(err error) int {
	var providerErr *ingestion.ProviderError
	switch {
	case errors.Is(err, extract.ErrUnsupportedFormat):
		return fiber.StatusUnsupportedMediaType
	case ingestion.IsInputError(err):
		return fiber.StatusUnprocessableEntity
	case ingestion.IsConfigError(err):
		logger.Error("Embedding dimension does not match the configured store", zap.Error(err))
		return fiber.StatusInternalServerError
	case errors.As(err, &providerErr):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}
