package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/examprep/backend/internal/marking"
	"github.com/examprep/backend/internal/metrics"
	"github.com/examprep/backend/internal/middleware/validation"
	"github.com/examprep/backend/internal/retrieval"
	"github.com/examprep/backend/internal/storage/models"
	"github.com/examprep/backend/pkg/logger"
)

type Retriever interface {
	Retrieve(ctx context.Context, req retrieval.Request) (retrieval.Result, error)
}

type Marker interface {
	Mark(ctx context.Context, req marking.Request) (*marking.Feedback, error)
}

type QueryHandler struct {
	retriever Retriever
	marker    Marker
}

func NewQueryHandler(retriever Retriever, marker Marker) *QueryHandler {
	return &QueryHandler{
		retriever: retriever,
		marker:    marker,
	}
}

type retrieveRequest struct {
	Query   string `json:"query"`
	Subject string `json:"subject"`
	Level   string `json:"level"`
	Type    string `json:"type"`
	Year    *int   `json:"year"`
	TopK    int    `json:"top_k"`
}

func (h *QueryHandler) Retrieve(c *fiber.Ctx) error {
	var req retrieveRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	result, err := h.retriever.Retrieve(c.UserContext(), retrieval.Request{
		Query:   validation.Sanitize(req.Query),
		Subject: models.Subject(req.Subject),
		Level:   models.Level(req.Level),
		Type:    models.DocType(req.Type),
		Year:    req.Year,
		TopK:    req.TopK,
	})
	if err != nil {
		if errors.Is(err, retrieval.ErrInvalidRequest) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":  "Invalid retrieval request",
				"detail": err.Error(),
			})
		}
		logger.Error("Failed to retrieve context", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to retrieve context",
		})
	}

	return c.JSON(result)
}

func (h *QueryHandler) Mark(c *fiber.Ctx) error {
	var req marking.Request
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		metrics.MarkingRequests.WithLabelValues("http", "invalid").Inc()
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	req.Question = validation.Sanitize(req.Question)
	req.Answer = validation.Sanitize(req.Answer)

	feedback, err := h.marker.Mark(c.UserContext(), req)
	if err != nil {
		if errors.Is(err, marking.ErrInvalidRequest) {
			metrics.MarkingRequests.WithLabelValues("http", "invalid").Inc()
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":  "Invalid marking request",
				"detail": err.Error(),
			})
		}
		logger.Error("Failed to mark answer", zap.Error(err))
		metrics.MarkingRequests.WithLabelValues("http", "error").Inc()
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Failed to generate feedback",
		})
	}

	metrics.MarkingRequests.WithLabelValues("http", "ok").Inc()
	return c.JSON(feedback)
}
