package validation

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var xssPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)

// textFields lists the free-text JSON fields checked on each route.
var textFields = map[string][]string{
	"/api/v1/retrieve": {"query"},
	"/api/v1/mark":     {"question", "answer"},

	"/api/v1/documents/url": {"url"},
}

const uploadPath = "/api/v1/documents"

type Config struct {
	MaxQueryLength      int
	MaxUploadBytes      int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQueryLength == 0 {
		cfg.MaxQueryLength = 5000
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 50 * 1024 * 1024
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{fiber.MIMEApplicationJSON, fiber.MIMEMultipartForm}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPut {
			return c.Next()
		}

		contentType := c.Get(fiber.HeaderContentType)
		if contentType != "" && !allowedType(contentType, cfg.AllowedContentTypes) {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
				"error": "Unsupported content type",
			})
		}

		path := c.Path()

		if path == uploadPath {
			if n := c.Request().Header.ContentLength(); n > cfg.MaxUploadBytes {
				cfg.Logger.Warn("Upload rejected by size",
					zap.String("ip", c.IP()),
					zap.Int("bytes", n),
					zap.Int("max_bytes", cfg.MaxUploadBytes),
				)
				return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
					"error": "Document exceeds maximum upload size",
				})
			}
			return c.Next()
		}

		fields, ok := textFields[path]
		if !ok {
			return c.Next()
		}

		var req map[string]interface{}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid JSON format",
			})
		}

		for _, field := range fields {
			value, ok := req[field].(string)
			if !ok || strings.TrimSpace(value) == "" {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": field + " is required and must be a string",
				})
			}

			if utf8.RuneCountInString(value) > cfg.MaxQueryLength {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": field + " exceeds maximum length",
				})
			}

			if xssPattern.MatchString(value) {
				cfg.Logger.Warn("Potential XSS attempt",
					zap.String("ip", c.IP()),
					zap.String("field", field),
				)
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid " + field + " content",
				})
			}
		}

		return c.Next()
	}
}

func allowedType(contentType string, allowed []string) bool {
	for _, t := range allowed {
		if strings.Contains(contentType, t) {
			return true
		}
	}
	return false
}

// Sanitize trims surrounding space and strips NUL bytes, which Postgres
// rejects in text columns.
func Sanitize(input string) string {
	input = strings.TrimSpace(input)
	return strings.ReplaceAll(input, "\x00", "")
}
