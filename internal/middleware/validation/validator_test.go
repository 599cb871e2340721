package validation

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp() *fiber.App {
	app := fiber.New()
	app.Use(Middleware(Config{MaxQueryLength: 20, MaxUploadBytes: 64}))
	ok := func(c *fiber.Ctx) error { return c.SendString("ok") }
	app.Post("/api/v1/retrieve", ok)
	app.Post("/api/v1/mark", ok)
	app.Post("/api/v1/documents", ok)
	app.Get("/api/v1/documents", ok)
	return app
}

func TestMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		method      string
		path        string
		contentType string
		body        string
		want        int
	}{
		{"Valid retrieve", "POST", "/api/v1/retrieve", "application/json", `{"query":"integration by parts"}`, 200},
		{"Missing query", "POST", "/api/v1/retrieve", "application/json", `{"subject":"maths"}`, 400},
		{"Query too long", "POST", "/api/v1/retrieve", "application/json", `{"query":"` + strings.Repeat("a", 21) + `"}`, 400},
		{"Script in answer", "POST", "/api/v1/mark", "application/json", `{"question":"q","answer":"<script>x"}`, 400},
		{"Mark needs answer", "POST", "/api/v1/mark", "application/json", `{"question":"q"}`, 400},
		{"Malformed JSON", "POST", "/api/v1/mark", "application/json", `{`, 400},
		{"Plain text rejected", "POST", "/api/v1/retrieve", "text/plain", `query`, 415},
		{"Upload too large", "POST", "/api/v1/documents", "multipart/form-data; boundary=x", strings.Repeat("b", 65), 413},
		{"Small upload passes", "POST", "/api/v1/documents", "multipart/form-data; boundary=x", "b", 200},
		{"GET passes through", "GET", "/api/v1/documents", "", "", 200},
		{"Exam vocabulary is fine", "POST", "/api/v1/retrieve", "application/json", `{"query":"select and update"}`, 200},
	}

	app := newApp()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}

			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "dy/dx", Sanitize("  dy/\x00dx \n"))
}
