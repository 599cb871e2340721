package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp(rl *RateLimiter) *fiber.App {
	app := fiber.New()
	app.Use(rl.Middleware())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })
	return app
}

func TestMiddleware(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 60, Burst: 2})
	defer rl.Stop()
	app := newApp(rl)

	do := func(user string) int {
		req := httptest.NewRequest("GET", "/", nil)
		if user != "" {
			req.Header.Set("X-User-ID", user)
		}
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, fiber.StatusOK, do("alice"))
	assert.Equal(t, fiber.StatusOK, do("alice"))
	assert.Equal(t, fiber.StatusTooManyRequests, do("alice"))
	assert.Equal(t, fiber.StatusOK, do("bob"), "Expected a separate bucket per client")
}

func TestRefillAndEviction(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 60, Burst: 1, IdleTTL: time.Minute})
	defer rl.Stop()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.allow("k"))
	assert.False(t, rl.allow("k"))

	now = now.Add(time.Second)
	assert.True(t, rl.allow("k"), "Expected one token per second at 60 rpm")

	assert.Equal(t, 0, rl.evictIdle())
	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, rl.evictIdle())
}

func TestStopIsIdempotent(t *testing.T) {
	rl := New(Config{})
	rl.Stop()
	rl.Stop()
}
