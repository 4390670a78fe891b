package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCronApp(secret string) *fiber.App {
	app := fiber.New()
	app.Get("/cron", CronAuth(secret), func(c *fiber.Ctx) error {
		return c.SendString("ran")
	})
	return app
}

func TestCronAuth(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		header string
		status int
	}{
		{"valid token", "s3cret", "Bearer s3cret", fiber.StatusOK},
		{"case insensitive scheme", "s3cret", "bearer s3cret", fiber.StatusOK},
		{"wrong token", "s3cret", "Bearer nope", fiber.StatusUnauthorized},
		{"prefix of token", "s3cret", "Bearer s3cre", fiber.StatusUnauthorized},
		{"missing header", "s3cret", "", fiber.StatusUnauthorized},
		{"basic scheme", "s3cret", "Basic s3cret", fiber.StatusUnauthorized},
		{"secret unset", "", "Bearer ", fiber.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/cron", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := newCronApp(tt.secret).Test(req, -1)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestRateLimit(t *testing.T) {
	app := fiber.New()
	app.Use(RateLimit(nil, 2))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/", nil), -1)
		require.NoError(t, err)
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{fiber.StatusOK, fiber.StatusOK, fiber.StatusTooManyRequests}, codes)
}
