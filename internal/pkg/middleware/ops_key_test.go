package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
)

func newOpsTestApp() *fiber.App {
	app := fiber.New()
	app.Get("/ops", OpsKeyMiddleware(), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})
	return app
}

func TestOpsKeyMiddlewareDisabledWithoutKey(t *testing.T) {
	app := newOpsTestApp()

	req := httptest.NewRequest("GET", "/ops", nil)
	resp, err := app.Test(req)
	assert.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}

func TestOpsKeyMiddlewareRejectsBadKey(t *testing.T) {
	t.Setenv("OPS_API_KEY", "correct-key")
	app := newOpsTestApp()

	req := httptest.NewRequest("GET", "/ops", nil)
	resp, err := app.Test(req)
	assert.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	req = httptest.NewRequest("GET", "/ops", nil)
	req.Header.Set("X-API-Key", "wrong-key")
	resp, err = app.Test(req)
	assert.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestOpsKeyMiddlewareAcceptsKey(t *testing.T) {
	t.Setenv("OPS_API_KEY", "correct-key")
	app := newOpsTestApp()

	req := httptest.NewRequest("GET", "/ops", nil)
	req.Header.Set("X-API-Key", "correct-key")
	resp, err := app.Test(req)
	assert.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	// Bearer form is accepted too.
	req = httptest.NewRequest("GET", "/ops", nil)
	req.Header.Set("Authorization", "Bearer correct-key")
	resp, err = app.Test(req)
	assert.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
