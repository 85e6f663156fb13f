package router

import (
	"github.com/LukasBrandt/StoreSync/app/controllers"
	"github.com/gofiber/fiber/v2"
)

type HttpRouter struct {
}

// InstallRouter registers the store-facing webhook endpoints. Each route
// carries the per-app routing secret in the path; no other authentication
// exists on these endpoints, so they stay outside the rate-limited API group
// (a throttled 429 would trigger vendor redelivery storms).
func (h HttpRouter) InstallRouter(app *fiber.App) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

	app.Post("/webhooks/apple/:token", controllers.HandleAppleWebhook)
	app.Post("/webhooks/google/:token", controllers.HandleGoogleWebhook)
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}
