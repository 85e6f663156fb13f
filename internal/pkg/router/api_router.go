package router

import (
	"net"
	"strconv"
	"time"

	"github.com/LukasBrandt/StoreSync/app/controllers"
	"github.com/LukasBrandt/StoreSync/internal/pkg/cache"
	"github.com/LukasBrandt/StoreSync/internal/pkg/env"
	"github.com/LukasBrandt/StoreSync/internal/pkg/middleware"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"
)

type ApiRouter struct {
}

// InstallRouter registers the internal operations API: event inspection,
// replay, and entitlement lookups. Everything under /api is guarded by the
// ops key and rate limited against runaway automation.
func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        120,
		Expiration: time.Minute,
		Storage:    newLimiterStorage(),
	}), middleware.OpsKeyMiddleware())

	v1 := api.Group("/v1")
	v1.Get("/apps/:app_id/events/unprocessed", controllers.HandleListUnprocessedEvents)
	v1.Post("/apps/:app_id/events/:event_id/replay", controllers.HandleReplayEvent)
	v1.Get("/apps/:app_id/subscribers/:app_user_id/entitlements", controllers.HandleGetSubscriberEntitlements)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}

// newLimiterStorage backs the rate limiter with redis so limits hold across
// instances. Connection settings come from the shared cache client; database
// 1 keeps limiter keys apart from cache entries in database 0.
func newLimiterStorage() *redis.Storage {
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if client := cache.GetClient(); client != nil {
		addr := client.Options().Addr
		if h, p, err := net.SplitHostPort(addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		if p := client.Options().Password; p != "" {
			password = p
		}
	}

	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: 1,
		Reset:    false,
	})
}
