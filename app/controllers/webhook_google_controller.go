package controllers

import (
	"context"
	"strings"
	"time"

	"github.com/LukasBrandt/StoreSync/app/models"
	"github.com/LukasBrandt/StoreSync/internal/pkg/codec"
	"github.com/LukasBrandt/StoreSync/internal/pkg/database"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

// HandleGoogleWebhook receives Play real-time developer notifications via a
// Pub/Sub push subscription. Pub/Sub retries on anything but a 2xx, so every
// logged event is acknowledged even when processing fails; recovery runs
// through replay instead of redelivery storms.
func HandleGoogleWebhook(c *fiber.Ctx) error {
	token := strings.TrimSpace(c.Params("token"))
	app, err := models.GetAppByGoogleWebhookToken(database.GetDB(), token)
	if err != nil {
		return jsonError(c, fiber.StatusNotFound, "not_found")
	}

	rawBody := append([]byte(nil), c.Body()...)
	pushEnv, notification, err := codec.ParseGooglePushEnvelope(rawBody)
	if err != nil {
		log.Warnf("[Webhook] play payload rejected for app %d: %v", app.ID, err)
		return jsonError(c, fiber.StatusBadRequest, "invalid_payload")
	}
	if notification.PackageName != app.PackageName {
		log.Warnf("[Webhook] play package mismatch for app %d: got %s", app.ID, notification.PackageName)
		return jsonError(c, fiber.StatusBadRequest, "package_mismatch")
	}

	normalized, err := codec.NormalizeGoogle(pushEnv, notification, string(rawBody))
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_payload")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	svc := getSubscriptionService()
	created, stored, err := svc.RecordEvent(ctx, app, normalized)
	if err != nil {
		log.Errorf("[Webhook] play event persist failed for app %d: %v", app.ID, err)
		return jsonError(c, fiber.StatusInternalServerError, "event_persist_failed")
	}
	if !created {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true, "duplicate": true})
	}

	archivePayload(app.ID, models.PlatformPlayStore, stored.EventID, rawBody)

	if processErr := svc.ProcessGoogle(ctx, app, pushEnv, notification, string(rawBody)); processErr != nil {
		log.Errorf("[Webhook] play event %d processing failed: %v", stored.ID, processErr)
		_ = svc.RecordFailure(ctx, stored.ID, processErr)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true})
	}

	_ = svc.MarkProcessed(ctx, stored.ID)
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true})
}
