package controllers

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/LukasBrandt/StoreSync/app/models"
	"github.com/LukasBrandt/StoreSync/internal/pkg/codec"
	"github.com/LukasBrandt/StoreSync/internal/pkg/database"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

// HandleAppleWebhook receives App Store Server Notifications V2. The routing
// token in the path selects the app; an unknown token is answered 404 so the
// endpoint does not confirm its own existence to probers.
func HandleAppleWebhook(c *fiber.Ctx) error {
	token := strings.TrimSpace(c.Params("token"))
	app, err := models.GetAppByAppleWebhookToken(database.GetDB(), token)
	if err != nil {
		return jsonError(c, fiber.StatusNotFound, "not_found")
	}

	rawBody := append([]byte(nil), c.Body()...)
	var body struct {
		SignedPayload string `json:"signedPayload"`
	}
	if err := json.Unmarshal(rawBody, &body); err != nil || body.SignedPayload == "" {
		return jsonError(c, fiber.StatusBadRequest, "invalid_payload")
	}

	notification, err := codec.ParseAppleSignedPayload(body.SignedPayload)
	if err != nil {
		log.Warnf("[Webhook] apple payload rejected for app %d: %v", app.ID, err)
		return jsonError(c, fiber.StatusBadRequest, "invalid_payload")
	}
	if notification.Data.BundleID != "" && notification.Data.BundleID != app.BundleID {
		log.Warnf("[Webhook] apple bundle mismatch for app %d: got %s", app.ID, notification.Data.BundleID)
		return jsonError(c, fiber.StatusBadRequest, "bundle_mismatch")
	}

	var tx *codec.AppleTransaction
	if notification.Data.SignedTransactionInfo != "" {
		if tx, err = codec.DecodeAppleTransaction(notification.Data.SignedTransactionInfo); err != nil {
			return jsonError(c, fiber.StatusBadRequest, "invalid_payload")
		}
	}

	normalized := codec.NormalizeApple(notification, tx, string(rawBody))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	svc := getSubscriptionService()
	created, stored, err := svc.RecordEvent(ctx, app, normalized)
	if err != nil {
		log.Errorf("[Webhook] apple event persist failed for app %d: %v", app.ID, err)
		return jsonError(c, fiber.StatusInternalServerError, "event_persist_failed")
	}
	if !created {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true, "duplicate": true})
	}

	archivePayload(app.ID, models.PlatformAppStore, stored.EventID, rawBody)

	// The event is durably logged; processing failures are recorded on the
	// row and recovered via replay, the store still gets its 200.
	if processErr := svc.ProcessApple(ctx, app, notification, string(rawBody)); processErr != nil {
		log.Errorf("[Webhook] apple event %d processing failed: %v", stored.ID, processErr)
		_ = svc.RecordFailure(ctx, stored.ID, processErr)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true})
	}

	_ = svc.MarkProcessed(ctx, stored.ID)
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true})
}
