package controllers

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/LukasBrandt/StoreSync/app/models"
	"github.com/LukasBrandt/StoreSync/internal/pkg/database"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// HandleReplayEvent reprocesses a logged webhook event. This is the recovery
// path for events whose processing failed after logging: the raw payload is
// re-run through the same pipeline as a live delivery.
func HandleReplayEvent(c *fiber.Ctx) error {
	app, err := appFromParams(c)
	if err != nil {
		return jsonError(c, fiber.StatusNotFound, "app_not_found")
	}
	eventID, err := strconv.ParseUint(c.Params("event_id"), 10, 32)
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_event_id")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := getSubscriptionService().ReplayEvent(ctx, app, uint(eventID)); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return jsonError(c, fiber.StatusNotFound, "event_not_found")
		}
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error":   "replay_failed",
			"message": err.Error(),
		})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"replayed": true})
}

// HandleListUnprocessedEvents lists logged events whose processing has not
// succeeded yet, oldest first.
func HandleListUnprocessedEvents(c *fiber.Ctx) error {
	app, err := appFromParams(c)
	if err != nil {
		return jsonError(c, fiber.StatusNotFound, "app_not_found")
	}

	limit := c.QueryInt("limit", 100)
	if limit < 1 || limit > 500 {
		limit = 100
	}

	var events []models.WebhookEvent
	if err := database.GetDB().
		Where("app_id = ? AND processed_at IS NULL", app.ID).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error; err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "query_failed")
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"events": events, "count": len(events)})
}

// HandleGetSubscriberEntitlements returns the materialized entitlement set
// for one subscriber, identified by the app-scoped user id.
func HandleGetSubscriberEntitlements(c *fiber.Ctx) error {
	app, err := appFromParams(c)
	if err != nil {
		return jsonError(c, fiber.StatusNotFound, "app_not_found")
	}

	appUserID := c.Params("app_user_id")
	var subscriber models.Subscriber
	if err := database.GetDB().
		Where("app_id = ? AND app_user_id = ?", app.ID, appUserID).
		First(&subscriber).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return jsonError(c, fiber.StatusNotFound, "subscriber_not_found")
		}
		return jsonError(c, fiber.StatusInternalServerError, "query_failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows, err := getEntitlementsService().ActiveEntitlements(ctx, subscriber.ID)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "query_failed")
	}

	now := time.Now().UTC()
	active := make([]models.SubscriberEntitlement, 0, len(rows))
	for _, row := range rows {
		if row.ExpiresAt != nil && !row.ExpiresAt.After(now) {
			continue
		}
		active = append(active, row)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"subscriber_id": subscriber.AppUserID,
		"entitlements":  active,
	})
}

func appFromParams(c *fiber.Ctx) (*models.App, error) {
	appID, err := strconv.ParseUint(c.Params("app_id"), 10, 32)
	if err != nil {
		return nil, err
	}
	var app models.App
	if err := database.GetDB().First(&app, uint(appID)).Error; err != nil {
		return nil, err
	}
	return &app, nil
}
