package controllers

import (
	"context"
	"sync"

	"github.com/LukasBrandt/StoreSync/internal/pkg/archive"
	"github.com/LukasBrandt/StoreSync/internal/pkg/database"
	"github.com/LukasBrandt/StoreSync/internal/pkg/entitlements"
	"github.com/LukasBrandt/StoreSync/internal/pkg/subscription"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

var (
	subscriptionOnce sync.Once
	subscriptionSvc  *subscription.Service

	entitlementsOnce sync.Once
	entitlementsSvc  *entitlements.Service

	archiveOnce   sync.Once
	archiveClient *archive.Client
)

// getSubscriptionService returns the shared subscription service. Shared
// because its per-lineage locks only serialize work when every request goes
// through the same instance.
func getSubscriptionService() *subscription.Service {
	subscriptionOnce.Do(func() {
		subscriptionSvc = subscription.NewService(database.GetDB())
	})
	return subscriptionSvc
}

func getEntitlementsService() *entitlements.Service {
	entitlementsOnce.Do(func() {
		entitlementsSvc = entitlements.NewService(database.GetDB())
	})
	return entitlementsSvc
}

// getArchiveClient returns the payload archive client, nil when the archive
// is disabled or misconfigured.
func getArchiveClient() *archive.Client {
	archiveOnce.Do(func() {
		cfg, err := archive.LoadConfig()
		if err != nil {
			log.Warnf("[Archive] configuration invalid, archiving disabled: %v", err)
			return
		}
		if !cfg.IsEnabled() {
			return
		}
		client, err := archive.NewClient(cfg)
		if err != nil {
			log.Warnf("[Archive] client init failed, archiving disabled: %v", err)
			return
		}
		archiveClient = client
	})
	return archiveClient
}

// archivePayload stores the raw payload best-effort in the background; an
// archive outage never delays or fails webhook acknowledgement.
func archivePayload(appID uint, platform, eventID string, payload []byte) {
	client := getArchiveClient()
	if client == nil {
		return
	}
	body := append([]byte(nil), payload...)
	go func() {
		if _, err := client.StorePayload(context.Background(), appID, platform, eventID, body); err != nil {
			log.Errorf("[Archive] failed to store payload for event %s: %v", eventID, err)
		}
	}()
}

func jsonError(c *fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}
