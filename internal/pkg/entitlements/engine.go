package entitlements

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LukasBrandt/StoreSync/app/models"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
)

// Service recomputes the materialized entitlement set for subscribers. Every
// recomputation replaces the full SubscriberEntitlement set in one
// transaction, so readers never observe a set derived from only some of the
// subscriber's grants.
type Service struct {
	db *gorm.DB

	mu    sync.Mutex
	locks map[uint]*subscriberLock
}

type subscriberLock struct {
	mu   sync.Mutex
	refs int
}

// NewService creates an entitlement derivation service.
func NewService(db *gorm.DB) *Service {
	return &Service{db: db, locks: make(map[uint]*subscriberLock)}
}

// Recompute derives and persists the entitlement set for one subscriber.
// Serialized per subscriber: two concurrent derivations for the same
// subscriber never interleave their writes.
func (s *Service) Recompute(ctx context.Context, subscriberID uint) error {
	if subscriberID == 0 {
		return errors.New("subscriber_id is required")
	}

	s.lock(subscriberID)
	defer s.unlock(subscriberID)

	now := time.Now().UTC()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var subs []models.Subscription
		if err := tx.Where("subscriber_id = ?", subscriberID).Find(&subs).Error; err != nil {
			return fmt.Errorf("load subscriptions: %w", err)
		}
		var purchases []models.Purchase
		if err := tx.Where("subscriber_id = ?", subscriberID).Find(&purchases).Error; err != nil {
			return fmt.Errorf("load purchases: %w", err)
		}

		productIDs := make([]uint, 0, len(subs)+len(purchases))
		for _, sub := range subs {
			productIDs = append(productIDs, sub.ProductID)
		}
		for _, p := range purchases {
			productIDs = append(productIDs, p.ProductID)
		}
		links, err := models.ListEntitlementIDsByProduct(tx, productIDs)
		if err != nil {
			return fmt.Errorf("load product entitlements: %w", err)
		}

		grants := ComputeGrants(now, subs, purchases, links)

		// Replace, never patch: drop the old set and insert the new one in
		// the same transaction.
		if err := tx.Where("subscriber_id = ?", subscriberID).
			Delete(&models.SubscriberEntitlement{}).Error; err != nil {
			return fmt.Errorf("clear entitlement set: %w", err)
		}
		for _, g := range grants {
			row := models.SubscriberEntitlement{
				SubscriberID:   subscriberID,
				EntitlementID:  g.EntitlementID,
				ProductID:      g.ProductID,
				SubscriptionID: g.SubscriptionID,
				ExpiresAt:      g.ExpiresAt,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("write entitlement grant: %w", err)
			}
		}

		log.Debugf("[Entitlements] subscriber %d recomputed: %d grants", subscriberID, len(grants))
		return nil
	})
}

// ActiveEntitlements returns the current materialized set for a subscriber.
func (s *Service) ActiveEntitlements(ctx context.Context, subscriberID uint) ([]models.SubscriberEntitlement, error) {
	var rows []models.SubscriberEntitlement
	err := s.db.WithContext(ctx).Where("subscriber_id = ?", subscriberID).Find(&rows).Error
	return rows, err
}

func (s *Service) lock(subscriberID uint) {
	s.mu.Lock()
	entry, ok := s.locks[subscriberID]
	if !ok {
		entry = &subscriberLock{}
		s.locks[subscriberID] = entry
	}
	entry.refs++
	s.mu.Unlock()

	entry.mu.Lock()
}

func (s *Service) unlock(subscriberID uint) {
	s.mu.Lock()
	entry := s.locks[subscriberID]
	entry.refs--
	if entry.refs == 0 {
		delete(s.locks, subscriberID)
	}
	s.mu.Unlock()

	entry.mu.Unlock()
}
