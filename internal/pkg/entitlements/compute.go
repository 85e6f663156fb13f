package entitlements

import (
	"time"

	"github.com/LukasBrandt/StoreSync/app/models"
)

// Grant is one computed entitlement for a subscriber: the entitlement, the
// grant that contributes the latest expiry, and that expiry (nil for
// non-expiring grants such as non-consumables).
type Grant struct {
	EntitlementID  uint
	ProductID      uint
	SubscriptionID *uint
	ExpiresAt      *time.Time
}

// ComputeGrants derives the full entitlement set for one subscriber from all
// of their subscriptions and one-time purchases plus the product→entitlement
// links. Only access-granting sources contribute: subscriptions in active or
// in_grace_period status, and unrevoked purchases that have not expired. Per
// entitlement the grant with the latest expiry wins; a nil expiry counts as
// unlimited and beats every dated expiry.
func ComputeGrants(now time.Time, subs []models.Subscription, purchases []models.Purchase, links map[uint][]uint) []Grant {
	byEntitlement := make(map[uint]Grant)

	consider := func(g Grant) {
		current, ok := byEntitlement[g.EntitlementID]
		if !ok || expiryAfter(g.ExpiresAt, current.ExpiresAt) {
			byEntitlement[g.EntitlementID] = g
		}
	}

	for i := range subs {
		sub := &subs[i]
		if !sub.IsAccessGranting() {
			continue
		}
		expiry := sub.EffectiveExpiry()
		if expiry != nil && !expiry.After(now) {
			continue
		}
		subID := sub.ID
		for _, entitlementID := range links[sub.ProductID] {
			consider(Grant{
				EntitlementID:  entitlementID,
				ProductID:      sub.ProductID,
				SubscriptionID: &subID,
				ExpiresAt:      expiry,
			})
		}
	}

	for i := range purchases {
		p := &purchases[i]
		if !p.IsAccessGranting(now) {
			continue
		}
		for _, entitlementID := range links[p.ProductID] {
			consider(Grant{
				EntitlementID: entitlementID,
				ProductID:     p.ProductID,
				ExpiresAt:     p.ExpiresAt,
			})
		}
	}

	out := make([]Grant, 0, len(byEntitlement))
	for _, g := range byEntitlement {
		out = append(out, g)
	}
	return out
}

// expiryAfter reports whether a beats b as "latest expiry"; nil means never
// expires.
func expiryAfter(a, b *time.Time) bool {
	if a == nil {
		return b != nil
	}
	if b == nil {
		return false
	}
	return a.After(*b)
}
