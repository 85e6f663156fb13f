package playstore

import (
	"time"

	"github.com/LukasBrandt/StoreSync/app/models"
	"google.golang.org/api/androidpublisher/v3"
)

// Play subscriptionsv2 states.
const (
	StateActive        = "SUBSCRIPTION_STATE_ACTIVE"
	StateCanceled      = "SUBSCRIPTION_STATE_CANCELED"
	StateInGracePeriod = "SUBSCRIPTION_STATE_IN_GRACE_PERIOD"
	StateOnHold        = "SUBSCRIPTION_STATE_ON_HOLD"
	StatePaused        = "SUBSCRIPTION_STATE_PAUSED"
	StateExpired       = "SUBSCRIPTION_STATE_EXPIRED"
	StatePending       = "SUBSCRIPTION_STATE_PENDING"
)

// MapSubscriptionState converts a subscriptionsv2 state to the internal
// subscription status. CANCELED means auto-renew is off while the current
// period stays valid, so it maps to active until the expiry passes.
func MapSubscriptionState(state string, expiresAt *time.Time, now time.Time) string {
	switch state {
	case StateActive, StatePending:
		return models.SubscriptionStatusActive
	case StateCanceled:
		if expiresAt != nil && !expiresAt.After(now) {
			return models.SubscriptionStatusExpired
		}
		return models.SubscriptionStatusActive
	case StateInGracePeriod:
		return models.SubscriptionStatusInGracePeriod
	case StateOnHold:
		return models.SubscriptionStatusInBillingRetry
	case StatePaused:
		return models.SubscriptionStatusPaused
	case StateExpired:
		return models.SubscriptionStatusExpired
	default:
		return models.SubscriptionStatusExpired
	}
}

// CancellationReason derives the internal cancellation reason from the
// canceled-state context, empty when the subscription is not canceled.
func CancellationReason(sub *androidpublisher.SubscriptionPurchaseV2) string {
	if sub == nil || sub.CanceledStateContext == nil {
		return ""
	}
	ctx := sub.CanceledStateContext
	switch {
	case ctx.UserInitiatedCancellation != nil:
		return models.CancellationReasonCustomer
	case ctx.SystemInitiatedCancellation != nil:
		return models.CancellationReasonBillingError
	case ctx.DeveloperInitiatedCancellation != nil:
		return models.CancellationReasonDeveloper
	case ctx.ReplacementCancellation != nil:
		return models.CancellationReasonSystem
	default:
		return ""
	}
}

// LineItemExpiry returns the latest expiry across line items; a multi-line
// purchase grants access until its furthest line runs out.
func LineItemExpiry(sub *androidpublisher.SubscriptionPurchaseV2) *time.Time {
	var latest *time.Time
	for _, item := range sub.LineItems {
		if item.ExpiryTime == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, item.ExpiryTime)
		if err != nil {
			continue
		}
		t = t.UTC()
		if latest == nil || t.After(*latest) {
			latest = &t
		}
	}
	return latest
}

// AutoRenewEnabled reports whether any line item still has auto-renew on.
func AutoRenewEnabled(sub *androidpublisher.SubscriptionPurchaseV2) bool {
	for _, item := range sub.LineItems {
		if item.AutoRenewingPlan != nil && item.AutoRenewingPlan.AutoRenewEnabled {
			return true
		}
	}
	return false
}

// CurrentProductID returns the product id of the line item with the latest
// expiry, the line that defines current access.
func CurrentProductID(sub *androidpublisher.SubscriptionPurchaseV2) string {
	var (
		best       string
		bestExpiry time.Time
	)
	for _, item := range sub.LineItems {
		t, err := time.Parse(time.RFC3339, item.ExpiryTime)
		if err != nil {
			if best == "" {
				best = item.ProductId
			}
			continue
		}
		if best == "" || t.After(bestExpiry) {
			best = item.ProductId
			bestExpiry = t
		}
	}
	return best
}
