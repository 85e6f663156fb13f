package subscription

import (
	"time"

	"github.com/LukasBrandt/StoreSync/app/models"
	"github.com/LukasBrandt/StoreSync/internal/pkg/codec"
)

// Outcome describes what an applied event changed beyond the subscription
// row itself. Product changes are reported as store identifiers; the service
// resolves them against the catalog.
type Outcome struct {
	// Changed is false for events that do not touch subscription state
	// (price increase consent, consumption requests, test pings).
	Changed bool

	// NewProductStoreID is set when the current product changed.
	NewProductStoreID string
	// PendingProductStoreID is set when a deferred plan change was scheduled.
	PendingProductStoreID string

	// RecordPurchase requests an append-only Purchase row for this
	// transaction.
	RecordPurchase bool

	// SuspectOutOfOrder is set when the event would move the expiry
	// backwards; the caller should reconcile against the store's live API
	// instead of trusting the notification.
	SuspectOutOfOrder bool
}

// ApplyAppleEvent applies one decoded App Store notification to a
// subscription row. Pure: it mutates only the passed row and reports side
// effects through the returned Outcome.
func ApplyAppleEvent(sub *models.Subscription, n *codec.AppleNotification, tx *codec.AppleTransaction, renewal *codec.AppleRenewalInfo) Outcome {
	eventTime := codec.AppleTime(n.SignedDate)

	switch n.NotificationType {
	case codec.AppleNotificationSubscribed:
		return applyAppleRenewal(sub, tx, true)

	case codec.AppleNotificationDidRenew:
		if expiresBackwards(sub, tx) {
			return Outcome{SuspectOutOfOrder: true}
		}
		out := applyAppleRenewal(sub, tx, false)
		// A deferred plan change takes effect with this renewal; the
		// transaction's product id is already the new plan.
		sub.PendingProductID = nil
		return out

	case codec.AppleNotificationDidChangeRenewalPref:
		if n.Subtype == codec.AppleSubtypeUpgrade {
			// Upgrades take effect immediately with a fresh transaction.
			sub.Status = models.SubscriptionStatusActive
			setAppleDates(sub, tx)
			sub.PendingProductID = nil
			return Outcome{Changed: true, NewProductStoreID: tx.ProductID}
		}
		// Downgrade (or pref revert) applies at next renewal; the current
		// product must stay untouched until then.
		if renewal != nil && renewal.AutoRenewProductID != "" {
			return Outcome{Changed: true, PendingProductStoreID: renewal.AutoRenewProductID}
		}
		return Outcome{}

	case codec.AppleNotificationDidChangeRenewalStatus:
		if n.Subtype == codec.AppleSubtypeAutoRenewDisabled {
			sub.AutoRenew = false
			sub.CanceledAt = eventTime
			sub.CancellationReason = models.CancellationReasonCustomer
		} else {
			sub.AutoRenew = true
			sub.CanceledAt = nil
			sub.CancellationReason = ""
		}
		return Outcome{Changed: true}

	case codec.AppleNotificationDidFailToRenew:
		if n.Subtype == codec.AppleSubtypeGracePeriod {
			sub.Status = models.SubscriptionStatusInGracePeriod
			if renewal != nil {
				sub.GracePeriodExpiresAt = codec.AppleTime(renewal.GracePeriodExpiresDate)
			}
		} else {
			sub.Status = models.SubscriptionStatusInBillingRetry
		}
		return Outcome{Changed: true}

	case codec.AppleNotificationGracePeriodExpired:
		sub.Status = models.SubscriptionStatusInBillingRetry
		sub.GracePeriodExpiresAt = nil
		return Outcome{Changed: true}

	case codec.AppleNotificationExpired:
		sub.Status = models.SubscriptionStatusExpired
		if n.Subtype == codec.AppleSubtypeBillingRetry {
			sub.CancellationReason = models.CancellationReasonBillingError
		} else if sub.CancellationReason == "" {
			sub.CancellationReason = models.CancellationReasonCustomer
		}
		return Outcome{Changed: true}

	case codec.AppleNotificationRefund, codec.AppleNotificationRevoke:
		sub.Status = models.SubscriptionStatusRevoked
		sub.AutoRenew = false
		if tx != nil && tx.RevocationDate != 0 {
			sub.CanceledAt = codec.AppleTime(tx.RevocationDate)
		} else {
			sub.CanceledAt = eventTime
		}
		sub.CancellationReason = models.CancellationReasonRefund
		return Outcome{Changed: true}

	case codec.AppleNotificationRenewalExtended:
		if tx != nil {
			sub.ExpiresAt = codec.AppleTime(tx.ExpiresDate)
		}
		return Outcome{Changed: true}

	default:
		// PRICE_INCREASE, CONSUMPTION_REQUEST, TEST and future types do not
		// alter subscription state.
		return Outcome{}
	}
}

func applyAppleRenewal(sub *models.Subscription, tx *codec.AppleTransaction, initial bool) Outcome {
	sub.Status = models.SubscriptionStatusActive
	sub.AutoRenew = true
	sub.GracePeriodExpiresAt = nil
	// Both a fresh purchase and a renewal re-enable auto renew, so any
	// cancellation markers from a prior lifetime are stale now.
	sub.CanceledAt = nil
	sub.CancellationReason = ""
	setAppleDates(sub, tx)

	if initial {
		// Offer type 1 is an introductory offer (free trial or intro price).
		sub.IsTrial = tx.OfferType == 1
		sub.IsIntroOffer = tx.OfferType == 1 || tx.OfferType == 2
	} else {
		// A paid renewal ends any trial or introductory period.
		sub.IsTrial = false
		sub.IsIntroOffer = false
	}

	return Outcome{Changed: true, NewProductStoreID: tx.ProductID, RecordPurchase: true}
}

func setAppleDates(sub *models.Subscription, tx *codec.AppleTransaction) {
	if tx == nil {
		return
	}
	sub.PurchasedAt = codec.AppleTime(tx.PurchaseDate)
	sub.ExpiresAt = codec.AppleTime(tx.ExpiresDate)
	sub.LatestTransactionID = tx.TransactionID
}

func expiresBackwards(sub *models.Subscription, tx *codec.AppleTransaction) bool {
	if sub.ExpiresAt == nil || tx == nil {
		return false
	}
	incoming := codec.AppleTime(tx.ExpiresDate)
	return incoming != nil && incoming.Before(*sub.ExpiresAt)
}

// ApplyGoogleState overwrites a subscription row with the authoritative
// state fetched from the Play API. The notification that triggered the
// refetch contributes only the cancellation-reason hint.
func ApplyGoogleState(sub *models.Subscription, state GoogleState, now time.Time) Outcome {
	previous := sub.Status

	sub.ExpiresAt = state.ExpiresAt
	sub.AutoRenew = state.AutoRenew
	sub.LatestTransactionID = state.LatestOrderID
	if state.StartedAt != nil {
		sub.PurchasedAt = state.StartedAt
	}

	newStatus := state.Status
	if newStatus == models.SubscriptionStatusPaused && previous != models.SubscriptionStatusPaused {
		sub.StatusBeforePause = previous
	}
	if state.Revoked {
		newStatus = models.SubscriptionStatusRevoked
	}
	sub.Status = newStatus

	if state.GracePeriodExpiresAt != nil {
		sub.GracePeriodExpiresAt = state.GracePeriodExpiresAt
	} else if newStatus != models.SubscriptionStatusInGracePeriod {
		sub.GracePeriodExpiresAt = nil
	}

	if !state.AutoRenew || state.Revoked {
		if sub.CanceledAt == nil {
			sub.CanceledAt = &now
		}
		if state.CancellationReason != "" {
			sub.CancellationReason = state.CancellationReason
		}
	} else {
		sub.CanceledAt = nil
		sub.CancellationReason = ""
	}

	out := Outcome{Changed: true}
	if state.ProductStoreID != "" {
		out.NewProductStoreID = state.ProductStoreID
	}
	if state.PendingProductStoreID != "" {
		out.PendingProductStoreID = state.PendingProductStoreID
	} else if sub.PendingProductID != nil {
		// The deferred change either took effect or was abandoned upstream.
		sub.PendingProductID = nil
	}
	if state.RecordPurchase {
		out.RecordPurchase = true
	}
	return out
}

// GoogleState is the distilled authoritative snapshot of one Play
// subscription, derived from a subscriptionsv2 response.
type GoogleState struct {
	Status                string
	ProductStoreID        string
	PendingProductStoreID string
	ExpiresAt             *time.Time
	GracePeriodExpiresAt  *time.Time
	StartedAt             *time.Time
	AutoRenew             bool
	Revoked               bool
	CancellationReason    string
	LatestOrderID         string
	RecordPurchase        bool
}
