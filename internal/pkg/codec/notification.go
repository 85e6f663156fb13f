package codec

import (
	"fmt"
	"time"

	"github.com/LukasBrandt/StoreSync/app/models"
)

// Notification is the provider-neutral shape both store envelopes normalize
// into. DurablePurchaseID is the identifier that stays constant across the
// whole subscription lineage (original transaction id / purchase token).
type Notification struct {
	Platform          string
	Type              string
	Subtype           string
	EventID           string
	DurablePurchaseID string
	TransactionID     string
	ProductID         string
	EventTime         *time.Time
	Raw               string
}

// NormalizeApple flattens a decoded Apple notification and its transaction
// payload into the neutral shape.
func NormalizeApple(n *AppleNotification, tx *AppleTransaction, raw string) Notification {
	out := Notification{
		Platform:  models.PlatformAppStore,
		Type:      n.NotificationType,
		Subtype:   n.Subtype,
		EventID:   n.NotificationUUID,
		EventTime: AppleTime(n.SignedDate),
		Raw:       raw,
	}
	if tx != nil {
		out.DurablePurchaseID = tx.OriginalTransactionID
		out.TransactionID = tx.TransactionID
		out.ProductID = tx.ProductID
	}
	return out
}

// NormalizeGoogle flattens a Pub/Sub envelope plus developer notification
// into the neutral shape. The message id is the vendor event id.
func NormalizeGoogle(env *PushEnvelope, n *DeveloperNotification, raw string) (Notification, error) {
	kind, err := n.Kind()
	if err != nil {
		return Notification{}, err
	}

	out := Notification{
		Platform:  models.PlatformPlayStore,
		EventID:   env.Message.MessageID,
		EventTime: n.EventTime(),
		Raw:       raw,
	}

	switch kind {
	case KindSubscription:
		sn := n.SubscriptionNotification
		out.Type = GoogleSubscriptionTypeName(sn.NotificationType)
		out.DurablePurchaseID = sn.PurchaseToken
		out.ProductID = sn.SubscriptionID
	case KindOneTimeProduct:
		on := n.OneTimeProductNotification
		out.Type = googleOneTimeTypeName(on.NotificationType)
		out.DurablePurchaseID = on.PurchaseToken
		out.ProductID = on.SKU
	case KindVoidedPurchase:
		vn := n.VoidedPurchaseNotification
		out.Type = "VOIDED_PURCHASE"
		out.DurablePurchaseID = vn.PurchaseToken
		out.TransactionID = vn.OrderID
	case KindTest:
		out.Type = "TEST"
	}
	return out, nil
}

// GoogleSubscriptionTypeName renders the numeric RTDN subscription type as
// its documented constant name for logging and the event log.
func GoogleSubscriptionTypeName(t int) string {
	switch t {
	case GoogleSubscriptionRecovered:
		return "SUBSCRIPTION_RECOVERED"
	case GoogleSubscriptionRenewed:
		return "SUBSCRIPTION_RENEWED"
	case GoogleSubscriptionCanceled:
		return "SUBSCRIPTION_CANCELED"
	case GoogleSubscriptionPurchased:
		return "SUBSCRIPTION_PURCHASED"
	case GoogleSubscriptionOnHold:
		return "SUBSCRIPTION_ON_HOLD"
	case GoogleSubscriptionInGracePeriod:
		return "SUBSCRIPTION_IN_GRACE_PERIOD"
	case GoogleSubscriptionRestarted:
		return "SUBSCRIPTION_RESTARTED"
	case GoogleSubscriptionPriceChangeConfirm:
		return "SUBSCRIPTION_PRICE_CHANGE_CONFIRMED"
	case GoogleSubscriptionDeferred:
		return "SUBSCRIPTION_DEFERRED"
	case GoogleSubscriptionPaused:
		return "SUBSCRIPTION_PAUSED"
	case GoogleSubscriptionPauseScheduleChanged:
		return "SUBSCRIPTION_PAUSE_SCHEDULE_CHANGED"
	case GoogleSubscriptionRevoked:
		return "SUBSCRIPTION_REVOKED"
	case GoogleSubscriptionExpired:
		return "SUBSCRIPTION_EXPIRED"
	default:
		return fmt.Sprintf("SUBSCRIPTION_UNKNOWN_%d", t)
	}
}

func googleOneTimeTypeName(t int) string {
	switch t {
	case GoogleOneTimeProductPurchased:
		return "ONE_TIME_PRODUCT_PURCHASED"
	case GoogleOneTimeProductCanceled:
		return "ONE_TIME_PRODUCT_CANCELED"
	default:
		return fmt.Sprintf("ONE_TIME_PRODUCT_UNKNOWN_%d", t)
	}
}
