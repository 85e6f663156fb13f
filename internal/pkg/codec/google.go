package codec

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Real-time developer notification types for subscriptions.
const (
	GoogleSubscriptionRecovered            = 1
	GoogleSubscriptionRenewed              = 2
	GoogleSubscriptionCanceled             = 3
	GoogleSubscriptionPurchased            = 4
	GoogleSubscriptionOnHold               = 5
	GoogleSubscriptionInGracePeriod        = 6
	GoogleSubscriptionRestarted            = 7
	GoogleSubscriptionPriceChangeConfirm   = 8
	GoogleSubscriptionDeferred             = 9
	GoogleSubscriptionPaused               = 10
	GoogleSubscriptionPauseScheduleChanged = 11
	GoogleSubscriptionRevoked              = 12
	GoogleSubscriptionExpired              = 13
)

// One-time product notification types.
const (
	GoogleOneTimeProductPurchased = 1
	GoogleOneTimeProductCanceled  = 2
)

// NotificationKind identifies which of the mutually exclusive sub-notifications
// a developer notification carries.
type NotificationKind int

const (
	KindUnknown NotificationKind = iota
	KindSubscription
	KindOneTimeProduct
	KindVoidedPurchase
	KindTest
)

var (
	ErrInvalidPushEnvelope   = errors.New("push envelope missing message data")
	ErrAmbiguousNotification = errors.New("developer notification must carry exactly one sub-notification")
)

// PushEnvelope is the Pub/Sub push delivery wrapper Google posts to the
// webhook endpoint.
type PushEnvelope struct {
	Message struct {
		Data        string            `json:"data"`
		MessageID   string            `json:"messageId"`
		PublishTime string            `json:"publishTime"`
		Attributes  map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// DeveloperNotification is the decoded message.data document. Exactly one of
// the four sub-notification fields is present.
type DeveloperNotification struct {
	Version         string `json:"version"`
	PackageName     string `json:"packageName"`
	EventTimeMillis string `json:"eventTimeMillis"`

	SubscriptionNotification   *SubscriptionNotification   `json:"subscriptionNotification,omitempty"`
	OneTimeProductNotification *OneTimeProductNotification `json:"oneTimeProductNotification,omitempty"`
	VoidedPurchaseNotification *VoidedPurchaseNotification `json:"voidedPurchaseNotification,omitempty"`
	TestNotification           *TestNotification           `json:"testNotification,omitempty"`
}

type SubscriptionNotification struct {
	Version          string `json:"version"`
	NotificationType int    `json:"notificationType"`
	PurchaseToken    string `json:"purchaseToken"`
	SubscriptionID   string `json:"subscriptionId"`
}

type OneTimeProductNotification struct {
	Version          string `json:"version"`
	NotificationType int    `json:"notificationType"`
	PurchaseToken    string `json:"purchaseToken"`
	SKU              string `json:"sku"`
}

type VoidedPurchaseNotification struct {
	PurchaseToken string `json:"purchaseToken"`
	OrderID       string `json:"orderId"`
	ProductType   int    `json:"productType"`
	RefundType    int    `json:"refundType"`
}

type TestNotification struct {
	Version string `json:"version"`
}

// Kind dispatches on which sub-notification field is present and enforces
// that exactly one is set.
func (n *DeveloperNotification) Kind() (NotificationKind, error) {
	kind := KindUnknown
	count := 0
	if n.SubscriptionNotification != nil {
		kind = KindSubscription
		count++
	}
	if n.OneTimeProductNotification != nil {
		kind = KindOneTimeProduct
		count++
	}
	if n.VoidedPurchaseNotification != nil {
		kind = KindVoidedPurchase
		count++
	}
	if n.TestNotification != nil {
		kind = KindTest
		count++
	}
	if count != 1 {
		return KindUnknown, ErrAmbiguousNotification
	}
	return kind, nil
}

// EventTime converts eventTimeMillis into a time.Time, nil when absent or
// malformed.
func (n *DeveloperNotification) EventTime() *time.Time {
	if n.EventTimeMillis == "" {
		return nil
	}
	ms, err := strconv.ParseInt(n.EventTimeMillis, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

// ParseGooglePushEnvelope decodes a Pub/Sub push body into the developer
// notification it carries, returning the envelope alongside for its message
// id (the vendor event id used for deduplication).
func ParseGooglePushEnvelope(body []byte) (*PushEnvelope, *DeveloperNotification, error) {
	var env PushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, nil, fmt.Errorf("push envelope: %w", err)
	}
	if env.Message.Data == "" {
		return nil, nil, ErrInvalidPushEnvelope
	}

	raw, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		// Some publishers use the URL-safe alphabet.
		raw, err = base64.URLEncoding.DecodeString(env.Message.Data)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPushEnvelope, err)
		}
	}

	var n DeveloperNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, nil, fmt.Errorf("developer notification: %w", err)
	}
	if n.PackageName == "" {
		return nil, nil, errors.New("developer notification missing packageName")
	}
	return &env, &n, nil
}
