package codec

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// App Store Server Notification V2 types.
const (
	AppleNotificationSubscribed             = "SUBSCRIBED"
	AppleNotificationDidRenew               = "DID_RENEW"
	AppleNotificationDidChangeRenewalPref   = "DID_CHANGE_RENEWAL_PREF"
	AppleNotificationDidChangeRenewalStatus = "DID_CHANGE_RENEWAL_STATUS"
	AppleNotificationDidFailToRenew         = "DID_FAIL_TO_RENEW"
	AppleNotificationGracePeriodExpired     = "GRACE_PERIOD_EXPIRED"
	AppleNotificationExpired                = "EXPIRED"
	AppleNotificationRefund                 = "REFUND"
	AppleNotificationRevoke                 = "REVOKE"
	AppleNotificationPriceIncrease          = "PRICE_INCREASE"
	AppleNotificationRenewalExtended        = "RENEWAL_EXTENDED"
	AppleNotificationConsumptionRequest     = "CONSUMPTION_REQUEST"
	AppleNotificationTest                   = "TEST"
)

// App Store Server Notification V2 subtypes.
const (
	AppleSubtypeInitialBuy        = "INITIAL_BUY"
	AppleSubtypeResubscribe       = "RESUBSCRIBE"
	AppleSubtypeUpgrade           = "UPGRADE"
	AppleSubtypeDowngrade         = "DOWNGRADE"
	AppleSubtypeAutoRenewEnabled  = "AUTO_RENEW_ENABLED"
	AppleSubtypeAutoRenewDisabled = "AUTO_RENEW_DISABLED"
	AppleSubtypeGracePeriod       = "GRACE_PERIOD"
	AppleSubtypeBillingRetry      = "BILLING_RETRY"
	AppleSubtypeBillingRecovery   = "BILLING_RECOVERY"
	AppleSubtypeVoluntary         = "VOLUNTARY"
)

var ErrInvalidSignedPayload = errors.New("signed payload is not a three-part JWS token")

// AppleNotification is the decoded responseBodyV2 payload of an App Store
// Server Notification.
type AppleNotification struct {
	NotificationType string                `json:"notificationType"`
	Subtype          string                `json:"subtype"`
	NotificationUUID string                `json:"notificationUUID"`
	Version          string                `json:"version"`
	SignedDate       int64                 `json:"signedDate"`
	Data             AppleNotificationData `json:"data"`
}

type AppleNotificationData struct {
	AppAppleID            int64  `json:"appAppleId"`
	BundleID              string `json:"bundleId"`
	BundleVersion         string `json:"bundleVersion"`
	Environment           string `json:"environment"`
	Status                int    `json:"status"`
	SignedTransactionInfo string `json:"signedTransactionInfo"`
	SignedRenewalInfo     string `json:"signedRenewalInfo"`
}

// AppleTransaction is the decoded JWSTransactionDecodedPayload.
type AppleTransaction struct {
	OriginalTransactionID string `json:"originalTransactionId"`
	TransactionID         string `json:"transactionId"`
	WebOrderLineItemID    string `json:"webOrderLineItemId"`
	BundleID              string `json:"bundleId"`
	ProductID             string `json:"productId"`
	SubscriptionGroupID   string `json:"subscriptionGroupIdentifier"`
	PurchaseDate          int64  `json:"purchaseDate"`
	OriginalPurchaseDate  int64  `json:"originalPurchaseDate"`
	ExpiresDate           int64  `json:"expiresDate"`
	Quantity              int    `json:"quantity"`
	Type                  string `json:"type"`
	InAppOwnershipType    string `json:"inAppOwnershipType"`
	Environment           string `json:"environment"`
	RevocationDate        int64  `json:"revocationDate"`
	RevocationReason      *int   `json:"revocationReason"`
	OfferType             int    `json:"offerType"`
	OfferIdentifier       string `json:"offerIdentifier"`
	AppAccountToken       string `json:"appAccountToken"`
}

// AppleRenewalInfo is the decoded JWSRenewalInfoDecodedPayload.
type AppleRenewalInfo struct {
	OriginalTransactionID  string `json:"originalTransactionId"`
	AutoRenewProductID     string `json:"autoRenewProductId"`
	ProductID              string `json:"productId"`
	AutoRenewStatus        int    `json:"autoRenewStatus"`
	ExpirationIntent       int    `json:"expirationIntent"`
	IsInBillingRetryPeriod bool   `json:"isInBillingRetryPeriod"`
	GracePeriodExpiresDate int64  `json:"gracePeriodExpiresDate"`
	SignedDate             int64  `json:"signedDate"`
}

// ParseAppleSignedPayload decodes the middle segment of Apple's three-part
// signed payload into the notification body. The JWS signature chain is not
// verified here; the per-app routing secret is the endpoint's authentication
// today and a verification seam belongs in front of this call.
func ParseAppleSignedPayload(signedPayload string) (*AppleNotification, error) {
	claims, err := decodeJWSClaims(signedPayload)
	if err != nil {
		return nil, err
	}
	var n AppleNotification
	if err := json.Unmarshal(claims, &n); err != nil {
		return nil, fmt.Errorf("apple notification payload: %w", err)
	}
	if n.NotificationType == "" {
		return nil, errors.New("apple notification payload missing notificationType")
	}
	return &n, nil
}

// DecodeAppleTransaction decodes a signedTransactionInfo JWS into the
// transaction payload.
func DecodeAppleTransaction(signedTransactionInfo string) (*AppleTransaction, error) {
	claims, err := decodeJWSClaims(signedTransactionInfo)
	if err != nil {
		return nil, err
	}
	var tx AppleTransaction
	if err := json.Unmarshal(claims, &tx); err != nil {
		return nil, fmt.Errorf("apple transaction payload: %w", err)
	}
	if tx.OriginalTransactionID == "" {
		return nil, errors.New("apple transaction payload missing originalTransactionId")
	}
	return &tx, nil
}

// DecodeAppleRenewalInfo decodes a signedRenewalInfo JWS into the renewal
// payload.
func DecodeAppleRenewalInfo(signedRenewalInfo string) (*AppleRenewalInfo, error) {
	claims, err := decodeJWSClaims(signedRenewalInfo)
	if err != nil {
		return nil, err
	}
	var info AppleRenewalInfo
	if err := json.Unmarshal(claims, &info); err != nil {
		return nil, fmt.Errorf("apple renewal payload: %w", err)
	}
	return &info, nil
}

func decodeJWSClaims(token string) ([]byte, error) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 || parts[1] == "" {
		return nil, ErrInvalidSignedPayload
	}
	claims, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignedPayload, err)
	}
	return claims, nil
}

// AppleTime converts Apple's millisecond timestamps to time.Time. Zero stays
// nil so absent dates do not become 1970.
func AppleTime(ms int64) *time.Time {
	if ms == 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
