package subscription

import (
	"testing"
	"time"

	"github.com/LukasBrandt/StoreSync/app/models"
	"github.com/LukasBrandt/StoreSync/internal/pkg/codec"
)

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func activeSub(expiresAt time.Time) *models.Subscription {
	exp := expiresAt
	return &models.Subscription{
		ID:                1,
		AppID:             1,
		SubscriberID:      7,
		ProductID:         10,
		Platform:          models.PlatformAppStore,
		DurablePurchaseID: "1000000123",
		Status:            models.SubscriptionStatusActive,
		AutoRenew:         true,
		ExpiresAt:         &exp,
	}
}

func TestApplyAppleEventRenewal(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	sub := activeSub(now.Add(24 * time.Hour))
	sub.IsTrial = true
	canceled := now.Add(-time.Hour)
	sub.CanceledAt = &canceled
	sub.CancellationReason = models.CancellationReasonCustomer

	newExpiry := now.Add(30 * 24 * time.Hour)
	tx := &codec.AppleTransaction{
		OriginalTransactionID: "1000000123",
		TransactionID:         "1000000456",
		ProductID:             "premium.monthly",
		PurchaseDate:          millis(now),
		ExpiresDate:           millis(newExpiry),
	}
	n := &codec.AppleNotification{NotificationType: codec.AppleNotificationDidRenew}

	out := ApplyAppleEvent(sub, n, tx, nil)
	if !out.Changed {
		t.Fatal("expected renewal to change state")
	}
	if !out.RecordPurchase {
		t.Error("expected renewal to record a purchase")
	}
	if out.NewProductStoreID != "premium.monthly" {
		t.Errorf("expected product id premium.monthly, got %q", out.NewProductStoreID)
	}
	if sub.Status != models.SubscriptionStatusActive {
		t.Errorf("expected active, got %s", sub.Status)
	}
	if sub.IsTrial {
		t.Error("paid renewal should end the trial")
	}
	if sub.CanceledAt != nil || sub.CancellationReason != "" {
		t.Error("renewal should clear cancellation markers")
	}
	if sub.ExpiresAt == nil || !sub.ExpiresAt.Equal(newExpiry) {
		t.Errorf("expected expiry %v, got %v", newExpiry, sub.ExpiresAt)
	}
}

func TestApplyAppleEventResubscribeClearsCancellation(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	sub := activeSub(now.Add(-24 * time.Hour))
	sub.Status = models.SubscriptionStatusExpired
	sub.AutoRenew = false
	canceled := now.Add(-48 * time.Hour)
	sub.CanceledAt = &canceled
	sub.CancellationReason = models.CancellationReasonCustomer

	newExpiry := now.Add(30 * 24 * time.Hour)
	tx := &codec.AppleTransaction{
		OriginalTransactionID: "1000000123",
		TransactionID:         "1000000777",
		ProductID:             "premium.monthly",
		PurchaseDate:          millis(now),
		ExpiresDate:           millis(newExpiry),
	}
	n := &codec.AppleNotification{
		NotificationType: codec.AppleNotificationSubscribed,
		Subtype:          codec.AppleSubtypeResubscribe,
	}

	out := ApplyAppleEvent(sub, n, tx, nil)
	if !out.Changed || !out.RecordPurchase {
		t.Fatal("expected resubscribe to change state and record a purchase")
	}
	if sub.Status != models.SubscriptionStatusActive || !sub.AutoRenew {
		t.Errorf("expected active auto-renewing row, got %s auto_renew=%v", sub.Status, sub.AutoRenew)
	}
	if sub.CanceledAt != nil || sub.CancellationReason != "" {
		t.Error("a fresh purchase must clear cancellation markers from the prior lifetime")
	}
}

func TestApplyAppleEventOutOfOrderRenewal(t *testing.T) {
	now := time.Now().UTC()
	sub := activeSub(now.Add(60 * 24 * time.Hour))

	// A stale renewal whose expiry lies before the stored one must not be
	// applied; the caller reconciles against the live API instead.
	tx := &codec.AppleTransaction{
		OriginalTransactionID: "1000000123",
		TransactionID:         "1000000400",
		ProductID:             "premium.monthly",
		ExpiresDate:           millis(now.Add(24 * time.Hour)),
	}
	n := &codec.AppleNotification{NotificationType: codec.AppleNotificationDidRenew}

	out := ApplyAppleEvent(sub, n, tx, nil)
	if !out.SuspectOutOfOrder {
		t.Fatal("expected backwards-moving expiry to be flagged out of order")
	}
	if sub.Status != models.SubscriptionStatusActive {
		t.Error("row must stay untouched when flagged out of order")
	}
}

func TestApplyAppleEventDowngradeIsDeferred(t *testing.T) {
	now := time.Now().UTC()
	expiry := now.Add(20 * 24 * time.Hour)
	sub := activeSub(expiry)

	tx := &codec.AppleTransaction{
		OriginalTransactionID: "1000000123",
		TransactionID:         "1000000456",
		ProductID:             "premium.yearly",
		ExpiresDate:           millis(expiry),
	}
	n := &codec.AppleNotification{
		NotificationType: codec.AppleNotificationDidChangeRenewalPref,
		Subtype:          codec.AppleSubtypeDowngrade,
	}
	renewal := &codec.AppleRenewalInfo{AutoRenewProductID: "basic.monthly"}

	out := ApplyAppleEvent(sub, n, tx, renewal)
	if !out.Changed {
		t.Fatal("expected downgrade to be recorded")
	}
	if out.PendingProductStoreID != "basic.monthly" {
		t.Errorf("expected pending product basic.monthly, got %q", out.PendingProductStoreID)
	}
	if out.NewProductStoreID != "" {
		t.Error("downgrade must not change the current product")
	}
	if sub.ExpiresAt == nil || !sub.ExpiresAt.Equal(expiry) {
		t.Error("downgrade must not move the expiry")
	}
}

func TestApplyAppleEventUpgradeIsImmediate(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	sub := activeSub(now.Add(10 * 24 * time.Hour))
	pending := uint(99)
	sub.PendingProductID = &pending

	newExpiry := now.Add(365 * 24 * time.Hour)
	tx := &codec.AppleTransaction{
		OriginalTransactionID: "1000000123",
		TransactionID:         "1000000999",
		ProductID:             "premium.yearly",
		PurchaseDate:          millis(now),
		ExpiresDate:           millis(newExpiry),
	}
	n := &codec.AppleNotification{
		NotificationType: codec.AppleNotificationDidChangeRenewalPref,
		Subtype:          codec.AppleSubtypeUpgrade,
	}

	out := ApplyAppleEvent(sub, n, tx, nil)
	if out.NewProductStoreID != "premium.yearly" {
		t.Errorf("expected immediate product change, got %q", out.NewProductStoreID)
	}
	if sub.PendingProductID != nil {
		t.Error("upgrade must clear a scheduled downgrade")
	}
	if sub.ExpiresAt == nil || !sub.ExpiresAt.Equal(newExpiry) {
		t.Errorf("expected new expiry %v, got %v", newExpiry, sub.ExpiresAt)
	}
}

func TestApplyAppleEventAutoRenewDisabled(t *testing.T) {
	now := time.Now().UTC()
	sub := activeSub(now.Add(15 * 24 * time.Hour))

	n := &codec.AppleNotification{
		NotificationType: codec.AppleNotificationDidChangeRenewalStatus,
		Subtype:          codec.AppleSubtypeAutoRenewDisabled,
		SignedDate:       millis(now),
	}

	out := ApplyAppleEvent(sub, n, &codec.AppleTransaction{OriginalTransactionID: "1000000123"}, nil)
	if !out.Changed {
		t.Fatal("expected change")
	}
	if sub.AutoRenew {
		t.Error("auto renew must be off")
	}
	if sub.Status != models.SubscriptionStatusActive {
		t.Error("cancellation keeps access until natural expiry")
	}
	if sub.CanceledAt == nil || sub.CancellationReason != models.CancellationReasonCustomer {
		t.Error("expected customer cancellation markers")
	}
}

func TestApplyAppleEventRefundRevokes(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	sub := activeSub(now.Add(15 * 24 * time.Hour))

	revokedAt := now.Add(-time.Minute)
	tx := &codec.AppleTransaction{
		OriginalTransactionID: "1000000123",
		RevocationDate:        millis(revokedAt),
	}
	n := &codec.AppleNotification{NotificationType: codec.AppleNotificationRefund, SignedDate: millis(now)}

	out := ApplyAppleEvent(sub, n, tx, nil)
	if !out.Changed {
		t.Fatal("expected change")
	}
	if sub.Status != models.SubscriptionStatusRevoked {
		t.Errorf("expected revoked, got %s", sub.Status)
	}
	if sub.AutoRenew {
		t.Error("revocation must disable auto renew")
	}
	if sub.CanceledAt == nil || !sub.CanceledAt.Equal(revokedAt) {
		t.Errorf("expected canceled_at %v, got %v", revokedAt, sub.CanceledAt)
	}
	if sub.CancellationReason != models.CancellationReasonRefund {
		t.Errorf("expected refund reason, got %q", sub.CancellationReason)
	}
}

func TestApplyAppleEventGraceAndExpiry(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	sub := activeSub(now.Add(-time.Hour))
	graceEnd := now.Add(16 * 24 * time.Hour)

	n := &codec.AppleNotification{
		NotificationType: codec.AppleNotificationDidFailToRenew,
		Subtype:          codec.AppleSubtypeGracePeriod,
	}
	renewal := &codec.AppleRenewalInfo{GracePeriodExpiresDate: millis(graceEnd)}

	ApplyAppleEvent(sub, n, &codec.AppleTransaction{OriginalTransactionID: "1000000123"}, renewal)
	if sub.Status != models.SubscriptionStatusInGracePeriod {
		t.Fatalf("expected in_grace_period, got %s", sub.Status)
	}
	if sub.GracePeriodExpiresAt == nil || !sub.GracePeriodExpiresAt.Equal(graceEnd) {
		t.Errorf("expected grace end %v, got %v", graceEnd, sub.GracePeriodExpiresAt)
	}
	if !sub.IsAccessGranting() {
		t.Error("grace period must keep access")
	}

	ApplyAppleEvent(sub, &codec.AppleNotification{NotificationType: codec.AppleNotificationGracePeriodExpired}, nil, nil)
	if sub.Status != models.SubscriptionStatusInBillingRetry {
		t.Fatalf("expected in_billing_retry, got %s", sub.Status)
	}
	if sub.GracePeriodExpiresAt != nil {
		t.Error("grace end must be cleared")
	}
	if sub.IsAccessGranting() {
		t.Error("billing retry must not grant access")
	}

	ApplyAppleEvent(sub, &codec.AppleNotification{
		NotificationType: codec.AppleNotificationExpired,
		Subtype:          codec.AppleSubtypeBillingRetry,
	}, nil, nil)
	if sub.Status != models.SubscriptionStatusExpired {
		t.Fatalf("expected expired, got %s", sub.Status)
	}
	if sub.CancellationReason != models.CancellationReasonBillingError {
		t.Errorf("expected billing_error reason, got %q", sub.CancellationReason)
	}
}

func TestApplyAppleEventIgnoresNonStateTypes(t *testing.T) {
	sub := activeSub(time.Now().UTC().Add(time.Hour))
	before := *sub

	for _, typ := range []string{codec.AppleNotificationPriceIncrease, codec.AppleNotificationConsumptionRequest} {
		out := ApplyAppleEvent(sub, &codec.AppleNotification{NotificationType: typ}, nil, nil)
		if out.Changed {
			t.Errorf("%s must not change state", typ)
		}
	}
	if sub.Status != before.Status || sub.AutoRenew != before.AutoRenew {
		t.Error("row mutated by a non-state event")
	}
}

func TestApplyGoogleStatePauseRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	expiry := now.Add(20 * 24 * time.Hour)
	sub := &models.Subscription{
		ID:                2,
		SubscriberID:      8,
		ProductID:         11,
		Platform:          models.PlatformPlayStore,
		DurablePurchaseID: "token-abc",
		Status:            models.SubscriptionStatusActive,
		AutoRenew:         true,
		ExpiresAt:         &expiry,
	}

	ApplyGoogleState(sub, GoogleState{
		Status:         models.SubscriptionStatusPaused,
		ProductStoreID: "premium_monthly",
		ExpiresAt:      &expiry,
		AutoRenew:      true,
	}, now)
	if sub.Status != models.SubscriptionStatusPaused {
		t.Fatalf("expected paused, got %s", sub.Status)
	}
	if sub.StatusBeforePause != models.SubscriptionStatusActive {
		t.Errorf("expected active recorded before pause, got %q", sub.StatusBeforePause)
	}

	ApplyGoogleState(sub, GoogleState{
		Status:         models.SubscriptionStatusActive,
		ProductStoreID: "premium_monthly",
		ExpiresAt:      &expiry,
		AutoRenew:      true,
		RecordPurchase: true,
	}, now)
	if sub.Status != models.SubscriptionStatusActive {
		t.Fatalf("expected active after resume, got %s", sub.Status)
	}
}

func TestApplyGoogleStateRevoked(t *testing.T) {
	now := time.Now().UTC()
	expiry := now.Add(10 * 24 * time.Hour)
	sub := &models.Subscription{
		Status:    models.SubscriptionStatusActive,
		AutoRenew: true,
		ExpiresAt: &expiry,
	}

	out := ApplyGoogleState(sub, GoogleState{
		Status:             models.SubscriptionStatusActive,
		ExpiresAt:          &expiry,
		Revoked:            true,
		CancellationReason: models.CancellationReasonRefund,
	}, now)
	if !out.Changed {
		t.Fatal("expected change")
	}
	if sub.Status != models.SubscriptionStatusRevoked {
		t.Errorf("expected revoked, got %s", sub.Status)
	}
	if sub.CanceledAt == nil || sub.CancellationReason != models.CancellationReasonRefund {
		t.Error("expected refund cancellation markers")
	}
}

func TestApplyGoogleStateClearsStalePending(t *testing.T) {
	now := time.Now().UTC()
	pending := uint(42)
	sub := &models.Subscription{
		Status:           models.SubscriptionStatusActive,
		AutoRenew:        true,
		PendingProductID: &pending,
	}

	out := ApplyGoogleState(sub, GoogleState{
		Status:         models.SubscriptionStatusActive,
		ProductStoreID: "basic_monthly",
		AutoRenew:      true,
	}, now)
	if !out.Changed {
		t.Fatal("expected change")
	}
	if sub.PendingProductID != nil {
		t.Error("pending product must be nil after clearing")
	}
}
