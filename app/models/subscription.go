package models

import "time"

const (
	SubscriptionStatusActive         = "active"
	SubscriptionStatusInGracePeriod  = "in_grace_period"
	SubscriptionStatusInBillingRetry = "in_billing_retry"
	SubscriptionStatusExpired        = "expired"
	SubscriptionStatusCanceled       = "canceled"
	SubscriptionStatusRevoked        = "revoked"
	SubscriptionStatusPaused         = "paused"
)

const (
	CancellationReasonCustomer     = "customer"
	CancellationReasonRefund       = "refund"
	CancellationReasonChargeback   = "chargeback"
	CancellationReasonBillingError = "billing_error"
	CancellationReasonDeveloper    = "developer"
	CancellationReasonSystem       = "system"
)

// Subscription is one durable subscription lineage for one Subscriber, keyed
// by the store's durable purchase identifier (original transaction id /
// purchase token). Exactly one row exists per (platform, durable id); the row
// is never deleted, stores resurrect lineages by sending further events
// against the same identifier.
type Subscription struct {
	ID           uint `gorm:"primaryKey" json:"id"`
	AppID        uint `gorm:"not null;index" json:"app_id"`
	SubscriberID uint `gorm:"not null;index" json:"subscriber_id"`
	ProductID    uint `gorm:"not null;index" json:"product_id"`

	// PendingProductID holds a scheduled downgrade. It becomes the current
	// product on the next renewal, never before.
	PendingProductID *uint `gorm:"default:null" json:"pending_product_id,omitempty"`

	Platform          string `gorm:"type:varchar(20);not null;index:ux_subscriptions_platform_purchase,unique,priority:1" json:"platform"`
	DurablePurchaseID string `gorm:"type:varchar(191);not null;index:ux_subscriptions_platform_purchase,unique,priority:2" json:"durable_purchase_id"`
	LatestTransactionID string `gorm:"type:varchar(191)" json:"latest_transaction_id"`

	Status string `gorm:"type:varchar(32);not null;default:'active';index" json:"status"`

	PurchasedAt          *time.Time `gorm:"type:timestamp;default:null" json:"purchased_at,omitempty"`
	ExpiresAt            *time.Time `gorm:"type:timestamp;default:null" json:"expires_at,omitempty"`
	GracePeriodExpiresAt *time.Time `gorm:"type:timestamp;default:null" json:"grace_period_expires_at,omitempty"`

	AutoRenew    bool `gorm:"default:true" json:"auto_renew"`
	IsTrial      bool `gorm:"default:false" json:"is_trial"`
	IsIntroOffer bool `gorm:"default:false" json:"is_intro_offer"`

	CanceledAt         *time.Time `gorm:"type:timestamp;default:null" json:"canceled_at,omitempty"`
	CancellationReason string     `gorm:"type:varchar(40)" json:"cancellation_reason,omitempty"`

	// Status held before a pause, restored on resume.
	StatusBeforePause string `gorm:"type:varchar(32)" json:"-"`

	RawDetailJSON string `gorm:"type:longtext" json:"-"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsAccessGranting reports whether the subscription currently grants content
// access. Only active and in_grace_period grant access; canceled-but-unexpired
// lineages keep their access through the active status until natural expiry.
func (s *Subscription) IsAccessGranting() bool {
	switch s.Status {
	case SubscriptionStatusActive, SubscriptionStatusInGracePeriod:
		return true
	default:
		return false
	}
}

// EffectiveExpiry returns the expiry relevant for entitlement computation:
// the grace period end while in grace, otherwise the regular expiry.
func (s *Subscription) EffectiveExpiry() *time.Time {
	if s.Status == SubscriptionStatusInGracePeriod && s.GracePeriodExpiresAt != nil {
		return s.GracePeriodExpiresAt
	}
	return s.ExpiresAt
}
