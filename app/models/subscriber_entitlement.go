package models

import "time"

// SubscriberEntitlement is the materialized grant of one Entitlement to one
// Subscriber. At most one row exists per (subscriber, entitlement); the full
// set for a subscriber is replaced, never patched, on every recomputation.
type SubscriberEntitlement struct {
	ID            uint `gorm:"primaryKey" json:"id"`
	SubscriberID  uint `gorm:"not null;index:ux_subscriber_entitlements_pair,unique,priority:1" json:"subscriber_id"`
	EntitlementID uint `gorm:"not null;index:ux_subscriber_entitlements_pair,unique,priority:2" json:"entitlement_id"`

	// Contributing grant with the latest expiry.
	ProductID      uint  `gorm:"not null" json:"product_id"`
	SubscriptionID *uint `gorm:"default:null" json:"subscription_id,omitempty"`

	ExpiresAt *time.Time `gorm:"type:timestamp;default:null" json:"expires_at,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
