package models

import "time"

// Purchase is an immutable record of one completed transaction (subscription
// renewal or one-time purchase). Rows are append-only and never mutated after
// insert, except for the revocation marker set by voided-purchase events.
type Purchase struct {
	ID           uint `gorm:"primaryKey" json:"id"`
	AppID        uint `gorm:"not null;index" json:"app_id"`
	SubscriberID uint `gorm:"not null;index" json:"subscriber_id"`
	ProductID    uint `gorm:"not null;index" json:"product_id"`

	Platform      string `gorm:"type:varchar(20);not null;index:ux_purchases_platform_tx,unique,priority:1" json:"platform"`
	TransactionID string `gorm:"type:varchar(191);not null;index:ux_purchases_platform_tx,unique,priority:2" json:"transaction_id"`

	// DurablePurchaseID is the purchase token (Play) or original transaction
	// id (App Store); voided-purchase events reference it instead of the
	// per-transaction id.
	DurablePurchaseID string `gorm:"type:varchar(191);index" json:"durable_purchase_id"`

	PurchasedAt time.Time  `gorm:"type:timestamp;not null" json:"purchased_at"`
	ExpiresAt   *time.Time `gorm:"type:timestamp;default:null" json:"expires_at,omitempty"`
	Quantity    int        `gorm:"default:1" json:"quantity"`

	Revoked   bool       `gorm:"default:false;index" json:"revoked"`
	RevokedAt *time.Time `gorm:"type:timestamp;default:null" json:"revoked_at,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// IsAccessGranting reports whether a one-time purchase currently contributes
// entitlement access: not revoked and, for time-limited purchases, not past
// its expiry.
func (p *Purchase) IsAccessGranting(now time.Time) bool {
	if p.Revoked {
		return false
	}
	if p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
		return false
	}
	return true
}
