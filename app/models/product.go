package models

import (
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

const (
	ProductTypeConsumable      = "consumable"
	ProductTypeNonConsumable   = "non_consumable"
	ProductTypeAutoRenewable   = "auto_renewable_subscription"
	ProductTypeNonRenewingSubs = "non_renewing_subscription"
)

// Product maps an internal identifier 1:1 to a store product identifier,
// scoped to one platform and one App. Identity is immutable after creation;
// metadata (period, trial) may change.
type Product struct {
	ID              uint   `gorm:"primaryKey" json:"id"`
	AppID           uint   `gorm:"not null;index;index:ux_products_app_platform_store,unique,priority:1" json:"app_id"`
	Identifier      string `gorm:"type:varchar(191);not null;index" json:"identifier" validate:"required,max=191"`
	Platform        string `gorm:"type:varchar(20);not null;index:ux_products_app_platform_store,unique,priority:2" json:"platform" validate:"oneof=app_store play_store"`
	StoreIdentifier string `gorm:"type:varchar(191);not null;index:ux_products_app_platform_store,unique,priority:3" json:"store_identifier" validate:"required,max=191"`
	Type            string `gorm:"type:varchar(40);not null" json:"type" validate:"oneof=consumable non_consumable auto_renewable_subscription non_renewing_subscription"`

	// Subscription metadata, ISO 8601 durations (P1M, P1Y, P3D ...).
	Period      string `gorm:"type:varchar(20)" json:"period,omitempty"`
	TrialPeriod string `gorm:"type:varchar(20)" json:"trial_period,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p *Product) Validate() error {
	v := validator.New()

	return v.Struct(p)
}

// IsSubscription reports whether the product represents any subscription type.
func (p *Product) IsSubscription() bool {
	return p.Type == ProductTypeAutoRenewable || p.Type == ProductTypeNonRenewingSubs
}

// GetProductByStoreIdentifier resolves a store product id to the internal
// Product for one app and platform.
func GetProductByStoreIdentifier(db *gorm.DB, appID uint, platform, storeIdentifier string) (*Product, error) {
	var product Product
	err := db.Where("app_id = ? AND platform = ? AND store_identifier = ?", appID, platform, storeIdentifier).
		First(&product).Error
	if err != nil {
		return nil, err
	}
	return &product, nil
}
