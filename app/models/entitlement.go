package models

import (
	"time"

	"gorm.io/gorm"
)

// Entitlement is a named feature-access flag scoped to an App (e.g. "pro").
// It is decoupled from any specific product; products grant entitlements via
// ProductEntitlement links.
type Entitlement struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	AppID       uint   `gorm:"not null;index:ux_entitlements_app_identifier,unique,priority:1" json:"app_id"`
	Identifier  string `gorm:"type:varchar(191);not null;index:ux_entitlements_app_identifier,unique,priority:2" json:"identifier"`
	Description string `gorm:"type:varchar(255)" json:"description,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ProductEntitlement links one Product to one Entitlement it grants.
type ProductEntitlement struct {
	ID            uint `gorm:"primaryKey" json:"id"`
	ProductID     uint `gorm:"not null;index:ux_product_entitlements_pair,unique,priority:1" json:"product_id"`
	EntitlementID uint `gorm:"not null;index:ux_product_entitlements_pair,unique,priority:2;index" json:"entitlement_id"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// ListEntitlementIDsByProduct returns the entitlement ids granted by each of
// the given products.
func ListEntitlementIDsByProduct(db *gorm.DB, productIDs []uint) (map[uint][]uint, error) {
	out := make(map[uint][]uint, len(productIDs))
	if len(productIDs) == 0 {
		return out, nil
	}
	var links []ProductEntitlement
	if err := db.Where("product_id IN ?", productIDs).Find(&links).Error; err != nil {
		return nil, err
	}
	for _, link := range links {
		out[link.ProductID] = append(out[link.ProductID], link.EntitlementID)
	}
	return out, nil
}
