package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// Subscriber is one end user of one App, identified by the app-supplied user
// id. Created on first contact and never deleted by this service.
type Subscriber struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	AppID     uint   `gorm:"not null;index:ux_subscribers_app_user,unique,priority:1" json:"app_id"`
	AppUserID string `gorm:"type:varchar(191);not null;index:ux_subscribers_app_user,unique,priority:2" json:"app_user_id"`

	LastSeenAt *time.Time `gorm:"type:timestamp;default:null" json:"last_seen_at,omitempty"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// GetOrCreateSubscriber looks up a subscriber by (app, app user id) and
// creates it on first contact.
func GetOrCreateSubscriber(db *gorm.DB, appID uint, appUserID string) (*Subscriber, error) {
	if appID == 0 || appUserID == "" {
		return nil, errors.New("app_id and app_user_id are required")
	}

	var sub Subscriber
	err := db.Where("app_id = ? AND app_user_id = ?", appID, appUserID).First(&sub).Error
	if err == nil {
		return &sub, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	sub = Subscriber{AppID: appID, AppUserID: appUserID}
	if err := db.Create(&sub).Error; err != nil {
		// Lost a create race; fetch the winner.
		if fetchErr := db.Where("app_id = ? AND app_user_id = ?", appID, appUserID).First(&sub).Error; fetchErr == nil {
			return &sub, nil
		}
		return nil, err
	}
	return &sub, nil
}
