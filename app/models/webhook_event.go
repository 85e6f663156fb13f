package models

import "time"

// WebhookEvent stores every inbound store notification with deduplication
// metadata. The (app, platform, event id) tuple is unique; a second delivery
// of the same event id is recognized as a duplicate at insert time. Events
// are logged before processing, so a later processing failure never loses
// the notification — the row stays visible for replay until processed_at is
// set.
type WebhookEvent struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	AppID    uint   `gorm:"not null;index:ux_webhook_events_app_platform_event,unique,priority:1" json:"app_id"`
	Platform string `gorm:"type:varchar(20);not null;index:ux_webhook_events_app_platform_event,unique,priority:2" json:"platform"`
	EventID  string `gorm:"type:varchar(191);not null;index:ux_webhook_events_app_platform_event,unique,priority:3" json:"event_id"`

	EventType string `gorm:"type:varchar(100);not null;index" json:"event_type"`
	Subtype   string `gorm:"type:varchar(100)" json:"subtype,omitempty"`

	PayloadJSON string `gorm:"type:longtext;not null" json:"payload_json"`

	ProcessedAt     *time.Time `gorm:"type:timestamp;default:null;index" json:"processed_at,omitempty"`
	ProcessingError string     `gorm:"type:text" json:"processing_error,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
