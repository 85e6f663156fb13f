package models

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	PlatformAppStore  = "app_store"
	PlatformPlayStore = "play_store"
)

// App is one integration target (one mobile app) with per-store credentials
// and the per-store routing secrets used to address its webhook endpoints.
type App struct {
	ID   uint   `gorm:"primaryKey" json:"id"`
	Name string `gorm:"type:varchar(150);not null" json:"name" validate:"required,min=2,max=150"`

	// Apple
	BundleID           string `gorm:"type:varchar(191);index" json:"bundle_id" validate:"max=191"`
	AppleIssuerID      string `gorm:"type:varchar(100)" json:"-"`
	AppleKeyID         string `gorm:"type:varchar(20)" json:"-"`
	ApplePrivateKeyPEM string `gorm:"type:text" json:"-"`
	AppleWebhookToken  string `gorm:"type:varchar(64);uniqueIndex" json:"-"`

	// Google
	PackageName              string `gorm:"type:varchar(191);index" json:"package_name" validate:"max=191"`
	GoogleServiceAccountJSON string `gorm:"type:text" json:"-"`
	GoogleWebhookToken       string `gorm:"type:varchar(64);uniqueIndex" json:"-"`

	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (a *App) Validate() error {
	v := validator.New()

	return v.Struct(a)
}

// GenerateWebhookTokens assigns fresh unguessable routing secrets for both
// store endpoints. Existing tokens are replaced, which invalidates the old
// webhook URLs.
func (a *App) GenerateWebhookTokens() {
	a.AppleWebhookToken = newWebhookToken()
	a.GoogleWebhookToken = newWebhookToken()
}

func newWebhookToken() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

// GetAppByAppleWebhookToken resolves the App addressed by an Apple webhook
// routing secret.
func GetAppByAppleWebhookToken(db *gorm.DB, token string) (*App, error) {
	var app App
	err := db.Where("apple_webhook_token = ?", token).First(&app).Error
	if err != nil {
		return nil, err
	}
	return &app, nil
}

// GetAppByGoogleWebhookToken resolves the App addressed by a Google webhook
// routing secret.
func GetAppByGoogleWebhookToken(db *gorm.DB, token string) (*App, error) {
	var app App
	err := db.Where("google_webhook_token = ?", token).First(&app).Error
	if err != nil {
		return nil, err
	}
	return &app, nil
}
