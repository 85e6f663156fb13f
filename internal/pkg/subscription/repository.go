package subscription

import (
	"context"
	"time"

	"github.com/LukasBrandt/StoreSync/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides DB operations used by the subscription service.
type Repository interface {
	FindForUpdate(tx *gorm.DB, platform, durablePurchaseID string) (*models.Subscription, error)
	Save(tx *gorm.DB, sub *models.Subscription) error
	CreatePurchaseIfNotExists(tx *gorm.DB, purchase *models.Purchase) (bool, error)
	FindPurchasesByDurableID(tx *gorm.DB, platform, durablePurchaseID string) ([]models.Purchase, error)
	RevokePurchase(tx *gorm.DB, id uint, revokedAt time.Time) error

	CreateWebhookEventIfNotExists(ctx context.Context, event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, id uint) error
	RecordWebhookError(ctx context.Context, id uint, processingError string) error
	GetWebhookEvent(ctx context.Context, appID, id uint) (*models.WebhookEvent, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a subscription repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) FindForUpdate(tx *gorm.DB, platform, durablePurchaseID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("platform = ? AND durable_purchase_id = ?", platform, durablePurchaseID).
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) Save(tx *gorm.DB, sub *models.Subscription) error {
	return tx.Save(sub).Error
}

func (r *gormRepository) CreatePurchaseIfNotExists(tx *gorm.DB, purchase *models.Purchase) (bool, error) {
	res := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "platform"},
			{Name: "transaction_id"},
		},
		DoNothing: true,
	}).Create(purchase)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *gormRepository) FindPurchasesByDurableID(tx *gorm.DB, platform, durablePurchaseID string) ([]models.Purchase, error) {
	var purchases []models.Purchase
	err := tx.Where("platform = ? AND durable_purchase_id = ?", platform, durablePurchaseID).
		Find(&purchases).Error
	return purchases, err
}

func (r *gormRepository) RevokePurchase(tx *gorm.DB, id uint, revokedAt time.Time) error {
	return tx.Model(&models.Purchase{}).Where("id = ?", id).Updates(map[string]interface{}{
		"revoked":    true,
		"revoked_at": &revokedAt,
	}).Error
}

func (r *gormRepository) CreateWebhookEventIfNotExists(ctx context.Context, event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	db := r.db.WithContext(ctx)
	tx := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "app_id"},
			{Name: "platform"},
			{Name: "event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEvent
	if err := db.Where("app_id = ? AND platform = ? AND event_id = ?", event.AppID, event.Platform, event.EventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(ctx context.Context, id uint) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(map[string]interface{}{
		"processed_at":     &now,
		"processing_error": "",
	}).Error
}

// RecordWebhookError stores the failure but leaves processed_at NULL so the
// event stays visible for replay.
func (r *gormRepository) RecordWebhookError(ctx context.Context, id uint, processingError string) error {
	return r.db.WithContext(ctx).Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(map[string]interface{}{
		"processing_error": processingError,
	}).Error
}

func (r *gormRepository) GetWebhookEvent(ctx context.Context, appID, id uint) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	err := r.db.WithContext(ctx).Where("id = ? AND app_id = ?", id, appID).First(&event).Error
	if err != nil {
		return nil, err
	}
	return &event, nil
}
