package billing

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/CreditWallet/app/models"
)

// Repository provides DB operations used by the billing service. Methods that
// take tx run on the caller's transaction.
type Repository interface {
	ClaimIdempotencyKey(tx *gorm.DB, provider, externalID string) (bool, error)
	HasIdempotencyKey(tx *gorm.DB, provider, externalID string) (bool, error)

	CreateOrder(tx *gorm.DB, order *models.Order) error
	GetOrderByExternalID(provider, externalID string) (*models.Order, error)
	GetOrder(id uint) (*models.Order, error)
	ListOrdersByUser(userID uint) ([]models.Order, error)
	MarkOrderRefunded(id uint) (bool, error)

	GetSubscription(tx *gorm.DB, userID uint, provider string) (*models.Subscription, error)
	FindSubscriptionByExternalID(tx *gorm.DB, provider, externalID string) (*models.Subscription, error)
	SaveSubscription(tx *gorm.DB, sub *models.Subscription) error
	ListSubscriptionsByUser(userID uint) ([]models.Subscription, error)

	CreateWebhookEventIfNotExists(event *models.PaymentWebhookEvent) (bool, *models.PaymentWebhookEvent, error)
	GetWebhookEvent(id uint) (*models.PaymentWebhookEvent, error)
	MarkWebhookProcessed(id uint, processingError string) error
	ListUnsettledWebhookEvents(olderThan time.Time, maxAttempts, limit int) ([]models.PaymentWebhookEvent, error)
	MarkWebhookArchived(id uint) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

// ClaimIdempotencyKey inserts the guard row. Exactly one concurrent caller
// gets true; the unique index is the only arbiter.
func (r *gormRepository) ClaimIdempotencyKey(tx *gorm.DB, provider, externalID string) (bool, error) {
	rec := &models.IdempotencyRecord{Provider: provider, ExternalID: externalID}
	res := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "external_id"},
		},
		DoNothing: true,
	}).Create(rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *gormRepository) HasIdempotencyKey(tx *gorm.DB, provider, externalID string) (bool, error) {
	var n int64
	err := tx.Model(&models.IdempotencyRecord{}).
		Where("provider = ? AND external_id = ?", provider, externalID).
		Count(&n).Error
	return n > 0, err
}

func (r *gormRepository) CreateOrder(tx *gorm.DB, order *models.Order) error {
	return tx.Create(order).Error
}

func (r *gormRepository) GetOrderByExternalID(provider, externalID string) (*models.Order, error) {
	var order models.Order
	err := r.db.Where("provider = ? AND external_id = ?", provider, externalID).First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *gormRepository) GetOrder(id uint) (*models.Order, error) {
	var order models.Order
	if err := r.db.First(&order, id).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *gormRepository) ListOrdersByUser(userID uint) ([]models.Order, error) {
	var orders []models.Order
	err := r.db.Where("user_id = ?", userID).Order("created_at DESC").Order("id DESC").Find(&orders).Error
	return orders, err
}

// MarkOrderRefunded moves a COMPLETED order to REFUNDED. It reports false
// when the order was in any other state.
func (r *gormRepository) MarkOrderRefunded(id uint) (bool, error) {
	res := r.db.Model(&models.Order{}).
		Where("id = ? AND status = ?", id, models.OrderStatusCompleted).
		Update("status", models.OrderStatusRefunded)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *gormRepository) GetSubscription(tx *gorm.DB, userID uint, provider string) (*models.Subscription, error) {
	var sub models.Subscription
	err := tx.Where("user_id = ? AND provider = ?", userID, provider).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) FindSubscriptionByExternalID(tx *gorm.DB, provider, externalID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := tx.Where("provider = ? AND external_id = ?", provider, externalID).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) SaveSubscription(tx *gorm.DB, sub *models.Subscription) error {
	return tx.Save(sub).Error
}

func (r *gormRepository) ListSubscriptionsByUser(userID uint) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.Where("user_id = ?", userID).Order("id ASC").Find(&subs).Error
	return subs, err
}

func (r *gormRepository) CreateWebhookEventIfNotExists(event *models.PaymentWebhookEvent) (bool, *models.PaymentWebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.PaymentWebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) GetWebhookEvent(id uint) (*models.PaymentWebhookEvent, error) {
	var event models.PaymentWebhookEvent
	if err := r.db.First(&event, id).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *gormRepository) MarkWebhookProcessed(id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
		"attempts":         gorm.Expr("attempts + ?", 1),
	}
	return r.db.Model(&models.PaymentWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

// ListUnsettledWebhookEvents returns deliveries that never finished or
// finished with an error and were not touched since olderThan, oldest first.
func (r *gormRepository) ListUnsettledWebhookEvents(olderThan time.Time, maxAttempts, limit int) ([]models.PaymentWebhookEvent, error) {
	var events []models.PaymentWebhookEvent
	err := r.db.
		Where("(processed_at IS NULL OR processing_error <> ?) AND updated_at < ? AND attempts < ?", "", olderThan, maxAttempts).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *gormRepository) MarkWebhookArchived(id uint) error {
	now := time.Now()
	return r.db.Model(&models.PaymentWebhookEvent{}).Where("id = ?", id).Update("archived_at", &now).Error
}
