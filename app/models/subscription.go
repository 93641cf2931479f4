package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	SubscriptionStatusActive   = "ACTIVE"
	SubscriptionStatusPastDue  = "PAST_DUE"
	SubscriptionStatusCanceled = "CANCELED"
)

// Subscription mirrors the recurring billing relationship a user holds with
// one provider. CANCELED is terminal for the recorded external subscription.
type Subscription struct {
	ID                 uint              `gorm:"primaryKey" json:"id"`
	UserID             uint              `gorm:"not null;index:ux_subscriptions_user_provider,unique,priority:1" json:"user_id"`
	Provider           string            `gorm:"type:varchar(20);not null;index:ux_subscriptions_user_provider,unique,priority:2;index:idx_subscriptions_provider_external,priority:1" json:"provider"`
	ExternalID         string            `gorm:"type:varchar(191);not null;index:idx_subscriptions_provider_external,priority:2" json:"external_id"`
	Status             string            `gorm:"type:varchar(16);not null;default:'ACTIVE';index" json:"status"`
	Plan               string            `gorm:"type:varchar(50);not null;default:'STARTER'" json:"plan"`
	CurrentPeriodStart *time.Time        `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time        `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool              `gorm:"default:false" json:"cancel_at_period_end"`
	Meta               datatypes.JSONMap `json:"meta,omitempty"`
	CreatedAt          time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Subscription) TableName() string {
	return "subscriptions"
}

// IsCanceled reports whether the subscription reached its terminal state.
func (s Subscription) IsCanceled() bool {
	return s.Status == SubscriptionStatusCanceled
}
