package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	OrderStatusPending   = "PENDING"
	OrderStatusCompleted = "COMPLETED"
	OrderStatusFailed    = "FAILED"
	OrderStatusRefunded  = "REFUNDED"
)

// Order records one external payment transaction and its outcome.
type Order struct {
	ID          uint              `gorm:"primaryKey" json:"id"`
	UserID      uint              `gorm:"not null;index" json:"user_id"`
	Provider    string            `gorm:"type:varchar(20);not null;index:ux_orders_provider_external,unique,priority:1" json:"provider"`
	ExternalID  string            `gorm:"type:varchar(191);not null;index:ux_orders_provider_external,unique,priority:2" json:"external_id"`
	SKU         string            `gorm:"type:varchar(100);not null;default:''" json:"sku"`
	AmountMinor int64             `gorm:"not null;default:0" json:"amount_minor"`
	Currency    string            `gorm:"type:varchar(10);not null;default:'usd'" json:"currency"`
	Status      string            `gorm:"type:varchar(16);not null;default:'PENDING';index" json:"status"`
	Credits     int64             `gorm:"not null;default:0" json:"credits"`
	Meta        datatypes.JSONMap `json:"meta,omitempty"`
	CreatedAt   time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Order) TableName() string {
	return "orders"
}

// IsTerminal reports whether the order left PENDING.
func (o Order) IsTerminal() bool {
	return o.Status != OrderStatusPending
}
