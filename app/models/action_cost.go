package models

import "time"

// ActionCost is the credit price of an internal billable action.
// UsageCount is incremented in batches from the Redis usage counters.
type ActionCost struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	ActionKey  string    `gorm:"type:varchar(64);not null;uniqueIndex:ux_action_costs_key" json:"action_key"`
	Credits    int64     `gorm:"not null" json:"credits"`
	Reason     string    `gorm:"type:varchar(255);not null;default:''" json:"reason"`
	UsageCount int64     `gorm:"not null;default:0" json:"usage_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ActionCost) TableName() string {
	return "action_costs"
}
