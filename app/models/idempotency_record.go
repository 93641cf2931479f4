package models

import "time"

// IdempotencyRecord marks an external event (or derived key) as applied.
// The composite unique index is what rejects a second claim.
type IdempotencyRecord struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Provider    string    `gorm:"type:varchar(20);not null;index:ux_idempotency_records_key,unique,priority:1" json:"provider"`
	ExternalID  string    `gorm:"type:varchar(191);not null;index:ux_idempotency_records_key,unique,priority:2" json:"external_id"`
	ProcessedAt time.Time `gorm:"autoCreateTime" json:"processed_at"`
}

func (IdempotencyRecord) TableName() string {
	return "idempotency_records"
}
