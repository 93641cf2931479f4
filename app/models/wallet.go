package models

import "time"

// Wallet holds the spendable credit balance of one user. Balance is a
// materialized view of the wallet's ledger entries and is only mutated through
// a version-checked update.
type Wallet struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"not null;uniqueIndex:ux_wallets_user" json:"user_id"`
	Balance   int64     `gorm:"not null;default:0" json:"balance"`
	Version   int64     `gorm:"not null;default:0" json:"version"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Wallet) TableName() string {
	return "wallets"
}
