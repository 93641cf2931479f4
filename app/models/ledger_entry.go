package models

import (
	"time"

	"gorm.io/datatypes"
)

// LedgerEntry is one immutable balance change. Positive deltas are credits,
// negative deltas are debits.
type LedgerEntry struct {
	ID           uint              `gorm:"primaryKey" json:"id"`
	WalletID     uint              `gorm:"not null;index:idx_ledger_entries_wallet_created,priority:1" json:"wallet_id"`
	Delta        int64             `gorm:"not null" json:"delta"`
	BalanceAfter int64             `gorm:"not null" json:"balance_after"`
	Reason       string            `gorm:"type:varchar(255);not null" json:"reason"`
	Meta         datatypes.JSONMap `json:"meta,omitempty"`
	CreatedAt    time.Time         `gorm:"autoCreateTime;index:idx_ledger_entries_wallet_created,priority:2" json:"created_at"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entries"
}

// IsCredit reports whether the entry increased the balance.
func (e LedgerEntry) IsCredit() bool {
	return e.Delta > 0
}
