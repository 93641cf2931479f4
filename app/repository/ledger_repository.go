package repository

import (
	"github.com/ManuelReschke/CreditWallet/app/models"
	"gorm.io/gorm"
)

// ledgerRepository implements the LedgerRepository interface.
// There is intentionally no update or delete.
type ledgerRepository struct {
	db *gorm.DB
}

// NewLedgerRepository creates a new ledger repository instance
func NewLedgerRepository(db *gorm.DB) LedgerRepository {
	return &ledgerRepository{db: db}
}

func (r *ledgerRepository) Append(entry *models.LedgerEntry) error {
	return r.db.Create(entry).Error
}

// ListByWallet returns entries newest first
func (r *ledgerRepository) ListByWallet(walletID uint, offset, limit int) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	err := r.db.Where("wallet_id = ?", walletID).
		Order("created_at DESC").
		Order("id DESC").
		Offset(offset).
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func (r *ledgerRepository) CountByWallet(walletID uint) (int64, error) {
	var count int64
	err := r.db.Model(&models.LedgerEntry{}).Where("wallet_id = ?", walletID).Count(&count).Error
	return count, err
}

func (r *ledgerRepository) SumDeltas(walletID uint) (int64, error) {
	var sum int64
	err := r.db.Model(&models.LedgerEntry{}).
		Where("wallet_id = ?", walletID).
		Select("COALESCE(SUM(delta), 0)").
		Scan(&sum).Error
	return sum, err
}
