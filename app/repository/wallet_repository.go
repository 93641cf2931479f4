package repository

import (
	"time"

	"github.com/ManuelReschke/CreditWallet/app/models"
	"gorm.io/gorm"
)

// walletRepository implements the WalletRepository interface
type walletRepository struct {
	db *gorm.DB
}

// NewWalletRepository creates a new wallet repository instance
func NewWalletRepository(db *gorm.DB) WalletRepository {
	return &walletRepository{db: db}
}

func (r *walletRepository) Create(wallet *models.Wallet) error {
	return r.db.Create(wallet).Error
}

func (r *walletRepository) GetByUserID(userID uint) (*models.Wallet, error) {
	var wallet models.Wallet
	if err := r.db.Where("user_id = ?", userID).First(&wallet).Error; err != nil {
		return nil, err
	}
	return &wallet, nil
}

// CompareAndSwapBalance writes newBalance only if the row still carries
// expectedVersion. It returns false when another writer got there first.
func (r *walletRepository) CompareAndSwapBalance(walletID uint, expectedVersion, newBalance int64) (bool, error) {
	res := r.db.Model(&models.Wallet{}).
		Where("id = ? AND version = ?", walletID, expectedVersion).
		Updates(map[string]interface{}{
			"balance":    newBalance,
			"version":    gorm.Expr("version + ?", 1),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
