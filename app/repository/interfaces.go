package repository

import (
	"github.com/ManuelReschke/CreditWallet/app/models"
	"gorm.io/gorm"
)

// WalletRepository defines the interface for wallet row access.
// Balance changes go through CompareAndSwapBalance only.
type WalletRepository interface {
	Create(wallet *models.Wallet) error
	GetByUserID(userID uint) (*models.Wallet, error)
	CompareAndSwapBalance(walletID uint, expectedVersion, newBalance int64) (bool, error)
}

// LedgerRepository defines the append-only ledger operations
type LedgerRepository interface {
	Append(entry *models.LedgerEntry) error
	ListByWallet(walletID uint, offset, limit int) ([]models.LedgerEntry, error)
	CountByWallet(walletID uint) (int64, error)
	SumDeltas(walletID uint) (int64, error)
}

// CatalogRepository defines the interface for SKU lookups
type CatalogRepository interface {
	FindActive(provider, sku string) (*models.CatalogEntry, error)
	ListActive(provider string) ([]models.CatalogEntry, error)
	CreateIfNotExists(entry *models.CatalogEntry) (bool, error)
}

// ActionCostRepository defines the interface for billable action prices
type ActionCostRepository interface {
	GetByKey(actionKey string) (*models.ActionCost, error)
	List() ([]models.ActionCost, error)
	CreateIfNotExists(cost *models.ActionCost) (bool, error)
}

// Repositories struct holds all repository instances
type Repositories struct {
	Wallet     WalletRepository
	Ledger     LedgerRepository
	Catalog    CatalogRepository
	ActionCost ActionCostRepository
}

// NewRepositories creates a new instance of all repositories.
// Pass a transaction handle to get repositories bound to that transaction.
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Wallet:     NewWalletRepository(db),
		Ledger:     NewLedgerRepository(db),
		Catalog:    NewCatalogRepository(db),
		ActionCost: NewActionCostRepository(db),
	}
}
