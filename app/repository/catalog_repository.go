package repository

import (
	"github.com/ManuelReschke/CreditWallet/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// catalogRepository implements the CatalogRepository interface
type catalogRepository struct {
	db *gorm.DB
}

// NewCatalogRepository creates a new catalog repository instance
func NewCatalogRepository(db *gorm.DB) CatalogRepository {
	return &catalogRepository{db: db}
}

func (r *catalogRepository) FindActive(provider, sku string) (*models.CatalogEntry, error) {
	var entry models.CatalogEntry
	err := r.db.Where("provider = ? AND sku = ? AND is_active = ?", provider, sku, true).First(&entry).Error
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *catalogRepository) ListActive(provider string) ([]models.CatalogEntry, error) {
	var entries []models.CatalogEntry
	q := r.db.Where("is_active = ?", true)
	if provider != "" {
		q = q.Where("provider = ?", provider)
	}
	err := q.Order("provider ASC").Order("price_minor ASC").Find(&entries).Error
	return entries, err
}

// CreateIfNotExists inserts the entry unless (provider, sku) is already present.
// Existing rows are left untouched so operators can edit prices in the DB.
func (r *catalogRepository) CreateIfNotExists(entry *models.CatalogEntry) (bool, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "sku"},
		},
		DoNothing: true,
	}).Create(entry)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}
